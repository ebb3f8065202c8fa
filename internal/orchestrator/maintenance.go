package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/connectors"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/llm"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/observability"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/processor"
)

// MaintenanceResult reports one maintenance pass.
type MaintenanceResult struct {
	Recovered         []string `json:"recovered,omitempty"`
	Removed           int      `json:"removed"`
	OptimizationJobID string   `json:"optimizationJobId,omitempty"`
}

// BeatResult reports one heartbeat.
type BeatResult struct {
	Recovered   []string               `json:"recovered,omitempty"`
	Sync        *processor.SyncResult  `json:"sync,omitempty"`
	SyncError   string                 `json:"syncError,omitempty"`
	Batch       *processor.BatchResult `json:"batch,omitempty"`
	Maintenance *MaintenanceResult     `json:"maintenance,omitempty"`
}

// Beat recovers long-tripped circuits, then runs sync, one batch and, when
// due, maintenance, all under a single hold of the actor lock.
func (o *Orchestrator) Beat(ctx context.Context) (*BeatResult, error) {
	res := &BeatResult{}
	err := o.do(ctx, func() error {
		recovered, err := o.recoverCircuits(ctx)
		if err != nil {
			return err
		}
		res.Recovered = recovered

		if o.cfg.Heartbeat.Sync {
			sr, err := o.proc.Sync(ctx)
			switch {
			case errors.Is(err, connectors.ErrNotConfigured):
			case err != nil:
				res.SyncError = err.Error()
				o.logger.Warn("heartbeat sync failed", slog.String("error", err.Error()))
			default:
				res.Sync = sr
			}
		}

		batch, err := o.batch(ctx, o.cfg.Heartbeat.BatchSize)
		res.Batch = batch
		if err != nil {
			return err
		}

		last := o.store.Meta().LastMaintenance
		if last.IsZero() || o.store.Now().Sub(last) >= o.cfg.Heartbeat.MaintenanceInterval {
			m, err := o.maintain(ctx)
			res.Maintenance = m
			return err
		}
		return nil
	})
	return res, err
}

// Maintain runs a maintenance pass now.
func (o *Orchestrator) Maintain(ctx context.Context) (*MaintenanceResult, error) {
	var res *MaintenanceResult
	err := o.do(ctx, func() error {
		var err error
		res, err = o.maintain(ctx)
		return err
	})
	return res, err
}

// maintain force-closes long-tripped circuits, prunes old terminal records
// and schedules the periodic optimization review.
func (o *Orchestrator) maintain(ctx context.Context) (*MaintenanceResult, error) {
	now := o.store.Now()
	res := &MaintenanceResult{}

	recovered, err := o.recoverCircuits(ctx)
	if err != nil {
		return res, err
	}
	res.Recovered = recovered

	removed, err := o.store.CleanupOldRecords(ctx, o.cfg.Heartbeat.Retention)
	if err != nil {
		return res, err
	}
	res.Removed = removed

	id, err := o.scheduleOptimization(ctx, now)
	if err != nil {
		o.logger.Warn("schedule optimization review", slog.String("error", err.Error()))
	}
	res.OptimizationJobID = id

	o.store.Meta().LastMaintenance = now
	if err := o.store.SaveMeta(ctx); err != nil {
		return res, err
	}
	o.logger.Debug("maintenance finished",
		slog.Int("removed", removed),
		slog.Int("recovered", len(recovered)),
	)
	return res, nil
}

func (o *Orchestrator) recoverCircuits(ctx context.Context) ([]string, error) {
	recovered, err := o.store.RecoverCircuits(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range recovered {
		observability.CircuitRecovered(c)
		o.logger.Info("circuit recovered", slog.String("circuit", c))
	}
	return recovered, nil
}

// scheduleOptimization enqueues an optimization review once per interval.
// An interval counts from the last completed review, or from service start
// if there has been none. A review job created inside the interval, pending
// or failed, also holds off a new one.
func (o *Orchestrator) scheduleOptimization(ctx context.Context, now time.Time) (string, error) {
	every := o.cfg.Heartbeat.OptimizationInterval
	if every <= 0 || o.router == nil {
		return "", nil
	}
	meta := o.store.Meta()
	last := meta.LastOptimizationReview
	if last.IsZero() {
		last = meta.Metrics.StartTime
	}
	if now.Sub(last) < every {
		return "", nil
	}
	for _, j := range o.store.Jobs() {
		if isOptimizationJob(j) && now.Sub(j.CreatedAt) < every {
			return "", nil
		}
	}

	job, err := o.proc.Enqueue(ctx, processor.NewJob{
		Type: models.JobTypeOrchestration,
		Payload: processor.OrchestrationPayload{
			Action:         processor.ActionOptimizationReview,
			TargetTaskType: llm.TaskCoding,
		},
		Topic: "maintenance",
	})
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

func isOptimizationJob(j *models.Job) bool {
	if j.Type != models.JobTypeOrchestration || len(j.Payload) == 0 {
		return false
	}
	var pl processor.OrchestrationPayload
	if err := json.Unmarshal(j.Payload, &pl); err != nil {
		return false
	}
	return pl.Action == processor.ActionOptimizationReview
}
