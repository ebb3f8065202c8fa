package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/observability"
)

// HeartbeatStats are the heartbeat's counters.
type HeartbeatStats struct {
	Runs         int64         `json:"runs"`
	Skipped      int64         `json:"skipped"`
	Failures     int64         `json:"failures"`
	Running      bool          `json:"running"`
	LastRun      time.Time     `json:"lastRun"`
	LastDuration time.Duration `json:"lastDuration"`
	LastError    string        `json:"lastError,omitempty"`
}

// Heartbeat re-enters the orchestrator on a fixed schedule. Beats never
// overlap: a tick that fires while the previous beat is still running is
// skipped.
type Heartbeat struct {
	orch     *Orchestrator
	interval time.Duration
	logger   *slog.Logger

	// sem is a single-slot semaphore held for the duration of a beat.
	sem chan struct{}

	mu    sync.Mutex
	stats HeartbeatStats

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHeartbeat creates a heartbeat over o using o's configured interval.
func NewHeartbeat(o *Orchestrator, logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	interval := o.cfg.Heartbeat.Interval
	if interval <= 0 {
		interval = DefaultConfig().Heartbeat.Interval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Heartbeat{
		orch:     o,
		interval: interval,
		logger:   logger,
		sem:      make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start schedules the beat.
func (h *Heartbeat) Start() error {
	h.cron = cron.New(cron.WithLogger(cronLogger{h.logger}))
	spec := fmt.Sprintf("@every %s", h.interval)
	if _, err := h.cron.AddFunc(spec, func() { h.Tick(h.ctx) }); err != nil {
		return fmt.Errorf("schedule heartbeat %q: %w", spec, err)
	}
	h.cron.Start()
	h.logger.Info("heartbeat started", slog.Duration("interval", h.interval))
	return nil
}

// Stop cancels a running beat and waits for it to return.
func (h *Heartbeat) Stop() {
	h.cancel()
	if h.cron != nil {
		<-h.cron.Stop().Done()
	}
	h.logger.Info("heartbeat stopped")
}

// Run starts the heartbeat and blocks until ctx is done.
func (h *Heartbeat) Run(ctx context.Context) error {
	if err := h.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	h.Stop()
	return nil
}

// Tick runs one beat now. It reports false when another beat held the slot.
func (h *Heartbeat) Tick(ctx context.Context) (*BeatResult, bool) {
	select {
	case h.sem <- struct{}{}:
	default:
		h.mu.Lock()
		h.stats.Skipped++
		h.mu.Unlock()
		observability.Heartbeat("skipped", 0)
		return nil, false
	}
	defer func() { <-h.sem }()

	h.mu.Lock()
	h.stats.Running = true
	h.mu.Unlock()

	start := time.Now()
	res, err := h.orch.Beat(ctx)
	elapsed := time.Since(start)

	h.mu.Lock()
	h.stats.Running = false
	h.stats.Runs++
	h.stats.LastRun = start
	h.stats.LastDuration = elapsed
	h.stats.LastError = ""
	if err != nil {
		h.stats.Failures++
		h.stats.LastError = err.Error()
	}
	h.mu.Unlock()

	if err != nil {
		observability.Heartbeat("error", elapsed)
		h.logger.Error("heartbeat failed", slog.String("error", err.Error()))
	} else {
		observability.Heartbeat("ok", elapsed)
	}
	return res, true
}

// Stats returns a copy of the heartbeat counters.
func (h *Heartbeat) Stats() HeartbeatStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// cronLogger routes cron's logging into slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
