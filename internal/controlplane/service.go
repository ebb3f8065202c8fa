// Package controlplane is the HTTP façade of the orchestrator: bearer auth,
// per-key rate limiting, configuration checks, and routing onto the actor.
package controlplane

import (
	"context"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/llm"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/orchestrator"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/processor"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/swarm"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/validate"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/webhook"
)

// Service is what the server needs from the orchestrator actor.
type Service interface {
	Health(ctx context.Context) error
	AllowRequest(ctx context.Context, key string) error

	CreateJob(ctx context.Context, req validate.CreateJobRequest) (*models.Job, error)
	Jobs(ctx context.Context, status models.JobStatus) ([]*models.Job, error)
	Job(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, id string, req validate.UpdateJobRequest) (*models.Job, error)
	ApproveJob(ctx context.Context, id string) (*models.Job, error)

	CreateTask(ctx context.Context, req validate.CreateTaskRequest) (*models.SwarmTask, error)
	Tasks(ctx context.Context, status models.TaskStatus) ([]*models.SwarmTask, error)
	NextTask(ctx context.Context) (*models.SwarmTask, error)
	WorkerPoll(ctx context.Context, workerID string) (*models.SwarmTask, error)
	UpdateTask(ctx context.Context, req validate.TaskUpdateRequest) (*swarm.UpdateResult, error)

	Batch(ctx context.Context, limit int) (*processor.BatchResult, error)
	Sync(ctx context.Context) (*processor.SyncResult, error)
	Maintain(ctx context.Context) (*orchestrator.MaintenanceResult, error)
	Wipe(ctx context.Context) error

	Metrics(ctx context.Context) (*orchestrator.Snapshot, error)
	Errors(ctx context.Context) ([]models.ErrorLogEntry, error)
	Circuits(ctx context.Context) (map[string]models.CircuitBreakerState, error)

	LinearWebhook(ctx context.Context, body []byte, signature string) (*webhook.Result, error)
	GitHubWebhook(ctx context.Context, event string, body []byte, signature string) (*webhook.Result, error)

	Chat(ctx context.Context, req validate.ChatRequest) (*llm.Response, error)
}

var _ Service = (*orchestrator.Orchestrator)(nil)
