package validate

import (
	"encoding/json"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
)

// CreateJobRequest is the body of POST /jobs.
type CreateJobRequest struct {
	Type            models.JobType  `json:"type" validate:"required,oneof=ingestion orchestration runner_task run_command"`
	Priority        int             `json:"priority" validate:"gte=0,lte=100"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	IssueID         string          `json:"issueId,omitempty" validate:"max=128"`
	IssueIdentifier string          `json:"issueIdentifier,omitempty" validate:"max=64"`
	Topic           string          `json:"topic,omitempty" validate:"max=256"`
	CorrelationID   string          `json:"correlationId,omitempty" validate:"max=128"`
}

// UpdateJobRequest is the body of PATCH /jobs/{id}. Nil fields are left alone.
type UpdateJobRequest struct {
	Status   *models.JobStatus `json:"status,omitempty" validate:"omitempty,oneof=pending processing awaiting_hitl completed failed"`
	Priority *int              `json:"priority,omitempty" validate:"omitempty,gte=0,lte=100"`
	Result   json.RawMessage   `json:"result,omitempty"`
	Error    *string           `json:"error,omitempty"`
}

// CreateTaskRequest is the body of POST /v1/swarm/tasks.
type CreateTaskRequest struct {
	IssueID     string            `json:"issueId" validate:"required,max=128"`
	Type        models.TaskType   `json:"type" validate:"required,oneof=coding verify review chore feature bug"`
	Title       string            `json:"title" validate:"required,max=512"`
	Description string            `json:"description" validate:"max=65536"`
	Files       []string          `json:"files,omitempty" validate:"max=500,dive,max=1024"`
	Priority    int               `json:"priority" validate:"gte=0,lte=100"`
	IsHighRisk  bool              `json:"isHighRisk"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	PRNumber    int               `json:"prNumber,omitempty" validate:"gte=0"`
	PRURL       string            `json:"prUrl,omitempty" validate:"omitempty,url"`
	Repository  string            `json:"repository,omitempty" validate:"max=256"`
}

// TaskUpdateRequest is the body of POST /v1/swarm/update.
type TaskUpdateRequest struct {
	TaskID         string                 `json:"taskId" validate:"required"`
	Status         models.TaskStatus      `json:"status" validate:"omitempty,oneof=pending active in_progress completed failed"`
	EngineeringLog *models.EngineeringLog `json:"engineeringLog,omitempty"`
	ReviewDecision models.ReviewDecision  `json:"reviewDecision,omitempty" validate:"omitempty,oneof=APPROVE REQUEST_CHANGES COMMENT"`
	PRNumber       int                    `json:"prNumber,omitempty" validate:"gte=0"`
	PRURL          string                 `json:"prUrl,omitempty" validate:"omitempty,url"`
	Repository     string                 `json:"repository,omitempty" validate:"max=256"`
	Metadata       map[string]string      `json:"metadata,omitempty"`
}

// WorkerPollRequest is the body of POST /v1/worker/poll.
type WorkerPollRequest struct {
	WorkerID string `json:"workerId" validate:"required,max=128"`
}

// BatchRequest is the optional body of POST /v1/admin/batch.
type BatchRequest struct {
	Limit int `json:"limit" validate:"gte=0,lte=100"`
}

// ChatMessage is one message in a chat request.
type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required,maxbytes"`
}

// ChatRequest is the body of POST /v2/chat.
type ChatRequest struct {
	Messages    []ChatMessage `json:"messages" validate:"required,min=1,max=100,dive"`
	TaskType    string        `json:"taskType,omitempty" validate:"max=64"`
	Provider    string        `json:"provider,omitempty" validate:"omitempty,oneof=anthropic gemini openai deepseek perplexity"`
	Model       string        `json:"model,omitempty" validate:"max=128"`
	MaxTokens   int           `json:"maxTokens,omitempty" validate:"gte=0,lte=200000"`
	Temperature float32       `json:"temperature,omitempty" validate:"gte=0,lte=2"`
}

// LinearLabel is a label attached to a Linear issue.
type LinearLabel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// LinearIssueData is the data block of a Linear issue webhook.
type LinearIssueData struct {
	ID          string        `json:"id" validate:"required"`
	Identifier  string        `json:"identifier"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Priority    int           `json:"priority"`
	Labels      []LinearLabel `json:"labels"`
	State       struct {
		Name string `json:"name"`
	} `json:"state"`
}

// LinearWebhook is the body of POST /webhooks/linear.
type LinearWebhook struct {
	Action string          `json:"action" validate:"required,oneof=create update remove"`
	Type   string          `json:"type" validate:"required"`
	Data   LinearIssueData `json:"data"`
}

// GitHubRepository identifies a repository in a GitHub event.
type GitHubRepository struct {
	FullName string `json:"full_name" validate:"required"`
}

// GitHubPullRequest is the pull_request block of a GitHub event.
type GitHubPullRequest struct {
	Number  int    `json:"number" validate:"required,gt=0"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
	Merged  bool   `json:"merged"`
	Head    struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

// GitHubReview is the review block of a pull_request_review event.
type GitHubReview struct {
	State string `json:"state" validate:"required"`
	Body  string `json:"body"`
}

// GitHubPullRequestEvent covers pull_request and pull_request_review events.
type GitHubPullRequestEvent struct {
	Action      string            `json:"action" validate:"required"`
	PullRequest GitHubPullRequest `json:"pull_request"`
	Repository  GitHubRepository  `json:"repository"`
	Review      *GitHubReview     `json:"review,omitempty"`
}
