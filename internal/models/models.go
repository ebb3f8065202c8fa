// Package models defines the core domain types for the Bifrost orchestrator.
package models

import (
	"encoding/json"
	"time"
)

// JobType identifies which processor handles a job.
type JobType string

const (
	JobTypeIngestion     JobType = "ingestion"
	JobTypeOrchestration JobType = "orchestration"
	JobTypeRunnerTask    JobType = "runner_task"
	JobTypeRunCommand    JobType = "run_command"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	JobStatusPending      JobStatus = "pending"
	JobStatusProcessing   JobStatus = "processing"
	JobStatusAwaitingHITL JobStatus = "awaiting_hitl"
	JobStatusCompleted    JobStatus = "completed"
	JobStatusFailed       JobStatus = "failed"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is a unit of backend work.
type Job struct {
	ID              string          `json:"id"`
	Type            JobType         `json:"type"`
	Status          JobStatus       `json:"status"`
	Priority        int             `json:"priority"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	IssueID         string          `json:"issueId,omitempty"`
	IssueIdentifier string          `json:"issueIdentifier,omitempty"`
	Topic           string          `json:"topic,omitempty"`
	CorrelationID   string          `json:"correlationId,omitempty"`
}

// TaskType identifies the kind of agent work.
type TaskType string

const (
	TaskTypeCoding  TaskType = "coding"
	TaskTypeVerify  TaskType = "verify"
	TaskTypeReview  TaskType = "review"
	TaskTypeChore   TaskType = "chore"
	TaskTypeFeature TaskType = "feature"
	TaskTypeBug     TaskType = "bug"
)

// TaskStatus represents the current state of a swarm task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusActive     TaskStatus = "active"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// CheckedOut reports whether a worker currently holds the task.
func (s TaskStatus) CheckedOut() bool {
	return s == TaskStatusActive || s == TaskStatusInProgress
}

// ReviewDecision is the outcome of a review task.
type ReviewDecision string

const (
	ReviewApprove        ReviewDecision = "APPROVE"
	ReviewRequestChanges ReviewDecision = "REQUEST_CHANGES"
	ReviewComment        ReviewDecision = "COMMENT"
)

// SwarmTask is a unit of agent work tied to one external issue.
type SwarmTask struct {
	ID             string            `json:"id"`
	IssueID        string            `json:"issueId"`
	Type           TaskType          `json:"type"`
	Title          string            `json:"title"`
	Description    string            `json:"description"`
	Files          []string          `json:"files,omitempty"`
	Status         TaskStatus        `json:"status"`
	Priority       int               `json:"priority"`
	IsHighRisk     bool              `json:"isHighRisk"`
	EngineeringLog *EngineeringLog   `json:"engineeringLog,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	PRNumber       int               `json:"prNumber,omitempty"`
	PRURL          string            `json:"prUrl,omitempty"`
	Repository     string            `json:"repository,omitempty"`
	ReviewDecision ReviewDecision    `json:"reviewDecision,omitempty"`
	AssignedTo     string            `json:"assignedTo,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// EngineeringLog is a structured self-report of a task execution.
type EngineeringLog struct {
	Summary     string   `json:"summary"`
	Diff        string   `json:"diff,omitempty"`
	WhatWorked  []string `json:"whatWorked,omitempty"`
	WhatFailed  []string `json:"whatFailed,omitempty"`
	Lessons     []string `json:"lessons,omitempty"`
	NextSteps   []string `json:"nextSteps,omitempty"`
	DurationSec int      `json:"durationSec,omitempty"`
}

// CircuitState is the position of a circuit breaker.
type CircuitState string

const (
	CircuitClosed CircuitState = "closed"
	CircuitOpen   CircuitState = "open"
)

// CircuitBreakerState tracks failures of one external dependency.
type CircuitBreakerState struct {
	State        CircuitState `json:"state"`
	FailureCount int          `json:"failureCount"`
	TrippedAt    *time.Time   `json:"trippedAt,omitempty"`
	Reason       string       `json:"reason,omitempty"`
}

// RateLimitState is one caller's token bucket.
type RateLimitState struct {
	Tokens     float64   `json:"tokens"`
	LastRefill time.Time `json:"lastRefill"`
}

// ProviderMetrics are per-provider counters.
type ProviderMetrics struct {
	Requests  int64 `json:"requests"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Tokens    int64 `json:"tokens"`
}

// RouterMetrics are cumulative service counters.
type RouterMetrics struct {
	TotalRequests  int64                       `json:"totalRequests"`
	TotalTasks     int64                       `json:"totalTasks"`
	TokensConsumed int64                       `json:"tokensConsumed"`
	ErrorCount     int64                       `json:"errorCount"`
	SuccessCount   int64                       `json:"successCount"`
	StartTime      time.Time                   `json:"startTime"`
	Providers      map[string]*ProviderMetrics `json:"providers"`
}

// NewRouterMetrics returns zeroed metrics starting at now.
func NewRouterMetrics(now time.Time) RouterMetrics {
	return RouterMetrics{
		StartTime: now,
		Providers: make(map[string]*ProviderMetrics),
	}
}

// Provider returns the counters for name, creating them if needed.
func (m *RouterMetrics) Provider(name string) *ProviderMetrics {
	if m.Providers == nil {
		m.Providers = make(map[string]*ProviderMetrics)
	}
	p, ok := m.Providers[name]
	if !ok {
		p = &ProviderMetrics{}
		m.Providers[name] = p
	}
	return p
}

// ErrorLogEntry is one entry of the error ring buffer.
type ErrorLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Context   string    `json:"context,omitempty"`
	Stack     string    `json:"stack,omitempty"`
}

// GovernanceState is the daily quota of the governance actor.
type GovernanceState struct {
	RequestsToday int       `json:"requestsToday"`
	LastReset     time.Time `json:"lastReset"`
	Blocked       bool      `json:"blocked"`
}

// AuditEvent is one entry of the append-only audit log.
type AuditEvent struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Topic         string            `json:"topic"`
	CorrelationID string            `json:"correlationId,omitempty"`
	InputsHash    string            `json:"inputsHash,omitempty"`
	Outcome       string            `json:"outcome,omitempty"`
	Data          map[string]string `json:"data,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}
