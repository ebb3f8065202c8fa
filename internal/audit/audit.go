// Package audit is the append-only event log, stored in the KV backend and
// grouped by topic.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/kv"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
)

const keyPrefix = "audit/"

// Event types recorded by the orchestrator.
const (
	EventRunnerStarted   = "runner.started"
	EventRunnerCompleted = "runner.completed"
	EventRunnerFailed    = "runner.failed"
	EventJobApproved     = "job.approved"
	EventTaskMerged      = "task.merged"
)

// Log implements connectors.AuditLog over a kv.Backend.
type Log struct {
	backend kv.Backend
	now     func() time.Time
}

// New creates a Log.
func New(backend kv.Backend) *Log {
	return &Log{backend: backend, now: time.Now}
}

func topicPrefix(topic string) string {
	return keyPrefix + url.QueryEscape(topic) + "/"
}

// Append stores event under its topic. ID and Timestamp are filled in when
// empty. IDs are time-ordered so a prefix scan returns events oldest first.
func (l *Log) Append(ctx context.Context, event models.AuditEvent) error {
	if event.Topic == "" {
		return fmt.Errorf("audit event has no topic")
	}
	if event.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate event id: %w", err)
		}
		event.ID = id.String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	if err := l.backend.Put(ctx, topicPrefix(event.Topic)+event.ID, data); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// State returns every event for topic, oldest first.
func (l *Log) State(ctx context.Context, topic string) ([]models.AuditEvent, error) {
	entries, err := l.backend.List(ctx, topicPrefix(topic))
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	events := make([]models.AuditEvent, 0, len(entries))
	for _, e := range entries {
		var ev models.AuditEvent
		if err := json.Unmarshal(e.Value, &ev); err != nil {
			return nil, fmt.Errorf("decode audit event %s: %w", e.Key, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Record appends an event whose inputs are kept only as a hash.
func (l *Log) Record(ctx context.Context, eventType, topic, correlationID string, inputs any, outcome string, data map[string]string) (*models.AuditEvent, error) {
	ev := models.AuditEvent{
		Type:          eventType,
		Topic:         topic,
		CorrelationID: correlationID,
		InputsHash:    HashInputs(inputs),
		Outcome:       outcome,
		Data:          data,
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate event id: %w", err)
	}
	ev.ID = id.String()
	ev.Timestamp = l.now().UTC()
	if err := l.Append(ctx, ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// HashInputs creates a SHA256 hash of the inputs for reproducibility.
func HashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
