package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Task types understood by the routing heuristic.
const (
	TaskPlanning        = "planning"
	TaskTroubleshooting = "troubleshooting"
	TaskContextAnalysis = "context-analysis"
	TaskResearch        = "research"
	TaskTriage          = "triage"
	TaskCoding          = "coding"
	TaskOptimization    = "optimization"
)

// DefaultContextThreshold is the prompt size above which coding work goes to
// the large-context provider.
const DefaultContextThreshold = 100000

// DefaultCallTimeout bounds one routed provider call, including pacing waits.
const DefaultCallTimeout = 90 * time.Second

// OptimizationMarker opens the system message carrying a learned prompt.
const OptimizationMarker = "[OPTIMIZATION ACTIVE]"

// Request is one routed chat call.
type Request struct {
	Messages []Message
	TaskType string
	// Provider overrides the heuristic when set.
	Provider string
	Options  Options
}

// MetricsSink receives the outcome of every provider call.
type MetricsSink interface {
	RecordLLMCall(provider string, tokens int, err error)
}

// Router picks a provider per request and calls it.
type Router struct {
	registry         *Registry
	optimizations    OptimizationStore
	metrics          MetricsSink
	contextThreshold int
	callTimeout      time.Duration
	logger           *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithOptimizationStore enables the learned prompt overlay.
func WithOptimizationStore(s OptimizationStore) RouterOption {
	return func(r *Router) { r.optimizations = s }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m MetricsSink) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// WithContextThreshold overrides DefaultContextThreshold.
func WithContextThreshold(chars int) RouterOption {
	return func(r *Router) {
		if chars > 0 {
			r.contextThreshold = chars
		}
	}
}

// WithCallTimeout overrides DefaultCallTimeout.
func WithCallTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.callTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// NewRouter creates a router over registry.
func NewRouter(registry *Registry, opts ...RouterOption) *Router {
	r := &Router{
		registry:         registry,
		contextThreshold: DefaultContextThreshold,
		callTimeout:      DefaultCallTimeout,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the provider registry.
func (r *Router) Registry() *Registry {
	return r.registry
}

// SetMetrics replaces the metrics sink.
func (r *Router) SetMetrics(m MetricsSink) {
	r.metrics = m
}

// Heuristic returns the preferred provider for a task type and prompt.
func (r *Router) Heuristic(taskType string, messages []Message) string {
	switch strings.ToLower(taskType) {
	case TaskPlanning:
		return Anthropic
	case TaskTroubleshooting:
		return Perplexity
	case TaskContextAnalysis, TaskResearch:
		return Gemini
	case TaskTriage:
		return DeepSeek
	case TaskCoding:
		if promptChars(messages) > r.contextThreshold {
			return Gemini
		}
		return Anthropic
	default:
		return Anthropic
	}
}

func promptChars(messages []Message) int {
	n := 0
	for _, m := range messages {
		n += len(m.Content)
	}
	return n
}

// Select resolves the provider for req: the override, else the heuristic,
// else the first usable provider in FallbackOrder.
func (r *Router) Select(req Request) (Provider, error) {
	choice := req.Provider
	if choice != "" {
		if _, ok := r.registry.Get(choice); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, choice)
		}
	} else {
		choice = r.Heuristic(req.TaskType, req.Messages)
	}

	if p, ok := r.registry.usable(choice); ok {
		return p, nil
	}
	for _, name := range FallbackOrder {
		if name == choice {
			continue
		}
		if p, ok := r.registry.usable(name); ok {
			r.logger.Info("llm provider fallback",
				slog.String("wanted", choice),
				slog.String("provider", name),
			)
			return p, nil
		}
	}
	return nil, ErrNoProvider
}

// Route selects a provider, applies the optimization overlay and calls it.
func (r *Router) Route(ctx context.Context, req Request) (*Response, error) {
	p, err := r.Select(req)
	if err != nil {
		return nil, err
	}

	messages := r.overlay(ctx, req.TaskType, req.Messages)

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	resp, err := p.Chat(callCtx, messages, req.Options)
	cancel()
	tokens := 0
	if resp != nil {
		tokens = resp.Usage.TotalTokens
		if resp.Provider == "" {
			resp.Provider = p.Name()
		}
	}
	if r.metrics != nil {
		r.metrics.RecordLLMCall(p.Name(), tokens, err)
	}
	if err != nil {
		r.logger.Warn("llm call failed",
			slog.String("provider", p.Name()),
			slog.String("task_type", req.TaskType),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%s: %w", p.Name(), err)
	}
	return resp, nil
}

// overlay returns messages with the learned prompt for taskType prepended.
// The caller's slice is never modified.
func (r *Router) overlay(ctx context.Context, taskType string, messages []Message) []Message {
	if r.optimizations == nil || taskType == "" {
		return messages
	}
	prompt, ok, err := r.optimizations.Get(ctx, taskType)
	if err != nil {
		r.logger.Warn("load optimized prompt failed", slog.String("task_type", taskType), slog.String("error", err.Error()))
		return messages
	}
	if !ok {
		return messages
	}
	out := make([]Message, 0, len(messages)+1)
	out = append(out, Message{Role: RoleSystem, Content: OptimizationMarker + "\n" + prompt})
	return append(out, messages...)
}
