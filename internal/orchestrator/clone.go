package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/llm"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/observability"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/swarm"
)

// Values handed out of the actor are copies; the mirror keeps mutating
// after the lock is released.

func cloneJob(j *models.Job) *models.Job {
	c := *j
	return &c
}

func cloneTask(t *models.SwarmTask) *models.SwarmTask {
	c := *t
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.Files != nil {
		c.Files = append([]string(nil), t.Files...)
	}
	return &c
}

func cloneUpdate(r *swarm.UpdateResult) *swarm.UpdateResult {
	out := &swarm.UpdateResult{Task: cloneTask(r.Task), Merge: r.Merge}
	for _, t := range r.Spawned {
		out.Spawned = append(out.Spawned, cloneTask(t))
	}
	return out
}

func cloneMetrics(m models.RouterMetrics) models.RouterMetrics {
	c := m
	c.Providers = make(map[string]*models.ProviderMetrics, len(m.Providers))
	for name, p := range m.Providers {
		pc := *p
		c.Providers[name] = &pc
	}
	return c
}

type llmCall struct {
	provider string
	tokens   int
	err      error
}

// metricsBuffer is the router's metrics sink. Calls can arrive from inside
// the actor (job processing) or outside it (chat), so they are queued and
// folded into the store by flushMetrics while the actor lock is held.
type metricsBuffer struct {
	mu    sync.Mutex
	calls []llmCall
}

var _ llm.MetricsSink = (*metricsBuffer)(nil)

func (b *metricsBuffer) RecordLLMCall(provider string, tokens int, err error) {
	observability.LLMCall(provider, tokens, err)
	b.mu.Lock()
	b.calls = append(b.calls, llmCall{provider: provider, tokens: tokens, err: err})
	b.mu.Unlock()
}

func (b *metricsBuffer) drain() []llmCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	calls := b.calls
	b.calls = nil
	return calls
}

// flushMetrics must be called with o.mu held.
func (o *Orchestrator) flushMetrics(ctx context.Context) {
	calls := o.metrics.drain()
	if len(calls) == 0 {
		return
	}
	m := &o.store.Meta().Metrics
	for _, c := range calls {
		llm.ApplyCall(m, c.provider, c.tokens, c.err)
	}
	if err := o.store.SaveMeta(ctx); err != nil {
		o.logger.Warn("persist llm metrics", slog.String("error", err.Error()))
	}
}
