// Package governance is the global daily-quota actor. It runs independently
// of the orchestrator, owns its own state, and resets at UTC midnight.
package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/kv"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
)

// ErrQuotaExceeded is returned once the daily limit has been passed.
var ErrQuotaExceeded = errors.New("daily request quota exceeded")

const (
	stateKey = "governance:state"

	// resetSpec fires at 00:00 UTC every day.
	resetSpec = "CRON_TZ=UTC 0 0 * * *"
)

// Config configures the governor.
type Config struct {
	DailyLimit int    `yaml:"daily_limit" toml:"daily_limit"`
	Addr       string `yaml:"addr" toml:"addr"`
	// URL points the orchestrator at a remote governor. Empty means in-process.
	URL string `yaml:"url" toml:"url"`
}

// DefaultConfig returns the default quota settings.
func DefaultConfig() Config {
	return Config{
		DailyLimit: 10000,
		Addr:       "127.0.0.1:7467",
	}
}

// Notifier is told when the quota trips. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Governor enforces the daily quota.
type Governor struct {
	mu       sync.Mutex
	backend  kv.Backend
	limit    int
	schedule cron.Schedule
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	state     models.GovernanceState
	nextAlarm time.Time
	loaded    bool
}

// Option configures a Governor.
type Option func(*Governor)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// WithNotifier sets the quota-tripped notifier.
func WithNotifier(n Notifier) Option {
	return func(g *Governor) { g.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Governor) { g.logger = l }
}

// New creates a Governor persisting to backend.
func New(backend kv.Backend, cfg Config, opts ...Option) (*Governor, error) {
	if cfg.DailyLimit <= 0 {
		return nil, fmt.Errorf("daily limit must be positive, got %d", cfg.DailyLimit)
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(resetSpec)
	if err != nil {
		return nil, fmt.Errorf("parse reset schedule: %w", err)
	}

	g := &Governor{
		backend:  backend,
		limit:    cfg.DailyLimit,
		schedule: sched,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Initialize loads persisted state, forces a reset if the last one happened
// on an earlier UTC day, and schedules the next midnight alarm.
func (g *Governor) Initialize(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ensureLoaded(ctx)
}

func (g *Governor) ensureLoaded(ctx context.Context) error {
	if g.loaded {
		return nil
	}

	raw, err := g.backend.Get(ctx, stateKey)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		g.state = models.GovernanceState{LastReset: g.now().UTC()}
	case err != nil:
		return fmt.Errorf("load governance state: %w", err)
	default:
		if err := json.Unmarshal(raw, &g.state); err != nil {
			return fmt.Errorf("decode governance state: %w", err)
		}
	}
	g.loaded = true

	if err := g.resetIfStale(ctx); err != nil {
		return err
	}
	g.nextAlarm = g.schedule.Next(g.now().UTC())
	return g.persist(ctx)
}

// resetIfStale covers a missed alarm.
func (g *Governor) resetIfStale(ctx context.Context) error {
	if sameUTCDay(g.state.LastReset, g.now()) {
		return nil
	}
	g.logger.Info("governance quota reset on stale day",
		slog.Time("last_reset", g.state.LastReset),
		slog.Int("requests", g.state.RequestsToday),
	)
	g.reset()
	return g.persist(ctx)
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func (g *Governor) reset() {
	g.state.RequestsToday = 0
	g.state.Blocked = false
	g.state.LastReset = g.now().UTC()
}

func (g *Governor) persist(ctx context.Context) error {
	data, err := json.Marshal(g.state)
	if err != nil {
		return fmt.Errorf("encode governance state: %w", err)
	}
	if err := g.backend.Put(ctx, stateKey, data); err != nil {
		return fmt.Errorf("persist governance state: %w", err)
	}
	return nil
}

// Check counts one request against the quota. The request that pushes the
// counter past the limit is itself rejected, as is every request after it
// until the next reset.
func (g *Governor) Check(ctx context.Context) (models.GovernanceState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureLoaded(ctx); err != nil {
		return g.state, err
	}
	if err := g.resetIfStale(ctx); err != nil {
		return g.state, err
	}
	if g.state.Blocked {
		return g.state, ErrQuotaExceeded
	}

	g.state.RequestsToday++
	if g.state.RequestsToday > g.limit {
		g.state.Blocked = true
	}
	if err := g.persist(ctx); err != nil {
		return g.state, err
	}

	if g.state.Blocked {
		g.logger.Warn("governance quota exceeded", slog.Int("limit", g.limit))
		if g.notifier != nil {
			msg := fmt.Sprintf("Daily request quota of %d exceeded. Outbound work is paused until 00:00 UTC.", g.limit)
			if err := g.notifier.Notify(ctx, msg); err != nil {
				g.logger.Warn("governance notify failed", slog.String("error", err.Error()))
			}
		}
		return g.state, ErrQuotaExceeded
	}
	return g.state, nil
}

// Allow is Check without the state, for callers that only gate on it.
func (g *Governor) Allow(ctx context.Context) error {
	_, err := g.Check(ctx)
	return err
}

// Alarm resets the quota and schedules the following midnight.
func (g *Governor) Alarm(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureLoaded(ctx); err != nil {
		return err
	}
	g.reset()
	g.nextAlarm = g.schedule.Next(g.now().UTC())
	g.logger.Info("governance quota reset", slog.Time("next_reset", g.nextAlarm))
	return g.persist(ctx)
}

// State returns a copy of the current state.
func (g *Governor) State() models.GovernanceState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// NextAlarm is when the next reset fires.
func (g *Governor) NextAlarm() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nextAlarm
}

// Limit is the configured daily limit.
func (g *Governor) Limit() int {
	return g.limit
}

// Run fires Alarm at each scheduled midnight until ctx is done.
func (g *Governor) Run(ctx context.Context) error {
	if err := g.Initialize(ctx); err != nil {
		return err
	}
	for {
		wait := g.NextAlarm().Sub(g.now())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			if err := g.Alarm(ctx); err != nil {
				g.logger.Error("governance alarm failed", slog.String("error", err.Error()))
			}
		}
	}
}
