package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/kv"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/resilience"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBackend(t *testing.T) kv.Backend {
	t.Helper()
	b, err := kv.OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func newTestStore(t *testing.T) (*Store, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := New(newTestBackend(t), WithClock(c.Now))
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return s, c
}

func TestInitialize_HydratesPersistedState(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)

	first := New(backend)
	if err := first.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := first.SaveJob(ctx, &models.Job{ID: "j1", Type: models.JobTypeIngestion, Status: models.JobStatusPending}); err != nil {
		t.Fatalf("SaveJob failed: %v", err)
	}
	if err := first.SaveTask(ctx, &models.SwarmTask{ID: "t1", IssueID: "X", Type: models.TaskTypeCoding, Status: models.TaskStatusPending}); err != nil {
		t.Fatalf("SaveTask failed: %v", err)
	}
	if err := first.MarkIngested(ctx, "issue-1"); err != nil {
		t.Fatalf("MarkIngested failed: %v", err)
	}

	second := New(backend)
	if second.Hydrated() {
		t.Fatal("store should not report hydrated before Initialize")
	}
	if err := second.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if !second.Hydrated() {
		t.Fatal("store should report hydrated after Initialize")
	}
	if _, ok := second.Job("j1"); !ok {
		t.Error("job j1 not hydrated")
	}
	if task, ok := second.Task("t1"); !ok || task.IssueID != "X" {
		t.Errorf("task t1 not hydrated correctly: %+v", task)
	}
	if !second.IsIngested("issue-1") {
		t.Error("ingested id not hydrated")
	}
}

func TestInitialize_ConcurrentCallersShareBarrier(t *testing.T) {
	s := New(newTestBackend(t))

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Initialize(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Initialize returned %v", err)
		}
	}
	select {
	case <-s.Ready():
	default:
		t.Fatal("ready channel should be closed")
	}
}

func TestSaveJob_SetsTimestamps(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()

	job := &models.Job{ID: "j1", Status: models.JobStatusPending}
	if err := s.SaveJob(ctx, job); err != nil {
		t.Fatalf("SaveJob failed: %v", err)
	}
	created := job.CreatedAt

	c.Advance(time.Minute)
	job.Status = models.JobStatusCompleted
	if err := s.SaveJob(ctx, job); err != nil {
		t.Fatalf("SaveJob failed: %v", err)
	}

	if !job.CreatedAt.Equal(created) {
		t.Error("CreatedAt must not change on update")
	}
	if job.UpdatedAt.Sub(created) != time.Minute {
		t.Errorf("UpdatedAt = %v, want created+1m", job.UpdatedAt)
	}
	if s.PendingJobCount() != 0 {
		t.Errorf("PendingJobCount = %d, want 0", s.PendingJobCount())
	}
}

func TestLogError_RingBuffer(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < MaxErrorLog+5; i++ {
		if err := s.LogError(ctx, fmt.Sprintf("err-%d", i), "test", ""); err != nil {
			t.Fatalf("LogError failed: %v", err)
		}
	}

	errs := s.Errors()
	if len(errs) != MaxErrorLog {
		t.Fatalf("len(errors) = %d, want %d", len(errs), MaxErrorLog)
	}
	if errs[0].Message != fmt.Sprintf("err-%d", MaxErrorLog+4) {
		t.Errorf("newest entry = %q", errs[0].Message)
	}
	if errs[len(errs)-1].Message != "err-5" {
		t.Errorf("oldest retained entry = %q, want err-5", errs[len(errs)-1].Message)
	}
	if s.Meta().Metrics.ErrorCount != 0 {
		t.Errorf("ErrorCount = %d, want 0: only LLM calls count as router errors", s.Meta().Metrics.ErrorCount)
	}
}

func TestCleanupOldRecords_KeepsNewestTerminal(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		c.Advance(time.Second)
		if err := s.SaveJob(ctx, &models.Job{ID: fmt.Sprintf("done-%d", i), Status: models.JobStatusCompleted}); err != nil {
			t.Fatal(err)
		}
		if err := s.SaveTask(ctx, &models.SwarmTask{ID: fmt.Sprintf("task-%d", i), Status: models.TaskStatusFailed}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SaveJob(ctx, &models.Job{ID: "live", Status: models.JobStatusPending}); err != nil {
		t.Fatal(err)
	}

	removed, err := s.CleanupOldRecords(ctx, 2)
	if err != nil {
		t.Fatalf("CleanupOldRecords failed: %v", err)
	}
	if removed != 6 {
		t.Errorf("removed = %d, want 6", removed)
	}

	for _, id := range []string{"done-3", "done-4", "live"} {
		if _, ok := s.Job(id); !ok {
			t.Errorf("job %s should be kept", id)
		}
	}
	if _, ok := s.Job("done-0"); ok {
		t.Error("job done-0 should be pruned")
	}
	if len(s.Tasks()) != 2 {
		t.Errorf("tasks left = %d, want 2", len(s.Tasks()))
	}

	// Pruned records are gone from storage too.
	reloaded := New(s.Backend())
	if err := reloaded.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if len(reloaded.Jobs()) != 3 {
		t.Errorf("persisted jobs = %d, want 3", len(reloaded.Jobs()))
	}
}

func TestWipe(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_ = s.SaveJob(ctx, &models.Job{ID: "j1", Status: models.JobStatusPending})
	_ = s.SaveTask(ctx, &models.SwarmTask{ID: "t1", Status: models.TaskStatusPending})
	s.Meta().Metrics.TotalRequests = 42
	_ = s.SaveMeta(ctx)

	if err := s.Wipe(ctx); err != nil {
		t.Fatalf("Wipe failed: %v", err)
	}
	if len(s.Jobs()) != 0 || len(s.Tasks()) != 0 {
		t.Error("wipe should clear jobs and tasks")
	}
	if s.Meta().Metrics.TotalRequests != 0 {
		t.Error("wipe should reset metrics")
	}

	reloaded := New(s.Backend())
	if err := reloaded.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if len(reloaded.Jobs()) != 0 {
		t.Error("wipe should clear storage")
	}
}

func TestRecoverCircuits(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.RecordFailure(ctx, "github", 3, "test", fmt.Errorf("boom %d", i)); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}
	if !s.CircuitOpen("github") {
		t.Fatal("expected github circuit open after 3 failures")
	}

	c.Advance(61 * time.Second)
	if s.CircuitOpen("github") {
		t.Error("circuit should let a probe through after 60s")
	}
	got, err := s.RecoverCircuits(ctx)
	if err != nil {
		t.Fatalf("RecoverCircuits: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("recovered %v before the recovery window", got)
	}

	c.Advance(5 * time.Minute)
	got, err = s.RecoverCircuits(ctx)
	if err != nil {
		t.Fatalf("RecoverCircuits: %v", err)
	}
	if len(got) != 1 || got[0] != "github" {
		t.Fatalf("recovered = %v, want [github]", got)
	}
	if cb := s.Circuits()["github"]; cb.State != models.CircuitClosed || cb.FailureCount != 0 {
		t.Errorf("circuit after recovery = %+v", cb)
	}
}

func TestAllowRequest_ThrottlesWithQueueDepth(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()
	cfg := resilience.RateLimitConfig{Max: 1, RefillPerSec: 1, StressThreshold: 1}

	if ok, _ := s.AllowRequest(ctx, "k", cfg); !ok {
		t.Fatal("first request should pass")
	}
	if ok, _ := s.AllowRequest(ctx, "k", cfg); ok {
		t.Fatal("empty bucket should reject")
	}

	// One pending job puts the service in the stressed tier: half rate.
	if err := s.SaveJob(ctx, &models.Job{ID: "j1", Type: models.JobTypeRunCommand, Status: models.JobStatusPending}); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}
	c.Advance(time.Second)
	if ok, _ := s.AllowRequest(ctx, "k", cfg); ok {
		t.Error("half a token should not be enough")
	}
	c.Advance(time.Second)
	if ok, _ := s.AllowRequest(ctx, "k", cfg); !ok {
		t.Error("a full token should have refilled")
	}
}

// flakyBackend fails every Put while failPuts is set.
type flakyBackend struct {
	kv.Backend
	failPuts bool
}

func (b *flakyBackend) Put(ctx context.Context, key string, value []byte) error {
	if b.failPuts {
		return fmt.Errorf("disk full")
	}
	return b.Backend.Put(ctx, key, value)
}

func TestSaveJob_FailedWriteRestoresMirror(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{Backend: newTestBackend(t)}
	s := New(backend)
	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	job := &models.Job{ID: "j1", Type: models.JobTypeIngestion, Status: models.JobStatusPending}
	if err := s.SaveJob(ctx, job); err != nil {
		t.Fatalf("SaveJob failed: %v", err)
	}

	backend.failPuts = true
	job.Status = models.JobStatusProcessing
	if err := s.SaveJob(ctx, job); err == nil {
		t.Fatal("expected SaveJob to fail")
	}

	got, ok := s.Job("j1")
	if !ok {
		t.Fatal("job j1 missing from mirror")
	}
	if got.Status != models.JobStatusPending {
		t.Errorf("mirror status = %v, want pending", got.Status)
	}
	if job.Status != models.JobStatusPending {
		t.Errorf("caller's job status = %v, want pending", job.Status)
	}
	if n := s.PendingJobCount(); n != 1 {
		t.Errorf("PendingJobCount = %d, want 1", n)
	}

	fresh := &models.Job{ID: "j2", Type: models.JobTypeIngestion, Status: models.JobStatusPending}
	if err := s.SaveJob(ctx, fresh); err == nil {
		t.Fatal("expected SaveJob of a new job to fail")
	}
	if _, ok := s.Job("j2"); ok {
		t.Error("unpersisted job should not be mirrored")
	}

	backend.failPuts = false
	reloaded := New(backend)
	if err := reloaded.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if j, _ := reloaded.Job("j1"); j.Status != got.Status {
		t.Errorf("persisted status %v differs from mirror %v", j.Status, got.Status)
	}
}

func TestSaveTask_FailedWriteRestoresMirror(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{Backend: newTestBackend(t)}
	s := New(backend)
	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	task := &models.SwarmTask{ID: "t1", Type: models.TaskTypeCoding, Status: models.TaskStatusPending, Title: "Add cache"}
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask failed: %v", err)
	}

	backend.failPuts = true
	task.Status = models.TaskStatusActive
	task.AssignedTo = "worker-1"
	if err := s.SaveTask(ctx, task); err == nil {
		t.Fatal("expected SaveTask to fail")
	}

	got, _ := s.Task("t1")
	if got.Status != models.TaskStatusPending || got.AssignedTo != "" {
		t.Errorf("mirror = %v/%q, want pending and unassigned", got.Status, got.AssignedTo)
	}
}
