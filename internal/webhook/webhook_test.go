package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/connectors"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/connectors/fake"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/kv"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/processor"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/store"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/swarm"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/validate"
)

const (
	linearSecret = "lin-secret"
	githubSecret = "gh-secret"
)

type env struct {
	store *store.Store
	scm   *fake.SourceControl
	swarm *swarm.Manager
	h     *Handler
}

func newEnv(t *testing.T, secrets Secrets) *env {
	t.Helper()
	b, err := kv.OpenSQLite(filepath.Join(t.TempDir(), "hooks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	s := store.New(b)
	require.NoError(t, s.Initialize(context.Background()))

	scm := fake.NewSourceControl()
	tracker := fake.NewTracker()
	mgr := swarm.NewManager(s, swarm.DefaultConfig(), swarm.WithTracker(tracker), swarm.WithSourceControl(scm))
	proc := processor.New(s, mgr, processor.WithTracker(tracker), processor.WithSourceControl(scm))
	return &env{store: s, scm: scm, swarm: mgr, h: NewHandler(s, mgr, proc, secrets, nil)}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestVerify(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	sig := Sign("s3cret", body)

	tests := []struct {
		name      string
		signature string
		wantErr   bool
	}{
		{"bare hex", sig, false},
		{"prefixed", "sha256=" + sig, false},
		{"wrong secret", Sign("other", body), true},
		{"empty", "", true},
		{"not hex", "sha256=zzzz", true},
		{"truncated", sig[:10], true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify("s3cret", body, tt.signature)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSignature)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func linearIssue(labels ...string) map[string]any {
	ls := make([]map[string]string, 0, len(labels))
	for i, l := range labels {
		ls = append(ls, map[string]string{"id": fmt.Sprintf("l%d", i), "name": l})
	}
	return map[string]any{
		"action": "update",
		"type":   "Issue",
		"data": map[string]any{
			"id":         "issue-7",
			"identifier": "BIF-7",
			"title":      "Add caching",
			"priority":   2,
			"labels":     ls,
		},
	}
}

func TestLinear_ReadyIssueQueuedOnce(t *testing.T) {
	e := newEnv(t, Secrets{Linear: linearSecret})
	ctx := context.Background()
	body := mustJSON(t, linearIssue("swarm:ready"))

	res, err := e.h.Linear(ctx, body, Sign(linearSecret, body))
	require.NoError(t, err)
	require.NotEmpty(t, res.JobID)
	assert.False(t, res.Ignored)

	job, ok := e.store.Job(res.JobID)
	require.True(t, ok)
	assert.Equal(t, models.JobTypeOrchestration, job.Type)
	assert.Equal(t, "issue-7", job.IssueID)
	assert.Equal(t, 30, job.Priority)
	assert.True(t, e.store.IsIngested("issue-7"))

	res, err = e.h.Linear(ctx, body, Sign(linearSecret, body))
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.Len(t, e.store.Jobs(), 1)
}

func TestLinear_Ignored(t *testing.T) {
	e := newEnv(t, Secrets{Linear: linearSecret})

	unlabeled := linearIssue("bug")
	comment := linearIssue("swarm:ready")
	comment["type"] = "Comment"

	for name, payload := range map[string]map[string]any{"unlabeled": unlabeled, "comment": comment} {
		t.Run(name, func(t *testing.T) {
			body := mustJSON(t, payload)
			res, err := e.h.Linear(context.Background(), body, Sign(linearSecret, body))
			require.NoError(t, err)
			assert.True(t, res.Ignored)
		})
	}
	assert.Empty(t, e.store.Jobs())
}

func TestLinear_Rejections(t *testing.T) {
	body := mustJSON(t, linearIssue("swarm:ready"))

	_, err := newEnv(t, Secrets{}).h.Linear(context.Background(), body, Sign(linearSecret, body))
	assert.ErrorIs(t, err, connectors.ErrNotConfigured)

	e := newEnv(t, Secrets{Linear: linearSecret})
	_, err = e.h.Linear(context.Background(), body, Sign("wrong", body))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	bad := []byte(`{"action":"update"}`)
	_, err = e.h.Linear(context.Background(), bad, Sign(linearSecret, bad))
	assert.True(t, validate.IsValidationError(err))
	assert.Empty(t, e.store.Jobs())
}

func prEvent(action, ref, title string, number int) map[string]any {
	return map[string]any{
		"action": action,
		"pull_request": map[string]any{
			"number":   number,
			"title":    title,
			"html_url": fmt.Sprintf("https://github.com/acme/app/pull/%d", number),
			"head":     map[string]string{"ref": ref},
		},
		"repository": map[string]string{"full_name": "acme/app"},
	}
}

func seedCodingTask(t *testing.T, e *env) *models.SwarmTask {
	t.Helper()
	task, err := e.swarm.CreateTask(context.Background(), validate.CreateTaskRequest{
		IssueID:  "issue-7",
		Type:     models.TaskTypeCoding,
		Title:    "Add caching",
		Priority: 30,
		Metadata: map[string]string{swarm.MetaIssueIdentifier: "BIF-7"},
	})
	require.NoError(t, err)
	return task
}

func TestGitHub_PullRequestOpenedSpawnsReview(t *testing.T) {
	e := newEnv(t, Secrets{GitHub: githubSecret})
	ctx := context.Background()
	parent := seedCodingTask(t, e)

	body := mustJSON(t, prEvent("opened", "bif-7-add-caching", "Add caching", 42))
	res, err := e.h.GitHub(ctx, EventPullRequest, body, "sha256="+Sign(githubSecret, body))
	require.NoError(t, err)
	require.NotEmpty(t, res.TaskID)
	assert.False(t, res.Ignored)

	review, ok := e.store.Task(res.TaskID)
	require.True(t, ok)
	assert.Equal(t, models.TaskTypeReview, review.Type)
	assert.Equal(t, 42, review.PRNumber)
	assert.Equal(t, "acme/app", review.Repository)
	assert.Equal(t, parent.Priority, review.Priority)

	res, err = e.h.GitHub(ctx, EventPullRequest, body, "sha256="+Sign(githubSecret, body))
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.Equal(t, review.ID, res.TaskID)
}

func TestGitHub_PullRequestMatchedByTitle(t *testing.T) {
	e := newEnv(t, Secrets{GitHub: githubSecret})
	seedCodingTask(t, e)

	body := mustJSON(t, prEvent("opened", "feature/cache", "BIF-7: add caching", 43))
	res, err := e.h.GitHub(context.Background(), EventPullRequest, body, Sign(githubSecret, body))
	require.NoError(t, err)
	assert.False(t, res.Ignored)
	assert.NotEmpty(t, res.TaskID)
}

func TestGitHub_PullRequestUnknownIssueIgnored(t *testing.T) {
	e := newEnv(t, Secrets{GitHub: githubSecret})

	body := mustJSON(t, prEvent("opened", "xyz-9-thing", "Unrelated", 44))
	res, err := e.h.GitHub(context.Background(), EventPullRequest, body, Sign(githubSecret, body))
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.Empty(t, e.store.Tasks())
}

func TestGitHub_ApprovedReviewMerges(t *testing.T) {
	e := newEnv(t, Secrets{GitHub: githubSecret})
	ctx := context.Background()
	seedCodingTask(t, e)

	opened := mustJSON(t, prEvent("opened", "bif-7-add-caching", "Add caching", 42))
	res, err := e.h.GitHub(ctx, EventPullRequest, opened, Sign(githubSecret, opened))
	require.NoError(t, err)
	reviewID := res.TaskID

	ev := prEvent("submitted", "bif-7-add-caching", "Add caching", 42)
	ev["review"] = map[string]string{"state": "approved"}
	body := mustJSON(t, ev)

	res, err = e.h.GitHub(ctx, EventPullRequestReview, body, Sign(githubSecret, body))
	require.NoError(t, err)
	assert.Equal(t, reviewID, res.TaskID)
	require.NotNil(t, res.Merge)
	assert.False(t, res.Merge.Failed())
	assert.Equal(t, 1, e.scm.MergeCount())

	task, _ := e.store.Task(reviewID)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)

	// The review task is terminal now, so a replay finds nothing to merge.
	res, err = e.h.GitHub(ctx, EventPullRequestReview, body, Sign(githubSecret, body))
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.Equal(t, 1, e.scm.MergeCount())
}

func TestGitHub_NonApprovalIgnored(t *testing.T) {
	e := newEnv(t, Secrets{GitHub: githubSecret})

	ev := prEvent("submitted", "bif-7", "x", 42)
	ev["review"] = map[string]string{"state": "changes_requested"}
	body := mustJSON(t, ev)

	res, err := e.h.GitHub(context.Background(), EventPullRequestReview, body, Sign(githubSecret, body))
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.Zero(t, e.scm.MergeCount())
}

func TestGitHub_PingAndUnknownEvents(t *testing.T) {
	e := newEnv(t, Secrets{GitHub: githubSecret})
	body := []byte(`{"zen":"Keep it logically awesome."}`)

	res, err := e.h.GitHub(context.Background(), EventPing, body, Sign(githubSecret, body))
	require.NoError(t, err)
	assert.False(t, res.Ignored)

	res, err = e.h.GitHub(context.Background(), "push", body, Sign(githubSecret, body))
	require.NoError(t, err)
	assert.True(t, res.Ignored)

	_, err = e.h.GitHub(context.Background(), EventPing, body, Sign("nope", body))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}
