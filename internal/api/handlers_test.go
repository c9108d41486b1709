package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imapsyncd/internal/core"
	"imapsyncd/internal/store"
)

type stubRunner struct{}

func (stubRunner) Run(ctx context.Context, job core.Job, sink func(string)) core.Outcome {
	sink("synced " + job.Account.SourceEmail)
	return core.Outcome{ExitCode: 0}
}

type testEnv struct {
	server    *Server
	scheduler *core.Scheduler
	store     *store.Store
}

func newTestEnv(t *testing.T, authToken string) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.DB.Close() })

	scheduler := core.NewScheduler(stubRunner{}, logger, time.UTC)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	scheduler.Start(ctx)
	t.Cleanup(func() { scheduler.Shutdown() })

	server, err := NewServer("127.0.0.1:0", authToken, st, scheduler, nil, nil, logger)
	require.NoError(t, err)
	return &testEnv{server: server, scheduler: scheduler, store: st}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func createProjectPayload(name string) map[string]any {
	return map[string]any{
		"name":       name,
		"old_server": "imap.old.example",
		"new_server": "imap.new.example",
		"accounts": []map[string]any{
			{"source_email": "alice@old.example", "target_email": "alice@new.example", "password": "pw1"},
			{"source_email": "bob@old.example", "target_email": "bob@new.example", "password": "pw2"},
		},
	}
}

func (e *testEnv) createProject(t *testing.T, name string) core.Project {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/projects", createProjectPayload(name))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeJSON[core.Project](t, rec)
}

func (e *testEnv) waitTerminal(t *testing.T, taskID string) core.TaskView {
	t.Helper()
	var view core.TaskView
	require.Eventually(t, func() bool {
		v, ok := e.scheduler.Task(taskID)
		if !ok {
			return false
		}
		view = v
		return v.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return view
}

func TestCreateAndGetProject(t *testing.T) {
	env := newTestEnv(t, "")

	created := env.createProject(t, "acme")
	assert.NotEmpty(t, created.ID)
	assert.Len(t, created.Accounts, 2)

	rec := env.do(t, http.MethodGet, "/v1/projects/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeJSON[core.Project](t, rec)
	assert.Equal(t, "acme", got.Name)

	rec = env.do(t, http.MethodGet, "/v1/projects", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeJSON[[]core.Project](t, rec)
	assert.Len(t, list, 1)
}

func TestCreateProjectValidation(t *testing.T) {
	env := newTestEnv(t, "")

	payload := createProjectPayload("acme")
	payload["name"] = "  "
	rec := env.do(t, http.MethodPost, "/v1/projects", payload)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	payload = createProjectPayload("acme")
	payload["schedule"] = "@hourly"
	rec = env.do(t, http.MethodPost, "/v1/projects", payload)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_cron")

	env.createProject(t, "acme")
	rec = env.do(t, http.MethodPost, "/v1/projects", createProjectPayload("acme"))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUpdateProjectPartial(t *testing.T) {
	env := newTestEnv(t, "")
	created := env.createProject(t, "acme")

	rec := env.do(t, http.MethodPatch, "/v1/projects/"+created.ID, map[string]any{
		"new_server": "imap.newer.example",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	updated := decodeJSON[core.Project](t, rec)
	assert.Equal(t, "imap.newer.example", updated.NewServer)
	assert.Equal(t, "acme", updated.Name)
	assert.Len(t, updated.Accounts, 2)
}

func TestDeleteProject(t *testing.T) {
	env := newTestEnv(t, "")
	created := env.createProject(t, "acme")

	rec := env.do(t, http.MethodDelete, "/v1/projects/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/projects/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartSyncLifecycle(t *testing.T) {
	env := newTestEnv(t, "")
	created := env.createProject(t, "acme")

	rec := env.do(t, http.MethodPost, "/v1/projects/"+created.ID+"/sync", map[string]any{
		"accounts": []string{"alice@old.example"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	taskID := decodeJSON[map[string]string](t, rec)["task_id"]
	require.NotEmpty(t, taskID)
	assert.True(t, strings.HasPrefix(taskID, "acme_"))

	view := env.waitTerminal(t, taskID)
	assert.Equal(t, core.TaskStatusCompleted, view.Status)

	rec = env.do(t, http.MethodGet, "/v1/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeJSON[core.TaskView](t, rec)
	assert.Equal(t, core.TaskStatusCompleted, got.Status)
	require.Len(t, got.Accounts, 1)
	assert.Equal(t, "alice@old.example", got.Accounts[0].SourceEmail)

	rec = env.do(t, http.MethodGet, "/v1/tasks/"+taskID+"/logs?grep=synced", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "synced alice@old.example\n", rec.Body.String())

	// A once-off completed task has nothing left to stop.
	rec = env.do(t, http.MethodPost, "/v1/tasks/"+taskID+"/stop", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_running")
}

func TestStartSyncErrors(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPost, "/v1/projects/nope/sync", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	created := env.createProject(t, "acme")
	rec = env.do(t, http.MethodPost, "/v1/projects/"+created.ID+"/sync", map[string]any{
		"accounts": []string{"nobody@old.example"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "no accounts selected")
}

func TestListTasksFilter(t *testing.T) {
	env := newTestEnv(t, "")
	created := env.createProject(t, "acme")

	rec := env.do(t, http.MethodPost, "/v1/projects/"+created.ID+"/sync", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	taskID := decodeJSON[map[string]string](t, rec)["task_id"]
	env.waitTerminal(t, taskID)

	rec = env.do(t, http.MethodGet, "/v1/tasks?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tasks := decodeJSON[[]core.TaskView](t, rec)
	require.Len(t, tasks, 1)
	assert.Equal(t, taskID, tasks[0].ID)

	rec = env.do(t, http.MethodGet, "/v1/tasks?status=failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeJSON[[]core.TaskView](t, rec))

	rec = env.do(t, http.MethodGet, "/v1/tasks?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchExportDashboard(t *testing.T) {
	env := newTestEnv(t, "")
	created := env.createProject(t, "acme")

	rec := env.do(t, http.MethodPost, "/v1/projects/"+created.ID+"/sync", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	taskID := decodeJSON[map[string]string](t, rec)["task_id"]
	env.waitTerminal(t, taskID)

	rec = env.do(t, http.MethodGet, "/v1/logs/search?q=SYNCED", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	matches := decodeJSON[[]core.SearchMatch](t, rec)
	require.NotEmpty(t, matches)
	assert.Equal(t, taskID, matches[0].TaskID)

	rec = env.do(t, http.MethodGet, "/v1/logs/search", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/logs/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "logs_export.txt")
	assert.Contains(t, rec.Body.String(), "=== Task: "+taskID+" ===")

	rec = env.do(t, http.MethodGet, "/v1/dashboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decodeJSON[core.Summary](t, rec)
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, 1, sum.Completed)
}

func TestSetExpanded(t *testing.T) {
	env := newTestEnv(t, "")
	created := env.createProject(t, "acme")

	rec := env.do(t, http.MethodPost, "/v1/projects/"+created.ID+"/sync", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	taskID := decodeJSON[map[string]string](t, rec)["task_id"]
	env.waitTerminal(t, taskID)

	rec = env.do(t, http.MethodPut, "/v1/tasks/"+taskID+"/expanded", map[string]any{"expanded": true})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	view, ok := env.scheduler.Task(taskID)
	require.True(t, ok)
	assert.True(t, view.Expanded)

	rec = env.do(t, http.MethodPut, "/v1/tasks/nope/expanded", map[string]any{"expanded": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, "secret-token")

	rec := env.do(t, http.MethodGet, "/v1/projects", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/projects", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	out := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(out, req)
	assert.Equal(t, http.StatusOK, out.Code)

	rec = env.do(t, http.MethodGet, "/v1/projects?token=secret-token", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/projects", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	out = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(out, req)
	assert.Equal(t, http.StatusUnauthorized, out.Code)
}

func TestSystemEndpointWithoutSampler(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodGet, "/v1/system", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
