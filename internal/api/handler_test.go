package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/forgeci/forge/internal/artifact"
	"github.com/forgeci/forge/internal/audit"
	"github.com/forgeci/forge/internal/auth"
	"github.com/forgeci/forge/internal/build"
	"github.com/forgeci/forge/internal/clock"
	"github.com/forgeci/forge/internal/config"
	"github.com/forgeci/forge/internal/orchestrator"
	"github.com/forgeci/forge/internal/queue"
	"github.com/forgeci/forge/internal/worker"
)

type testEnv struct {
	router *mux.Router
	svc    *orchestrator.Service
	builds *build.MockStore
	clock  *clock.Fake
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.OrchestratorConfig{
		HeartbeatTimeout:     3 * time.Minute,
		WorkerOfflineTimeout: 10 * time.Minute,
		SweepInterval:        time.Second,
		MaxRetries:           3,
		AssignTimeout:        5 * time.Second,
		MaxClaimAttempts:     8,
	}
	tokens := auth.NewService(&config.AuthConfig{
		JWTSecret:       "test-secret",
		TokenExpiration: time.Hour,
	})
	log := zaptest.NewLogger(t)

	env := &testEnv{
		builds: build.NewMockStore(),
		clock:  clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
	}
	env.svc = orchestrator.NewService(
		env.builds, worker.NewMockRegistry(), queue.New(),
		tokens, audit.NewCapture(), env.clock, cfg, log)

	store, err := artifact.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	env.router = NewRouter(NewHandler(env.svc, store, log), NewAuthMiddleware(tokens, log), log)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func (e *testEnv) registerWorker(t *testing.T, name string, capabilities ...string) (*worker.Worker, string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/workers", "", registerWorkerRequest{
		Name:         name,
		Capabilities: capabilities,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decodeAs[registerWorkerResponse](t, rec)
	return resp.Worker, resp.Token
}

func (e *testEnv) submitBuild(t *testing.T, req submitBuildRequest) *build.Build {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/builds", "", req)
	require.Equal(t, http.StatusCreated, rec.Code)
	b := decodeAs[build.Build](t, rec)
	return &b
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterWorkerEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w, token := env.registerWorker(t, "agent-1", "linux-amd64")
	assert.NotEmpty(t, w.ID)
	assert.NotEmpty(t, token)
	assert.Equal(t, worker.StatusIdle, w.Status)
}

func TestRegisterWorkerValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/workers", "", registerWorkerRequest{Name: "agent-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitBuildStripsCredsRef(t *testing.T) {
	env := newTestEnv(t)

	b := env.submitBuild(t, submitBuildRequest{
		Platform:  "linux-amd64",
		SourceRef: "local://sources/app",
		CredsRef:  "vault://signing-key",
	})
	assert.Empty(t, b.CredsRef, "operator responses never carry credential refs")

	stored, err := env.builds.GetByID(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, "vault://signing-key", stored.CredsRef)
}

func TestSubmitBuildInlineSource(t *testing.T) {
	env := newTestEnv(t)

	b := env.submitBuild(t, submitBuildRequest{
		Platform: "linux-amd64",
		Source:   "package main",
	})

	stored, err := env.builds.GetByID(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.SourceRef, "local://")
}

func TestGetBuild(t *testing.T) {
	env := newTestEnv(t)

	b := env.submitBuild(t, submitBuildRequest{
		Platform:  "linux-amd64",
		SourceRef: "local://sources/app",
		CredsRef:  "vault://signing-key",
	})

	rec := env.do(t, http.MethodGet, "/api/v1/builds/"+b.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeAs[build.Build](t, rec)
	assert.Equal(t, build.StatusPending, got.Status)
	assert.Empty(t, got.CredsRef)

	rec = env.do(t, http.MethodGet, "/api/v1/builds/no-such-build", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPollAssignsBuild(t *testing.T) {
	env := newTestEnv(t)

	env.submitBuild(t, submitBuildRequest{
		Platform:  "linux-amd64",
		SourceRef: "local://sources/app",
		CredsRef:  "vault://signing-key",
	})
	w, token := env.registerWorker(t, "agent-1", "linux-amd64")

	rec := env.do(t, http.MethodPost, "/api/v1/workers/"+w.ID+"/poll", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeAs[build.Build](t, rec)
	assert.Equal(t, build.StatusAssigned, got.Status)
	assert.Equal(t, "vault://signing-key", got.CredsRef,
		"the assignee's poll response is the one place creds are disclosed")

	rec = env.do(t, http.MethodPost, "/api/v1/workers/"+w.ID+"/poll", token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code, "nothing claimable is not an error")
}

func TestPollRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	w, _ := env.registerWorker(t, "agent-1", "linux-amd64")

	rec := env.do(t, http.MethodPost, "/api/v1/workers/"+w.ID+"/poll", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWorkerRoutesRejectForeignToken(t *testing.T) {
	env := newTestEnv(t)
	w1, _ := env.registerWorker(t, "agent-1", "linux-amd64")
	_, token2 := env.registerWorker(t, "agent-2", "linux-amd64")

	tests := []struct {
		name   string
		method string
		path   string
	}{
		{name: "poll", method: http.MethodPost, path: "/api/v1/workers/" + w1.ID + "/poll"},
		{name: "heartbeat", method: http.MethodPost, path: "/api/v1/workers/" + w1.ID + "/heartbeat"},
		{name: "unregister", method: http.MethodDelete, path: "/api/v1/workers/" + w1.ID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, token2, nil)
			assert.Equal(t, http.StatusForbidden, rec.Code)
		})
	}
}

func TestHeartbeatEndpoint(t *testing.T) {
	env := newTestEnv(t)
	w, token := env.registerWorker(t, "agent-1", "linux-amd64")

	rec := env.do(t, http.MethodPost, "/api/v1/workers/"+w.ID+"/heartbeat", token, heartbeatRequest{})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/workers/"+w.ID+"/heartbeat", "", heartbeatRequest{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCompleteBuildOwnership(t *testing.T) {
	env := newTestEnv(t)

	b := env.submitBuild(t, submitBuildRequest{
		Platform:  "linux-amd64",
		SourceRef: "local://sources/app",
	})
	w1, token1 := env.registerWorker(t, "agent-1", "linux-amd64")
	_, token2 := env.registerWorker(t, "agent-2", "linux-amd64")

	rec := env.do(t, http.MethodPost, "/api/v1/workers/"+w1.ID+"/poll", token1, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/builds/"+b.ID+"/complete", token2,
		completeBuildRequest{Success: true})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/builds/"+b.ID+"/complete", token1,
		completeBuildRequest{Success: true, ResultRef: "local://results/app"})
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeAs[build.Build](t, rec)
	assert.Equal(t, build.StatusCompleted, got.Status)
}

func TestCancelBuildingBuildConflicts(t *testing.T) {
	env := newTestEnv(t)

	b := env.submitBuild(t, submitBuildRequest{
		Platform:  "linux-amd64",
		SourceRef: "local://sources/app",
	})
	w, token := env.registerWorker(t, "agent-1", "linux-amd64")

	rec := env.do(t, http.MethodPost, "/api/v1/workers/"+w.ID+"/poll", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/v1/builds/"+b.ID+"/start", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/builds/"+b.ID+"/cancel", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUnregisterWorkerEndpoint(t *testing.T) {
	env := newTestEnv(t)
	w, token := env.registerWorker(t, "agent-1", "linux-amd64")

	rec := env.do(t, http.MethodDelete, "/api/v1/workers/"+w.ID, token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
