package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hibiki-ai/hibiki/internal/auth"
	"github.com/hibiki-ai/hibiki/internal/model"
	"github.com/hibiki-ai/hibiki/internal/ratelimit"
	"github.com/hibiki-ai/hibiki/internal/storage"
	"github.com/hibiki-ai/hibiki/internal/stream"
)

const testServiceKey = "test-service-key"

// fakeSubmitter records dispatcher submissions without executing anything.
type fakeSubmitter struct {
	mu          sync.Mutex
	submissions []submission
}

type submission struct {
	runID     uuid.UUID
	userID    string
	sessionID string
}

func (f *fakeSubmitter) Submit(runID uuid.UUID, userID, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, submission{runID, userID, sessionID})
}

func (f *fakeSubmitter) all() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submission(nil), f.submissions...)
}

type fixture struct {
	server     *Server
	store      *storage.SQLite
	jwtMgr     *auth.JWTManager
	registry   *stream.Registry
	dispatcher *fakeSubmitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	store, err := storage.OpenSQLite(context.Background(), ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(context.Background()) })

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	keyHash, err := auth.HashAPIKey(testServiceKey)
	require.NoError(t, err)

	registry := stream.NewRegistry(logger)
	dispatcher := &fakeSubmitter{}

	srv := New(Config{
		Store:               store,
		JWTMgr:              jwtMgr,
		Dispatcher:          dispatcher,
		Registry:            registry,
		Logger:              logger,
		Port:                0,
		Version:             "test",
		ServiceKeyHash:      keyHash,
		MaxRequestBodyBytes: 1 << 20,
	})

	return &fixture{
		server:     srv,
		store:      store,
		jwtMgr:     jwtMgr,
		registry:   registry,
		dispatcher: dispatcher,
	}
}

func (f *fixture) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := f.jwtMgr.IssueToken(userID)
	require.NoError(t, err)
	return token
}

func (f *fixture) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var envelope struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&envelope))
	return envelope.Data
}

func (f *fixture) seedAgent(t *testing.T) model.AgentDefinition {
	t.Helper()
	agent, err := f.store.CreateAgent(context.Background(), model.AgentDefinition{
		Name:         "task-butler",
		Description:  "manages the user's task list",
		Persona:      "You are a helpful task assistant.",
		Model:        "gpt-4o-mini",
		Temperature:  0.2,
		AllowedTools: []string{"get_tasks"},
		Enabled:      true,
	})
	require.NoError(t, err)
	return agent
}

func TestAuthTokenIssuesJWT(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodPost, "/auth/token", "", model.TokenRequest{
		APIKey: testServiceKey,
		UserID: "user-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeData[model.TokenResponse](t, rec)
	assert.NotEmpty(t, resp.Token)
	assert.True(t, resp.ExpiresAt.After(time.Now()))

	claims, err := f.jwtMgr.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
}

func TestAuthTokenRejectsWrongKey(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodPost, "/auth/token", "", model.TokenRequest{
		APIKey: "wrong-key",
		UserID: "user-1",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthTokenRequiresUserID(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodPost, "/auth/token", "", model.TokenRequest{
		APIKey: testServiceKey,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodGet, "/v1/agents", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var apiErr model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
	assert.Equal(t, model.ErrCodeUnauthorized, apiErr.Error.Code)
	assert.NotEmpty(t, apiErr.Meta.RequestID)
}

func TestRequestsWithGarbageTokenAreRejected(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodGet, "/v1/agents", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateAndGetAgent(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "user-1")

	rec := f.request(t, http.MethodPost, "/v1/agents", token, model.CreateAgentRequest{
		Name:         "task-butler",
		Persona:      "You are a helpful task assistant.",
		Model:        "gpt-4o-mini",
		AllowedTools: []string{"get_tasks"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	created := decodeData[model.AgentDefinition](t, rec)
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.True(t, created.Enabled)
	assert.InDelta(t, defaultAgentTemperature, created.Temperature, 0.001)

	rec = f.request(t, http.MethodGet, "/v1/agents/"+created.ID.String(), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeData[model.AgentDefinition](t, rec)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "task-butler", got.Name)
}

func TestCreateAgentRejectsMissingPersona(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "user-1")

	rec := f.request(t, http.MethodPost, "/v1/agents", token, model.CreateAgentRequest{
		Name: "no-persona",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAgentNotFound(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "user-1")

	rec := f.request(t, http.MethodGet, "/v1/agents/"+uuid.New().String(), token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAgents(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "user-1")
	f.seedAgent(t)

	rec := f.request(t, http.MethodGet, "/v1/agents", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	list := decodeData[model.ListResponse](t, rec)
	items, ok := list.Items.([]any)
	require.True(t, ok)
	assert.Len(t, items, 1)
	assert.False(t, list.HasMore)
}

func TestCreateRunQueuesAndSubmits(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "user-1")
	agent := f.seedAgent(t)

	rec := f.request(t, http.MethodPost, "/v1/runs", token, model.CreateRunRequest{
		AgentID:   agent.ID.String(),
		Goal:      "list my tasks",
		SessionID: "sess-1",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	run := decodeData[model.AgentRun](t, rec)
	assert.Equal(t, model.RunStatusQueued, run.Status)
	assert.Equal(t, agent.ID, run.AgentID)
	assert.Equal(t, "user-1", run.CreatedBy)

	subs := f.dispatcher.all()
	require.Len(t, subs, 1)
	assert.Equal(t, run.ID, subs[0].runID)
	assert.Equal(t, "user-1", subs[0].userID)
	assert.Equal(t, "sess-1", subs[0].sessionID)
}

func TestCreateRunUnknownAgent(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "user-1")

	rec := f.request(t, http.MethodPost, "/v1/runs", token, model.CreateRunRequest{
		AgentID: uuid.New().String(),
		Goal:    "list my tasks",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, f.dispatcher.all())
}

func TestCreateRunDisabledAgent(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "user-1")

	agent, err := f.store.CreateAgent(context.Background(), model.AgentDefinition{
		Name:    "retired",
		Persona: "You are retired.",
		Model:   "gpt-4o-mini",
		Enabled: false,
	})
	require.NoError(t, err)

	rec := f.request(t, http.MethodPost, "/v1/runs", token, model.CreateRunRequest{
		AgentID: agent.ID.String(),
		Goal:    "do something",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, f.dispatcher.all())
}

func TestCreateRunRequiresGoal(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "user-1")
	agent := f.seedAgent(t)

	rec := f.request(t, http.MethodPost, "/v1/runs", token, model.CreateRunRequest{
		AgentID: agent.ID.String(),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRunRoundTrip(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "user-1")
	agent := f.seedAgent(t)

	created, err := f.store.CreateRun(context.Background(), model.AgentRun{
		AgentID:   agent.ID,
		Goal:      "list my tasks",
		Status:    model.RunStatusQueued,
		CreatedBy: "user-1",
	})
	require.NoError(t, err)

	rec := f.request(t, http.MethodGet, "/v1/runs/"+created.ID.String(), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeData[model.AgentRun](t, rec)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "list my tasks", got.Goal)
}

func TestGetRunInvalidID(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "user-1")

	rec := f.request(t, http.MethodGet, "/v1/runs/not-a-uuid", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAgentRuns(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "user-1")
	agent := f.seedAgent(t)

	for i := 0; i < 3; i++ {
		_, err := f.store.CreateRun(context.Background(), model.AgentRun{
			AgentID:   agent.ID,
			Goal:      fmt.Sprintf("goal %d", i),
			Status:    model.RunStatusQueued,
			CreatedBy: "user-1",
		})
		require.NoError(t, err)
	}

	rec := f.request(t, http.MethodGet, "/v1/agents/"+agent.ID.String()+"/runs?limit=2", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	list := decodeData[model.ListResponse](t, rec)
	items, ok := list.Items.([]any)
	require.True(t, ok)
	assert.Len(t, items, 2)
	assert.True(t, list.HasMore)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeData[model.HealthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "connected", resp.Store)
	assert.Equal(t, "running", resp.Stream)
	assert.Equal(t, "test", resp.Version)
}

func TestRequestIDPropagates(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "req-abc", rec.Header().Get("X-Request-ID"))

	var envelope model.APIResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&envelope))
	assert.Equal(t, "req-abc", envelope.Meta.RequestID)
}

func TestAuthTokenRateLimited(t *testing.T) {
	f := newFixture(t)

	limiter := ratelimit.NewMemoryLimiter(0.01, 1)
	t.Cleanup(func() { _ = limiter.Close() })

	keyHash, err := auth.HashAPIKey(testServiceKey)
	require.NoError(t, err)

	srv := New(Config{
		Store:               f.store,
		JWTMgr:              f.jwtMgr,
		Dispatcher:          f.dispatcher,
		Registry:            f.registry,
		Limiter:             limiter,
		Logger:              slog.New(slog.DiscardHandler),
		Version:             "test",
		ServiceKeyHash:      keyHash,
		MaxRequestBodyBytes: 1 << 20,
	})

	body := model.TokenRequest{APIKey: testServiceKey, UserID: "user-1"}
	data, err := json.Marshal(body)
	require.NoError(t, err)

	first := httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewReader(data))
	first.RemoteAddr = "203.0.113.9:1111"
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, first)
	require.Equal(t, http.StatusOK, rec.Code)

	second := httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewReader(data))
	second.RemoteAddr = "203.0.113.9:2222"
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, second)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestOversizedBodyRejected(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "user-1")

	small := New(Config{
		Store:               f.store,
		JWTMgr:              f.jwtMgr,
		Dispatcher:          f.dispatcher,
		Registry:            f.registry,
		Logger:              slog.New(slog.DiscardHandler),
		Version:             "test",
		MaxRequestBodyBytes: 16,
	})

	body := strings.NewReader(`{"name":"` + strings.Repeat("x", 64) + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/agents", body)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	small.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestEventsStreamDeliversFrames(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "user-1")

	ts := httptest.NewServer(f.server.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		ts.URL+"/v1/events?access_token="+token, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frame, err := stream.Frame("agent_update", map[string]string{"runId": "r-1"})
	require.NoError(t, err)

	// Registration happens after the handler starts; deliver until the
	// frame lands or the context expires.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
				f.registry.DeliverLocal("user-1", frame)
			}
		}
	}()

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event: agent_update") {
			break
		}
	}
	cancel()
	<-done
}

func TestEventsRequiresAuth(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodGet, "/v1/events", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
