package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hibiki-ai/hibiki/internal/auth"
	"github.com/hibiki-ai/hibiki/internal/ctxutil"
	"github.com/hibiki-ai/hibiki/internal/model"
	"github.com/hibiki-ai/hibiki/internal/storage"
	"github.com/hibiki-ai/hibiki/internal/stream"
)

// Store is the persistence surface the handlers need. Satisfied by both
// the Postgres and SQLite stores.
type Store interface {
	Ping(ctx context.Context) error

	CreateAgent(ctx context.Context, agent model.AgentDefinition) (model.AgentDefinition, error)
	GetAgent(ctx context.Context, id uuid.UUID) (model.AgentDefinition, error)
	ListAgents(ctx context.Context, limit, offset int) ([]model.AgentDefinition, error)

	CreateRun(ctx context.Context, run model.AgentRun) (model.AgentRun, error)
	GetRun(ctx context.Context, id uuid.UUID) (model.AgentRun, error)
	ListRunsByAgent(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]model.AgentRun, error)
}

var (
	_ Store = (*storage.DB)(nil)
	_ Store = (*storage.SQLite)(nil)
)

// Submitter hands a queued run to the execution engine without blocking
// the request.
type Submitter interface {
	Submit(runID uuid.UUID, userID, sessionID string)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               Store
	jwtMgr              *auth.JWTManager
	dispatcher          Submitter
	registry            *stream.Registry
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	serviceKeyHash      string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Registry. ServiceKeyHash empty disables /auth/token.
type HandlersDeps struct {
	Store               Store
	JWTMgr              *auth.JWTManager
	Dispatcher          Submitter
	Registry            *stream.Registry
	Logger              *slog.Logger
	Version             string
	ServiceKeyHash      string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		jwtMgr:              d.JWTMgr,
		dispatcher:          d.Dispatcher,
		registry:            d.Registry,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		serviceKeyHash:      d.ServiceKeyHash,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAuthToken handles POST /auth/token. The caller presents the
// service API key and the user ID the issued token will act as.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	if h.serviceKeyHash == "" {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"token issuance not configured")
		return
	}

	var req model.TokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.UserID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "user_id is required")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, h.serviceKeyHash)
	if err != nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	if !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(req.UserID)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	h.logger.Info("token issued",
		"user_id", req.UserID,
		"request_id", ctxutil.RequestIDFromContext(r.Context()))

	writeJSON(w, r, http.StatusOK, model.TokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleEvents handles GET /v1/events (SSE). The connection is bound to
// the authenticated user and receives every frame published for them
// until the client disconnects.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"event streaming not available")
		return
	}

	userID := ctxutil.UserIDFromContext(r.Context())
	if userID == "" {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	connID := uuid.New().String()
	sink := &sseSink{w: w, flusher: flusher}
	h.registry.RegisterForUser(userID, connID, sink, r.Context())

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if err := sink.WriteFrame([]byte(":keepalive\n\n")); err != nil {
				return
			}
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		storeStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	streamStatus := "disabled"
	if h.registry != nil {
		streamStatus = "running"
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:  status,
		Version: h.version,
		Store:   storeStatus,
		Stream:  streamStatus,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	})
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"path", r.URL.Path,
		"request_id", ctxutil.RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// --- Shared helpers ---

func parsePathID(r *http.Request, key string) (uuid.UUID, error) {
	raw := r.PathValue(key)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", key, raw)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// queryOffset returns a non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	return offset
}
