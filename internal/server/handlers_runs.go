package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hibiki-ai/hibiki/internal/ctxutil"
	"github.com/hibiki-ai/hibiki/internal/model"
	"github.com/hibiki-ai/hibiki/internal/storage"
)

// HandleCreateRun handles POST /v1/runs. The run is persisted as queued
// and handed to the dispatcher; the response is 202 with the queued
// record. Progress arrives over /v1/events.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	userID := ctxutil.UserIDFromContext(r.Context())

	var req model.CreateRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	agentID, err := uuid.Parse(req.AgentID)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent_id")
		return
	}
	if req.Goal == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "goal is required")
		return
	}

	agent, err := h.store.GetAgent(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
			return
		}
		h.writeInternalError(w, r, "failed to load agent", err)
		return
	}
	if !agent.Enabled {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "agent is disabled")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("hibiki.agent_id", agentID.String()))

	run, err := h.store.CreateRun(r.Context(), model.AgentRun{
		AgentID:   agentID,
		Goal:      req.Goal,
		Status:    model.RunStatusQueued,
		CreatedBy: userID,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to create run", err)
		return
	}

	h.dispatcher.Submit(run.ID, userID, req.SessionID)

	h.logger.Info("run queued",
		"run_id", run.ID,
		"agent_id", agentID,
		"user_id", userID,
		"request_id", ctxutil.RequestIDFromContext(r.Context()))

	writeJSON(w, r, http.StatusAccepted, run)
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.writeInternalError(w, r, "failed to get run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}
