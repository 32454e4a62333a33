package server

import (
	"errors"
	"net/http"

	"github.com/hibiki-ai/hibiki/internal/model"
	"github.com/hibiki-ai/hibiki/internal/storage"
)

const defaultAgentTemperature = 0.2

// HandleCreateAgent handles POST /v1/agents.
func (h *Handlers) HandleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateAgentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	agent := model.AgentDefinition{
		Name:         req.Name,
		Description:  req.Description,
		Persona:      req.Persona,
		Model:        req.Model,
		Temperature:  req.Temperature,
		AllowedTools: req.AllowedTools,
		Enabled:      true,
	}
	if agent.Temperature == 0 {
		agent.Temperature = defaultAgentTemperature
	}
	if err := agent.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	created, err := h.store.CreateAgent(r.Context(), agent)
	if err != nil {
		h.writeInternalError(w, r, "failed to create agent", err)
		return
	}

	h.logger.Info("agent created", "agent_id", created.ID, "name", created.Name)
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleListAgents handles GET /v1/agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 200)
	offset := queryOffset(r)

	agents, err := h.store.ListAgents(r.Context(), limit+1, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list agents", err)
		return
	}

	hasMore := len(agents) > limit
	if hasMore {
		agents = agents[:limit]
	}
	writeJSON(w, r, http.StatusOK, model.ListResponse{
		Items:   agents,
		HasMore: hasMore,
		Limit:   limit,
		Offset:  offset,
	})
}

// HandleGetAgent handles GET /v1/agents/{agent_id}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	agent, err := h.store.GetAgent(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
			return
		}
		h.writeInternalError(w, r, "failed to get agent", err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleListAgentRuns handles GET /v1/agents/{agent_id}/runs.
func (h *Handlers) HandleListAgentRuns(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	limit := queryLimit(r, 50)
	offset := queryOffset(r)

	runs, err := h.store.ListRunsByAgent(r.Context(), id, limit+1, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list runs", err)
		return
	}

	hasMore := len(runs) > limit
	if hasMore {
		runs = runs[:limit]
	}
	writeJSON(w, r, http.StatusOK, model.ListResponse{
		Items:   runs,
		HasMore: hasMore,
		Limit:   limit,
		Offset:  offset,
	})
}
