package model

import "time"

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Items   any  `json:"items"`
	HasMore bool `json:"has_more"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// CreateAgentRequest is the request body for POST /v1/agents.
type CreateAgentRequest struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Persona      string   `json:"persona"`
	Model        string   `json:"model,omitempty"`
	Temperature  float64  `json:"temperature,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
}

// CreateRunRequest is the request body for POST /v1/runs.
type CreateRunRequest struct {
	AgentID   string `json:"agent_id"`
	Goal      string `json:"goal"`
	SessionID string `json:"session_id,omitempty"`
}

// TokenRequest is the request body for POST /auth/token. The service
// API key authenticates the caller; the user ID names the subject the
// issued token will act as.
type TokenRequest struct {
	APIKey string `json:"api_key"`
	UserID string `json:"user_id"`
}

// TokenResponse is the response body for POST /auth/token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Store   string `json:"store"`
	Stream  string `json:"stream"`
	Uptime  int64  `json:"uptime_seconds"`
}
