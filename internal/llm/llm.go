// Package llm provides chat completion clients for the reasoning loop.
//
// Two providers are supported: the OpenAI chat completions API and a
// local Ollama instance. Both return the raw response text; parsing the
// Thought/Action protocol out of it is the engine's job.
package llm

import (
	"context"
	"time"

	"github.com/hibiki-ai/hibiki/internal/model"
)

// Request is one completion call. Model and Temperature come from the
// agent definition driving the run.
type Request struct {
	Model       string
	Temperature float64
	Messages    []model.ChatMessage
}

// Client produces one model response for a conversation.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// perCallTimeout is the maximum time for a single completion call.
// Separate from the run's overall lifetime so one hung call doesn't
// stall a run until an operator notices.
const perCallTimeout = 120 * time.Second
