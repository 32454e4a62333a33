package hibiki

import "context"

// Message is one turn in a model conversation. Role is "system", "user"
// or "assistant".
type Message struct {
	Role    string
	Content string
}

// Completer produces one model response for a conversation.
// When provided via WithCompleter, replaces the auto-detected
// OpenAI/Ollama client. Implementations must be safe for concurrent use:
// every executing run calls Complete from its own goroutine.
type Completer interface {
	Complete(ctx context.Context, model string, temperature float64, messages []Message) (string, error)
}

// Tool describes one callable tool from the live catalog.
type Tool struct {
	Name        string
	Description string
}

// ToolOutput is the result of a single tool invocation.
type ToolOutput struct {
	Text    string
	IsError bool
}

// ToolInvoker exposes a tool catalog and executes calls on behalf of a
// user. When provided via WithToolInvoker, replaces the MCP client (or
// the empty static set). ownerID names the user the call acts for.
type ToolInvoker interface {
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any, ownerID string) (ToolOutput, error)
}

// Bus is a shared broadcast topic connecting server processes. Publish
// sends a payload to every listening process (including the publisher);
// Next blocks for the next payload after Listen has been called.
// When provided via WithBus, replaces the Postgres LISTEN/NOTIFY bus
// (or the in-memory one in SQLite mode).
type Bus interface {
	Publish(ctx context.Context, payload string) error
	Listen(ctx context.Context) error
	Next(ctx context.Context) (string, error)
}
