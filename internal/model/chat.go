package model

// ChatRole identifies the author of a conversation turn.
type ChatRole string

const (
	RoleSystem    ChatRole = "system"
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

// ChatMessage is one turn in the conversation sent to the completion
// boundary. Tool use happens purely through the Thought/Action text
// protocol, so no structured function-call fields exist.
type ChatMessage struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}

// ToolInfo describes one callable tool from the live catalog.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ToolResult is the outcome of a single tool invocation. Transient:
// it is never persisted beyond the observation text it produces.
type ToolResult struct {
	IsError bool   `json:"is_error"`
	Text    string `json:"text"`
}
