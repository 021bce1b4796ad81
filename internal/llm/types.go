// Package llm provides the reasoning-model client used by the agent loop.
package llm

import "fmt"

// Message roles on the model wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a provider-neutral chat message.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall is one tool invocation requested by the model. Arguments is
// the raw JSON object exactly as the model produced it; decoding and
// validation happen at the dispatch layer.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSpec describes one callable tool for the model. Parameters is a
// JSON Schema object.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatResponse is the unified response from the reasoning provider.
type ChatResponse struct {
	Model   string
	Message Message

	InputTokens  int64
	OutputTokens int64
}

// ReasoningError is a failure talking to the reasoning provider.
// Retryable failures (timeouts, connection errors, rate limits, 5xx)
// may be reattempted by the caller; everything else is terminal.
type ReasoningError struct {
	StatusCode int // zero when the request never got a response
	Retryable  bool
	Err        error
}

// Error implements the error interface.
func (e *ReasoningError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("reasoning service error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("reasoning service error: %v", e.Err)
}

// Unwrap exposes the underlying transport or API error.
func (e *ReasoningError) Unwrap() error { return e.Err }
