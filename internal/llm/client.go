package llm

import "context"

// Client is the interface the agent loop speaks to the reasoning model.
type Client interface {
	// Chat sends one non-streaming completion request and returns the
	// model's reply, which may carry tool calls.
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (*ChatResponse, error)

	// Model returns the configured model identifier.
	Model() string
}
