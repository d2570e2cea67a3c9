package llm

import "context"

// Client is the interface every LLM provider implements.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// tools are OpenAI function-calling definitions.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable and the credentials work.
	Ping(ctx context.Context) error
}
