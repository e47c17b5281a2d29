// Package llm defines the Provider interface for Large Language Model backends.
//
// A provider receives the system prompt plus an ordered window of
// conversation messages and returns the assistant's reply as plain text.
// Streaming is deliberately absent: the reply is committed to the
// conversation as one turn, and a half-received reply is a failure.
//
// Implementations must be safe for concurrent use and must classify every
// returned error with provider.Transient or provider.Permanent.
package llm

import "context"

// Role identifies the author of a [Message].
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation sent to the model.
type Message struct {
	Role    Role
	Content string
}

// Request carries everything a single generation call needs.
type Request struct {
	// SystemPrompt is prepended as a system message when non-empty.
	SystemPrompt string

	// Messages is the ordered conversation window, oldest first.
	Messages []Message

	// Temperature controls randomness. Zero uses the provider default.
	Temperature float64

	// MaxTokens caps the reply length. Zero uses the provider default.
	MaxTokens int
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Generate returns the model's reply to req. An empty reply is reported
	// as a permanent error by implementations.
	Generate(ctx context.Context, req Request) (string, error)
}
