// Package model defines the provider-agnostic LLM client contract used by the
// cascade engine. It abstracts chat completion APIs (Anthropic, OpenAI, …) so
// cell executors can invoke models without coupling to specific SDKs.
// Implementations translate these normalized types into provider-specific
// formats.
package model

import (
	"context"
	"errors"
)

type (
	// Client is the contract cell executors use to invoke LLM calls.
	// Implementations wrap provider SDKs and translate Request/Response to
	// provider-specific formats. Clients must be safe for concurrent use:
	// candidate branches and MAP PARALLEL workers share one client.
	Client interface {
		// Complete sends a chat completion request to the model provider and
		// returns the generated response. Returns an error if the model is
		// unavailable, quota is exceeded, or the request is malformed.
		Complete(ctx context.Context, req Request) (Response, error)
	}

	// Request captures the normalized parameters for a model invocation.
	Request struct {
		// Model is the provider-specific model identifier. Empty selects the
		// client's default.
		Model string
		// Messages is the ordered chat history, including system prompts,
		// user inputs, tool results, and prior assistant responses.
		Messages []*Message
		// Tools describes the tool schemas exposed to the model for function
		// calling. Empty if the model should not invoke tools.
		Tools []*ToolDefinition
		// Temperature controls sampling temperature. Zero means greedy.
		Temperature float32
		// MaxTokens caps completion tokens. Zero uses the provider default.
		MaxTokens int
	}

	// Response wraps the generated content and any tool call requests from
	// the provider.
	Response struct {
		// Content is the assistant text. Empty if the model only requested
		// tool calls.
		Content string
		// ToolCalls lists tool invocations requested by the model, in the
		// order the provider emitted them.
		ToolCalls []ToolCall
		// Usage reports token counts, cost, and the provider request id.
		Usage Usage
		// StopReason explains why generation stopped. Provider-specific;
		// may be empty.
		StopReason string
	}

	// Message is one chat message.
	Message struct {
		// Role is one of "system", "user", "assistant", "tool".
		Role Role
		// Content is the text body.
		Content string
		// Images carries image references attached to the message. Paths on
		// disk, not inline bytes, except on the turn that produced them.
		Images []Image
		// ToolCallID links a tool-role message to the call it answers.
		ToolCallID string
		// Name optionally identifies the tool that produced a tool message.
		Name string
	}

	// Role tags a message's author.
	Role string

	// Image is a single image attachment. Content is populated only while the
	// producing turn is in flight; the context builder culls bytes from
	// follow-up calls and keeps Path as the durable reference.
	Image struct {
		// Path is the on-disk location of the saved image.
		Path string
		// MediaType is the MIME type (e.g. "image/png").
		MediaType string
		// Content holds inline bytes when present.
		Content []byte
	}

	// ToolCall is a tool invocation requested by the model.
	ToolCall struct {
		// ID is the provider-assigned call id, when available.
		ID string
		// Name is the registered tool name.
		Name string
		// Arguments is the decoded argument object.
		Arguments map[string]any
	}

	// ToolDefinition describes a callable tool to the model.
	ToolDefinition struct {
		// Name is the registered tool name.
		Name string
		// Description is human-readable context for the model.
		Description string
		// Schema is the JSON schema of the argument object.
		Schema map[string]any
	}

	// Usage reports the accounting data for one model call.
	Usage struct {
		// InputTokens and OutputTokens are provider-reported counts.
		InputTokens  int
		OutputTokens int
		// Cost is the provider-computed (or client-estimated) dollar cost.
		Cost float64
		// RequestID is the provider request identifier used for cost
		// enrichment at log-write time.
		RequestID string
		// Provider names the backing provider ("anthropic", "openai", …).
		Provider string
		// Model is the resolved model identifier.
		Model string
	}
)

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// TotalTokens returns input plus output tokens.
func (u Usage) TotalTokens() int { return u.InputTokens + u.OutputTokens }

var (
	// ErrRateLimited indicates the provider rejected the request due to rate
	// limiting. Callers may retry with backoff.
	ErrRateLimited = errors.New("model: rate limited")
	// ErrEmptyContent indicates the provider returned neither content nor
	// tool calls where content was required.
	ErrEmptyContent = errors.New("model: empty content")
)
