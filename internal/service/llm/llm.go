// Package llm defines the response generator capability: a language model
// that turns the conversation so far into a stream of text and tool-call
// fragments.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// Role of a message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a complete tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one entry of the prompt.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolSpec advertises a tool to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ModelParams are passed through to the model untouched.
type ModelParams struct {
	Name        string
	Temperature float64
	MaxTokens   int
	Params      map[string]string
}

// Request is one generation round.
type Request struct {
	CallID   string
	Model    ModelParams
	Messages []Message
	Tools    []ToolSpec
}

// FragmentKind distinguishes fragments.
type FragmentKind int

const (
	FragmentText FragmentKind = iota
	FragmentToolCall
	FragmentUsage
)

func (k FragmentKind) String() string {
	switch k {
	case FragmentText:
		return "text"
	case FragmentToolCall:
		return "tool_call"
	case FragmentUsage:
		return "usage"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", k)
	}
}

// ToolCallDelta is a streamed piece of a tool call. Pieces with the same
// Index belong to the same call; ID and Name arrive once, ArgumentsDelta is
// concatenated.
type ToolCallDelta struct {
	Index          int
	ID             string
	Name           string
	ArgumentsDelta string
}

// Usage reports token consumption for the round.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Fragment is one streamed unit of model output. A fragment with Err set is
// the last one on the channel.
type Fragment struct {
	Kind     FragmentKind
	Text     string
	ToolCall ToolCallDelta
	Usage    Usage
	Err      error
}

// Generator is a response generator. Implementations are shared by every
// call and must be safe for concurrent use.
type Generator interface {
	Name() string
	// Generate starts a round. The channel is closed when the model is done.
	Generate(ctx context.Context, req Request) (<-chan Fragment, error)
}
