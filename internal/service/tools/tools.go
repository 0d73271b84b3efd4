// Package tools executes tool calls requested by the response generator.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrUnknownTool  = errors.New("unknown tool")
	ErrInvalidInput = errors.New("invalid tool input")
)

// Status is the outcome of a tool call.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
)

// Mode selects how a batch of requests is executed.
type Mode int

const (
	Sequential Mode = iota
	Parallel
)

func (m Mode) String() string {
	switch m {
	case Sequential:
		return "sequential"
	case Parallel:
		return "parallel"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", m)
	}
}

// ModeFor returns Sequential for a single request and Parallel otherwise.
func ModeFor(n int) Mode {
	if n > 1 {
		return Parallel
	}
	return Sequential
}

// Request is one tool invocation.
type Request struct {
	ID         string          `json:"id"`
	CallID     string          `json:"call_id"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input"`
	Timeout    time.Duration   `json:"timeout"`
	MaxRetries int             `json:"max_retries"`
	RetryDelay time.Duration   `json:"retry_delay"`
	Group      string          `json:"group,omitempty"` // parallel group id
}

// Result is the outcome of exactly one Request. Results are values and are
// never modified once produced.
type Result struct {
	RequestID   string          `json:"request_id"`
	Name        string          `json:"name"`
	Status      Status          `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	Duration    time.Duration   `json:"duration"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Failed builds a failed result for req without running it.
func Failed(req Request, reason string) Result {
	return Result{
		RequestID:   req.ID,
		Name:        req.Name,
		Status:      StatusFailed,
		Error:       reason,
		CompletedAt: time.Now(),
	}
}

// Content renders the result as the text handed back to the model.
func (r Result) Content() string {
	if r.Status == StatusSuccess {
		return string(r.Output)
	}
	b, _ := json.Marshal(map[string]string{"status": string(r.Status), "error": r.Error})
	return string(b)
}

// Tool is an executable tool.
type Tool interface {
	Name() string
	Description() string
	// Parameters is the JSON schema of the input object.
	Parameters() json.RawMessage
	// ExpectedLatency is used to decide whether to play a filler phrase.
	ExpectedLatency() time.Duration
	Call(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// Func adapts a function to Tool.
type Func struct {
	ToolName string
	Desc     string
	Schema   json.RawMessage
	Latency  time.Duration
	Fn       func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

func (f Func) Name() string                   { return f.ToolName }
func (f Func) Description() string            { return f.Desc }
func (f Func) Parameters() json.RawMessage    { return f.Schema }
func (f Func) ExpectedLatency() time.Duration { return f.Latency }
func (f Func) Call(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return f.Fn(ctx, input)
}

// Registry is the process-wide tool set. Read on every call, written at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.Name() == "" {
		return errors.New("tool name is empty")
	}
	if _, ok := r.tools[t.Name()]; ok {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// ExpectedLatency returns the longest expected latency among reqs.
func (r *Registry) ExpectedLatency(reqs []Request) time.Duration {
	var longest time.Duration
	for _, req := range reqs {
		if t, ok := r.Get(req.Name); ok && t.ExpectedLatency() > longest {
			longest = t.ExpectedLatency()
		}
	}
	return longest
}
