// Package conversation holds the per-call conversation record.
//
// A Context is owned by exactly one call task; it is not safe for concurrent
// use. Other components receive deep-copied Snapshots.
package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ai-voice-orchestrator-service/internal/service/tools"
)

var (
	ErrTurnOutOfOrder    = errors.New("turn starts before the previous turn")
	ErrTurnOverlap       = errors.New("turn overlaps a previous non-interrupted turn")
	ErrInvalidTurn       = errors.New("invalid turn")
	ErrPartialActive     = errors.New("partial transcript already active")
	ErrNoPartial         = errors.New("no active partial transcript")
	ErrUnknownToolCall   = errors.New("unknown tool call")
	ErrDuplicateToolCall = errors.New("tool call already registered")
	ErrResultRecorded    = errors.New("tool result already recorded")
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerAgent  Speaker = "agent"
)

// Turn is one contiguous speech unit.
type Turn struct {
	Number      int       `json:"number"`
	Speaker     Speaker   `json:"speaker"`
	Text        string    `json:"text"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Interrupted bool      `json:"interrupted"`
	// Forced is set on caller turns finalized at the max turn time
	// without a final transcript.
	Forced bool `json:"forced,omitempty"`
}

// ToolCall is a tool request registered in the conversation.
type ToolCall struct {
	RequestID string          `json:"request_id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

// ToolRound is one batch of tool calls the agent requested after a turn.
type ToolRound struct {
	AfterTurn int        `json:"after_turn"`
	Preamble  string     `json:"preamble,omitempty"` // text spoken before the calls
	Calls     []ToolCall `json:"calls"`
	// Completed lists request ids in the order their results were recorded.
	Completed []string `json:"completed"`
}

// Counters accumulate model usage for the call.
type Counters struct {
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	CostMicros       int64 `json:"cost_micros"`
	Generations      int   `json:"generations"`
}

// Context is the mutable conversation state of one call.
type Context struct {
	callID string
	model  string

	turns []Turn

	partialActive bool
	partialStart  time.Time
	committed     []string
	hypothesis    string

	rounds  []*ToolRound
	pending map[string]*tools.Result // nil value means pending
	owner   map[string]*ToolRound

	counters Counters
}

// New creates an empty context for callID.
func New(callID, model string) *Context {
	return &Context{
		callID:  callID,
		model:   model,
		pending: map[string]*tools.Result{},
		owner:   map[string]*ToolRound{},
	}
}

func (c *Context) CallID() string { return c.callID }

// SetModel records the active model.
func (c *Context) SetModel(name string) { c.model = name }

// TurnNumber returns the number of the last appended turn, 0 if none.
func (c *Context) TurnNumber() int { return len(c.turns) }

// LastTurn returns the last appended turn.
func (c *Context) LastTurn() (Turn, bool) {
	if len(c.turns) == 0 {
		return Turn{}, false
	}
	return c.turns[len(c.turns)-1], true
}

// AppendTurn assigns the next turn number and appends t. Turns must be
// ordered by start time and may only overlap a previous interrupted turn.
func (c *Context) AppendTurn(t Turn) (Turn, error) {
	if t.Speaker != SpeakerCaller && t.Speaker != SpeakerAgent {
		return Turn{}, fmt.Errorf("%w: speaker %q", ErrInvalidTurn, t.Speaker)
	}
	if t.End.Before(t.Start) {
		return Turn{}, fmt.Errorf("%w: ends before it starts", ErrInvalidTurn)
	}
	if last, ok := c.LastTurn(); ok {
		if t.Start.Before(last.Start) {
			return Turn{}, ErrTurnOutOfOrder
		}
		if !last.Interrupted && t.Start.Before(last.End) {
			return Turn{}, ErrTurnOverlap
		}
	}
	t.Number = len(c.turns) + 1
	c.turns = append(c.turns, t)
	return t, nil
}

// BeginPartial opens the caller's partial transcript buffer.
func (c *Context) BeginPartial(at time.Time) error {
	if c.partialActive {
		return ErrPartialActive
	}
	c.partialActive = true
	c.partialStart = at
	c.committed = nil
	c.hypothesis = ""
	return nil
}

// PartialActive reports whether a caller turn is accumulating.
func (c *Context) PartialActive() bool { return c.partialActive }

// UpdatePartial replaces the current interim hypothesis.
func (c *Context) UpdatePartial(text string) error {
	if !c.partialActive {
		return ErrNoPartial
	}
	c.hypothesis = text
	return nil
}

// CommitFinal appends a final transcript segment and clears the hypothesis.
func (c *Context) CommitFinal(text string) error {
	if !c.partialActive {
		return ErrNoPartial
	}
	if t := strings.TrimSpace(text); t != "" {
		c.committed = append(c.committed, t)
	}
	c.hypothesis = ""
	return nil
}

// HasFinal reports whether any final segment was committed.
func (c *Context) HasFinal() bool { return len(c.committed) > 0 }

// PartialText returns committed segments followed by the hypothesis.
func (c *Context) PartialText() string {
	parts := append([]string(nil), c.committed...)
	if h := strings.TrimSpace(c.hypothesis); h != "" {
		parts = append(parts, h)
	}
	return strings.Join(parts, " ")
}

// FinalizePartial closes the partial buffer into a caller turn ending at end.
// The turn start is moved past a previous non-interrupted turn so caller
// speech that began under agent audio never overlaps it.
func (c *Context) FinalizePartial(end time.Time, forced bool) (Turn, error) {
	if !c.partialActive {
		return Turn{}, ErrNoPartial
	}
	start := c.partialStart
	if last, ok := c.LastTurn(); ok {
		if start.Before(last.Start) {
			start = last.Start
		}
		if !last.Interrupted && start.Before(last.End) {
			start = last.End
		}
	}
	if end.Before(start) {
		end = start
	}
	turn, err := c.AppendTurn(Turn{
		Speaker: SpeakerCaller,
		Text:    c.PartialText(),
		Start:   start,
		End:     end,
		Forced:  forced,
	})
	if err != nil {
		return Turn{}, err
	}
	c.partialActive = false
	c.committed = nil
	c.hypothesis = ""
	return turn, nil
}

// DiscardPartial drops the partial buffer without creating a turn.
func (c *Context) DiscardPartial() {
	c.partialActive = false
	c.committed = nil
	c.hypothesis = ""
}

// RegisterToolCalls records a round of requested calls after the last turn.
func (c *Context) RegisterToolCalls(preamble string, calls []ToolCall) error {
	seen := map[string]bool{}
	for _, tc := range calls {
		if tc.RequestID == "" {
			return fmt.Errorf("%w: empty request id", ErrInvalidTurn)
		}
		if _, ok := c.pending[tc.RequestID]; ok || seen[tc.RequestID] {
			return fmt.Errorf("%w: %s", ErrDuplicateToolCall, tc.RequestID)
		}
		seen[tc.RequestID] = true
	}
	round := &ToolRound{AfterTurn: len(c.turns), Preamble: preamble}
	for _, tc := range calls {
		tc.Input = cloneRaw(tc.Input)
		round.Calls = append(round.Calls, tc)
		c.pending[tc.RequestID] = nil
		c.owner[tc.RequestID] = round
	}
	c.rounds = append(c.rounds, round)
	return nil
}

// RecordToolResult stores the result for a registered request. Results are
// immutable; recording twice is an error.
func (c *Context) RecordToolResult(requestID string, result tools.Result) error {
	existing, ok := c.pending[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToolCall, requestID)
	}
	if existing != nil {
		return fmt.Errorf("%w: %s", ErrResultRecorded, requestID)
	}
	result.RequestID = requestID
	result.Output = cloneRaw(result.Output)
	c.pending[requestID] = &result
	round := c.owner[requestID]
	round.Completed = append(round.Completed, requestID)
	return nil
}

// PendingToolCalls returns the ids still awaiting results.
func (c *Context) PendingToolCalls() []string {
	var ids []string
	for _, r := range c.rounds {
		for _, tc := range r.Calls {
			if c.pending[tc.RequestID] == nil {
				ids = append(ids, tc.RequestID)
			}
		}
	}
	return ids
}

// AddUsage accumulates token and cost counters for one generation.
func (c *Context) AddUsage(promptTokens, completionTokens int, costMicros int64) {
	c.counters.PromptTokens += promptTokens
	c.counters.CompletionTokens += completionTokens
	c.counters.CostMicros += costMicros
	c.counters.Generations++
}

// Counters returns the accumulated usage.
func (c *Context) Counters() Counters { return c.counters }

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
