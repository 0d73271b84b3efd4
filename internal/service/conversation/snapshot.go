package conversation

import (
	"time"

	"ai-voice-orchestrator-service/internal/service/tools"
)

// Snapshot is an immutable copy of a Context.
type Snapshot struct {
	CallID   string                   `json:"call_id"`
	Model    string                   `json:"model"`
	Turns    []Turn                   `json:"turns"`
	Partial  *Partial                 `json:"partial,omitempty"`
	Rounds   []ToolRound              `json:"rounds,omitempty"`
	Results  map[string]*tools.Result `json:"results,omitempty"` // nil value means pending
	Counters Counters                 `json:"counters"`
}

// Partial is the caller turn still being transcribed.
type Partial struct {
	Start    time.Time `json:"start"`
	Text     string    `json:"text"`
	HasFinal bool      `json:"has_final"`
}

// Snapshot returns a deep copy of the current state.
func (c *Context) Snapshot() Snapshot {
	s := Snapshot{
		CallID:   c.callID,
		Model:    c.model,
		Turns:    append([]Turn(nil), c.turns...),
		Counters: c.counters,
	}
	if c.partialActive {
		s.Partial = &Partial{Start: c.partialStart, Text: c.PartialText(), HasFinal: c.HasFinal()}
	}
	for _, r := range c.rounds {
		cp := ToolRound{
			AfterTurn: r.AfterTurn,
			Preamble:  r.Preamble,
			Completed: append([]string(nil), r.Completed...),
		}
		for _, tc := range r.Calls {
			tc.Input = cloneRaw(tc.Input)
			cp.Calls = append(cp.Calls, tc)
		}
		s.Rounds = append(s.Rounds, cp)
	}
	if len(c.pending) > 0 {
		s.Results = make(map[string]*tools.Result, len(c.pending))
		for id, res := range c.pending {
			if res == nil {
				s.Results[id] = nil
				continue
			}
			cp := *res
			cp.Output = cloneRaw(res.Output)
			s.Results[id] = &cp
		}
	}
	return s
}

// RoundsAfter returns the tool rounds requested after turn n.
func (s Snapshot) RoundsAfter(n int) []ToolRound {
	var out []ToolRound
	for _, r := range s.Rounds {
		if r.AfterTurn == n {
			out = append(out, r)
		}
	}
	return out
}

// RecentTurns returns at most n of the latest turns.
func (s Snapshot) RecentTurns(n int) []Turn {
	if n <= 0 || n >= len(s.Turns) {
		return append([]Turn(nil), s.Turns...)
	}
	return append([]Turn(nil), s.Turns[len(s.Turns)-n:]...)
}
