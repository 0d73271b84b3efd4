package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Rule maps a caller utterance to a scripted reply.
type Rule struct {
	// Keywords must all appear (case-insensitively) in the last caller message.
	Keywords []string
	// Reply is spoken when no tools are requested.
	Reply string
	// Tools are requested instead of replying.
	Tools []ToolCall
	// Followup renders the reply once tool results are in.
	Followup func(results []Message) string
}

func (r Rule) matches(text string) bool {
	text = strings.ToLower(text)
	for _, k := range r.Keywords {
		if !strings.Contains(text, strings.ToLower(k)) {
			return false
		}
	}
	return len(r.Keywords) > 0
}

// ScriptedConfig configures a Scripted generator.
type ScriptedConfig struct {
	Rules         []Rule
	Fallback      string
	ThinkTime     time.Duration // delay before the first fragment
	TokenDelay    time.Duration // delay between fragments
	SplitToolArgs bool          // stream tool arguments in two pieces
}

// Scripted is a deterministic rule-based generator used for local runs and tests.
type Scripted struct {
	name string
	cfg  ScriptedConfig
}

// NewScripted creates a scripted generator.
func NewScripted(name string, cfg ScriptedConfig) *Scripted {
	if cfg.Fallback == "" {
		cfg.Fallback = "I'm sorry, could you say that again?"
	}
	return &Scripted{name: name, cfg: cfg}
}

func (s *Scripted) Name() string { return s.name }

// DefaultRules is the demo script used by the service in scripted mode.
func DefaultRules() []Rule {
	return []Rule{
		{
			Keywords: []string{"balance"},
			Tools: []ToolCall{{
				Name:      "get_account_balance",
				Arguments: json.RawMessage(`{"account_id":"primary"}`),
			}},
			Followup: func(results []Message) string {
				var r struct {
					Balance  float64 `json:"balance"`
					Currency string  `json:"currency"`
					Error    string  `json:"error"`
				}
				if len(results) == 0 || json.Unmarshal([]byte(results[0].Content), &r) != nil || r.Error != "" {
					return "I couldn't look up your balance right now. Is there anything else I can help with?"
				}
				return fmt.Sprintf("Your current balance is %.2f %s. Is there anything else I can help with?", r.Balance, r.Currency)
			},
		},
		{
			Keywords: []string{"transfer"},
			Tools: []ToolCall{{
				Name:      "transfer_to_agent",
				Arguments: json.RawMessage(`{"target_agent":"billing","reason":"caller asked for a transfer"}`),
			}},
			Followup: func([]Message) string { return "Transferring you now." },
		},
		{Keywords: []string{"waiting"}, Reply: "I'm sorry about the wait. I'm here now, how can I help?"},
		{Keywords: []string{"thank"}, Reply: "You're welcome. Is there anything else I can help with?"},
		{Keywords: []string{"yes"}, Reply: "Great, I'll go ahead with that."},
	}
}

// Generate streams the scripted answer for the conversation in req.
func (s *Scripted) Generate(ctx context.Context, req Request) (<-chan Fragment, error) {
	frags := s.plan(req)

	out := make(chan Fragment)
	go func() {
		defer close(out)
		if !sleep(ctx, s.cfg.ThinkTime) {
			return
		}
		for i, f := range frags {
			if i > 0 && !sleep(ctx, s.cfg.TokenDelay) {
				return
			}
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *Scripted) plan(req Request) []Fragment {
	userText, toolResults := lastExchange(req.Messages)
	rule, ok := s.match(userText)

	var frags []Fragment
	switch {
	case ok && len(toolResults) > 0 && rule.Followup != nil:
		frags = textFragments(rule.Followup(toolResults))
	case ok && len(rule.Tools) > 0 && len(req.Tools) > 0:
		for i, tc := range rule.Tools {
			frags = append(frags, s.toolFragments(i, tc, req.CallID)...)
		}
	case ok && rule.Reply != "":
		frags = textFragments(rule.Reply)
	default:
		frags = textFragments(s.cfg.Fallback)
	}

	frags = append(frags, Fragment{Kind: FragmentUsage, Usage: Usage{
		PromptTokens:     promptTokens(req.Messages),
		CompletionTokens: len(frags),
	}})
	return frags
}

func (s *Scripted) match(text string) (Rule, bool) {
	for _, r := range s.cfg.Rules {
		if r.matches(text) {
			return r, true
		}
	}
	return Rule{}, false
}

func (s *Scripted) toolFragments(index int, tc ToolCall, callID string) []Fragment {
	id := tc.ID
	if id == "" {
		id = fmt.Sprintf("%s-tc-%d", callID, index)
	}
	args := string(tc.Arguments)
	if !s.cfg.SplitToolArgs || len(args) < 2 {
		return []Fragment{{Kind: FragmentToolCall, ToolCall: ToolCallDelta{Index: index, ID: id, Name: tc.Name, ArgumentsDelta: args}}}
	}
	mid := len(args) / 2
	return []Fragment{
		{Kind: FragmentToolCall, ToolCall: ToolCallDelta{Index: index, ID: id, Name: tc.Name, ArgumentsDelta: args[:mid]}},
		{Kind: FragmentToolCall, ToolCall: ToolCallDelta{Index: index, ArgumentsDelta: args[mid:]}},
	}
}

// lastExchange returns the last caller message and any tool results that
// follow it.
func lastExchange(msgs []Message) (string, []Message) {
	var results []Message
	for i := len(msgs) - 1; i >= 0; i-- {
		switch msgs[i].Role {
		case RoleTool:
			results = append([]Message{msgs[i]}, results...)
		case RoleUser:
			return msgs[i].Content, results
		}
	}
	return "", results
}

// textFragments splits text into word-sized deltas.
func textFragments(text string) []Fragment {
	words := strings.SplitAfter(text, " ")
	frags := make([]Fragment, 0, len(words))
	for _, w := range words {
		if w != "" {
			frags = append(frags, Fragment{Kind: FragmentText, Text: w})
		}
	}
	return frags
}

func promptTokens(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		n += len(strings.Fields(m.Content))
	}
	return n
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
