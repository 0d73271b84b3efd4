package orchestrator

import (
	"context"
	"time"

	"ai-voice-orchestrator-service/internal/config"
	"ai-voice-orchestrator-service/internal/service/audio"
	"ai-voice-orchestrator-service/internal/service/conversation"
)

// Action is a call-control action requested from the transport.
type Action string

const (
	ActionHold      Action = "hold"
	ActionTransfer  Action = "transfer"
	ActionTerminate Action = "terminate"
	// ActionFallback asks the transport to play its pre-recorded apology.
	ActionFallback Action = "fallback"
)

// Control is an outbound call-control message.
type Control struct {
	Action    Action `json:"action"`
	Target    string `json:"target,omitempty"`
	Reason    string `json:"reason,omitempty"`
	HandoffID string `json:"handoff_id,omitempty"`
}

// Transport receives call-control actions. Outbound audio is pulled with
// Manager.PullOutbound.
type Transport interface {
	Control(ctx context.Context, callID string, c Control) error
}

// AgentStore loads per-agent configuration.
type AgentStore interface {
	Load(ctx context.Context, agentID string) (config.AgentConfig, error)
}

// TurnRecord is a durable record of one finalized turn.
type TurnRecord struct {
	CallID  string            `json:"call_id"`
	AgentID string            `json:"agent_id"`
	Turn    conversation.Turn `json:"turn"`
}

// TurnRecorder persists turns. RecordTurn must not block the call task.
type TurnRecorder interface {
	RecordTurn(rec TurnRecord)
}

// MultiRecorder fans a turn out to several recorders.
type MultiRecorder []TurnRecorder

func (m MultiRecorder) RecordTurn(rec TurnRecord) {
	for _, r := range m {
		r.RecordTurn(rec)
	}
}

// HandoffPacket carries a call to another agent. It is a value: the
// receiving call references FromCallID and never the live call.
type HandoffPacket struct {
	ID          string              `json:"handoff_id"`
	FromCallID  string              `json:"from_call_id"`
	FromAgentID string              `json:"from_agent_id"`
	TargetAgent string              `json:"target_agent"`
	Reason      string              `json:"reason,omitempty"`
	Turns       []conversation.Turn `json:"turns"`
	CreatedAt   time.Time           `json:"created_at"`
}

// Events receives call lifecycle and quality events. Methods must not block
// the call task.
type Events interface {
	CallStarted(ctx context.Context, call CallInfo)
	CallEnded(ctx context.Context, call CallInfo)
	SequenceGap(ctx context.Context, callID string, gap audio.Gap)
	Handoff(ctx context.Context, packet HandoffPacket)
}

type nopTransport struct{}

func (nopTransport) Control(context.Context, string, Control) error { return nil }

type nopRecorder struct{}

func (nopRecorder) RecordTurn(TurnRecord) {}

type nopEvents struct{}

func (nopEvents) CallStarted(context.Context, CallInfo)          {}
func (nopEvents) CallEnded(context.Context, CallInfo)            {}
func (nopEvents) SequenceGap(context.Context, string, audio.Gap) {}
func (nopEvents) Handoff(context.Context, HandoffPacket)         {}
