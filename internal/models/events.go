// Package models defines the data structures for published call events.
package models

import "encoding/json"

// Event types published by the service.
const (
	EventCallStarted   = "call.started"
	EventCallEnded     = "call.ended"
	EventTurnFinalized = "call.turn.finalized"
	EventQualityGap    = "call.quality.gap"
	EventHandoff       = "call.handoff"
	EventToolDispatch  = "tool.dispatch"
	EventToolResult    = "tool.result"
)

// CallEvent represents a call lifecycle change.
type CallEvent struct {
	EventType   string `json:"eventType"`
	CallID      string `json:"callId"`
	AgentID     string `json:"agentId"`
	Direction   string `json:"direction"`
	Status      string `json:"status"`
	State       string `json:"state"`
	TurnCount   int    `json:"turnCount"`
	StartedAt   int64  `json:"startedAt"`
	EndedAt     int64  `json:"endedAt,omitempty"`
	EndReason   string `json:"endReason,omitempty"`
	PriorCallID string `json:"priorCallId,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// TurnEvent represents one finalized turn. Times are unix milliseconds.
type TurnEvent struct {
	EventType   string `json:"eventType"`
	CallID      string `json:"callId"`
	AgentID     string `json:"agentId"`
	TurnNumber  int    `json:"turnNumber"`
	Speaker     string `json:"speaker"`
	Text        string `json:"text"`
	StartMs     int64  `json:"startMs"`
	EndMs       int64  `json:"endMs"`
	Interrupted bool   `json:"interrupted"`
	Forced      bool   `json:"forced"`
	Timestamp   int64  `json:"timestamp"`
}

// GapEvent represents an inbound audio sequence gap.
type GapEvent struct {
	EventType string `json:"eventType"`
	CallID    string `json:"callId"`
	Direction string `json:"direction"`
	Expected  uint64 `json:"expected"`
	Got       uint64 `json:"got"`
	Missing   uint64 `json:"missing"`
	Reordered bool   `json:"reordered"`
	Timestamp int64  `json:"timestamp"`
}

// HandoffEvent carries the context packet of an agent handoff.
type HandoffEvent struct {
	EventType   string      `json:"eventType"`
	HandoffID   string      `json:"handoffId"`
	FromCallID  string      `json:"fromCallId"`
	FromAgentID string      `json:"fromAgentId"`
	TargetAgent string      `json:"targetAgent"`
	Reason      string      `json:"reason,omitempty"`
	Turns       []TurnEvent `json:"turns"`
	Timestamp   int64       `json:"timestamp"`
}

// ToolAuditEvent records a tool dispatch or result.
type ToolAuditEvent struct {
	EventType  string          `json:"eventType"`
	AuditID    string          `json:"auditId"`
	CallID     string          `json:"callId"`
	RequestID  string          `json:"requestId"`
	ToolName   string          `json:"toolName"`
	Mode       string          `json:"mode,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Status     string          `json:"status,omitempty"`
	Error      string          `json:"error,omitempty"`
	Attempts   int             `json:"attempts,omitempty"`
	DurationMs int64           `json:"durationMs,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}
