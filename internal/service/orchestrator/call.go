package orchestrator

import (
	"fmt"
	"time"
)

// Direction of a call.
type Direction int

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

// String returns the string representation of the direction.
func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", d)
	}
}

// ParseDirection maps "outbound" to DirectionOutbound and anything else to inbound.
func ParseDirection(s string) Direction {
	if s == "outbound" {
		return DirectionOutbound
	}
	return DirectionInbound
}

// Status is the lifecycle status of a call.
type Status string

const (
	StatusRinging   Status = "ringing"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Metadata keys understood on call start.
const (
	MetaPriorCallID = "prior_call_id"
	MetaHandoffID   = "handoff_id"
)

// StartRequest is the call-start event from the transport.
type StartRequest struct {
	CallID    string
	AgentID   string
	Direction Direction
	Metadata  map[string]string
}

// CallInfo is a read-only view of a call.
type CallInfo struct {
	ID          string            `json:"call_id"`
	AgentID     string            `json:"agent_id"`
	Direction   string            `json:"direction"`
	Status      Status            `json:"status"`
	State       string            `json:"state"`
	TurnNumber  int               `json:"turn_number"`
	StartedAt   time.Time         `json:"started_at"`
	EndedAt     time.Time         `json:"ended_at,omitempty"`
	EndReason   string            `json:"end_reason,omitempty"`
	PriorCallID string            `json:"prior_call_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
