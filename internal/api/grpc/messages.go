package grpcapi

// ClientMessage is sent by the transport on the call stream. Exactly one
// field is set. The first message of a stream must be Start.
type ClientMessage struct {
	Start     *StartCall  `json:"start,omitempty"`
	Audio     *AudioFrame `json:"audio,omitempty"`
	Interrupt *Interrupt  `json:"interrupt,omitempty"`
	End       *EndCall    `json:"end,omitempty"`
}

type StartCall struct {
	CallID    string            `json:"call_id"`
	AgentID   string            `json:"agent_id"`
	Direction string            `json:"direction,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AudioFrame is one fixed-duration audio frame. TimestampMs is optional on
// inbound frames.
type AudioFrame struct {
	Seq         uint64 `json:"seq"`
	Payload     []byte `json:"payload"`
	TimestampMs int64  `json:"timestamp_ms,omitempty"`
	TurnID      string `json:"turn_id,omitempty"`
}

type Interrupt struct{}

type EndCall struct {
	Reason string `json:"reason,omitempty"`
}

// ServerMessage is sent by the service on the call stream.
type ServerMessage struct {
	Started *CallStarted `json:"started,omitempty"`
	Audio   *AudioFrame  `json:"audio,omitempty"`
	Control *Control     `json:"control,omitempty"`
	Ended   *CallEnded   `json:"ended,omitempty"`
	Error   *Error       `json:"error,omitempty"`
}

type CallStarted struct {
	CallID      string `json:"call_id"`
	AgentID     string `json:"agent_id"`
	PriorCallID string `json:"prior_call_id,omitempty"`
}

// Control asks the transport to hold, transfer, play the fallback apology
// or terminate the call.
type Control struct {
	Action    string `json:"action"`
	Target    string `json:"target,omitempty"`
	Reason    string `json:"reason,omitempty"`
	HandoffID string `json:"handoff_id,omitempty"`
}

type CallEnded struct {
	CallID     string `json:"call_id"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	TurnNumber int    `json:"turn_number"`
}

// Error reports a rejected client message without ending the stream.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
