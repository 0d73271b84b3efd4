package orchestrator

import "fmt"

// State is the turn-taking state of one call.
type State int

const (
	// StateIdle - connected, nobody speaking.
	StateIdle State = iota
	// StateListeningCaller - caller audio detected, transcript accumulating.
	StateListeningCaller
	// StateFinalizingCallerTurn - hold-off elapsed, waiting for a final transcript.
	StateFinalizingCallerTurn
	// StateGeneratingResponse - model streaming, tools may be running.
	StateGeneratingResponse
	// StateSpeakingAgent - synthesized audio is playing.
	StateSpeakingAgent
	// StateFailed - unrecoverable adapter error. Terminal.
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListeningCaller:
		return "LISTENING_CALLER"
	case StateFinalizingCallerTurn:
		return "FINALIZING_CALLER_TURN"
	case StateGeneratingResponse:
		return "GENERATING_RESPONSE"
	case StateSpeakingAgent:
		return "SPEAKING_AGENT"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal returns true for FAILED.
func (s State) IsTerminal() bool {
	return s == StateFailed
}

// transitions lists the allowed moves. FAILED is reachable from every
// non-terminal state and is handled separately.
//
//	IDLE → LISTENING_CALLER ⇄ FINALIZING_CALLER_TURN → GENERATING_RESPONSE
//	                 │                                    │      ↑
//	                 └──── (forced at deadline) ──────────┘      │
//	GENERATING_RESPONSE ⇄ SPEAKING_AGENT → IDLE | LISTENING_CALLER (barge-in)
//
// FINALIZING returns to LISTENING when the caller resumes speaking. A caller
// turn the context rejects goes back to IDLE.
var transitions = map[State][]State{
	StateIdle:                 {StateListeningCaller},
	StateListeningCaller:      {StateFinalizingCallerTurn, StateGeneratingResponse, StateIdle},
	StateFinalizingCallerTurn: {StateGeneratingResponse, StateListeningCaller, StateIdle},
	StateGeneratingResponse:   {StateSpeakingAgent, StateIdle, StateListeningCaller},
	StateSpeakingAgent:        {StateIdle, StateListeningCaller, StateGeneratingResponse},
}

// CanTransition reports whether from → to is a valid move.
func CanTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
