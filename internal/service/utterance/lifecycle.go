// Package utterance tracks the transcript lifecycle of a single caller
// utterance: partial hypotheses may be emitted while it is open, exactly one
// final closes it, and a failed utterance is dropped without a final.
package utterance

import (
	"errors"
	"fmt"
	"sync"
)

// State is the lifecycle state of an utterance.
type State int

const (
	// StateOpen accepts partials and one final.
	StateOpen State = iota
	// StateFinalEmitted has produced its final transcript.
	StateFinalEmitted
	// StateClosed is terminal.
	StateClosed
	// StateDropped is terminal; no final was or will be emitted.
	StateDropped
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateFinalEmitted:
		return "FINAL_EMITTED"
	case StateClosed:
		return "CLOSED"
	case StateDropped:
		return "DROPPED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal reports whether s is CLOSED or DROPPED.
func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateDropped
}

var (
	ErrClosed              = errors.New("utterance is closed")
	ErrFinalAlreadyEmitted = errors.New("final already emitted for this utterance")
	ErrPartialAfterFinal   = errors.New("cannot emit partial after final")
)

// Lifecycle is the state machine for one utterance. Safe for concurrent use.
//
//	OPEN --EmitFinal--> FINAL_EMITTED --Close--> CLOSED
//	  |                      |
//	  +------Drop------------+-----------------> DROPPED
type Lifecycle struct {
	mu       sync.RWMutex
	id       string
	state    State
	partials int
}

// NewLifecycle creates a lifecycle in OPEN state.
func NewLifecycle(id string) *Lifecycle {
	return &Lifecycle{id: id, state: StateOpen}
}

func (l *Lifecycle) ID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.id
}

func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Partials returns the number of partials accepted since the last Reset.
func (l *Lifecycle) Partials() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.partials
}

func (l *Lifecycle) IsClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.IsTerminal()
}

// EmitPartial records a partial emission if the utterance is open.
func (l *Lifecycle) EmitPartial() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateOpen:
		l.partials++
		return nil
	case StateFinalEmitted:
		return ErrPartialAfterFinal
	default:
		return ErrClosed
	}
}

// EmitFinal moves the utterance to FINAL_EMITTED. Only the first call succeeds.
func (l *Lifecycle) EmitFinal() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateOpen:
		l.state = StateFinalEmitted
		return nil
	case StateFinalEmitted:
		return ErrFinalAlreadyEmitted
	default:
		return ErrClosed
	}
}

// Close moves the utterance to CLOSED from any state. Idempotent.
func (l *Lifecycle) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateDropped {
		l.state = StateClosed
	}
}

// Drop abandons the utterance without a final. It returns false if the
// utterance was already terminal.
func (l *Lifecycle) Drop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.IsTerminal() {
		return false
	}
	l.state = StateDropped
	return true
}

// Reset reopens the lifecycle for the next utterance.
func (l *Lifecycle) Reset(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.id = id
	l.state = StateOpen
	l.partials = 0
}
