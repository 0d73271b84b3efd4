package store

import (
	"sync"

	"ai-voice-orchestrator-service/internal/service/conversation"
	"ai-voice-orchestrator-service/internal/service/orchestrator"
)

// TurnLog keeps the finalized turns of the most recent calls in memory.
type TurnLog struct {
	maxCalls int

	mu    sync.RWMutex
	turns map[string][]conversation.Turn
	order []string
}

// NewTurnLog creates a log that remembers at most maxCalls calls.
func NewTurnLog(maxCalls int) *TurnLog {
	if maxCalls <= 0 {
		maxCalls = 1000
	}
	return &TurnLog{maxCalls: maxCalls, turns: map[string][]conversation.Turn{}}
}

// RecordTurn implements orchestrator.TurnRecorder.
func (l *TurnLog) RecordTurn(rec orchestrator.TurnRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.turns[rec.CallID]; !ok {
		if len(l.order) >= l.maxCalls {
			delete(l.turns, l.order[0])
			l.order = l.order[1:]
		}
		l.order = append(l.order, rec.CallID)
	}
	l.turns[rec.CallID] = append(l.turns[rec.CallID], rec.Turn)
}

// Turns returns a copy of the turns recorded for callID.
func (l *TurnLog) Turns(callID string) ([]conversation.Turn, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	turns, ok := l.turns[callID]
	if !ok {
		return nil, false
	}
	return append([]conversation.Turn(nil), turns...), true
}
