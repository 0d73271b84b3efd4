package grpcapi

import (
	"context"
	"fmt"
	"sync"

	"ai-voice-orchestrator-service/internal/service/orchestrator"
)

// Transport delivers call-control actions to the stream that owns the call.
type Transport struct {
	mu      sync.Mutex
	streams map[string]*sender
}

// sender serializes writes to one stream.
type sender struct {
	mu     sync.Mutex
	stream CallStream
}

func (s *sender) send(m *ServerMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream.Send(m)
}

func NewTransport() *Transport {
	return &Transport{streams: make(map[string]*sender)}
}

func (t *Transport) attach(callID string, s *sender) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.streams[callID]; ok {
		return false
	}
	t.streams[callID] = s
	return true
}

func (t *Transport) detach(callID string, s *sender) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.streams[callID] == s {
		delete(t.streams, callID)
	}
}

// Control sends a call-control message on the call's stream.
func (t *Transport) Control(ctx context.Context, callID string, c orchestrator.Control) error {
	t.mu.Lock()
	s, ok := t.streams[callID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no stream for %s", orchestrator.ErrUnknownCall, callID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.send(&ServerMessage{Control: &Control{
		Action:    string(c.Action),
		Target:    c.Target,
		Reason:    c.Reason,
		HandoffID: c.HandoffID,
	}})
}
