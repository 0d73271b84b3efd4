package orchestrator

import (
	"context"
	"sync"
	"time"
)

// speaker synthesizes the sentences of one response in order and queues the
// audio on the bus under the response's outbound generation. It reports when
// audio starts, when playback drains while the response is still open, and
// when everything queued has been played after close.
type speaker struct {
	o      *Orchestrator
	resp   uint64
	ctx    context.Context
	gen    uint64
	turnID string

	mu     sync.Mutex
	queue  []string
	closed bool
	wake   chan struct{}
}

func newSpeaker(o *Orchestrator, r *response, gen uint64) *speaker {
	return &speaker{
		o:      o,
		resp:   r.id,
		ctx:    r.ctx,
		gen:    gen,
		turnID: r.turnID,
		wake:   make(chan struct{}, 1),
	}
}

// enqueue adds a sentence. It never blocks.
func (s *speaker) enqueue(text string) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, text)
	}
	s.mu.Unlock()
	s.signal()
}

// close marks the end of the response text.
func (s *speaker) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *speaker) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *speaker) next() (text string, ok, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", false, s.closed
	}
	text = s.queue[0]
	s.queue = s.queue[1:]
	return text, true, s.closed
}

func (s *speaker) run() {
	active := false
	for {
		text, ok, closed := s.next()
		if !ok {
			if active || closed {
				if err := s.o.bus.AwaitDrained(s.ctx, s.gen); err != nil {
					return
				}
			}
			if closed {
				s.post(workerMsg{kind: msgSpeakerDone})
				return
			}
			if active {
				active = false
				s.post(workerMsg{kind: msgSpeakerIdle})
			}
			select {
			case <-s.ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}
		if !s.say(text, &active) {
			return
		}
	}
}

// say synthesizes one sentence. It returns false when the response is over.
func (s *speaker) say(text string, active *bool) bool {
	if s.ctx.Err() != nil {
		return false
	}
	chunks, err := s.o.tts.Synthesize(s.ctx, text)
	if err != nil {
		if s.ctx.Err() != nil {
			return false
		}
		s.post(workerMsg{kind: msgSpeakerError, err: err})
		return false
	}
	for c := range chunks {
		if c.Err != nil {
			s.post(workerMsg{kind: msgSpeakerError, err: c.Err, midStream: true})
			continue
		}
		if err := s.o.bus.PushOutbound(s.ctx, s.gen, s.turnID, c.Audio); err != nil {
			return false
		}
		if !*active {
			*active = true
			s.post(workerMsg{kind: msgAudioStarted, at: time.Now()})
		}
	}
	return s.ctx.Err() == nil
}

func (s *speaker) post(m workerMsg) {
	m.resp = s.resp
	s.o.post(m)
}
