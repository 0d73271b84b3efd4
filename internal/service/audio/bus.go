package audio

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Errors returned by the bus.
var (
	ErrBusClosed       = errors.New("audio bus is closed")
	ErrInboundOverflow = errors.New("inbound buffer full, frame dropped")
	ErrStaleGeneration = errors.New("outbound generation was flushed")
	ErrWrongDirection  = errors.New("frame direction does not match")
)

// maxPendingGaps bounds the gaps held back while the events channel is full.
const maxPendingGaps = 32

// EventKind distinguishes bus events delivered to the call task.
type EventKind int

const (
	// EventFrame carries an inbound frame with its voice-activity score.
	EventFrame EventKind = iota
	// EventGap reports missing or out-of-order inbound frames.
	EventGap
)

// Gap describes a sequence discontinuity. Frames are never renumbered;
// the gap is reported and the stream continues from the received number.
type Gap struct {
	Direction Direction
	Expected  uint64
	Got       uint64
	Missing   uint64
	Reordered bool
	At        time.Time
}

// Event is delivered on Bus.Events.
type Event struct {
	Kind       EventKind
	Frame      Frame
	Level      float64
	Confidence float64
	Speech     bool
	Gap        Gap
}

// BusConfig configures a Bus.
type BusConfig struct {
	Encoding        Encoding
	InboundBuffer   int
	OutboundQueue   int
	VADWindow       int
	SpeechThreshold float64
}

// DefaultBusConfig returns sensible defaults for 20ms PCM16 frames.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		Encoding:        EncodingPCM16,
		InboundBuffer:   256,
		OutboundQueue:   50,
		VADWindow:       5,
		SpeechThreshold: 0.3,
	}
}

// Stats holds bus counters.
type Stats struct {
	InboundFrames  uint64
	InboundDropped uint64
	Gaps           uint64
	GapsMerged     uint64
	OutboundFrames uint64
	Flushed        uint64
}

// Bus is the per-call audio frame bus.
//
// Inbound: PushInbound is called by the transport; frames are checked for
// sequence gaps, scored by the VAD and delivered on Events without blocking.
// A gap that finds the channel full is held and delivered ahead of the next
// frame, so gaps are never lost to overflow.
//
// Outbound: the call task pushes synthesized payloads tagged with the current
// generation; the transport pulls frames in order. FlushOutbound discards
// everything queued and bumps the generation so that late pushes from a
// cancelled synthesis are rejected.
type Bus struct {
	callID string
	cfg    BusConfig
	vad    *VAD
	events chan Event

	mu        sync.Mutex
	closed    bool
	haveIn    bool
	lastInSeq uint64
	queue     []Frame
	gen       uint64
	outSeq    uint64
	changed   chan struct{}
	stats     Stats

	// Detected gaps not yet delivered on events.
	pendingGaps []Gap
}

// NewBus creates a bus for one call.
func NewBus(callID string, cfg BusConfig) *Bus {
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = 256
	}
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = 50
	}
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingPCM16
	}
	return &Bus{
		callID:  callID,
		cfg:     cfg,
		vad:     NewVAD(cfg.VADWindow, cfg.Encoding),
		events:  make(chan Event, cfg.InboundBuffer),
		changed: make(chan struct{}),
	}
}

// Events returns the channel of inbound events. It is closed by Close.
func (b *Bus) Events() <-chan Event {
	return b.events
}

// PushInbound accepts a frame from the transport.
func (b *Bus) PushInbound(f Frame) error {
	if f.Direction != Inbound {
		return ErrWrongDirection
	}
	// Transport clocks may drift from ours; only local time orders turns.
	if f.SentAt.IsZero() {
		f.SentAt = f.At
	}
	f.At = time.Now()
	f.CallID = b.callID

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	if b.haveIn {
		expected := b.lastInSeq + 1
		switch {
		case f.Seq < expected:
			b.stats.Gaps++
			b.addGapLocked(Gap{Direction: Inbound, Expected: expected, Got: f.Seq, Reordered: true, At: f.At})
			b.flushGapsLocked()
			// Late or duplicate audio is useless to the recognizer.
			return nil
		case f.Seq > expected:
			b.stats.Gaps++
			b.addGapLocked(Gap{Direction: Inbound, Expected: expected, Got: f.Seq, Missing: f.Seq - expected, At: f.At})
		}
	}
	b.haveIn = true
	b.lastInSeq = f.Seq

	level, conf := b.vad.Process(f.Payload)
	ev := Event{
		Kind:       EventFrame,
		Frame:      f,
		Level:      level,
		Confidence: conf,
		Speech:     conf >= b.cfg.SpeechThreshold,
	}
	if !b.flushGapsLocked() || !b.emitLocked(ev) {
		b.stats.InboundDropped++
		return ErrInboundOverflow
	}
	b.stats.InboundFrames++
	return nil
}

// addGapLocked queues a gap for delivery. Past maxPendingGaps, new gaps are
// merged into the newest pending one so their missing count is kept.
func (b *Bus) addGapLocked(g Gap) {
	if n := len(b.pendingGaps); n >= maxPendingGaps {
		last := &b.pendingGaps[n-1]
		last.Got = g.Got
		last.Missing += g.Missing
		last.Reordered = last.Reordered || g.Reordered
		last.At = g.At
		b.stats.GapsMerged++
		return
	}
	b.pendingGaps = append(b.pendingGaps, g)
}

// flushGapsLocked delivers pending gaps in order. It reports false while
// any gap is still waiting for room on the events channel.
func (b *Bus) flushGapsLocked() bool {
	for len(b.pendingGaps) > 0 {
		if !b.emitLocked(Event{Kind: EventGap, Gap: b.pendingGaps[0]}) {
			return false
		}
		b.pendingGaps = b.pendingGaps[1:]
	}
	b.pendingGaps = nil
	return true
}

func (b *Bus) emitLocked(ev Event) bool {
	select {
	case b.events <- ev:
		return true
	default:
		return false
	}
}

// Generation returns the current outbound generation.
func (b *Bus) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gen
}

// PushOutbound queues a payload for playback. It blocks while the queue is
// full and fails with ErrStaleGeneration once gen has been flushed.
func (b *Bus) PushOutbound(ctx context.Context, gen uint64, turnID string, payload []byte) error {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return ErrBusClosed
		}
		if gen != b.gen {
			b.mu.Unlock()
			return ErrStaleGeneration
		}
		if len(b.queue) < b.cfg.OutboundQueue {
			b.queue = append(b.queue, Frame{
				CallID:    b.callID,
				Direction: Outbound,
				Payload:   payload,
				TurnID:    turnID,
			})
			b.signalLocked()
			b.mu.Unlock()
			return nil
		}
		ch := b.changed
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// PullOutbound blocks until a frame is available for playback.
// Sequence numbers are assigned here so the played stream is gapless.
func (b *Bus) PullOutbound(ctx context.Context) (Frame, error) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			f := b.queue[0]
			b.queue[0] = Frame{}
			b.queue = b.queue[1:]
			b.outSeq++
			f.Seq = b.outSeq
			f.At = time.Now()
			b.stats.OutboundFrames++
			b.signalLocked()
			b.mu.Unlock()
			return f, nil
		}
		if b.closed {
			b.mu.Unlock()
			return Frame{}, ErrBusClosed
		}
		ch := b.changed
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-ch:
		}
	}
}

// FlushOutbound discards all queued frames and starts a new generation.
// It returns the new generation and the number of frames discarded.
func (b *Bus) FlushOutbound() (uint64, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := len(b.queue)
	b.queue = nil
	b.gen++
	b.stats.Flushed += uint64(dropped)
	b.signalLocked()
	return b.gen, dropped
}

// AwaitDrained blocks until every frame of gen has been pulled.
func (b *Bus) AwaitDrained(ctx context.Context, gen uint64) error {
	for {
		b.mu.Lock()
		if gen != b.gen {
			b.mu.Unlock()
			return ErrStaleGeneration
		}
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return nil
		}
		if b.closed {
			b.mu.Unlock()
			return ErrBusClosed
		}
		ch := b.changed
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// QueuedOutbound returns the number of frames waiting for playback.
func (b *Bus) QueuedOutbound() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Stats returns a copy of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Close stops the bus. Queued outbound frames remain pullable until drained;
// further pushes fail. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.events)
	b.signalLocked()
}

func (b *Bus) signalLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}
