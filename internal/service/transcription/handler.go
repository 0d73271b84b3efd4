// Package transcription wraps a streaming STT provider for one call.
//
// Frames are fed without blocking the call task; a dedicated goroutine
// forwards them to the provider. Transcript results are gated by the
// utterance lifecycle (partials while open, one final per utterance) and
// delivered as events. A failed stream drops the current utterance and is
// reopened with backoff; once the retry budget is spent an error event is
// delivered and the handler stops.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-voice-orchestrator-service/internal/observability/logging"
	"ai-voice-orchestrator-service/internal/observability/metrics"
	"ai-voice-orchestrator-service/internal/service/fault"
	"ai-voice-orchestrator-service/internal/service/stt"
	"ai-voice-orchestrator-service/internal/service/utterance"
)

var (
	ErrClosed       = errors.New("transcription handler is closed")
	ErrFeedOverflow = errors.New("transcription feed queue full, frame dropped")
)

// EventKind distinguishes transcription events.
type EventKind int

const (
	EventPartial EventKind = iota
	EventFinal
	EventEndOfUtterance
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventEndOfUtterance:
		return "end_of_utterance"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", k)
	}
}

// Event is delivered on Handler.Events.
type Event struct {
	Kind        EventKind
	UtteranceID string
	Text        string
	Confidence  float64
	At          time.Time
	Err         error
}

// Limits defines guardrails for a single utterance.
type Limits struct {
	MaxAudioBytes int64         // Max audio fed per utterance
	MaxDuration   time.Duration // Max utterance duration
	MaxPartials   int           // Max partial transcripts per utterance
}

// DefaultLimits returns sensible default limits.
func DefaultLimits() Limits {
	return Limits{
		MaxAudioBytes: 5 * 1024 * 1024, // ~5 minutes at 8kHz 16-bit mono
		MaxDuration:   5 * time.Minute,
		MaxPartials:   500,
	}
}

// Config configures a Handler.
type Config struct {
	Retry       fault.Policy
	FeedQueue   int
	EventQueue  int
	SendTimeout time.Duration
	Limits      Limits
	Metrics     *metrics.Metrics
}

// DefaultConfig returns the defaults used by the call manager.
func DefaultConfig() Config {
	return Config{
		Retry:       fault.Policy{Retries: 2, Delay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
		FeedQueue:   128,
		EventQueue:  64,
		SendTimeout: 2 * time.Second,
		Limits:      DefaultLimits(),
		Metrics:     metrics.DefaultMetrics,
	}
}

// Handler is the transcription stream of one call.
type Handler struct {
	provider stt.Provider
	callID   string
	cfg      Config
	logger   zerolog.Logger

	ids       *utterance.IDGenerator
	lifecycle *utterance.Lifecycle

	feed    chan []byte
	events  chan Event
	restart chan error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu             sync.Mutex
	adapter        stt.Adapter
	epoch          uint64
	closed         bool
	started        time.Time
	audioBytes     int64
	utteranceCount int
}

// Start opens the provider stream for callID and starts forwarding frames.
// Opening is retried per cfg.Retry.
func Start(ctx context.Context, provider stt.Provider, callID string, cfg Config) (*Handler, error) {
	if cfg.FeedQueue <= 0 {
		cfg.FeedQueue = 128
	}
	if cfg.EventQueue <= 0 {
		cfg.EventQueue = 64
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.DefaultMetrics
	}

	ids := utterance.NewIDGenerator()
	hctx, cancel := context.WithCancel(ctx)
	h := &Handler{
		provider:  provider,
		callID:    callID,
		cfg:       cfg,
		ids:       ids,
		lifecycle: utterance.NewLifecycle(ids.Next(callID)),
		feed:      make(chan []byte, cfg.FeedQueue),
		events:    make(chan Event, cfg.EventQueue),
		restart:   make(chan error, 1),
		ctx:       hctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		started:   time.Now(),
	}
	h.logger = logging.WithStream(callID, h.lifecycle.ID(), provider.Name())

	if err := h.open(); err != nil {
		cancel()
		close(h.done)
		return nil, err
	}

	go h.run()
	return h, nil
}

// Events returns the transcript event channel. It is never closed; stop
// reading once Close returns.
func (h *Handler) Events() <-chan Event {
	return h.events
}

// Feed queues one frame payload for the provider without blocking.
func (h *Handler) Feed(payload []byte) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case h.feed <- payload:
		return nil
	default:
		return ErrFeedOverflow
	}
}

// UtteranceID returns the id of the current utterance.
func (h *Handler) UtteranceID() string {
	return h.lifecycle.ID()
}

// State returns the lifecycle state of the current utterance.
func (h *Handler) State() utterance.State {
	return h.lifecycle.State()
}

// UtteranceCount returns the number of completed utterances.
func (h *Handler) UtteranceCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.utteranceCount
}

// Close stops forwarding and closes the provider stream. Idempotent.
func (h *Handler) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		<-h.done
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	<-h.done

	h.lifecycle.Close()

	h.mu.Lock()
	a := h.adapter
	h.adapter = nil
	h.epoch++
	h.mu.Unlock()
	if a != nil {
		return a.Close()
	}
	return nil
}

func (h *Handler) run() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			return
		case cause := <-h.restart:
			if !h.reopen(cause) {
				return
			}
		case payload := <-h.feed:
			if err := h.send(payload); err != nil {
				if fault.IsFatal(err) {
					h.escalate(err)
					return
				}
				if !h.reopen(err) {
					return
				}
			}
		}
	}
}

func (h *Handler) send(payload []byte) error {
	h.mu.Lock()
	h.audioBytes += int64(len(payload))
	bytes := h.audioBytes
	started := h.started
	a := h.adapter
	h.mu.Unlock()

	if l := h.cfg.Limits; l.MaxAudioBytes > 0 && bytes > l.MaxAudioBytes {
		h.DropUtterance(fmt.Sprintf("max audio bytes exceeded: %d > %d", bytes, l.MaxAudioBytes))
		return nil
	}
	if l := h.cfg.Limits; l.MaxDuration > 0 && time.Since(started) > l.MaxDuration {
		h.DropUtterance(fmt.Sprintf("max duration exceeded: %v > %v", time.Since(started), l.MaxDuration))
		return nil
	}
	if a == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.SendTimeout)
	defer cancel()
	return a.SendAudio(ctx, payload)
}

// open starts a new provider stream with retries.
func (h *Handler) open() error {
	_, err := fault.Retry(h.ctx, h.cfg.Retry, fault.StageTranscription, func() (stt.Adapter, error) {
		a, err := h.provider.NewAdapter(h.ctx, h.callID)
		if err != nil {
			return nil, err
		}

		h.mu.Lock()
		h.epoch++
		cb := &streamCallback{h: h, epoch: h.epoch}
		h.mu.Unlock()

		if err := a.Start(h.ctx, cb); err != nil {
			a.Close()
			return nil, err
		}

		h.mu.Lock()
		h.adapter = a
		h.mu.Unlock()
		return a, nil
	}, func(err error, next time.Duration) {
		h.cfg.Metrics.RecordAdapterRetry(string(fault.StageTranscription))
		h.logger.Warn().Err(err).Dur("backoff", next).Msg("Retrying transcription stream")
	})
	return err
}

// reopen replaces a failed stream. It reports false when the handler must stop.
func (h *Handler) reopen(cause error) bool {
	if h.ctx.Err() != nil {
		return false
	}
	h.DropUtterance("stream error")
	h.cfg.Metrics.RecordAdapterRetry(string(fault.StageTranscription))

	h.mu.Lock()
	old := h.adapter
	h.adapter = nil
	h.epoch++
	h.mu.Unlock()
	if old != nil {
		old.Close()
	}

	h.logger.Warn().Err(cause).Msg("Transcription stream failed, reopening")

	h.lifecycle.Reset(h.ids.Next(h.callID))
	h.resetUtterance()

	if err := h.open(); err != nil {
		if h.ctx.Err() != nil {
			return false
		}
		h.escalate(err)
		return false
	}
	return true
}

func (h *Handler) escalate(err error) {
	kind := fault.KindTransient
	if fault.IsFatal(err) {
		kind = fault.KindFatal
	}
	h.cfg.Metrics.RecordAdapterFailure(string(fault.StageTranscription), kind.String())
	h.logger.Error().Err(err).Msg("Transcription stream failed permanently")
	h.emit(Event{Kind: EventError, UtteranceID: h.lifecycle.ID(), Err: err, At: time.Now()})
}

func (h *Handler) emit(ev Event) {
	select {
	case h.events <- ev:
	case <-h.ctx.Done():
	}
}

func (h *Handler) current(epoch uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed && epoch == h.epoch
}

func (h *Handler) resetUtterance() {
	h.mu.Lock()
	h.audioBytes = 0
	h.started = time.Now()
	h.mu.Unlock()
}

// DropUtterance abandons the current utterance without a final.
// Returns true if the utterance was dropped, false if already terminal.
func (h *Handler) DropUtterance(reason string) bool {
	id := h.lifecycle.ID()
	old := h.lifecycle.State()
	dropped := h.lifecycle.Drop()
	if dropped {
		h.cfg.Metrics.RecordUtteranceDropped(reason)
	}
	h.logger.Warn().
		Str("utteranceId", id).
		Str("previousState", old.String()).
		Str("reason", reason).
		Bool("dropped", dropped).
		Msg("Utterance dropped")
	return dropped
}

// streamCallback receives results from one provider stream. Results from a
// stream that has since been replaced are ignored.
type streamCallback struct {
	h     *Handler
	epoch uint64
}

func (c *streamCallback) OnPartial(text string, confidence float64) {
	h := c.h
	if !h.current(c.epoch) {
		return
	}
	if err := h.lifecycle.EmitPartial(); err != nil {
		h.logger.Debug().Err(err).Str("state", h.lifecycle.State().String()).Msg("Partial ignored")
		return
	}
	if limit := h.cfg.Limits.MaxPartials; limit > 0 && h.lifecycle.Partials() > limit {
		h.DropUtterance(fmt.Sprintf("max partials exceeded: %d > %d", h.lifecycle.Partials(), limit))
		return
	}
	h.cfg.Metrics.RecordPartialTranscript()
	h.emit(Event{Kind: EventPartial, UtteranceID: h.lifecycle.ID(), Text: text, Confidence: confidence, At: time.Now()})
}

func (c *streamCallback) OnFinal(text string, confidence float64) {
	h := c.h
	if !h.current(c.epoch) {
		return
	}
	if err := h.lifecycle.EmitFinal(); err != nil {
		h.logger.Debug().Err(err).Str("state", h.lifecycle.State().String()).Msg("Final ignored")
		return
	}
	h.cfg.Metrics.RecordFinalTranscript()
	h.emit(Event{Kind: EventFinal, UtteranceID: h.lifecycle.ID(), Text: text, Confidence: confidence, At: time.Now()})
}

func (c *streamCallback) OnEndOfUtterance() {
	h := c.h
	if !h.current(c.epoch) {
		return
	}
	old := h.lifecycle.ID()
	h.lifecycle.Close()

	h.mu.Lock()
	h.utteranceCount++
	count := h.utteranceCount
	h.mu.Unlock()

	next := h.ids.Next(h.callID)
	h.lifecycle.Reset(next)
	h.resetUtterance()

	h.logger.Debug().
		Str("utteranceId", old).
		Str("nextUtteranceId", next).
		Int("utterance", count).
		Msg("End of utterance")
	h.emit(Event{Kind: EventEndOfUtterance, UtteranceID: old, At: time.Now()})
}

func (c *streamCallback) OnError(err error) {
	h := c.h
	if !h.current(c.epoch) {
		return
	}
	select {
	case h.restart <- err:
	default:
	}
}
