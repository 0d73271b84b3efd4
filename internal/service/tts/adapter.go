package tts

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-voice-orchestrator-service/internal/observability/logging"
	"ai-voice-orchestrator-service/internal/observability/metrics"
	"ai-voice-orchestrator-service/internal/service/audio"
	"ai-voice-orchestrator-service/internal/service/fault"
)

var ErrClosed = errors.New("synthesis adapter is closed")

// Config configures an Adapter.
type Config struct {
	Retry          fault.Policy
	Encoding       audio.Encoding
	FrameBytes     int           // payload size of one outbound frame
	CleanupTimeout time.Duration // bound on Stop
	Metrics        *metrics.Metrics
}

// DefaultConfig returns settings for 20ms PCM16 frames at 8kHz.
func DefaultConfig() Config {
	return Config{
		Retry:          fault.Policy{Retries: 2, Delay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
		Encoding:       audio.EncodingPCM16,
		FrameBytes:     audio.FrameBytes(audio.EncodingPCM16, 8000, 20*time.Millisecond),
		CleanupTimeout: 50 * time.Millisecond,
		Metrics:        metrics.DefaultMetrics,
	}
}

// Adapter is the synthesis stream of one call. Provider output is re-sliced
// into frame-sized payloads. One synthesis runs at a time; Stop cancels it.
type Adapter struct {
	provider Provider
	callID   string
	cfg      Config
	logger   zerolog.Logger

	mu     sync.Mutex
	stream Stream
	cancel context.CancelFunc
	active chan struct{}
	closed bool
}

// Open starts a synthesis session for callID, retrying per cfg.Retry.
func Open(ctx context.Context, provider Provider, callID string, cfg Config) (*Adapter, error) {
	if cfg.FrameBytes <= 0 {
		cfg.FrameBytes = DefaultConfig().FrameBytes
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 50 * time.Millisecond
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.DefaultMetrics
	}
	a := &Adapter{
		provider: provider,
		callID:   callID,
		cfg:      cfg,
		logger:   logging.WithComponent("tts").With().Str("callId", callID).Str("ttsProvider", provider.Name()).Logger(),
	}

	s, err := fault.Retry(ctx, cfg.Retry, fault.StageSynthesis, func() (Stream, error) {
		return provider.NewStream(ctx, callID)
	}, a.notify)
	if err != nil {
		return nil, err
	}
	a.stream = s
	return a, nil
}

func (a *Adapter) notify(err error, next time.Duration) {
	a.cfg.Metrics.RecordAdapterRetry(string(fault.StageSynthesis))
	a.logger.Warn().Err(err).Dur("backoff", next).Msg("Retrying synthesis")
}

// Synthesize streams frame-sized payloads for text. Starting synthesis is
// retried; an error after audio has been produced is delivered as the last
// chunk. The returned channel is closed when synthesis ends.
func (a *Adapter) Synthesize(ctx context.Context, text string) (<-chan Chunk, error) {
	a.Stop()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrClosed
	}
	sctx, cancel := context.WithCancel(ctx)
	active := make(chan struct{})
	a.cancel = cancel
	a.active = active
	stream := a.stream
	a.mu.Unlock()

	src, err := fault.Retry(sctx, a.cfg.Retry, fault.StageSynthesis, func() (<-chan Chunk, error) {
		return stream.Synthesize(sctx, text)
	}, a.notify)
	if err != nil {
		cancel()
		close(active)
		return nil, err
	}

	out := make(chan Chunk)
	go a.forward(sctx, src, out, active)
	return out, nil
}

func (a *Adapter) forward(ctx context.Context, src <-chan Chunk, out chan<- Chunk, active chan struct{}) {
	defer close(active)
	defer close(out)

	framer := audio.NewFramer(a.cfg.FrameBytes, a.cfg.Encoding)
	send := func(c Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-src:
			if !ok {
				if rest := framer.Flush(); rest != nil {
					send(Chunk{Audio: rest})
				}
				return
			}
			if c.Err != nil {
				err := c.Err
				if fault.StageOf(err) == "" {
					err = fault.Transient(fault.StageSynthesis, err)
				}
				send(Chunk{Err: err})
				return
			}
			for _, f := range framer.Write(c.Audio) {
				if !send(Chunk{Audio: f}) {
					return
				}
			}
		}
	}
}

// Stop cancels in-flight synthesis and waits for it to wind down, at most
// CleanupTimeout.
func (a *Adapter) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	active := a.active
	stream := a.stream
	a.cancel = nil
	a.active = nil
	a.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if stream != nil {
		stream.Stop()
	}

	t := time.NewTimer(a.cfg.CleanupTimeout)
	defer t.Stop()
	select {
	case <-active:
	case <-t.C:
		a.logger.Warn().Dur("timeout", a.cfg.CleanupTimeout).Msg("Synthesis did not stop in time")
	}
}

// Close stops synthesis and closes the provider session. Idempotent.
func (a *Adapter) Close() error {
	a.Stop()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.stream.Close()
}
