// Package mock provides a scripted STT provider for running without cloud
// credentials. It listens to the energy of the audio it is fed: sustained
// speech produces progressive partials, and a run of silence after speech
// produces exactly one final followed by end of utterance.
package mock

import (
	"context"
	"sync"
	"time"

	"ai-voice-orchestrator-service/internal/service/audio"
	"ai-voice-orchestrator-service/internal/service/stt"
)

// SimulatedUtterance represents a mock utterance with progressive transcripts.
type SimulatedUtterance struct {
	Partials   []string // Progressive partial transcripts
	Final      string   // Final transcript text
	Confidence float64  // Confidence score for final
}

// DefaultUtterances provides sample caller utterances for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{
		Partials:   []string{"What's my", "What's my account", "What's my account balance"},
		Final:      "What's my account balance",
		Confidence: 0.94,
	},
	{
		Partials:   []string{"Yes", "Yes please"},
		Final:      "Yes please go ahead",
		Confidence: 0.97,
	},
	{
		Partials:   []string{"Can you", "Can you transfer", "Can you transfer me to"},
		Final:      "Can you transfer me to billing",
		Confidence: 0.91,
	},
	{
		Partials:   []string{"I've been", "I've been waiting", "I've been waiting for"},
		Final:      "I've been waiting for over an hour",
		Confidence: 0.89,
	},
	{
		Partials:   []string{"Thank you"},
		Final:      "Thank you very much",
		Confidence: 0.98,
	},
}

// Config tunes the simulation.
type Config struct {
	Utterances       []SimulatedUtterance
	Encoding         audio.Encoding
	SpeechLevel      float64       // frame level counted as speech
	FramesPerPartial int           // speech frames between partials
	SilenceFrames    int           // silent frames that end an utterance
	Latency          time.Duration // simulated recognition delay
}

// DefaultConfig returns a configuration tuned for 20ms frames.
func DefaultConfig() Config {
	return Config{
		Utterances:       DefaultUtterances,
		Encoding:         audio.EncodingPCM16,
		SpeechLevel:      0.3,
		FramesPerPartial: 5,
		SilenceFrames:    10,
		Latency:          50 * time.Millisecond,
	}
}

// Provider hands out mock adapters. Each new adapter starts at the next
// scripted utterance so consecutive calls hear different callers.
type Provider struct {
	cfg  Config
	mu   sync.Mutex
	next int
}

// NewProvider creates a mock provider.
func NewProvider(cfg Config) *Provider {
	if len(cfg.Utterances) == 0 {
		cfg.Utterances = DefaultUtterances
	}
	if cfg.FramesPerPartial <= 0 {
		cfg.FramesPerPartial = 1
	}
	if cfg.SilenceFrames <= 0 {
		cfg.SilenceFrames = 1
	}
	return &Provider{cfg: cfg}
}

func (p *Provider) Name() string { return "mock" }

func (p *Provider) NewAdapter(ctx context.Context, callID string) (stt.Adapter, error) {
	p.mu.Lock()
	start := p.next
	p.next++
	p.mu.Unlock()
	return newAdapter(p.cfg, start), nil
}

// Adapter implements stt.Adapter with scripted responses.
type Adapter struct {
	cfg Config
	cb  stt.Callback

	mu            sync.Mutex
	index         int // current utterance
	partialIndex  int // next partial to send
	speechFrames  int
	silenceFrames int
	inSpeech      bool
	closed        bool
	deliveries    chan func(stt.Callback)
}

// New creates a standalone mock adapter with the default configuration.
func New() *Adapter {
	return newAdapter(NewProvider(DefaultConfig()).cfg, 0)
}

func newAdapter(cfg Config, start int) *Adapter {
	return &Adapter{
		cfg:        cfg,
		index:      start % len(cfg.Utterances),
		deliveries: make(chan func(stt.Callback), 64),
	}
}

// Start begins a mock transcription session.
func (a *Adapter) Start(ctx context.Context, cb stt.Callback) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cb != nil {
		return nil
	}
	a.cb = cb
	go a.deliver(cb)
	return nil
}

// deliver runs callbacks in order, each after the simulated latency.
func (a *Adapter) deliver(cb stt.Callback) {
	for fn := range a.deliveries {
		if a.cfg.Latency > 0 {
			time.Sleep(a.cfg.Latency)
		}
		a.mu.Lock()
		closed := a.closed
		a.mu.Unlock()
		if closed {
			continue
		}
		fn(cb)
	}
}

// SendAudio scores the frame and advances the script.
func (a *Adapter) SendAudio(ctx context.Context, payload []byte) error {
	level := audio.Level(audio.Samples(payload, a.cfg.Encoding))

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || a.cb == nil {
		return nil
	}

	utt := a.cfg.Utterances[a.index]

	if level >= a.cfg.SpeechLevel {
		a.inSpeech = true
		a.silenceFrames = 0
		a.speechFrames++
		if a.speechFrames%a.cfg.FramesPerPartial == 0 && a.partialIndex < len(utt.Partials) {
			text := utt.Partials[a.partialIndex]
			conf := utt.Confidence * float64(a.partialIndex+1) / float64(len(utt.Partials)+1)
			a.partialIndex++
			a.enqueueLocked(func(cb stt.Callback) { cb.OnPartial(text, conf) })
		}
		return nil
	}

	if !a.inSpeech {
		return nil
	}
	a.silenceFrames++
	if a.silenceFrames < a.cfg.SilenceFrames {
		return nil
	}

	a.enqueueLocked(func(cb stt.Callback) {
		cb.OnFinal(utt.Final, utt.Confidence)
		cb.OnEndOfUtterance()
	})
	a.index = (a.index + 1) % len(a.cfg.Utterances)
	a.partialIndex = 0
	a.speechFrames = 0
	a.silenceFrames = 0
	a.inSpeech = false
	return nil
}

func (a *Adapter) enqueueLocked(fn func(stt.Callback)) {
	select {
	case a.deliveries <- fn:
	default:
	}
}

// Close ends the mock session. Pending results are discarded. Idempotent.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	close(a.deliveries)
	return nil
}
