// Package mock provides a paced TTS provider that renders text as a tone
// whose length follows the text length.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/zaf/g711"

	"ai-voice-orchestrator-service/internal/service/audio"
	"ai-voice-orchestrator-service/internal/service/tts"
)

// Config tunes the mock voice.
type Config struct {
	Encoding      audio.Encoding
	SampleRateHz  int
	PerChar       time.Duration // audio produced per character of text
	ChunkDuration time.Duration // audio per emitted chunk
	ChunkInterval time.Duration // wall time between chunks
	Amplitude     int16
}

func DefaultConfig() Config {
	return Config{
		Encoding:      audio.EncodingPCM16,
		SampleRateHz:  8000,
		PerChar:       10 * time.Millisecond,
		ChunkDuration: 40 * time.Millisecond,
		ChunkInterval: 5 * time.Millisecond,
		Amplitude:     3000,
	}
}

// Provider implements tts.Provider.
type Provider struct {
	cfg Config
}

func NewProvider(cfg Config) *Provider {
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = 8000
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = 40 * time.Millisecond
	}
	if cfg.Encoding == "" {
		cfg.Encoding = audio.EncodingPCM16
	}
	return &Provider{cfg: cfg}
}

func (p *Provider) Name() string { return "mock" }

func (p *Provider) NewStream(ctx context.Context, callID string) (tts.Stream, error) {
	return &Stream{cfg: p.cfg, stop: make(chan struct{})}, nil
}

// Stream implements tts.Stream.
type Stream struct {
	cfg Config

	mu     sync.Mutex
	stop   chan struct{}
	closed bool
}

// Samples returns the number of samples rendered for text.
func (s *Stream) Samples(text string) int {
	d := time.Duration(len(text)) * s.cfg.PerChar
	return int(int64(s.cfg.SampleRateHz) * int64(d) / int64(time.Second))
}

func (s *Stream) Synthesize(ctx context.Context, text string) (<-chan tts.Chunk, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, tts.ErrClosed
	}
	stop := s.stop
	s.mu.Unlock()

	total := s.Samples(text)
	perChunk := int(int64(s.cfg.SampleRateHz) * int64(s.cfg.ChunkDuration) / int64(time.Second))

	out := make(chan tts.Chunk)
	go func() {
		defer close(out)
		for done := 0; done < total; done += perChunk {
			n := perChunk
			if total-done < n {
				n = total - done
			}
			pcm := audio.Tone(n, s.cfg.Amplitude)
			if s.cfg.Encoding == audio.EncodingPCMU {
				pcm = g711.EncodeUlaw(pcm)
			}
			select {
			case out <- tts.Chunk{Audio: pcm}:
			case <-ctx.Done():
				return
			case <-stop:
				return
			}
			if s.cfg.ChunkInterval > 0 {
				select {
				case <-time.After(s.cfg.ChunkInterval):
				case <-ctx.Done():
					return
				case <-stop:
					return
				}
			}
		}
	}()
	return out, nil
}

// Stop ends any in-flight synthesis. Later calls to Synthesize work normally.
func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.stop)
	s.stop = make(chan struct{})
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stop)
	return nil
}
