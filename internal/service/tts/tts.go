// Package tts defines the capability interface for streaming text-to-speech
// providers and the per-call synthesis adapter built on it.
package tts

import "context"

// Chunk is a piece of synthesized audio, or the error that ended synthesis.
type Chunk struct {
	Audio []byte
	Err   error
}

// Stream is one provider synthesis session for a call.
type Stream interface {
	// Synthesize streams encoded audio for text. The channel is closed when
	// synthesis completes, fails, or is stopped.
	Synthesize(ctx context.Context, text string) (<-chan Chunk, error)

	// Stop cancels in-flight synthesis.
	Stop()

	// Close ends the session and releases resources.
	Close() error
}

// Provider opens synthesis sessions. Providers are shared by every call and
// must be safe for concurrent use.
type Provider interface {
	Name() string
	NewStream(ctx context.Context, callID string) (Stream, error)
}
