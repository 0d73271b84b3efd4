// Package stt defines the capability interface for streaming speech-to-text
// providers. Concrete vendors live in subpackages.
package stt

import "context"

// Callback receives transcript results from the STT provider.
// Calls may arrive from provider goroutines.
type Callback interface {
	// OnPartial is called when an interim transcript is received.
	OnPartial(text string, confidence float64)

	// OnFinal is called when a final transcript is received.
	OnFinal(text string, confidence float64)

	// OnEndOfUtterance is called when the provider detects the speaker stopped.
	OnEndOfUtterance()

	// OnError is called when the stream fails. No further callbacks follow.
	OnError(err error)
}

// Adapter is one streaming recognition session.
type Adapter interface {
	// Start begins a streaming transcription session.
	Start(ctx context.Context, cb Callback) error

	// SendAudio sends audio bytes to the STT provider.
	SendAudio(ctx context.Context, audio []byte) error

	// Close ends the session and releases resources.
	Close() error
}

// Provider opens sessions. Providers are shared by every call and must be
// safe for concurrent use.
type Provider interface {
	Name() string
	NewAdapter(ctx context.Context, callID string) (Adapter, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc struct {
	ProviderName string
	Open         func(ctx context.Context, callID string) (Adapter, error)
}

func (p ProviderFunc) Name() string { return p.ProviderName }

func (p ProviderFunc) NewAdapter(ctx context.Context, callID string) (Adapter, error) {
	return p.Open(ctx, callID)
}
