// Package fault defines the error taxonomy shared by the call pipeline.
//
// Adapter failures (transcription, generation, synthesis) are classified as
// transient or fatal. Transient errors are retried with backoff and escalated
// once the retry budget is spent; fatal errors fail the call immediately.
// Tool and audio-quality errors never fail a call.
package fault

import (
	"errors"
	"fmt"
)

// Stage identifies the pipeline stage that produced an error.
type Stage string

const (
	StageTranscription Stage = "transcription"
	StageGeneration    Stage = "generation"
	StageSynthesis     Stage = "synthesis"
	StageTool          Stage = "tool"
	StageTransport     Stage = "transport"
)

// Kind classifies an adapter error.
type Kind int

const (
	// KindTransient covers network blips, rate limits and other retryable failures.
	KindTransient Kind = iota
	// KindFatal covers failures that retrying cannot fix (bad credentials, bad config).
	KindFatal
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// Sentinel errors.
var (
	ErrToolTimeout    = errors.New("tool call timed out")
	ErrToolExecution  = errors.New("tool execution failed")
	ErrStateViolation = errors.New("state machine violation")
	ErrSequenceGap    = errors.New("audio sequence gap")
)

// AdapterError wraps an error raised by an external capability adapter.
type AdapterError struct {
	Stage Stage
	Kind  Kind
	Err   error
}

// Error implements the error interface.
func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s adapter (%s): %v", e.Stage, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *AdapterError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable adapter error.
func Transient(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &AdapterError{Stage: stage, Kind: KindTransient, Err: err}
}

// Fatal wraps err as a non-retryable adapter error.
func Fatal(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &AdapterError{Stage: stage, Kind: KindFatal, Err: err}
}

// IsFatal reports whether err is a fatal adapter error.
func IsFatal(err error) bool {
	var ae *AdapterError
	return errors.As(err, &ae) && ae.Kind == KindFatal
}

// IsTransient reports whether err should be retried.
// Unclassified errors are treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsFatal(err)
}

// StageOf returns the stage recorded on err, or "" if err is not an AdapterError.
func StageOf(err error) Stage {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Stage
	}
	return ""
}
