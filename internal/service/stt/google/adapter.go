// Package google provides a Google Cloud Speech-to-Text adapter.
package google

import (
	"context"
	"errors"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"ai-voice-orchestrator-service/internal/service/fault"
	"ai-voice-orchestrator-service/internal/service/stt"
)

// Config holds recognition settings sent with every stream.
type Config struct {
	LanguageCode   string
	SampleRateHz   int32
	InterimResults bool
	AudioEncoding  string // LINEAR16, MULAW, ...
}

// DefaultConfig returns settings for 8kHz linear telephony audio.
func DefaultConfig() Config {
	return Config{
		LanguageCode:   "en-US",
		SampleRateHz:   8000,
		InterimResults: true,
		AudioEncoding:  "LINEAR16",
	}
}

func parseAudioEncoding(s string) speechpb.RecognitionConfig_AudioEncoding {
	if v, ok := speechpb.RecognitionConfig_AudioEncoding_value[s]; ok && v != 0 {
		return speechpb.RecognitionConfig_AudioEncoding(v)
	}
	return speechpb.RecognitionConfig_LINEAR16
}

// Provider shares one Speech client across calls.
type Provider struct {
	client *speech.Client
	cfg    Config
}

// NewProvider dials Google Speech-to-Text.
// Requires GOOGLE_APPLICATION_CREDENTIALS environment variable to be set.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &Provider{client: c, cfg: cfg}, nil
}

func (p *Provider) Name() string { return "google" }

// NewAdapter returns an adapter for one call. The stream opens on Start.
func (p *Provider) NewAdapter(ctx context.Context, callID string) (stt.Adapter, error) {
	return &Adapter{client: p.client, cfg: p.cfg}, nil
}

// Close releases the shared client.
func (p *Provider) Close() error {
	return p.client.Close()
}

// Adapter implements stt.Adapter using Google Cloud Speech-to-Text.
type Adapter struct {
	client *speech.Client
	cfg    Config

	mu     sync.Mutex
	stream speechpb.Speech_StreamingRecognizeClient
	cb     stt.Callback
	closed bool
}

// Start opens a streaming recognition session, sends the initial config and
// starts listening for responses.
func (a *Adapter) Start(ctx context.Context, cb stt.Callback) error {
	stream, err := a.client.StreamingRecognize(ctx)
	if err != nil {
		return classify(err)
	}

	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        parseAudioEncoding(a.cfg.AudioEncoding),
					SampleRateHertz: a.cfg.SampleRateHz,
					LanguageCode:    a.cfg.LanguageCode,
				},
				InterimResults: a.cfg.InterimResults,
			},
		},
	})
	if err != nil {
		return classify(err)
	}

	a.mu.Lock()
	a.stream = stream
	a.cb = cb
	a.mu.Unlock()

	go a.listen(stream, cb)
	return nil
}

// SendAudio sends audio bytes to Google Speech-to-Text.
func (a *Adapter) SendAudio(ctx context.Context, audio []byte) error {
	a.mu.Lock()
	stream := a.stream
	closed := a.closed
	a.mu.Unlock()
	if stream == nil || closed {
		return nil
	}
	err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	})
	return classify(err)
}

// Close ends the streaming session. Idempotent.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.stream != nil {
		return a.stream.CloseSend()
	}
	return nil
}

func (a *Adapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// listen receives transcript responses from Google and invokes callbacks.
func (a *Adapter) listen(stream speechpb.Speech_StreamingRecognizeClient, cb stt.Callback) {
	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || a.isClosed() {
				return
			}
			cb.OnError(classify(err))
			return
		}
		if resp.Error != nil {
			cb.OnError(classify(status.ErrorProto(resp.Error)))
			return
		}
		handleResponse(resp, cb)
	}
}

func handleResponse(resp *speechpb.StreamingRecognizeResponse, cb stt.Callback) {
	for _, r := range resp.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		if r.IsFinal {
			cb.OnFinal(alt.Transcript, float64(alt.Confidence))
			cb.OnEndOfUtterance()
		} else {
			cb.OnPartial(alt.Transcript, float64(r.Stability))
		}
	}
}

// classify maps gRPC status codes onto the transient/fatal taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated,
		codes.NotFound, codes.Unimplemented, codes.FailedPrecondition:
		return fault.Fatal(fault.StageTranscription, err)
	default:
		return fault.Transient(fault.StageTranscription, err)
	}
}
