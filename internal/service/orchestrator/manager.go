package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-voice-orchestrator-service/internal/observability/logging"
	"ai-voice-orchestrator-service/internal/observability/metrics"
	"ai-voice-orchestrator-service/internal/service/audio"
	"ai-voice-orchestrator-service/internal/service/conversation"
	"ai-voice-orchestrator-service/internal/service/llm"
	"ai-voice-orchestrator-service/internal/service/stt"
	"ai-voice-orchestrator-service/internal/service/tools"
	"ai-voice-orchestrator-service/internal/service/transcription"
	"ai-voice-orchestrator-service/internal/service/tts"
)

var (
	ErrDuplicateCall = errors.New("call already active")
	ErrUnknownCall   = errors.New("unknown call")
	ErrShuttingDown  = errors.New("call manager is shutting down")
	ErrTooManyCalls  = errors.New("too many active calls")
)

// Deps are the shared collaborators of every call.
type Deps struct {
	Agents    AgentStore
	Models    *llm.Registry
	STT       stt.Provider
	TTS       tts.Provider
	Tools     *tools.Dispatcher
	Transport Transport
	Recorder  TurnRecorder
	Events    Events
	Metrics   *metrics.Metrics
}

// Config tunes the call manager.
type Config struct {
	Encoding          audio.Encoding
	InboundBuffer     int
	OutboundQueue     int
	FrameBytes        int
	MaxCalls          int
	// MaxHandoffs bounds the handoff packets kept for lookup.
	MaxHandoffs       int
	AdapterRetryDelay time.Duration
	ControlTimeout    time.Duration

	// FallbackTarget receives calls transferred after a failure.
	FallbackTarget string
	Transcription  transcription.Config
	Synthesis      tts.Config
}

// DefaultConfig returns defaults for 20ms PCM16 frames at 8kHz.
func DefaultConfig() Config {
	return Config{
		Encoding:          audio.EncodingPCM16,
		InboundBuffer:     256,
		OutboundQueue:     50,
		FrameBytes:        audio.FrameBytes(audio.EncodingPCM16, 8000, 20*time.Millisecond),
		AdapterRetryDelay: 200 * time.Millisecond,
		ControlTimeout:    2 * time.Second,
		MaxHandoffs:       1000,
		FallbackTarget:    "human",
		Transcription:     transcription.DefaultConfig(),
		Synthesis:         tts.DefaultConfig(),
	}
}

// Manager owns the active calls of the process. Each call runs in its own
// goroutine; the manager only routes transport input to it.
type Manager struct {
	deps   Deps
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	calls    map[string]*Orchestrator
	handoffs map[string]HandoffPacket
	// Handoff ids oldest first, for eviction past MaxHandoffs.
	handoffOrder []string
	closing      bool
	wg           sync.WaitGroup
}

// NewManager creates a call manager. Nil transport, recorder and events
// are replaced by no-ops.
func NewManager(deps Deps, cfg Config) *Manager {
	if deps.Transport == nil {
		deps.Transport = nopTransport{}
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Events == nil {
		deps.Events = nopEvents{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.DefaultMetrics
	}
	if deps.Tools == nil {
		deps.Tools = tools.NewDispatcher(tools.NewRegistry(), tools.DispatcherConfig{Metrics: deps.Metrics})
	}
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = 2 * time.Second
	}
	if cfg.FallbackTarget == "" {
		cfg.FallbackTarget = "human"
	}
	if cfg.MaxHandoffs <= 0 {
		cfg.MaxHandoffs = 1000
	}
	if cfg.FrameBytes <= 0 {
		cfg.FrameBytes = audio.FrameBytes(cfg.Encoding, 8000, 20*time.Millisecond)
	}
	cfg.Transcription.Metrics = deps.Metrics
	cfg.Synthesis.Metrics = deps.Metrics
	cfg.Synthesis.Encoding = cfg.Encoding
	cfg.Synthesis.FrameBytes = cfg.FrameBytes

	return &Manager{
		deps:     deps,
		cfg:      cfg,
		logger:   logging.WithComponent("call-manager"),
		calls:    map[string]*Orchestrator{},
		handoffs: map[string]HandoffPacket{},
	}
}

// StartCall loads the agent, opens the per-call adapters and starts the
// call task. ctx bounds setup only; the call ends on EndCall, on failure,
// after a handoff, or on Shutdown.
func (m *Manager) StartCall(ctx context.Context, req StartRequest) (CallInfo, error) {
	if req.CallID == "" || req.AgentID == "" {
		return CallInfo{}, errors.New("call id and agent id are required")
	}

	m.mu.Lock()
	switch {
	case m.closing:
		m.mu.Unlock()
		return CallInfo{}, ErrShuttingDown
	case m.has(req.CallID):
		m.mu.Unlock()
		return CallInfo{}, fmt.Errorf("%w: %s", ErrDuplicateCall, req.CallID)
	case m.cfg.MaxCalls > 0 && len(m.calls) >= m.cfg.MaxCalls:
		m.mu.Unlock()
		return CallInfo{}, ErrTooManyCalls
	}
	// Reserve the id while adapters open.
	m.calls[req.CallID] = nil
	m.mu.Unlock()

	o, err := m.open(ctx, req)
	m.mu.Lock()
	if err != nil {
		delete(m.calls, req.CallID)
		m.mu.Unlock()
		return CallInfo{}, err
	}
	if m.closing {
		delete(m.calls, req.CallID)
		m.mu.Unlock()
		o.release()
		return CallInfo{}, ErrShuttingDown
	}
	m.calls[req.CallID] = o
	m.wg.Add(1)
	m.mu.Unlock()

	m.deps.Metrics.RecordCallStart()
	info := o.Info()
	o.logger.Info().
		Str("direction", info.Direction).
		Str("model", o.model.Name).
		Str("priorCallId", info.PriorCallID).
		Msg("Call started")
	m.deps.Events.CallStarted(ctx, info)

	go func() {
		defer m.wg.Done()
		o.run()
	}()
	return info, nil
}

func (m *Manager) open(ctx context.Context, req StartRequest) (*Orchestrator, error) {
	agent, err := m.deps.Agents.Load(ctx, req.AgentID)
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", req.AgentID, err)
	}
	model, err := m.deps.Models.Get(agent.Model.Name)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handler, err := transcription.Start(callCtx, m.deps.STT, req.CallID, m.cfg.Transcription)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open transcription: %w", err)
	}
	synth, err := tts.Open(callCtx, m.deps.TTS, req.CallID, m.cfg.Synthesis)
	if err != nil {
		_ = handler.Close()
		cancel()
		return nil, fmt.Errorf("open synthesis: %w", err)
	}

	meta := make(map[string]string, len(req.Metadata))
	for k, v := range req.Metadata {
		meta[k] = v
	}
	if id := meta[MetaHandoffID]; id != "" && meta[MetaPriorCallID] == "" {
		if p, ok := m.Handoff(id); ok {
			meta[MetaPriorCallID] = p.FromCallID
		}
	}
	o := &Orchestrator{
		callID:    req.CallID,
		agent:     agent,
		model:     model,
		cfg:       m.cfg,
		tools:     m.deps.Tools.WithMaxParallel(agent.MaxParallelTools),
		transport: m.deps.Transport,
		recorder:  m.deps.Recorder,
		events:    m.deps.Events,
		metrics:   m.deps.Metrics,
		logger:    logging.WithCall(req.CallID, agent.AgentID),
		onHandoff: m.storeHandoff,
		onEnd:     func() { m.remove(req.CallID) },
		bus: audio.NewBus(req.CallID, audio.BusConfig{
			Encoding:        m.cfg.Encoding,
			InboundBuffer:   m.cfg.InboundBuffer,
			OutboundQueue:   m.cfg.OutboundQueue,
			VADWindow:       agent.VAD.WindowFrames,
			SpeechThreshold: agent.VAD.SpeechThreshold,
		}),
		stt:    handler,
		tts:    synth,
		conv:   conversation.New(req.CallID, model.Name),
		ctx:    callCtx,
		cancel: cancel,
		msgs:   make(chan workerMsg, 64),
		cmds:   make(chan command),
		done:   make(chan struct{}),
		stale:  map[string]bool{},
		status: StatusActive,
		call: CallInfo{
			ID:          req.CallID,
			AgentID:     agent.AgentID,
			Direction:   req.Direction.String(),
			Status:      StatusActive,
			State:       StateIdle.String(),
			StartedAt:   time.Now(),
			PriorCallID: meta[MetaPriorCallID],
			Metadata:    meta,
		},
	}
	o.specs = o.toolSpecs()
	return o, nil
}

func (m *Manager) has(callID string) bool {
	_, ok := m.calls[callID]
	return ok
}

func (m *Manager) get(callID string) (*Orchestrator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.calls[callID]
	if o == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	return o, nil
}

// PushFrame hands one inbound frame to the call's audio bus.
func (m *Manager) PushFrame(f audio.Frame) error {
	o, err := m.get(f.CallID)
	if err != nil {
		return err
	}
	f.Direction = audio.Inbound
	err = o.bus.PushInbound(f)
	m.deps.Metrics.RecordFrameReceived(errors.Is(err, audio.ErrInboundOverflow))
	return err
}

// PullOutbound blocks until the next outbound frame of the call is ready.
func (m *Manager) PullOutbound(ctx context.Context, callID string) (audio.Frame, error) {
	o, err := m.get(callID)
	if err != nil {
		return audio.Frame{}, err
	}
	f, err := o.bus.PullOutbound(ctx)
	if err == nil {
		m.deps.Metrics.RecordFrameSent()
	}
	return f, err
}

// Outbound returns the audio bus of a call for transports that pull frames
// after the call has ended.
func (m *Manager) Outbound(callID string) (*audio.Bus, error) {
	o, err := m.get(callID)
	if err != nil {
		return nil, err
	}
	return o.bus, nil
}

// EndCall ends a call and waits until its resources are released.
func (m *Manager) EndCall(callID, reason string) error {
	o, err := m.get(callID)
	if err != nil {
		return err
	}
	if err := o.send(command{kind: cmdEnd, reason: reason}); err != nil && !errors.Is(err, ErrUnknownCall) {
		return err
	}
	<-o.Done()
	return nil
}

// Interrupt stops the agent's current response as if the caller barged in.
// It fails with fault.ErrStateViolation unless the agent is speaking.
func (m *Manager) Interrupt(callID string) error {
	o, err := m.get(callID)
	if err != nil {
		return err
	}
	return o.send(command{kind: cmdInterrupt})
}

// Wait blocks until the call ends or ctx expires and returns its final view.
func (m *Manager) Wait(ctx context.Context, callID string) (CallInfo, error) {
	o, err := m.get(callID)
	if err != nil {
		return CallInfo{}, err
	}
	select {
	case <-o.Done():
		return o.Info(), nil
	case <-ctx.Done():
		return o.Info(), ctx.Err()
	}
}

// Call returns the current view of an active call.
func (m *Manager) Call(callID string) (CallInfo, error) {
	o, err := m.get(callID)
	if err != nil {
		return CallInfo{}, err
	}
	return o.Info(), nil
}

// Done returns a channel closed when the call has ended.
func (m *Manager) Done(callID string) (<-chan struct{}, error) {
	o, err := m.get(callID)
	if err != nil {
		return nil, err
	}
	return o.Done(), nil
}

// ActiveCalls lists the active calls.
func (m *Manager) ActiveCalls() []CallInfo {
	m.mu.Lock()
	calls := make([]*Orchestrator, 0, len(m.calls))
	for _, o := range m.calls {
		if o != nil {
			calls = append(calls, o)
		}
	}
	m.mu.Unlock()

	out := make([]CallInfo, 0, len(calls))
	for _, o := range calls {
		out = append(out, o.Info())
	}
	return out
}

func (m *Manager) remove(callID string) {
	m.mu.Lock()
	delete(m.calls, callID)
	m.mu.Unlock()
}

func (m *Manager) storeHandoff(p HandoffPacket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handoffs[p.ID]; !ok {
		if len(m.handoffOrder) >= m.cfg.MaxHandoffs {
			delete(m.handoffs, m.handoffOrder[0])
			m.handoffOrder = m.handoffOrder[1:]
		}
		m.handoffOrder = append(m.handoffOrder, p.ID)
	}
	m.handoffs[p.ID] = p
}

// Handoff returns a stored handoff packet. The receiving call looks it up
// by the handoff id passed in its start metadata.
func (m *Manager) Handoff(id string) (HandoffPacket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.handoffs[id]
	return p, ok
}

// Shutdown ends every active call and waits for them to finish or ctx to
// expire. No new calls are accepted afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	calls := make([]*Orchestrator, 0, len(m.calls))
	for _, o := range m.calls {
		if o != nil {
			calls = append(calls, o)
		}
	}
	m.mu.Unlock()

	for _, o := range calls {
		o.cancel()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info().Int("calls", len(calls)).Msg("All calls ended")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
