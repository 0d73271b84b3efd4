package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ai-voice-orchestrator-service/internal/config"
	"ai-voice-orchestrator-service/internal/service/audio"
	"ai-voice-orchestrator-service/internal/service/conversation"
	"ai-voice-orchestrator-service/internal/service/fault"
	"ai-voice-orchestrator-service/internal/service/llm"
	sttmock "ai-voice-orchestrator-service/internal/service/stt/mock"
	"ai-voice-orchestrator-service/internal/service/tools"
	ttsmock "ai-voice-orchestrator-service/internal/service/tts/mock"
)

type fakeTransport struct {
	mu       sync.Mutex
	controls []Control
}

func (f *fakeTransport) Control(_ context.Context, _ string, c Control) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, c)
	return nil
}

func (f *fakeTransport) get() []Control {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Control(nil), f.controls...)
}

type fakeRecorder struct {
	mu   sync.Mutex
	recs []TurnRecord
}

func (f *fakeRecorder) RecordTurn(rec TurnRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
}

func (f *fakeRecorder) turns(callID string) []conversation.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []conversation.Turn
	for _, r := range f.recs {
		if r.CallID == callID {
			out = append(out, r.Turn)
		}
	}
	return out
}

type fakeEvents struct {
	mu       sync.Mutex
	started  []CallInfo
	ended    []CallInfo
	gaps     []audio.Gap
	handoffs []HandoffPacket
}

func (f *fakeEvents) CallStarted(_ context.Context, c CallInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, c)
}

func (f *fakeEvents) CallEnded(_ context.Context, c CallInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, c)
}

func (f *fakeEvents) SequenceGap(_ context.Context, _ string, g audio.Gap) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gaps = append(f.gaps, g)
}

func (f *fakeEvents) Handoff(_ context.Context, p HandoffPacket) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handoffs = append(f.handoffs, p)
}

func (f *fakeEvents) endedCall(callID string) (CallInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.ended {
		if c.ID == callID {
			return c, true
		}
	}
	return CallInfo{}, false
}

type staticAgents map[string]config.AgentConfig

func (s staticAgents) Load(_ context.Context, id string) (config.AgentConfig, error) {
	a, ok := s[id]
	if !ok {
		return config.AgentConfig{}, fmt.Errorf("agent %s not found", id)
	}
	return a, nil
}

type failingGenerator struct {
	err   error
	calls atomic.Int32
}

func (g *failingGenerator) Name() string { return "broken" }

func (g *failingGenerator) Generate(context.Context, llm.Request) (<-chan llm.Fragment, error) {
	g.calls.Add(1)
	return nil, g.err
}

var (
	loud  = audio.Tone(160, 16000)
	quiet = make([]byte, 320)
)

func testAgent(id string) config.AgentConfig {
	a := config.DefaultAgentConfig(id)
	a.HoldoffMs = 40
	a.MaxTurnTimeMs = 300
	a.InterruptionMinMs = 60
	a.VAD.WindowFrames = 1
	a.ToolTimeoutMs = 2000
	a.ToolRetries = 1
	a.RetryDelayMs = 10
	a.GenerationTimeoutMs = 2000
	return a
}

var testRules = append([]llm.Rule{
	{
		Keywords: []string{"story"},
		Reply:    "Once upon a time there was a very long story. It went on and on for quite a while. And then it kept on going for even longer.",
	},
	{
		Keywords: []string{"lookup"},
		Tools:    []llm.ToolCall{{Name: "slow_lookup", Arguments: json.RawMessage(`{}`)}},
		Followup: func(results []llm.Message) string {
			if len(results) > 0 && strings.Contains(results[0].Content, "timeout") {
				return "Sorry, the lookup timed out."
			}
			return "The lookup worked."
		},
	},
}, llm.DefaultRules()...)

type harness struct {
	t         *testing.T
	m         *Manager
	transport *fakeTransport
	recorder  *fakeRecorder
	events    *fakeEvents
	audit     *tools.MemoryAudit
	seq       map[string]uint64
}

type harnessOpts struct {
	agents     []config.AgentConfig
	utterances []sttmock.SimulatedUtterance
	noFinals   bool
	models     []llm.Model
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()

	agents := staticAgents{}
	for _, a := range opts.agents {
		agents[a.AgentID] = a
	}

	models := llm.NewRegistry()
	models.Register(llm.Model{Name: "scripted", Generator: llm.NewScripted("scripted", llm.ScriptedConfig{Rules: testRules})})
	for _, m := range opts.models {
		models.Register(m)
	}

	sttCfg := sttmock.DefaultConfig()
	sttCfg.Utterances = opts.utterances
	sttCfg.FramesPerPartial = 2
	sttCfg.SilenceFrames = 3
	sttCfg.Latency = time.Millisecond
	if opts.noFinals {
		sttCfg.SilenceFrames = 100000
	}

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, 0); err != nil {
		t.Fatal(err)
	}
	registry.Register(tools.Func{
		ToolName: "slow_lookup",
		Desc:     "A lookup that never answers in time.",
		Latency:  time.Second,
		Fn: func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	audit := tools.NewMemoryAudit(100)

	h := &harness{
		t:         t,
		transport: &fakeTransport{},
		recorder:  &fakeRecorder{},
		events:    &fakeEvents{},
		audit:     audit,
		seq:       map[string]uint64{},
	}
	cfg := DefaultConfig()
	cfg.AdapterRetryDelay = time.Millisecond
	h.m = NewManager(Deps{
		Agents:    agents,
		Models:    models,
		STT:       sttmock.NewProvider(sttCfg),
		TTS:       ttsmock.NewProvider(ttsmock.Config{PerChar: 10 * time.Millisecond, ChunkDuration: 40 * time.Millisecond}),
		Tools:     tools.NewDispatcher(registry, tools.DispatcherConfig{Audit: audit, RetryDelay: 10 * time.Millisecond}),
		Transport: h.transport,
		Recorder:  h.recorder,
		Events:    h.events,
	}, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.m.Shutdown(ctx)
	})
	return h
}

// start begins a call and plays its outbound audio at the given pace.
func (h *harness) start(callID, agentID string, pace time.Duration, meta map[string]string) CallInfo {
	h.t.Helper()
	info, err := h.m.StartCall(context.Background(), StartRequest{CallID: callID, AgentID: agentID, Metadata: meta})
	if err != nil {
		h.t.Fatalf("StartCall: %v", err)
	}
	go func() {
		for {
			if _, err := h.m.PullOutbound(context.Background(), callID); err != nil {
				return
			}
			if pace > 0 {
				time.Sleep(pace)
			}
		}
	}()
	return info
}

func (h *harness) push(callID string, payload []byte, n int, gap time.Duration) {
	h.t.Helper()
	for i := 0; i < n; i++ {
		h.seq[callID]++
		if err := h.m.PushFrame(audio.Frame{CallID: callID, Seq: h.seq[callID], Payload: payload}); err != nil {
			h.t.Fatalf("PushFrame: %v", err)
		}
		if gap > 0 {
			time.Sleep(gap)
		}
	}
}

// say plays one caller utterance: speech then enough silence for a final.
func (h *harness) say(callID string) {
	h.push(callID, loud, 4, 0)
	h.push(callID, quiet, 4, 0)
}

func (h *harness) state(callID string) string {
	info, err := h.m.Call(callID)
	if err != nil {
		return ""
	}
	return info.State
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCall_BalanceQuestion(t *testing.T) {
	h := newHarness(t, harnessOpts{
		agents: []config.AgentConfig{testAgent("support")},
		utterances: []sttmock.SimulatedUtterance{
			{Partials: []string{"What's my", "What's my balance"}, Final: "What's my account balance", Confidence: 0.9},
		},
	})
	h.start("call-1", "support", 0, nil)
	h.say("call-1")

	waitFor(t, "agent turn", func() bool { return len(h.recorder.turns("call-1")) >= 2 })
	waitFor(t, "idle", func() bool { return h.state("call-1") == "IDLE" })

	turns := h.recorder.turns("call-1")
	if turns[0].Speaker != conversation.SpeakerCaller || turns[0].Text != "What's my account balance" {
		t.Errorf("unexpected caller turn %+v", turns[0])
	}
	if turns[0].Forced {
		t.Error("caller turn should not be forced")
	}
	if turns[1].Speaker != conversation.SpeakerAgent || !strings.Contains(turns[1].Text, "1250.75 USD") {
		t.Errorf("unexpected agent turn %+v", turns[1])
	}
	if turns[1].Start.Before(turns[0].End) {
		t.Errorf("agent turn starts before caller turn ended: %v < %v", turns[1].Start, turns[0].End)
	}

	entries := h.audit.Entries("call-1")
	if len(entries) != 2 {
		t.Fatalf("expected dispatch and result audit entries, got %d", len(entries))
	}
	if entries[1].ToolName != "get_account_balance" || entries[1].Status != tools.StatusSuccess {
		t.Errorf("unexpected audit result %+v", entries[1])
	}

	if err := h.m.EndCall("call-1", "hangup"); err != nil {
		t.Fatal(err)
	}
	ended, ok := h.events.endedCall("call-1")
	if !ok || ended.Status != StatusCompleted || ended.EndReason != "hangup" || ended.TurnNumber != 2 {
		t.Errorf("unexpected end event %+v", ended)
	}
	if _, err := h.m.Call("call-1"); !errors.Is(err, ErrUnknownCall) {
		t.Errorf("expected ended call to be removed, got %v", err)
	}
}

func TestCall_BargeIn(t *testing.T) {
	h := newHarness(t, harnessOpts{
		agents: []config.AgentConfig{testAgent("support")},
		utterances: []sttmock.SimulatedUtterance{
			{Partials: []string{"Tell me", "Tell me a story"}, Final: "Tell me a story", Confidence: 0.9},
			{Partials: []string{"Stop", "Stop please"}, Final: "Stop please", Confidence: 0.9},
		},
	})
	h.start("call-1", "support", 20*time.Millisecond, nil)
	h.say("call-1")

	waitFor(t, "agent speaking", func() bool { return h.state("call-1") == "SPEAKING_AGENT" })
	h.push("call-1", loud, 6, 20*time.Millisecond)
	waitFor(t, "listening", func() bool { return h.state("call-1") == "LISTENING_CALLER" })
	h.push("call-1", quiet, 4, 0)

	waitFor(t, "second caller turn", func() bool { return len(h.recorder.turns("call-1")) >= 3 })
	turns := h.recorder.turns("call-1")
	agent, caller := turns[1], turns[2]
	if agent.Speaker != conversation.SpeakerAgent || !agent.Interrupted {
		t.Errorf("expected interrupted agent turn, got %+v", agent)
	}
	if !strings.HasPrefix(agent.Text, "Once upon a time") {
		t.Errorf("unexpected agent text %q", agent.Text)
	}
	if caller.Speaker != conversation.SpeakerCaller || caller.Text != "Stop please" {
		t.Errorf("unexpected caller turn %+v", caller)
	}
	if caller.Start.Before(agent.Start) {
		t.Errorf("caller turn starts before the interrupted agent turn: %v < %v", caller.Start, agent.Start)
	}
}

func TestCall_ForcedFinalization(t *testing.T) {
	h := newHarness(t, harnessOpts{
		agents:     []config.AgentConfig{testAgent("support")},
		noFinals:   true,
		utterances: []sttmock.SimulatedUtterance{{Partials: []string{"I want", "I want to"}, Final: "never"}},
	})
	h.start("call-1", "support", 0, nil)
	h.push("call-1", loud, 4, 0)
	waitFor(t, "partial transcript", func() bool { return h.state("call-1") == "LISTENING_CALLER" })
	h.push("call-1", quiet, 2, 0)

	waitFor(t, "forced caller turn", func() bool { return len(h.recorder.turns("call-1")) >= 1 })
	turn := h.recorder.turns("call-1")[0]
	if !turn.Forced {
		t.Error("expected forced turn")
	}
	if turn.Text != "I want to" {
		t.Errorf("expected partial text, got %q", turn.Text)
	}
	waitFor(t, "fallback reply", func() bool { return len(h.recorder.turns("call-1")) >= 2 })
	if reply := h.recorder.turns("call-1")[1].Text; reply != "I'm sorry, could you say that again?" {
		t.Errorf("unexpected reply %q", reply)
	}
}

func TestCall_SilenceForcesEmptyTurn(t *testing.T) {
	h := newHarness(t, harnessOpts{
		agents:     []config.AgentConfig{testAgent("support")},
		noFinals:   true,
		utterances: []sttmock.SimulatedUtterance{{Final: "never"}},
	})
	h.start("call-1", "support", 0, nil)
	h.push("call-1", loud, 1, 0)
	h.push("call-1", quiet, 2, 0)

	waitFor(t, "agent re-prompt", func() bool { return len(h.recorder.turns("call-1")) >= 2 })
	turns := h.recorder.turns("call-1")
	if turns[0].Speaker != conversation.SpeakerCaller || !turns[0].Forced || turns[0].Text != "" {
		t.Errorf("expected forced empty caller turn, got %+v", turns[0])
	}
	if turns[0].Number != 1 || turns[1].Number != 2 {
		t.Errorf("expected turn numbers 1 and 2, got %d and %d", turns[0].Number, turns[1].Number)
	}
	if turns[1].Speaker != conversation.SpeakerAgent || turns[1].Text != "I'm sorry, could you say that again?" {
		t.Errorf("unexpected agent turn %+v", turns[1])
	}
}

func TestCall_ResumedSpeechReopensTurn(t *testing.T) {
	h := newHarness(t, harnessOpts{
		agents:     []config.AgentConfig{testAgent("support")},
		noFinals:   true,
		utterances: []sttmock.SimulatedUtterance{{Partials: []string{"I want", "I want to"}, Final: "never"}},
	})
	h.start("call-1", "support", 0, nil)
	h.push("call-1", loud, 4, 0)
	h.push("call-1", quiet, 1, 0)
	waitFor(t, "finalizing", func() bool { return h.state("call-1") == "FINALIZING_CALLER_TURN" })

	// Keep talking for longer than max turn time.
	h.push("call-1", loud, 1, 0)
	waitFor(t, "listening again", func() bool { return h.state("call-1") == "LISTENING_CALLER" })
	h.push("call-1", loud, 20, 20*time.Millisecond)
	if n := len(h.recorder.turns("call-1")); n != 0 {
		t.Fatalf("turn finalized while the caller was still speaking: %d turns", n)
	}
	if got := h.state("call-1"); got != "LISTENING_CALLER" {
		t.Errorf("expected LISTENING_CALLER, got %s", got)
	}

	h.push("call-1", quiet, 1, 0)
	waitFor(t, "forced caller turn", func() bool { return len(h.recorder.turns("call-1")) >= 1 })
	if turn := h.recorder.turns("call-1")[0]; !turn.Forced {
		t.Errorf("expected forced turn, got %+v", turn)
	}
}

func TestCall_SkewedTransportClock(t *testing.T) {
	h := newHarness(t, harnessOpts{
		agents: []config.AgentConfig{testAgent("support")},
		utterances: []sttmock.SimulatedUtterance{
			{Partials: []string{"What's my", "What's my balance"}, Final: "What's my account balance", Confidence: 0.9},
		},
	})
	h.start("call-1", "support", 0, nil)

	ahead := time.Now().Add(5 * time.Second)
	for i, payload := range [][]byte{loud, loud, loud, loud, quiet, quiet, quiet, quiet} {
		f := audio.Frame{CallID: "call-1", Seq: uint64(i + 1), Payload: payload, At: ahead}
		if err := h.m.PushFrame(f); err != nil {
			t.Fatalf("PushFrame: %v", err)
		}
	}

	waitFor(t, "agent turn", func() bool { return len(h.recorder.turns("call-1")) >= 2 })
	turns := h.recorder.turns("call-1")
	if turns[0].Start.After(time.Now()) {
		t.Errorf("caller turn starts in the future: %v", turns[0].Start)
	}
	if turns[1].Speaker != conversation.SpeakerAgent || !strings.Contains(turns[1].Text, "1250.75 USD") {
		t.Errorf("unexpected agent turn %+v", turns[1])
	}
}

func TestCall_ToolTimeoutWithFiller(t *testing.T) {
	agent := testAgent("support")
	agent.ToolTimeoutMs = 100
	agent.StallThresholdMs = 50
	agent.FillerPhrase = "One moment please."
	h := newHarness(t, harnessOpts{
		agents:     []config.AgentConfig{agent},
		utterances: []sttmock.SimulatedUtterance{{Partials: []string{"Do a", "Do a lookup"}, Final: "Do a lookup", Confidence: 0.9}},
	})
	h.start("call-1", "support", 0, nil)
	h.say("call-1")

	waitFor(t, "agent turn", func() bool { return len(h.recorder.turns("call-1")) >= 2 })
	reply := h.recorder.turns("call-1")[1].Text
	if reply != "One moment please. Sorry, the lookup timed out." {
		t.Errorf("unexpected reply %q", reply)
	}
	entries := h.audit.Entries("call-1")
	if len(entries) != 2 || entries[1].Status != tools.StatusTimeout {
		t.Fatalf("expected a timed out audit result, got %+v", entries)
	}
}

func TestCall_Handoff(t *testing.T) {
	agent := testAgent("support")
	agent.HandoffTargets = []string{"billing"}
	h := newHarness(t, harnessOpts{
		agents: []config.AgentConfig{agent, testAgent("billing")},
		utterances: []sttmock.SimulatedUtterance{
			{Partials: []string{"Can you", "Can you transfer"}, Final: "Can you transfer me to billing", Confidence: 0.9},
		},
	})
	h.start("call-1", "support", 0, nil)
	done, err := h.m.Done("call-1")
	if err != nil {
		t.Fatal(err)
	}
	h.say("call-1")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("call did not end after handoff")
	}

	controls := h.transport.get()
	if len(controls) != 1 || controls[0].Action != ActionTransfer || controls[0].Target != "billing" || controls[0].HandoffID == "" {
		t.Fatalf("unexpected controls %+v", controls)
	}
	ended, _ := h.events.endedCall("call-1")
	if ended.Status != StatusCompleted || ended.EndReason != "transferred" {
		t.Errorf("unexpected end %+v", ended)
	}

	packet, ok := h.m.Handoff(controls[0].HandoffID)
	if !ok {
		t.Fatal("handoff packet not stored")
	}
	if packet.FromCallID != "call-1" || packet.TargetAgent != "billing" || len(packet.Turns) != 2 {
		t.Errorf("unexpected packet %+v", packet)
	}
	if packet.Turns[1].Text != "Transferring you now." {
		t.Errorf("expected the transfer announcement in the packet, got %q", packet.Turns[1].Text)
	}

	next := h.start("call-2", "billing", 0, map[string]string{MetaHandoffID: packet.ID})
	if next.PriorCallID != "call-1" {
		t.Errorf("expected prior call id call-1, got %q", next.PriorCallID)
	}
}

func TestCall_HandoffToUnknownTargetIsRefused(t *testing.T) {
	h := newHarness(t, harnessOpts{
		agents:     []config.AgentConfig{testAgent("support")},
		utterances: []sttmock.SimulatedUtterance{{Partials: []string{"transfer"}, Final: "Please transfer me", Confidence: 0.9}},
	})
	h.start("call-1", "support", 0, nil)
	h.say("call-1")

	waitFor(t, "agent turn", func() bool { return len(h.recorder.turns("call-1")) >= 2 })
	if controls := h.transport.get(); len(controls) != 0 {
		t.Errorf("expected no transfer, got %+v", controls)
	}
	if _, err := h.m.Call("call-1"); err != nil {
		t.Errorf("call should still be active: %v", err)
	}
}

func TestCall_GenerationFailureFallsBack(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		fallback string
		attempts int32
		want     []Control
	}{
		{
			name:     "fatal error apologises",
			err:      fault.Fatal(fault.StageGeneration, errors.New("invalid api key")),
			fallback: config.FallbackApology,
			attempts: 1,
			want:     []Control{{Action: ActionFallback}, {Action: ActionTerminate}},
		},
		{
			name:     "exhausted retries transfer",
			err:      errors.New("upstream unavailable"),
			fallback: config.FallbackTransfer,
			attempts: 3,
			want:     []Control{{Action: ActionTransfer, Target: "human"}, {Action: ActionTerminate}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &failingGenerator{err: tt.err}
			agent := testAgent("support")
			agent.Model.Name = "broken"
			agent.FallbackAction = tt.fallback
			h := newHarness(t, harnessOpts{
				agents:     []config.AgentConfig{agent},
				models:     []llm.Model{{Name: "broken", Generator: gen}},
				utterances: []sttmock.SimulatedUtterance{{Partials: []string{"Hello"}, Final: "Hello there", Confidence: 0.9}},
			})
			h.start("call-1", "support", 0, nil)
			done, _ := h.m.Done("call-1")
			h.say("call-1")

			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("call did not end")
			}
			if got := gen.calls.Load(); got != tt.attempts {
				t.Errorf("expected %d attempts, got %d", tt.attempts, got)
			}
			controls := h.transport.get()
			if len(controls) != len(tt.want) {
				t.Fatalf("expected %d controls, got %+v", len(tt.want), controls)
			}
			for i, want := range tt.want {
				if controls[i].Action != want.Action || controls[i].Target != want.Target {
					t.Errorf("control %d: expected %+v, got %+v", i, want, controls[i])
				}
			}
			ended, _ := h.events.endedCall("call-1")
			if ended.Status != StatusFailed || ended.State != "FAILED" {
				t.Errorf("unexpected end %+v", ended)
			}
		})
	}
}

func TestManager_DuplicateAndUnknownCalls(t *testing.T) {
	h := newHarness(t, harnessOpts{agents: []config.AgentConfig{testAgent("support")}})
	h.start("call-1", "support", 0, nil)

	if _, err := h.m.StartCall(context.Background(), StartRequest{CallID: "call-1", AgentID: "support"}); !errors.Is(err, ErrDuplicateCall) {
		t.Errorf("expected ErrDuplicateCall, got %v", err)
	}
	if _, err := h.m.StartCall(context.Background(), StartRequest{CallID: "call-2", AgentID: "nobody"}); err == nil {
		t.Error("expected unknown agent to fail")
	}
	if _, err := h.m.StartCall(context.Background(), StartRequest{CallID: "call-2", AgentID: "support"}); err != nil {
		t.Errorf("failed start must not reserve the call id: %v", err)
	}
	if err := h.m.PushFrame(audio.Frame{CallID: "call-9", Seq: 1, Payload: quiet}); !errors.Is(err, ErrUnknownCall) {
		t.Errorf("expected ErrUnknownCall, got %v", err)
	}
	if n := len(h.m.ActiveCalls()); n != 2 {
		t.Errorf("expected 2 active calls, got %d", n)
	}
}

func TestManager_InterruptOutsideSpeakingIsViolation(t *testing.T) {
	h := newHarness(t, harnessOpts{agents: []config.AgentConfig{testAgent("support")}})
	h.start("call-1", "support", 0, nil)

	err := h.m.Interrupt("call-1")
	if !errors.Is(err, fault.ErrStateViolation) {
		t.Errorf("expected ErrStateViolation, got %v", err)
	}
	if got := h.state("call-1"); got != "IDLE" {
		t.Errorf("state should be unchanged, got %s", got)
	}
}

func TestManager_SequenceGapPublished(t *testing.T) {
	h := newHarness(t, harnessOpts{agents: []config.AgentConfig{testAgent("support")}})
	h.start("call-1", "support", 0, nil)

	for _, seq := range []uint64{1, 2, 6} {
		if err := h.m.PushFrame(audio.Frame{CallID: "call-1", Seq: seq, Payload: quiet}); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "gap event", func() bool {
		h.events.mu.Lock()
		defer h.events.mu.Unlock()
		return len(h.events.gaps) == 1
	})
	if gap := h.events.gaps[0]; gap.Missing != 3 || gap.Expected != 3 {
		t.Errorf("unexpected gap %+v", gap)
	}
}

func TestManager_Shutdown(t *testing.T) {
	h := newHarness(t, harnessOpts{agents: []config.AgentConfig{testAgent("support")}})
	h.start("call-1", "support", 0, nil)
	h.start("call-2", "support", 0, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.m.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(h.m.ActiveCalls()); n != 0 {
		t.Errorf("expected no active calls, got %d", n)
	}
	if _, err := h.m.StartCall(context.Background(), StartRequest{CallID: "call-3", AgentID: "support"}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown, got %v", err)
	}
	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	if len(h.events.ended) != 2 {
		t.Errorf("expected 2 end events, got %d", len(h.events.ended))
	}
}

type gatedAgents struct {
	entered chan struct{}
	release chan struct{}
	agent   config.AgentConfig
}

func (g *gatedAgents) Load(context.Context, string) (config.AgentConfig, error) {
	close(g.entered)
	<-g.release
	return g.agent, nil
}

func TestManager_StartOverlappingShutdownIsRefused(t *testing.T) {
	agents := &gatedAgents{entered: make(chan struct{}), release: make(chan struct{}), agent: testAgent("support")}
	models := llm.NewRegistry()
	models.Register(llm.Model{Name: "scripted", Generator: llm.NewScripted("scripted", llm.ScriptedConfig{})})
	m := NewManager(Deps{
		Agents: agents,
		Models: models,
		STT:    sttmock.NewProvider(sttmock.DefaultConfig()),
		TTS:    ttsmock.NewProvider(ttsmock.DefaultConfig()),
	}, DefaultConfig())

	errc := make(chan error, 1)
	go func() {
		_, err := m.StartCall(context.Background(), StartRequest{CallID: "call-1", AgentID: "support"})
		errc <- err
	}()
	<-agents.entered

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	close(agents.release)

	if err := <-errc; !errors.Is(err, ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown, got %v", err)
	}
	if n := len(m.ActiveCalls()); n != 0 {
		t.Errorf("expected no active calls, got %d", n)
	}
	if _, err := m.Call("call-1"); !errors.Is(err, ErrUnknownCall) {
		t.Errorf("refused call must not stay registered: %v", err)
	}
}

func TestManager_HandoffsEvictOldest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxHandoffs = 2
	m := NewManager(Deps{}, cfg)

	for _, id := range []string{"h1", "h2", "h3"} {
		m.storeHandoff(HandoffPacket{ID: id, FromCallID: "call-" + id})
	}
	if _, ok := m.Handoff("h1"); ok {
		t.Error("oldest handoff should be evicted")
	}
	for _, id := range []string{"h2", "h3"} {
		if _, ok := m.Handoff(id); !ok {
			t.Errorf("handoff %s should be kept", id)
		}
	}
}
