package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ai-voice-orchestrator-service/internal/config"
	"ai-voice-orchestrator-service/internal/observability/metrics"
	"ai-voice-orchestrator-service/internal/service/audio"
	"ai-voice-orchestrator-service/internal/service/conversation"
	"ai-voice-orchestrator-service/internal/service/fault"
	"ai-voice-orchestrator-service/internal/service/llm"
	"ai-voice-orchestrator-service/internal/service/tools"
	"ai-voice-orchestrator-service/internal/service/transcription"
	"ai-voice-orchestrator-service/internal/service/tts"
)

type msgKind int

const (
	msgSentence msgKind = iota
	msgGenerated
	msgToolResult
	msgToolsDone
	msgAudioStarted
	msgSpeakerIdle
	msgSpeakerDone
	msgSpeakerError
)

// workerMsg is posted to the call task by the generation, dispatch and
// speaker goroutines of a response. Messages for a response that is no
// longer current are dropped.
type workerMsg struct {
	kind msgKind
	resp uint64

	text      string
	calls     []llm.ToolCall
	usage     llm.Usage
	elapsed   time.Duration
	err       error
	cause     error
	result    tools.Result
	at        time.Time
	midStream bool
}

type cmdKind int

const (
	cmdEnd cmdKind = iota
	cmdInterrupt
)

type command struct {
	kind   cmdKind
	reason string
	reply  chan error
}

// timer is a restartable timer whose channel is nil while disarmed, so it
// can sit in a select unconditionally.
type timer struct {
	t *time.Timer
	C <-chan time.Time
}

func (t *timer) arm(d time.Duration) {
	if t.t == nil {
		t.t = time.NewTimer(d)
	} else {
		t.t.Reset(d)
	}
	t.C = t.t.C
}

func (t *timer) stop() {
	if t.t != nil {
		t.t.Stop()
	}
	t.C = nil
}

// Orchestrator is the turn orchestrator of one call. All call state is
// owned by the run goroutine; adapters and workers talk to it through
// channels.
type Orchestrator struct {
	callID    string
	agent     config.AgentConfig
	model     llm.Model
	specs     []llm.ToolSpec
	cfg       Config
	tools     *tools.Dispatcher
	transport Transport
	recorder  TurnRecorder
	events    Events
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	onHandoff func(HandoffPacket)
	onEnd     func()

	bus  *audio.Bus
	stt  *transcription.Handler
	tts  *tts.Adapter
	conv *conversation.Context

	ctx    context.Context
	cancel context.CancelFunc
	msgs   chan workerMsg
	cmds   chan command
	done   chan struct{}

	mu   sync.Mutex
	call CallInfo

	// Owned by run.
	state      State
	speaking   bool
	silenceAt  time.Time
	bargeStart time.Time
	holdoff    timer
	deadline   timer
	stale      map[string]bool
	resp       *response
	nextResp   uint64
	finished   bool
	status     Status
	endReason  string
}

// Info returns a snapshot of the call.
func (o *Orchestrator) Info() CallInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.call
}

func (o *Orchestrator) updateInfo(fn func(*CallInfo)) {
	o.mu.Lock()
	fn(&o.call)
	o.mu.Unlock()
}

// Done is closed once the call has ended and its resources are released.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// post delivers a worker message unless the call is over.
func (o *Orchestrator) post(m workerMsg) {
	select {
	case o.msgs <- m:
	case <-o.ctx.Done():
	}
}

// send delivers a command to the call task and waits for its reply.
func (o *Orchestrator) send(cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case o.cmds <- cmd:
	case <-o.done:
		return ErrUnknownCall
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-o.done:
		return nil
	}
}

func (o *Orchestrator) run() {
	defer o.shutdown()
	inbound := o.bus.Events()
	for !o.finished {
		select {
		case <-o.ctx.Done():
			o.end(StatusCompleted, "cancelled")
		case ev, ok := <-inbound:
			if !ok {
				o.end(StatusCompleted, "audio closed")
				continue
			}
			o.onAudio(ev)
		case ev := <-o.stt.Events():
			o.onTranscript(ev)
		case <-o.holdoff.C:
			o.holdoff.C = nil
			o.onHoldoff()
		case <-o.deadline.C:
			o.deadline.C = nil
			o.onDeadline()
		case m := <-o.msgs:
			o.onWorker(m)
		case cmd := <-o.cmds:
			cmd.reply <- o.onCommand(cmd)
		}
	}
}

func (o *Orchestrator) onCommand(cmd command) error {
	switch cmd.kind {
	case cmdEnd:
		o.end(StatusCompleted, cmd.reason)
		return nil
	case cmdInterrupt:
		if o.state != StateSpeakingAgent {
			o.violation(o.state, StateListeningCaller)
			return fmt.Errorf("%w: interrupt in %s", fault.ErrStateViolation, o.state)
		}
		now := time.Now()
		o.bargeStart = now
		o.interrupt(now)
		return nil
	default:
		return fmt.Errorf("unknown command %d", cmd.kind)
	}
}

// onAudio handles one inbound bus event: quality gaps, transcription
// feeding, caller speech onset and silence, and barge-in detection.
func (o *Orchestrator) onAudio(ev audio.Event) {
	if ev.Kind == audio.EventGap {
		o.metrics.RecordSequenceGap(ev.Gap.Reordered)
		o.logger.Warn().
			Err(fault.ErrSequenceGap).
			Uint64("expected", ev.Gap.Expected).
			Uint64("got", ev.Gap.Got).
			Bool("reordered", ev.Gap.Reordered).
			Msg("Inbound sequence gap")
		o.events.SequenceGap(o.ctx, o.callID, ev.Gap)
		return
	}

	if err := o.stt.Feed(ev.Frame.Payload); err != nil && !errors.Is(err, transcription.ErrClosed) {
		o.logger.Debug().Err(err).Uint64("seq", ev.Frame.Seq).Msg("Frame not transcribed")
	}

	at := ev.Frame.At
	prev := o.speaking
	o.speaking = ev.Speech

	switch o.state {
	case StateIdle:
		if ev.Speech {
			o.ensurePartial(at)
		}
	case StateListeningCaller:
		switch {
		case ev.Speech && !prev:
			o.holdoff.stop()
			o.deadline.stop()
		case !ev.Speech && prev:
			o.armSilence()
		}
	case StateFinalizingCallerTurn:
		// The caller resumed before a final arrived; the turn is still open.
		if ev.Speech && !prev {
			o.holdoff.stop()
			o.deadline.stop()
			o.transition(StateListeningCaller)
		}
	case StateSpeakingAgent:
		o.checkBargeIn(ev.Confidence, at)
	}
}

func (o *Orchestrator) checkBargeIn(confidence float64, at time.Time) {
	if confidence < o.agent.InterruptionThreshold {
		o.bargeStart = time.Time{}
		return
	}
	if o.bargeStart.IsZero() {
		o.bargeStart = at
	}
	if at.Sub(o.bargeStart) >= o.agent.InterruptionMin() {
		o.interrupt(at)
	}
}

// ensurePartial opens the partial buffer. From IDLE it also starts
// listening; during a response the buffer fills silently until the
// response ends.
func (o *Orchestrator) ensurePartial(at time.Time) {
	if o.conv.PartialActive() {
		return
	}
	if err := o.conv.BeginPartial(at); err != nil {
		o.logger.Warn().Err(err).Msg("Partial not started")
		return
	}
	if o.state == StateIdle {
		o.transition(StateListeningCaller)
		if !o.speaking {
			o.armSilence()
		}
	}
}

func (o *Orchestrator) armSilence() {
	o.silenceAt = time.Now()
	o.holdoff.arm(o.agent.Holdoff())
	o.deadline.arm(o.agent.MaxTurnTime())
}

func (o *Orchestrator) onTranscript(ev transcription.Event) {
	if o.stale[ev.UtteranceID] {
		if ev.Kind == transcription.EventEndOfUtterance {
			delete(o.stale, ev.UtteranceID)
		}
		return
	}
	switch ev.Kind {
	case transcription.EventPartial:
		o.ensurePartial(ev.At)
		if err := o.conv.UpdatePartial(ev.Text); err != nil {
			o.logger.Debug().Err(err).Msg("Partial transcript ignored")
		}
	case transcription.EventFinal:
		o.ensurePartial(ev.At)
		if err := o.conv.CommitFinal(ev.Text); err != nil {
			o.logger.Debug().Err(err).Msg("Final transcript ignored")
			return
		}
		if o.state == StateFinalizingCallerTurn {
			o.finalize(false)
		}
	case transcription.EventEndOfUtterance:
		o.logger.Debug().Str("utteranceId", ev.UtteranceID).Msg("End of utterance")
	case transcription.EventError:
		o.fail(ev.Err)
	}
}

func (o *Orchestrator) onHoldoff() {
	if o.state != StateListeningCaller {
		return
	}
	if o.conv.HasFinal() {
		o.finalize(false)
		return
	}
	o.transition(StateFinalizingCallerTurn)
}

func (o *Orchestrator) onDeadline() {
	if o.state != StateListeningCaller && o.state != StateFinalizingCallerTurn {
		return
	}
	forced := !o.conv.HasFinal()
	if forced {
		id := o.stt.UtteranceID()
		o.stt.DropUtterance("max turn time exceeded")
		o.stale[id] = true
	}
	o.finalize(forced)
}

// finalize closes the caller turn and starts the response to it.
func (o *Orchestrator) finalize(forced bool) {
	now := time.Now()
	o.holdoff.stop()
	o.deadline.stop()

	// A forced turn is recorded even when empty so the agent can re-prompt.
	if !forced && strings.TrimSpace(o.conv.PartialText()) == "" {
		o.conv.DiscardPartial()
		o.logger.Debug().Msg("Caller turn abandoned without transcript")
		o.transition(StateIdle)
		return
	}
	turn, err := o.conv.FinalizePartial(now, forced)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Caller turn rejected")
		o.conv.DiscardPartial()
		o.transition(StateIdle)
		return
	}
	o.metrics.RecordTurnFinalized(forced, now.Sub(o.silenceAt))
	o.recordTurn(turn)
	o.logger.Info().
		Int("turn", turn.Number).
		Bool("forced", forced).
		Str("text", turn.Text).
		Msg("Caller turn finalized")

	if o.transition(StateGeneratingResponse) {
		o.startResponse(now)
	}
}

func (o *Orchestrator) recordTurn(turn conversation.Turn) {
	o.recorder.RecordTurn(TurnRecord{CallID: o.callID, AgentID: o.agent.AgentID, Turn: turn})
	o.updateInfo(func(c *CallInfo) { c.TurnNumber = turn.Number })
}

func (o *Orchestrator) startResponse(finalizedAt time.Time) {
	o.nextResp++
	ctx, cancel := context.WithCancel(o.ctx)
	r := &response{
		id:          o.nextResp,
		ctx:         ctx,
		cancel:      cancel,
		turnID:      fmt.Sprintf("%s-turn-%d", o.callID, o.conv.TurnNumber()+1),
		finalizedAt: finalizedAt,
	}
	r.speaker = newSpeaker(o, r, o.bus.Generation())
	o.resp = r
	go r.speaker.run()
	o.generate(r, o.request(o.agent.MaxToolCalls > 0))
}

func (o *Orchestrator) onWorker(m workerMsg) {
	r := o.resp
	if r == nil || m.resp != r.id {
		return
	}
	switch m.kind {
	case msgSentence:
		r.text = append(r.text, m.text)
		r.speaker.enqueue(m.text)
	case msgGenerated:
		o.onGenerated(r, m)
	case msgToolResult:
		o.onToolResult(m.result)
	case msgToolsDone:
		o.continueResponse(r)
	case msgAudioStarted:
		if !r.started {
			r.started = true
			r.start = m.at
			o.metrics.RecordFirstAudio(m.at.Sub(r.finalizedAt))
		}
		if o.state == StateGeneratingResponse {
			o.bargeStart = time.Time{}
			o.transition(StateSpeakingAgent)
		}
	case msgSpeakerIdle:
		if o.state == StateSpeakingAgent && (r.generating || r.dispatching) {
			o.transition(StateGeneratingResponse)
		}
	case msgSpeakerDone:
		o.completeResponse(r)
	case msgSpeakerError:
		if !m.midStream || fault.IsFatal(m.err) {
			o.fail(m.err)
			return
		}
		o.metrics.RecordAdapterFailure(string(fault.StageSynthesis), fault.KindTransient.String())
		o.logger.Warn().Err(m.err).Msg("Sentence abandoned mid-stream")
	}
}

// completeResponse records the agent turn once its audio has played out,
// then hands the call off or goes back to listening.
func (o *Orchestrator) completeResponse(r *response) {
	end := time.Now()
	r.cancel()
	o.resp = nil

	if text := strings.Join(r.text, " "); text != "" {
		start := r.start
		if !r.started {
			start = end
		}
		turn, err := o.conv.AppendTurn(conversation.Turn{
			Speaker: conversation.SpeakerAgent,
			Text:    text,
			Start:   start,
			End:     end,
		})
		if err != nil {
			o.logger.Warn().Err(err).Msg("Agent turn rejected")
		} else {
			o.recordTurn(turn)
		}
	} else {
		o.logger.Warn().Err(errNoAudio).Msg("Empty response")
	}

	if r.handoffTarget != "" {
		o.handoff(r)
		return
	}
	o.resumeListening()
}

func (o *Orchestrator) resumeListening() {
	if !o.conv.PartialActive() {
		o.transition(StateIdle)
		return
	}
	o.transition(StateListeningCaller)
	if !o.speaking {
		o.armSilence()
	}
}

// interrupt stops the agent mid-response because the caller barged in.
func (o *Orchestrator) interrupt(at time.Time) {
	r := o.resp
	if r == nil {
		return
	}
	callerStart := o.bargeStart
	o.resp = nil
	r.cancel()
	o.tts.Stop()
	_, dropped := o.bus.FlushOutbound()
	o.metrics.RecordInterruption(dropped)

	if text := strings.Join(r.text, " "); text != "" && r.started {
		end := at
		if end.Before(r.start) {
			end = r.start
		}
		turn, err := o.conv.AppendTurn(conversation.Turn{
			Speaker:     conversation.SpeakerAgent,
			Text:        text,
			Start:       r.start,
			End:         end,
			Interrupted: true,
		})
		if err != nil {
			o.logger.Warn().Err(err).Msg("Interrupted agent turn rejected")
		} else {
			o.recordTurn(turn)
		}
	}
	for _, id := range o.conv.PendingToolCalls() {
		res := tools.Result{RequestID: id, Status: tools.StatusFailed, Error: "interrupted", CompletedAt: at}
		if err := o.conv.RecordToolResult(id, res); err != nil {
			o.logger.Warn().Err(err).Str("requestId", id).Msg("Tool result not recorded")
		}
	}
	o.logger.Info().Int("flushedFrames", dropped).Msg("Agent interrupted by caller")

	if !o.conv.PartialActive() {
		if err := o.conv.BeginPartial(callerStart); err != nil {
			o.logger.Warn().Err(err).Msg("Partial not started")
		}
	}
	o.bargeStart = time.Time{}
	o.speaking = true
	o.holdoff.stop()
	o.deadline.stop()
	o.transition(StateListeningCaller)
}

// handoff transfers the call to another agent with a snapshot of the turns.
func (o *Orchestrator) handoff(r *response) {
	p := HandoffPacket{
		ID:          uuid.NewString(),
		FromCallID:  o.callID,
		FromAgentID: o.agent.AgentID,
		TargetAgent: r.handoffTarget,
		Reason:      r.handoffReason,
		Turns:       o.conv.Snapshot().Turns,
		CreatedAt:   time.Now(),
	}
	if o.onHandoff != nil {
		o.onHandoff(p)
	}
	o.events.Handoff(o.ctx, p)
	o.control(Control{Action: ActionTransfer, Target: p.TargetAgent, Reason: p.Reason, HandoffID: p.ID})
	o.logger.Info().Str("handoffId", p.ID).Str("targetAgent", p.TargetAgent).Msg("Call handed off")
	o.transition(StateIdle)
	o.end(StatusCompleted, "transferred")
}

// transition moves the state machine. Invalid moves are logged and counted
// and leave the state unchanged.
func (o *Orchestrator) transition(to State) bool {
	from := o.state
	if from == to {
		return true
	}
	if !CanTransition(from, to) {
		o.violation(from, to)
		return false
	}
	o.state = to
	o.metrics.RecordStateTransition(from.String(), to.String())
	o.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("State transition")
	o.updateInfo(func(c *CallInfo) { c.State = to.String() })
	return true
}

func (o *Orchestrator) violation(from, to State) {
	o.metrics.RecordStateViolation(from.String(), to.String())
	o.logger.Warn().
		Err(fault.ErrStateViolation).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Invalid state transition ignored")
}

// fail ends the call after an unrecoverable adapter error, asking the
// transport for the agent's fallback.
func (o *Orchestrator) fail(err error) {
	if o.state.IsTerminal() || o.finished {
		return
	}
	stage := fault.StageOf(err)
	if stage != fault.StageTranscription {
		kind := fault.KindTransient
		if fault.IsFatal(err) {
			kind = fault.KindFatal
		}
		o.metrics.RecordAdapterFailure(string(stage), kind.String())
	}
	o.logger.Error().Err(err).Str("stage", string(stage)).Msg("Call failed")

	o.transition(StateFailed)
	o.stopResponse()
	if o.agent.FallbackAction == config.FallbackTransfer {
		o.control(Control{Action: ActionTransfer, Target: o.cfg.FallbackTarget, Reason: err.Error()})
	} else {
		o.control(Control{Action: ActionFallback, Reason: config.FallbackApology})
	}
	o.control(Control{Action: ActionTerminate, Reason: "adapter failure"})
	o.end(StatusFailed, fmt.Sprintf("%s failure", stage))
}

func (o *Orchestrator) stopResponse() {
	r := o.resp
	if r == nil {
		return
	}
	o.resp = nil
	r.cancel()
	o.tts.Stop()
	o.bus.FlushOutbound()
}

func (o *Orchestrator) control(c Control) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ControlTimeout)
	defer cancel()
	if err := o.transport.Control(ctx, o.callID, c); err != nil {
		o.logger.Warn().Err(err).Str("action", string(c.Action)).Msg("Call control failed")
	}
}

// release closes the adapters and the bus of a call.
func (o *Orchestrator) release() {
	o.cancel()
	if err := o.stt.Close(); err != nil {
		o.logger.Warn().Err(err).Msg("Transcription close failed")
	}
	if err := o.tts.Close(); err != nil {
		o.logger.Warn().Err(err).Msg("Synthesis close failed")
	}
	o.bus.Close()
}

func (o *Orchestrator) end(status Status, reason string) {
	if o.finished {
		return
	}
	o.finished = true
	o.status = status
	o.endReason = reason
}

// shutdown releases every per-call resource. It runs on every exit path.
func (o *Orchestrator) shutdown() {
	o.stopResponse()
	o.holdoff.stop()
	o.deadline.stop()
	o.conv.DiscardPartial()
	o.release()

	if o.status == "" {
		o.status = StatusCompleted
	}
	now := time.Now()
	o.updateInfo(func(c *CallInfo) {
		c.Status = o.status
		c.EndedAt = now
		c.EndReason = o.endReason
	})
	info := o.Info()
	o.metrics.RecordCallEnd(string(o.status), now.Sub(info.StartedAt))

	counters := o.conv.Counters()
	o.logger.Info().
		Str("status", string(o.status)).
		Str("reason", o.endReason).
		Int("turns", info.TurnNumber).
		Int("generations", counters.Generations).
		Int64("costMicros", counters.CostMicros).
		Msg("Call ended")
	o.events.CallEnded(context.Background(), info)
	if o.onEnd != nil {
		o.onEnd()
	}
	close(o.done)
}

