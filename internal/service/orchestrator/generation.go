package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ai-voice-orchestrator-service/internal/service/conversation"
	"ai-voice-orchestrator-service/internal/service/fault"
	"ai-voice-orchestrator-service/internal/service/llm"
	"ai-voice-orchestrator-service/internal/service/tools"
)

// response is the agent's answer to one caller turn: one or more generation
// rounds, the tool rounds between them, and the audio they produce.
type response struct {
	id          uint64
	ctx         context.Context
	cancel      context.CancelFunc
	turnID      string
	speaker     *speaker
	finalizedAt time.Time

	text    []string
	started bool
	start   time.Time

	rounds      int
	toolCalls   int
	generating  bool
	dispatching bool

	handoffTarget string
	handoffReason string
}

// request builds the next generation request from the conversation.
func (o *Orchestrator) request(allowTools bool) llm.Request {
	req := llm.Request{
		CallID: o.callID,
		Model: llm.ModelParams{
			Name:        o.model.Name,
			Temperature: o.agent.Model.Temperature,
			MaxTokens:   o.agent.Model.MaxTokens,
			Params:      o.agent.Model.Params,
		},
		Messages: buildMessages(o.agent.SystemPrompt, o.conv.Snapshot()),
	}
	if allowTools {
		req.Tools = o.specs
	}
	return req
}

// buildMessages renders a snapshot as a prompt: caller turns as user
// messages, agent turns as assistant messages, and each tool round as an
// assistant tool-call message followed by its results in completion order.
func buildMessages(system string, snap conversation.Snapshot) []llm.Message {
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: system}}
	msgs = appendRounds(msgs, snap, 0)
	for _, t := range snap.Turns {
		role := llm.RoleUser
		if t.Speaker == conversation.SpeakerAgent {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Text})
		msgs = appendRounds(msgs, snap, t.Number)
	}
	return msgs
}

func appendRounds(msgs []llm.Message, snap conversation.Snapshot, turn int) []llm.Message {
	for _, round := range snap.RoundsAfter(turn) {
		call := llm.Message{Role: llm.RoleAssistant, Content: round.Preamble}
		names := make(map[string]string, len(round.Calls))
		for _, tc := range round.Calls {
			call.ToolCalls = append(call.ToolCalls, llm.ToolCall{ID: tc.RequestID, Name: tc.Name, Arguments: tc.Input})
			names[tc.RequestID] = tc.Name
		}
		msgs = append(msgs, call)
		for _, id := range round.Completed {
			res := snap.Results[id]
			if res == nil {
				continue
			}
			msgs = append(msgs, llm.Message{Role: llm.RoleTool, ToolCallID: id, Name: names[id], Content: res.Content()})
		}
	}
	return msgs
}

// toolSpecs lists the tools offered to the model by this agent.
func (o *Orchestrator) toolSpecs() []llm.ToolSpec {
	var specs []llm.ToolSpec
	for _, t := range o.tools.Registry().List() {
		if o.agent.AllowsTool(t.Name()) {
			specs = append(specs, llm.ToolSpec{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()})
		}
	}
	if len(o.agent.HandoffTargets) > 0 {
		specs = append(specs, llm.ToolSpec{
			Name:        tools.HandoffToolName,
			Description: "Transfer the caller to another agent: " + strings.Join(o.agent.HandoffTargets, ", "),
			Parameters:  tools.HandoffParameters,
		})
	}
	return specs
}

// generate runs one generation round in the background. The round is
// retried from scratch while it has produced no speech; once a sentence has
// been handed to the speaker a failure ends the round with what was said.
func (o *Orchestrator) generate(r *response, req llm.Request) {
	r.generating = true
	r.rounds++
	policy := fault.Policy{Retries: o.agent.AdapterRetries, Delay: o.cfg.AdapterRetryDelay}
	timeout := o.agent.GenerationTimeout()

	go func() {
		start := time.Now()
		var (
			emitted bool
			frags   []llm.Fragment
			calls   []llm.ToolCall
			cause   error
		)
		_, err := fault.Retry(r.ctx, policy, fault.StageGeneration, func() (struct{}, error) {
			frags = frags[:0]
			ctx, cancel := context.WithTimeout(r.ctx, timeout)
			defer cancel()

			stream, err := o.model.Generator.Generate(ctx, req)
			if err != nil {
				return struct{}{}, err
			}
			var sentences llm.SentenceBuffer
			var streamErr error
			for f := range stream {
				if f.Err != nil {
					streamErr = f.Err
					break
				}
				frags = append(frags, f)
				if f.Kind != llm.FragmentText {
					continue
				}
				for _, s := range sentences.Push(f.Text) {
					emitted = true
					o.post(workerMsg{kind: msgSentence, resp: r.id, text: s})
				}
			}
			if streamErr == nil && ctx.Err() != nil && r.ctx.Err() == nil {
				streamErr = fmt.Errorf("generation exceeded %s", timeout)
			}
			if r.ctx.Err() != nil {
				return struct{}{}, fault.Fatal(fault.StageGeneration, r.ctx.Err())
			}
			if streamErr != nil {
				if !emitted {
					return struct{}{}, streamErr
				}
				cause = streamErr
			}
			if rest := sentences.Flush(); rest != "" {
				emitted = true
				o.post(workerMsg{kind: msgSentence, resp: r.id, text: rest})
			}
			if cause != nil {
				return struct{}{}, nil
			}
			detected, err := llm.DetectToolCalls(frags)
			if err != nil {
				if emitted {
					cause = err
					return struct{}{}, nil
				}
				return struct{}{}, err
			}
			calls = detected
			return struct{}{}, nil
		}, func(err error, next time.Duration) {
			o.metrics.RecordAdapterRetry(string(fault.StageGeneration))
			o.logger.Warn().Err(err).Dur("backoff", next).Msg("Retrying generation")
		})
		if r.ctx.Err() != nil {
			return
		}
		o.post(workerMsg{
			kind:    msgGenerated,
			resp:    r.id,
			calls:   calls,
			text:    llm.CollectText(frags),
			usage:   llm.TotalUsage(frags),
			elapsed: time.Since(start),
			err:     err,
			cause:   cause,
		})
	}()
}

// onGenerated handles the end of a generation round.
func (o *Orchestrator) onGenerated(r *response, m workerMsg) {
	r.generating = false
	o.conv.AddUsage(m.usage.PromptTokens, m.usage.CompletionTokens, o.model.Pricing.Cost(m.usage))
	o.metrics.RecordGeneration(o.model.Name, m.err, m.elapsed, m.usage.PromptTokens+m.usage.CompletionTokens)

	if m.err != nil {
		o.fail(m.err)
		return
	}
	if m.cause != nil {
		o.metrics.RecordAdapterFailure(string(fault.StageGeneration), fault.KindTransient.String())
		o.logger.Warn().Err(m.cause).Int("round", r.rounds).Msg("Generation ended early, keeping what was said")
	}
	if len(m.calls) > 0 && m.cause == nil {
		o.startToolRound(r, m.text, m.calls)
		return
	}
	r.speaker.close()
}

// startToolRound registers the requested calls and dispatches them.
// Calls over the agent's budget, handoffs and disallowed tools are answered
// immediately without dispatch.
func (o *Orchestrator) startToolRound(r *response, preamble string, calls []llm.ToolCall) {
	budget := o.agent.MaxToolCalls - r.toolCalls
	now := time.Now()

	var (
		reqs      []tools.Request
		immediate []tools.Result
		entries   = make([]conversation.ToolCall, 0, len(calls))
	)
	for i, tc := range calls {
		req := tools.Request{
			ID:         uuid.NewString(),
			CallID:     o.callID,
			Name:       tc.Name,
			Input:      tc.Arguments,
			Timeout:    o.agent.ToolTimeout(),
			MaxRetries: o.agent.ToolRetries,
			RetryDelay: o.agent.RetryDelay(),
		}
		entries = append(entries, conversation.ToolCall{RequestID: req.ID, Name: req.Name, Input: req.Input})
		switch {
		case i >= budget:
			immediate = append(immediate, tools.Failed(req, fmt.Sprintf("max_tool_calls (%d) exceeded", o.agent.MaxToolCalls)))
		case tc.Name == tools.HandoffToolName:
			immediate = append(immediate, o.handoffResult(r, req))
		case !o.agent.AllowsTool(tc.Name):
			immediate = append(immediate, tools.Failed(req, "tool not available to this agent"))
		default:
			reqs = append(reqs, req)
		}
	}
	r.toolCalls += len(calls)

	if err := o.conv.RegisterToolCalls(preamble, entries); err != nil {
		o.logger.Warn().Err(err).Msg("Tool calls not registered")
		r.speaker.close()
		return
	}
	for _, res := range immediate {
		res.CompletedAt = now
		if err := o.conv.RecordToolResult(res.RequestID, res); err != nil {
			o.logger.Warn().Err(err).Str("requestId", res.RequestID).Msg("Tool result not recorded")
		}
	}
	if len(reqs) == 0 {
		o.continueResponse(r)
		return
	}

	if expected := o.tools.Registry().ExpectedLatency(reqs); o.agent.FillerPhrase != "" && expected > o.agent.StallThreshold() {
		r.text = append(r.text, o.agent.FillerPhrase)
		r.speaker.enqueue(o.agent.FillerPhrase)
		o.metrics.RecordStallFiller()
	}

	mode := tools.ModeFor(len(reqs))
	o.logger.Debug().Int("calls", len(reqs)).Str("mode", mode.String()).Msg("Dispatching tool calls")
	r.dispatching = true
	go func() {
		for res := range o.tools.Dispatch(r.ctx, reqs, mode) {
			o.post(workerMsg{kind: msgToolResult, resp: r.id, result: res})
		}
		o.post(workerMsg{kind: msgToolsDone, resp: r.id})
	}()
}

func (o *Orchestrator) onToolResult(res tools.Result) {
	if err := o.conv.RecordToolResult(res.RequestID, res); err != nil {
		o.logger.Warn().Err(err).Str("requestId", res.RequestID).Msg("Tool result not recorded")
	}
}

// continueResponse re-invokes the model with the tool results merged.
func (o *Orchestrator) continueResponse(r *response) {
	r.dispatching = false
	o.generate(r, o.request(r.toolCalls < o.agent.MaxToolCalls))
}

// handoffResult answers the handoff tool and marks the response for transfer.
func (o *Orchestrator) handoffResult(r *response, req tools.Request) tools.Result {
	var args struct {
		TargetAgent string `json:"target_agent"`
		Reason      string `json:"reason"`
	}
	if err := json.Unmarshal(req.Input, &args); err != nil || args.TargetAgent == "" {
		return tools.Failed(req, "target_agent is required")
	}
	if !o.agent.CanHandoffTo(args.TargetAgent) {
		return tools.Failed(req, fmt.Sprintf("cannot transfer to %q", args.TargetAgent))
	}
	r.handoffTarget = args.TargetAgent
	r.handoffReason = args.Reason
	out, _ := json.Marshal(map[string]string{"status": "transferring", "target_agent": args.TargetAgent})
	return tools.Result{
		RequestID: req.ID,
		Name:      req.Name,
		Status:    tools.StatusSuccess,
		Output:    out,
		Attempts:  1,
	}
}

var errNoAudio = errors.New("response produced no audio")
