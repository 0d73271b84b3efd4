package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultAgentConfig(t *testing.T) {
	c := DefaultAgentConfig("agent-1")

	if err := c.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if c.MaxTurnTime() != 1500*time.Millisecond {
		t.Errorf("expected 1500ms max turn time, got %v", c.MaxTurnTime())
	}
	if c.Holdoff() != 700*time.Millisecond {
		t.Errorf("expected 700ms hold-off, got %v", c.Holdoff())
	}
	if c.InterruptionThreshold != 0.7 {
		t.Errorf("expected threshold 0.7, got %v", c.InterruptionThreshold)
	}
	if c.ToolTimeout() != 30*time.Second {
		t.Errorf("expected 30s tool timeout, got %v", c.ToolTimeout())
	}
	if c.RetryDelay() != time.Second {
		t.Errorf("expected 1s retry delay, got %v", c.RetryDelay())
	}
	if c.StallThreshold() != 15*time.Second {
		t.Errorf("expected stall threshold of half the tool timeout, got %v", c.StallThreshold())
	}
	if c.AdapterRetries != 2 {
		t.Errorf("expected 2 adapter retries, got %d", c.AdapterRetries)
	}
}

func TestHoldoff_ClampedToMaxTurnTime(t *testing.T) {
	c := DefaultAgentConfig("agent-1")
	c.HoldoffMs = 5000
	c.MaxTurnTimeMs = 1200

	if c.Holdoff() != 1200*time.Millisecond {
		t.Errorf("expected hold-off clamped to 1200ms, got %v", c.Holdoff())
	}
}

func TestParseAgentConfig(t *testing.T) {
	doc := `
agent_id: support-bot
max_turn_time_ms: 1200
interruption_threshold: 0.6
tool_timeout_ms: 4000
filler_phrase: "One moment while I check that."
vad:
  speech_threshold: 0.25
model:
  name: scripted
  temperature: 0.2
  params:
    voice: alloy
`
	c, err := ParseAgentConfig([]byte(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.AgentID != "support-bot" {
		t.Errorf("unexpected agent id %q", c.AgentID)
	}
	if c.MaxTurnTimeMs != 1200 || c.InterruptionThreshold != 0.6 {
		t.Errorf("explicit values not honoured: %+v", c)
	}
	if c.StallThresholdMs != 2000 {
		t.Errorf("expected stall threshold derived from tool timeout, got %d", c.StallThresholdMs)
	}
	if c.VAD.WindowFrames != 5 {
		t.Errorf("expected default window frames, got %d", c.VAD.WindowFrames)
	}
	if c.Model.Params["voice"] != "alloy" {
		t.Errorf("expected passthrough params, got %v", c.Model.Params)
	}
}

func TestParseAgentConfig_RejectsUnknownKeys(t *testing.T) {
	doc := `
agent_id: support-bot
automated_response: true
`
	_, err := ParseAgentConfig([]byte(doc))
	if err == nil {
		t.Fatal("expected unknown key to be rejected")
	}
	if !strings.Contains(err.Error(), "automated_response") {
		t.Errorf("expected error to name the unknown key, got %v", err)
	}
}

func TestParseAgentConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing id", "max_turn_time_ms: 1000\n"},
		{"threshold above one", "agent_id: a\ninterruption_threshold: 1.5\n"},
		{"negative retries", "agent_id: a\ntool_retries: -1\n"},
		{"bad fallback", "agent_id: a\nfallback_action: hangup\n"},
		{"handoff to self", "agent_id: a\nhandoff_targets: [a]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseAgentConfig([]byte(tt.doc)); err == nil {
				t.Errorf("expected validation error for %q", tt.doc)
			}
		})
	}
}

func TestAgentConfig_ToolsAndHandoff(t *testing.T) {
	c, err := ParseAgentConfig([]byte(`
agent_id: support
tools: [get_account_balance]
handoff_targets: [billing, human]
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.AllowsTool("get_account_balance") || c.AllowsTool("echo") {
		t.Errorf("tool allow-list not applied: %v", c.Tools)
	}
	if !c.CanHandoffTo("billing") || c.CanHandoffTo("sales") {
		t.Errorf("handoff targets not applied: %v", c.HandoffTargets)
	}

	open := DefaultAgentConfig("open")
	if !open.AllowsTool("echo") {
		t.Error("empty allow-list should offer every tool")
	}
	if open.CanHandoffTo("billing") {
		t.Error("agent without targets must not hand off")
	}
}
