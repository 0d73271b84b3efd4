package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Fallback actions requested from the transport when a call fails.
const (
	FallbackApology  = "apology"
	FallbackTransfer = "transfer"
)

// AgentConfig is the per-agent tuning surface consumed by the turn orchestrator.
// Durations are expressed in milliseconds to match the stored documents.
type AgentConfig struct {
	AgentID      string `yaml:"agent_id"`
	SystemPrompt string `yaml:"system_prompt"`

	MaxTurnTimeMs         int     `yaml:"max_turn_time_ms"`
	HoldoffMs             int     `yaml:"holdoff_ms"`
	InterruptionThreshold float64 `yaml:"interruption_threshold"`
	InterruptionMinMs     int     `yaml:"interruption_min_ms"`

	MaxToolCalls     int    `yaml:"max_tool_calls"`
	MaxParallelTools int    `yaml:"max_parallel_tools"`
	ToolTimeoutMs    int    `yaml:"tool_timeout_ms"`
	ToolRetries      int    `yaml:"tool_retries"`
	RetryDelayMs     int    `yaml:"retry_delay_ms"`
	StallThresholdMs int    `yaml:"stall_threshold_ms"`
	FillerPhrase     string `yaml:"filler_phrase"`
	// Tools limits the registered tools offered to the model. Empty offers all.
	Tools []string `yaml:"tools"`
	// HandoffTargets are the agents this agent may transfer a call to.
	HandoffTargets []string `yaml:"handoff_targets"`

	AdapterRetries      int    `yaml:"adapter_retries"`
	GenerationTimeoutMs int    `yaml:"generation_timeout_ms"`
	FallbackAction      string `yaml:"fallback_action"`

	VAD   VADConfig   `yaml:"vad"`
	Model ModelConfig `yaml:"model"`
}

// VADConfig tunes voice activity detection on inbound frames.
type VADConfig struct {
	SpeechThreshold float64 `yaml:"speech_threshold"`
	WindowFrames    int     `yaml:"window_frames"`
}

// ModelConfig is passed through to the response generator untouched,
// apart from Name which selects the generator from the model registry.
type ModelConfig struct {
	Name        string            `yaml:"name"`
	Temperature float64           `yaml:"temperature"`
	MaxTokens   int               `yaml:"max_tokens"`
	Params      map[string]string `yaml:"params"`
}

// DefaultAgentConfig returns an agent configuration with every default applied.
func DefaultAgentConfig(agentID string) AgentConfig {
	c := AgentConfig{AgentID: agentID}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *AgentConfig) ApplyDefaults() {
	if c.MaxTurnTimeMs == 0 {
		c.MaxTurnTimeMs = 1500
	}
	if c.HoldoffMs == 0 {
		c.HoldoffMs = 700
	}
	if c.InterruptionThreshold == 0 {
		c.InterruptionThreshold = 0.7
	}
	if c.InterruptionMinMs == 0 {
		c.InterruptionMinMs = 300
	}
	if c.MaxToolCalls == 0 {
		c.MaxToolCalls = 8
	}
	if c.MaxParallelTools == 0 {
		c.MaxParallelTools = 4
	}
	if c.ToolTimeoutMs == 0 {
		c.ToolTimeoutMs = 30000
	}
	if c.ToolRetries == 0 {
		c.ToolRetries = 2
	}
	if c.RetryDelayMs == 0 {
		c.RetryDelayMs = 1000
	}
	if c.StallThresholdMs == 0 {
		c.StallThresholdMs = c.ToolTimeoutMs / 2
	}
	if c.AdapterRetries == 0 {
		c.AdapterRetries = 2
	}
	if c.GenerationTimeoutMs == 0 {
		c.GenerationTimeoutMs = 10000
	}
	if c.FallbackAction == "" {
		c.FallbackAction = FallbackApology
	}
	if c.VAD.SpeechThreshold == 0 {
		c.VAD.SpeechThreshold = 0.3
	}
	if c.VAD.WindowFrames == 0 {
		c.VAD.WindowFrames = 5
	}
	if c.Model.Name == "" {
		c.Model.Name = "scripted"
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = "You are a helpful phone agent. Keep answers short and speakable."
	}
}

// AllowsTool reports whether the tool may be offered to the model.
func (c AgentConfig) AllowsTool(name string) bool {
	if len(c.Tools) == 0 {
		return true
	}
	for _, t := range c.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// CanHandoffTo reports whether target is a configured handoff target.
func (c AgentConfig) CanHandoffTo(target string) bool {
	for _, t := range c.HandoffTargets {
		if t == target {
			return true
		}
	}
	return false
}

// Validate checks ranges and cross-field constraints.
func (c *AgentConfig) Validate() error {
	var errs []error
	if c.AgentID == "" {
		errs = append(errs, errors.New("agent_id is required"))
	}
	if c.MaxTurnTimeMs < 0 {
		errs = append(errs, fmt.Errorf("max_turn_time_ms must be positive, got %d", c.MaxTurnTimeMs))
	}
	if c.HoldoffMs < 0 {
		errs = append(errs, fmt.Errorf("holdoff_ms must be positive, got %d", c.HoldoffMs))
	}
	if c.InterruptionThreshold < 0 || c.InterruptionThreshold > 1 {
		errs = append(errs, fmt.Errorf("interruption_threshold must be within [0,1], got %v", c.InterruptionThreshold))
	}
	if c.VAD.SpeechThreshold < 0 || c.VAD.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.speech_threshold must be within [0,1], got %v", c.VAD.SpeechThreshold))
	}
	if c.MaxToolCalls < 0 || c.MaxParallelTools < 0 || c.ToolRetries < 0 || c.AdapterRetries < 0 {
		errs = append(errs, errors.New("tool and retry limits must not be negative"))
	}
	if c.ToolTimeoutMs < 0 || c.RetryDelayMs < 0 || c.GenerationTimeoutMs < 0 || c.StallThresholdMs < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	for _, t := range c.HandoffTargets {
		if t == c.AgentID {
			errs = append(errs, fmt.Errorf("handoff_targets must not include the agent itself"))
		}
	}
	if c.FallbackAction != FallbackApology && c.FallbackAction != FallbackTransfer {
		errs = append(errs, fmt.Errorf("fallback_action must be %q or %q, got %q", FallbackApology, FallbackTransfer, c.FallbackAction))
	}
	return errors.Join(errs...)
}

// ParseAgentConfig decodes a YAML agent document. Unknown keys are rejected.
func ParseAgentConfig(data []byte) (AgentConfig, error) {
	return DecodeAgentConfig(bytes.NewReader(data))
}

// DecodeAgentConfig decodes, defaults and validates an agent document.
func DecodeAgentConfig(r io.Reader) (AgentConfig, error) {
	var c AgentConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return AgentConfig{}, fmt.Errorf("decode agent config: %w", err)
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return AgentConfig{}, fmt.Errorf("invalid agent config %q: %w", c.AgentID, err)
	}
	return c, nil
}

// MaxTurnTime returns max_turn_time_ms as a duration.
func (c AgentConfig) MaxTurnTime() time.Duration {
	return ms(c.MaxTurnTimeMs)
}

// Holdoff returns the silence hold-off, clamped to the max turn time.
func (c AgentConfig) Holdoff() time.Duration {
	h := ms(c.HoldoffMs)
	if limit := c.MaxTurnTime(); h > limit {
		return limit
	}
	return h
}

// InterruptionMin returns the minimum sustained barge-in duration.
func (c AgentConfig) InterruptionMin() time.Duration { return ms(c.InterruptionMinMs) }

// ToolTimeout returns the per-request tool timeout.
func (c AgentConfig) ToolTimeout() time.Duration { return ms(c.ToolTimeoutMs) }

// RetryDelay returns the initial retry backoff interval.
func (c AgentConfig) RetryDelay() time.Duration { return ms(c.RetryDelayMs) }

// StallThreshold returns the expected tool latency above which a filler is spoken.
func (c AgentConfig) StallThreshold() time.Duration { return ms(c.StallThresholdMs) }

// GenerationTimeout bounds a single generation attempt, model thinking time included.
func (c AgentConfig) GenerationTimeout() time.Duration { return ms(c.GenerationTimeoutMs) }

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
