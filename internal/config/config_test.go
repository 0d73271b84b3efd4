package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	envVars := []string{
		"SERVICE_PRINCIPAL", "GRPC_PORT", "HTTP_PORT", "LOG_LEVEL", "LOG_FORMAT",
		"STT_PROVIDER", "STT_LANGUAGE_CODE", "STT_SAMPLE_RATE_HZ",
		"STT_INTERIM_RESULTS", "STT_AUDIO_ENCODING",
		"AUDIO_FRAME_DURATION", "AUDIO_ENCODING", "KAFKA_ENABLED", "KAFKA_BROKERS",
		"AGENT_STORE", "DEFAULT_AGENT_ID", "FALLBACK_TARGET", "KAFKA_QUEUE_SIZE",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}

	cfg := Load()

	if cfg.Service.Principal != "svc-voice-orchestrator" {
		t.Errorf("expected default principal 'svc-voice-orchestrator', got %s", cfg.Service.Principal)
	}
	if cfg.Service.GRPCPort != "50051" {
		t.Errorf("expected default port '50051', got %s", cfg.Service.GRPCPort)
	}
	if cfg.STT.Provider != "mock" {
		t.Errorf("expected default STT provider 'mock', got %s", cfg.STT.Provider)
	}
	if cfg.STT.SampleRateHz != 8000 {
		t.Errorf("expected default sample rate 8000, got %d", cfg.STT.SampleRateHz)
	}
	if !cfg.STT.InterimResults {
		t.Errorf("expected default interim results true")
	}
	if cfg.Audio.FrameDuration != 20*time.Millisecond {
		t.Errorf("expected default frame duration 20ms, got %v", cfg.Audio.FrameDuration)
	}
	if cfg.Audio.Encoding != "pcm16" {
		t.Errorf("expected default encoding pcm16, got %s", cfg.Audio.Encoding)
	}
	if cfg.Kafka.Enabled {
		t.Error("expected kafka disabled by default")
	}
	if len(cfg.Kafka.Brokers) != 0 {
		t.Errorf("expected no brokers, got %v", cfg.Kafka.Brokers)
	}
	if cfg.Store.Backend != "file" {
		t.Errorf("expected file store, got %s", cfg.Store.Backend)
	}
	if cfg.Calls.FallbackTarget != "human" {
		t.Errorf("expected fallback target 'human', got %s", cfg.Calls.FallbackTarget)
	}
	if cfg.Kafka.QueueSize != 1024 {
		t.Errorf("expected queue size 1024, got %d", cfg.Kafka.QueueSize)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("expected default log level 'info', got %s", cfg.Observability.LogLevel)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("SERVICE_PRINCIPAL", "custom-principal")
	t.Setenv("GRPC_PORT", "9999")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("STT_PROVIDER", "google")
	t.Setenv("STT_SAMPLE_RATE_HZ", "16000")
	t.Setenv("STT_INTERIM_RESULTS", "false")
	t.Setenv("AUDIO_FRAME_DURATION", "10ms")
	t.Setenv("AUDIO_ENCODING", "pcmu")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("AGENT_STORE", "redis")

	cfg := Load()

	if cfg.Service.Principal != "custom-principal" {
		t.Errorf("expected principal 'custom-principal', got %s", cfg.Service.Principal)
	}
	if cfg.Service.GRPCPort != "9999" {
		t.Errorf("expected port '9999', got %s", cfg.Service.GRPCPort)
	}
	if cfg.STT.Provider != "google" {
		t.Errorf("expected STT provider 'google', got %s", cfg.STT.Provider)
	}
	if cfg.STT.SampleRateHz != 16000 {
		t.Errorf("expected sample rate 16000, got %d", cfg.STT.SampleRateHz)
	}
	if cfg.STT.InterimResults {
		t.Error("expected interim results false")
	}
	if cfg.Audio.FrameDuration != 10*time.Millisecond {
		t.Errorf("expected 10ms frames, got %v", cfg.Audio.FrameDuration)
	}
	if cfg.Audio.Encoding != "pcmu" {
		t.Errorf("expected pcmu, got %s", cfg.Audio.Encoding)
	}
	if !cfg.Kafka.Enabled {
		t.Error("expected kafka enabled")
	}
	if strings.Join(cfg.Kafka.Brokers, "|") != "k1:9092|k2:9092" {
		t.Errorf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
	if cfg.Store.Backend != "redis" {
		t.Errorf("expected redis store, got %s", cfg.Store.Backend)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("expected log level 'debug', got %s", cfg.Observability.LogLevel)
	}
}

func TestLoad_InvalidValues_FallbackToDefaults(t *testing.T) {
	t.Setenv("STT_SAMPLE_RATE_HZ", "not-a-number")
	t.Setenv("STT_INTERIM_RESULTS", "invalid")
	t.Setenv("AUDIO_FRAME_DURATION", "invalid")
	t.Setenv("AUDIO_OUTBOUND_QUEUE", "many")

	cfg := Load()

	if cfg.STT.SampleRateHz != 8000 {
		t.Errorf("expected default sample rate on invalid input, got %d", cfg.STT.SampleRateHz)
	}
	if !cfg.STT.InterimResults {
		t.Errorf("expected default interim results on invalid input")
	}
	if cfg.Audio.FrameDuration != 20*time.Millisecond {
		t.Errorf("expected default frame duration on invalid input, got %v", cfg.Audio.FrameDuration)
	}
	if cfg.Audio.OutboundQueue != 50 {
		t.Errorf("expected default outbound queue on invalid input, got %d", cfg.Audio.OutboundQueue)
	}
}

func TestLoad_KafkaPrincipal_FallsBackToServicePrincipal(t *testing.T) {
	t.Setenv("SERVICE_PRINCIPAL", "my-service")
	os.Unsetenv("KAFKA_PRINCIPAL")

	cfg := Load()

	if cfg.Kafka.Principal != "my-service" {
		t.Errorf("expected Kafka principal to fall back to service principal, got %s", cfg.Kafka.Principal)
	}
}

func TestEnvOrDefaultBool(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		def      bool
		expected bool
	}{
		{"true string", "true", false, true},
		{"false string", "false", true, false},
		{"1", "1", false, true},
		{"0", "0", true, false},
		{"TRUE uppercase", "TRUE", false, true},
		{"invalid", "invalid", true, true},
		{"empty", "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_BOOL_VAR"
			if tt.envValue != "" {
				os.Setenv(key, tt.envValue)
			} else {
				os.Unsetenv(key)
			}
			defer os.Unsetenv(key)

			got := envOrDefaultBool(key, tt.def)
			if got != tt.expected {
				t.Errorf("envOrDefaultBool(%s, %v) = %v, want %v", tt.envValue, tt.def, got, tt.expected)
			}
		})
	}
}
