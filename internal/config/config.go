// Package config loads service configuration from the environment and
// per-agent configuration from YAML documents.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Configuration is the process-wide service configuration.
type Configuration struct {
	Service       ServiceConfig
	STT           STTConfig
	Audio         AudioConfig
	Kafka         KafkaConfig
	Store         StoreConfig
	Calls         CallsConfig
	Observability ObservabilityConfig
}

// ServiceConfig holds identity and listener settings.
type ServiceConfig struct {
	Principal string
	GRPCPort  string
	HTTPPort  string
}

// STTConfig selects and configures the speech-to-text provider.
type STTConfig struct {
	Provider       string // mock, google
	LanguageCode   string
	SampleRateHz   int
	InterimResults bool
	AudioEncoding  string // LINEAR16, MULAW
}

// AudioConfig describes the transport frame format.
type AudioConfig struct {
	FrameDuration time.Duration
	SampleRateHz  int
	Encoding      string // pcm16, pcmu
	InboundBuffer int    // frames buffered between transport and call task
	OutboundQueue int    // synthesized frames queued for playback
}

// KafkaConfig configures the event publisher.
type KafkaConfig struct {
	Enabled    bool
	Brokers    []string
	TopicTurns string
	TopicAudit string
	TopicCalls string
	Principal  string
	QueueSize  int
}

// StoreConfig selects where agent configurations are loaded from.
type StoreConfig struct {
	Backend        string // file, redis
	AgentConfigDir string
	RedisAddr      string
	RedisKeyPrefix string
	DefaultAgentID string
}

// CallsConfig bounds and tunes the call manager.
type CallsConfig struct {
	MaxCalls          int
	FallbackTarget    string
	ControlTimeout    time.Duration
	AdapterRetryDelay time.Duration
	BalanceLatency    time.Duration
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string
}

// Load reads the configuration from the environment.
// Invalid values fall back to defaults.
func Load() *Configuration {
	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-voice-orchestrator")

	return &Configuration{
		Service: ServiceConfig{
			Principal: principal,
			GRPCPort:  envOrDefault("GRPC_PORT", "50051"),
			HTTPPort:  envOrDefault("HTTP_PORT", "8080"),
		},
		STT: STTConfig{
			Provider:       envOrDefault("STT_PROVIDER", "mock"),
			LanguageCode:   envOrDefault("STT_LANGUAGE_CODE", "en-US"),
			SampleRateHz:   envOrDefaultInt("STT_SAMPLE_RATE_HZ", 8000),
			InterimResults: envOrDefaultBool("STT_INTERIM_RESULTS", true),
			AudioEncoding:  envOrDefault("STT_AUDIO_ENCODING", "LINEAR16"),
		},
		Audio: AudioConfig{
			FrameDuration: envOrDefaultDuration("AUDIO_FRAME_DURATION", 20*time.Millisecond),
			SampleRateHz:  envOrDefaultInt("AUDIO_SAMPLE_RATE_HZ", 8000),
			Encoding:      envOrDefault("AUDIO_ENCODING", "pcm16"),
			InboundBuffer: envOrDefaultInt("AUDIO_INBOUND_BUFFER", 256),
			OutboundQueue: envOrDefaultInt("AUDIO_OUTBOUND_QUEUE", 50),
		},
		Kafka: KafkaConfig{
			Enabled:    envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:    splitList(envOrDefault("KAFKA_BROKERS", "")),
			TopicTurns: envOrDefault("KAFKA_TOPIC_TURNS", "voice.call.turns"),
			TopicAudit: envOrDefault("KAFKA_TOPIC_AUDIT", "voice.tool.audit"),
			TopicCalls: envOrDefault("KAFKA_TOPIC_CALLS", "voice.call.events"),
			Principal:  envOrDefault("KAFKA_PRINCIPAL", principal),
			QueueSize:  envOrDefaultInt("KAFKA_QUEUE_SIZE", 1024),
		},
		Store: StoreConfig{
			Backend:        envOrDefault("AGENT_STORE", "file"),
			AgentConfigDir: envOrDefault("AGENT_CONFIG_DIR", "./agents"),
			RedisAddr:      envOrDefault("REDIS_ADDR", "localhost:6379"),
			RedisKeyPrefix: envOrDefault("REDIS_KEY_PREFIX", "voice:agent:"),
			DefaultAgentID: envOrDefault("DEFAULT_AGENT_ID", "default"),
		},
		Calls: CallsConfig{
			MaxCalls:          envOrDefaultInt("MAX_CALLS", 0),
			FallbackTarget:    envOrDefault("FALLBACK_TARGET", "human"),
			ControlTimeout:    envOrDefaultDuration("CONTROL_TIMEOUT", 2*time.Second),
			AdapterRetryDelay: envOrDefaultDuration("ADAPTER_RETRY_DELAY", 200*time.Millisecond),
			BalanceLatency:    envOrDefaultDuration("TOOL_BALANCE_LATENCY", 300*time.Millisecond),
		},
		Observability: ObservabilityConfig{
			LogLevel:  envOrDefault("LOG_LEVEL", "info"),
			LogFormat: envOrDefault("LOG_FORMAT", "json"),
		},
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envOrDefaultBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
