package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	grpcapi "ai-voice-orchestrator-service/internal/api/grpc"
	"ai-voice-orchestrator-service/internal/config"
	"ai-voice-orchestrator-service/internal/events"
	"ai-voice-orchestrator-service/internal/observability/logging"
	"ai-voice-orchestrator-service/internal/observability/metrics"
	"ai-voice-orchestrator-service/internal/service/audio"
	"ai-voice-orchestrator-service/internal/service/llm"
	"ai-voice-orchestrator-service/internal/service/orchestrator"
	"ai-voice-orchestrator-service/internal/service/stt"
	sttgoogle "ai-voice-orchestrator-service/internal/service/stt/google"
	sttmock "ai-voice-orchestrator-service/internal/service/stt/mock"
	"ai-voice-orchestrator-service/internal/service/tools"
	ttsmock "ai-voice-orchestrator-service/internal/service/tts/mock"
	"ai-voice-orchestrator-service/internal/store"
)

const (
	turnLogCalls    = 1000
	auditLogEntries = 10000
)

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Configuration

	Manager   *orchestrator.Manager
	Transport *grpcapi.Transport
	Publisher *events.Publisher
	Turns     *store.TurnLog
	Audit     *tools.MemoryAudit
	Agents    orchestrator.AgentStore

	redis  *store.RedisStore
	google *sttgoogle.Provider
}

// New constructs a new Application from the provided configuration.
func New(cfg *config.Configuration) *Application {
	logging.Init(logging.Config{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
	})

	a := &Application{
		Cfg:    cfg,
		Logger: logging.WithComponent("application"),
	}
	a.Logger.Info().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Msg("AI voice orchestrator application created")
	return a
}

// Start wires the call manager and its collaborators. It must be called
// before serving traffic.
func (a *Application) Start(ctx context.Context) error {
	cfg := a.Cfg
	a.StartupTime = time.Now().UTC()

	agents, err := a.openAgentStore(ctx)
	if err != nil {
		return err
	}
	a.Agents = agents

	models := llm.NewRegistry()
	if err := models.Register(llm.Model{
		Name:      "scripted",
		Generator: llm.NewScripted("scripted", llm.ScriptedConfig{Rules: llm.DefaultRules()}),
	}); err != nil {
		return err
	}

	sttProvider, err := a.openSTT(ctx)
	if err != nil {
		return err
	}

	enc := audio.Encoding(cfg.Audio.Encoding)
	ttsCfg := ttsmock.DefaultConfig()
	ttsCfg.Encoding = enc
	ttsCfg.SampleRateHz = cfg.Audio.SampleRateHz

	a.Publisher = events.New(&events.Config{
		Enabled:    cfg.Kafka.Enabled,
		Brokers:    cfg.Kafka.Brokers,
		TopicTurns: cfg.Kafka.TopicTurns,
		TopicAudit: cfg.Kafka.TopicAudit,
		TopicCalls: cfg.Kafka.TopicCalls,
		Principal:  cfg.Kafka.Principal,
		QueueSize:  cfg.Kafka.QueueSize,
	})
	a.Turns = store.NewTurnLog(turnLogCalls)
	a.Audit = tools.NewMemoryAudit(auditLogEntries)

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, cfg.Calls.BalanceLatency); err != nil {
		return err
	}
	dcfg := tools.DefaultDispatcherConfig()
	dcfg.Audit = tools.MultiAudit{a.Audit, a.Publisher}
	dcfg.Metrics = metrics.DefaultMetrics

	mcfg := orchestrator.DefaultConfig()
	mcfg.Encoding = enc
	mcfg.InboundBuffer = cfg.Audio.InboundBuffer
	mcfg.OutboundQueue = cfg.Audio.OutboundQueue
	mcfg.FrameBytes = audio.FrameBytes(enc, cfg.Audio.SampleRateHz, cfg.Audio.FrameDuration)
	mcfg.MaxCalls = cfg.Calls.MaxCalls
	mcfg.AdapterRetryDelay = cfg.Calls.AdapterRetryDelay
	mcfg.ControlTimeout = cfg.Calls.ControlTimeout
	mcfg.FallbackTarget = cfg.Calls.FallbackTarget

	a.Transport = grpcapi.NewTransport()
	a.Manager = orchestrator.NewManager(orchestrator.Deps{
		Agents:    agents,
		Models:    models,
		STT:       sttProvider,
		TTS:       ttsmock.NewProvider(ttsCfg),
		Tools:     tools.NewDispatcher(registry, dcfg),
		Transport: a.Transport,
		Recorder:  orchestrator.MultiRecorder{a.Turns, a.Publisher},
		Events:    a.Publisher,
		Metrics:   metrics.DefaultMetrics,
	}, mcfg)

	a.Logger.Info().
		Time("startupTime", a.StartupTime).
		Str("agentStore", cfg.Store.Backend).
		Str("sttProvider", sttProvider.Name()).
		Strs("models", models.Names()).
		Msg("AI voice orchestrator starting")
	return nil
}

func (a *Application) openAgentStore(ctx context.Context) (orchestrator.AgentStore, error) {
	cfg := a.Cfg.Store

	var primary orchestrator.AgentStore
	switch cfg.Backend {
	case "redis":
		rs, err := store.NewRedisStore(ctx, store.RedisConfig{
			Addr:      cfg.RedisAddr,
			KeyPrefix: cfg.RedisKeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		a.redis = rs
		primary = rs
	case "file", "":
		primary = store.NewFileStore(cfg.AgentConfigDir)
	default:
		return nil, fmt.Errorf("unknown agent store %q", cfg.Backend)
	}

	if cfg.DefaultAgentID == "" {
		return primary, nil
	}
	return store.Fallback{Store: primary, DefaultAgentID: cfg.DefaultAgentID}, nil
}

func (a *Application) openSTT(ctx context.Context) (stt.Provider, error) {
	cfg := a.Cfg.STT
	switch cfg.Provider {
	case "google":
		p, err := sttgoogle.NewProvider(ctx, sttgoogle.Config{
			LanguageCode:   cfg.LanguageCode,
			SampleRateHz:   int32(cfg.SampleRateHz),
			InterimResults: cfg.InterimResults,
			AudioEncoding:  cfg.AudioEncoding,
		})
		if err != nil {
			return nil, fmt.Errorf("google speech client: %w", err)
		}
		a.google = p
		return p, nil
	case "mock", "":
		mcfg := sttmock.DefaultConfig()
		mcfg.Encoding = audio.Encoding(a.Cfg.Audio.Encoding)
		return sttmock.NewProvider(mcfg), nil
	default:
		return nil, fmt.Errorf("unknown STT provider %q", cfg.Provider)
	}
}

// Ready reports whether the service can accept calls.
func (a *Application) Ready(ctx context.Context) error {
	if a.Manager == nil {
		return errors.New("not started")
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx); err != nil {
			return fmt.Errorf("agent store: %w", err)
		}
	}
	return nil
}

// Shutdown ends active calls and flushes events before process exit.
func (a *Application) Shutdown(ctx context.Context) {
	a.Logger.Info().Msg("AI voice orchestrator shutting down")

	if a.Manager != nil {
		if err := a.Manager.Shutdown(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Calls did not end before the shutdown deadline")
		}
	}
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("Error closing event publisher")
		}
	}
	if a.google != nil {
		if err := a.google.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("Error closing speech client")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("Error closing redis")
		}
	}
}
