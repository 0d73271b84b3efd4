package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"ai-voice-orchestrator-service/internal/config"
)

// RedisStore keeps agent configurations as YAML documents under
// <prefix><agent_id>.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisStore connects to redis and checks the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info().Str("addr", cfg.Addr).Str("keyPrefix", cfg.KeyPrefix).Msg("Redis agent store initialized")
	return &RedisStore{client: client, prefix: cfg.KeyPrefix}, nil
}

// Load returns the configuration of agentID.
func (s *RedisStore) Load(ctx context.Context, agentID string) (config.AgentConfig, error) {
	data, err := s.client.Get(ctx, s.key(agentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return config.AgentConfig{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if err != nil {
		return config.AgentConfig{}, fmt.Errorf("redis get %s: %w", agentID, err)
	}
	cfg, err := config.ParseAgentConfig(data)
	if err != nil {
		return config.AgentConfig{}, err
	}
	if cfg.AgentID != agentID {
		return config.AgentConfig{}, fmt.Errorf("key %s declares agent_id %q", s.key(agentID), cfg.AgentID)
	}
	return cfg, nil
}

// Put validates and stores an agent configuration.
func (s *RedisStore) Put(ctx context.Context, cfg config.AgentConfig) error {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(cfg.AgentID), data, 0).Err()
}

// Delete removes an agent configuration.
func (s *RedisStore) Delete(ctx context.Context, agentID string) error {
	return s.client.Del(ctx, s.key(agentID)).Err()
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(agentID string) string {
	return s.prefix + agentID
}
