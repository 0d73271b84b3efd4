// Package store loads agent configurations and keeps the turn log of
// recent calls.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"ai-voice-orchestrator-service/internal/config"
	"ai-voice-orchestrator-service/internal/service/orchestrator"
)

var ErrAgentNotFound = errors.New("agent config not found")

// FileStore reads agent configurations from <dir>/<agent_id>.yaml. Parsed
// documents are cached until Reload.
type FileStore struct {
	dir string

	mu    sync.RWMutex
	cache map[string]config.AgentConfig
}

// NewFileStore creates a store over dir. The directory does not have to
// exist until the first Load.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir, cache: map[string]config.AgentConfig{}}
}

// Load returns the configuration of agentID.
func (s *FileStore) Load(ctx context.Context, agentID string) (config.AgentConfig, error) {
	if err := ctx.Err(); err != nil {
		return config.AgentConfig{}, err
	}
	if agentID == "" || strings.ContainsAny(agentID, `/\`) || strings.HasPrefix(agentID, ".") {
		return config.AgentConfig{}, fmt.Errorf("%w: invalid agent id %q", ErrAgentNotFound, agentID)
	}

	s.mu.RLock()
	cfg, ok := s.cache[agentID]
	s.mu.RUnlock()
	if ok {
		return cfg, nil
	}

	path := s.path(agentID)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.AgentConfig{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if err != nil {
		return config.AgentConfig{}, err
	}
	defer f.Close()

	cfg, err = config.DecodeAgentConfig(f)
	if err != nil {
		return config.AgentConfig{}, err
	}
	if cfg.AgentID != agentID {
		return config.AgentConfig{}, fmt.Errorf("%s declares agent_id %q", path, cfg.AgentID)
	}

	s.mu.Lock()
	s.cache[agentID] = cfg
	s.mu.Unlock()
	log.Debug().Str("agentId", agentID).Str("path", path).Msg("Agent config loaded")
	return cfg, nil
}

// List returns the agent ids present in the directory.
func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".yaml" {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".yaml"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Reload drops the cache so the next Load reads from disk.
func (s *FileStore) Reload() {
	s.mu.Lock()
	s.cache = map[string]config.AgentConfig{}
	s.mu.Unlock()
}

func (s *FileStore) path(agentID string) string {
	return filepath.Join(s.dir, agentID+".yaml")
}

// Fallback loads from the primary store and falls back to a default agent
// when the requested one does not exist.
type Fallback struct {
	Store          orchestrator.AgentStore
	DefaultAgentID string
}

func (f Fallback) Load(ctx context.Context, agentID string) (config.AgentConfig, error) {
	cfg, err := f.Store.Load(ctx, agentID)
	if errors.Is(err, ErrAgentNotFound) && f.DefaultAgentID != "" && agentID != f.DefaultAgentID {
		log.Warn().Str("agentId", agentID).Str("defaultAgentId", f.DefaultAgentID).Msg("Unknown agent, using default")
		return f.Store.Load(ctx, f.DefaultAgentID)
	}
	return cfg, err
}
