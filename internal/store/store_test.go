package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"ai-voice-orchestrator-service/internal/config"
	"ai-voice-orchestrator-service/internal/service/conversation"
	"ai-voice-orchestrator-service/internal/service/orchestrator"
)

func writeAgent(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFileStore_Load(t *testing.T) {
	dir := t.TempDir()
	writeAgent(t, dir, "support.yaml", "agent_id: support\nholdoff_ms: 500\nhandoff_targets: [billing]\n")
	writeAgent(t, dir, "broken.yaml", "agent_id: broken\nholdoff_ms: -1\n")
	writeAgent(t, dir, "liar.yaml", "agent_id: someone-else\n")
	s := NewFileStore(dir)
	ctx := context.Background()

	cfg, err := s.Load(ctx, "support")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HoldoffMs != 500 || cfg.MaxToolCalls != 8 || !cfg.CanHandoffTo("billing") {
		t.Errorf("unexpected config %+v", cfg)
	}

	tests := []struct {
		id       string
		notFound bool
	}{
		{"missing", true},
		{"../etc/passwd", true},
		{"", true},
		{"broken", false},
		{"liar", false},
	}
	for _, tt := range tests {
		_, err := s.Load(ctx, tt.id)
		if err == nil {
			t.Errorf("%q: expected error", tt.id)
			continue
		}
		if got := errors.Is(err, ErrAgentNotFound); got != tt.notFound {
			t.Errorf("%q: not found = %v, want %v (%v)", tt.id, got, tt.notFound, err)
		}
	}

	ids, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 || ids[0] != "broken" || ids[2] != "support" {
		t.Errorf("unexpected ids %v", ids)
	}
}

func TestFileStore_CacheAndReload(t *testing.T) {
	dir := t.TempDir()
	writeAgent(t, dir, "a.yaml", "agent_id: a\nholdoff_ms: 100\n")
	s := NewFileStore(dir)
	ctx := context.Background()

	if cfg, _ := s.Load(ctx, "a"); cfg.HoldoffMs != 100 {
		t.Fatalf("expected 100, got %d", cfg.HoldoffMs)
	}
	writeAgent(t, dir, "a.yaml", "agent_id: a\nholdoff_ms: 200\n")
	if cfg, _ := s.Load(ctx, "a"); cfg.HoldoffMs != 100 {
		t.Errorf("expected cached 100, got %d", cfg.HoldoffMs)
	}
	s.Reload()
	if cfg, _ := s.Load(ctx, "a"); cfg.HoldoffMs != 200 {
		t.Errorf("expected reloaded 200, got %d", cfg.HoldoffMs)
	}
}

func TestFallback(t *testing.T) {
	dir := t.TempDir()
	writeAgent(t, dir, "default.yaml", "agent_id: default\n")
	f := Fallback{Store: NewFileStore(dir), DefaultAgentID: "default"}

	cfg, err := f.Load(context.Background(), "unknown")
	if err != nil || cfg.AgentID != "default" {
		t.Errorf("expected default agent, got %+v, %v", cfg, err)
	}
	if _, err := (Fallback{Store: NewFileStore(dir)}).Load(context.Background(), "unknown"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound without a default, got %v", err)
	}
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	s, err := NewRedisStore(ctx, RedisConfig{Addr: mr.Addr(), KeyPrefix: "voice:agent:"})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.Load(ctx, "support"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}

	want := config.DefaultAgentConfig("support")
	want.FillerPhrase = "One moment."
	want.Tools = []string{"get_account_balance"}
	want.Model.Params = map[string]string{"top_p": "0.9"}
	if err := s.Put(ctx, want); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("voice:agent:support") {
		t.Fatal("expected key under the prefix")
	}

	got, err := s.Load(ctx, "support")
	if err != nil {
		t.Fatal(err)
	}
	if got.FillerPhrase != "One moment." || !got.AllowsTool("get_account_balance") || got.AllowsTool("echo") || got.Model.Params["top_p"] != "0.9" {
		t.Errorf("unexpected round trip %+v", got)
	}

	bad := config.DefaultAgentConfig("bad")
	bad.InterruptionThreshold = 2
	if err := s.Put(ctx, bad); err == nil {
		t.Error("expected invalid config to be rejected")
	}

	mr.Set("voice:agent:garbage", "agent_id: garbage\nunknown_key: 1\n")
	if _, err := s.Load(ctx, "garbage"); err == nil || errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected decode error, got %v", err)
	}

	if err := s.Delete(ctx, "support"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx, "support"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected deleted agent to be gone, got %v", err)
	}
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := NewRedisStore(ctx, RedisConfig{Addr: addr}); err == nil {
		t.Error("expected connection error")
	}
}

func TestTurnLog(t *testing.T) {
	l := NewTurnLog(2)
	rec := func(call string, n int) {
		l.RecordTurn(orchestrator.TurnRecord{CallID: call, Turn: conversation.Turn{Number: n}})
	}
	rec("a", 1)
	rec("a", 2)
	rec("b", 1)

	turns, ok := l.Turns("a")
	if !ok || len(turns) != 2 || turns[1].Number != 2 {
		t.Fatalf("unexpected turns %+v", turns)
	}
	turns[0].Number = 99
	if again, _ := l.Turns("a"); again[0].Number != 1 {
		t.Error("Turns must return a copy")
	}

	rec("c", 1)
	if _, ok := l.Turns("a"); ok {
		t.Error("oldest call should be evicted")
	}
	if _, ok := l.Turns("c"); !ok {
		t.Error("newest call should be kept")
	}
}
