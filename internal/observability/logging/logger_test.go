package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestSetup_JSONWithContext(t *testing.T) {
	var buf bytes.Buffer
	Setup(Config{Level: "debug", Format: "json"}, &buf)
	defer Setup(DefaultConfig(), &bytes.Buffer{})

	l := WithTurn("call-1", "agent-a", "call-1-turn-2")
	l.Info().Msg("turn finalized")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	for key, want := range map[string]string{
		"callId":  "call-1",
		"agentId": "agent-a",
		"turnId":  "call-1-turn-2",
		"message": "turn finalized",
	} {
		if entry[key] != want {
			t.Errorf("%s: expected %q, got %v", key, want, entry[key])
		}
	}
}

func TestSetup_InvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	Setup(Config{Level: "loud"}, &buf)
	defer Setup(DefaultConfig(), &bytes.Buffer{})

	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Errorf("expected info level, got %v", zerolog.GlobalLevel())
	}
	log.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug line should be filtered, got %q", buf.String())
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	Setup(Config{Level: "info"}, &buf)
	defer Setup(DefaultConfig(), &bytes.Buffer{})

	l := WithComponent("dispatcher")
	l.Info().Msg("ready")

	if !bytes.Contains(buf.Bytes(), []byte(`"component":"dispatcher"`)) {
		t.Errorf("expected component field, got %q", buf.String())
	}
}
