// Package schema checks published events before they leave the process.
package schema

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"ai-voice-orchestrator-service/internal/models"
)

var ErrInvalidEvent = errors.New("invalid event")

type Validator struct{}

func New() *Validator {
	return &Validator{}
}

// Validate checks the required fields of a known event type.
func (v *Validator) Validate(event any) error {
	var missing []string
	require := func(field, value string) {
		if value == "" {
			missing = append(missing, field)
		}
	}

	switch e := event.(type) {
	case models.CallEvent:
		require("eventType", e.EventType)
		require("callId", e.CallID)
		require("agentId", e.AgentID)
		require("status", e.Status)
	case models.TurnEvent:
		require("eventType", e.EventType)
		require("callId", e.CallID)
		require("speaker", e.Speaker)
		if e.TurnNumber <= 0 {
			missing = append(missing, "turnNumber")
		}
		if e.EndMs < e.StartMs {
			return fmt.Errorf("%w: turn %d ends before it starts", ErrInvalidEvent, e.TurnNumber)
		}
	case models.GapEvent:
		require("eventType", e.EventType)
		require("callId", e.CallID)
	case models.HandoffEvent:
		require("eventType", e.EventType)
		require("handoffId", e.HandoffID)
		require("fromCallId", e.FromCallID)
		require("targetAgent", e.TargetAgent)
	case models.ToolAuditEvent:
		require("eventType", e.EventType)
		require("auditId", e.AuditID)
		require("requestId", e.RequestID)
		require("toolName", e.ToolName)
	default:
		return fmt.Errorf("%w: unknown type %T", ErrInvalidEvent, event)
	}

	if len(missing) > 0 {
		log.Debug().Strs("missing", missing).Type("event", event).Msg("Schema validation failed")
		return fmt.Errorf("%w: missing %v", ErrInvalidEvent, missing)
	}
	return nil
}
