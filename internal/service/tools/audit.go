package tools

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditEventType distinguishes dispatch and result records.
type AuditEventType string

const (
	AuditDispatch AuditEventType = "tool_dispatch"
	AuditResult   AuditEventType = "tool_result"
)

// AuditEntry is one append-only record of a tool dispatch or result.
type AuditEntry struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	EventType AuditEventType  `json:"event_type"`
	CallID    string          `json:"call_id"`
	RequestID string          `json:"request_id"`
	ToolName  string          `json:"tool_name"`
	Mode      string          `json:"mode,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Status    Status          `json:"status,omitempty"`
	Error     string          `json:"error,omitempty"`
	Attempts  int             `json:"attempts,omitempty"`
	Duration  time.Duration   `json:"duration,omitempty"`
}

// AuditSink receives audit entries. Record must not block the caller for long.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry)
}

// AuditSinkFunc adapts a function to AuditSink.
type AuditSinkFunc func(ctx context.Context, entry AuditEntry)

func (f AuditSinkFunc) Record(ctx context.Context, entry AuditEntry) { f(ctx, entry) }

// MultiAudit fans entries out to several sinks.
type MultiAudit []AuditSink

func (m MultiAudit) Record(ctx context.Context, entry AuditEntry) {
	for _, s := range m {
		s.Record(ctx, entry)
	}
}

// MemoryAudit keeps entries in memory, bounded to the most recent max.
type MemoryAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
	max     int
}

// NewMemoryAudit creates an in-memory sink. max <= 0 keeps everything.
func NewMemoryAudit(max int) *MemoryAudit {
	return &MemoryAudit{max: max}
}

func (m *MemoryAudit) Record(_ context.Context, entry AuditEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	if m.max > 0 && len(m.entries) > m.max {
		m.entries = m.entries[len(m.entries)-m.max:]
	}
}

// Entries returns a copy of the recorded entries, optionally filtered by call.
func (m *MemoryAudit) Entries(callID string) []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditEntry, 0, len(m.entries))
	for _, e := range m.entries {
		if callID == "" || e.CallID == callID {
			out = append(out, e)
		}
	}
	return out
}

func newAuditEntry(t AuditEventType, req Request) AuditEntry {
	return AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		EventType: t,
		CallID:    req.CallID,
		RequestID: req.ID,
		ToolName:  req.Name,
	}
}
