// Package events publishes call, turn and tool audit events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"ai-voice-orchestrator-service/internal/models"
	"ai-voice-orchestrator-service/internal/observability/metrics"
	"ai-voice-orchestrator-service/internal/schema"
	"ai-voice-orchestrator-service/internal/service/audio"
	"ai-voice-orchestrator-service/internal/service/conversation"
	"ai-voice-orchestrator-service/internal/service/orchestrator"
	"ai-voice-orchestrator-service/internal/service/tools"
)

const publishTimeout = 10 * time.Second

// Publisher publishes events to separate Kafka topics for turns, tool audit
// and call lifecycle. Events from the call path are queued and written by a
// single worker so a slow broker never blocks a call.
type Publisher struct {
	writers    map[string]*kafka.Writer
	write      func(ctx context.Context, topic string, msg kafka.Message) error
	principal  string
	topicTurns string
	topicAudit string
	topicCalls string
	enabled    bool
	metrics    *metrics.Metrics
	validator  *schema.Validator

	mu     sync.RWMutex
	closed bool
	queue  chan pending
	done   chan struct{}
}

type pending struct {
	topic     string
	eventType string
	key       string
	event     any
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers    []string
	TopicTurns string
	TopicAudit string
	TopicCalls string
	Principal  string
	Enabled    bool
	QueueSize  int
}

// New creates a Kafka event publisher with one writer per topic.
func New(cfg *Config) *Publisher {
	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		cfg = &Config{}
	}

	size := cfg.QueueSize
	if size <= 0 {
		size = 1024
	}

	p := &Publisher{
		principal:  cfg.Principal,
		topicTurns: cfg.TopicTurns,
		topicAudit: cfg.TopicAudit,
		topicCalls: cfg.TopicCalls,
		metrics:    metrics.DefaultMetrics,
		validator:  schema.New(),
		queue:      make(chan pending, size),
		done:       make(chan struct{}),
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
	} else {
		// Longer dial timeout for DNS resolution in Kubernetes
		dialer := &kafka.Dialer{
			Timeout:   10 * time.Second,
			DualStack: true,
		}
		transport := &kafka.Transport{
			Dial: dialer.DialFunc,
		}

		p.writers = make(map[string]*kafka.Writer)
		for _, topic := range []string{cfg.TopicTurns, cfg.TopicAudit, cfg.TopicCalls} {
			if _, ok := p.writers[topic]; ok {
				continue
			}
			p.writers[topic] = &kafka.Writer{
				Addr:         kafka.TCP(cfg.Brokers...),
				Topic:        topic,
				Balancer:     &kafka.LeastBytes{},
				BatchTimeout: 10 * time.Millisecond,
				WriteTimeout: 10 * time.Second,
				RequiredAcks: kafka.RequireOne,
				Transport:    transport,
			}
		}
		p.write = p.writeKafka
		p.enabled = true

		log.Info().
			Strs("brokers", cfg.Brokers).
			Str("topicTurns", cfg.TopicTurns).
			Str("topicAudit", cfg.TopicAudit).
			Str("topicCalls", cfg.TopicCalls).
			Str("principal", cfg.Principal).
			Msg("Kafka publisher initialized")
	}

	go p.worker()
	return p
}

// Publish validates and writes one event synchronously.
func (p *Publisher) Publish(ctx context.Context, topic, eventType, key string, event any) error {
	if err := p.validator.Validate(event); err != nil {
		p.metrics.RecordEventDropped(eventType, "invalid")
		log.Warn().Err(err).Str("eventType", eventType).Str("key", key).Msg("Dropping invalid event")
		return err
	}
	return p.publish(ctx, topic, eventType, key, event)
}

// enqueue validates an event and queues it for the worker. The event is
// dropped when the queue is full or the publisher is closed.
func (p *Publisher) enqueue(topic, eventType, key string, event any) {
	if err := p.validator.Validate(event); err != nil {
		p.metrics.RecordEventDropped(eventType, "invalid")
		log.Warn().Err(err).Str("eventType", eventType).Str("key", key).Msg("Dropping invalid event")
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.metrics.RecordEventDropped(eventType, "closed")
		return
	}
	select {
	case p.queue <- pending{topic: topic, eventType: eventType, key: key, event: event}:
	default:
		p.metrics.RecordEventDropped(eventType, "queue_full")
		log.Warn().Str("eventType", eventType).Str("key", key).Msg("Event queue full, dropping event")
	}
}

func (p *Publisher) worker() {
	defer close(p.done)
	for m := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		_ = p.publish(ctx, m.topic, m.eventType, m.key, m.event)
		cancel()
	}
}

func (p *Publisher) publish(ctx context.Context, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if p.write == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := p.write(ctx, topic, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

func (p *Publisher) writeKafka(ctx context.Context, topic string, msg kafka.Message) error {
	w, ok := p.writers[topic]
	if !ok {
		return fmt.Errorf("no writer for topic %q", topic)
	}
	return w.WriteMessages(ctx, msg)
}

// CallStarted publishes a call.started event.
func (p *Publisher) CallStarted(_ context.Context, call orchestrator.CallInfo) {
	p.enqueue(p.topicCalls, models.EventCallStarted, call.ID, callEvent(models.EventCallStarted, call))
}

// CallEnded publishes a call.ended event.
func (p *Publisher) CallEnded(_ context.Context, call orchestrator.CallInfo) {
	p.enqueue(p.topicCalls, models.EventCallEnded, call.ID, callEvent(models.EventCallEnded, call))
}

// SequenceGap publishes a call.quality.gap event.
func (p *Publisher) SequenceGap(_ context.Context, callID string, gap audio.Gap) {
	p.enqueue(p.topicCalls, models.EventQualityGap, callID, models.GapEvent{
		EventType: models.EventQualityGap,
		CallID:    callID,
		Direction: gap.Direction.String(),
		Expected:  gap.Expected,
		Got:       gap.Got,
		Missing:   gap.Missing,
		Reordered: gap.Reordered,
		Timestamp: millis(gap.At),
	})
}

// Handoff publishes the handoff packet as a call.handoff event.
func (p *Publisher) Handoff(_ context.Context, packet orchestrator.HandoffPacket) {
	turns := make([]models.TurnEvent, 0, len(packet.Turns))
	for _, t := range packet.Turns {
		turns = append(turns, turnEvent(packet.FromCallID, packet.FromAgentID, t))
	}
	p.enqueue(p.topicCalls, models.EventHandoff, packet.FromCallID, models.HandoffEvent{
		EventType:   models.EventHandoff,
		HandoffID:   packet.ID,
		FromCallID:  packet.FromCallID,
		FromAgentID: packet.FromAgentID,
		TargetAgent: packet.TargetAgent,
		Reason:      packet.Reason,
		Turns:       turns,
		Timestamp:   millis(packet.CreatedAt),
	})
}

// RecordTurn publishes a call.turn.finalized event.
func (p *Publisher) RecordTurn(rec orchestrator.TurnRecord) {
	p.enqueue(p.topicTurns, models.EventTurnFinalized, rec.CallID, turnEvent(rec.CallID, rec.AgentID, rec.Turn))
}

// Record publishes a tool audit entry.
func (p *Publisher) Record(_ context.Context, entry tools.AuditEntry) {
	eventType := models.EventToolResult
	if entry.EventType == tools.AuditDispatch {
		eventType = models.EventToolDispatch
	}
	p.enqueue(p.topicAudit, eventType, entry.CallID, models.ToolAuditEvent{
		EventType:  eventType,
		AuditID:    entry.ID,
		CallID:     entry.CallID,
		RequestID:  entry.RequestID,
		ToolName:   entry.ToolName,
		Mode:       entry.Mode,
		Input:      entry.Input,
		Output:     entry.Output,
		Status:     string(entry.Status),
		Error:      entry.Error,
		Attempts:   entry.Attempts,
		DurationMs: entry.Duration.Milliseconds(),
		Timestamp:  millis(entry.Timestamp),
	})
}

// Close drains queued events and closes the Kafka writers.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done

	var err error
	for topic, w := range p.writers {
		if e := w.Close(); e != nil {
			log.Error().Err(e).Str("topic", topic).Msg("Error closing Kafka writer")
			err = e
		}
	}
	return err
}

func callEvent(eventType string, call orchestrator.CallInfo) models.CallEvent {
	e := models.CallEvent{
		EventType:   eventType,
		CallID:      call.ID,
		AgentID:     call.AgentID,
		Direction:   call.Direction,
		Status:      string(call.Status),
		State:       call.State,
		TurnCount:   call.TurnNumber,
		StartedAt:   millis(call.StartedAt),
		EndReason:   call.EndReason,
		PriorCallID: call.PriorCallID,
		Timestamp:   time.Now().UnixMilli(),
	}
	if !call.EndedAt.IsZero() {
		e.EndedAt = millis(call.EndedAt)
	}
	return e
}

func turnEvent(callID, agentID string, t conversation.Turn) models.TurnEvent {
	return models.TurnEvent{
		EventType:   models.EventTurnFinalized,
		CallID:      callID,
		AgentID:     agentID,
		TurnNumber:  t.Number,
		Speaker:     string(t.Speaker),
		Text:        t.Text,
		StartMs:     millis(t.Start),
		EndMs:       millis(t.End),
		Interrupted: t.Interrupted,
		Forced:      t.Forced,
		Timestamp:   time.Now().UnixMilli(),
	}
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
