// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ai_voice_orchestrator"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Call metrics
	CallsTotal    prometheus.Counter
	CallsActive   prometheus.Gauge
	CallsEnded    *prometheus.CounterVec
	CallDuration  prometheus.Histogram
	StreamsActive prometheus.Gauge

	// Turn metrics
	TurnsFinalized      *prometheus.CounterVec
	FinalizeLatency     prometheus.Histogram
	FirstAudioLatency   prometheus.Histogram
	Interruptions       prometheus.Counter
	StateTransitions    *prometheus.CounterVec
	StateViolations     *prometheus.CounterVec
	GenerationLatency   *prometheus.HistogramVec
	GenerationTokensOut prometheus.Counter

	// Transcript metrics
	TranscriptsPartial prometheus.Counter
	TranscriptsFinal   prometheus.Counter
	UtterancesDropped  *prometheus.CounterVec

	// Audio metrics
	AudioFramesReceived prometheus.Counter
	AudioFramesDropped  prometheus.Counter
	AudioFramesSent     prometheus.Counter
	AudioFramesFlushed  prometheus.Counter
	AudioSequenceGaps   *prometheus.CounterVec

	// Tool metrics
	ToolCalls        *prometheus.CounterVec
	ToolLatency      *prometheus.HistogramVec
	ToolStallFillers prometheus.Counter

	// Adapter metrics
	AdapterRetries  *prometheus.CounterVec
	AdapterFailures *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec
	KafkaEventsDropped  *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		// Call metrics
		CallsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Total number of calls started",
		}),
		CallsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Number of calls currently being orchestrated",
		}),
		CallsEnded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_ended_total",
			Help:      "Total number of calls ended, by final status",
		}, []string{"status"}),
		CallDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of calls in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
		StreamsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently open transport streams",
		}),

		// Turn metrics
		TurnsFinalized: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_finalized_total",
			Help:      "Total number of caller turns finalized",
		}, []string{"mode"}),
		FinalizeLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_finalize_latency_seconds",
			Help:      "Time from end of caller speech to turn finalization",
			Buckets:   []float64{0.1, 0.25, 0.5, 0.7, 1, 1.5, 2, 3},
		}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_first_audio_latency_seconds",
			Help:      "Time from turn finalization to first agent audio frame",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		Interruptions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Total number of agent turns interrupted by the caller",
		}),
		StateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Total number of orchestrator state transitions",
		}, []string{"from", "to"}),
		StateViolations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_violations_total",
			Help:      "Total number of rejected orchestrator state transitions",
		}, []string{"from", "to"}),
		GenerationLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_latency_seconds",
			Help:      "Response generation latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"model", "outcome"}),
		GenerationTokensOut: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_tokens_total",
			Help:      "Total number of tokens produced by response generation",
		}),

		// Transcript metrics
		TranscriptsPartial: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_partial_total",
			Help:      "Total number of partial transcripts received",
		}),
		TranscriptsFinal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_final_total",
			Help:      "Total number of final transcripts received",
		}),
		UtterancesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_dropped_total",
			Help:      "Total number of utterances dropped without a final transcript",
		}, []string{"reason"}),

		// Audio metrics
		AudioFramesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_received_total",
			Help:      "Total inbound audio frames received",
		}),
		AudioFramesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Total inbound audio frames dropped on overflow",
		}),
		AudioFramesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_sent_total",
			Help:      "Total outbound audio frames sent to the transport",
		}),
		AudioFramesFlushed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_flushed_total",
			Help:      "Total outbound audio frames discarded on interruption",
		}),
		AudioSequenceGaps: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_sequence_gaps_total",
			Help:      "Total number of inbound sequence discontinuities",
		}, []string{"kind"}),

		// Tool metrics
		ToolCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool calls by outcome",
		}, []string{"tool", "status"}),
		ToolLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_latency_seconds",
			Help:      "Tool call latency in seconds including retries",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"tool"}),
		ToolStallFillers: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_stall_fillers_total",
			Help:      "Total number of filler phrases spoken while waiting on tools",
		}),

		// Adapter metrics
		AdapterRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_retries_total",
			Help:      "Total number of adapter retries by stage",
		}, []string{"stage"}),
		AdapterFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_failures_total",
			Help:      "Total number of adapter failures that escalated",
		}, []string{"stage", "kind"}),

		// Kafka publish metrics
		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),
		KafkaEventsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_events_dropped_total",
			Help:      "Total number of events dropped before publishing",
		}, []string{"event_type", "reason"}),
	}
}

// RecordCallStart records a new call starting.
func (m *Metrics) RecordCallStart() {
	m.CallsTotal.Inc()
	m.CallsActive.Inc()
}

// RecordCallEnd records a call ending with its final status.
func (m *Metrics) RecordCallEnd(status string, d time.Duration) {
	m.CallsActive.Dec()
	m.CallsEnded.WithLabelValues(status).Inc()
	m.CallDuration.Observe(d.Seconds())
}

// RecordStreamStart records a transport stream opening.
func (m *Metrics) RecordStreamStart() {
	m.StreamsActive.Inc()
}

// RecordStreamEnd records a transport stream closing.
func (m *Metrics) RecordStreamEnd() {
	m.StreamsActive.Dec()
}

// RecordTurnFinalized records a caller turn finalization. forced is true when
// the turn was finalized at the hard deadline without a final transcript.
func (m *Metrics) RecordTurnFinalized(forced bool, sinceSpeechEnd time.Duration) {
	mode := "final"
	if forced {
		mode = "forced"
	}
	m.TurnsFinalized.WithLabelValues(mode).Inc()
	m.FinalizeLatency.Observe(sinceSpeechEnd.Seconds())
}

func (m *Metrics) RecordFirstAudio(sinceFinalize time.Duration) {
	m.FirstAudioLatency.Observe(sinceFinalize.Seconds())
}

func (m *Metrics) RecordInterruption(flushedFrames int) {
	m.Interruptions.Inc()
	m.AudioFramesFlushed.Add(float64(flushedFrames))
}

func (m *Metrics) RecordStateTransition(from, to string) {
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordStateViolation(from, to string) {
	m.StateViolations.WithLabelValues(from, to).Inc()
}

// RecordGeneration records one generation round.
func (m *Metrics) RecordGeneration(model string, err error, d time.Duration, tokens int) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.GenerationLatency.WithLabelValues(model, outcome).Observe(d.Seconds())
	m.GenerationTokensOut.Add(float64(tokens))
}

// RecordPartialTranscript records a partial transcript received.
func (m *Metrics) RecordPartialTranscript() {
	m.TranscriptsPartial.Inc()
}

// RecordFinalTranscript records a final transcript received.
func (m *Metrics) RecordFinalTranscript() {
	m.TranscriptsFinal.Inc()
}

// RecordUtteranceDropped records an utterance abandoned without a final.
func (m *Metrics) RecordUtteranceDropped(reason string) {
	m.UtterancesDropped.WithLabelValues(reason).Inc()
}

// RecordFrameReceived records an inbound frame. dropped is true when the bus
// rejected it on overflow.
func (m *Metrics) RecordFrameReceived(dropped bool) {
	m.AudioFramesReceived.Inc()
	if dropped {
		m.AudioFramesDropped.Inc()
	}
}

func (m *Metrics) RecordFrameSent() {
	m.AudioFramesSent.Inc()
}

// RecordSequenceGap records an inbound discontinuity.
func (m *Metrics) RecordSequenceGap(reordered bool) {
	kind := "missing"
	if reordered {
		kind = "reordered"
	}
	m.AudioSequenceGaps.WithLabelValues(kind).Inc()
}

// RecordToolCall records a completed tool call.
func (m *Metrics) RecordToolCall(tool, status string, d time.Duration) {
	m.ToolCalls.WithLabelValues(tool, status).Inc()
	m.ToolLatency.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) RecordStallFiller() {
	m.ToolStallFillers.Inc()
}

// RecordAdapterRetry records a retry of an adapter call.
func (m *Metrics) RecordAdapterRetry(stage string) {
	m.AdapterRetries.WithLabelValues(stage).Inc()
}

// RecordAdapterFailure records an adapter error that escalated.
func (m *Metrics) RecordAdapterFailure(stage, kind string) {
	m.AdapterFailures.WithLabelValues(stage, kind).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordEventDropped records an event that was never handed to Kafka.
func (m *Metrics) RecordEventDropped(eventType, reason string) {
	m.KafkaEventsDropped.WithLabelValues(eventType, reason).Inc()
}
