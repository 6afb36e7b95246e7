// Package metrics registers the Prometheus collectors the Generation
// Coordinator and Persistence Gateway report through: named event types
// and a counters-plus-timing registry, backed by real
// github.com/prometheus/client_golang collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EventType names the engine events tracked.
type EventType string

const (
	EventMessageIngested  EventType = "message_ingested"
	EventFilterBlocked    EventType = "filter_blocked"
	EventGenerationCalled EventType = "generation_called"
	EventGenerationEmpty  EventType = "generation_empty"
	EventResponseSent     EventType = "response_sent"
	EventResponseError    EventType = "response_error"
)

// Registry holds every collector this process exports. A process
// constructs exactly one and registers it with a prometheus.Registerer
// (typically the default global registry) at startup.
type Registry struct {
	MessagesIngested  *prometheus.CounterVec
	FilterBlocks      *prometheus.CounterVec
	GenerationsCalled *prometheus.CounterVec
	GenerationLatency *prometheus.HistogramVec
	ResponsesSent     *prometheus.CounterVec
	ResponseErrors    *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
	InferenceHealthState *prometheus.GaugeVec
	LastIngestTimestamp *prometheus.GaugeVec
}

// New constructs a Registry with all collectors initialised but not yet
// registered.
func New() *Registry {
	return &Registry{
		MessagesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clank",
			Name:      "messages_ingested_total",
			Help:      "Total chat messages ingested, per channel.",
		}, []string{"channel"}),
		FilterBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clank",
			Name:      "filter_blocks_total",
			Help:      "Total content filter rejections, per direction (ingress/egress).",
		}, []string{"direction"}),
		GenerationsCalled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clank",
			Name:      "generations_total",
			Help:      "Total generation attempts, per kind (spontaneous/response) and outcome.",
		}, []string{"kind", "outcome"}),
		GenerationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clank",
			Name:      "generation_latency_seconds",
			Help:      "Inference call latency, per kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		ResponsesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clank",
			Name:      "responses_sent_total",
			Help:      "Total chat messages emitted, per channel.",
		}, []string{"channel"}),
		ResponseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clank",
			Name:      "response_errors_total",
			Help:      "Total emit failures, per channel.",
		}, []string{"channel"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clank",
			Name:      "store_circuit_breaker_state",
			Help:      "Persistence Gateway circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"backend"}),
		InferenceHealthState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clank",
			Name:      "inference_health_state",
			Help:      "Inference Client health state (0=healthy, 1=degraded, 2=unavailable, 3=recovering).",
		}, []string{"model"}),
		LastIngestTimestamp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clank",
			Name:      "last_ingest_timestamp_seconds",
			Help:      "Unix timestamp of the most recently ingested message, per channel.",
		}, []string{"channel"}),
	}
}

// Register adds every collector in r to reg.
func (r *Registry) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		r.MessagesIngested,
		r.FilterBlocks,
		r.GenerationsCalled,
		r.GenerationLatency,
		r.ResponsesSent,
		r.ResponseErrors,
		r.CircuitBreakerState,
		r.InferenceHealthState,
		r.LastIngestTimestamp,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordMessageIngested records one ingested message for channel.
func (r *Registry) RecordMessageIngested(channel string) {
	r.MessagesIngested.WithLabelValues(channel).Inc()
	r.LastIngestTimestamp.WithLabelValues(channel).Set(float64(time.Now().Unix()))
}

// RecordFilterBlock records one rejection on the given direction
// ("ingress" or "egress").
func (r *Registry) RecordFilterBlock(direction string) {
	r.FilterBlocks.WithLabelValues(direction).Inc()
}

// RecordGeneration records a generation attempt's kind, outcome, and
// latency.
func (r *Registry) RecordGeneration(kind, outcome string, latency time.Duration) {
	r.GenerationsCalled.WithLabelValues(kind, outcome).Inc()
	r.GenerationLatency.WithLabelValues(kind).Observe(latency.Seconds())
}

// RecordEmit records a successful or failed outbound emit for channel.
func (r *Registry) RecordEmit(channel string, err error) {
	if err != nil {
		r.ResponseErrors.WithLabelValues(channel).Inc()
		return
	}
	r.ResponsesSent.WithLabelValues(channel).Inc()
}

// CircuitBreakerGauge values, matching sony/gobreaker's State ordering.
const (
	BreakerClosed   = 0
	BreakerHalfOpen = 1
	BreakerOpen     = 2
)

// SetCircuitBreakerState records the current breaker state for backend.
func (r *Registry) SetCircuitBreakerState(backend string, state float64) {
	r.CircuitBreakerState.WithLabelValues(backend).Set(state)
}

// Inference health state gauge values, matching inference.HealthState's
// iota ordering.
const (
	InferenceHealthy     = 0
	InferenceDegraded    = 1
	InferenceUnavailable = 2
	InferenceRecovering  = 3
)

// SetInferenceHealthState records the current Inference Client state.
func (r *Registry) SetInferenceHealthState(model string, state float64) {
	r.InferenceHealthState.WithLabelValues(model).Set(state)
}
