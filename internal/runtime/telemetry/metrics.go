// Package telemetry holds the Prometheus collectors shared by the dispatcher,
// relay and saga router.
package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const DefaultNamespace = "eventflow"

// Handler outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeTransient = "transient"
	OutcomePermanent = "permanent"
	OutcomeSkipped   = "skipped"
)

// Settlement actions.
const (
	ActionComplete   = "complete"
	ActionAbandon    = "abandon"
	ActionDeadLetter = "dead_letter"
)

// Metrics is safe for concurrent use. All methods are no-ops on a nil receiver
// so components can take an optional *Metrics.
type Metrics struct {
	mu sync.RWMutex

	deadLetters map[string]*DeadLetterStats

	handledTotal      *prometheus.CounterVec
	handleDuration    *prometheus.HistogramVec
	settledTotal      *prometheus.CounterVec
	deadLettersTotal  *prometheus.CounterVec
	deliveryCountHist *prometheus.HistogramVec
	throttleDegree    *prometheus.GaugeVec
	throttledTotal    *prometheus.CounterVec
	relayPublished    *prometheus.CounterVec
	relayFailures     *prometheus.CounterVec
	sagaTransitions   *prometheus.CounterVec

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	registered bool
}

// DeadLetterStats summarises dead-lettered messages of one subscription.
type DeadLetterStats struct {
	Messages         uint64            `json:"messages"`
	ByReason         map[string]uint64 `json:"by_reason"`
	AvgDeliveryCount float64           `json:"avg_delivery_count"`
	FirstAt          time.Time         `json:"first_at,omitempty"`
	LastAt           time.Time         `json:"last_at,omitempty"`
}

func (s *DeadLetterStats) clone() *DeadLetterStats {
	reasons := make(map[string]uint64, len(s.ByReason))
	for k, v := range s.ByReason {
		reasons[k] = v
	}
	out := *s
	out.ByReason = reasons
	return &out
}

// Snapshot is a point-in-time copy of the dead-letter statistics.
type Snapshot struct {
	DeadLetters map[string]*DeadLetterStats `json:"dead_letters"`
	Total       uint64                      `json:"total"`
	CollectedAt time.Time                   `json:"collected_at"`
}

func newCounterVec(namespace, subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(namespace, subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewMetrics creates the collectors. A nil registerer uses a private registry.
func NewMetrics(registerer prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	var gatherer prometheus.Gatherer
	if registerer == nil {
		reg := prometheus.NewRegistry()
		registerer, gatherer = reg, reg
	} else if g, ok := registerer.(prometheus.Gatherer); ok {
		gatherer = g
	} else {
		gatherer = prometheus.DefaultGatherer
	}

	return &Metrics{
		deadLetters:       make(map[string]*DeadLetterStats),
		registerer:        registerer,
		gatherer:          gatherer,
		handledTotal:      newCounterVec(namespace, "dispatch", "handled_total", "Handler invocations by outcome", []string{"type_tag", "handler", "outcome"}),
		handleDuration:    newHistogramVec(namespace, "dispatch", "handle_duration_seconds", "Handler execution time", prometheus.DefBuckets, []string{"type_tag"}),
		settledTotal:      newCounterVec(namespace, "dispatch", "settled_total", "Deliveries settled by action", []string{"subscription", "action"}),
		deadLettersTotal:  newCounterVec(namespace, "dispatch", "dead_letters_total", "Deliveries moved to the dead-letter sink", []string{"subscription", "reason"}),
		deliveryCountHist: newHistogramVec(namespace, "dispatch", "dead_letter_delivery_count", "Delivery count of dead-lettered messages", []float64{1, 2, 3, 5, 10, 20}, []string{"subscription"}),
		throttleDegree:    prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "throttle", Name: "degree", Help: "Current concurrency degree"}, []string{"subscription"}),
		throttledTotal:    newCounterVec(namespace, "throttle", "throttled_total", "Throttled broker responses", []string{"subscription"}),
		relayPublished:    newCounterVec(namespace, "relay", "published_total", "Events published by the relay", []string{"topic"}),
		relayFailures:     newCounterVec(namespace, "relay", "failures_total", "Events the relay failed to publish", []string{"topic"}),
		sagaTransitions:   newCounterVec(namespace, "saga", "transitions_total", "Saga router results", []string{"process_type", "outcome"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.handledTotal,
		m.handleDuration,
		m.settledTotal,
		m.deadLettersTotal,
		m.deliveryCountHist,
		m.throttleDegree,
		m.throttledTotal,
		m.relayPublished,
		m.relayFailures,
		m.sagaTransitions,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// Handler serves the registered collectors.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordHandled records one handler invocation.
func (m *Metrics) RecordHandled(typeTag, handler, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.handledTotal.WithLabelValues(typeTag, handler, outcome).Inc()
	m.handleDuration.WithLabelValues(typeTag).Observe(took.Seconds())
}

// RecordSettlement records how a delivery was settled.
func (m *Metrics) RecordSettlement(subscription, action string) {
	if m == nil {
		return
	}
	m.settledTotal.WithLabelValues(subscription, action).Inc()
}

// RecordDeadLetter records a delivery moved to the dead-letter sink.
func (m *Metrics) RecordDeadLetter(subscription, reason string, deliveryCount int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	stats := m.statsFor(subscription)
	stats.Messages++
	stats.ByReason[reason]++
	if stats.FirstAt.IsZero() {
		stats.FirstAt = now
	}
	stats.LastAt = now
	total := float64(stats.Messages)
	stats.AvgDeliveryCount = (stats.AvgDeliveryCount*(total-1) + float64(deliveryCount)) / total

	m.deadLettersTotal.WithLabelValues(subscription, reason).Inc()
	m.deliveryCountHist.WithLabelValues(subscription).Observe(float64(deliveryCount))
}

func (m *Metrics) statsFor(subscription string) *DeadLetterStats {
	if stats, ok := m.deadLetters[subscription]; ok {
		return stats
	}
	stats := &DeadLetterStats{ByReason: make(map[string]uint64)}
	m.deadLetters[subscription] = stats
	return stats
}

// SetThrottleDegree publishes the current degree of a subscription.
func (m *Metrics) SetThrottleDegree(subscription string, degree int) {
	if m == nil {
		return
	}
	m.throttleDegree.WithLabelValues(subscription).Set(float64(degree))
}

// RecordThrottled counts a throttled broker response.
func (m *Metrics) RecordThrottled(subscription string) {
	if m == nil {
		return
	}
	m.throttledTotal.WithLabelValues(subscription).Inc()
}

// RecordPublished counts an event the relay handed to the broker.
func (m *Metrics) RecordPublished(topic string) {
	if m == nil {
		return
	}
	m.relayPublished.WithLabelValues(topic).Inc()
}

// RecordPublishFailure counts an event the relay could not publish.
func (m *Metrics) RecordPublishFailure(topic string) {
	if m == nil {
		return
	}
	m.relayFailures.WithLabelValues(topic).Inc()
}

// RecordTransition records a saga router result.
func (m *Metrics) RecordTransition(processType, outcome string) {
	if m == nil {
		return
	}
	m.sagaTransitions.WithLabelValues(processType, outcome).Inc()
}

// DeadLetters returns a copy of the statistics for one subscription, or nil.
func (m *Metrics) DeadLetters(subscription string) *DeadLetterStats {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if stats, ok := m.deadLetters[subscription]; ok {
		return stats.clone()
	}
	return nil
}

// Snapshot returns a copy of all dead-letter statistics.
func (m *Metrics) Snapshot() Snapshot {
	snapshot := Snapshot{
		DeadLetters: make(map[string]*DeadLetterStats),
		CollectedAt: time.Now(),
	}
	if m == nil {
		return snapshot
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for sub, stats := range m.deadLetters {
		snapshot.DeadLetters[sub] = stats.clone()
		snapshot.Total += stats.Messages
	}
	return snapshot
}

// Reset clears all metrics (useful for testing).
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deadLetters = make(map[string]*DeadLetterStats)
	m.handledTotal.Reset()
	m.handleDuration.Reset()
	m.settledTotal.Reset()
	m.deadLettersTotal.Reset()
	m.deliveryCountHist.Reset()
	m.throttleDegree.Reset()
	m.throttledTotal.Reset()
	m.relayPublished.Reset()
	m.relayFailures.Reset()
	m.sagaTransitions.Reset()
}
