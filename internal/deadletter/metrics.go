package deadletter

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks dead-letter statistics per original topic.
type Metrics struct {
	mu sync.RWMutex

	topicCounts map[string]*TopicMetrics

	receivedTotal     *prometheus.CounterVec
	resolvedTotal     *prometheus.CounterVec
	replayedTotal     *prometheus.CounterVec
	unresolvedCurrent *prometheus.GaugeVec
	ageSecondsHist    *prometheus.HistogramVec
	retryCountHist    *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// TopicMetrics holds dead-letter counters for one original topic.
type TopicMetrics struct {
	Received        uint64    `json:"received"`
	Unresolved      uint64    `json:"unresolved"`
	Resolved        uint64    `json:"resolved"`
	Replayed        uint64    `json:"replayed"`
	OldestFailureAt time.Time `json:"oldest_failure_at,omitempty"`
	NewestFailureAt time.Time `json:"newest_failure_at,omitempty"`
	AvgRetryCount   float64   `json:"avg_retry_count"`
	LastUpdatedAt   time.Time `json:"last_updated_at"`
}

// MetricsSnapshot is a point-in-time view across all topics.
type MetricsSnapshot struct {
	TotalUnresolved uint64                   `json:"total_unresolved"`
	TotalResolved   uint64                   `json:"total_resolved"`
	TotalReplayed   uint64                   `json:"total_replayed"`
	TopicMetrics    map[string]*TopicMetrics `json:"topic_metrics"`
	CollectedAt     time.Time                `json:"collected_at"`
}

func newCounterVec(name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orderpulse",
		Subsystem: "deadletter",
		Name:      name,
		Help:      help,
	}, []string{"topic"})
}

// NewMetrics creates a dead-letter metrics collector.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		topicCounts:   make(map[string]*TopicMetrics),
		registerer:    registerer,
		receivedTotal: newCounterVec("received_total", "Messages landed on a dead-letter topic"),
		resolvedTotal: newCounterVec("resolved_total", "Dead-letter records reconciled by an operator"),
		replayedTotal: newCounterVec("replayed_total", "Dead-letter records replayed to their original topic"),
		unresolvedCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orderpulse",
			Subsystem: "deadletter",
			Name:      "unresolved_current",
			Help:      "Currently unresolved dead-letter records",
		}, []string{"topic"}),
		ageSecondsHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orderpulse",
			Subsystem: "deadletter",
			Name:      "message_age_seconds",
			Help:      "Age of messages when dead-lettered (time since first publish)",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		}, []string{"topic"}),
		retryCountHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orderpulse",
			Subsystem: "deadletter",
			Name:      "retry_count",
			Help:      "Retries accumulated before dead-lettering",
			Buckets:   []float64{1, 2, 3, 5, 10},
		}, []string{"topic"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.receivedTotal,
		m.resolvedTotal,
		m.replayedTotal,
		m.unresolvedCurrent,
		m.ageSecondsHist,
		m.retryCountHist,
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

// RecordReceived records a message landing on a dead-letter topic.
func (m *Metrics) RecordReceived(topic string, retryCount int, messageAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	tm := m.getOrCreate(topic)
	tm.Received++
	tm.Unresolved++
	tm.LastUpdatedAt = now
	if tm.OldestFailureAt.IsZero() {
		tm.OldestFailureAt = now
	}
	tm.NewestFailureAt = now
	tm.AvgRetryCount = ((tm.AvgRetryCount * float64(tm.Received-1)) + float64(retryCount)) / float64(tm.Received)

	m.receivedTotal.WithLabelValues(topic).Inc()
	m.unresolvedCurrent.WithLabelValues(topic).Set(float64(tm.Unresolved))
	m.ageSecondsHist.WithLabelValues(topic).Observe(messageAge.Seconds())
	m.retryCountHist.WithLabelValues(topic).Observe(float64(retryCount))
}

// RecordResolved records an operator reconciliation.
func (m *Metrics) RecordResolved(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tm := m.getOrCreate(topic)
	tm.Resolved++
	if tm.Unresolved > 0 {
		tm.Unresolved--
	}
	tm.LastUpdatedAt = time.Now().UTC()

	m.resolvedTotal.WithLabelValues(topic).Inc()
	m.unresolvedCurrent.WithLabelValues(topic).Set(float64(tm.Unresolved))
}

// RecordReplayed records a replay back to the original topic.
func (m *Metrics) RecordReplayed(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tm := m.getOrCreate(topic)
	tm.Replayed++
	tm.LastUpdatedAt = time.Now().UTC()

	m.replayedTotal.WithLabelValues(topic).Inc()
}

// Snapshot returns a point-in-time copy of all topic metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		TopicMetrics: make(map[string]*TopicMetrics, len(m.topicCounts)),
		CollectedAt:  time.Now().UTC(),
	}
	for topic, tm := range m.topicCounts {
		clone := *tm
		snapshot.TopicMetrics[topic] = &clone
		snapshot.TotalUnresolved += tm.Unresolved
		snapshot.TotalResolved += tm.Resolved
		snapshot.TotalReplayed += tm.Replayed
	}
	return snapshot
}

func (m *Metrics) getOrCreate(topic string) *TopicMetrics {
	if tm, ok := m.topicCounts[topic]; ok {
		return tm
	}
	tm := &TopicMetrics{}
	m.topicCounts[topic] = tm
	return tm
}
