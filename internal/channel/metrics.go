package channel

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes Prometheus counters for the delivery pipeline.
type Metrics struct {
	published    *prometheus.CounterVec
	retries      *prometheus.CounterVec
	deadLettered *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

// NewMetrics creates the channel collectors. Register must be called before
// they show up on the registry.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	newCounter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orderpulse",
			Subsystem: "channel",
			Name:      name,
			Help:      help,
		}, []string{"topic"})
	}

	return &Metrics{
		registerer:   registerer,
		published:    newCounter("published_total", "Messages published per topic"),
		retries:      newCounter("retries_total", "Delayed requeues scheduled per topic"),
		deadLettered: newCounter("dead_lettered_total", "Messages routed to the dead-letter topic"),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{m.published, m.retries, m.deadLettered} {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

func (m *Metrics) observePublished(topic string) {
	if m != nil {
		m.published.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) observeRetry(topic string) {
	if m != nil {
		m.retries.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) observeDeadLetter(topic string) {
	if m != nil {
		m.deadLettered.WithLabelValues(topic).Inc()
	}
}
