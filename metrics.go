package graphcdn

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the caching layer.
type Metrics struct {
	responses     *prometheus.CounterVec
	storeFailures prometheus.Counter
}

// NewMetrics creates and registers the collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gcdn",
			Name:      "responses_total",
			Help:      "Responses sent to clients, by cache status.",
		}, []string{"status"}),
		storeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gcdn",
			Name:      "store_failures_total",
			Help:      "Cache writes that failed and were skipped.",
		}),
	}
	reg.MustRegister(m.responses, m.storeFailures)
	return m
}

// observe counts a sent response. Nil-safe so the handler works without
// metrics wired up.
func (m *Metrics) observe(status CacheStatus) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) storeFailure() {
	if m == nil {
		return
	}
	m.storeFailures.Inc()
}
