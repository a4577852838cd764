package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the relay's instrumentation, backed by its own registry so
// tests can read counters without global state.
type Metrics struct {
	registry *prometheus.Registry

	ActiveParties          prometheus.Gauge
	ActiveClients          prometheus.Gauge
	MessagesTotal          *prometheus.CounterVec
	PartiesCreatedTotal    prometheus.Counter
	ClientConnectionsTotal prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ActiveParties: factory.NewGauge(prometheus.GaugeOpts{
			Name: "jellyparty_active_parties",
			Help: "Number of active parties",
		}),
		ActiveClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "jellyparty_active_clients",
			Help: "Number of connected clients",
		}),
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jellyparty_messages_total",
			Help: "Total messages processed",
		}, []string{"type"}),
		PartiesCreatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "jellyparty_parties_created_total",
			Help: "Total parties created",
		}),
		ClientConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "jellyparty_client_connections_total",
			Help: "Total client connections",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
