// Package metrics registers the tower's prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	AppointmentsAccepted prometheus.Counter
	AppointmentsRejected prometheus.Counter
	AppointmentsExpired  prometheus.Counter
	Triggered            prometheus.Counter
	ResponsesSent        prometheus.Counter
	ResponsesConfirmed   prometheus.Counter
	ResponsesFailed      prometheus.Counter
	Reorgs               prometheus.Counter
	ChainHead            prometheus.Gauge
	GasQueueDepth        prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		AppointmentsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pisa", Name: "appointments_accepted_total",
			Help: "Appointments admitted and receipted.",
		}),
		AppointmentsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pisa", Name: "appointments_rejected_total",
			Help: "Appointments rejected by validation or inspection.",
		}),
		AppointmentsExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pisa", Name: "appointments_expired_total",
			Help: "Appointments collected after their window closed.",
		}),
		Triggered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pisa", Name: "appointments_triggered_total",
			Help: "Dispute events matched inside an appointment window.",
		}),
		ResponsesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pisa", Name: "responses_sent_total",
			Help: "Response transactions broadcast.",
		}),
		ResponsesConfirmed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pisa", Name: "responses_confirmed_total",
			Help: "Response transactions confirmed.",
		}),
		ResponsesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pisa", Name: "responses_failed_total",
			Help: "Response intents abandoned after exhausting attempts.",
		}),
		Reorgs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pisa", Name: "reorgs_total",
			Help: "Chain re-organisations observed.",
		}),
		ChainHead: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pisa", Name: "chain_head",
			Help: "Latest processed block number.",
		}),
		GasQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pisa", Name: "gas_queue_depth",
			Help: "Live items in the responder's gas queue.",
		}),
	}
}

// Handler serves the /metrics route.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
