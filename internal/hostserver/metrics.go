package hostserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "lanlink"

type metrics struct {
	authTotal      *prometheus.CounterVec
	actionsTotal   *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	evictions      *prometheus.CounterVec
	eventsSent     *prometheus.CounterVec
	slowConsumers  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, seats func() float64, conns func() float64, queueDepth func() float64) *metrics {
	factory := promauto.With(reg)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "host",
		Name:      "active_seats",
		Help:      "Sessions currently holding a seat",
	}, seats)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "host",
		Name:      "connections",
		Help:      "Open websocket connections, authenticated or not",
	}, conns)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "host",
		Name:      "write_queue_depth",
		Help:      "Write Actions waiting for the writer",
	}, queueDepth)

	return &metrics{
		authTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "host",
			Name:      "auth_total",
			Help:      "Authentication attempts by outcome",
		}, []string{"result"}),

		actionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "host",
			Name:      "actions_total",
			Help:      "Actions handled by name and outcome",
		}, []string{"action", "result"}),

		actionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "host",
			Name:      "action_duration_seconds",
			Help:      "Action latency including write queue wait",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),

		evictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "host",
			Name:      "disconnects_total",
			Help:      "Sessions removed by reason",
		}, []string{"reason"}),

		eventsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "host",
			Name:      "events_total",
			Help:      "Server events fanned out by type",
		}, []string{"type"}),

		slowConsumers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "host",
			Name:      "slow_consumers_total",
			Help:      "Peers disconnected because their send buffer was full",
		}),
	}
}
