package pluginhost

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the internal counters/gauges the host can scrape by
// registering its own prometheus.Registerer with NewMetrics — this module
// never binds its own /metrics listener of its own; exposing it over HTTP
// is the embedding host's responsibility.
type Metrics struct {
	DeliveryAttempts   *prometheus.CounterVec
	DeliveryFailures   *prometheus.CounterVec
	RetentionPruned    prometheus.Counter
	SLABreachesRaised  *prometheus.CounterVec
	LockSweepsRemoved  prometheus.Counter
	ConnectedPeers     prometheus.Gauge
	CoordinatorElected prometheus.Gauge
}

// NewMetrics constructs and registers every gauge/counter against reg. reg
// may be nil, in which case metrics are created but never exposed — useful
// for tests and for hosts that have not wired Prometheus yet.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DeliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ansible_mesh",
			Name:      "delivery_attempts_total",
			Help:      "Dispatcher delivery attempts by kind (task/message).",
		}, []string{"kind"}),
		DeliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ansible_mesh",
			Name:      "delivery_failures_total",
			Help:      "Dispatcher delivery attempts that returned an error, by kind.",
		}, []string{"kind"}),
		RetentionPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ansible_mesh",
			Name:      "retention_messages_pruned_total",
			Help:      "Messages removed by the retention sweep.",
		}),
		SLABreachesRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ansible_mesh",
			Name:      "sla_breaches_raised_total",
			Help:      "SLA breach escalations raised by the coordinator sweep, by kind.",
		}, []string{"kind"}),
		LockSweepsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ansible_mesh",
			Name:      "lock_sweep_removed_total",
			Help:      "Stale session-lock files removed by the coordinator's lock sweep.",
		}),
		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ansible_mesh",
			Name:      "connected_peers",
			Help:      "Currently connected mesh sync peers.",
		}),
		CoordinatorElected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ansible_mesh",
			Name:      "coordinator_elected",
			Help:      "1 when this node currently holds the coordinator role.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.DeliveryAttempts,
			m.DeliveryFailures,
			m.RetentionPruned,
			m.SLABreachesRaised,
			m.LockSweepsRemoved,
			m.ConnectedPeers,
			m.CoordinatorElected,
		)
	}
	return m
}
