package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics collects the counters and gauges a single tree instance
// exposes. Each Tree constructs its own Metrics and registers it into
// whatever prometheus.Registerer the caller supplies (or a private
// registry if none is supplied), so that multiple trees in the same
// process don't collide on metric names.
type Metrics struct {
	Splits       prometheus.Counter
	Merges       prometheus.Counter
	Retries      prometheus.Counter
	EpochCycles  prometheus.Counter
	LiveRetired  prometheus.Gauge
	Height       prometheus.Gauge
	KeyCount     prometheus.Gauge
}

// NewMetrics constructs and registers a Metrics set under reg. namespace
// distinguishes multiple trees in the same process (e.g. "bptree_orders",
// "bptree_users"); reg may be nil, in which case a private registry is
// created and discarded — the metrics still work, they're just not
// exposed to any scrape endpoint.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		Splits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "node_splits_total",
			Help: "Inner and leaf node splits performed.",
		}),
		Merges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "node_merges_total",
			Help: "Inner and leaf node merges performed.",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "optimistic_retries_total",
			Help: "Optimistic read restarts caused by a concurrent writer.",
		}),
		EpochCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "epoch_advances_total",
			Help: "Epoch counter advances performed by the reclamation domain.",
		}),
		LiveRetired: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "retired_nodes",
			Help: "Retired nodes not yet safe to free.",
		}),
		Height: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "height",
			Help: "Current root-to-leaf height of the tree.",
		}),
		KeyCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "keys",
			Help: "Approximate number of live keys in the tree.",
		}),
	}
	for _, c := range []prometheus.Collector{m.Splits, m.Merges, m.Retries, m.EpochCycles, m.LiveRetired, m.Height, m.KeyCount} {
		_ = reg.Register(c)
	}
	return m
}
