// Package metrics exposes Prometheus collectors for the IPC core's pool,
// connection and node-liveness state. This package does not run an HTTP
// server itself; callers mount Registry() on whatever handler they already
// run (the cmd/shmnode example serves it on /metrics).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the collectors scraped for one process's Node.
type Metrics struct {
	registry *prometheus.Registry

	ChunksInUse    *prometheus.GaugeVec
	ChunksCapacity *prometheus.GaugeVec
	PoolGrowths    *prometheus.CounterVec
	PoolGrowthDenied *prometheus.CounterVec

	ConnectionQueueDepth *prometheus.GaugeVec
	OverflowDrops        *prometheus.CounterVec
	SendFull             *prometheus.CounterVec

	NodesReaped      prometheus.Counter
	NodesAlive       prometheus.Gauge
	ListenerWaitTime *prometheus.HistogramVec

	ServicesCreated prometheus.Counter
	ServicesOpened  prometheus.Counter
}

// New creates a fresh set of collectors registered against their own
// registry, so multiple Nodes in the same test binary don't collide on
// the global default registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		ChunksInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shmipc_pool_chunks_in_use",
			Help: "Chunks currently borrowed or queued, per segment.",
		}, []string{"segment"}),

		ChunksCapacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shmipc_pool_chunks_capacity",
			Help: "Maximum number of chunks configured for a segment.",
		}, []string{"segment"}),

		PoolGrowths: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shmipc_pool_growths_total",
			Help: "Power-of-two pool growth events, per segment.",
		}, []string{"segment"}),

		PoolGrowthDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shmipc_pool_growth_denied_total",
			Help: "Pool growth attempts refused by the resource guard.",
		}, []string{"segment"}),

		ConnectionQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shmipc_connection_queue_depth",
			Help: "Current data-queue depth of a connection.",
		}, []string{"service", "connection"}),

		OverflowDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shmipc_connection_overflow_drops_total",
			Help: "Samples dropped by safe-overflow, per connection.",
		}, []string{"service", "connection"}),

		SendFull: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shmipc_connection_send_full_total",
			Help: "try_send calls that observed a full queue without overflow enabled.",
		}, []string{"service", "connection"}),

		NodesReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shmipc_nodes_reaped_total",
			Help: "Dead nodes whose ports were deregistered by a survivor.",
		}),

		NodesAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shmipc_nodes_alive",
			Help: "Nodes currently observed Alive across all services.",
		}),

		ListenerWaitTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shmipc_listener_wait_seconds",
			Help:    "Time spent in Listener wait calls.",
			Buckets: []float64{.0001, .001, .01, .1, 1, 5, 30},
		}, []string{"service"}),

		ServicesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shmipc_services_created_total",
			Help: "Services created via the create-under-lock path.",
		}),

		ServicesOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shmipc_services_opened_total",
			Help: "Successful service open calls.",
		}),
	}

	reg.MustRegister(
		m.ChunksInUse, m.ChunksCapacity, m.PoolGrowths, m.PoolGrowthDenied,
		m.ConnectionQueueDepth, m.OverflowDrops, m.SendFull,
		m.NodesReaped, m.NodesAlive, m.ListenerWaitTime,
		m.ServicesCreated, m.ServicesOpened,
	)

	return m
}

// Registry returns the Prometheus registry a host process can mount under
// its own /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
