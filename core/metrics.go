package core

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes counters/gauges for the orchestrator's long-running
// activity: a private registry built once in the constructor, one field
// per instrument, business code calls Inc/Set/Observe directly.
type Metrics struct {
	registry *prometheus.Registry

	ChunksSent      prometheus.Counter
	ChunksReceived  prometheus.Counter
	ChunkRetries    prometheus.Counter
	ChunkNacks      prometheus.Counter
	ConflictsTotal  prometheus.Counter
	SyncsInFlight   prometheus.Gauge
	SyncsFailed     prometheus.Counter
	WindowUtil      prometheus.Gauge
}

// NewMetrics builds a Metrics instance registered against a fresh
// registry. Callers that want to expose it via promhttp can reach the
// registry through Registry().
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ChunksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "familysync_chunks_sent_total",
			Help: "Data chunks transmitted to peers.",
		}),
		ChunksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "familysync_chunks_received_total",
			Help: "Data chunks received from peers.",
		}),
		ChunkRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "familysync_chunk_retries_total",
			Help: "Chunk resends triggered by a negative or mismatched acknowledgement.",
		}),
		ChunkNacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "familysync_chunk_nacks_total",
			Help: "Negative chunk acknowledgements received.",
		}),
		ConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "familysync_conflicts_resolved_total",
			Help: "Field-level conflicts resolved by the merge engine.",
		}),
		SyncsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "familysync_syncs_in_flight",
			Help: "Number of sync exchanges currently in progress.",
		}),
		SyncsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "familysync_syncs_failed_total",
			Help: "Sync exchanges that ended in failure once retries stopped.",
		}),
		WindowUtil: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "familysync_chunk_window_utilization",
			Help: "Chunks in the last outbound batch, capped at the window size, as a fraction of the window.",
		}),
	}
	reg.MustRegister(m.ChunksSent, m.ChunksReceived, m.ChunkRetries, m.ChunkNacks,
		m.ConflictsTotal, m.SyncsInFlight, m.SyncsFailed, m.WindowUtil)
	return m
}

// Registry exposes the underlying prometheus.Registry, e.g. for mounting
// promhttp.HandlerFor in a CLI debug server.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
