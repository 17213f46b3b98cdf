package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/VanDung-dev/PeerHub-Engine/core"
)

// Route labels for MessagesRouted.
const (
	RouteLocal     = "local"
	RouteUnicast   = "unicast"
	RouteBroadcast = "broadcast"
	RouteDropped   = "dropped"
)

// Rejection reasons for ConnectionsRejected.
const (
	RejectClosed    = "closed"
	RejectHandshake = "handshake"
	RejectAdmission = "admission"
	RejectDuplicate = "duplicate"
)

// Metrics holds all Prometheus metrics for one messenger. Every recording
// method is a no-op on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Connection metrics
	ConnectionsActive   prometheus.Gauge
	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected *prometheus.CounterVec
	ConnectionsLost     prometheus.Counter
	NodesRenamed        prometheus.Counter

	// Traffic metrics
	MessagesRouted *prometheus.CounterVec
	FramesWritten  prometheus.Counter
	FramesRead     prometheus.Counter
	UnsentDropped  prometheus.Counter

	// Latency metrics
	FlushLatency    prometheus.Histogram
	DispatchLatency prometheus.Histogram
}

// NewMetrics creates metrics registered on a fresh registry, so several
// messengers can live in one process.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of live peer connections",
		}),
		ConnectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total number of connections that completed admission",
		}),
		ConnectionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Total number of rejected connections by reason",
		}, []string{"reason"}),
		ConnectionsLost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_lost_total",
			Help:      "Total number of connections closed by a transport failure",
		}),
		NodesRenamed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_renamed_total",
			Help:      "Total number of joiners whose name was rewritten",
		}),

		MessagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_routed_total",
			Help:      "Total routed payload envelopes by route",
		}, []string{"route"}),
		FramesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_written_total",
			Help:      "Total number of frames written to peers",
		}),
		FramesRead: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_read_total",
			Help:      "Total number of frames read from peers",
		}),
		UnsentDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unsent_envelopes_total",
			Help:      "Total number of queued envelopes lost with their connection",
		}),

		FlushLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_latency_seconds",
			Help:      "Time spent blocked in Flush",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		DispatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_latency_seconds",
			Help:      "Time from frame read to handler completion",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RegisterPool exposes the pool's statistics as gauges.
func (m *Metrics) RegisterPool(namespace string, pool *core.WorkerPool) {
	if m == nil || pool == nil {
		return
	}
	labels := prometheus.Labels{"pool": pool.Name()}
	factory := promauto.With(m.registry)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "worker_pool_active",
		Help:        "Number of tasks being processed",
		ConstLabels: labels,
	}, func() float64 { return float64(pool.GetStats().Active) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "worker_pool_pending",
		Help:        "Number of tasks waiting in the pool queue",
		ConstLabels: labels,
	}, func() float64 { return float64(pool.GetStats().Pending) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "worker_pool_failed_total",
		Help:        "Total number of handler tasks that failed or panicked",
		ConstLabels: labels,
	}, func() float64 { return float64(pool.GetStats().Failed) })
}

// ConnectionOpened records an admitted connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsAccepted.Inc()
	m.ConnectionsActive.Inc()
}

// ConnectionClosed records a connection leaving the registry.
func (m *Metrics) ConnectionClosed(lost bool, unsent int) {
	if m == nil {
		return
	}
	if lost {
		m.ConnectionsLost.Inc()
	}
	m.UnsentDropped.Add(float64(unsent))
	m.ConnectionsActive.Dec()
}

// RecordRejection records a refused connection.
func (m *Metrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.ConnectionsRejected.WithLabelValues(reason).Inc()
}

// RecordRename records a joiner whose name was rewritten.
func (m *Metrics) RecordRename() {
	if m == nil {
		return
	}
	m.NodesRenamed.Inc()
}

// RecordRoute records one routing decision.
func (m *Metrics) RecordRoute(route string) {
	if m == nil {
		return
	}
	m.MessagesRouted.WithLabelValues(route).Inc()
}

// RecordFrameWritten counts an outbound frame.
func (m *Metrics) RecordFrameWritten() {
	if m == nil {
		return
	}
	m.FramesWritten.Inc()
}

// RecordFrameRead counts an inbound frame.
func (m *Metrics) RecordFrameRead() {
	if m == nil {
		return
	}
	m.FramesRead.Inc()
}

// RecordFlush records time spent in Flush.
func (m *Metrics) RecordFlush(d time.Duration) {
	if m == nil {
		return
	}
	m.FlushLatency.Observe(d.Seconds())
}

// RecordDispatch records handler latency.
func (m *Metrics) RecordDispatch(d time.Duration) {
	if m == nil {
		return
	}
	m.DispatchLatency.Observe(d.Seconds())
}
