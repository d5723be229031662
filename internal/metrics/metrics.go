// Package metrics wires the actor's metric emission points (spec.md §6) onto
// Prometheus client_golang, grounded on the juju-juju and gravitational-teleport
// go.mod's use of github.com/prometheus/client_golang for service metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Sink is the narrow metrics surface the session actor depends on, so the
// actor package itself never imports prometheus directly and can be tested
// against a fake.
type Sink interface {
	SetInboundQueueLength(databaseIdentity string, n int)
	ObserveSentRows(databaseIdentity, workload string, rows float64)
	ObserveSentMessageSize(databaseIdentity, workload string, bytes float64)
	IncPeerInitiatedClose(databaseIdentity string)
}

// WorkerMetrics is the concrete Prometheus-backed Sink, named after and
// structured like the original's WORKER_METRICS registry.
type WorkerMetrics struct {
	totalIncomingQueueLength *prometheus.GaugeVec
	websocketSentNumRows     *prometheus.HistogramVec
	websocketSentMsgSize     *prometheus.HistogramVec
	wsClientsClosedConn      *prometheus.CounterVec
}

// NewWorkerMetrics constructs the four metrics named in spec.md §6 and
// registers them with reg.
func NewWorkerMetrics(reg prometheus.Registerer) *WorkerMetrics {
	m := &WorkerMetrics{
		totalIncomingQueueLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "spacetimedb",
			Subsystem: "worker",
			Name:      "total_incoming_queue_length",
			Help:      "Number of inbound messages queued for handling, per database.",
		}, []string{"database_identity"}),
		websocketSentNumRows: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "spacetimedb",
			Subsystem: "worker",
			Name:      "websocket_sent_num_rows",
			Help:      "Rows sent per outbound websocket message.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"database_identity", "workload"}),
		websocketSentMsgSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "spacetimedb",
			Subsystem: "worker",
			Name:      "websocket_sent_msg_size_bytes",
			Help:      "Serialized size of outbound websocket messages.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
		}, []string{"database_identity", "workload"}),
		wsClientsClosedConn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spacetimedb",
			Subsystem: "worker",
			Name:      "ws_clients_closed_connection_total",
			Help:      "Number of sessions where the peer initiated the close.",
		}, []string{"database_identity"}),
	}
	reg.MustRegister(
		m.totalIncomingQueueLength,
		m.websocketSentNumRows,
		m.websocketSentMsgSize,
		m.wsClientsClosedConn,
	)
	return m
}

func (m *WorkerMetrics) SetInboundQueueLength(databaseIdentity string, n int) {
	m.totalIncomingQueueLength.WithLabelValues(databaseIdentity).Set(float64(n))
}

func (m *WorkerMetrics) ObserveSentRows(databaseIdentity, workload string, rows float64) {
	m.websocketSentNumRows.WithLabelValues(databaseIdentity, workload).Observe(rows)
}

func (m *WorkerMetrics) ObserveSentMessageSize(databaseIdentity, workload string, bytes float64) {
	m.websocketSentMsgSize.WithLabelValues(databaseIdentity, workload).Observe(bytes)
}

func (m *WorkerMetrics) IncPeerInitiatedClose(databaseIdentity string) {
	m.wsClientsClosedConn.WithLabelValues(databaseIdentity).Inc()
}

// NoopSink discards everything; used by tests and by callers that don't want
// metrics wired up.
type NoopSink struct{}

func (NoopSink) SetInboundQueueLength(string, int)         {}
func (NoopSink) ObserveSentRows(string, string, float64)   {}
func (NoopSink) ObserveSentMessageSize(string, string, float64) {}
func (NoopSink) IncPeerInitiatedClose(string)              {}
