package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons recorded by the replica's admission path.
const (
	ReasonBadSignature     = "bad_signature"
	ReasonStaleView        = "stale_view"
	ReasonDuplicate        = "duplicate"
	ReasonUnknownValidator = "unknown_validator"
	ReasonWrongLeader      = "wrong_leader"
	ReasonMalformed        = "malformed"
)

// Metrics bundles the node's prometheus collectors. One instance is owned by
// main and shared by reference with the components that record into it.
type Metrics struct {
	DroppedMessages   *prometheus.CounterVec
	FinalizedBlocks   prometheus.Counter
	ViewChanges       prometheus.Counter
	MempoolSize       prometheus.Gauge
	MempoolEvictions  *prometheus.CounterVec
	StreamDeliveries  prometheus.Counter
	StreamAckFailures prometheus.Counter

	registry *prometheus.Registry
}

// New creates the collector set on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		DroppedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tcvalidator",
			Subsystem: "consensus",
			Name:      "dropped_messages_total",
			Help:      "Consensus messages silently dropped, by reason.",
		}, []string{"reason"}),
		FinalizedBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tcvalidator",
			Subsystem: "consensus",
			Name:      "finalized_blocks_total",
			Help:      "Blocks finalized by this replica.",
		}),
		ViewChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tcvalidator",
			Subsystem: "consensus",
			Name:      "view_changes_total",
			Help:      "Completed view transitions.",
		}),
		MempoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tcvalidator",
			Subsystem: "mempool",
			Name:      "size",
			Help:      "Transactions currently pending in the mempool.",
		}),
		MempoolEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tcvalidator",
			Subsystem: "mempool",
			Name:      "evictions_total",
			Help:      "Mempool entries removed outside block inclusion, by cause.",
		}, []string{"cause"}),
		StreamDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tcvalidator",
			Subsystem: "stream",
			Name:      "deliveries_total",
			Help:      "Messages delivered to the replica by the stream consumer.",
		}),
		StreamAckFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tcvalidator",
			Subsystem: "stream",
			Name:      "ack_failures_total",
			Help:      "Acknowledgements that failed and will cause redelivery.",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.DroppedMessages,
		m.FinalizedBlocks,
		m.ViewChanges,
		m.MempoolSize,
		m.MempoolEvictions,
		m.StreamDeliveries,
		m.StreamAckFailures,
	)
	return m
}

// Registry exposes the underlying prometheus registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
