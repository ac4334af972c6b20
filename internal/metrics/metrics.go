package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	BuffersAllocatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_buffers_allocated_total",
			Help: "Message buffers allocated from the pool.",
		},
		[]string{"pool"},
	)

	BuffersFreedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_buffers_freed_total",
			Help: "Message buffers returned to the pool.",
		},
		[]string{"pool"},
	)

	BuffersDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_buffers_dropped_total",
			Help: "Buffers dropped at ingress or on a full outbound queue.",
		},
		[]string{"stage", "reason"},
	)

	BuffersInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_buffers_in_use",
			Help: "Buffers currently checked out of the pool.",
		},
		[]string{"pool"},
	)

	CoapDuplicatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_coap_duplicates_total",
			Help: "Inbound requests discarded as duplicates.",
		},
		[]string{"device"},
	)

	CoapParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_coap_parse_errors_total",
			Help: "CoAP parse failures by stage.",
		},
		[]string{"stage", "reason"},
	)

	BlockwiseTransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_blockwise_transfers_total",
			Help: "Block-wise transfers by role and outcome.",
		},
		[]string{"role", "outcome"},
	)

	OscoreOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_oscore_operations_total",
			Help: "OSCORE encrypt/decrypt operations by outcome.",
		},
		[]string{"direction", "outcome"},
	)

	ReplayOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_replay_outcomes_total",
			Help: "Anti-replay check outcomes.",
		},
		[]string{"outcome"},
	)

	EchoChallengesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_echo_challenges_total",
			Help: "Echo freshness challenges by outcome.",
		},
		[]string{"outcome"},
	)

	GroupDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_group_dispatch_total",
			Help: "S-mode group dispatch fan-out invocations.",
		},
		[]string{"direction"},
	)

	TableMutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_table_mutations_total",
			Help: "Mutations applied to routing tables.",
		},
		[]string{"table", "op"},
	)

	StorageWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_storage_write_duration_seconds",
			Help:    "Storage backend write latency.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
		[]string{"backend", "op"},
	)

	StorageOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_storage_operations_total",
			Help: "Storage backend operations by kind and outcome.",
		},
		[]string{"op", "outcome"},
	)

	StorageCompressedRatio = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_storage_compressed_ratio",
			Help:    "Compressed-to-raw size ratio for values above the compression threshold.",
			Buckets: []float64{0.1, 0.25, 0.4, 0.5, 0.6, 0.75, 0.9, 1.0},
		},
		[]string{"backend"},
	)

	AuditRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_audit_records_total",
			Help: "Audit records published (or dropped) by stage and outcome.",
		},
		[]string{"stage", "outcome"},
	)
)

var registerOnce sync.Once

// Register registers all collectors with the default registry. Safe to
// call more than once; only the first call has effect.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			BuffersAllocatedTotal,
			BuffersFreedTotal,
			BuffersDroppedTotal,
			BuffersInUse,
			CoapDuplicatesTotal,
			CoapParseErrorsTotal,
			BlockwiseTransfersTotal,
			OscoreOperationsTotal,
			ReplayOutcomesTotal,
			EchoChallengesTotal,
			GroupDispatchTotal,
			TableMutationsTotal,
			StorageWriteDuration,
			StorageOperationsTotal,
			StorageCompressedRatio,
			AuditRecordsTotal,
		)
	})
}
