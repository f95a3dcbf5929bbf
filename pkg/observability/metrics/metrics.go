package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "go_replica",
		Name:      "is_leader",
		Help:      "1 if the local consensus holds the leader role, else 0",
	})

	NextOpIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "go_replica",
		Subsystem: "consensus",
		Name:      "next_op_index",
		Help:      "Index the next operation will be assigned",
	})

	QuorumSeqno = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "go_replica",
		Subsystem: "consensus",
		Name:      "quorum_seqno",
		Help:      "Sequence number of the committed quorum",
	})

	OpsReplicated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go_replica",
		Subsystem: "consensus",
		Name:      "replicated_total",
		Help:      "REPLICATE operations handed to the log",
	}, []string{"kind"})

	OpsCommitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go_replica",
		Subsystem: "consensus",
		Name:      "committed_total",
		Help:      "COMMIT operations handed to the log",
	}, []string{"outcome"})

	ConfigChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "go_replica",
		Subsystem: "consensus",
		Name:      "config_changes_total",
		Help:      "Committed quorum replacements",
	})

	LogPendingReservations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "go_replica",
		Subsystem: "oplog",
		Name:      "pending_reservations",
		Help:      "Reserved batches not yet durable",
	})

	LogAppendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "go_replica",
		Subsystem: "oplog",
		Name:      "append_seconds",
		Help:      "Time spent in one durable store call",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
	})

	LogAppendBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "go_replica",
		Subsystem: "oplog",
		Name:      "append_entries",
		Help:      "Entries written per durable store call",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	TxnInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "go_replica",
		Subsystem: "txn",
		Name:      "in_flight",
		Help:      "Transactions submitted and not yet finalized",
	})

	TxnDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "go_replica",
		Subsystem: "txn",
		Name:      "duration_seconds",
		Help:      "Submit to commit-durable latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind", "result"})

	GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "go_replica",
		Subsystem: "grpc_conn",
		Name:      "dials_total",
		Help:      "Total number of new gRPC connections dialed",
	})
	GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "go_replica",
		Subsystem: "grpc_conn",
		Name:      "reuse_total",
		Help:      "Total number of gRPC connection reuses from cache",
	})
	GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "go_replica",
		Subsystem: "grpc_conn",
		Name:      "evictions_total",
		Help:      "Total number of cached gRPC connections evicted",
	})
	GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "go_replica",
		Subsystem: "grpc_conn",
		Name:      "active",
		Help:      "Number of active cached gRPC connections",
	})
)

// Register registers metrics into the default Prometheus registry (idempotent).
// Metrics are updated whether or not they are registered.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			IsLeader,
			NextOpIndex,
			QuorumSeqno,
			OpsReplicated,
			OpsCommitted,
			ConfigChanges,
			LogPendingReservations,
			LogAppendDuration,
			LogAppendBatchSize,
			TxnInFlight,
			TxnDuration,
			GRPCConnDials,
			GRPCConnReuse,
			GRPCConnEvictions,
			GRPCConnActive,
		)
	})
}
