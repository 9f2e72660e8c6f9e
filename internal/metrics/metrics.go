// Package metrics centralizes the Prometheus collectors named in spec §6's
// metrics boundary. Grafana Tempo's blockbuilder module and PostHog's own
// ticdc pulsar consumer (both pack files) register metrics the same way:
// vectors built with promauto, labeled per call site. Here they are built
// against an explicit registry and held on a Hub rather than package-level.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Hub bundles every collector the core emits so components take a single
// explicit reference instead of reaching for package-level globals (spec
// §9: "no implicit module-level state in the contract").
type Hub struct {
	DedupedEventsTotal *prometheus.CounterVec
	InFlightMessages    prometheus.Gauge
	CommitableOffset    *prometheus.GaugeVec
	StoreBytes          *prometheus.GaugeVec
	StoresTotal         prometheus.Gauge
	CleanupBytesFreed   prometheus.Counter
	CleanupDuration     prometheus.Histogram
	CheckpointDuration  *prometheus.HistogramVec
	CheckpointBytes     *prometheus.CounterVec
	RebalanceInProgress prometheus.Gauge
	PartitionsOwned     prometheus.Gauge
	AssignerLeader      prometheus.Gauge
	HandoffsInProgress  *prometheus.GaugeVec
}

// New registers every collector against reg (pass prometheus.NewRegistry()
// in tests to avoid global-registry collisions across packages).
func New(reg prometheus.Registerer) *Hub {
	factory := promauto.With(reg)
	return &Hub{
		DedupedEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dedup", Name: "deduped_events_total",
			Help: "Count of classified events by status.",
		}, []string{"status"}),
		InFlightMessages: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dedup", Name: "in_flight_messages",
			Help: "Messages dispatched but not yet acked.",
		}),
		CommitableOffset: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dedup", Name: "commitable_offset",
			Help: "Highest offset safe to commit per partition.",
		}, []string{"topic", "partition"}),
		StoreBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dedup", Name: "store_bytes",
			Help: "On-disk footprint of a partition's dedup store.",
		}, []string{"topic", "partition"}),
		StoresTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dedup", Name: "stores_total",
			Help: "Number of open dedup stores on this worker.",
		}),
		CleanupBytesFreed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dedup", Name: "cleanup_bytes_freed",
			Help: "Cumulative bytes freed by budget eviction.",
		}),
		CleanupDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dedup", Name: "cleanup_duration_seconds",
			Help: "Duration of a full cleanup pass.",
		}),
		CheckpointDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dedup", Name: "checkpoint_duration_seconds",
			Help: "Duration of a checkpoint cycle.",
		}, []string{"kind"}),
		CheckpointBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dedup", Name: "checkpoint_bytes_uploaded",
			Help: "Bytes uploaded per checkpoint cycle.",
		}, []string{"kind"}),
		RebalanceInProgress: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dedup", Name: "rebalance_in_progress",
			Help: "1 while a rebalance is in progress.",
		}),
		PartitionsOwned: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dedup", Name: "partitions_owned",
			Help: "Partitions currently owned by this worker.",
		}),
		AssignerLeader: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dedup", Name: "assigner_leader",
			Help: "1 if this process holds the assigner leader lease.",
		}),
		HandoffsInProgress: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dedup", Name: "handoffs_in_progress",
			Help: "Handoffs currently in each phase.",
		}, []string{"phase"}),
	}
}

// PartitionLabels bundles the topic/partition label pair every per-store
// gauge in this package takes, mirroring deduplication_store.rs's metrics
// helper which pre-labels every call site the same way.
func PartitionLabels(topic string, partition int32) prometheus.Labels {
	return prometheus.Labels{"topic": topic, "partition": fmt.Sprint(partition)}
}

// WithPartition returns the StoreBytes gauge pre-labeled for a partition.
func (h *Hub) WithPartition(topic string, partition int32) prometheus.Gauge {
	return h.StoreBytes.With(PartitionLabels(topic, partition))
}
