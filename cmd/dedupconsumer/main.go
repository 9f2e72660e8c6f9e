// Command dedupconsumer runs one worker of the streaming deduplication
// core: it consumes a source topic, classifies and records every event in
// a per-partition dedup store, periodically checkpoints those stores to
// object storage, and contests leadership of the partition assigner.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/posthog/kafka-deduplicator/internal/assigner"
	"github.com/posthog/kafka-deduplicator/internal/checkpoint"
	"github.com/posthog/kafka-deduplicator/internal/config"
	"github.com/posthog/kafka-deduplicator/internal/coordination"
	"github.com/posthog/kafka-deduplicator/internal/dedupmodel"
	"github.com/posthog/kafka-deduplicator/internal/inflight"
	"github.com/posthog/kafka-deduplicator/internal/metrics"
	"github.com/posthog/kafka-deduplicator/internal/objectstore"
	"github.com/posthog/kafka-deduplicator/internal/rebalance"
	"github.com/posthog/kafka-deduplicator/internal/sourcelog"
	"github.com/posthog/kafka-deduplicator/internal/storemanager"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "dedupconsumer",
		Short: "Runs a streaming deduplication worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to the worker's YAML config")
	return cmd
}

func run(parentCtx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := zerolog.New(os.Stderr).With().Timestamp().Str("topic", cfg.Topic).Logger()

	ctx, cancel := signal.NotifyContext(parentCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	hub := metrics.New(reg)
	go serveMetrics(cfg.Metrics.ListenAddr, reg, log)

	rebalancer := rebalance.New(hub, log)
	tracker := inflight.New(cfg.Store.MaxInFlight, hub, log)

	storeMgr := storemanager.New(storemanager.Config{
		Root:            cfg.Store.Root,
		MaxCapacity:     uint64(cfg.Store.MaxCapacity),
		BloomBitsPerKey: cfg.Store.BloomBitsPerKey,
	}, cfg.Store.CacheBytes, hub, rebalancer, log)

	remote, err := newRemoteStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("build object store: %w", err)
	}

	pipeline := checkpoint.New(checkpoint.Config{
		Interval:            cfg.Checkpoint.Interval,
		LocalRoot:           cfg.Checkpoint.LocalRoot,
		RemotePrefix:        cfg.Checkpoint.RemotePrefix,
		FullEveryNth:        cfg.Checkpoint.FullEveryNth,
		MaxLocalCheckpoints: cfg.Checkpoint.MaxLocalCheckpoints,
		RemoteRetention:     cfg.Checkpoint.RemoteRetention,
		UploadConcurrency:   cfg.Checkpoint.UploadConcurrency,
	}, storeMgr, remote, rebalancer, hub, log)
	checkpointHandle := pipeline.Start()
	defer checkpointHandle.Stop()

	coordStore, err := newCoordinationStore(cfg, log)
	if err != nil {
		return fmt.Errorf("start coordination store: %w", err)
	}

	if err := assigner.RegisterWorker(ctx, coordStore, cfg.Assigner.Name, cfg.Assigner.LeaseTTL, log); err != nil {
		return fmt.Errorf("register worker liveness record: %w", err)
	}

	readiness := assigner.NewReadinessWatcher(cfg.Assigner.Name, cfg.Topic, cfg.Checkpoint.LocalRoot, cfg.Checkpoint.RemotePrefix, coordStore, storeMgr, remote, log)
	go readiness.Run(ctx)

	consumer, err := sourcelog.New(sourcelog.Config{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
	}, tracker, rebalancer, recordHandler(storeMgr, tracker, hub, log), log)
	if err != nil {
		return fmt.Errorf("build source log consumer: %w", err)
	}
	defer consumer.Close()

	totalPartitions := cfg.Assigner.TotalPartitions
	if totalPartitions == 0 {
		n, err := consumer.PartitionCount(ctx)
		if err != nil {
			return fmt.Errorf("discover partition count: %w", err)
		}
		totalPartitions = n
	}

	coordinator := assigner.New(assigner.Config{
		Name:            cfg.Assigner.Name,
		TotalPartitions: totalPartitions,
		RouterCount:     cfg.Assigner.RouterCount,
		LeaseTTL:        cfg.Assigner.LeaseTTL,
		DebounceWindow:  cfg.Assigner.DebounceWindow,
	}, coordStore, nil, hub, log)
	go coordinator.Run(ctx)

	log.Info().Int32("partitions", totalPartitions).Msg("dedupconsumer starting")
	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("consumer run loop: %w", err)
	}
	log.Info().Msg("dedupconsumer shutting down")
	return nil
}

func newCoordinationStore(cfg *config.Config, log zerolog.Logger) (coordination.Store, error) {
	if cfg.Raft.BindAddr == "" {
		return coordination.NewMemoryStore(), nil
	}
	return coordination.NewRaftStore(coordination.NodeConfig{
		NodeID:    cfg.Raft.NodeID,
		BindAddr:  cfg.Raft.BindAddr,
		DataDir:   cfg.Raft.DataDir,
		Bootstrap: cfg.Raft.Bootstrap,
	}, log)
}

func newRemoteStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (objectstore.Store, error) {
	if cfg.Checkpoint.RemoteBucket == "" {
		log.Warn().Msg("no checkpoint remote bucket configured, using in-memory object store")
		return objectstore.NewMemoryStore(), nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return objectstore.NewS3Store(s3.NewFromConfig(awsCfg), cfg.Checkpoint.RemoteBucket), nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log zerolog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("metrics server exited")
	}
}

// wireEvent is the JSON shape of a source-topic record (spec §2): the four
// canonical fields dedup reasons about, plus an opaque properties blob.
type wireEvent struct {
	Token      string          `json:"token"`
	DistinctID string          `json:"distinct_id"`
	EventName  string          `json:"event_name"`
	Timestamp  uint64          `json:"timestamp"`
	UUID       string          `json:"uuid,omitempty"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// recordHandler classifies and records each fetched message through the
// store manager, tracked in-flight for the duration of the call.
func recordHandler(storeMgr *storemanager.Manager, tracker *inflight.Tracker, hub *metrics.Hub, log zerolog.Logger) sourcelog.Handler {
	return func(ctx context.Context, rec *kgo.Record) error {
		release, err := tracker.AcquirePermit(ctx)
		if err != nil {
			return fmt.Errorf("acquire in-flight permit: %w", err)
		}

		partition := dedupmodel.Partition{Topic: rec.Topic, Number: rec.Partition}
		ackable, err := tracker.Track(partition, rec.Offset, release)
		if err != nil {
			release()
			return fmt.Errorf("track offset: %w", err)
		}

		var wire wireEvent
		if err := json.Unmarshal(rec.Value, &wire); err != nil {
			tracker.Nack(ackable, err)
			return fmt.Errorf("decode event: %w", err)
		}

		event := dedupmodel.Event{
			Token:      wire.Token,
			DistinctID: wire.DistinctID,
			Name:       wire.EventName,
			Timestamp:  wire.Timestamp,
			Properties: wire.Properties,
		}
		if wire.UUID != "" {
			if id, err := uuid.Parse(wire.UUID); err == nil {
				event.UUID = id
				event.HasUUID = true
			}
		}

		store, err := storeMgr.GetOrCreate(partition)
		if err != nil {
			tracker.Nack(ackable, err)
			return fmt.Errorf("open store for %s: %w", partition, err)
		}

		outcome, err := store.ClassifyAndRecord(&event)
		if err != nil {
			tracker.Nack(ackable, err)
			return fmt.Errorf("classify event: %w", err)
		}

		hub.DedupedEventsTotal.WithLabelValues(outcome.Status.String()).Inc()
		tracker.Ack(ackable)
		return nil
	}
}
