package assigner

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/posthog/kafka-deduplicator/internal/checkpoint"
	"github.com/posthog/kafka-deduplicator/internal/coordination"
	"github.com/posthog/kafka-deduplicator/internal/dedupmodel"
	"github.com/posthog/kafka-deduplicator/internal/objectstore"
	"github.com/posthog/kafka-deduplicator/internal/storemanager"
)

// ReadinessWatcher runs on every worker, not just the leader: it watches
// for handoffs naming it as the new owner and implements spec §4.E's
// Warming -> Ready transition ("new_owner signals ready") by restoring the
// partition's latest checkpoint before acknowledging it can serve traffic.
type ReadinessWatcher struct {
	self         string
	topic        string
	restoreRoot  string
	remotePrefix string

	store  coordination.Store
	stores *storemanager.Manager
	remote objectstore.Store
	log    zerolog.Logger
}

// NewReadinessWatcher builds a watcher for one worker. topic is the single
// source topic this worker consumes (partition records carry no topic of
// their own, matching the assigner's int32-keyed assignment map).
func NewReadinessWatcher(self, topic, restoreRoot, remotePrefix string, store coordination.Store, stores *storemanager.Manager, remote objectstore.Store, log zerolog.Logger) *ReadinessWatcher {
	return &ReadinessWatcher{
		self:         self,
		topic:        topic,
		restoreRoot:  restoreRoot,
		remotePrefix: remotePrefix,
		store:        store,
		stores:       stores,
		remote:       remote,
		log:          log,
	}
}

// Run watches handoff/ until ctx is cancelled.
func (w *ReadinessWatcher) Run(ctx context.Context) {
	events, err := w.store.Watch(ctx, handoffPrefix)
	if err != nil {
		w.log.Error().Err(err).Msg("failed to watch handoff prefix for readiness")
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			w.handle(ctx, ev)
		}
	}
}

func (w *ReadinessWatcher) handle(ctx context.Context, ev coordination.Event) {
	if ev.Type == coordination.EventDelete {
		return
	}
	var rec handoffRecord
	if err := json.Unmarshal(ev.Value, &rec); err != nil {
		return
	}
	if rec.Phase != PhaseWarming || rec.NewOwner != w.self {
		return
	}

	part := dedupmodel.Partition{Topic: w.topic, Number: partitionNumberFromKey(ev.Key, handoffPrefix)}
	localDir := filepath.Join(w.restoreRoot, fmt.Sprintf("%s_%d_restore", part.Topic, part.Number))

	if err := checkpoint.Restore(ctx, w.remote, w.remotePrefix, part.Topic, part.Number, localDir); err != nil {
		w.log.Warn().Err(err).Str("partition", part.String()).Msg("checkpoint restore failed, cannot signal ready yet")
		return
	}

	if _, err := w.stores.AdoptCheckpoint(part, localDir); err != nil {
		w.log.Warn().Err(err).Str("partition", part.String()).Msg("failed to adopt restored checkpoint")
		return
	}

	rec.Phase = PhaseReady
	newVal, err := json.Marshal(rec)
	if err != nil {
		w.log.Warn().Err(err).Str("partition", part.String()).Msg("failed to marshal ready handoff record")
		return
	}
	if err := w.store.CAS(ctx, ev.Key, ev.Value, newVal, ""); err != nil {
		w.log.Debug().Err(err).Str("partition", part.String()).Msg("ready CAS lost race, leaving for next handoff event")
		return
	}
	w.log.Info().Str("partition", part.String()).Msg("restored checkpoint and signaled handoff ready")
}
