package assigner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/posthog/kafka-deduplicator/internal/coordination"
)

// workerKeepAliveInterval is spec §6's fixed keepalive cadence for a
// worker's liveness record, independent of the lease TTL itself.
const workerKeepAliveInterval = 5 * time.Second

// workerRecord is the JSON value stored at worker/{name} (spec §6: "Worker
// liveness record: {name, registered_at}").
type workerRecord struct {
	Name         string    `json:"name"`
	RegisteredAt time.Time `json:"registered_at"`
}

// RegisterWorker writes this worker's liveness record under a leaseTTL
// lease (default 15s) and keeps it alive every 5s until ctx is cancelled.
// It blocks until the record is written, then keeps the lease alive from a
// background goroutine; the leader's rebalance pass (runRebalancePass)
// reads worker/ to know which workers are live.
func RegisterWorker(ctx context.Context, store coordination.Store, name string, leaseTTL time.Duration, log zerolog.Logger) error {
	if leaseTTL <= 0 {
		leaseTTL = 15 * time.Second
	}

	lease, err := store.Grant(ctx, leaseTTL)
	if err != nil {
		return fmt.Errorf("grant worker lease: %w", err)
	}

	rec := workerRecord{Name: name, RegisteredAt: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal worker record: %w", err)
	}

	key := workerPrefix + name
	if err := store.CAS(ctx, key, nil, data, lease); err != nil {
		if err != coordination.ErrCASMismatch {
			return fmt.Errorf("register worker %s: %w", name, err)
		}
		// A record already exists, most likely left behind by this same
		// worker's previous process before its old lease expired. Overwrite
		// it under our new lease rather than failing startup over it.
		existing, ok, getErr := store.Get(ctx, key)
		if getErr != nil || !ok {
			return fmt.Errorf("register worker %s: %w", name, err)
		}
		if err := store.CAS(ctx, key, existing, data, lease); err != nil {
			return fmt.Errorf("register worker %s over stale record: %w", name, err)
		}
	}

	go keepAliveWorkerLease(ctx, store, lease, workerKeepAliveInterval, log)
	return nil
}

func keepAliveWorkerLease(ctx context.Context, store coordination.Store, lease coordination.LeaseID, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.KeepAlive(ctx, lease); err != nil {
				log.Warn().Err(err).Msg("worker lease keepalive failed")
				return
			}
		}
	}
}
