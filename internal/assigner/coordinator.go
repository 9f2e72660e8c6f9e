package assigner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/posthog/kafka-deduplicator/internal/coordination"
	"github.com/posthog/kafka-deduplicator/internal/metrics"
)

const (
	leaderKey     = "leader/"
	workerPrefix  = "worker/"
	handoffPrefix = "handoff/"
	routerAckPfx  = "router_ack/"
	assignmentPfx = "assignment/"
)

// Config parameterizes the assigner's leader election and main loop.
type Config struct {
	Name              string
	LeaseTTL          time.Duration // default 15s
	DebounceWindow    time.Duration // default 1s
	TotalPartitions   int32
	RouterCount       int // 0 disables the router-ack wait (single-tier deployment)
	ElectionRetryWait time.Duration // default 2s
}

func (c Config) withDefaults() Config {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 15 * time.Second
	}
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = time.Second
	}
	if c.ElectionRetryWait <= 0 {
		c.ElectionRetryWait = 2 * time.Second
	}
	return c
}

// handoffRecord is the JSON value stored at handoff/{p}.
type handoffRecord struct {
	OldOwner string       `json:"old_owner"`
	NewOwner string       `json:"new_owner"`
	Phase    HandoffPhase `json:"phase"`
}

// Coordinator runs the Partition Assigner: contests leadership, and while
// leader, runs the watch-driven main loop of spec §4.E.
type Coordinator struct {
	cfg      Config
	store    coordination.Store
	strategy Strategy
	hub      *metrics.Hub
	log      zerolog.Logger

	mu       sync.Mutex
	isLeader bool
	leaseID  coordination.LeaseID
}

// New builds a Coordinator. strategy may be nil, defaulting to StickyBalanced.
func New(cfg Config, store coordination.Store, strategy Strategy, hub *metrics.Hub, log zerolog.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	if strategy == nil {
		strategy = StickyBalanced{}
	}
	return &Coordinator{cfg: cfg, store: store, strategy: strategy, hub: hub, log: log}
}

// Run contests leadership in a loop until ctx is cancelled; while leader it
// runs the main loop and steps down (by revoking its lease) on any
// unrecoverable coordination-store error.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		won, err := c.contestLeadership(ctx)
		if err != nil {
			c.log.Warn().Err(err).Msg("leader election attempt failed")
		}
		if !won {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.ElectionRetryWait):
			}
			continue
		}

		c.runAsLeader(ctx)
	}
}

func (c *Coordinator) contestLeadership(ctx context.Context) (bool, error) {
	lease, err := c.store.Grant(ctx, c.cfg.LeaseTTL)
	if err != nil {
		return false, fmt.Errorf("grant lease: %w", err)
	}

	err = c.store.CAS(ctx, leaderKey, nil, []byte(c.cfg.Name), lease)
	if err != nil {
		if err == coordination.ErrCASMismatch {
			_ = c.store.Revoke(ctx, lease)
			return false, nil
		}
		return false, err
	}

	c.mu.Lock()
	c.isLeader = true
	c.leaseID = lease
	c.mu.Unlock()
	if c.hub != nil {
		c.hub.AssignerLeader.Set(1)
	}
	return true, nil
}

func (c *Coordinator) runAsLeader(ctx context.Context) {
	leaderCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.stepDown(ctx)

	go c.keepAliveLease(leaderCtx, cancel)

	workerEvents, err := c.store.Watch(leaderCtx, workerPrefix)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to watch worker prefix")
		return
	}
	handoffEvents, err := c.store.Watch(leaderCtx, handoffPrefix)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to watch handoff prefix")
		return
	}
	ackEvents, err := c.store.Watch(leaderCtx, routerAckPfx)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to watch router_ack prefix")
		return
	}

	var debounce *time.Timer
	debounceC := func() <-chan time.Time {
		if debounce == nil {
			return nil
		}
		return debounce.C
	}

	for {
		select {
		case <-leaderCtx.Done():
			return

		case <-workerEvents:
			if debounce == nil {
				debounce = time.NewTimer(c.cfg.DebounceWindow)
			} else {
				debounce.Reset(c.cfg.DebounceWindow)
			}

		case <-debounceC():
			debounce = nil
			c.runRebalancePass(leaderCtx)

		case ev := <-handoffEvents:
			c.handleHandoffEvent(leaderCtx, ev)

		case ev := <-ackEvents:
			c.handleRouterAck(leaderCtx, ev)
		}
	}
}

func (c *Coordinator) keepAliveLease(ctx context.Context, onFailure context.CancelFunc) {
	interval := c.cfg.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			lease := c.leaseID
			c.mu.Unlock()
			if err := c.store.KeepAlive(ctx, lease); err != nil {
				c.log.Warn().Err(err).Msg("lease keepalive failed, stepping down")
				onFailure()
				return
			}
		}
	}
}

// IsLeader reports whether this coordinator currently holds the leader lease.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLeader
}

func (c *Coordinator) stepDown(ctx context.Context) {
	c.mu.Lock()
	lease := c.leaseID
	c.isLeader = false
	c.leaseID = ""
	c.mu.Unlock()
	if lease != "" {
		_ = c.store.Revoke(ctx, lease)
	}
	if c.hub != nil {
		c.hub.AssignerLeader.Set(0)
	}
}

func (c *Coordinator) handleHandoffEvent(ctx context.Context, ev coordination.Event) {
	if ev.Type == coordination.EventDelete {
		return
	}
	var rec handoffRecord
	if err := json.Unmarshal(ev.Value, &rec); err != nil {
		c.log.Warn().Err(err).Str("key", ev.Key).Msg("malformed handoff record")
		return
	}
	if rec.Phase == PhaseReady && c.cfg.RouterCount == 0 {
		// No router tier: Ready moves straight to Complete and the assignment flips.
		rec.Phase = PhaseComplete
		newVal, _ := json.Marshal(rec)
		if err := c.store.CAS(ctx, ev.Key, ev.Value, newVal, ""); err != nil {
			c.log.Debug().Err(err).Str("key", ev.Key).Msg("handoff completion CAS lost race")
			return
		}
		assignKey := assignmentPfx + partitionFromHandoffKey(ev.Key)
		current, _, _ := c.store.Get(ctx, assignKey)
		if err := c.store.CAS(ctx, assignKey, current, []byte(rec.NewOwner), ""); err != nil {
			c.log.Warn().Err(err).Str("key", ev.Key).Msg("failed to flip assignment pointer to new owner")
		}
		return
	}
	if rec.Phase != PhaseComplete {
		return
	}

	ops := []coordination.Op{{Kind: coordination.OpDelete, Key: ev.Key}}
	ackPrefix := routerAckPfx + partitionFromHandoffKey(ev.Key) + "/"
	acks, err := c.store.List(ctx, ackPrefix)
	if err == nil {
		for k := range acks {
			ops = append(ops, coordination.Op{Kind: coordination.OpDelete, Key: k})
		}
	}
	if err := c.store.Txn(ctx, ops); err != nil {
		c.log.Warn().Err(err).Str("key", ev.Key).Msg("failed to clean up completed handoff")
		return
	}

	remaining, err := c.store.List(ctx, handoffPrefix)
	if err == nil && len(remaining) == 0 {
		c.runRebalancePass(ctx)
	}
}

func (c *Coordinator) handleRouterAck(ctx context.Context, ev coordination.Event) {
	if ev.Type != coordination.EventCreate {
		return
	}
	partition := partitionFromHandoffKey(ev.Key)

	acks, err := c.store.List(ctx, routerAckPfx+partition+"/")
	if err != nil {
		c.log.Warn().Err(err).Str("partition", partition).Msg("failed to list router acks")
		return
	}
	if c.cfg.RouterCount > 0 && len(acks) < c.cfg.RouterCount {
		return
	}

	handoffKey := handoffPrefix + partition
	raw, ok, err := c.store.Get(ctx, handoffKey)
	if err != nil || !ok {
		return
	}
	var rec handoffRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return
	}
	if rec.Phase != PhaseReady {
		return
	}

	rec.Phase = PhaseComplete
	newVal, _ := json.Marshal(rec)
	if err := c.store.CAS(ctx, handoffKey, raw, newVal, ""); err != nil {
		c.log.Debug().Err(err).Str("partition", partition).Msg("handoff completion CAS lost race, will retry on next event")
		return
	}
	assignKey := assignmentPfx + partition
	current, _, _ := c.store.Get(ctx, assignKey)
	if err := c.store.CAS(ctx, assignKey, current, []byte(rec.NewOwner), ""); err != nil {
		c.log.Warn().Err(err).Str("partition", partition).Msg("failed to flip assignment pointer to new owner")
	}
}

// runRebalancePass gathers current state from the coordination store and
// applies spec §4.E's pure rebalance pass, then writes the plan back.
func (c *Coordinator) runRebalancePass(ctx context.Context) {
	assignments, err := c.store.List(ctx, assignmentPfx)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to list assignments for rebalance pass")
		return
	}
	current := make(map[int32]string, len(assignments))
	for k, v := range assignments {
		current[partitionNumberFromKey(k, assignmentPfx)] = string(v)
	}

	workers, err := c.store.List(ctx, workerPrefix)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to list live workers")
		return
	}
	live := make([]string, 0, len(workers))
	for k := range workers {
		live = append(live, k[len(workerPrefix):])
	}

	handoffRaw, err := c.store.List(ctx, handoffPrefix)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to list handoffs")
		return
	}
	var inFlight []Handoff
	for k, v := range handoffRaw {
		var rec handoffRecord
		if json.Unmarshal(v, &rec) != nil {
			continue
		}
		inFlight = append(inFlight, Handoff{
			Partition: partitionNumberFromKey(k, handoffPrefix),
			OldOwner:  rec.OldOwner,
			NewOwner:  rec.NewOwner,
			Phase:     rec.Phase,
		})
	}

	plan := Rebalance(current, inFlight, live, c.cfg.TotalPartitions, c.strategy)

	for _, p := range plan.StaleHandoffs {
		key := fmt.Sprintf("%s%d", handoffPrefix, p)
		_ = c.store.Delete(ctx, key)
	}
	if plan.Deferred {
		return
	}

	var ops []coordination.Op
	for p, owner := range plan.StableAssignments {
		ops = append(ops, coordination.Op{Kind: coordination.OpPut, Key: fmt.Sprintf("%s%d", assignmentPfx, p), Value: []byte(owner)})
	}
	for _, h := range plan.NewHandoffs {
		rec := handoffRecord{OldOwner: h.OldOwner, NewOwner: h.NewOwner, Phase: PhaseWarming}
		data, _ := json.Marshal(rec)
		ops = append(ops, coordination.Op{Kind: coordination.OpPut, Key: fmt.Sprintf("%s%d", handoffPrefix, h.Partition), Value: data})
	}
	if len(ops) == 0 {
		return
	}
	if err := c.store.Txn(ctx, ops); err != nil {
		c.log.Warn().Err(err).Msg("failed to commit rebalance plan")
	}
	if c.hub != nil {
		c.hub.HandoffsInProgress.WithLabelValues("warming").Set(float64(len(plan.NewHandoffs)))
	}
}

func partitionFromHandoffKey(key string) string {
	for _, pfx := range []string{handoffPrefix, routerAckPfx} {
		if len(key) > len(pfx) && key[:len(pfx)] == pfx {
			rest := key[len(pfx):]
			for i, r := range rest {
				if r == '/' {
					return rest[:i]
				}
			}
			return rest
		}
	}
	return key
}

func partitionNumberFromKey(key, prefix string) int32 {
	s := key[len(prefix):]
	var n int32
	for _, r := range s {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int32(r-'0')
	}
	return n
}
