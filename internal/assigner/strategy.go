// Package assigner implements spec §4.E's Partition Assigner: leader
// election, a watch-driven main loop, and a pure-function rebalance pass.
package assigner

import "sort"

// HandoffPhase is a partition's position in the handoff state machine.
type HandoffPhase int

const (
	PhaseNone HandoffPhase = iota
	PhaseWarming
	PhaseReady
	PhaseComplete
)

// Handoff records an in-progress ownership transfer for one partition.
type Handoff struct {
	Partition int32
	OldOwner  string
	NewOwner  string
	Phase     HandoffPhase
}

// Plan is the rebalance pass's pure output: per-SPEC_FULL the assigner's
// core decision logic is a function of (assignments, live workers,
// strategy) callable without a live coordination store, so it is
// unit-testable in isolation.
type Plan struct {
	// StableAssignments are partitions whose owner does not change this
	// pass; written directly to assignment/{p}.
	StableAssignments map[int32]string
	// NewHandoffs are partitions entering Warming this pass.
	NewHandoffs []Handoff
	// StaleHandoffs are handoffs whose new_owner died mid-Warming and
	// must be deleted (spec §4.E rebalance-pass step 1).
	StaleHandoffs []int32
	// Deferred is true when in-flight handoffs block this pass from
	// computing new assignments (step 2).
	Deferred bool
}

// Strategy computes the desired partition -> worker assignment. The
// default is StickyBalanced; pluggable per spec §4.E.
type Strategy interface {
	Assign(current map[int32]string, liveWorkers []string, totalPartitions int32) map[int32]string
}

// StickyBalanced keeps a partition on its current owner if that worker is
// still live; otherwise it redistributes evenly across live workers,
// preferring to pull partitions from the most-loaded workers, so no two
// workers' counts differ by more than one.
type StickyBalanced struct{}

func (StickyBalanced) Assign(current map[int32]string, liveWorkers []string, totalPartitions int32) map[int32]string {
	live := make(map[string]struct{}, len(liveWorkers))
	for _, w := range liveWorkers {
		live[w] = struct{}{}
	}

	desired := make(map[int32]string, totalPartitions)
	load := make(map[string]int, len(liveWorkers))

	var unassigned []int32
	for p := int32(0); p < totalPartitions; p++ {
		owner, ok := current[p]
		if ok {
			if _, stillLive := live[owner]; stillLive {
				desired[p] = owner
				load[owner]++
				continue
			}
		}
		unassigned = append(unassigned, p)
	}

	if len(liveWorkers) == 0 {
		return desired // nothing to assign the orphaned partitions to
	}

	sorted := append([]string(nil), liveWorkers...)
	sort.Strings(sorted)

	for _, p := range unassigned {
		target := leastLoaded(sorted, load)
		desired[p] = target
		load[target]++
	}

	return rebalanceOverloaded(desired, sorted, load)
}

func leastLoaded(workers []string, load map[string]int) string {
	best := workers[0]
	for _, w := range workers[1:] {
		if load[w] < load[best] {
			best = w
		}
	}
	return best
}

// rebalanceOverloaded moves partitions from the most-loaded worker to the
// least-loaded one until every pair of live workers' counts differ by at
// most one, preferring to disturb the most-loaded workers first.
func rebalanceOverloaded(desired map[int32]string, workers []string, load map[string]int) map[int32]string {
	if len(workers) < 2 {
		return desired
	}

	for {
		mostIdx, leastIdx := 0, 0
		for i, w := range workers {
			if load[w] > load[workers[mostIdx]] {
				mostIdx = i
			}
			if load[w] < load[workers[leastIdx]] {
				leastIdx = i
			}
		}
		most, least := workers[mostIdx], workers[leastIdx]
		if load[most]-load[least] <= 1 {
			return desired
		}

		moved := false
		for p, owner := range desired {
			if owner == most {
				desired[p] = least
				load[most]--
				load[least]++
				moved = true
				break
			}
		}
		if !moved {
			return desired
		}
	}
}

// Rebalance runs spec §4.E's rebalance pass. It never touches a
// coordination store; callers are responsible for reading the inputs and
// applying the returned Plan.
func Rebalance(
	currentAssignments map[int32]string,
	inFlightHandoffs []Handoff,
	liveWorkers []string,
	totalPartitions int32,
	strategy Strategy,
) Plan {
	live := make(map[string]struct{}, len(liveWorkers))
	for _, w := range liveWorkers {
		live[w] = struct{}{}
	}

	var stale []int32
	var stillInFlight []Handoff
	for _, h := range inFlightHandoffs {
		if _, ok := live[h.NewOwner]; !ok {
			stale = append(stale, h.Partition)
			continue
		}
		stillInFlight = append(stillInFlight, h)
	}

	if len(stillInFlight) > 0 {
		return Plan{StaleHandoffs: stale, Deferred: true}
	}

	desired := strategy.Assign(currentAssignments, liveWorkers, totalPartitions)

	var handoffs []Handoff
	stable := make(map[int32]string, len(desired))
	for p, newOwner := range desired {
		oldOwner, existed := currentAssignments[p]
		if existed && oldOwner != newOwner {
			handoffs = append(handoffs, Handoff{Partition: p, OldOwner: oldOwner, NewOwner: newOwner, Phase: PhaseWarming})
			stable[p] = oldOwner // assignment pointer stays put until Complete
			continue
		}
		stable[p] = newOwner
	}

	if len(handoffs) == 0 && len(currentAssignments) > 0 {
		return Plan{StableAssignments: map[int32]string{}, StaleHandoffs: stale}
	}

	return Plan{StableAssignments: stable, NewHandoffs: handoffs, StaleHandoffs: stale}
}
