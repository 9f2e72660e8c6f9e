package assigner

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStickyBalanced_KeepsLiveOwnersAndFillsGapsEvenly(t *testing.T) {
	s := StickyBalanced{}
	current := map[int32]string{0: "a", 1: "a", 2: "b"}
	desired := s.Assign(current, []string{"a", "b"}, 4)

	require.Equal(t, "a", desired[0])
	require.Equal(t, "a", desired[1])
	require.Equal(t, "b", desired[2])
	// partition 3 was unassigned; must land on the less-loaded worker "b"
	require.Equal(t, "b", desired[3])
}

func TestStickyBalanced_RedistributesWhenOwnerDies(t *testing.T) {
	s := StickyBalanced{}
	current := map[int32]string{0: "dead", 1: "dead", 2: "b"}
	desired := s.Assign(current, []string{"b", "c"}, 3)

	counts := map[string]int{}
	for _, w := range desired {
		counts[w]++
	}
	require.Len(t, desired, 3)
	for w, c := range counts {
		require.LessOrEqual(t, c, 2, "worker %s overloaded", w)
	}
	max, min := 0, 1<<30
	for _, c := range counts {
		if c > max {
			max = c
		}
		if c < min {
			min = c
		}
	}
	require.LessOrEqual(t, max-min, 1, "counts must not differ by more than one")
}

func TestRebalance_DefersWhenHandoffsInFlight(t *testing.T) {
	plan := Rebalance(
		map[int32]string{0: "a"},
		[]Handoff{{Partition: 0, OldOwner: "a", NewOwner: "b", Phase: PhaseWarming}},
		[]string{"a", "b"},
		1,
		StickyBalanced{},
	)
	require.True(t, plan.Deferred)
	require.Empty(t, plan.StaleHandoffs)
}

func TestRebalance_CleansStaleHandoffWhoseNewOwnerDied(t *testing.T) {
	plan := Rebalance(
		map[int32]string{0: "a"},
		[]Handoff{{Partition: 0, OldOwner: "a", NewOwner: "dead-worker", Phase: PhaseWarming}},
		[]string{"a"},
		1,
		StickyBalanced{},
	)
	require.False(t, plan.Deferred)
	require.Equal(t, []int32{0}, plan.StaleHandoffs)
}

func TestRebalance_NoChangeWhenAssignmentsAlreadyStable(t *testing.T) {
	plan := Rebalance(
		map[int32]string{0: "a", 1: "b"},
		nil,
		[]string{"a", "b"},
		2,
		StickyBalanced{},
	)
	require.Empty(t, plan.NewHandoffs)
}

func TestRebalance_ProducesHandoffsWithAssignmentPointerOnOldOwner(t *testing.T) {
	plan := Rebalance(
		map[int32]string{0: "a", 1: "a"},
		nil,
		[]string{"a", "b"},
		2,
		StickyBalanced{},
	)
	require.Len(t, plan.NewHandoffs, 1)
	h := plan.NewHandoffs[0]
	require.Equal(t, "a", h.OldOwner)
	require.Equal(t, "b", h.NewOwner)
	require.Equal(t, PhaseWarming, h.Phase)
	// Per spec §4.E step 6: the moving partition's assignment pointer
	// stays on old_owner until the handoff completes.
	require.Equal(t, "a", plan.StableAssignments[h.Partition])
}
