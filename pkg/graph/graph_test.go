package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/types"
)

func buildChain(t *testing.T, effort time.Duration, ids ...string) *Graph {
	t.Helper()
	g := New()
	for _, id := range ids {
		require.NoError(t, g.AddNode(id, effort, types.PriorityMedium))
	}
	for i := 1; i < len(ids); i++ {
		require.NoError(t, g.AddEdge(ids[i-1], ids[i], Hard))
	}
	return g
}

func TestAddNodeDuplicate(t *testing.T) {
	g := New()
	require.NoError(t, g.AddNode("a", time.Second, types.PriorityMedium))
	err := g.AddNode("a", time.Second, types.PriorityMedium)
	assert.ErrorIs(t, err, types.ErrDuplicateTask)
}

func TestAddEdgeValidation(t *testing.T) {
	g := New()
	require.NoError(t, g.AddNode("a", time.Second, types.PriorityMedium))

	assert.ErrorIs(t, g.AddEdge("a", "a", Hard), types.ErrSelfDependency)
	assert.ErrorIs(t, g.AddEdge("a", "missing", Hard), types.ErrUnknownDependency)
	assert.ErrorIs(t, g.AddEdge("missing", "a", Hard), types.ErrUnknownDependency)
}

func TestHardCycleRejectedAtomically(t *testing.T) {
	g := buildChain(t, time.Second, "A", "B")

	// B depends on A; adding A depends on B closes the loop.
	err := g.AddEdge("B", "A", Hard)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrCycle)

	var ce *types.CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"A", "B", "A"}, ce.Path)

	// No partial state: the rejected edge must not exist.
	assert.Empty(t, g.Dependencies("A", true))
	assert.Equal(t, []string{"A"}, g.Dependencies("B", true))
}

func TestSoftCycleAllowed(t *testing.T) {
	g := buildChain(t, time.Second, "A", "B")
	require.NoError(t, g.AddEdge("B", "A", Soft))

	report := g.Validate()
	assert.True(t, report.Valid())
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "cycle")
}

func TestMixedCycleWithAcyclicHardCoreWarns(t *testing.T) {
	g := New()
	for _, id := range []string{"x", "y", "z"} {
		require.NoError(t, g.AddNode(id, time.Second, types.PriorityMedium))
	}
	// Two hard edges sit on the cycle, but the loop only closes through
	// the soft one: ordering is still satisfiable.
	require.NoError(t, g.AddEdge("x", "y", Hard))
	require.NoError(t, g.AddEdge("y", "z", Soft))
	require.NoError(t, g.AddEdge("z", "x", Hard))

	report := g.Validate()
	assert.True(t, report.Valid())
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "cycle")
}

func TestHardCycleIsValidationError(t *testing.T) {
	g := buildChain(t, time.Second, "A", "B")

	// Close the loop behind the mutation guard, the way a corrupted
	// snapshot could.
	g.adjacency["A"]["B"] = Hard
	g.reverse["B"]["A"] = Hard

	report := g.Validate()
	assert.False(t, report.Valid())
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "cycle")
	assert.Empty(t, report.Warnings)
}

func TestTopologicalSortLinearExtension(t *testing.T) {
	g := New()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, g.AddNode(id, time.Second, types.PriorityMedium))
	}
	edges := [][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}, {"d", "e"}}
	for _, e := range edges {
		require.NoError(t, g.AddEdge(e[0], e[1], Hard))
	}

	order, err := g.TopologicalSort()
	require.NoError(t, err)
	require.Len(t, order, 5)

	index := make(map[string]int)
	for i, id := range order {
		index[id] = i
	}
	for _, e := range edges {
		assert.Less(t, index[e[0]], index[e[1]], "edge %s -> %s violated", e[0], e[1])
	}
}

func TestTopologicalSortPriorityTieBreak(t *testing.T) {
	g := New()
	require.NoError(t, g.AddNode("low", time.Second, types.PriorityLow))
	require.NoError(t, g.AddNode("crit", time.Second, types.PriorityCritical))
	require.NoError(t, g.AddNode("med", time.Second, types.PriorityMedium))

	order, err := g.TopologicalSort()
	require.NoError(t, err)
	assert.Equal(t, []string{"crit", "med", "low"}, order)
}

func TestDetectCyclesBreakingPoints(t *testing.T) {
	g := New()
	for _, id := range []string{"x", "y", "z"} {
		require.NoError(t, g.AddNode(id, time.Second, types.PriorityMedium))
	}
	// x -> y hard, y -> z soft, z -> x hint: a mixed-strength cycle.
	require.NoError(t, g.AddEdge("x", "y", Hard))
	require.NoError(t, g.AddEdge("y", "z", Soft))
	require.NoError(t, g.AddEdge("z", "x", Hint))

	sccs := g.DetectCycles()
	require.Len(t, sccs, 1)
	assert.ElementsMatch(t, []string{"x", "y", "z"}, sccs[0].Nodes)
	assert.Len(t, sccs[0].Edges, 3)

	require.Len(t, sccs[0].BreakingPoints, 3)
	assert.Equal(t, 1, sccs[0].BreakingPoints[0].Cost)
	assert.Equal(t, 5, sccs[0].BreakingPoints[1].Cost)
	assert.Equal(t, 10, sccs[0].BreakingPoints[2].Cost)
}

func TestDetectCyclesAcyclic(t *testing.T) {
	g := buildChain(t, time.Second, "a", "b", "c")
	assert.Empty(t, g.DetectCycles())
}

func TestCriticalPathLinearChain(t *testing.T) {
	g := buildChain(t, 10*time.Millisecond, "A", "B", "C")

	result, err := g.CriticalPath()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Millisecond, result.Duration)
	assert.Equal(t, []string{"A", "B", "C"}, result.Critical)
	for _, id := range result.Critical {
		assert.Equal(t, time.Duration(0), result.Timings[id].Slack())
	}
}

func TestCriticalPathDiamond(t *testing.T) {
	g := New()
	efforts := map[string]time.Duration{
		"A": 5 * time.Millisecond,
		"B": 10 * time.Millisecond,
		"C": 20 * time.Millisecond,
		"D": 5 * time.Millisecond,
	}
	for id, effort := range efforts {
		require.NoError(t, g.AddNode(id, effort, types.PriorityMedium))
	}
	require.NoError(t, g.AddEdge("A", "B", Hard))
	require.NoError(t, g.AddEdge("A", "C", Hard))
	require.NoError(t, g.AddEdge("B", "D", Hard))
	require.NoError(t, g.AddEdge("C", "D", Hard))

	result, err := g.CriticalPath()
	require.NoError(t, err)

	// Longest chain is A -> C -> D: 5 + 20 + 5.
	assert.Equal(t, 30*time.Millisecond, result.Duration)
	assert.Equal(t, []string{"A", "C", "D"}, result.Critical)
	// C carries 20ms against a 10ms mean: a bottleneck.
	assert.Equal(t, []string{"C"}, result.Bottlenecks)
	// B has 10ms of slack.
	assert.Equal(t, 10*time.Millisecond, result.Timings["B"].Slack())
}

func TestParallelGroups(t *testing.T) {
	g := New()
	for _, id := range []string{"A", "B", "C", "D"} {
		require.NoError(t, g.AddNode(id, time.Second, types.PriorityMedium))
	}
	require.NoError(t, g.AddEdge("A", "B", Hard))
	require.NoError(t, g.AddEdge("A", "C", Hard))
	require.NoError(t, g.AddEdge("B", "D", Hard))
	require.NoError(t, g.AddEdge("C", "D", Hard))

	groups, err := g.ParallelGroups()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"A"}, {"B", "C"}, {"D"}}, groups)
}

func TestParallelGroupsLinear(t *testing.T) {
	g := buildChain(t, time.Second, "A", "B", "C")
	groups, err := g.ParallelGroups()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"A"}, {"B"}, {"C"}}, groups)
}

func TestTransitiveDependents(t *testing.T) {
	g := buildChain(t, time.Second, "a", "b", "c", "d")
	assert.Equal(t, []string{"b", "c", "d"}, g.TransitiveDependents("a"))
	assert.Empty(t, g.TransitiveDependents("d"))
}

func TestReady(t *testing.T) {
	g := buildChain(t, time.Second, "a", "b", "c")

	assert.Equal(t, []string{"a"}, g.Ready(nil))
	assert.Equal(t, []string{"b"}, g.Ready(map[string]bool{"a": true}))
	assert.Equal(t, []string{"c"}, g.Ready(map[string]bool{"a": true, "b": true}))
}

func TestValidateWarnings(t *testing.T) {
	g := New()
	require.NoError(t, g.AddNode("connected1", time.Second, types.PriorityMedium))
	require.NoError(t, g.AddNode("connected2", time.Second, types.PriorityMedium))
	require.NoError(t, g.AddNode("orphan", time.Second, types.PriorityMedium))
	require.NoError(t, g.AddEdge("connected1", "connected2", Hard))

	// High fan-in node.
	require.NoError(t, g.AddNode("sink", time.Second, types.PriorityMedium))
	for i := 0; i < maxFanIn+1; i++ {
		id := string(rune('p' + i))
		require.NoError(t, g.AddNode(id, time.Second, types.PriorityMedium))
		require.NoError(t, g.AddEdge(id, "sink", Hard))
	}

	report := g.Validate()
	assert.True(t, report.Valid())

	var orphanWarn, fanInWarn bool
	for _, w := range report.Warnings {
		switch {
		case w == "orphaned node: orphan has no edges":
			orphanWarn = true
		case w == "excessive fan-in: sink has 9 dependencies":
			fanInWarn = true
		}
	}
	assert.True(t, orphanWarn, "expected orphan warning, got %v", report.Warnings)
	assert.True(t, fanInWarn, "expected fan-in warning, got %v", report.Warnings)
}

func TestRemoveNodeCleansEdges(t *testing.T) {
	g := buildChain(t, time.Second, "a", "b", "c")
	require.NoError(t, g.RemoveNode("b"))

	assert.Nil(t, g.Node("b"))
	assert.Empty(t, g.Dependents("a", false))
	assert.Empty(t, g.Dependencies("c", false))
}
