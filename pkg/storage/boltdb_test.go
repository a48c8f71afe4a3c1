package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/balancer"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/graph"
	"github.com/droverhq/drover/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTaskRoundTrip(t *testing.T) {
	store := newTestStore(t)

	deadline := time.Now().Add(time.Hour).UTC()
	task := &types.Task{
		ID:                   "t1",
		Title:                "build artifact",
		Category:             types.CategoryFeature,
		BasePriority:         types.PriorityHigh,
		Status:               types.TaskQueued,
		Dependencies:         []string{"t0"},
		RequiredCapabilities: []string{"build"},
		Deadline:             &deadline,
		MaxRetries:           2,
	}
	require.NoError(t, store.SaveTask(task))

	got, err := store.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, task.Title, got.Title)
	assert.Equal(t, task.BasePriority, got.BasePriority)
	assert.Equal(t, task.Dependencies, got.Dependencies)
	require.NotNil(t, got.Deadline)
	assert.True(t, got.Deadline.Equal(deadline))

	_, err = store.GetTask("missing")
	assert.ErrorIs(t, err, types.ErrTaskNotFound)

	require.NoError(t, store.DeleteTask("t1"))
	_, err = store.GetTask("t1")
	assert.Error(t, err)
}

func TestAgentRoundTrip(t *testing.T) {
	store := newTestStore(t)

	agent := &types.Agent{
		ID:            "agent-1",
		Capabilities:  []string{"backend", "database"},
		MaxConcurrent: 4,
		Status:        types.AgentIdle,
		Performance:   types.AgentPerformance{CompletedTasks: 7, SuccessRate: 0.875},
	}
	require.NoError(t, store.SaveAgent(agent))

	got, err := store.GetAgent("agent-1")
	require.NoError(t, err)
	assert.Equal(t, agent.Capabilities, got.Capabilities)
	assert.InDelta(t, 0.875, got.Performance.SuccessRate, 0.001)

	agents, err := store.ListAgents()
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestWALAppendAndReplay(t *testing.T) {
	store := newTestStore(t)

	var lsns []uint64
	for _, taskID := range []string{"a", "b", "c"} {
		lsn, err := store.AppendEvent(&events.Event{
			Type:      events.EventTaskQueued,
			TaskID:    taskID,
			Timestamp: time.Now().UTC(),
		})
		require.NoError(t, err)
		lsns = append(lsns, lsn)
	}
	assert.Equal(t, []uint64{1, 2, 3}, lsns)

	// The tail after the first record is records 2 and 3, in log order.
	tail, err := store.EventsSince(1)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "b", tail[0].TaskID)
	assert.Equal(t, "c", tail[1].TaskID)

	all, err := store.EventsSince(0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := store.EventsSince(3)
	require.NoError(t, err)
	assert.Empty(t, none)

	lsn, err := store.LastLSN()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), lsn)
}

func TestLastLSNSurvivesPruning(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		_, err := store.AppendEvent(&events.Event{Type: events.EventTaskQueued})
		require.NoError(t, err)
	}
	require.NoError(t, store.SaveSnapshot(&Snapshot{LSN: 3}))

	// Every record is pruned, but the log position does not rewind.
	lsn, err := store.LastLSN()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), lsn)

	next, err := store.AppendEvent(&events.Event{Type: events.EventTaskCompleted})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), next)
}

func TestSnapshotRoundTripAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)

	for _, taskID := range []string{"a", "b"} {
		_, err := store.AppendEvent(&events.Event{Type: events.EventTaskQueued, TaskID: taskID})
		require.NoError(t, err)
	}

	snapshot := &Snapshot{
		LSN: 1,
		Tasks: []*types.Task{
			{ID: "a", Status: types.TaskCompleted},
			{ID: "b", Status: types.TaskQueued},
		},
		Agents: []*types.Agent{{ID: "agent-1", MaxConcurrent: 2}},
		Edges:  []graph.Edge{{From: "a", To: "b", Strength: graph.Hard}},
		Breakers: map[string]balancer.BreakerSnapshot{
			"agent-1": {State: balancer.BreakerOpen, Failures: 5},
		},
	}
	require.NoError(t, store.SaveSnapshot(snapshot))
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.LoadSnapshot()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(1), got.LSN)
	require.Len(t, got.Tasks, 2)
	assert.Equal(t, types.TaskCompleted, got.Tasks[0].Status)
	require.Len(t, got.Edges, 1)
	assert.Equal(t, graph.Hard, got.Edges[0].Strength)
	assert.Equal(t, balancer.BreakerOpen, got.Breakers["agent-1"].State)

	// WAL records covered by the snapshot were pruned; the tail remains.
	tail, err := reopened.EventsSince(0)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "b", tail[0].TaskID)
}

func TestLoadSnapshotEmpty(t *testing.T) {
	store := newTestStore(t)

	snapshot, err := store.LoadSnapshot()
	require.NoError(t, err)
	assert.Nil(t, snapshot)
}
