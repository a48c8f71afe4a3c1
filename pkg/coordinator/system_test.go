package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/balancer"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/scheduler"
	"github.com/droverhq/drover/pkg/storage"
	"github.com/droverhq/drover/pkg/types"
)

func newTestSystem(t *testing.T, store storage.Store) *System {
	t.Helper()
	cfg := DefaultSystemConfig()
	cfg.Scheduler.StarvationMode = scheduler.StarvationNone
	sys, err := NewSystem(cfg, nil, store, newFakeExecutor())
	require.NoError(t, err)
	return sys
}

func TestCreateTaskValidation(t *testing.T) {
	sys := newTestSystem(t, nil)

	task, err := sys.CreateTask(CreateTaskRequest{
		Title:    "index rebuild",
		Category: types.CategoryMaintenance,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, types.PriorityMedium, task.BasePriority)
	assert.Equal(t, types.TaskQueued, task.Status)

	_, err = sys.CreateTask(CreateTaskRequest{})
	assert.Error(t, err)

	// Unknown dependencies are rejected.
	_, err = sys.CreateTask(CreateTaskRequest{
		Title:        "dependent",
		Dependencies: []string{"ghost"},
	})
	assert.ErrorIs(t, err, types.ErrUnknownDependency)
}

func TestRegisterAgentAndStatus(t *testing.T) {
	sys := newTestSystem(t, nil)

	agent, err := sys.RegisterAgent(RegisterAgentRequest{
		ID:            "agent-1",
		Capabilities:  []string{"build"},
		MaxConcurrent: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, types.AgentIdle, agent.Status)

	_, err = sys.CreateTask(CreateTaskRequest{ID: "t1", Title: "t1"})
	require.NoError(t, err)
	_, err = sys.CreateTask(CreateTaskRequest{ID: "t2", Title: "t2", Dependencies: []string{"t1"}})
	require.NoError(t, err)

	status := sys.Status()
	assert.Equal(t, 2, status.Tasks.Total)
	assert.Equal(t, 2, status.Tasks.ByStatus[types.TaskQueued])
	assert.Equal(t, 1, status.Agents.ByStatus[types.AgentIdle])
	assert.Equal(t, 2, status.QueueDepth)
}

func TestCancelCascadesThroughFacade(t *testing.T) {
	sys := newTestSystem(t, nil)

	_, err := sys.CreateTask(CreateTaskRequest{ID: "base", Title: "base"})
	require.NoError(t, err)
	_, err = sys.CreateTask(CreateTaskRequest{ID: "dep", Title: "dep", Dependencies: []string{"base"}})
	require.NoError(t, err)

	require.NoError(t, sys.Cancel("base", "operator"))

	base, err := sys.GetTask("base")
	require.NoError(t, err)
	assert.Equal(t, types.TaskCancelled, base.Status)

	dep, err := sys.GetTask("dep")
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, dep.Status)
}

func TestCheckpointRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)

	sys := newTestSystem(t, store)
	_, err = sys.RegisterAgent(RegisterAgentRequest{ID: "agent-1", MaxConcurrent: 2})
	require.NoError(t, err)
	_, err = sys.CreateTask(CreateTaskRequest{ID: "done", Title: "done"})
	require.NoError(t, err)
	_, err = sys.CreateTask(CreateTaskRequest{ID: "waiting", Title: "waiting", Dependencies: []string{"done"}})
	require.NoError(t, err)

	// Run "done" to completion by hand so the snapshot has mixed states.
	require.NoError(t, sys.scheduler.Assign("done", "agent-1"))
	require.NoError(t, sys.scheduler.StartTask("done"))
	require.NoError(t, sys.scheduler.Complete("done", &types.TaskResult{Success: true}))

	// Trip the breaker so its state crosses the restart too.
	for i := 0; i < 5; i++ {
		sys.balancer.ReportFailure("agent-1")
	}

	require.NoError(t, sys.Checkpoint())
	require.NoError(t, store.Close())

	reopened, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	restored := newTestSystem(t, reopened)

	done, err := restored.GetTask("done")
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, done.Status)

	waiting, err := restored.GetTask("waiting")
	require.NoError(t, err)
	assert.Equal(t, types.TaskQueued, waiting.Status)

	// The completed dependency still counts: "waiting" is immediately
	// runnable.
	next := restored.scheduler.Next(nil)
	require.NotNil(t, next)
	assert.Equal(t, "waiting", next.ID)

	assert.Equal(t, balancer.BreakerOpen, restored.balancer.Breakers().State("agent-1"))

	status := restored.Status()
	assert.Equal(t, 1, status.Agents.ByStatus[types.AgentIdle])
}

func TestRestoreReplaysJournalTail(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)

	sys := newTestSystem(t, store)
	_, err = sys.RegisterAgent(RegisterAgentRequest{ID: "agent-1", MaxConcurrent: 2})
	require.NoError(t, err)
	_, err = sys.CreateTask(CreateTaskRequest{ID: "done", Title: "done"})
	require.NoError(t, err)

	require.NoError(t, sys.Checkpoint())

	// Everything after the checkpoint exists only in the task bucket and
	// the write-ahead log, the way a crash before the next checkpoint
	// would leave it.
	require.NoError(t, sys.scheduler.Assign("done", "agent-1"))
	require.NoError(t, sys.scheduler.StartTask("done"))
	require.NoError(t, sys.scheduler.Complete("done", &types.TaskResult{Success: true}))
	_, err = sys.CreateTask(CreateTaskRequest{ID: "late", Title: "late", Dependencies: []string{"done"}})
	require.NoError(t, err)

	_, err = store.AppendEvent(&events.Event{Type: events.EventTaskCompleted, TaskID: "done", AgentID: "agent-1"})
	require.NoError(t, err)
	_, err = store.AppendEvent(&events.Event{Type: events.EventTaskCreated, TaskID: "late"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	restored := newTestSystem(t, reopened)

	done, err := restored.GetTask("done")
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, done.Status)

	late, err := restored.GetTask("late")
	require.NoError(t, err)
	assert.Equal(t, types.TaskQueued, late.Status)

	// The replayed completion satisfies the late task's dependency.
	next := restored.scheduler.Next(nil)
	require.NotNil(t, next)
	assert.Equal(t, "late", next.ID)
}

func TestCheckpointRecordsJournalPosition(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	defer store.Close()

	sys := newTestSystem(t, store)
	for _, id := range []string{"a", "b"} {
		_, err := store.AppendEvent(&events.Event{Type: events.EventTaskQueued, TaskID: id})
		require.NoError(t, err)
	}

	require.NoError(t, sys.Checkpoint())

	snapshot, err := store.LoadSnapshot()
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, uint64(2), snapshot.LSN)

	// Records the snapshot covers were pruned.
	tail, err := store.EventsSince(0)
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func TestUpdateProgressActsAsHeartbeat(t *testing.T) {
	sys := newTestSystem(t, nil)
	_, err := sys.RegisterAgent(RegisterAgentRequest{ID: "agent-1", MaxConcurrent: 2})
	require.NoError(t, err)
	_, err = sys.CreateTask(CreateTaskRequest{ID: "t", Title: "t"})
	require.NoError(t, err)

	require.NoError(t, sys.scheduler.Assign("t", "agent-1"))
	require.NoError(t, sys.scheduler.StartTask("t"))

	require.NoError(t, sys.UpdateProgress("t", 50, "halfway"))

	task, err := sys.GetTask("t")
	require.NoError(t, err)
	last := task.History[len(task.History)-1]
	assert.Equal(t, "progress", last.Action)
	assert.Contains(t, last.Detail, "halfway")

	sys.coordinator.mu.Lock()
	_, beating := sys.coordinator.lastBeat["t"]
	sys.coordinator.mu.Unlock()
	assert.True(t, beating)

	assert.ErrorIs(t, sys.UpdateProgress("ghost", 10, "x"), types.ErrTaskNotFound)
}
