package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.StarvationMode = StarvationNone
	cfg.Retry.Jitter = 0
	return cfg
}

func newTestScheduler(cfg Config, clock events.Clock) *Scheduler {
	return New(cfg, clock, nil)
}

func task(id string, priority types.Priority, deps ...string) *types.Task {
	return &types.Task{
		ID:           id,
		Title:        id,
		Category:     types.CategoryFeature,
		BasePriority: priority,
		Dependencies: deps,
		MaxRetries:   0,
	}
}

func TestAddRejectsDuplicatesAndUnknownDeps(t *testing.T) {
	s := newTestScheduler(testConfig(), nil)

	require.NoError(t, s.Add(task("a", types.PriorityMedium)))
	assert.ErrorIs(t, s.Add(task("a", types.PriorityMedium)), types.ErrDuplicateTask)
	assert.ErrorIs(t, s.Add(task("b", types.PriorityMedium, "ghost")), types.ErrUnknownDependency)

	// The rejected task left no trace.
	_, err := s.Get("b")
	assert.ErrorIs(t, err, types.ErrTaskNotFound)
}

func TestNextOrdersByScore(t *testing.T) {
	clock := events.NewManualClock(time.Now())
	s := newTestScheduler(testConfig(), clock)

	require.NoError(t, s.Add(task("low", types.PriorityLow)))
	require.NoError(t, s.Add(task("critical", types.PriorityCritical)))
	require.NoError(t, s.Add(task("medium", types.PriorityMedium)))

	picked := s.NextN(3, nil)
	require.Len(t, picked, 3)
	assert.Equal(t, "critical", picked[0].ID)
	assert.Equal(t, "medium", picked[1].ID)
	assert.Equal(t, "low", picked[2].ID)
}

func TestNextTieBreaksByAgeThenID(t *testing.T) {
	clock := events.NewManualClock(time.Now())
	s := newTestScheduler(testConfig(), clock)

	require.NoError(t, s.Add(task("zebra", types.PriorityMedium)))
	clock.Advance(time.Second)
	require.NoError(t, s.Add(task("apple", types.PriorityMedium)))

	// zebra is older; age factor is equal only at identical wait, and the
	// older task also scores marginally higher, so it wins either way.
	next := s.Next(nil)
	require.NotNil(t, next)
	assert.Equal(t, "zebra", next.ID)
}

func TestHardDependenciesGateSelection(t *testing.T) {
	clock := events.NewManualClock(time.Now())
	s := newTestScheduler(testConfig(), clock)

	require.NoError(t, s.Add(task("root", types.PriorityLow)))
	require.NoError(t, s.Add(task("left", types.PriorityCritical, "root")))
	require.NoError(t, s.Add(task("right", types.PriorityCritical, "root")))
	require.NoError(t, s.Add(task("sink", types.PriorityCritical, "left", "right")))

	// Only the root is runnable despite lower priority.
	picked := s.NextN(4, nil)
	require.Len(t, picked, 1)
	assert.Equal(t, "root", picked[0].ID)

	completeTask(t, s, "root", "agent-1")

	picked = s.NextN(4, nil)
	require.Len(t, picked, 2)
	assert.ElementsMatch(t, []string{"left", "right"},
		[]string{picked[0].ID, picked[1].ID})

	completeTask(t, s, "left", "agent-1")
	completeTask(t, s, "right", "agent-1")

	next := s.Next(nil)
	require.NotNil(t, next)
	assert.Equal(t, "sink", next.ID)
}

func TestFilterByCapabilityAndCategory(t *testing.T) {
	s := newTestScheduler(testConfig(), nil)

	gpu := task("gpu-task", types.PriorityCritical)
	gpu.RequiredCapabilities = []string{"gpu"}
	require.NoError(t, s.Add(gpu))

	plain := task("plain", types.PriorityLow)
	require.NoError(t, s.Add(plain))

	next := s.Next(&Filter{Capabilities: []string{"build"}})
	require.NotNil(t, next)
	assert.Equal(t, "plain", next.ID)

	next = s.Next(&Filter{Capabilities: []string{"gpu", "build"}})
	require.NotNil(t, next)
	assert.Equal(t, "gpu-task", next.ID)

	assert.Nil(t, s.Next(&Filter{Categories: []types.TaskCategory{types.CategoryBugFix}}))
}

func TestLookAheadSkipsResourceBlocked(t *testing.T) {
	cfg := testConfig()
	cfg.ResourceCapacity = map[string]int{"gpu": 1}
	s := newTestScheduler(cfg, nil)

	first := task("gpu-first", types.PriorityHigh)
	first.RequiredResources = []string{"gpu"}
	require.NoError(t, s.Add(first))

	second := task("gpu-second", types.PriorityHigh)
	second.RequiredResources = []string{"gpu"}
	require.NoError(t, s.Add(second))

	cpu := task("cpu-only", types.PriorityLow)
	require.NoError(t, s.Add(cpu))

	// Only one gpu unit exists, so the batch skips the second gpu task
	// and looks ahead to the cpu task.
	picked := s.NextN(3, nil)
	require.Len(t, picked, 2)
	assert.Equal(t, "gpu-first", picked[0].ID)
	assert.Equal(t, "cpu-only", picked[1].ID)
}

func TestCriticalCandidateHoldsTheLine(t *testing.T) {
	cfg := testConfig()
	cfg.ResourceCapacity = map[string]int{"gpu": 1}
	s := newTestScheduler(cfg, nil)

	holder := task("holder", types.PriorityHigh)
	holder.RequiredResources = []string{"gpu"}
	require.NoError(t, s.Add(holder))
	require.NoError(t, s.Assign("holder", "agent-1"))

	blocked := task("urgent", types.PriorityCritical)
	blocked.RequiredResources = []string{"gpu"}
	require.NoError(t, s.Add(blocked))

	require.NoError(t, s.Add(task("filler", types.PriorityLow)))

	// The critical task cannot fit, and being CRITICAL it blocks
	// look-ahead instead of yielding to the filler.
	assert.Empty(t, s.NextN(2, nil))
}

func TestAssignLifecycle(t *testing.T) {
	clock := events.NewManualClock(time.Now())
	s := newTestScheduler(testConfig(), clock)

	require.NoError(t, s.Add(task("t", types.PriorityMedium)))
	require.NoError(t, s.Assign("t", "agent-1"))

	got, err := s.Get("t")
	require.NoError(t, err)
	assert.Equal(t, types.TaskAssigned, got.Status)
	assert.Equal(t, "agent-1", got.AssignedAgent)

	// An assigned task is no longer selectable or re-assignable.
	assert.Nil(t, s.Next(nil))
	assert.ErrorIs(t, s.Assign("t", "agent-2"), types.ErrNothingRunnable)

	require.NoError(t, s.StartTask("t"))
	assert.Equal(t, types.TaskInProgress, got.Status)

	require.NoError(t, s.Complete("t", &types.TaskResult{Success: true}))
	assert.Equal(t, types.TaskCompleted, got.Status)
	assert.Empty(t, got.AssignedAgent)
	assert.False(t, got.CompletedAt.IsZero())
}

func TestRetryWithBackoff(t *testing.T) {
	clock := events.NewManualClock(time.Now())
	s := newTestScheduler(testConfig(), clock)

	flaky := task("flaky", types.PriorityMedium)
	flaky.MaxRetries = 2
	require.NoError(t, s.Add(flaky))

	require.NoError(t, s.Assign("flaky", "agent-1"))
	require.NoError(t, s.StartTask("flaky"))
	require.NoError(t, s.Complete("flaky", &types.TaskResult{Success: false, Error: "boom"}))

	got, _ := s.Get("flaky")
	assert.Equal(t, types.TaskQueued, got.Status)
	assert.Equal(t, 1, got.CurrentRetries)

	// Backoff holds the task out of selection until the delay elapses.
	assert.Nil(t, s.Next(nil))
	clock.Advance(testConfig().Retry.InitialDelay + time.Millisecond)
	next := s.Next(nil)
	require.NotNil(t, next)
	assert.Equal(t, "flaky", next.ID)
}

func TestTerminalFailureCascades(t *testing.T) {
	s := newTestScheduler(testConfig(), nil)

	require.NoError(t, s.Add(task("base", types.PriorityMedium)))
	require.NoError(t, s.Add(task("mid", types.PriorityMedium, "base")))
	require.NoError(t, s.Add(task("leaf", types.PriorityMedium, "mid")))

	require.NoError(t, s.Assign("base", "agent-1"))
	require.NoError(t, s.StartTask("base"))
	require.NoError(t, s.Complete("base", &types.TaskResult{Success: false, Error: "fatal", Terminal: true}))

	base, _ := s.Get("base")
	assert.Equal(t, types.TaskFailed, base.Status)
	require.NotNil(t, base.FailureReason)
	assert.False(t, base.FailureReason.Retriable)

	for _, id := range []string{"mid", "leaf"} {
		dep, _ := s.Get(id)
		assert.Equal(t, types.TaskFailed, dep.Status, id)
		require.NotNil(t, dep.FailureReason, id)
		assert.Equal(t, types.KindPrecondition, dep.FailureReason.Kind)
	}
}

func TestResultTerminalOverridesRetries(t *testing.T) {
	s := newTestScheduler(testConfig(), nil)

	tk := task("t", types.PriorityMedium)
	tk.MaxRetries = 3
	require.NoError(t, s.Add(tk))
	require.NoError(t, s.Assign("t", "agent-1"))
	require.NoError(t, s.StartTask("t"))
	require.NoError(t, s.Complete("t", &types.TaskResult{Success: false, Terminal: true, Error: "unrecoverable"}))

	got, _ := s.Get("t")
	assert.Equal(t, types.TaskFailed, got.Status)
	assert.Equal(t, 0, got.CurrentRetries)
}

func TestCancelCascades(t *testing.T) {
	s := newTestScheduler(testConfig(), nil)

	require.NoError(t, s.Add(task("base", types.PriorityMedium)))
	require.NoError(t, s.Add(task("dep", types.PriorityMedium, "base")))

	require.NoError(t, s.Cancel("base", "operator request"))

	base, _ := s.Get("base")
	assert.Equal(t, types.TaskCancelled, base.Status)

	dep, _ := s.Get("dep")
	assert.Equal(t, types.TaskFailed, dep.Status)

	assert.ErrorIs(t, s.Cancel("base", "again"), types.ErrIllegalTransition)
}

func TestUnblockAsBlockedPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.CancelPolicy = UnblockAsBlocked
	s := newTestScheduler(cfg, nil)

	require.NoError(t, s.Add(task("base", types.PriorityMedium)))
	require.NoError(t, s.Add(task("dep", types.PriorityMedium, "base")))

	require.NoError(t, s.Cancel("base", "shutdown"))

	dep, _ := s.Get("dep")
	assert.Equal(t, types.TaskBlocked, dep.Status)

	// The operator can still revive it explicitly.
	require.NoError(t, s.Unblock("dep"))
	assert.Equal(t, types.TaskQueued, dep.Status)
}

func TestFixedStarvationBoost(t *testing.T) {
	clock := events.NewManualClock(time.Now())
	cfg := testConfig()
	cfg.StarvationMode = StarvationFixed
	cfg.MaxStarvationTime = time.Minute
	cfg.MaxPriorityBoost = 2.0
	s := newTestScheduler(cfg, clock)

	require.NoError(t, s.Add(task("starving", types.PriorityBackground)))
	clock.Advance(2 * time.Minute)
	require.NoError(t, s.Add(task("fresh", types.PriorityCritical)))

	// Without the boost the critical task wins.
	next := s.Next(nil)
	require.NotNil(t, next)
	assert.Equal(t, "fresh", next.ID)

	s.Adjust()

	next = s.Next(nil)
	require.NotNil(t, next)
	assert.Equal(t, "starving", next.ID)

	// The boost clears once the task is claimed.
	require.NoError(t, s.Assign("starving", "agent-1"))
	assert.Empty(t, s.boosts)
}

func TestAdaptiveBoostGrowsWithWait(t *testing.T) {
	clock := events.NewManualClock(time.Now())
	cfg := testConfig()
	cfg.StarvationMode = StarvationAdaptive
	cfg.MaxStarvationTime = time.Minute
	cfg.MaxPriorityBoost = 2.0
	s := newTestScheduler(cfg, clock)

	require.NoError(t, s.Add(task("waiting", types.PriorityLow)))

	clock.Advance(30 * time.Second)
	s.Adjust()
	half := s.boosts["waiting"]
	assert.InDelta(t, 1.0, half, 0.01)

	clock.Advance(5 * time.Minute)
	s.Adjust()
	assert.InDelta(t, 2.0, s.boosts["waiting"], 0.01)
}

func TestQuotaTrackerShare(t *testing.T) {
	now := time.Now()
	q := newQuotaTracker(time.Minute)

	assert.Equal(t, 1.0, q.share("anyone", now))

	q.record("alice", now)
	q.record("alice", now)
	q.record("bob", now)
	assert.InDelta(t, 2.0/3.0, q.share("alice", now), 0.001)
	assert.InDelta(t, 1.0/3.0, q.share("bob", now), 0.001)
	assert.Zero(t, q.share("carol", now))

	// Entries age out of the window.
	assert.Equal(t, 1.0, q.share("carol", now.Add(2*time.Minute)))
}

func TestQuotaBoostTargetsUnderservedOrigin(t *testing.T) {
	clock := events.NewManualClock(time.Now())
	cfg := testConfig()
	cfg.StarvationMode = StarvationQuota
	cfg.MinExecutionQuota = 0.25
	s := newTestScheduler(cfg, clock)

	for i := 0; i < 3; i++ {
		tk := task(string(rune('a'+i)), types.PriorityHigh)
		tk.Origin = "team-big"
		require.NoError(t, s.Add(tk))
		require.NoError(t, s.Assign(tk.ID, "agent-1"))
	}

	small := task("small", types.PriorityBackground)
	small.Origin = "team-small"
	require.NoError(t, s.Add(small))

	s.Adjust()
	assert.InDelta(t, cfg.MaxPriorityBoost, s.boosts["small"], 0.001)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := testConfig()
	cfg.Retry = RetryConfig{
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       0,
	}
	s := newTestScheduler(cfg, nil)

	assert.Equal(t, time.Second, s.backoff(1))
	assert.Equal(t, 2*time.Second, s.backoff(2))
	assert.Equal(t, 4*time.Second, s.backoff(3))
	assert.Equal(t, 5*time.Second, s.backoff(4))
	assert.Equal(t, 5*time.Second, s.backoff(10))
}

func TestStaticStrategyIgnoresAge(t *testing.T) {
	clock := events.NewManualClock(time.Now())
	cfg := testConfig()
	cfg.Strategy = StrategyStatic
	s := newTestScheduler(cfg, clock)

	require.NoError(t, s.Add(task("old-low", types.PriorityLow)))
	clock.Advance(time.Hour)
	require.NoError(t, s.Add(task("new-high", types.PriorityHigh)))

	next := s.Next(nil)
	require.NotNil(t, next)
	assert.Equal(t, "new-high", next.ID)
}

func TestStatusCounts(t *testing.T) {
	s := newTestScheduler(testConfig(), nil)

	require.NoError(t, s.Add(task("a", types.PriorityMedium)))
	require.NoError(t, s.Add(task("b", types.PriorityMedium)))
	require.NoError(t, s.Assign("a", "agent-1"))

	counts := s.StatusCounts()
	assert.Equal(t, 1, counts[types.TaskQueued])
	assert.Equal(t, 1, counts[types.TaskAssigned])
	assert.Equal(t, 1, s.QueueDepth())
}

func TestRequeueReleasesReservation(t *testing.T) {
	cfg := testConfig()
	cfg.ResourceCapacity = map[string]int{"db": 1}
	s := newTestScheduler(cfg, nil)

	tk := task("t", types.PriorityMedium)
	tk.RequiredResources = []string{"db"}
	require.NoError(t, s.Add(tk))
	require.NoError(t, s.Assign("t", "agent-1"))

	require.NoError(t, s.Requeue("t", "dispatch abandoned"))

	got, _ := s.Get("t")
	assert.Equal(t, types.TaskQueued, got.Status)
	assert.Empty(t, got.AssignedAgent)

	// The reservation was returned to the pool, so the task can be
	// claimed again.
	require.NoError(t, s.Assign("t", "agent-2"))

	// Once execution starts the task is past the point of requeueing.
	require.NoError(t, s.StartTask("t"))
	assert.ErrorIs(t, s.Requeue("t", "too late"), types.ErrIllegalTransition)
}

func TestDuplicateCompleteDoesNotReleaseResources(t *testing.T) {
	cfg := testConfig()
	cfg.ResourceCapacity = map[string]int{"db": 1}
	s := newTestScheduler(cfg, nil)

	first := task("first", types.PriorityMedium)
	first.RequiredResources = []string{"db"}
	first.MaxRetries = 1
	require.NoError(t, s.Add(first))
	require.NoError(t, s.Assign("first", "agent-1"))
	require.NoError(t, s.StartTask("first"))
	require.NoError(t, s.Complete("first", &types.TaskResult{Success: false, Error: "heartbeat timeout"}))

	got, _ := s.Get("first")
	require.Equal(t, types.TaskQueued, got.Status)

	// The freed unit goes to another task.
	second := task("second", types.PriorityMedium)
	second.RequiredResources = []string{"db"}
	require.NoError(t, s.Add(second))
	require.NoError(t, s.Assign("second", "agent-2"))

	// A late success from the first dispatch is rejected outright and
	// must not touch the pool.
	assert.ErrorIs(t, s.Complete("first", &types.TaskResult{Success: true}),
		types.ErrIllegalTransition)

	third := task("third", types.PriorityMedium)
	third.RequiredResources = []string{"db"}
	require.NoError(t, s.Add(third))
	assert.ErrorIs(t, s.Assign("third", "agent-3"), types.ErrNothingRunnable)
}

func TestTasksReturnsDetachedCopies(t *testing.T) {
	s := newTestScheduler(testConfig(), nil)

	require.NoError(t, s.Add(task("a", types.PriorityMedium)))
	require.NoError(t, s.Add(task("b", types.PriorityMedium, "a")))

	view := s.Tasks()
	require.Len(t, view, 2)
	view[0].Status = types.TaskFailed
	view[0].History = append(view[0].History, types.HistoryEntry{Action: "tampered"})
	view[1].Dependencies[0] = "ghost"

	a, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, types.TaskQueued, a.Status)
	for _, entry := range a.History {
		assert.NotEqual(t, "tampered", entry.Action)
	}

	b, err := s.Get("b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, b.Dependencies)
}

func TestAddRejectsNonAdmittableStatus(t *testing.T) {
	s := newTestScheduler(testConfig(), nil)

	done := task("done", types.PriorityMedium)
	done.Status = types.TaskCompleted
	assert.ErrorIs(t, s.Add(done), types.ErrIllegalTransition)

	_, err := s.Get("done")
	assert.ErrorIs(t, err, types.ErrTaskNotFound)
}

func TestAgeFactorKeyedToCreation(t *testing.T) {
	clock := events.NewManualClock(time.Now())
	s := newTestScheduler(testConfig(), clock)

	old := task("old", types.PriorityMedium)
	old.MaxRetries = 1
	require.NoError(t, s.Add(old))

	clock.Advance(30 * time.Minute)
	require.NoError(t, s.Add(task("young", types.PriorityHigh)))

	// A failed attempt re-queues the old task, but its accumulated wait
	// still counts from admission and outweighs the younger task's
	// higher priority.
	require.NoError(t, s.Assign("old", "agent-1"))
	require.NoError(t, s.StartTask("old"))
	require.NoError(t, s.Complete("old", &types.TaskResult{Success: false, Error: "flake"}))
	clock.Advance(testConfig().Retry.InitialDelay + time.Second)

	next := s.Next(nil)
	require.NotNil(t, next)
	assert.Equal(t, "old", next.ID)
}

func completeTask(t *testing.T, s *Scheduler, id, agent string) {
	t.Helper()
	require.NoError(t, s.Assign(id, agent))
	require.NoError(t, s.StartTask(id))
	require.NoError(t, s.Complete(id, &types.TaskResult{Success: true}))
}
