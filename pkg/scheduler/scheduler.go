package scheduler

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/graph"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/types"
)

// Filter narrows task selection to what a particular caller can run.
type Filter struct {
	// Capabilities the prospective agent offers; tasks requiring
	// anything outside this set are skipped. Nil means unrestricted.
	Capabilities []string
	// Categories restricts selection to the listed categories.
	Categories []types.TaskCategory
}

func (f *Filter) admits(task *types.Task) bool {
	if f == nil {
		return true
	}
	if f.Capabilities != nil {
		for _, want := range task.RequiredCapabilities {
			found := false
			for _, have := range f.Capabilities {
				if have == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	if len(f.Categories) > 0 {
		found := false
		for _, c := range f.Categories {
			if c == task.Category {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Scheduler admits tasks, maintains dynamic priority scores, and selects
// the next runnable work respecting hard dependencies and resource
// capacity.
type Scheduler struct {
	cfg    Config
	clock  events.Clock
	broker *events.Broker

	mu            sync.Mutex
	tasks         map[string]*types.Task
	graph         *graph.Graph
	resources     *resourcePool
	completed     map[string]bool
	boosts        map[string]float64
	eligibleAt    map[string]time.Time
	categoryStats map[types.TaskCategory]categoryOutcome
	critical      map[string]bool
	quota         *quotaTracker
	rng           *rand.Rand

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a scheduler. The broker may be nil in tests.
func New(cfg Config, clock events.Clock, broker *events.Broker) *Scheduler {
	if clock == nil {
		clock = events.SystemClock{}
	}
	return &Scheduler{
		cfg:           cfg,
		clock:         clock,
		broker:        broker,
		tasks:         make(map[string]*types.Task),
		graph:         graph.New(),
		resources:     newResourcePool(cfg.ResourceCapacity),
		completed:     make(map[string]bool),
		boosts:        make(map[string]float64),
		eligibleAt:    make(map[string]time.Time),
		categoryStats: make(map[types.TaskCategory]categoryOutcome),
		critical:      make(map[string]bool),
		quota:         newQuotaTracker(cfg.QuotaWindow),
		rng:           rand.New(rand.NewSource(clock.Now().UnixNano())),
		stopCh:        make(chan struct{}),
	}
}

// Start begins the periodic adjustment loop (starvation prevention and
// critical-path refresh).
func (s *Scheduler) Start() {
	go s.run()
}

// Stop halts the adjustment loop.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.cfg.AdjustmentInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Adjust()
		case <-s.stopCh:
			return
		}
	}
}

// Graph exposes the dependency graph for analysis callers. Mutation goes
// through the scheduler only.
func (s *Scheduler) Graph() *graph.Graph {
	return s.graph
}

// Add admits a task. The task must carry a unique id and reference only
// known dependencies; a hard dependency that would close a cycle is
// rejected atomically. On success the task is QUEUED.
func (s *Scheduler) Add(task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		return fmt.Errorf("%w: task id must not be empty", types.ErrTaskNotFound)
	}
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("%w: %s", types.ErrDuplicateTask, task.ID)
	}
	if task.Status != "" && task.Status != types.TaskCreated {
		return fmt.Errorf("%w: %s: cannot admit task in status %s",
			types.ErrIllegalTransition, task.ID, task.Status)
	}
	for _, dep := range task.Dependencies {
		if _, ok := s.tasks[dep]; !ok {
			return fmt.Errorf("%w: %s", types.ErrUnknownDependency, dep)
		}
	}

	if err := s.graph.AddNode(task.ID, task.EstimatedEffort, task.BasePriority); err != nil {
		return err
	}
	for _, dep := range task.Dependencies {
		if err := s.graph.AddEdge(dep, task.ID, graph.Hard); err != nil {
			// Roll the node back so the rejection leaves no trace.
			_ = s.graph.RemoveNode(task.ID)
			return err
		}
		depTask := s.tasks[dep]
		depTask.Dependents = append(depTask.Dependents, task.ID)
	}

	now := s.clock.Now()
	if task.Status == "" {
		task.Status = types.TaskCreated
	}
	task.CreatedAt = orNow(task.CreatedAt, now)
	task.UpdatedAt = now
	if task.MaxRetries < 0 {
		task.MaxRetries = 0
	}
	s.tasks[task.ID] = task

	metrics.TasksTotal.WithLabelValues(string(task.Status)).Inc()
	s.appendHistory(task, "created", "", "")
	s.publish(events.EventTaskCreated, task, "")
	if err := s.transitionLocked(task, types.TaskQueued, "queued", ""); err != nil {
		return err
	}
	task.QueuedAt = now

	metrics.TasksSubmitted.WithLabelValues(task.BasePriority.String()).Inc()
	metrics.QueueDepth.Set(float64(s.queueDepthLocked()))
	return nil
}

// AddRelation declares an extra dependency edge between two admitted
// tasks. Soft and hint edges inform analysis only; hard edges gate
// execution and are checked for cycles.
func (s *Scheduler) AddRelation(from, to string, strength graph.Strength) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[from]; !ok {
		return fmt.Errorf("%w: %s", types.ErrTaskNotFound, from)
	}
	dependent, ok := s.tasks[to]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrTaskNotFound, to)
	}
	if err := s.graph.AddEdge(from, to, strength); err != nil {
		return err
	}
	if strength == graph.Hard {
		dependent.Dependencies = append(dependent.Dependencies, from)
		s.tasks[from].Dependents = append(s.tasks[from].Dependents, to)
	}
	return nil
}

// Get returns the task with the given id.
func (s *Scheduler) Get(id string) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrTaskNotFound, id)
	}
	return task, nil
}

// Tasks returns deep copies of all tasks sorted by id. Callers get a
// stable view they can marshal or persist without racing the
// scheduler's own mutations.
func (s *Scheduler) Tasks() []*types.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Next returns the highest-scoring runnable task matching the filter, or
// nil when nothing is runnable. The call is read-only; claiming happens
// through Assign so the assigned-agent invariant holds.
func (s *Scheduler) Next(filter *Filter) *types.Task {
	picked := s.NextN(1, filter)
	if len(picked) == 0 {
		return nil
	}
	return picked[0]
}

// NextN returns up to k runnable tasks in decreasing score order. Tasks
// connected by an unmet hard edge are never returned together: a task is
// runnable only once all its hard dependencies have completed. Resource
// feasibility is checked cumulatively across the returned batch.
func (s *Scheduler) NextN(k int, filter *Filter) []*types.Task {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	s.mu.Lock()
	defer s.mu.Unlock()

	type scored struct {
		task  *types.Task
		score float64
	}
	now := s.clock.Now()
	var candidates []scored
	for _, task := range s.tasks {
		if !s.runnableLocked(task, now) || !filter.admits(task) {
			continue
		}
		candidates = append(candidates, scored{task: task, score: s.score(task)})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		ti, tj := candidates[i].task, candidates[j].task
		if !ti.CreatedAt.Equal(tj.CreatedAt) {
			return ti.CreatedAt.Before(tj.CreatedAt)
		}
		return ti.ID < tj.ID
	})

	// Greedy selection with bounded look-ahead past resource-blocked
	// candidates. A blocked CRITICAL candidate holds the line instead of
	// being skipped.
	tentative := make(map[string]int)
	var picked []*types.Task
	skipped := 0
	for _, c := range candidates {
		if len(picked) == k {
			break
		}
		if !s.fitsTentative(c.task.RequiredResources, tentative) {
			if c.task.BasePriority == types.PriorityCritical {
				break
			}
			skipped++
			if skipped > s.cfg.LookAheadDepth {
				break
			}
			continue
		}
		for _, tag := range c.task.RequiredResources {
			tentative[tag]++
		}
		picked = append(picked, c.task)
	}
	return picked
}

// fitsTentative checks pool capacity accounting for units already
// promised to earlier picks in the same batch. Caller holds s.mu.
func (s *Scheduler) fitsTentative(tags []string, tentative map[string]int) bool {
	s.resources.mu.Lock()
	defer s.resources.mu.Unlock()
	for _, tag := range tags {
		limit, capped := s.resources.capacity[tag]
		if capped && s.resources.used[tag]+tentative[tag]+1 > limit {
			return false
		}
	}
	return true
}

// Assign claims a runnable task for an agent: resources are reserved and
// the task moves QUEUED -> ASSIGNED with the agent recorded.
func (s *Scheduler) Assign(taskID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrTaskNotFound, taskID)
	}
	if !s.runnableLocked(task, s.clock.Now()) {
		return fmt.Errorf("%w: task %s is not runnable", types.ErrNothingRunnable, taskID)
	}
	if !s.resources.reserve(task.RequiredResources) {
		return fmt.Errorf("%w: resources for task %s", types.ErrNothingRunnable, taskID)
	}
	if err := s.transitionLocked(task, types.TaskAssigned, "assigned", agentID); err != nil {
		s.resources.release(task.RequiredResources)
		return err
	}
	task.AssignedAgent = agentID
	task.AssignedAt = s.clock.Now()
	delete(s.boosts, task.ID)
	s.quota.record(task.Origin, s.clock.Now())
	metrics.QueueDepth.Set(float64(s.queueDepthLocked()))
	return nil
}

// Start marks an assigned task as running.
func (s *Scheduler) StartTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrTaskNotFound, taskID)
	}
	if err := s.transitionLocked(task, types.TaskInProgress, "started", task.AssignedAgent); err != nil {
		return err
	}
	task.StartedAt = s.clock.Now()
	return nil
}

// Progress appends a caller-driven progress note to the task history.
func (s *Scheduler) Progress(taskID string, percent int, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrTaskNotFound, taskID)
	}
	s.appendHistory(task, "progress", task.AssignedAgent,
		fmt.Sprintf("%d%%: %s", percent, note))
	task.UpdatedAt = s.clock.Now()
	return nil
}

// Complete records the outcome of a dispatched task. Success completes
// the task, releases its resources, and re-evaluates dependents. Failure
// re-enqueues with exponential backoff while retries remain, otherwise
// the task fails terminally and the cascade policy is applied to its
// dependents.
func (s *Scheduler) Complete(taskID string, result *types.TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrTaskNotFound, taskID)
	}

	// Validate the transition before releasing anything: a duplicate or
	// late outcome (watchdog requeue racing executor feedback) must not
	// free resource units another task now holds.
	agent := task.AssignedAgent

	if result.Success {
		if err := s.transitionLocked(task, types.TaskCompleted, "completed", agent); err != nil {
			return err
		}
		s.resources.release(task.RequiredResources)
		task.AssignedAgent = ""
		task.CompletedAt = s.clock.Now()
		s.completed[task.ID] = true
		s.recordCategoryOutcome(task.Category, true)
		s.unblockDependentsLocked(task.ID)
		metrics.TasksCompleted.Inc()
		metrics.QueueDepth.Set(float64(s.queueDepthLocked()))
		return nil
	}

	retryable := !result.Terminal && task.CurrentRetries < task.MaxRetries
	reason := &types.FailureReason{
		Kind:      types.KindExecutorFailed,
		Message:   result.Error,
		Retriable: retryable,
	}

	if err := s.transitionLocked(task, types.TaskFailed, "failed", agent); err != nil {
		return err
	}
	s.resources.release(task.RequiredResources)
	task.AssignedAgent = ""
	s.recordCategoryOutcome(task.Category, false)

	if retryable {
		task.CurrentRetries++
		delay := s.backoff(task.CurrentRetries)
		s.eligibleAt[task.ID] = s.clock.Now().Add(delay)
		if err := s.transitionLocked(task, types.TaskQueued, "retry",
			fmt.Sprintf("attempt %d/%d after %s", task.CurrentRetries, task.MaxRetries, delay)); err != nil {
			return err
		}
		task.QueuedAt = s.clock.Now()
		metrics.TaskRetries.Inc()
		return nil
	}

	task.FailureReason = reason
	s.cascadeLocked(task.ID, fmt.Sprintf("dependency %s failed", task.ID))
	metrics.TasksFailed.Inc()
	metrics.QueueDepth.Set(float64(s.queueDepthLocked()))
	return nil
}

// Requeue returns an assigned task to the queue, releasing its
// reservation. Used when a dispatch is abandoned before execution
// starts.
func (s *Scheduler) Requeue(taskID, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrTaskNotFound, taskID)
	}
	if err := s.transitionLocked(task, types.TaskQueued, "requeued", detail); err != nil {
		return err
	}
	s.resources.release(task.RequiredResources)
	task.AssignedAgent = ""
	task.QueuedAt = s.clock.Now()
	metrics.QueueDepth.Set(float64(s.queueDepthLocked()))
	return nil
}

// Cancel cancels a non-terminal task and applies the cascade policy to
// its dependents.
func (s *Scheduler) Cancel(taskID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrTaskNotFound, taskID)
	}
	if task.Status.Terminal() {
		return fmt.Errorf("%w: %s -> %s", types.ErrIllegalTransition, task.Status, types.TaskCancelled)
	}
	if task.Status == types.TaskAssigned || task.Status == types.TaskInProgress {
		s.resources.release(task.RequiredResources)
		task.AssignedAgent = ""
	}
	if err := s.transitionLocked(task, types.TaskCancelled, "cancelled", reason); err != nil {
		return err
	}
	s.cascadeLocked(task.ID, fmt.Sprintf("dependency %s cancelled: %s", task.ID, reason))
	metrics.QueueDepth.Set(float64(s.queueDepthLocked()))
	return nil
}

// Block parks an in-progress task as BLOCKED.
func (s *Scheduler) Block(taskID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrTaskNotFound, taskID)
	}
	s.resources.release(task.RequiredResources)
	task.AssignedAgent = ""
	return s.transitionLocked(task, types.TaskBlocked, "blocked", reason)
}

// Unblock returns a blocked task to the queue.
func (s *Scheduler) Unblock(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrTaskNotFound, taskID)
	}
	if err := s.transitionLocked(task, types.TaskQueued, "unblocked", ""); err != nil {
		return err
	}
	task.QueuedAt = s.clock.Now()
	return nil
}

// Restore reloads tasks from a snapshot, rebuilding the dependency
// graph and completion bookkeeping. Work that was assigned or running
// at capture time is re-queued: executors do not survive a restart.
// Tasks must arrive with their dependencies present in the slice.
func (s *Scheduler) Restore(tasks []*types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, task := range tasks {
		if err := s.graph.AddNode(task.ID, task.EstimatedEffort, task.BasePriority); err != nil {
			return err
		}
		s.tasks[task.ID] = task
	}
	for _, task := range tasks {
		for _, dep := range task.Dependencies {
			if _, ok := s.tasks[dep]; !ok {
				return fmt.Errorf("%w: %s", types.ErrUnknownDependency, dep)
			}
			if err := s.graph.AddEdge(dep, task.ID, graph.Hard); err != nil {
				return err
			}
		}
	}
	for _, task := range tasks {
		metrics.TasksTotal.WithLabelValues(string(task.Status)).Inc()
		switch task.Status {
		case types.TaskCompleted:
			s.completed[task.ID] = true
		case types.TaskAssigned, types.TaskInProgress:
			task.AssignedAgent = ""
			s.forceStatusLocked(task, types.TaskQueued, "requeued", "restored from snapshot")
			task.QueuedAt = s.clock.Now()
		}
	}
	metrics.QueueDepth.Set(float64(s.queueDepthLocked()))
	return nil
}

// StatusCounts returns task totals keyed by status.
func (s *Scheduler) StatusCounts() map[types.TaskStatus]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[types.TaskStatus]int)
	for _, task := range s.tasks {
		counts[task.Status]++
	}
	return counts
}

// QueueDepth returns the number of queued tasks.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queueDepthLocked()
}

// runnableLocked reports whether a task can be selected right now:
// queued, past any retry backoff, with every hard dependency completed.
// Resource fit is checked separately so look-ahead can distinguish the
// two. Caller holds s.mu.
func (s *Scheduler) runnableLocked(task *types.Task, now time.Time) bool {
	if task.Status != types.TaskQueued {
		return false
	}
	if at, ok := s.eligibleAt[task.ID]; ok && now.Before(at) {
		return false
	}
	for _, dep := range s.graph.Dependencies(task.ID, true) {
		if !s.completed[dep] {
			return false
		}
	}
	return true
}

// unblockDependentsLocked re-evaluates the hard dependents of a completed
// task, moving satisfied BLOCKED dependents back to QUEUED.
func (s *Scheduler) unblockDependentsLocked(id string) {
	for _, depID := range s.graph.Dependents(id, true) {
		dependent, ok := s.tasks[depID]
		if !ok || dependent.Status != types.TaskBlocked {
			continue
		}
		met := true
		for _, dep := range s.graph.Dependencies(depID, true) {
			if !s.completed[dep] {
				met = false
				break
			}
		}
		if met {
			if err := s.transitionLocked(dependent, types.TaskQueued, "unblocked",
				fmt.Sprintf("dependency %s completed", id)); err == nil {
				dependent.QueuedAt = s.clock.Now()
			}
		}
	}
}

// cascadeLocked applies the configured cancellation policy to the
// transitive hard dependents of a terminally failed or cancelled task.
func (s *Scheduler) cascadeLocked(id, reason string) {
	switch s.cfg.CancelPolicy {
	case IgnoreDependents:
		return
	case UnblockAsBlocked:
		for _, depID := range s.graph.Dependents(id, true) {
			dependent, ok := s.tasks[depID]
			if !ok || dependent.Status != types.TaskQueued {
				continue
			}
			s.forceStatusLocked(dependent, types.TaskBlocked, "blocked", reason)
		}
	default: // FailDependents
		for _, depID := range s.graph.TransitiveDependents(id) {
			dependent, ok := s.tasks[depID]
			if !ok || dependent.Status.Terminal() || dependent.Status == types.TaskFailed {
				continue
			}
			if dependent.Status == types.TaskAssigned || dependent.Status == types.TaskInProgress {
				s.resources.release(dependent.RequiredResources)
				dependent.AssignedAgent = ""
			}
			dependent.FailureReason = &types.FailureReason{
				Kind:      types.KindPrecondition,
				Message:   reason,
				Retriable: false,
			}
			s.forceStatusLocked(dependent, types.TaskFailed, "cascade_failure", reason)
			metrics.TasksFailed.Inc()
		}
	}
}

// transitionLocked moves a task through the state machine, failing
// loudly on illegal transitions. Caller holds s.mu.
func (s *Scheduler) transitionLocked(task *types.Task, next types.TaskStatus, action, detail string) error {
	if !task.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s: %s -> %s", types.ErrIllegalTransition, task.ID, task.Status, next)
	}
	s.forceStatusLocked(task, next, action, detail)
	return nil
}

// forceStatusLocked performs the bookkeeping of a status change. Cascade
// paths use it directly: policy-driven dependent failure crosses edges
// the per-task state machine does not model.
func (s *Scheduler) forceStatusLocked(task *types.Task, next types.TaskStatus, action, detail string) {
	prev := task.Status
	task.Status = next
	task.UpdatedAt = s.clock.Now()
	s.appendHistory(task, action, task.AssignedAgent, detail)

	metrics.TasksTotal.WithLabelValues(string(prev)).Dec()
	metrics.TasksTotal.WithLabelValues(string(next)).Inc()

	switch next {
	case types.TaskQueued:
		s.publish(events.EventTaskQueued, task, detail)
	case types.TaskAssigned:
		s.publish(events.EventTaskAssigned, task, detail)
	case types.TaskInProgress:
		s.publish(events.EventTaskStarted, task, detail)
	case types.TaskCompleted:
		s.publish(events.EventTaskCompleted, task, detail)
	case types.TaskFailed:
		s.publish(events.EventTaskFailed, task, detail)
	case types.TaskCancelled:
		s.publish(events.EventTaskCancelled, task, detail)
	default:
		s.publish(events.EventStatusChanged, task, fmt.Sprintf("%s -> %s", prev, next))
	}
}

func (s *Scheduler) appendHistory(task *types.Task, action, agent, detail string) {
	task.History = append(task.History, types.HistoryEntry{
		Timestamp: s.clock.Now(),
		Action:    action,
		Agent:     agent,
		Detail:    detail,
	})
}

// backoff returns the retry delay for the given attempt with jitter.
func (s *Scheduler) backoff(attempt int) time.Duration {
	r := s.cfg.Retry
	delay := float64(r.InitialDelay) * math.Pow(r.Multiplier, float64(attempt-1))
	if r.Jitter > 0 {
		delay *= 1 + r.Jitter*(2*s.rng.Float64()-1)
	}
	if capped := float64(r.MaxDelay); delay > capped {
		delay = capped
	}
	return time.Duration(delay)
}

func (s *Scheduler) queueDepthLocked() int {
	n := 0
	for _, task := range s.tasks {
		if task.Status == types.TaskQueued {
			n++
		}
	}
	return n
}

func (s *Scheduler) publish(eventType events.EventType, task *types.Task, msg string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		Type:    eventType,
		TaskID:  task.ID,
		AgentID: task.AssignedAgent,
		Message: msg,
		Metadata: map[string]string{
			"status":   string(task.Status),
			"priority": task.BasePriority.String(),
		},
	})
}

func orNow(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t
}
