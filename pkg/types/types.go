package types

import (
	"time"
)

// Task represents a unit of work flowing through the orchestration core.
type Task struct {
	ID          string
	Title       string
	Description string
	Category    TaskCategory

	BasePriority Priority
	Complexity   int
	// EstimatedEffort is the expected wall-clock duration of the task,
	// used by critical-path analysis and deadline scoring.
	EstimatedEffort time.Duration

	// Dependencies lists task IDs that must complete before this task
	// becomes runnable. Dependents is the derived reverse edge set and
	// is maintained by the scheduler, never set by callers.
	Dependencies []string
	Dependents   []string

	RequiredResources    []string
	RequiredCapabilities []string

	Deadline *time.Time

	MaxRetries     int
	CurrentRetries int

	Status        TaskStatus
	AssignedAgent string

	Origin string // submitter identity, used by quota-based starvation prevention

	CreatedAt   time.Time
	UpdatedAt   time.Time
	QueuedAt    time.Time
	AssignedAt  time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	// History is the append-only audit trail of task actions.
	History []HistoryEntry

	// FailureReason is set when the task reaches terminal FAILED.
	FailureReason *FailureReason

	Metadata map[string]Value
}

// Clone returns a deep copy of the task. Mutating the copy never
// reaches scheduler-owned state.
func (t *Task) Clone() *Task {
	c := *t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.Dependents = append([]string(nil), t.Dependents...)
	c.RequiredResources = append([]string(nil), t.RequiredResources...)
	c.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	if t.Deadline != nil {
		d := *t.Deadline
		c.Deadline = &d
	}
	c.History = append([]HistoryEntry(nil), t.History...)
	if t.FailureReason != nil {
		fr := *t.FailureReason
		c.FailureReason = &fr
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]Value, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// TaskCategory classifies the kind of work a task performs.
type TaskCategory string

const (
	CategoryFeature        TaskCategory = "feature"
	CategoryBugFix         TaskCategory = "bug_fix"
	CategoryEnhancement    TaskCategory = "enhancement"
	CategoryRefactoring    TaskCategory = "refactoring"
	CategoryTesting        TaskCategory = "testing"
	CategoryDocumentation  TaskCategory = "documentation"
	CategorySecurity       TaskCategory = "security"
	CategoryPerformance    TaskCategory = "performance"
	CategoryMaintenance    TaskCategory = "maintenance"
	CategoryResearch       TaskCategory = "research"
	CategoryInfrastructure TaskCategory = "infrastructure"
)

// Priority orders tasks into bands. Higher value means more urgent.
type Priority int

const (
	PriorityBackground Priority = 1
	PriorityLow        Priority = 2
	PriorityMedium     Priority = 3
	PriorityHigh       Priority = 4
	PriorityCritical   Priority = 5
)

// String returns the lowercase band name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskCreated    TaskStatus = "created"
	TaskQueued     TaskStatus = "queued"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskReview     TaskStatus = "review"
	TaskBlocked    TaskStatus = "blocked"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
	TaskArchived   TaskStatus = "archived"
)

// legalTransitions maps each status to the set of statuses it may move to.
// Cancellation from any non-terminal state is handled in CanTransition.
var legalTransitions = map[TaskStatus][]TaskStatus{
	TaskCreated:    {TaskQueued},
	TaskQueued:     {TaskAssigned},
	TaskAssigned:   {TaskInProgress, TaskQueued},
	TaskInProgress: {TaskReview, TaskCompleted, TaskFailed, TaskBlocked},
	TaskReview:     {TaskCompleted, TaskFailed},
	TaskBlocked:    {TaskQueued, TaskFailed},
	TaskFailed:     {TaskQueued, TaskArchived},
	TaskCompleted:  {TaskArchived},
}

// Terminal reports whether the status is a terminal state. FAILED is only
// conditionally terminal (retries exhausted), which the scheduler decides.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskCancelled, TaskArchived:
		return true
	}
	return false
}

// CanTransition reports whether a task may legally move from s to next.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if next == TaskCancelled {
		return !s.Terminal()
	}
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// HistoryEntry records a single action taken on a task.
type HistoryEntry struct {
	Timestamp time.Time
	Action    string
	Agent     string
	Detail    string
}

// FailureReason is the structured reason attached to a terminal failure.
type FailureReason struct {
	Kind      ErrorKind
	Message   string
	Cause     string
	Retriable bool
}

// TaskResult is the outcome reported by the execution collaborator.
type TaskResult struct {
	Success   bool
	ExitCode  int
	Duration  time.Duration
	Output    string
	Error     string
	Artifacts []string
	// Terminal marks a failure as non-retryable regardless of the
	// task's remaining retry budget.
	Terminal bool
}

// Agent represents a worker process with capabilities and bounded
// concurrent capacity.
type Agent struct {
	ID            string
	Capabilities  []string
	MaxConcurrent int
	CurrentTasks  []string
	Status        AgentStatus
	LastHeartbeat time.Time
	RegisteredAt  time.Time
	Performance   AgentPerformance
	Labels        map[string]string
}

// AgentStatus represents the lifecycle state of an agent.
type AgentStatus string

const (
	AgentInitializing AgentStatus = "initializing"
	AgentIdle         AgentStatus = "idle"
	AgentActive       AgentStatus = "active"
	AgentBusy         AgentStatus = "busy"
	AgentBlocked      AgentStatus = "blocked"
	AgentError        AgentStatus = "error"
	AgentOffline      AgentStatus = "offline"
	AgentTerminated   AgentStatus = "terminated"
)

// AgentPerformance aggregates historical execution statistics.
type AgentPerformance struct {
	CompletedTasks int
	FailedTasks    int
	AvgCompletion  time.Duration
	SuccessRate    float64 // in [0,1]
}

// Load returns the agent's utilization fraction in [0,1].
func (a *Agent) Load() float64 {
	if a.MaxConcurrent <= 0 {
		return 1.0
	}
	return float64(len(a.CurrentTasks)) / float64(a.MaxConcurrent)
}

// Headroom returns the number of additional tasks the agent can accept.
func (a *Agent) Headroom() int {
	n := a.MaxConcurrent - len(a.CurrentTasks)
	if n < 0 {
		return 0
	}
	return n
}

// HasCapabilities reports whether the agent advertises every capability
// in required.
func (a *Agent) HasCapabilities(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range a.Capabilities {
			if have == want {
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

// Available reports whether the agent can accept new work.
func (a *Agent) Available() bool {
	switch a.Status {
	case AgentIdle, AgentActive:
		return a.Headroom() > 0
	}
	return false
}
