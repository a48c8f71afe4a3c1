package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/droverhq/drover/pkg/balancer"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/graph"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/monitor"
	"github.com/droverhq/drover/pkg/registry"
	"github.com/droverhq/drover/pkg/scheduler"
	"github.com/droverhq/drover/pkg/storage"
	"github.com/droverhq/drover/pkg/types"
)

// SystemConfig aggregates the per-component configurations.
type SystemConfig struct {
	Scheduler   scheduler.Config
	Registry    registry.Config
	Balancer    balancer.Config
	Coordinator Config
	Monitor     monitor.Config
}

// DefaultSystemConfig returns defaults for every component.
func DefaultSystemConfig() SystemConfig {
	return SystemConfig{
		Scheduler:   scheduler.DefaultConfig(),
		Registry:    registry.DefaultConfig(),
		Balancer:    balancer.DefaultConfig(),
		Coordinator: DefaultConfig(),
		Monitor:     monitor.DefaultConfig(),
	}
}

// System is the assembled orchestration core: the submitter-facing
// facade over scheduler, registry, balancer, and coordinator. All
// collaborators are wired once at construction.
type System struct {
	clock       events.Clock
	broker      *events.Broker
	scheduler   *scheduler.Scheduler
	registry    *registry.Registry
	balancer    *balancer.Balancer
	coordinator *Coordinator
	monitor     *monitor.Monitor
	store       storage.Store
	journal     events.Subscriber
}

// NewSystem wires the components together. A previously saved snapshot,
// when present in the store, is restored before anything starts.
func NewSystem(cfg SystemConfig, clock events.Clock, store storage.Store, exec Executor) (*System, error) {
	if clock == nil {
		clock = events.SystemClock{}
	}
	if store == nil {
		store = storage.NopStore{}
	}

	broker := events.NewBroker(clock)
	sched := scheduler.New(cfg.Scheduler, clock, broker)
	reg := registry.New(cfg.Registry, clock, broker)
	bal := balancer.New(cfg.Balancer, clock, broker)
	coord := New(cfg.Coordinator, clock, broker, sched, reg, bal, store, exec)
	mon := monitor.New(cfg.Monitor, clock, broker, reg, nil, nil)

	sys := &System{
		clock:       clock,
		broker:      broker,
		scheduler:   sched,
		registry:    reg,
		balancer:    bal,
		coordinator: coord,
		monitor:     mon,
		store:       store,
	}
	if err := sys.restore(); err != nil {
		return nil, fmt.Errorf("restore failed: %w", err)
	}
	return sys, nil
}

// Start launches the event bus, liveness sweeps, score adjustment, and
// the coordination loop. Every published event is also journaled to the
// store's write-ahead log.
func (s *System) Start(ctx context.Context) {
	s.broker.Start()
	s.journal = s.broker.Subscribe()
	go s.runJournal()
	s.registry.Start()
	s.scheduler.Start()
	s.coordinator.Start(ctx)
	s.monitor.Start()
	log.WithComponent("system").Info().Msg("orchestration core started")
}

func (s *System) runJournal() {
	for event := range s.journal {
		if event.Type == events.EventTaskCompleted && event.AgentID != "" {
			s.monitor.RecordCompletion(event.AgentID)
		}
		if _, err := s.store.AppendEvent(event); err != nil {
			log.WithComponent("system").Warn().Err(err).Msg("wal append failed")
		}
	}
}

// Stop shuts the loops down in reverse order and checkpoints state.
func (s *System) Stop() {
	s.monitor.Stop()
	s.coordinator.Stop()
	s.scheduler.Stop()
	s.registry.Stop()
	if s.journal != nil {
		s.broker.Unsubscribe(s.journal)
	}
	s.broker.Stop()
	if err := s.Checkpoint(); err != nil {
		log.WithComponent("system").Warn().Err(err).Msg("final checkpoint failed")
	}
	if err := s.store.Close(); err != nil {
		log.WithComponent("system").Warn().Err(err).Msg("store close failed")
	}
}

// CreateTaskRequest is the submitter's task description.
type CreateTaskRequest struct {
	ID                   string
	Title                string
	Description          string
	Category             types.TaskCategory
	Priority             types.Priority
	Complexity           int
	EstimatedEffort      time.Duration
	Dependencies         []string
	RequiredResources    []string
	RequiredCapabilities []string
	Deadline             *time.Time
	MaxRetries           int
	Origin               string
	Metadata             map[string]types.Value
}

// CreateTask admits a new task into the system.
func (s *System) CreateTask(req CreateTaskRequest) (*types.Task, error) {
	if req.Title == "" {
		return nil, fmt.Errorf("%w: title must not be empty", types.ErrInvalidTask)
	}
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	priority := req.Priority
	if priority == 0 {
		priority = types.PriorityMedium
	}
	task := &types.Task{
		ID:                   id,
		Title:                req.Title,
		Description:          req.Description,
		Category:             req.Category,
		BasePriority:         priority,
		Complexity:           req.Complexity,
		EstimatedEffort:      req.EstimatedEffort,
		Dependencies:         req.Dependencies,
		RequiredResources:    req.RequiredResources,
		RequiredCapabilities: req.RequiredCapabilities,
		Deadline:             req.Deadline,
		MaxRetries:           req.MaxRetries,
		Origin:               req.Origin,
		Metadata:             req.Metadata,
	}
	if err := s.scheduler.Add(task); err != nil {
		return nil, err
	}
	if err := s.store.SaveTask(task); err != nil {
		log.WithTask(task.ID).Warn().Err(err).Msg("failed to persist task")
	}
	return task, nil
}

// RegisterAgentRequest describes a joining agent.
type RegisterAgentRequest struct {
	ID            string
	Capabilities  []string
	MaxConcurrent int
	Labels        map[string]string
}

// RegisterAgent adds or refreshes an agent.
func (s *System) RegisterAgent(req RegisterAgentRequest) (*types.Agent, error) {
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	agent := s.registry.Register(&types.Agent{
		ID:            id,
		Capabilities:  req.Capabilities,
		MaxConcurrent: req.MaxConcurrent,
		Labels:        req.Labels,
	})
	if err := s.store.SaveAgent(agent); err != nil {
		log.WithAgent(agent.ID).Warn().Err(err).Msg("failed to persist agent")
	}
	return agent, nil
}

// Heartbeat refreshes an agent's liveness.
func (s *System) Heartbeat(agentID string, stats *registry.HeartbeatStats) error {
	return s.registry.Heartbeat(agentID, stats)
}

// UpdateProgress records task progress and counts as a heartbeat for
// the watchdog.
func (s *System) UpdateProgress(taskID string, percent int, note string) error {
	if err := s.scheduler.Progress(taskID, percent, note); err != nil {
		return err
	}
	s.coordinator.Heartbeat(taskID)
	return nil
}

// Cancel cancels a task, cascading per the configured policy.
func (s *System) Cancel(taskID, reason string) error {
	return s.scheduler.Cancel(taskID, reason)
}

// GetTask returns one task.
func (s *System) GetTask(taskID string) (*types.Task, error) {
	return s.scheduler.Get(taskID)
}

// Tasks returns a copy of every task known to the scheduler.
func (s *System) Tasks() []*types.Task {
	return s.scheduler.Tasks()
}

// Agents returns every registered agent.
func (s *System) Agents() []*types.Agent {
	return s.registry.List()
}

// Subscribe attaches an event listener.
func (s *System) Subscribe() events.Subscriber {
	return s.broker.Subscribe()
}

// Health exposes the agent health monitor.
func (s *System) Health() *monitor.Monitor {
	return s.monitor
}

// Analyze exposes the dependency graph analyses.
func (s *System) Analyze() (*graph.Report, error) {
	report := s.scheduler.Graph().Validate()
	return report, nil
}

// TaskCounts aggregates tasks along the dimensions operators ask about.
type TaskCounts struct {
	Total      int                        `json:"total"`
	ByStatus   map[types.TaskStatus]int   `json:"by_status"`
	ByCategory map[types.TaskCategory]int `json:"by_category"`
	ByPriority map[types.Priority]int     `json:"by_priority"`
}

// AgentCounts aggregates agents by status.
type AgentCounts struct {
	Total    int                       `json:"total"`
	ByStatus map[types.AgentStatus]int `json:"by_status"`
}

// SystemStatus is the aggregate view returned by Status.
type SystemStatus struct {
	Tasks      TaskCounts  `json:"tasks"`
	Agents     AgentCounts `json:"agents"`
	QueueDepth int         `json:"queue_depth"`
	Subscribed int         `json:"subscribed"`
}

// Status reports aggregate task and agent counts.
func (s *System) Status() SystemStatus {
	tasks := TaskCounts{
		ByStatus:   make(map[types.TaskStatus]int),
		ByCategory: make(map[types.TaskCategory]int),
		ByPriority: make(map[types.Priority]int),
	}
	for _, task := range s.scheduler.Tasks() {
		tasks.Total++
		tasks.ByStatus[task.Status]++
		tasks.ByCategory[task.Category]++
		tasks.ByPriority[task.BasePriority]++
	}

	agents := AgentCounts{ByStatus: make(map[types.AgentStatus]int)}
	for _, agent := range s.registry.List() {
		agents.Total++
		agents.ByStatus[agent.Status]++
	}

	return SystemStatus{
		Tasks:      tasks,
		Agents:     agents,
		QueueDepth: s.scheduler.QueueDepth(),
		Subscribed: s.broker.SubscriberCount(),
	}
}

// Checkpoint captures current state into the store, recording the WAL
// position it covers so the store can prune and restore can replay the
// uncovered tail.
func (s *System) Checkpoint() error {
	lsn, err := s.store.LastLSN()
	if err != nil {
		return err
	}
	snapshot := &storage.Snapshot{
		SavedAt:  s.clock.Now(),
		LSN:      lsn,
		Tasks:    s.scheduler.Tasks(),
		Agents:   s.registry.List(),
		Edges:    s.scheduler.Graph().Edges(),
		Breakers: s.balancer.Breakers().Snapshot(),
	}
	return s.store.SaveSnapshot(snapshot)
}

// restore rebuilds state from the last checkpoint, if any, then
// overlays the WAL tail journaled after it.
func (s *System) restore() error {
	snapshot, err := s.store.LoadSnapshot()
	if err != nil || snapshot == nil {
		return err
	}
	tail, err := s.store.EventsSince(snapshot.LSN)
	if err != nil {
		return err
	}
	tasks, agents := s.replayJournal(snapshot, tail)

	for _, agent := range agents {
		s.registry.Register(agent)
	}
	if err := s.scheduler.Restore(tasks); err != nil {
		return err
	}
	for _, edge := range snapshot.Edges {
		if edge.Strength == graph.Hard {
			continue // hard edges were rebuilt from task dependencies
		}
		if err := s.scheduler.AddRelation(edge.From, edge.To, edge.Strength); err != nil {
			return err
		}
	}
	s.balancer.Breakers().Restore(snapshot.Breakers)
	log.WithComponent("system").Info().
		Int("tasks", len(tasks)).
		Int("agents", len(agents)).
		Int("journal_tail", len(tail)).
		Msg("state restored from snapshot")
	return nil
}

// replayJournal overlays the WAL tail onto the snapshot state. Tasks
// and agents that first appeared after the checkpoint are recovered
// from the store's buckets; status changes fall back to the journaled
// transition when the bucket copy is stale.
func (s *System) replayJournal(snapshot *storage.Snapshot, tail []*storage.WALRecord) ([]*types.Task, []*types.Agent) {
	tasks := make(map[string]*types.Task, len(snapshot.Tasks))
	taskOrder := make([]string, 0, len(snapshot.Tasks))
	for _, task := range snapshot.Tasks {
		tasks[task.ID] = task
		taskOrder = append(taskOrder, task.ID)
	}
	agents := make(map[string]*types.Agent, len(snapshot.Agents))
	agentOrder := make([]string, 0, len(snapshot.Agents))
	for _, agent := range snapshot.Agents {
		agents[agent.ID] = agent
		agentOrder = append(agentOrder, agent.ID)
	}

	for _, rec := range tail {
		switch rec.Type {
		case events.EventTaskCreated:
			if _, ok := tasks[rec.TaskID]; ok {
				continue
			}
			task, err := s.store.GetTask(rec.TaskID)
			if err != nil {
				log.WithTask(rec.TaskID).Warn().Err(err).Msg("journaled task not in store, skipping")
				continue
			}
			tasks[task.ID] = task
			taskOrder = append(taskOrder, task.ID)
		case events.EventAgentRegistered:
			if _, ok := agents[rec.AgentID]; ok {
				continue
			}
			agent, err := s.store.GetAgent(rec.AgentID)
			if err != nil {
				log.WithAgent(rec.AgentID).Warn().Err(err).Msg("journaled agent not in store, skipping")
				continue
			}
			agents[agent.ID] = agent
			agentOrder = append(agentOrder, agent.ID)
		default:
			status, ok := journalStatus(rec.Type)
			if !ok {
				continue
			}
			task, ok := tasks[rec.TaskID]
			if !ok {
				continue
			}
			if fresh, err := s.store.GetTask(rec.TaskID); err == nil && fresh.Status == status {
				tasks[rec.TaskID] = fresh
				continue
			}
			task.Status = status
			if status == types.TaskAssigned || status == types.TaskInProgress {
				task.AssignedAgent = rec.AgentID
			}
		}
	}

	taskList := make([]*types.Task, 0, len(taskOrder))
	for _, id := range taskOrder {
		taskList = append(taskList, tasks[id])
	}
	agentList := make([]*types.Agent, 0, len(agentOrder))
	for _, id := range agentOrder {
		agentList = append(agentList, agents[id])
	}
	return taskList, agentList
}

// journalStatus maps a journaled lifecycle event onto the task status
// it implies.
func journalStatus(t events.EventType) (types.TaskStatus, bool) {
	switch t {
	case events.EventTaskQueued:
		return types.TaskQueued, true
	case events.EventTaskAssigned:
		return types.TaskAssigned, true
	case events.EventTaskStarted:
		return types.TaskInProgress, true
	case events.EventTaskCompleted:
		return types.TaskCompleted, true
	case events.EventTaskFailed:
		return types.TaskFailed, true
	case events.EventTaskCancelled:
		return types.TaskCancelled, true
	}
	return "", false
}
