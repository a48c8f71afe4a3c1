package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/types"
)

// Config holds registry tuning parameters.
type Config struct {
	// HeartbeatTimeout is how long an agent may go silent before being
	// marked offline.
	HeartbeatTimeout time.Duration
	// SweepInterval is how often liveness is re-evaluated.
	SweepInterval time.Duration

	// Discovery ranking weights.
	CapabilityWeight float64
	HeadroomWeight   float64
	SuccessWeight    float64
	RecencyWeight    float64
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 90 * time.Second,
		SweepInterval:    15 * time.Second,
		CapabilityWeight: 0.4,
		HeadroomWeight:   0.3,
		SuccessWeight:    0.2,
		RecencyWeight:    0.1,
	}
}

// Registry indexes agents by id and capability and tracks liveness.
type Registry struct {
	cfg    Config
	clock  events.Clock
	broker *events.Broker

	mu       sync.RWMutex
	agents   map[string]*types.Agent
	byCap    map[string]map[string]bool // capability -> set of agent ids
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a registry. The broker may be nil when no event emission
// is wanted (tests).
func New(cfg Config, clock events.Clock, broker *events.Broker) *Registry {
	if clock == nil {
		clock = events.SystemClock{}
	}
	return &Registry{
		cfg:    cfg,
		clock:  clock,
		broker: broker,
		agents: make(map[string]*types.Agent),
		byCap:  make(map[string]map[string]bool),
		stopCh: make(chan struct{}),
	}
}

// Start begins the periodic liveness sweep.
func (r *Registry) Start() {
	go r.run()
}

// Stop halts the liveness sweep.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Registry) run() {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			return
		}
	}
}

// Register adds an agent or, when the id is already known, updates its
// capabilities and capacity in place. Registration is idempotent.
func (r *Registry) Register(agent *types.Agent) *types.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	existing, ok := r.agents[agent.ID]
	if ok {
		r.unindexLocked(existing)
		existing.Capabilities = agent.Capabilities
		if agent.MaxConcurrent > 0 {
			existing.MaxConcurrent = agent.MaxConcurrent
		}
		existing.LastHeartbeat = now
		if existing.Status == types.AgentOffline {
			existing.Status = types.AgentIdle
		}
		r.indexLocked(existing)
		return existing
	}

	if agent.MaxConcurrent <= 0 {
		agent.MaxConcurrent = 1
	}
	agent.Status = types.AgentIdle
	agent.RegisteredAt = now
	agent.LastHeartbeat = now
	if agent.Performance.SuccessRate == 0 && agent.Performance.CompletedTasks == 0 {
		// Fresh agents start with a neutral success rate so ranking does
		// not bury them behind established ones.
		agent.Performance.SuccessRate = 1.0
	}
	r.agents[agent.ID] = agent
	r.indexLocked(agent)

	log.WithComponent("registry").Info().
		Str("agent_id", agent.ID).
		Strs("capabilities", agent.Capabilities).
		Msg("agent registered")
	r.publish(events.EventAgentRegistered, agent.ID, "agent registered")
	metrics.AgentsTotal.WithLabelValues(string(agent.Status)).Inc()
	return agent
}

// Unregister removes an agent permanently.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrAgentNotFound, id)
	}
	r.unindexLocked(agent)
	delete(r.agents, id)
	r.publish(events.EventAgentDisconnected, id, "agent unregistered")
	return nil
}

// HeartbeatStats carries the optional metrics an agent reports alongside
// its heartbeat.
type HeartbeatStats struct {
	CompletedTasks int
	FailedTasks    int
	AvgCompletion  time.Duration
}

// Heartbeat refreshes an agent's liveness and performance statistics.
func (r *Registry) Heartbeat(id string, stats *HeartbeatStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrAgentNotFound, id)
	}
	agent.LastHeartbeat = r.clock.Now()
	if agent.Status == types.AgentOffline {
		agent.Status = types.AgentIdle
	}
	if stats != nil {
		agent.Performance.CompletedTasks = stats.CompletedTasks
		agent.Performance.FailedTasks = stats.FailedTasks
		agent.Performance.AvgCompletion = stats.AvgCompletion
		total := stats.CompletedTasks + stats.FailedTasks
		if total > 0 {
			agent.Performance.SuccessRate = float64(stats.CompletedTasks) / float64(total)
		}
	}
	return nil
}

// Get returns the agent with the given id.
func (r *Registry) Get(id string) (*types.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrAgentNotFound, id)
	}
	return agent, nil
}

// List returns all registered agents sorted by id.
func (r *Registry) List() []*types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]*types.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

// Assign records that the agent took on the task, updating its load and
// status. Fails when the agent has no headroom.
func (r *Registry) Assign(agentID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrAgentNotFound, agentID)
	}
	if agent.Headroom() == 0 {
		return fmt.Errorf("%w: agent %s at capacity", types.ErrNoEligibleAgents, agentID)
	}
	agent.CurrentTasks = append(agent.CurrentTasks, taskID)
	r.refreshStatusLocked(agent)
	metrics.AgentLoad.WithLabelValues(agentID).Set(agent.Load())
	return nil
}

// Release records that the agent finished (or gave up) the task.
func (r *Registry) Release(agentID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrAgentNotFound, agentID)
	}
	for i, id := range agent.CurrentTasks {
		if id == taskID {
			agent.CurrentTasks = append(agent.CurrentTasks[:i], agent.CurrentTasks[i+1:]...)
			break
		}
	}
	r.refreshStatusLocked(agent)
	metrics.AgentLoad.WithLabelValues(agentID).Set(agent.Load())
	return nil
}

// RecordOutcome folds one task outcome into the agent's running
// performance aggregate.
func (r *Registry) RecordOutcome(agentID string, success bool, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return
	}
	perf := &agent.Performance
	if success {
		perf.CompletedTasks++
	} else {
		perf.FailedTasks++
	}
	total := perf.CompletedTasks + perf.FailedTasks
	perf.SuccessRate = float64(perf.CompletedTasks) / float64(total)
	// Running mean over completion times.
	perf.AvgCompletion += (duration - perf.AvgCompletion) / time.Duration(total)
}

// sweep marks agents that missed their heartbeat window as offline.
func (r *Registry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	for _, agent := range r.agents {
		if agent.Status == types.AgentOffline || agent.Status == types.AgentTerminated {
			continue
		}
		if now.Sub(agent.LastHeartbeat) > r.cfg.HeartbeatTimeout {
			log.WithComponent("registry").Warn().
				Str("agent_id", agent.ID).
				Dur("silence", now.Sub(agent.LastHeartbeat)).
				Msg("agent missed heartbeat window, marking offline")
			agent.Status = types.AgentOffline
			r.publish(events.EventAgentDisconnected, agent.ID, "heartbeat timeout")
		}
	}
}

// MarkOffline forces an agent offline immediately; used by the health
// monitor when a probe fails hard.
func (r *Registry) MarkOffline(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent, ok := r.agents[id]; ok {
		agent.Status = types.AgentOffline
	}
}

func (r *Registry) refreshStatusLocked(agent *types.Agent) {
	switch agent.Status {
	case types.AgentOffline, types.AgentTerminated, types.AgentError, types.AgentBlocked:
		return
	}
	switch {
	case len(agent.CurrentTasks) == 0:
		agent.Status = types.AgentIdle
	case agent.Headroom() == 0:
		agent.Status = types.AgentBusy
	default:
		agent.Status = types.AgentActive
	}
}

func (r *Registry) indexLocked(agent *types.Agent) {
	for _, cap := range agent.Capabilities {
		if r.byCap[cap] == nil {
			r.byCap[cap] = make(map[string]bool)
		}
		r.byCap[cap][agent.ID] = true
	}
}

func (r *Registry) unindexLocked(agent *types.Agent) {
	for _, cap := range agent.Capabilities {
		delete(r.byCap[cap], agent.ID)
	}
}

func (r *Registry) publish(eventType events.EventType, agentID, msg string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{
		Type:    eventType,
		AgentID: agentID,
		Message: msg,
	})
}
