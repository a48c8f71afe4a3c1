package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/droverhq/drover/pkg/balancer"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/registry"
	"github.com/droverhq/drover/pkg/scheduler"
	"github.com/droverhq/drover/pkg/storage"
	"github.com/droverhq/drover/pkg/types"
)

// Config holds coordination loop tuning parameters.
type Config struct {
	// DispatchInterval is how often the loop drains runnable work.
	DispatchInterval time.Duration
	// MaxConcurrentDispatch bounds simultaneously executing tasks.
	MaxConcurrentDispatch int
	// HeartbeatTimeout is how long an in-progress task may go silent
	// before the watchdog fails it.
	HeartbeatTimeout time.Duration
	// WatchdogInterval is how often the watchdog scans for silence.
	WatchdogInterval time.Duration
	Timeouts         Timeouts
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		DispatchInterval:      time.Second,
		MaxConcurrentDispatch: 8,
		HeartbeatTimeout:      2 * time.Minute,
		WatchdogInterval:      15 * time.Second,
		Timeouts:              DefaultTimeouts(),
	}
}

// Coordinator runs the control loop: drain runnable tasks from the
// scheduler, match them to agents, dispatch through the executor, and
// feed outcomes back.
type Coordinator struct {
	cfg       Config
	clock     events.Clock
	broker    *events.Broker
	scheduler *scheduler.Scheduler
	registry  *registry.Registry
	balancer  *balancer.Balancer
	store     storage.Store
	executor  Executor

	mu       sync.Mutex
	lastBeat map[string]time.Time

	sem    chan struct{}
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a coordinator over the given collaborators. The store may
// be storage.NopStore when durability is off.
func New(cfg Config, clock events.Clock, broker *events.Broker, sched *scheduler.Scheduler,
	reg *registry.Registry, bal *balancer.Balancer, store storage.Store, exec Executor) *Coordinator {
	if clock == nil {
		clock = events.SystemClock{}
	}
	if store == nil {
		store = storage.NopStore{}
	}
	return &Coordinator{
		cfg:       cfg,
		clock:     clock,
		broker:    broker,
		scheduler: sched,
		registry:  reg,
		balancer:  bal,
		store:     store,
		executor:  exec,
		lastBeat:  make(map[string]time.Time),
		sem:       make(chan struct{}, cfg.MaxConcurrentDispatch),
	}
}

// Start launches the dispatch loop and the heartbeat watchdog.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.group, ctx = errgroup.WithContext(ctx)

	c.group.Go(func() error { return c.runDispatch(ctx) })
	c.group.Go(func() error { return c.runWatchdog(ctx) })
}

// Stop cancels the loops and waits for in-flight work to settle.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.group != nil {
		_ = c.group.Wait()
	}
}

func (c *Coordinator) runDispatch(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.DispatchOnce(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Coordinator) runWatchdog(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CheckHeartbeats()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// DispatchOnce drains as many runnable tasks as free dispatch slots
// allow, assigns each to an agent, and launches execution. Tasks with
// no eligible agent stay queued for the next pass.
func (c *Coordinator) DispatchOnce(ctx context.Context) {
	free := cap(c.sem) - len(c.sem)
	if free == 0 {
		return
	}

	for _, task := range c.scheduler.NextN(free, nil) {
		agent, err := c.place(task)
		if err != nil {
			log.WithTask(task.ID).Debug().Err(err).Msg("no placement this pass")
			continue
		}

		select {
		case c.sem <- struct{}{}:
		case <-ctx.Done():
			c.unplace(task, agent)
			return
		}

		go func(task *types.Task, agent *types.Agent) {
			defer func() { <-c.sem }()
			c.execute(ctx, task, agent)
		}(task, agent)
	}
}

// place matches one task to an agent and commits the assignment on both
// sides, rolling back on partial failure.
func (c *Coordinator) place(task *types.Task) (*types.Agent, error) {
	candidates := c.registry.Discover(registry.Query{
		RequiredCapabilities: task.RequiredCapabilities,
		AvailableOnly:        true,
	})
	agent, err := c.balancer.Pick(task, candidates)
	if err != nil {
		return nil, err
	}
	if err := c.registry.Assign(agent.ID, task.ID); err != nil {
		return nil, err
	}
	if err := c.scheduler.Assign(task.ID, agent.ID); err != nil {
		_ = c.registry.Release(agent.ID, task.ID)
		return nil, err
	}
	c.beat(task.ID)
	return agent, nil
}

// unplace undoes an assignment whose dispatch never started. The task
// goes back to the queue so the next leader can place it again.
func (c *Coordinator) unplace(task *types.Task, agent *types.Agent) {
	_ = c.registry.Release(agent.ID, task.ID)
	if err := c.scheduler.Requeue(task.ID, "dispatch abandoned"); err != nil {
		log.WithTask(task.ID).Warn().Err(err).Msg("failed to requeue abandoned task")
	}
}

// execute drives the four executor phases and feeds the outcome back.
// Panics from the executor are contained here and converted to internal
// failures.
func (c *Coordinator) execute(ctx context.Context, task *types.Task, agent *types.Agent) {
	started := c.clock.Now()

	result := c.runPhases(ctx, task, agent)
	if result == nil {
		result = &types.TaskResult{Success: false, Error: "executor returned no result"}
	}
	result.Duration = c.clock.Now().Sub(started)

	c.feedback(task, agent, result)
}

func (c *Coordinator) runPhases(ctx context.Context, task *types.Task, agent *types.Agent) (result *types.TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			log.WithTask(task.ID).Error().Str("panic", fmt.Sprint(r)).Msg("executor panicked")
			if c.broker != nil {
				c.broker.PublishInternalError("executor", fmt.Errorf("panic: %v", r))
			}
			result = &types.TaskResult{Success: false, Error: fmt.Sprintf("internal: executor panic: %v", r)}
		}
	}()

	if err := c.scheduler.StartTask(task.ID); err != nil {
		return &types.TaskResult{Success: false, Error: err.Error()}
	}
	c.beat(task.ID)

	if err := c.phase(ctx, c.cfg.Timeouts.Setup, func(ctx context.Context) error {
		return c.executor.Setup(ctx, task, agent)
	}); err != nil {
		c.cleanup(ctx, task, agent)
		return &types.TaskResult{Success: false, Error: fmt.Sprintf("setup: %v", err)}
	}
	c.beat(task.ID)

	runCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeouts.Command)
	result, err := c.executor.Run(runCtx, task, agent)
	cancel()
	if err != nil {
		c.cleanup(ctx, task, agent)
		return &types.TaskResult{Success: false, Error: fmt.Sprintf("run: %v", err)}
	}
	c.beat(task.ID)

	if result != nil && result.Success {
		if err := c.phase(ctx, c.cfg.Timeouts.Validation, func(ctx context.Context) error {
			return c.executor.Validate(ctx, task, result)
		}); err != nil {
			result = &types.TaskResult{Success: false, Error: fmt.Sprintf("validation: %v", err)}
		}
	}

	c.cleanup(ctx, task, agent)
	return result
}

func (c *Coordinator) phase(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

func (c *Coordinator) cleanup(ctx context.Context, task *types.Task, agent *types.Agent) {
	err := c.phase(ctx, c.cfg.Timeouts.Cleanup, func(ctx context.Context) error {
		return c.executor.Cleanup(ctx, task, agent)
	})
	if err != nil {
		log.WithTask(task.ID).Warn().Err(err).Msg("cleanup failed")
	}
}

// feedback routes an execution outcome into the scheduler, the agent
// registry, the circuit breaker, and the WAL.
func (c *Coordinator) feedback(task *types.Task, agent *types.Agent, result *types.TaskResult) {
	c.mu.Lock()
	delete(c.lastBeat, task.ID)
	c.mu.Unlock()

	if err := c.scheduler.Complete(task.ID, result); err != nil {
		log.WithTask(task.ID).Error().Err(err).Msg("failed to record outcome")
	}
	_ = c.registry.Release(agent.ID, task.ID)
	c.registry.RecordOutcome(agent.ID, result.Success, result.Duration)

	if result.Success {
		c.balancer.ReportSuccess(agent.ID)
	} else {
		c.balancer.ReportFailure(agent.ID)
	}

	if current, err := c.scheduler.Get(task.ID); err == nil {
		if err := c.store.SaveTask(current); err != nil {
			log.WithTask(task.ID).Warn().Err(err).Msg("failed to persist task")
		}
	}
}

// Heartbeat records liveness for an in-progress task.
func (c *Coordinator) Heartbeat(taskID string) {
	c.beat(taskID)
	if c.broker != nil {
		c.broker.Publish(&events.Event{Type: events.EventTaskHeartbeat, TaskID: taskID})
	}
}

func (c *Coordinator) beat(taskID string) {
	c.mu.Lock()
	c.lastBeat[taskID] = c.clock.Now()
	c.mu.Unlock()
}

// CheckHeartbeats fails every in-progress task that has gone silent for
// longer than the heartbeat timeout. The failure counts against the
// agent's breaker and retries apply as for any other failure.
func (c *Coordinator) CheckHeartbeats() {
	now := c.clock.Now()
	for _, task := range c.scheduler.Tasks() {
		if task.Status != types.TaskInProgress {
			continue
		}
		c.mu.Lock()
		last, ok := c.lastBeat[task.ID]
		c.mu.Unlock()
		if !ok || now.Sub(last) <= c.cfg.HeartbeatTimeout {
			continue
		}

		agentID := task.AssignedAgent
		log.WithTask(task.ID).Warn().Str("agent", agentID).Msg("heartbeat timeout")
		c.mu.Lock()
		delete(c.lastBeat, task.ID)
		c.mu.Unlock()

		if err := c.scheduler.Complete(task.ID, &types.TaskResult{
			Success: false,
			Error:   "HEARTBEAT_TIMEOUT",
		}); err != nil {
			log.WithTask(task.ID).Error().Err(err).Msg("failed to fail silent task")
			continue
		}
		if agentID != "" {
			_ = c.registry.Release(agentID, task.ID)
			c.registry.RecordOutcome(agentID, false, c.cfg.HeartbeatTimeout)
			c.balancer.ReportFailure(agentID)
		}
	}
}
