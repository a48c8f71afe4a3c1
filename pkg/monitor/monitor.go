package monitor

import (
	"sync"
	"time"

	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/registry"
	"github.com/droverhq/drover/pkg/types"
)

// HealthStatus classifies one check outcome.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusWarning  HealthStatus = "warning"
	StatusCritical HealthStatus = "critical"
)

// IssueCode identifies what a check found wrong.
type IssueCode string

const (
	IssueAgentNotFound    IssueCode = "AGENT_NOT_FOUND"
	IssueHighResponseTime IssueCode = "HIGH_RESPONSE_TIME"
	IssueHighErrorRate    IssueCode = "HIGH_ERROR_RATE"
	IssueHighLoad         IssueCode = "HIGH_LOAD"
	IssueInactive         IssueCode = "INACTIVE"
)

// Issue is one problem surfaced by a health check.
type Issue struct {
	Code     IssueCode
	Severity HealthStatus
	Message  string
}

// Check is the recorded outcome of probing one agent once.
type Check struct {
	Timestamp    time.Time
	AgentID      string
	AgentStatus  types.AgentStatus
	ResponseTime time.Duration
	ErrorRate    float64
	Load         float64
	Inactivity   time.Duration
	Status       HealthStatus
	Issues       []Issue
}

// Prober measures an agent's response time. The default prober reports
// the time since the last heartbeat round-trip recorded by the registry.
type Prober interface {
	Probe(agent *types.Agent) (time.Duration, error)
}

// Config holds health monitor tuning parameters.
type Config struct {
	CheckInterval time.Duration
	// Retention caps how many checks are kept per agent.
	Retention int

	ResponseWarn  time.Duration
	ResponseCrit  time.Duration
	ErrorRateWarn float64
	ErrorRateCrit float64
	LoadWarn      float64
	InactivityMax time.Duration

	TrendWindow     time.Duration
	TrendConfidence float64

	SLAPeriod          time.Duration
	SLAAvailability    float64
	RecoveryConcurrent int
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:      30 * time.Second,
		Retention:          1000,
		ResponseWarn:       5 * time.Second,
		ResponseCrit:       10 * time.Second,
		ErrorRateWarn:      0.10,
		ErrorRateCrit:      0.20,
		LoadWarn:           0.90,
		InactivityMax:      5 * time.Minute,
		TrendWindow:        time.Hour,
		TrendConfidence:    0.7,
		SLAPeriod:          time.Hour,
		SLAAvailability:    0.95,
		RecoveryConcurrent: 4,
	}
}

// Monitor periodically checks agent health, tracks metric trends, and
// drives recovery for critical findings.
type Monitor struct {
	cfg      Config
	clock    events.Clock
	broker   *events.Broker
	registry *registry.Registry
	prober   Prober
	recovery *recoveryEngine

	mu          sync.Mutex
	history     map[string][]Check
	completions map[string][]time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a monitor over the given registry. A nil prober falls back
// to heartbeat-recency probing; a nil handler disables recovery
// execution while still recording what would have run.
func New(cfg Config, clock events.Clock, broker *events.Broker, reg *registry.Registry, prober Prober, handler RecoveryHandler) *Monitor {
	if clock == nil {
		clock = events.SystemClock{}
	}
	m := &Monitor{
		cfg:      cfg,
		clock:    clock,
		broker:   broker,
		registry: reg,
		prober:   prober,
		history:     make(map[string][]Check),
		completions: make(map[string][]time.Time),
		stopCh:      make(chan struct{}),
	}
	if m.prober == nil {
		m.prober = heartbeatProber{clock: clock}
	}
	m.recovery = newRecoveryEngine(cfg, clock, broker, reg, handler)
	return m
}

// Start begins the periodic check loop.
func (m *Monitor) Start() {
	go m.run()
}

// Stop halts the check loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CheckAll()
		case <-m.stopCh:
			return
		}
	}
}

// CheckAll runs one health check pass over every registered agent and
// evaluates trends on the fresh history. Tests call it directly with a
// manual clock.
func (m *Monitor) CheckAll() {
	for _, agent := range m.registry.List() {
		check := m.checkAgent(agent)
		m.record(check)
		m.reactTo(check)
	}
	m.detectTrends()
}

// checkAgent classifies one agent against the configured thresholds.
func (m *Monitor) checkAgent(agent *types.Agent) Check {
	now := m.clock.Now()
	check := Check{
		Timestamp:   now,
		AgentID:     agent.ID,
		AgentStatus: agent.Status,
		ErrorRate:   errorRate(agent),
		Load:        agent.Load(),
		Inactivity:  now.Sub(agent.LastHeartbeat),
		Status:      StatusHealthy,
	}
	if rt, err := m.prober.Probe(agent); err == nil {
		check.ResponseTime = rt
	}

	if agent.Status == types.AgentOffline {
		check.addIssue(IssueAgentNotFound, StatusCritical, "agent is offline")
	}
	switch {
	case check.ResponseTime > m.cfg.ResponseCrit:
		check.addIssue(IssueHighResponseTime, StatusCritical, "response time exceeds critical threshold")
	case check.ResponseTime > m.cfg.ResponseWarn:
		check.addIssue(IssueHighResponseTime, StatusWarning, "response time exceeds warning threshold")
	}
	switch {
	case check.ErrorRate > m.cfg.ErrorRateCrit:
		check.addIssue(IssueHighErrorRate, StatusCritical, "error rate exceeds critical threshold")
	case check.ErrorRate > m.cfg.ErrorRateWarn:
		check.addIssue(IssueHighErrorRate, StatusWarning, "error rate exceeds warning threshold")
	}
	if check.Load > m.cfg.LoadWarn {
		check.addIssue(IssueHighLoad, StatusWarning, "load exceeds warning threshold")
	}
	if check.Inactivity > m.cfg.InactivityMax && agent.Status != types.AgentOffline {
		check.addIssue(IssueInactive, StatusWarning, "no heartbeat within inactivity window")
	}

	metrics.HealthChecksTotal.WithLabelValues(string(check.Status)).Inc()
	return check
}

func (c *Check) addIssue(code IssueCode, severity HealthStatus, msg string) {
	c.Issues = append(c.Issues, Issue{Code: code, Severity: severity, Message: msg})
	if severity == StatusCritical || c.Status == StatusCritical {
		c.Status = StatusCritical
	} else {
		c.Status = StatusWarning
	}
}

func (m *Monitor) record(check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := append(m.history[check.AgentID], check)
	if len(history) > m.cfg.Retention {
		history = history[len(history)-m.cfg.Retention:]
	}
	m.history[check.AgentID] = history
}

// reactTo publishes issues and hands critical recoverable codes to the
// recovery engine.
func (m *Monitor) reactTo(check Check) {
	for _, issue := range check.Issues {
		if m.broker != nil {
			m.broker.Publish(&events.Event{
				Type:    events.EventIssueDetected,
				AgentID: check.AgentID,
				Message: issue.Message,
				Metadata: map[string]string{
					"code":     string(issue.Code),
					"severity": string(issue.Severity),
				},
			})
		}
		if issue.Severity == StatusCritical {
			m.recovery.trigger(check.AgentID, issue)
		}
	}
	if check.Status != StatusHealthy {
		log.WithAgent(check.AgentID).Warn().
			Str("status", string(check.Status)).
			Int("issues", len(check.Issues)).
			Msg("health check flagged agent")
	}
}

// History returns the retained checks for an agent, oldest first.
func (m *Monitor) History(agentID string) []Check {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Check, len(m.history[agentID]))
	copy(out, m.history[agentID])
	return out
}

func errorRate(agent *types.Agent) float64 {
	perf := agent.Performance
	if perf.CompletedTasks+perf.FailedTasks == 0 {
		return 0
	}
	return 1 - perf.SuccessRate
}

// heartbeatProber approximates response time with the elapsed time since
// the agent's last heartbeat, clipped to zero for agents heard from
// within one beat.
type heartbeatProber struct {
	clock events.Clock
}

func (p heartbeatProber) Probe(agent *types.Agent) (time.Duration, error) {
	silence := p.clock.Since(agent.LastHeartbeat)
	if silence < 0 {
		silence = 0
	}
	return silence, nil
}
