package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/registry"
	"github.com/droverhq/drover/pkg/types"
)

// RecoveryType names a remediation.
type RecoveryType string

const (
	RecoveryRestart  RecoveryType = "restart"
	RecoveryFailover RecoveryType = "failover"
	RecoveryScale    RecoveryType = "scale"
	RecoveryThrottle RecoveryType = "throttle"
	RecoveryAlert    RecoveryType = "alert"
)

// ActionStatus tracks a recovery action through its lifecycle.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionExecuting ActionStatus = "executing"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
)

// RecoveryAction is one remediation attempt against an agent.
type RecoveryAction struct {
	ID          string
	AgentID     string
	Type        RecoveryType
	Issue       IssueCode
	Status      ActionStatus
	Target      string // failover destination, when applicable
	Error       string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// RecoveryHandler executes remediations against the fleet. A nil
// handler records actions as completed without side effects, which is
// also the alert path's default.
type RecoveryHandler interface {
	Restart(agentID string) error
	Failover(fromAgent string, toAgent *types.Agent) error
	Scale(agentID string) error
	Throttle(agentID string) error
	Alert(agentID, message string) error
}

type recoveryEngine struct {
	cfg      Config
	clock    events.Clock
	broker   *events.Broker
	registry *registry.Registry
	handler  RecoveryHandler

	mu       sync.Mutex
	actions  map[string]*RecoveryAction
	inFlight map[string]bool
}

func newRecoveryEngine(cfg Config, clock events.Clock, broker *events.Broker, reg *registry.Registry, handler RecoveryHandler) *recoveryEngine {
	return &recoveryEngine{
		cfg:      cfg,
		clock:    clock,
		broker:   broker,
		registry: reg,
		handler:  handler,
		actions:  make(map[string]*RecoveryAction),
		inFlight: make(map[string]bool),
	}
}

// trigger maps a critical issue onto a remediation and executes it. At
// most one action runs per agent at a time; further criticals are
// dropped until it settles.
func (e *recoveryEngine) trigger(agentID string, issue Issue) {
	var kind RecoveryType
	switch issue.Code {
	case IssueAgentNotFound:
		kind = RecoveryFailover
	case IssueHighErrorRate:
		kind = RecoveryRestart
	case IssueHighResponseTime:
		kind = RecoveryThrottle
	default:
		kind = RecoveryAlert
	}

	e.mu.Lock()
	if e.inFlight[agentID] {
		e.mu.Unlock()
		return
	}
	e.inFlight[agentID] = true
	action := &RecoveryAction{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Type:      kind,
		Issue:     issue.Code,
		Status:    ActionPending,
		CreatedAt: e.clock.Now(),
	}
	e.actions[action.ID] = action
	e.mu.Unlock()

	e.execute(action, issue)
}

func (e *recoveryEngine) execute(action *RecoveryAction, issue Issue) {
	e.setStatus(action, ActionExecuting, "")
	e.publish(events.EventRecoveryStarted, action)
	log.WithAgent(action.AgentID).Info().
		Str("action", string(action.Type)).
		Str("issue", string(action.Issue)).
		Msg("recovery started")

	err := e.run(action, issue)

	e.mu.Lock()
	delete(e.inFlight, action.AgentID)
	e.mu.Unlock()

	if err != nil {
		e.setStatus(action, ActionFailed, err.Error())
	} else {
		e.setStatus(action, ActionCompleted, "")
	}
	action.CompletedAt = e.clock.Now()
	e.publish(events.EventRecoveryCompleted, action)
	metrics.RecoveryActions.WithLabelValues(string(action.Type), string(action.Status)).Inc()
}

func (e *recoveryEngine) run(action *RecoveryAction, issue Issue) error {
	if e.handler == nil {
		return nil
	}
	switch action.Type {
	case RecoveryRestart:
		return e.handler.Restart(action.AgentID)
	case RecoveryFailover:
		target := e.failoverTarget(action.AgentID)
		if target == nil {
			return types.ErrNoEligibleAgents
		}
		action.Target = target.ID
		return e.handler.Failover(action.AgentID, target)
	case RecoveryScale:
		return e.handler.Scale(action.AgentID)
	case RecoveryThrottle:
		return e.handler.Throttle(action.AgentID)
	default:
		return e.handler.Alert(action.AgentID, issue.Message)
	}
}

// failoverTarget asks discovery for the best available agent other than
// the failing one.
func (e *recoveryEngine) failoverTarget(failing string) *types.Agent {
	if e.registry == nil {
		return nil
	}
	candidates := e.registry.Discover(registry.Query{
		Exclude:       []string{failing},
		AvailableOnly: true,
	})
	if len(candidates) == 0 {
		return nil
	}
	return candidates[0].Agent
}

func (e *recoveryEngine) setStatus(action *RecoveryAction, status ActionStatus, errMsg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	action.Status = status
	action.Error = errMsg
}

func (e *recoveryEngine) publish(eventType events.EventType, action *RecoveryAction) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{
		Type:    eventType,
		AgentID: action.AgentID,
		Message: string(action.Type),
		Metadata: map[string]string{
			"action_id": action.ID,
			"status":    string(action.Status),
			"issue":     string(action.Issue),
		},
	})
}

// Actions returns all recovery actions, newest first.
func (m *Monitor) Actions() []RecoveryAction {
	m.recovery.mu.Lock()
	defer m.recovery.mu.Unlock()

	out := make([]RecoveryAction, 0, len(m.recovery.actions))
	for _, a := range m.recovery.actions {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
