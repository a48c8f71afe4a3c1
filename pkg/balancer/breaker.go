package balancer

import (
	"sync"
	"time"

	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
)

// BreakerState is the tri-state of a per-agent circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// breaker tracks consecutive failures for one agent. Five consecutive
// failures open the circuit; after the cooldown a single probe is let
// through, and its outcome decides between closing and re-opening.
type breaker struct {
	state      BreakerState
	failures   int
	openedAt   time.Time
	probeInUse bool
}

// BreakerSnapshot is the persistable view of one breaker.
type BreakerSnapshot struct {
	State    BreakerState `json:"state"`
	Failures int          `json:"failures"`
	OpenedAt time.Time    `json:"opened_at"`
}

// BreakerSet manages the circuit breakers of all known agents.
type BreakerSet struct {
	mu               sync.Mutex
	clock            events.Clock
	failureThreshold int
	cooldown         time.Duration
	breakers         map[string]*breaker
}

// NewBreakerSet creates a breaker set with the given trip threshold and
// open-state cooldown.
func NewBreakerSet(failureThreshold int, cooldown time.Duration, clock events.Clock) *BreakerSet {
	if clock == nil {
		clock = events.SystemClock{}
	}
	return &BreakerSet{
		clock:            clock,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		breakers:         make(map[string]*breaker),
	}
}

// Eligible reports whether the agent could receive work right now,
// without touching breaker state. Selection uses it to filter
// candidates; only the winner claims the half-open probe slot through
// Allow.
func (bs *BreakerSet) Eligible(agentID string) bool {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	b := bs.get(agentID)
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		return bs.clock.Since(b.openedAt) >= bs.cooldown
	default: // half-open
		return !b.probeInUse
	}
}

// Allow reports whether the agent may receive work, claiming the probe
// slot when the breaker is recovering. In half-open state only the
// first caller gets the probe; everyone else is refused until the probe
// outcome arrives.
func (bs *BreakerSet) Allow(agentID string) bool {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	b := bs.get(agentID)
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if bs.clock.Since(b.openedAt) >= bs.cooldown {
			b.state = BreakerHalfOpen
			b.probeInUse = true
			bs.export(agentID, b)
			log.WithAgent(agentID).Debug().Msg("circuit breaker half-open, probing")
			return true
		}
		return false
	default: // half-open
		if b.probeInUse {
			return false
		}
		b.probeInUse = true
		return true
	}
}

// RecordSuccess closes the breaker and resets the failure count.
func (bs *BreakerSet) RecordSuccess(agentID string) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	b := bs.get(agentID)
	if b.state != BreakerClosed {
		log.WithAgent(agentID).Info().Msg("circuit breaker closed")
	}
	b.state = BreakerClosed
	b.failures = 0
	b.probeInUse = false
	bs.export(agentID, b)
}

// RecordFailure counts a failure; crossing the threshold, or failing the
// half-open probe, opens the breaker.
func (bs *BreakerSet) RecordFailure(agentID string) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	b := bs.get(agentID)
	b.failures++
	b.probeInUse = false
	if b.state == BreakerHalfOpen || b.failures >= bs.failureThreshold {
		if b.state != BreakerOpen {
			log.WithAgent(agentID).Warn().Int("failures", b.failures).Msg("circuit breaker opened")
		}
		b.state = BreakerOpen
		b.openedAt = bs.clock.Now()
	}
	bs.export(agentID, b)
}

// State returns the current breaker state for an agent.
func (bs *BreakerSet) State(agentID string) BreakerState {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.get(agentID).state
}

// Forget drops the breaker of a deregistered agent.
func (bs *BreakerSet) Forget(agentID string) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	delete(bs.breakers, agentID)
}

// Snapshot returns the persistable state of every breaker.
func (bs *BreakerSet) Snapshot() map[string]BreakerSnapshot {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	out := make(map[string]BreakerSnapshot, len(bs.breakers))
	for id, b := range bs.breakers {
		out[id] = BreakerSnapshot{State: b.state, Failures: b.failures, OpenedAt: b.openedAt}
	}
	return out
}

// Restore replaces breaker state from a snapshot. Half-open probes do
// not survive a restart; they reopen and wait out the cooldown again.
func (bs *BreakerSet) Restore(snapshot map[string]BreakerSnapshot) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	bs.breakers = make(map[string]*breaker, len(snapshot))
	for id, snap := range snapshot {
		state := snap.State
		if state == BreakerHalfOpen {
			state = BreakerOpen
		}
		b := &breaker{state: state, failures: snap.Failures, openedAt: snap.OpenedAt}
		bs.breakers[id] = b
		bs.export(id, b)
	}
}

func (bs *BreakerSet) get(agentID string) *breaker {
	b, ok := bs.breakers[agentID]
	if !ok {
		b = &breaker{state: BreakerClosed}
		bs.breakers[agentID] = b
	}
	return b
}

func (bs *BreakerSet) export(agentID string, b *breaker) {
	var v float64
	switch b.state {
	case BreakerHalfOpen:
		v = 1
	case BreakerOpen:
		v = 2
	}
	metrics.CircuitBreakerState.WithLabelValues(agentID).Set(v)
}
