package monitor

import (
	"fmt"
	"sort"
	"time"

	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/types"
)

// SLAReport summarizes one agent's service level over the rolling
// period.
type SLAReport struct {
	AgentID      string
	Period       time.Duration
	Samples      int
	Availability float64 // non-offline fraction of checks
	P50          time.Duration
	P95          time.Duration
	P99          time.Duration
	// Throughput is completed tasks per hour within the period.
	Throughput float64
	Violated   bool
}

// RecordCompletion feeds a task completion into throughput accounting.
func (m *Monitor) RecordCompletion(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completions[agentID] = append(m.completions[agentID], m.clock.Now())
}

// SLA computes the rolling service level of one agent. With no in-period
// checks the report is empty and not violated.
func (m *Monitor) SLA(agentID string) SLAReport {
	report := SLAReport{AgentID: agentID, Period: m.cfg.SLAPeriod}

	checks := m.inPeriod(agentID)
	report.Samples = len(checks)
	if len(checks) == 0 {
		return report
	}

	up := 0
	responses := make([]time.Duration, 0, len(checks))
	for _, c := range checks {
		if c.AgentStatus != types.AgentOffline {
			up++
		}
		responses = append(responses, c.ResponseTime)
	}
	report.Availability = float64(up) / float64(len(checks))

	sort.Slice(responses, func(i, j int) bool { return responses[i] < responses[j] })
	report.P50 = percentile(responses, 0.50)
	report.P95 = percentile(responses, 0.95)
	report.P99 = percentile(responses, 0.99)

	report.Throughput = m.throughput(agentID)
	report.Violated = report.Availability < m.cfg.SLAAvailability

	if report.Violated {
		metrics.SLAViolations.Inc()
		log.WithAgent(agentID).Warn().
			Float64("availability", report.Availability).
			Msg("sla violated")
		if m.broker != nil {
			m.broker.Publish(&events.Event{
				Type:    events.EventSLAViolation,
				AgentID: agentID,
				Message: fmt.Sprintf("availability %.1f%% below %.1f%%",
					report.Availability*100, m.cfg.SLAAvailability*100),
			})
		}
	}
	return report
}

func (m *Monitor) inPeriod(agentID string) []Check {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.clock.Now().Add(-m.cfg.SLAPeriod)
	history := m.history[agentID]
	for i, c := range history {
		if c.Timestamp.After(cutoff) {
			return history[i:]
		}
	}
	return nil
}

// throughput counts in-period completions normalized to per-hour,
// pruning aged-out entries as a side effect.
func (m *Monitor) throughput(agentID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.clock.Now().Add(-m.cfg.SLAPeriod)
	kept := m.completions[agentID][:0]
	for _, at := range m.completions[agentID] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	m.completions[agentID] = kept
	return float64(len(kept)) / m.cfg.SLAPeriod.Hours()
}

// percentile takes the nearest-rank percentile of a sorted slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
