package monitor

import (
	"fmt"
	"math"

	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/log"
)

// TrendDirection summarizes where a metric is heading.
type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendStable    TrendDirection = "stable"
	TrendDegrading TrendDirection = "degrading"
)

// TrendMetric names a tracked health metric.
type TrendMetric string

const (
	MetricResponseTime TrendMetric = "response_time"
	MetricErrorRate    TrendMetric = "error_rate"
	MetricLoad         TrendMetric = "load"
)

// Trend is the least-squares fit of one metric over the trend window.
type Trend struct {
	AgentID    string
	Metric     TrendMetric
	Direction  TrendDirection
	Slope      float64 // metric units per second
	Confidence float64 // |correlation coefficient| in [0,1]
}

// Significant reports whether the trend is strong enough to act on.
func (t Trend) Significant(minConfidence float64) bool {
	return t.Direction != TrendStable && t.Confidence > minConfidence
}

// slopeEpsilon filters numeric noise: slopes below this magnitude count
// as stable regardless of fit quality.
const slopeEpsilon = 1e-6

// detectTrends fits each metric per agent over the trend window and
// publishes significant degradations and recoveries.
func (m *Monitor) detectTrends() {
	for agentID := range m.snapshotHistory() {
		for _, trend := range m.Trends(agentID) {
			if !trend.Significant(m.cfg.TrendConfidence) {
				continue
			}
			log.WithAgent(agentID).Info().
				Str("metric", string(trend.Metric)).
				Str("direction", string(trend.Direction)).
				Float64("confidence", trend.Confidence).
				Msg("trend detected")
			if m.broker != nil {
				m.broker.Publish(&events.Event{
					Type:    events.EventTrendDetected,
					AgentID: agentID,
					Message: fmt.Sprintf("%s is %s", trend.Metric, trend.Direction),
					Metadata: map[string]string{
						"metric":     string(trend.Metric),
						"direction":  string(trend.Direction),
						"confidence": fmt.Sprintf("%.2f", trend.Confidence),
					},
				})
			}
		}
	}
}

func (m *Monitor) snapshotHistory() map[string][]Check {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]Check, len(m.history))
	for id, checks := range m.history {
		out[id] = checks
	}
	return out
}

// Trends computes the current trend of every metric for one agent. At
// least three in-window samples are required for a fit.
func (m *Monitor) Trends(agentID string) []Trend {
	checks := m.inWindow(agentID)
	if len(checks) < 3 {
		return nil
	}

	extract := map[TrendMetric]func(Check) float64{
		MetricResponseTime: func(c Check) float64 { return c.ResponseTime.Seconds() },
		MetricErrorRate:    func(c Check) float64 { return c.ErrorRate },
		MetricLoad:         func(c Check) float64 { return c.Load },
	}

	base := checks[0].Timestamp
	xs := make([]float64, len(checks))
	for i, c := range checks {
		xs[i] = c.Timestamp.Sub(base).Seconds()
	}

	trends := make([]Trend, 0, len(extract))
	for _, metric := range []TrendMetric{MetricResponseTime, MetricErrorRate, MetricLoad} {
		ys := make([]float64, len(checks))
		for i, c := range checks {
			ys[i] = extract[metric](c)
		}
		slope, r := leastSquares(xs, ys)
		trends = append(trends, Trend{
			AgentID:    agentID,
			Metric:     metric,
			Direction:  direction(slope),
			Slope:      slope,
			Confidence: math.Abs(r),
		})
	}
	return trends
}

func (m *Monitor) inWindow(agentID string) []Check {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.clock.Now().Add(-m.cfg.TrendWindow)
	history := m.history[agentID]
	for i, c := range history {
		if c.Timestamp.After(cutoff) {
			return history[i:]
		}
	}
	return nil
}

// direction maps the slope sign to a trend. All three tracked metrics
// are lower-is-better, so a positive slope degrades.
func direction(slope float64) TrendDirection {
	switch {
	case slope > slopeEpsilon:
		return TrendDegrading
	case slope < -slopeEpsilon:
		return TrendImproving
	default:
		return TrendStable
	}
}

// leastSquares returns the slope and Pearson correlation coefficient of
// the fit y = a + b*x.
func leastSquares(xs, ys []float64) (slope, r float64) {
	n := float64(len(xs))
	var sumX, sumY, sumXY, sumXX, sumYY float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
		sumYY += ys[i] * ys[i]
	}
	denomX := n*sumXX - sumX*sumX
	if denomX == 0 {
		return 0, 0
	}
	slope = (n*sumXY - sumX*sumY) / denomX

	denomY := n*sumYY - sumY*sumY
	if denomY <= 0 {
		// Constant series fit perfectly with zero slope.
		return slope, 0
	}
	r = (n*sumXY - sumX*sumY) / math.Sqrt(denomX*denomY)
	return slope, r
}
