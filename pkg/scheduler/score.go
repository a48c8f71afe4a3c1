package scheduler

import (
	"math"

	"github.com/droverhq/drover/pkg/types"
)

// Score computes the dynamic priority score of a task under the
// configured strategy. Scores are transient view state: they are
// recomputed on admission, on periodic adjustment, and on starvation
// boosts, never stored on the task.
//
//	score = w_p*P + w_a*A(age) + w_d*D(deadline) + w_i*I(dependents)
//	      + w_h*H(successRate) - w_r*R(contention) + boost
func (s *Scheduler) score(task *types.Task) float64 {
	w := s.cfg.Weights
	base := priorityFactor(task.BasePriority)

	if s.cfg.Strategy == StrategyStatic {
		return w.Priority*base + s.boosts[task.ID]
	}

	now := s.clock.Now()

	// Age counts from admission, not from the last (re)queue, so a
	// retried task keeps its seniority.
	age := ageFactor(now.Sub(task.CreatedAt).Seconds(), s.cfg.AgeWindow.Seconds())

	deadline := 0.0
	if task.Deadline != nil {
		deadline = deadlineFactor(task.Deadline.Sub(now).Seconds(), s.cfg.DeadlineWindow.Seconds())
	}

	impact := impactFactor(len(s.graph.TransitiveDependents(task.ID)))

	history := s.categorySuccess(task.Category)

	contentionWeight := w.Contention
	if s.cfg.Strategy == StrategyWorkloadAdaptive {
		// Penalize contended resources harder as the system fills up.
		contentionWeight *= 1 + s.resources.load()
	}
	contention := s.resources.contention(task.RequiredResources)

	score := w.Priority*base +
		w.Age*age +
		w.Deadline*deadline +
		w.Impact*impact +
		w.History*history -
		contentionWeight*contention

	if s.cfg.Strategy == StrategyDependencyAware && s.critical[task.ID] {
		score += w.Impact * criticalPathBonus
	}

	return score + s.boosts[task.ID]
}

// criticalPathBonus is the extra impact-weighted score a task receives
// for sitting on the current critical path.
const criticalPathBonus = 0.5

// priorityFactor maps the priority band into (0,1].
func priorityFactor(p types.Priority) float64 {
	return float64(p) / float64(types.PriorityCritical)
}

// ageFactor is zero for zero wait, concave, and saturates at 1 once the
// wait reaches the age window.
func ageFactor(waitSec, windowSec float64) float64 {
	if waitSec <= 0 || windowSec <= 0 {
		return 0
	}
	return math.Sqrt(math.Min(waitSec/windowSec, 1))
}

// deadlineFactor ramps from 0 to 1 as the deadline approaches over the
// window; overdue deadlines clamp at 1.
func deadlineFactor(remainingSec, windowSec float64) float64 {
	if windowSec <= 0 {
		return 0
	}
	return math.Max(0, math.Min(1, 1-remainingSec/windowSec))
}

// impactFactor is monotone in the transitive dependent count and bounded
// below 1.
func impactFactor(dependents int) float64 {
	return float64(dependents) / (float64(dependents) + 5)
}

// categorySuccess returns the observed success rate for a task category,
// defaulting to neutral when no outcomes have been recorded yet.
func (s *Scheduler) categorySuccess(category types.TaskCategory) float64 {
	if stats, ok := s.categoryStats[category]; ok && stats.total > 0 {
		return float64(stats.succeeded) / float64(stats.total)
	}
	return 1.0
}

type categoryOutcome struct {
	succeeded int
	total     int
}

func (s *Scheduler) recordCategoryOutcome(category types.TaskCategory, success bool) {
	stats := s.categoryStats[category]
	stats.total++
	if success {
		stats.succeeded++
	}
	s.categoryStats[category] = stats
}
