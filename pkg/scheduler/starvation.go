package scheduler

import (
	"math"
	"sort"
	"time"

	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/types"
)

// Adjust runs one pass of periodic score maintenance: refreshing the
// critical-path set for the dependency-aware strategy and applying
// starvation protection to long-waiting queued tasks. The ticker in run
// calls this; tests call it directly with a manual clock.
func (s *Scheduler) Adjust() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Strategy == StrategyDependencyAware {
		s.refreshCriticalLocked()
	}

	switch s.cfg.StarvationMode {
	case StarvationNone:
	case StarvationFixed:
		s.applyFixedBoostLocked()
	case StarvationAdaptive:
		s.applyAdaptiveBoostLocked()
	case StarvationQuota:
		s.applyQuotaBoostLocked()
	}
}

func (s *Scheduler) refreshCriticalLocked() {
	result, err := s.graph.CriticalPath()
	if err != nil {
		log.WithComponent("scheduler").Warn().Err(err).Msg("critical path refresh failed")
		return
	}
	s.critical = make(map[string]bool, len(result.Critical))
	for _, id := range result.Critical {
		s.critical[id] = true
	}
}

// applyFixedBoostLocked grants the full boost to every queued task whose
// wait exceeds the starvation threshold.
func (s *Scheduler) applyFixedBoostLocked() {
	now := s.clock.Now()
	for _, task := range s.tasks {
		if task.Status != types.TaskQueued {
			continue
		}
		if now.Sub(task.QueuedAt) > s.cfg.MaxStarvationTime && s.boosts[task.ID] == 0 {
			s.boosts[task.ID] = s.cfg.MaxPriorityBoost
			metrics.StarvationBoosts.Inc()
			log.WithTask(task.ID).Debug().Float64("boost", s.cfg.MaxPriorityBoost).Msg("starvation boost applied")
		}
	}
}

// applyAdaptiveBoostLocked grants a boost proportional to wait time,
// capped at the configured maximum. Unlike fixed mode, the boost grows
// continuously rather than jumping at the threshold.
func (s *Scheduler) applyAdaptiveBoostLocked() {
	now := s.clock.Now()
	for _, task := range s.tasks {
		if task.Status != types.TaskQueued {
			continue
		}
		wait := now.Sub(task.QueuedAt)
		if wait <= 0 {
			continue
		}
		fraction := math.Min(1, float64(wait)/float64(s.cfg.MaxStarvationTime))
		boost := s.cfg.MaxPriorityBoost * fraction
		if boost > s.boosts[task.ID] {
			if s.boosts[task.ID] == 0 {
				metrics.StarvationBoosts.Inc()
			}
			s.boosts[task.ID] = boost
		}
	}
}

// applyQuotaBoostLocked boosts the oldest queued task of every origin
// whose share of recent assignments fell below the minimum quota.
func (s *Scheduler) applyQuotaBoostLocked() {
	now := s.clock.Now()
	oldest := make(map[string]*types.Task)
	for _, task := range s.tasks {
		if task.Status != types.TaskQueued || task.Origin == "" {
			continue
		}
		cur, ok := oldest[task.Origin]
		if !ok || task.QueuedAt.Before(cur.QueuedAt) {
			oldest[task.Origin] = task
		}
	}
	for origin, task := range oldest {
		if s.quota.share(origin, now) >= s.cfg.MinExecutionQuota {
			continue
		}
		if s.boosts[task.ID] < s.cfg.MaxPriorityBoost {
			s.boosts[task.ID] = s.cfg.MaxPriorityBoost
			metrics.StarvationBoosts.Inc()
			log.WithTask(task.ID).Debug().Str("origin", origin).Msg("quota boost applied")
		}
	}
}

// quotaTracker records assignment events per origin over a rolling
// window so quota-mode starvation prevention can compare throughput
// shares.
type quotaTracker struct {
	window  time.Duration
	entries []quotaEntry
}

type quotaEntry struct {
	origin string
	at     time.Time
}

func newQuotaTracker(window time.Duration) *quotaTracker {
	return &quotaTracker{window: window}
}

func (q *quotaTracker) record(origin string, at time.Time) {
	if origin == "" {
		return
	}
	q.entries = append(q.entries, quotaEntry{origin: origin, at: at})
}

// share returns the fraction of in-window assignments belonging to the
// origin. With no assignments at all the share is 1 so nothing boosts.
func (q *quotaTracker) share(origin string, now time.Time) float64 {
	q.prune(now)
	if len(q.entries) == 0 {
		return 1
	}
	count := 0
	for _, e := range q.entries {
		if e.origin == origin {
			count++
		}
	}
	return float64(count) / float64(len(q.entries))
}

func (q *quotaTracker) prune(now time.Time) {
	cutoff := now.Add(-q.window)
	i := sort.Search(len(q.entries), func(i int) bool {
		return q.entries[i].at.After(cutoff)
	})
	q.entries = q.entries[i:]
}
