package balancer

import (
	"sort"

	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/types"
)

// Move proposes relocating one task between agents.
type Move struct {
	TaskID string
	From   string
	To     string
}

// Rebalance compares agent loads and proposes moving work off overloaded
// agents onto underutilized ones. Only not-yet-started (ASSIGNED) tasks
// move; with preemption enabled, CRITICAL tasks stranded on an
// overloaded agent may be moved even after starting. The proposals are
// advisory: applying them is the coordinator's job.
func (b *Balancer) Rebalance(agents []*types.Agent, assigned map[string][]*types.Task) []Move {
	var overloaded, underloaded []*types.Agent
	for _, agent := range agents {
		switch {
		case agent.Load() > b.cfg.OverloadThreshold:
			overloaded = append(overloaded, agent)
		case agent.Load() < b.cfg.UnderloadThreshold && agent.Available() && b.breakers.Allow(agent.ID):
			underloaded = append(underloaded, agent)
		}
	}
	if len(overloaded) == 0 || len(underloaded) == 0 {
		return nil
	}
	sort.Slice(overloaded, func(i, j int) bool { return overloaded[i].Load() > overloaded[j].Load() })
	sort.Slice(underloaded, func(i, j int) bool { return underloaded[i].Load() < underloaded[j].Load() })

	headroom := make(map[string]int, len(underloaded))
	for _, agent := range underloaded {
		headroom[agent.ID] = agent.Headroom()
	}

	var moves []Move
	for _, donor := range overloaded {
		for _, task := range b.movable(assigned[donor.ID]) {
			target := pickTarget(underloaded, headroom)
			if target == nil {
				return moves
			}
			moves = append(moves, Move{TaskID: task.ID, From: donor.ID, To: target.ID})
			headroom[target.ID]--
			metrics.RebalanceMoves.Inc()
			b.publishMove(task.ID, donor.ID, target.ID)
		}
	}
	return moves
}

func (b *Balancer) movable(tasks []*types.Task) []*types.Task {
	var out []*types.Task
	for _, task := range tasks {
		switch task.Status {
		case types.TaskAssigned:
			out = append(out, task)
		case types.TaskInProgress:
			if b.cfg.PreemptionEnabled && task.BasePriority == types.PriorityCritical {
				out = append(out, task)
			}
		}
	}
	return out
}

func pickTarget(underloaded []*types.Agent, headroom map[string]int) *types.Agent {
	for _, agent := range underloaded {
		if headroom[agent.ID] > 0 {
			return agent
		}
	}
	return nil
}

func (b *Balancer) publishMove(taskID, from, to string) {
	log.WithTask(taskID).Info().Str("from", from).Str("to", to).Msg("rebalance move proposed")
	if b.broker == nil {
		return
	}
	b.broker.Publish(&events.Event{
		Type:    events.EventLoadBalanced,
		TaskID:  taskID,
		AgentID: to,
		Message: "task moved from " + from,
		Metadata: map[string]string{
			"from": from,
			"to":   to,
		},
	})
}
