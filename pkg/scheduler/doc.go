// Package scheduler implements priority-driven task selection.
//
// Tasks are admitted with hard dependency edges and scored by a weighted
// formula over base priority, queue age, deadline proximity, downstream
// impact, category history, and resource contention. Selection is
// peek-then-commit: Next and NextN only inspect the queue, Assign claims
// a task for an agent and reserves its resources. A periodic adjustment
// pass guards against starvation in fixed, adaptive, or quota mode.
package scheduler
