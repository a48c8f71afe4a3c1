// Package coordinator ties the orchestration core together.
//
// The Coordinator runs the control loop: drain runnable tasks from the
// scheduler, discover capable agents, let the balancer pick one,
// execute through the Executor interface phase by phase, and feed
// results back into scheduling, agent performance, and the circuit
// breakers. A watchdog fails in-progress tasks that stop heartbeating.
//
// System is the submitter-facing facade: it wires every component at
// construction, restores persisted state, and exposes task and agent
// operations plus aggregate status.
package coordinator
