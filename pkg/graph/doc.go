/*
Package graph maintains and analyzes the task dependency DAG.

Edges are directed and labeled with a constraint strength:

	hard — gates execution; the dependent cannot start until the
	       dependency completes
	soft — advises ordering; analyzed but never blocks
	hint — informational only

The hard-edge subgraph is acyclic at all observable times. AddEdge
rejects a hard edge that would close a hard cycle atomically, returning a
CycleError that names the full cycle path; the graph is left untouched.
Soft and hint cycles are permitted and reported as warnings by Validate.

# Analyses

All analyses are read-only and re-runnable after incremental mutation:

  - DetectCycles: Tarjan strongly-connected components in O(V+E), with
    per-cycle breaking points ranked by removal cost (hint=1, soft=5,
    hard=10)
  - TopologicalSort: Kahn's algorithm over hard edges in O(V+E),
    priority-aware within each frontier
  - CriticalPath: forward/backward pass computing early/late start and
    finish per node; zero-slack nodes form the critical path, and
    critical nodes whose effort exceeds 1.5x the mean are flagged as
    bottlenecks
  - ParallelGroups: BFS levels of the hard-edge DAG; nodes in the same
    group have no ordering constraints between them and are safe to run
    concurrently
  - Validate: structural report of errors (hard cycles, dangling edges)
    and warnings (orphans, fan-in above 8, chains deeper than 20)

Mutation is serialized by an internal mutex, so a Graph may be shared by
the scheduler and analysis callers without external locking.
*/
package graph
