/*
Package types defines the shared data model of the Drover orchestration
core: tasks with their lifecycle state machine, agents with capability and
capacity accounting, the typed metadata variant, and the error taxonomy
used across all subsystems.

Tasks move through a strict state machine:

	CREATED → QUEUED → ASSIGNED → IN_PROGRESS → {REVIEW|COMPLETED|FAILED|BLOCKED}
	BLOCKED → QUEUED (unblock)
	FAILED → QUEUED (retry) or terminal (retries exhausted)
	any non-terminal → CANCELLED

Illegal transitions are rejected with ErrIllegalTransition. Terminal states
are COMPLETED, CANCELLED, ARCHIVED, and FAILED with no retries left.

Errors are classified by kind (validation, conflict, not_found,
precondition, resource_exhausted, timeout, executor_failed, internal) so
that callers can route between synchronous reporting, retry with backoff,
and deferral without string matching. Use Kind(err) to classify and
errors.Is against the package sentinels to match.
*/
package types
