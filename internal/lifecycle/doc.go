// Package lifecycle owns the life of jobs from submission to a terminal
// status.
//
// Overview
// The Controller creates the job record through the job store and
// dispatches one background execution per job. Executions are tracked by
// a WaitGroup and a registry of per-job cancel functions, which is how an
// abort reaches a running process. When no cancel function is known, for
// example after a restart, the abort falls back to the pid recorded in the
// job directory.
//
// Data flow:
//
//	Controller              jobstore.Storage         runner.Runner
//	    |                        |                        |
//	Submit -> Create ----------->| SUBMITTED              |
//	    | go Execute ----------------------------------->| RUNNING
//	    |                        |<-- stdout/stderr -----| chunks, Broker
//	    |                        |<-- FINISHED/FATAL ----| process exits
//	Abort -> AppendTimestamp --->| ABORTED (first wins)   |
//	    | cancel() ------------------------------------->| SIGTERM
//	                             |
//	                             +--> Broker: every status, under the job lock
//
// Invariants:
//   - Each created job is dispatched exactly once, never retried.
//   - The first terminal timestamp wins; later writers get model.ErrConflict.
//   - Status events reach subscribers in the order they were stored.
//   - Abort is accepted only while the job is SUBMITTED or RUNNING.
//   - Close aborts running jobs and waits for every execution.
package lifecycle
