/*
Package executor drives analysis chain runs from request to terminal state.

A run is an immutable snapshot of a chain (or a synthesized single-step chain
for a bare module request) bound to one artifact fingerprint. Each active run
is owned by exactly one driver goroutine that walks the snapshot step by
step: claim the (fingerprint, module) pair, enqueue a task, await the
correlated result, record the outcome, and advance or abort according to the
step failure policy. Every transition is persisted before the next one is
attempted, so a process restart resumes runs mid-step instead of losing them.

# Architecture

	┌──────────────────────── CHAIN EXECUTOR ────────────────────────┐
	│                                                                 │
	│  Start(req) ──► snapshot chain ──► persist run ──► driver       │
	│                                                      goroutine  │
	│                                                                 │
	│  ┌──────────────────── driver (one per run) ─────────────────┐ │
	│  │                                                            │ │
	│  │  for each step:                                            │ │
	│  │    eligibility check (registered + active + healthy        │ │
	│  │                       + accepts artifact type)             │ │
	│  │    acquire (fingerprint, module) pair  ◄── serializes      │ │
	│  │    create task row (queued)                concurrent runs │ │
	│  │    enqueue payload ──► module queue                        │ │
	│  │    task row → in_flight                                    │ │
	│  │    await result (correlated by task_id, bounded            │ │
	│  │                  by the step timeout)                      │ │
	│  │    persist result → task row final → release pair          │ │
	│  │    outcome: completed | failed | timed_out                 │ │
	│  │    policy:  soft step records and advances                 │ │
	│  │             hard step aborts the run                       │ │
	│  └────────────────────────────────────────────────────────────┘ │
	│                                                                 │
	│  WatchResults ──► stale arrivals persisted as orphans           │
	│  Recover      ──► reattach drivers to runs left open            │
	└─────────────────────────────────────────────────────────────────┘

# Core Components

Executor:
  - Start validates, snapshots, persists, and launches one driver per run
  - Cancel unblocks a driver and closes the run as cancelled; the abandoned
    task's eventual answer is kept as an orphan and never advances the run
  - Stop shuts drivers down without writing terminal states, leaving open
    runs in the store for the next process to recover
  - WatchResults consumes the result stream and files answers nobody awaits

Pair registry:
  - At most one non-final task per (fingerprint, module) across all runs
  - A driver whose step collides with another run's outstanding task waits
    its turn, bounded by the step timeout

Recovery:
  - Open runs found at startup get drivers again
  - An outstanding task consults the stored result slot first, then
    re-awaits within the configured grace window
  - A module that vanished across the restart, or a grace window that
    expires, declares the result lost; hard steps fail the run

# Result Correlation

Results correlate by task_id, never by position or timing. A result whose
task the executor is not awaiting (its step timed out, its run was
cancelled, or the task row has expired) is persisted with the orphan marker
so the late work stays visible in the artifact's report without ever
advancing a run. Duplicate deliveries of a settled task are dropped.

# Usage

Starting a chain against an ingested artifact:

	exec := executor.New(store, q, registry, adapter, broker, cfg)
	if err := exec.WatchResults(); err != nil {
		return err
	}
	if err := exec.Recover(); err != nil {
		return err
	}

	run, err := exec.Start(executor.Request{
		ChainName:   "android-deep-scan",
		Fingerprint: artifact.Fingerprint,
	})

Running a single module with parameters:

	run, err := exec.Start(executor.Request{
		ModuleID:    "cert-inspector",
		Fingerprint: artifact.Fingerprint,
		Parameters:  map[string]string{"depth": "3"},
	})

Cancelling:

	err := exec.Cancel(run.ID)

# Integration Points

This package integrates with:

  - pkg/queue: task enqueue, result await, and the result stream
  - pkg/storage: run, task, and result rows; recovery reads them back
  - pkg/registry: module eligibility at validation and at step boundaries
  - pkg/external: best-effort task notifications for external modules
  - pkg/events: run and step lifecycle notifications for the SSE feed
  - pkg/dispatch: auto-run rules call Start after ingestion

# Design Patterns

One Driver Per Run:
  - A run's state is only ever mutated by its own goroutine
  - Cancellation and shutdown reach the driver through context, and the
    driver distinguishes them by the handle's cancelled flag

Persist Before Advance:
  - The cursor only moves after the step's task row and outcome are final
  - A crash between transitions re-runs at-least-once; consumers de-dupe
    on task_id

Release After Write:
  - The pair is released only after the task row reaches a final state,
    so the stale-result reconciler always reads settled rows

# See Also

  - pkg/chain for the definitions runs snapshot
  - pkg/dispatch for the rules that start runs automatically
  - pkg/worker for the consumer side of the task queue contract
*/
package executor
