/*
Package external adapts externally hosted analysis modules to the task queue
contract.

External modules live outside the orchestrator's container runtime and speak
HTTP. They poll their own module queue exactly like internal workers; this
package adds the three edges that polling cannot cover:

  - Task notification: a best-effort POST to {base_url}/operations/process
    carrying the task payload, so push-style workers wake immediately. A
    per-module circuit breaker stops hammering endpoints that are down.
    The queue remains the source of truth; a lost notification only delays
    a poll.
  - Result ingestion: POST /external-modules/{id}/results submissions are
    validated (module registered and external, task known and owned by the
    module, fingerprint matches, artifact exists) and then filed: live tasks
    unblock the awaiting executor through the result slot, tasks already in
    a final state are stored as orphans and advance nothing.
  - File provisioning is served by pkg/api directly from the artifact
    store's Tarball.

# Usage

	adapter := external.NewAdapter(store, q, registry, broker, cfg.External.NotifyTimeout)

	// Executor wiring: adapter satisfies executor.Notifier.
	exec := executor.New(store, q, registry, adapter, broker, cfg)

	// API wiring for submissions:
	err := adapter.IngestResult(ctx, moduleID, &submission)

# See Also

  - pkg/registry for external module registration and health probing
  - pkg/executor for what happens when the published result is awaited
*/
package external
