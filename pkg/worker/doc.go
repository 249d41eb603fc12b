/*
Package worker implements the module side of the task queue contract.

A worker consumes exactly one module's queue: BRPOP the next task ID, fetch
its payload, hand it to the module's Handler, publish exactly one result
(success with findings, or error), and delete the consumed payload. A
parallel loop refreshes the module's heartbeat key so the registry's health
view stays current.

Internal module images link against this package; the orchestrator's
end-to-end tests run workers in-process against the same queue plane.

# Contract

	module:{id}:queue      ← BRPOP task IDs, FIFO
	task:{task_id}         ← payload fetch, deleted after publish
	result:{id}:{fp}       ← single atomic result publish
	heartbeat:module:{id}  ← refreshed at a third of the TTL

The publish is the exactly-once handoff: it is retried a few times, and if
it cannot be delivered the payload is retained so the orchestrator's step
timeout owns the failure. A handler panic reports an error result instead of
killing the loop.

# Usage

	w, err := worker.New(q, worker.Config{
		ModuleID: "manifest-scan",
		Handler: worker.HandlerFunc(func(ctx context.Context, p *types.TaskPayload) ([]types.Finding, error) {
			return scanManifest(p.Data.FolderPath)
		}),
	})
	if err != nil {
		return err
	}
	w.Start()
	defer w.Stop()

# See Also

  - pkg/queue for the key layout the worker consumes
  - pkg/executor for the orchestrator side awaiting the published result
*/
package worker
