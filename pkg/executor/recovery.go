package executor

import (
	"context"
	"fmt"

	"github.com/mastiff-sec/mastiff/pkg/errdefs"
	"github.com/mastiff-sec/mastiff/pkg/types"
)

// Recover picks up every run a previous process left open and hands each one
// back to a driver goroutine. Outstanding tasks re-claim their
// (fingerprint, module) pair before the drivers start, so nothing can
// double-dispatch during the handover. Active tasks whose run is gone or
// already closed are swept shut.
//
// Call after WatchResults: late answers for tasks recovery declares lost go
// through the stale-result reconciler.
func (e *Executor) Recover() error {
	open, err := e.store.ListActiveRuns()
	if err != nil {
		return fmt.Errorf("failed to list open runs: %w", err)
	}

	active, err := e.store.ListActiveTasks()
	if err != nil {
		return fmt.Errorf("failed to list active tasks: %w", err)
	}
	outstanding := make(map[string]*types.Task, len(active))
	var strays []*types.Task
	for _, task := range active {
		if task.ChainRunID == "" {
			strays = append(strays, task)
			continue
		}
		outstanding[task.ChainRunID] = task
	}

	for _, run := range open {
		task := outstanding[run.ID]
		delete(outstanding, run.ID)

		e.mu.Lock()
		h := e.registerLocked(run)
		e.mu.Unlock()

		if task != nil {
			e.tasks.Claim(run.Fingerprint, task.ModuleID, task.ID)
		}

		e.wg.Add(1)
		go e.resume(h, task)
	}

	// Whatever is left points at a run that finished or vanished: a crash
	// window artifact. Close the rows; any late answer files as an orphan.
	strays = append(strays, tasksOf(outstanding)...)
	for _, task := range strays {
		e.finishTask(task, types.TaskStateCancelled)
		e.logger.Warn().
			Str("task_id", task.ID).
			Str("module_id", task.ModuleID).
			Str("run_id", task.ChainRunID).
			Msg("Closed stray task with no open run")
	}

	if len(open) > 0 {
		e.logger.Info().Int("runs", len(open)).Msg("Recovered open runs from previous process")
	}
	return nil
}

// resume continues one recovered run: settle whatever task was outstanding
// when the previous process died, then walk the remaining steps as usual.
func (e *Executor) resume(h *runHandle, outstanding *types.Task) {
	defer e.wg.Done()
	defer close(h.done)
	defer e.forget(h.run.ID)

	run := h.run
	logger := e.runLogger(run)

	artifact, err := e.store.GetArtifact(run.Fingerprint)
	if err != nil {
		if outstanding != nil {
			e.finishTask(outstanding, types.TaskStateCancelled)
			e.tasks.Release(run.Fingerprint, outstanding.ModuleID, outstanding.ID)
		}
		logger.Error().Err(err).Msg("Recovered run references a missing artifact")
		e.finish(h, types.RunStateFailed, "artifact record disappeared across restart")
		return
	}

	logger.Info().
		Str("chain", run.ChainName).
		Str("state", string(run.State)).
		Int("cursor", run.Cursor).
		Msg("Resuming run")

	if run.State == types.RunStatePending {
		// Died before the driver ever persisted progress; start from the top.
		e.begin(h, artifact)
		return
	}

	if outstanding != nil {
		verdict := e.settleOutstanding(h, outstanding)
		if !e.applyVerdict(h, verdict) {
			return
		}
	}
	e.stepLoop(h, artifact)
}

// settleOutstanding closes the task the previous process was awaiting. The
// result slot is consulted first, because the worker may have answered during
// the outage. A module that no longer exists cannot answer, so its task is
// lost immediately; otherwise the executor re-awaits within the grace window
// before declaring the result lost.
func (e *Executor) settleOutstanding(h *runHandle, task *types.Task) stepVerdict {
	run := h.run
	i := task.StepIndex
	logger := e.stepLogger(run, i)
	defer e.tasks.Release(run.Fingerprint, task.ModuleID, task.ID)

	if stored, err := e.queue.Result(e.ctx, task.ModuleID, run.Fingerprint); err == nil && stored.TaskID == task.ID {
		logger.Info().Str("task_id", task.ID).Msg("Result arrived while the orchestrator was down")
		return e.settleResult(h, i, task, stored, logger)
	}

	if _, err := e.catalog.Get(task.ModuleID); errdefs.IsNotFound(err) {
		logger.Warn().Str("task_id", task.ID).Msg("Module gone after restart; outstanding task cannot be answered")
		return e.settleLost(h, i, task, fmt.Sprintf("module %s disappeared across a restart", task.ModuleID))
	}

	grace := e.cfg.ResultGrace
	logger.Info().Str("task_id", task.ID).Dur("grace", grace).Msg("Re-awaiting outstanding task")
	awaitCtx, cancel := context.WithTimeout(h.ctx, grace)
	result, err := e.queue.AwaitResult(awaitCtx, task.ModuleID, run.Fingerprint, task.ID)
	cancel()
	if err != nil {
		if verdict, interrupted := e.interruption(h); interrupted {
			if verdict == stepCancelFinish {
				e.finishTask(task, types.TaskStateCancelled)
			}
			return verdict
		}
		return e.settleLost(h, i, task, fmt.Sprintf("no result within the %s post-restart grace window", grace))
	}
	return e.settleResult(h, i, task, result, logger)
}

func tasksOf(m map[string]*types.Task) []*types.Task {
	out := make([]*types.Task, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	return out
}
