package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mastiff-sec/mastiff/pkg/errdefs"
	"github.com/mastiff-sec/mastiff/pkg/events"
	"github.com/mastiff-sec/mastiff/pkg/metrics"
	"github.com/mastiff-sec/mastiff/pkg/types"
)

// stepVerdict is what one step attempt means for the run.
type stepVerdict int

const (
	// stepAdvance moves the cursor to the next step.
	stepAdvance stepVerdict = iota
	// stepAbort terminates the run failed.
	stepAbort
	// stepSuspend leaves the run open for restart recovery (executor
	// shutdown interrupted the step).
	stepSuspend
	// stepCancelFinish terminates the run cancelled.
	stepCancelFinish
)

// drive owns one freshly started run from pending to termination.
func (e *Executor) drive(h *runHandle, artifact *types.Artifact) {
	defer e.wg.Done()
	defer close(h.done)
	defer e.forget(h.run.ID)

	e.begin(h, artifact)
}

// begin transitions the run to running, validates every step up front, and
// enters the step loop. Nothing is enqueued unless the whole chain is
// eligible right now; a single refusal fails the run with a per-step reason.
func (e *Executor) begin(h *runHandle, artifact *types.Artifact) {
	run := h.run
	logger := e.runLogger(run)

	run.State = types.RunStateRunning
	e.persistRun(run)
	metrics.RunsStarted.Inc()
	logger.Info().
		Str("chain", run.ChainName).
		Int("steps", len(run.Chain.Steps)).
		Str("type", string(artifact.DetectedType)).
		Msg("Run started")
	e.publishRunEvent(events.EventRunStarted, run,
		fmt.Sprintf("Chain %s started against %s", run.ChainName, shortFingerprint(run.Fingerprint)))

	if reasons := e.validateSteps(run, artifact.DetectedType); len(reasons) > 0 {
		e.finish(h, types.RunStateFailed, strings.Join(reasons, "; "))
		return
	}

	e.stepLoop(h, artifact)
}

// stepLoop walks the chain from the current cursor. The cursor only ever
// grows; every advance is persisted before the next step is attempted.
func (e *Executor) stepLoop(h *runHandle, artifact *types.Artifact) {
	run := h.run
	for run.Cursor < len(run.Chain.Steps) {
		verdict := e.runStep(h, artifact, run.Cursor)
		if !e.applyVerdict(h, verdict) {
			return
		}
	}
	e.finish(h, types.RunStateCompleted, "")
}

// applyVerdict folds one step verdict into the run and reports whether the
// step loop keeps going.
func (e *Executor) applyVerdict(h *runHandle, verdict stepVerdict) bool {
	run := h.run
	switch verdict {
	case stepAdvance:
		run.Cursor++
		e.persistRun(run)
		return true
	case stepAbort:
		e.finish(h, types.RunStateFailed, failReason(run))
	case stepCancelFinish:
		e.finish(h, types.RunStateCancelled, "cancelled by operator")
	case stepSuspend:
		logger := e.runLogger(run)
		logger.Info().Int("cursor", run.Cursor).Msg("Run suspended; recovery resumes it")
	}
	return false
}

// runStep executes the step at index i: eligibility, task composition,
// enqueue, await, settle.
func (e *Executor) runStep(h *runHandle, artifact *types.Artifact, i int) stepVerdict {
	run := h.run
	step := run.Chain.Steps[i]
	logger := e.stepLogger(run, i)

	// Eligibility is re-checked at every step boundary: a module that was
	// fine at validation time may have been deactivated, deregistered, or
	// gone unhealthy while earlier steps ran.
	module, err := e.catalog.Select(step.ModuleID, artifact.DetectedType)
	if err != nil {
		// A module that existed at validation time but is gone now is an
		// availability problem, not a bad request.
		if errdefs.IsNotFound(err) {
			err = errdefs.Unavailable("module %s deregistered mid-run", step.ModuleID)
		}
		return e.settleFailure(h, i, err, "")
	}

	taskID := uuid.New().String()
	timeout := e.stepTimeout(module, step)

	// Claim the (fingerprint, module) pair. Another run holding it makes us
	// wait our turn; the wait is bounded by the step timeout.
	claimCtx, cancelClaim := context.WithTimeout(h.ctx, timeout)
	err = e.tasks.Acquire(claimCtx, run.Fingerprint, step.ModuleID, taskID)
	cancelClaim()
	if err != nil {
		if verdict, interrupted := e.interruption(h); interrupted {
			return verdict
		}
		return e.settleFailure(h, i,
			errdefs.Timeout("module %s still busy with this artifact after %s", step.ModuleID, timeout), "")
	}
	defer e.tasks.Release(run.Fingerprint, step.ModuleID, taskID)

	task := &types.Task{
		ID:          taskID,
		Fingerprint: run.Fingerprint,
		ModuleID:    step.ModuleID,
		ChainRunID:  run.ID,
		StepIndex:   i,
		State:       types.TaskStateQueued,
		EnqueuedAt:  time.Now().UTC(),
	}
	if err := e.store.CreateTask(task); err != nil {
		return e.settleFailure(h, i, errdefs.Internal("failed to record task: %v", err), taskID)
	}

	payload := composePayload(task, artifact, step)
	if err := e.queue.Enqueue(h.ctx, step.ModuleID, payload); err != nil {
		e.finishTask(task, types.TaskStateFailed)
		if verdict, interrupted := e.interruption(h); interrupted {
			return verdict
		}
		return e.settleFailure(h, i, err, taskID)
	}
	metrics.TasksEnqueued.WithLabelValues(step.ModuleID).Inc()

	outcome := &run.Steps[i]
	outcome.TaskID = taskID
	outcome.Status = types.StepInFlight
	outcome.StartedAt = time.Now().UTC()
	e.persistRun(run)
	e.finishTask(task, types.TaskStateInFlight)

	logger.Info().Str("task_id", taskID).Dur("timeout", timeout).Msg("Step dispatched")
	e.publishStepEvent(events.EventStepStarted, run, i,
		fmt.Sprintf("Step %d (%s) dispatched", i+1, step.ModuleID))

	// External workers poll their queue like everyone else; the POST is a
	// courtesy wake-up and its failure is not the step's problem.
	if module.Kind == types.ModuleKindExternal && e.notifier != nil {
		go e.notifier.NotifyTask(e.ctx, module, payload)
	}

	awaitCtx, cancelAwait := context.WithTimeout(h.ctx, timeout)
	result, err := e.queue.AwaitResult(awaitCtx, step.ModuleID, run.Fingerprint, taskID)
	cancelAwait()
	if err != nil {
		if verdict, interrupted := e.interruption(h); interrupted {
			if verdict == stepCancelFinish {
				// The worker may still answer; the reconciler files that
				// answer as an orphan.
				e.finishTask(task, types.TaskStateCancelled)
			}
			return verdict
		}
		e.finishTask(task, types.TaskStateTimedOut)
		metrics.TaskDuration.WithLabelValues(step.ModuleID, "timeout").Observe(time.Since(task.EnqueuedAt).Seconds())
		logger.Warn().Str("task_id", taskID).Dur("timeout", timeout).Msg("Step timed out waiting for result")
		return e.settleFailure(h, i, errdefs.Timeout("no result from %s within %s", step.ModuleID, timeout), taskID)
	}

	return e.settleResult(h, i, task, result, logger)
}

// settleResult persists the worker's answer and folds it into the step
// outcome. The result is written exactly once, bookkeeping fields filled,
// before the task row goes final, so the stale-result reconciler can always
// trust the task state it reads.
func (e *Executor) settleResult(h *runHandle, i int, task *types.Task, result *types.ModuleResult, logger zerolog.Logger) stepVerdict {
	run := h.run
	outcome := &run.Steps[i]
	outcome.TaskID = task.ID

	result.ModuleID = task.ModuleID
	result.Fingerprint = run.Fingerprint
	result.Orphaned = false
	result.CompletedAt = time.Now().UTC()
	if result.Status == types.ResultSuccess && result.Summary == nil {
		result.Summary = types.Summarize(result.Findings)
	}
	if err := e.store.PutResult(result); err != nil {
		e.finishTask(task, types.TaskStateFailed)
		return e.settleFailure(h, i, errdefs.Internal("failed to persist result: %v", err), task.ID)
	}

	if e.broker != nil {
		e.broker.Publish(&events.Event{
			Type:    events.EventResultReceived,
			Message: fmt.Sprintf("Result from %s: %s", task.ModuleID, result.Status),
			Metadata: map[string]string{
				"run_id":      run.ID,
				"module_id":   task.ModuleID,
				"fingerprint": run.Fingerprint,
				"task_id":     task.ID,
			},
		})
	}

	if result.Status == types.ResultError {
		e.finishTask(task, types.TaskStateFailed)
		metrics.TaskDuration.WithLabelValues(task.ModuleID, "error").Observe(time.Since(task.EnqueuedAt).Seconds())
		logger.Warn().Str("task_id", task.ID).Str("error", truncate(result.Error, 200)).Msg("Module reported failure")
		return e.settleFailure(h, i, errdefs.WorkerFailed("%s", result.Error), task.ID)
	}

	e.finishTask(task, types.TaskStateCompleted)
	metrics.TaskDuration.WithLabelValues(task.ModuleID, "success").Observe(time.Since(task.EnqueuedAt).Seconds())

	outcome.Status = types.StepCompleted
	outcome.FinishedAt = time.Now().UTC()
	logger.Info().
		Str("task_id", task.ID).
		Int("findings", len(result.Findings)).
		Msg("Step completed")
	e.publishStepEvent(events.EventStepFinished, run, i,
		fmt.Sprintf("Step %d (%s) completed with %d findings", i+1, task.ModuleID, len(result.Findings)))
	return stepAdvance
}

// settleFailure records a failed or timed-out step and applies the step
// failure policy: soft steps record and advance, hard steps abort the run.
func (e *Executor) settleFailure(h *runHandle, i int, cause error, taskID string) stepVerdict {
	run := h.run
	step := run.Chain.Steps[i]
	outcome := &run.Steps[i]

	if taskID != "" {
		outcome.TaskID = taskID
	}
	outcome.Status = types.StepFailed
	if errdefs.IsTimeout(cause) {
		outcome.Status = types.StepTimedOut
	}
	outcome.ErrorKind = errdefs.Kind(cause)
	outcome.Error = cause.Error()
	outcome.FinishedAt = time.Now().UTC()

	e.publishStepEvent(events.EventStepFinished, run, i,
		fmt.Sprintf("Step %d (%s) %s: %v", i+1, step.ModuleID, outcome.Status, cause))

	if step.Soft {
		logger := e.stepLogger(run, i)
		logger.Warn().Err(cause).Msg("Soft step failed; run advances")
		return stepAdvance
	}
	return stepAbort
}

// settleLost closes a step whose task survived a restart with no result
// inside the grace window and no way to get one. The task row ends
// timed_out, not failed: an answer that straggles in later is then kept as
// an orphan instead of being dropped as a replay.
func (e *Executor) settleLost(h *runHandle, i int, task *types.Task, detail string) stepVerdict {
	run := h.run
	outcome := &run.Steps[i]

	e.finishTask(task, types.TaskStateTimedOut)
	outcome.TaskID = task.ID
	outcome.Status = types.StepFailed
	outcome.ErrorKind = "lost"
	outcome.Error = detail
	outcome.FinishedAt = time.Now().UTC()

	logger := e.stepLogger(run, i)
	logger.Warn().Str("task_id", task.ID).Msg("Step declared lost: " + detail)
	e.publishStepEvent(events.EventStepFinished, run, i,
		fmt.Sprintf("Step %d (%s) lost: %s", i+1, task.ModuleID, detail))

	if run.Chain.Steps[i].Soft {
		return stepAdvance
	}
	return stepAbort
}

// finish writes the run's terminal state. Unsettled steps are closed as
// skipped (or cancelled, when the run was), keeping the per-step record in
// the report complete.
func (e *Executor) finish(h *runHandle, state types.RunState, reason string) {
	run := h.run
	run.State = state
	run.Reason = reason
	run.FinishedAt = time.Now().UTC()

	mark := types.StepSkipped
	if state == types.RunStateCancelled {
		mark = types.StepCancelled
	}
	for i := range run.Steps {
		if stepSettled(run.Steps[i].Status) {
			continue
		}
		if run.Steps[i].Status == types.StepInFlight {
			run.Steps[i].FinishedAt = run.FinishedAt
		}
		run.Steps[i].Status = mark
	}
	e.persistRun(run)
	metrics.RunDuration.Observe(time.Since(run.StartedAt).Seconds())

	logger := e.runLogger(run)
	switch state {
	case types.RunStateCompleted:
		logger.Info().Dur("elapsed", time.Since(run.StartedAt)).Msg("Run completed")
		e.publishRunEvent(events.EventRunCompleted, run,
			fmt.Sprintf("Chain %s completed", run.ChainName))
	case types.RunStateFailed:
		logger.Warn().Str("reason", reason).Msg("Run failed")
		e.publishRunEvent(events.EventRunFailed, run,
			fmt.Sprintf("Chain %s failed: %s", run.ChainName, reason))
	case types.RunStateCancelled:
		logger.Info().Msg("Run cancelled")
		e.publishRunEvent(events.EventRunCancelled, run,
			fmt.Sprintf("Chain %s cancelled", run.ChainName))
	}
}

// validateSteps checks every step of the snapshot before anything is
// enqueued. Refusals are recorded on the failing steps and returned as
// per-step reasons.
func (e *Executor) validateSteps(run *types.ChainRun, fileType types.ArtifactType) []string {
	var reasons []string
	for i, step := range run.Chain.Steps {
		if _, err := e.catalog.Select(step.ModuleID, fileType); err != nil {
			outcome := &run.Steps[i]
			outcome.Status = types.StepFailed
			outcome.ErrorKind = errdefs.Kind(err)
			outcome.Error = err.Error()
			reasons = append(reasons, fmt.Sprintf("step %d (%s): %v", i+1, step.ModuleID, err))
		}
	}
	return reasons
}

// interruption distinguishes the two ways a blocked step call unblocks
// without an answer: operator cancellation and executor shutdown.
func (e *Executor) interruption(h *runHandle) (stepVerdict, bool) {
	if h.userCancelled() {
		return stepCancelFinish, true
	}
	select {
	case <-e.ctx.Done():
		return stepSuspend, true
	default:
		return 0, false
	}
}

// stepTimeout resolves the deadline for one step: an explicit timeout
// parameter on the step wins, then the module's own default, then the
// orchestrator-wide default.
func (e *Executor) stepTimeout(module *types.ModuleDescriptor, step types.ChainStep) time.Duration {
	if v, ok := step.Parameters["timeout"]; ok {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	if module.StepTimeout > 0 {
		return module.StepTimeout
	}
	return e.cfg.StepTimeout
}

// failReason renders the failing step's record for the run-level reason.
func failReason(run *types.ChainRun) string {
	if run.Cursor < len(run.Steps) {
		out := run.Steps[run.Cursor]
		return fmt.Sprintf("step %d (%s): %s", run.Cursor+1, out.ModuleID, out.Error)
	}
	return "step failure"
}

// composePayload builds the JSON document workers receive.
func composePayload(task *types.Task, artifact *types.Artifact, step types.ChainStep) *types.TaskPayload {
	idx := task.StepIndex
	return &types.TaskPayload{
		TaskID:      task.ID,
		FileHash:    task.Fingerprint,
		ChainTaskID: task.ChainRunID,
		StepIndex:   &idx,
		Data: types.TaskData{
			FolderPath: artifact.ExtractedRoot,
			FileType:   artifact.DetectedType,
			Platform:   types.Platform(artifact.DetectedType),
			Parameters: step.Parameters,
		},
	}
}

func (e *Executor) persistRun(run *types.ChainRun) {
	if err := e.store.UpdateRun(run); err != nil {
		logger := e.runLogger(run)
		logger.Error().Err(err).Msg("Failed to persist run state")
	}
}

func (e *Executor) finishTask(task *types.Task, state types.TaskState) {
	task.State = state
	if err := e.store.UpdateTask(task); err != nil {
		e.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to persist task state")
	}
}

func (e *Executor) runLogger(run *types.ChainRun) zerolog.Logger {
	return e.logger.With().
		Str("run_id", run.ID).
		Str("fingerprint", shortFingerprint(run.Fingerprint)).
		Logger()
}

func (e *Executor) stepLogger(run *types.ChainRun, i int) zerolog.Logger {
	return e.runLogger(run).With().
		Int("step", i+1).
		Str("module_id", run.Chain.Steps[i].ModuleID).
		Logger()
}

func (e *Executor) publishStepEvent(t events.EventType, run *types.ChainRun, i int, message string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{
		Type:    t,
		Message: message,
		Metadata: map[string]string{
			"run_id":    run.ID,
			"module_id": run.Chain.Steps[i].ModuleID,
			"step":      fmt.Sprintf("%d", i+1),
		},
	})
}
