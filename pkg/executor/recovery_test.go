package executor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastiff-sec/mastiff/pkg/types"
)

// seedOpenRun writes the rows a crashed process would have left behind.
func seedOpenRun(t *testing.T, f *fixture, fp string, state types.RunState, steps ...types.ChainStep) *types.ChainRun {
	t.Helper()
	chain := &types.Chain{Name: "recovered-chain", Steps: steps}
	run := &types.ChainRun{
		ID:          uuid.New().String(),
		ChainName:   chain.Name,
		Chain:       chain,
		Fingerprint: fp,
		State:       state,
		Steps:       make([]types.StepOutcome, len(steps)),
		StartedAt:   time.Now().UTC().Add(-time.Minute),
	}
	for i, s := range steps {
		run.Steps[i] = types.StepOutcome{ModuleID: s.ModuleID, Status: types.StepPending}
	}
	require.NoError(t, f.store.CreateRun(run))
	return run
}

// seedOutstandingTask marks step i of the run as dispatched-but-unanswered.
func seedOutstandingTask(t *testing.T, f *fixture, run *types.ChainRun, i int) *types.Task {
	t.Helper()
	task := &types.Task{
		ID:          uuid.New().String(),
		Fingerprint: run.Fingerprint,
		ModuleID:    run.Chain.Steps[i].ModuleID,
		ChainRunID:  run.ID,
		StepIndex:   i,
		State:       types.TaskStateInFlight,
		EnqueuedAt:  time.Now().UTC().Add(-30 * time.Second),
	}
	require.NoError(t, f.store.CreateTask(task))

	run.Cursor = i
	run.Steps[i].TaskID = task.ID
	run.Steps[i].Status = types.StepInFlight
	run.Steps[i].StartedAt = task.EnqueuedAt
	require.NoError(t, f.store.UpdateRun(run))
	return task
}

func TestRecoverSettlesFromStoredResult(t *testing.T) {
	f := newFixture(t)
	f.addArtifact(t, "fp-1", types.ArtifactAPK)
	f.catalog.add("manifest-scan", types.ArtifactAPK)
	f.catalog.add("cert-inspector", types.ArtifactAPK)

	run := seedOpenRun(t, f, "fp-1", types.RunStateRunning,
		types.ChainStep{ModuleID: "manifest-scan", Order: 1},
		types.ChainStep{ModuleID: "cert-inspector", Order: 2},
	)
	task := seedOutstandingTask(t, f, run, 0)

	// The worker answered while the orchestrator was down: the result slot
	// already holds the task's answer.
	require.NoError(t, f.queue.PublishResult(context.Background(), "manifest-scan", &types.ModuleResult{
		TaskID:      task.ID,
		Fingerprint: "fp-1",
		Status:      types.ResultSuccess,
		Findings:    []types.Finding{{RuleID: "MAN-1", Severity: "INFO"}},
	}))

	// The second step runs live after recovery.
	startWorker(t, f.queue, "cert-inspector", func(p *types.TaskPayload) *types.ModuleResult {
		return successWith()
	})

	require.NoError(t, f.exec.Recover())

	final := waitRun(t, f.store, run.ID)
	assert.Equal(t, types.RunStateCompleted, final.State)
	assert.Equal(t, 2, final.Cursor)
	assert.Equal(t, types.StepCompleted, final.Steps[0].Status)
	assert.Equal(t, types.StepCompleted, final.Steps[1].Status)

	settled, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateCompleted, settled.State)

	result, err := f.store.GetResult("fp-1", "manifest-scan")
	require.NoError(t, err)
	assert.Equal(t, task.ID, result.TaskID)
	assert.False(t, result.Orphaned)
}

func TestRecoverReawaitsWithinGrace(t *testing.T) {
	f := newFixture(t)
	f.cfg.ResultGrace = 2 * time.Second
	f.addArtifact(t, "fp-1", types.ArtifactAPK)
	f.catalog.add("manifest-scan", types.ArtifactAPK)

	run := seedOpenRun(t, f, "fp-1", types.RunStateRunning,
		types.ChainStep{ModuleID: "manifest-scan", Order: 1},
	)
	task := seedOutstandingTask(t, f, run, 0)

	// The worker is still busy; its answer lands shortly after restart.
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = f.queue.PublishResult(context.Background(), "manifest-scan", &types.ModuleResult{
			TaskID:      task.ID,
			Fingerprint: "fp-1",
			Status:      types.ResultSuccess,
		})
	}()

	require.NoError(t, f.exec.Recover())

	final := waitRun(t, f.store, run.ID)
	assert.Equal(t, types.RunStateCompleted, final.State)
	assert.Equal(t, types.StepCompleted, final.Steps[0].Status)
}

func TestRecoverDeclaresLostAfterGrace(t *testing.T) {
	f := newFixture(t)
	f.cfg.ResultGrace = 150 * time.Millisecond
	f.addArtifact(t, "fp-1", types.ArtifactAPK)
	f.catalog.add("manifest-scan", types.ArtifactAPK)

	run := seedOpenRun(t, f, "fp-1", types.RunStateRunning,
		types.ChainStep{ModuleID: "manifest-scan", Order: 1},
	)
	task := seedOutstandingTask(t, f, run, 0)

	require.NoError(t, f.exec.Recover())

	final := waitRun(t, f.store, run.ID)
	assert.Equal(t, types.RunStateFailed, final.State)
	assert.Contains(t, final.Reason, "grace")
	assert.Equal(t, types.StepFailed, final.Steps[0].Status)
	assert.Equal(t, "lost", final.Steps[0].ErrorKind)

	// Lost tasks end timed_out so a straggling answer still files as orphan.
	after, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateTimedOut, after.State)
}

func TestRecoverModuleGoneFailsImmediately(t *testing.T) {
	f := newFixture(t)
	f.cfg.ResultGrace = 10 * time.Second
	f.addArtifact(t, "fp-1", types.ArtifactAPK)

	// The module was deregistered while the orchestrator was down.
	run := seedOpenRun(t, f, "fp-1", types.RunStateRunning,
		types.ChainStep{ModuleID: "vanished", Order: 1},
	)
	seedOutstandingTask(t, f, run, 0)

	started := time.Now()
	require.NoError(t, f.exec.Recover())

	final := waitRun(t, f.store, run.ID)
	assert.Equal(t, types.RunStateFailed, final.State)
	assert.Equal(t, "lost", final.Steps[0].ErrorKind)
	assert.Contains(t, final.Steps[0].Error, "disappeared")

	// No grace wait for a module that cannot answer.
	assert.Less(t, time.Since(started), 2*time.Second)
}

func TestRecoverPendingRunStartsFresh(t *testing.T) {
	f := newFixture(t)
	f.addArtifact(t, "fp-1", types.ArtifactAPK)
	f.catalog.add("manifest-scan", types.ArtifactAPK)

	startWorker(t, f.queue, "manifest-scan", func(p *types.TaskPayload) *types.ModuleResult {
		return successWith(types.Finding{RuleID: "MAN-1", Severity: "LOW"})
	})

	// Crashed between accepting the request and dispatching step one.
	run := seedOpenRun(t, f, "fp-1", types.RunStatePending,
		types.ChainStep{ModuleID: "manifest-scan", Order: 1},
	)

	require.NoError(t, f.exec.Recover())

	final := waitRun(t, f.store, run.ID)
	assert.Equal(t, types.RunStateCompleted, final.State)
	assert.Equal(t, types.StepCompleted, final.Steps[0].Status)
}

func TestRecoverSweepsStrayTasks(t *testing.T) {
	f := newFixture(t)
	f.addArtifact(t, "fp-1", types.ArtifactAPK)

	// A task row whose run already closed: crash window bookkeeping leak.
	closed := &types.ChainRun{
		ID:          "closed-run",
		ChainName:   "deep",
		Chain:       &types.Chain{Name: "deep", Steps: []types.ChainStep{{ModuleID: "analyzer", Order: 1}}},
		Fingerprint: "fp-1",
		State:       types.RunStateCompleted,
		Steps:       []types.StepOutcome{{ModuleID: "analyzer", Status: types.StepCompleted}},
		StartedAt:   time.Now().UTC().Add(-time.Hour),
		FinishedAt:  time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, f.store.CreateRun(closed))

	stray := &types.Task{
		ID:          "stray-task",
		Fingerprint: "fp-1",
		ModuleID:    "analyzer",
		ChainRunID:  "closed-run",
		StepIndex:   0,
		State:       types.TaskStateInFlight,
		EnqueuedAt:  time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, f.store.CreateTask(stray))

	require.NoError(t, f.exec.Recover())

	after, err := f.store.GetTask("stray-task")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateCancelled, after.State)

	// The closed run is untouched.
	run, err := f.store.GetRun("closed-run")
	require.NoError(t, err)
	assert.Equal(t, types.RunStateCompleted, run.State)
}

func TestRecoverWithNothingOpen(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.exec.Recover())
}
