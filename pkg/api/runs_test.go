package api

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastiff-sec/mastiff/pkg/types"
)

// waitStepInFlight polls until the step at index i has been dispatched.
func (f *fixture) waitStepInFlight(t *testing.T, runID string, i int) *types.ChainRun {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var run types.ChainRun
		require.Equal(t, http.StatusOK, f.doJSON(t, http.MethodGet, "/v1/runs/"+runID, nil, &run))
		if len(run.Steps) > i && run.Steps[i].Status == types.StepInFlight && run.Steps[i].TaskID != "" {
			return &run
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("run %s step %d was never dispatched", runID, i)
	return nil
}

func TestRunSingleModule(t *testing.T) {
	f := newFixture(t)
	f.discoverModule(t, "scanner", scannerConfig)
	f.upModule(t, "scanner")

	payloads := make(chan *types.TaskPayload, 1)
	f.startWorker(t, "scanner", func(_ context.Context, p *types.TaskPayload) ([]types.Finding, error) {
		payloads <- p
		return []types.Finding{{
			RuleID:   "SCAN-001",
			Name:     "Hardcoded credential",
			Severity: "HIGH",
			Location: &types.Location{File: "src/main.go", StartLine: 3},
		}}, nil
	})

	_, up := f.upload(t, "app.zip", zipBytes(t, map[string]string{"src/main.go": "secret = 1"}))
	fp := up.Artifact.Fingerprint

	var run types.ChainRun
	code := f.doJSON(t, http.MethodPost, "/v1/runs", RunRequest{
		Module:      "scanner",
		Fingerprint: fp,
		Parameters:  map[string]string{"depth": "3"},
	}, &run)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "module:scanner", run.ChainName)
	require.Len(t, run.Steps, 1)

	final := f.waitRun(t, run.ID)
	assert.Equal(t, types.RunStateCompleted, final.State)
	assert.Equal(t, 1, final.Cursor)
	assert.Equal(t, types.StepCompleted, final.Steps[0].Status)

	var payload *types.TaskPayload
	select {
	case payload = <-payloads:
	case <-time.After(time.Second):
		t.Fatal("worker never saw the task")
	}
	assert.Equal(t, final.Steps[0].TaskID, payload.TaskID)
	assert.Equal(t, fp, payload.FileHash)
	assert.Equal(t, types.ArtifactZIP, payload.Data.FileType)
	assert.Equal(t, "3", payload.Data.Parameters["depth"])
	assert.NotEmpty(t, payload.Data.FolderPath)

	var report types.Report
	require.Equal(t, http.StatusOK,
		f.doJSON(t, http.MethodGet, "/v1/artifacts/"+fp+"/report", nil, &report))
	result := report.Modules["scanner"]
	require.NotNil(t, result)
	assert.Equal(t, types.ResultSuccess, result.Status)
	assert.False(t, result.Orphaned)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, "SCAN-001", result.Findings[0].RuleID)
	require.NotNil(t, result.Summary)
	assert.Equal(t, 1, result.Summary.TotalFindings)
	require.Len(t, report.ChainRuns, 1)
}

func TestRunChainWithSoftStep(t *testing.T) {
	f := newFixture(t)
	f.discoverModule(t, "scanner", scannerConfig)
	f.discoverModule(t, "analyzer", analyzerConfig)
	f.upModule(t, "scanner")
	f.upModule(t, "analyzer")

	f.startWorker(t, "scanner", func(context.Context, *types.TaskPayload) ([]types.Finding, error) {
		return nil, errors.New("ruleset corrupted")
	})
	f.startWorker(t, "analyzer", func(context.Context, *types.TaskPayload) ([]types.Finding, error) {
		return []types.Finding{{RuleID: "ANA-7", Name: "Weak cipher", Severity: "MEDIUM"}}, nil
	})

	def := types.Chain{
		Name: "deep",
		Steps: []types.ChainStep{
			{ModuleID: "scanner", Order: 1, Soft: true},
			{ModuleID: "analyzer", Order: 2},
		},
	}
	require.Equal(t, http.StatusCreated, f.doJSON(t, http.MethodPost, "/v1/chains", def, nil))

	_, up := f.upload(t, "app.zip", zipBytes(t, map[string]string{"a.go": "package a"}))

	var run types.ChainRun
	require.Equal(t, http.StatusCreated, f.doJSON(t, http.MethodPost, "/v1/runs",
		RunRequest{Chain: "deep", Fingerprint: up.Artifact.Fingerprint}, &run))

	// The soft first step records its failure and the chain keeps going.
	final := f.waitRun(t, run.ID)
	assert.Equal(t, types.RunStateCompleted, final.State)
	assert.Equal(t, types.StepFailed, final.Steps[0].Status)
	assert.Contains(t, final.Steps[0].Error, "ruleset corrupted")
	assert.Equal(t, types.StepCompleted, final.Steps[1].Status)

	var report types.Report
	require.Equal(t, http.StatusOK,
		f.doJSON(t, http.MethodGet, "/v1/artifacts/"+up.Artifact.Fingerprint+"/report", nil, &report))
	require.NotNil(t, report.Modules["scanner"])
	assert.Equal(t, types.ResultError, report.Modules["scanner"].Status)
	require.NotNil(t, report.Modules["analyzer"])
	assert.Equal(t, types.ResultSuccess, report.Modules["analyzer"].Status)
}

func TestRunRefusesIneligibleModule(t *testing.T) {
	f := newFixture(t)
	f.discoverModule(t, "scanner", scannerConfig)
	// Discovered but never built: the run starts, then fails validation.

	_, up := f.upload(t, "app.zip", zipBytes(t, map[string]string{"a": "b"}))

	var run types.ChainRun
	require.Equal(t, http.StatusCreated, f.doJSON(t, http.MethodPost, "/v1/runs",
		RunRequest{Module: "scanner", Fingerprint: up.Artifact.Fingerprint}, &run))

	final := f.waitRun(t, run.ID)
	assert.Equal(t, types.RunStateFailed, final.State)
	assert.Equal(t, types.StepFailed, final.Steps[0].Status)
	assert.NotEmpty(t, final.Reason)
}

func TestRunStartValidation(t *testing.T) {
	f := newFixture(t)
	f.discoverModule(t, "scanner", scannerConfig)

	_, up := f.upload(t, "app.zip", zipBytes(t, map[string]string{"a": "b"}))
	fp := up.Artifact.Fingerprint

	assert.Equal(t, http.StatusBadRequest, f.doJSON(t, http.MethodPost, "/v1/runs",
		RunRequest{Chain: "deep", Module: "scanner", Fingerprint: fp}, nil),
		"chain and module are mutually exclusive")
	assert.Equal(t, http.StatusBadRequest, f.doJSON(t, http.MethodPost, "/v1/runs",
		RunRequest{Fingerprint: fp}, nil),
		"one of chain or module is required")
	assert.Equal(t, http.StatusNotFound, f.doJSON(t, http.MethodPost, "/v1/runs",
		RunRequest{Module: "ghost", Fingerprint: fp}, nil))
	assert.Equal(t, http.StatusNotFound, f.doJSON(t, http.MethodPost, "/v1/runs",
		RunRequest{Chain: "ghost", Fingerprint: fp}, nil))
	assert.Equal(t, http.StatusNotFound, f.doJSON(t, http.MethodPost, "/v1/runs",
		RunRequest{Module: "scanner", Fingerprint: "ffffffffffff"}, nil))

	assert.Equal(t, http.StatusNotFound, f.doJSON(t, http.MethodGet, "/v1/runs/ghost", nil, nil))
}

func TestRunCancel(t *testing.T) {
	f := newFixture(t)
	f.discoverModule(t, "scanner", scannerConfig)
	f.upModule(t, "scanner")
	// No worker: the dispatched step waits until cancelled.

	_, up := f.upload(t, "app.zip", zipBytes(t, map[string]string{"a": "b"}))
	fp := up.Artifact.Fingerprint

	var run types.ChainRun
	require.Equal(t, http.StatusCreated, f.doJSON(t, http.MethodPost, "/v1/runs",
		RunRequest{Module: "scanner", Fingerprint: fp}, &run))
	f.waitStepInFlight(t, run.ID, 0)

	// The pair is claimed; a second run against it is refused.
	assert.Equal(t, http.StatusConflict, f.doJSON(t, http.MethodPost, "/v1/runs",
		RunRequest{Module: "scanner", Fingerprint: fp}, nil))

	assert.Equal(t, http.StatusAccepted,
		f.doJSON(t, http.MethodPost, "/v1/runs/"+run.ID+"/cancel", nil, nil))

	final := f.waitRun(t, run.ID)
	assert.Equal(t, types.RunStateCancelled, final.State)
	assert.Equal(t, types.StepCancelled, final.Steps[0].Status)

	assert.Equal(t, http.StatusConflict,
		f.doJSON(t, http.MethodPost, "/v1/runs/"+run.ID+"/cancel", nil, nil),
		"terminal runs reject cancellation")
	assert.Equal(t, http.StatusNotFound,
		f.doJSON(t, http.MethodPost, "/v1/runs/ghost/cancel", nil, nil))
}

func TestRunListFilters(t *testing.T) {
	f := newFixture(t)
	f.discoverModule(t, "scanner", scannerConfig)
	f.discoverModule(t, "analyzer", analyzerConfig)
	f.upModule(t, "scanner")
	f.upModule(t, "analyzer")

	f.startWorker(t, "scanner", func(context.Context, *types.TaskPayload) ([]types.Finding, error) {
		return nil, nil
	})

	_, upA := f.upload(t, "a.zip", zipBytes(t, map[string]string{"a": "a"}))
	_, upB := f.upload(t, "b.zip", zipBytes(t, map[string]string{"b": "b"}))

	var done types.ChainRun
	require.Equal(t, http.StatusCreated, f.doJSON(t, http.MethodPost, "/v1/runs",
		RunRequest{Module: "scanner", Fingerprint: upA.Artifact.Fingerprint}, &done))
	f.waitRun(t, done.ID)

	// No analyzer worker: this one stays open.
	var open types.ChainRun
	require.Equal(t, http.StatusCreated, f.doJSON(t, http.MethodPost, "/v1/runs",
		RunRequest{Module: "analyzer", Fingerprint: upB.Artifact.Fingerprint}, &open))
	f.waitStepInFlight(t, open.ID, 0)

	var list RunList
	require.Equal(t, http.StatusOK, f.doJSON(t, http.MethodGet, "/v1/runs", nil, &list))
	assert.Len(t, list.Runs, 2)

	require.Equal(t, http.StatusOK, f.doJSON(t, http.MethodGet,
		"/v1/runs?fingerprint="+upA.Artifact.Fingerprint, nil, &list))
	require.Len(t, list.Runs, 1)
	assert.Equal(t, done.ID, list.Runs[0].ID)

	require.Equal(t, http.StatusOK, f.doJSON(t, http.MethodGet, "/v1/runs?active=true", nil, &list))
	require.Len(t, list.Runs, 1)
	assert.Equal(t, open.ID, list.Runs[0].ID)
}

func TestAutoRunConfigValidation(t *testing.T) {
	f := newFixture(t)
	f.discoverModule(t, "scanner", scannerConfig)

	var cfg types.AutoRunConfig
	require.Equal(t, http.StatusOK, f.doJSON(t, http.MethodGet, "/v1/settings/autorun", nil, &cfg))
	assert.Equal(t, types.RuleNone, cfg.APK.Kind)
	assert.Equal(t, types.RuleNone, cfg.IPA.Kind)
	assert.Equal(t, types.RuleNone, cfg.ZIP.Kind)

	none := types.Rule{Kind: types.RuleNone}
	cases := []struct {
		name string
		in   types.AutoRunConfig
		want int
	}{
		{
			name: "unknown module target",
			in: types.AutoRunConfig{APK: none, IPA: none,
				ZIP: types.Rule{Kind: types.RuleModule, TargetID: "ghost"}},
			want: http.StatusNotFound,
		},
		{
			name: "unknown chain target",
			in: types.AutoRunConfig{APK: none, IPA: none,
				ZIP: types.Rule{Kind: types.RuleChain, TargetID: "ghost"}},
			want: http.StatusNotFound,
		},
		{
			name: "none takes no target",
			in: types.AutoRunConfig{APK: none, IPA: none,
				ZIP: types.Rule{Kind: types.RuleNone, TargetID: "scanner"}},
			want: http.StatusBadRequest,
		},
		{
			name: "missing kind",
			in: types.AutoRunConfig{IPA: none,
				ZIP: types.Rule{Kind: types.RuleModule, TargetID: "scanner"}},
			want: http.StatusBadRequest,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, f.doJSON(t, http.MethodPut, "/v1/settings/autorun", tc.in, nil))
		})
	}

	// Rejected updates never half-apply.
	require.Equal(t, http.StatusOK, f.doJSON(t, http.MethodGet, "/v1/settings/autorun", nil, &cfg))
	assert.Equal(t, types.RuleNone, cfg.ZIP.Kind)
}

func TestAutoRunOnUpload(t *testing.T) {
	f := newFixture(t)
	f.discoverModule(t, "scanner", scannerConfig)
	f.upModule(t, "scanner")
	f.startWorker(t, "scanner", func(context.Context, *types.TaskPayload) ([]types.Finding, error) {
		return []types.Finding{{RuleID: "SCAN-002", Name: "Debug flag", Severity: "LOW"}}, nil
	})

	none := types.Rule{Kind: types.RuleNone}
	cfg := types.AutoRunConfig{
		APK: none,
		IPA: none,
		ZIP: types.Rule{Kind: types.RuleModule, TargetID: "scanner"},
	}
	require.Equal(t, http.StatusOK, f.doJSON(t, http.MethodPut, "/v1/settings/autorun", cfg, nil))

	code, up := f.upload(t, "auto.zip", zipBytes(t, map[string]string{"m.go": "package m"}))
	require.Equal(t, http.StatusCreated, code)
	require.NotNil(t, up.AutoRun, "matching rule launches a run on ingestion")
	assert.Equal(t, "module:scanner", up.AutoRun.ChainName)

	final := f.waitRun(t, up.AutoRun.ID)
	assert.Equal(t, types.RunStateCompleted, final.State)

	// Re-uploading fully scanned bytes changes nothing; a fresh scan goes
	// through the runs endpoint.
	code, again := f.upload(t, "auto.zip", zipBytes(t, map[string]string{"m.go": "package m"}))
	require.Equal(t, http.StatusOK, code)
	assert.True(t, again.Duplicate)
	assert.Nil(t, again.AutoRun)
}
