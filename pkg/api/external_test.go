package api

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastiff-sec/mastiff/pkg/types"
)

// registerExternal joins a module with the given base URL and formats.
func (f *fixture) registerExternal(t *testing.T, id, baseURL string, cfg types.ModuleConfig) types.ModuleDescriptor {
	t.Helper()
	var m types.ModuleDescriptor
	code := f.doJSON(t, http.MethodPost, "/external-modules/register",
		types.ExternalRegistration{ModuleID: id, BaseURL: baseURL, Config: cfg}, &m)
	require.Equal(t, http.StatusCreated, code)
	return m
}

func TestExternalRegistration(t *testing.T) {
	f := newFixture(t)
	f.discoverModule(t, "scanner", scannerConfig)

	cases := []struct {
		name string
		in   types.ExternalRegistration
		want int
	}{
		{
			name: "missing module id",
			in:   types.ExternalRegistration{BaseURL: "http://mod.example"},
			want: http.StatusBadRequest,
		},
		{
			name: "missing base url",
			in:   types.ExternalRegistration{ModuleID: "cloud"},
			want: http.StatusBadRequest,
		},
		{
			name: "relative base url",
			in:   types.ExternalRegistration{ModuleID: "cloud", BaseURL: "/not/absolute"},
			want: http.StatusBadRequest,
		},
		{
			name: "id taken by internal module",
			in:   types.ExternalRegistration{ModuleID: "scanner", BaseURL: "http://mod.example"},
			want: http.StatusConflict,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want,
				f.doJSON(t, http.MethodPost, "/external-modules/register", tc.in, nil))
		})
	}

	m := f.registerExternal(t, "cloud", "http://mod.example/",
		types.ModuleConfig{Name: "Cloud", Version: "1.0.0"})
	assert.Equal(t, types.ModuleKindExternal, m.Kind)
	assert.True(t, m.Active)
	assert.True(t, m.Healthy)
	assert.Equal(t, "http://mod.example", m.BaseURL, "trailing slash trimmed")
	assert.Equal(t, "http://mod.example/operations/health", m.HealthcheckURL)
	// No declared formats means the module takes everything.
	assert.Len(t, m.InputFormats, 4)

	// Workers re-register on every boot; the endpoint refreshes in place.
	again := f.registerExternal(t, "cloud", "http://mod2.example",
		types.ModuleConfig{Name: "Cloud", Version: "1.1.0"})
	assert.Equal(t, "http://mod2.example", again.BaseURL)
	assert.Equal(t, "1.1.0", again.Version)

	var list ModuleList
	require.Equal(t, http.StatusOK, f.doJSON(t, http.MethodGet, "/v1/modules", nil, &list))
	assert.Len(t, list.Modules, 2, "refresh does not duplicate the module")
}

func TestExternalModuleRoundTrip(t *testing.T) {
	f := newFixture(t)

	// Stand-in for a deployed worker host; it records the wake-up call.
	notifyCh := make(chan *types.TaskPayload, 4)
	mux := http.NewServeMux()
	mux.HandleFunc("/operations/process", func(w http.ResponseWriter, r *http.Request) {
		var p types.TaskPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err == nil {
			notifyCh <- &p
		}
		w.WriteHeader(http.StatusOK)
	})
	moduleSrv := httptest.NewServer(mux)
	t.Cleanup(moduleSrv.Close)

	f.registerExternal(t, "cloud", moduleSrv.URL, types.ModuleConfig{
		Name:         "Cloud Analyzer",
		Version:      "3.2.0",
		InputFormats: []types.ArtifactType{types.ArtifactZIP},
	})

	_, up := f.upload(t, "app.zip", zipBytes(t, map[string]string{"inner.txt": "token=hunter2"}))
	fp := up.Artifact.Fingerprint

	var run types.ChainRun
	require.Equal(t, http.StatusCreated, f.doJSON(t, http.MethodPost, "/v1/runs",
		RunRequest{Module: "cloud", Fingerprint: fp}, &run))
	inFlight := f.waitStepInFlight(t, run.ID, 0)
	taskID := inFlight.Steps[0].TaskID

	select {
	case p := <-notifyCh:
		assert.Equal(t, taskID, p.TaskID)
		assert.Equal(t, fp, p.FileHash)
	case <-time.After(2 * time.Second):
		t.Fatal("module host never received the task notification")
	}

	// Worker-side file fetch: file_ids is a JSON array of tree paths.
	params := url.Values{}
	params.Set("file_hash", fp)
	params.Set("file_ids", `["inner.txt"]`)
	resp, err := http.Get(f.url("/external-modules/cloud/files?" + params.Encode()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/gzip", resp.Header.Get("Content-Type"))

	gz, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "inner.txt", hdr.Name)
	content, err := io.ReadAll(tr)
	require.NoError(t, err)
	assert.Equal(t, "token=hunter2", string(content))
	_, err = tr.Next()
	assert.ErrorIs(t, err, io.EOF, "archive holds only the requested file")

	// Worker-side result submission unblocks the awaiting run.
	sub := types.ResultSubmission{
		TaskID:   taskID,
		FileHash: fp,
		Results: types.ModuleResult{
			Status: types.ResultSuccess,
			Findings: []types.Finding{
				{RuleID: "CLOUD-001", Name: "Leaked API token", Severity: "HIGH"},
			},
		},
	}
	require.Equal(t, http.StatusAccepted,
		f.doJSON(t, http.MethodPost, "/external-modules/cloud/results", sub, nil))

	final := f.waitRun(t, run.ID)
	assert.Equal(t, types.RunStateCompleted, final.State)
	assert.Equal(t, types.StepCompleted, final.Steps[0].Status)

	var report types.Report
	require.Equal(t, http.StatusOK,
		f.doJSON(t, http.MethodGet, "/v1/artifacts/"+fp+"/report", nil, &report))
	result := report.Modules["cloud"]
	require.NotNil(t, result)
	assert.Equal(t, types.ResultSuccess, result.Status)
	assert.False(t, result.Orphaned)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, "CLOUD-001", result.Findings[0].RuleID)
}

func TestExternalFilesEndpoint(t *testing.T) {
	f := newFixture(t)
	f.discoverModule(t, "scanner", scannerConfig)
	f.registerExternal(t, "cloud", "http://127.0.0.1:9",
		types.ModuleConfig{Name: "Cloud", Version: "1.0.0"})

	_, up := f.upload(t, "app.zip", zipBytes(t, map[string]string{
		"inner.txt":   "one",
		"sub/two.txt": "two",
	}))
	fp := up.Artifact.Fingerprint

	get := func(t *testing.T, moduleID string, params url.Values) *http.Response {
		t.Helper()
		resp, err := http.Get(f.url("/external-modules/" + moduleID + "/files?" + params.Encode()))
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}
	withHash := func(pairs ...string) url.Values {
		params := url.Values{}
		params.Set("file_hash", fp)
		for i := 0; i < len(pairs); i += 2 {
			params.Set(pairs[i], pairs[i+1])
		}
		return params
	}

	// No file_ids ships the whole extracted tree.
	resp := get(t, "cloud", withHash())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	gz, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)
	names := map[string]bool{}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names[hdr.Name] = true
	}
	assert.True(t, names["inner.txt"])
	assert.True(t, names["sub/two.txt"])

	assert.Equal(t, http.StatusNotFound, get(t, "ghost", withHash()).StatusCode)
	assert.Equal(t, http.StatusBadRequest, get(t, "scanner", withHash()).StatusCode,
		"internal modules read the shared mount")
	assert.Equal(t, http.StatusBadRequest, get(t, "cloud", url.Values{}).StatusCode,
		"file_hash is required")

	unknown := withHash()
	unknown.Set("file_hash", "ffffffffffff")
	assert.Equal(t, http.StatusNotFound, get(t, "cloud", unknown).StatusCode)

	assert.Equal(t, http.StatusNotFound,
		get(t, "cloud", withHash("file_ids", `["nope.txt"]`)).StatusCode)
	assert.Equal(t, http.StatusBadRequest,
		get(t, "cloud", withHash("file_ids", `["broken`)).StatusCode)
	assert.Equal(t, http.StatusBadRequest,
		get(t, "cloud", withHash("file_ids", `["../evil"]`)).StatusCode,
		"escaping the tree is refused")
}

func TestExternalResultValidation(t *testing.T) {
	f := newFixture(t)
	f.discoverModule(t, "scanner", scannerConfig)
	f.registerExternal(t, "cloud", "http://127.0.0.1:9",
		types.ModuleConfig{Name: "Cloud", Version: "1.0.0", InputFormats: []types.ArtifactType{types.ArtifactZIP}})
	f.registerExternal(t, "other", "http://127.0.0.1:9",
		types.ModuleConfig{Name: "Other", Version: "1.0.0"})

	_, up := f.upload(t, "app.zip", zipBytes(t, map[string]string{"a": "b"}))
	fp := up.Artifact.Fingerprint

	var run types.ChainRun
	require.Equal(t, http.StatusCreated, f.doJSON(t, http.MethodPost, "/v1/runs",
		RunRequest{Module: "cloud", Fingerprint: fp}, &run))
	taskID := f.waitStepInFlight(t, run.ID, 0).Steps[0].TaskID

	ok := types.ModuleResult{Status: types.ResultSuccess}
	cases := []struct {
		name   string
		module string
		in     types.ResultSubmission
		want   int
	}{
		{
			name:   "missing task id",
			module: "cloud",
			in:     types.ResultSubmission{FileHash: fp, Results: ok},
			want:   http.StatusBadRequest,
		},
		{
			name:   "missing file hash",
			module: "cloud",
			in:     types.ResultSubmission{TaskID: taskID, Results: ok},
			want:   http.StatusBadRequest,
		},
		{
			name:   "unknown task",
			module: "cloud",
			in:     types.ResultSubmission{TaskID: "ghost", FileHash: fp, Results: ok},
			want:   http.StatusNotFound,
		},
		{
			name:   "unknown module",
			module: "ghost",
			in:     types.ResultSubmission{TaskID: taskID, FileHash: fp, Results: ok},
			want:   http.StatusNotFound,
		},
		{
			name:   "internal module",
			module: "scanner",
			in:     types.ResultSubmission{TaskID: taskID, FileHash: fp, Results: ok},
			want:   http.StatusBadRequest,
		},
		{
			name:   "task owned by another module",
			module: "other",
			in:     types.ResultSubmission{TaskID: taskID, FileHash: fp, Results: ok},
			want:   http.StatusBadRequest,
		},
		{
			name:   "mismatched artifact",
			module: "cloud",
			in:     types.ResultSubmission{TaskID: taskID, FileHash: "ffff", Results: ok},
			want:   http.StatusBadRequest,
		},
		{
			name:   "bogus status",
			module: "cloud",
			in: types.ResultSubmission{TaskID: taskID, FileHash: fp,
				Results: types.ModuleResult{Status: "maybe"}},
			want: http.StatusBadRequest,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want,
				f.doJSON(t, http.MethodPost, "/external-modules/"+tc.module+"/results", tc.in, nil))
		})
	}

	// The task is still live after all the rejections.
	require.Equal(t, http.StatusAccepted, f.doJSON(t, http.MethodPost, "/external-modules/cloud/results",
		types.ResultSubmission{TaskID: taskID, FileHash: fp, Results: ok}, nil))
	final := f.waitRun(t, run.ID)
	assert.Equal(t, types.RunStateCompleted, final.State)
}

func TestExternalLateResultStoredAsOrphan(t *testing.T) {
	f := newFixture(t)
	f.registerExternal(t, "cloud", "http://127.0.0.1:9", types.ModuleConfig{
		Name:         "Cloud",
		Version:      "1.0.0",
		InputFormats: []types.ArtifactType{types.ArtifactZIP},
		StepTimeout:  300 * time.Millisecond,
	})

	_, up := f.upload(t, "app.zip", zipBytes(t, map[string]string{"a": "b"}))
	fp := up.Artifact.Fingerprint

	var run types.ChainRun
	require.Equal(t, http.StatusCreated, f.doJSON(t, http.MethodPost, "/v1/runs",
		RunRequest{Module: "cloud", Fingerprint: fp}, &run))
	taskID := f.waitStepInFlight(t, run.ID, 0).Steps[0].TaskID

	// Nobody answers within the module's step timeout.
	final := f.waitRun(t, run.ID)
	require.Equal(t, types.RunStateFailed, final.State)
	assert.Equal(t, types.StepTimedOut, final.Steps[0].Status)

	// The worker finishes anyway. Its answer is kept but changes nothing.
	sub := types.ResultSubmission{
		TaskID:   taskID,
		FileHash: fp,
		Results: types.ModuleResult{
			Status:   types.ResultSuccess,
			Findings: []types.Finding{{RuleID: "LATE-1", Name: "Late finding", Severity: "LOW"}},
		},
	}
	require.Equal(t, http.StatusAccepted,
		f.doJSON(t, http.MethodPost, "/external-modules/cloud/results", sub, nil))

	var report types.Report
	require.Equal(t, http.StatusOK,
		f.doJSON(t, http.MethodGet, "/v1/artifacts/"+fp+"/report", nil, &report))
	result := report.Modules["cloud"]
	require.NotNil(t, result)
	assert.True(t, result.Orphaned)

	var after types.ChainRun
	require.Equal(t, http.StatusOK, f.doJSON(t, http.MethodGet, "/v1/runs/"+run.ID, nil, &after))
	assert.Equal(t, types.RunStateFailed, after.State, "orphans never advance a run")
}
