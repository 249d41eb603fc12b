package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastiff-sec/mastiff/pkg/api"
	"github.com/mastiff-sec/mastiff/pkg/errdefs"
	"github.com/mastiff-sec/mastiff/pkg/types"
)

func serveJSON(t *testing.T, status int, payload any) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		require.NoError(t, json.NewEncoder(w).Encode(payload))
	}
}

func TestTypedRoundTrips(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/artifacts/cafe", serveJSON(t, http.StatusOK,
		types.Artifact{Fingerprint: "cafe", DetectedType: types.ArtifactAPK}))
	mux.HandleFunc("GET /v1/modules", serveJSON(t, http.StatusOK,
		api.ModuleList{Modules: []*types.ModuleDescriptor{{ID: "apkid"}, {ID: "semgrep"}}}))
	mux.HandleFunc("POST /v1/chains", func(w http.ResponseWriter, r *http.Request) {
		var in types.Chain
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "deep", in.Name)
		serveJSON(t, http.StatusCreated, in)(w, r)
	})
	mux.HandleFunc("POST /v1/runs", func(w http.ResponseWriter, r *http.Request) {
		var in api.RunRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "apkid", in.Module)
		serveJSON(t, http.StatusCreated, types.ChainRun{ID: "run-1", Fingerprint: in.Fingerprint})(w, r)
	})
	mux.HandleFunc("POST /v1/modules/apkid/start", serveJSON(t, http.StatusOK,
		api.StatusBody{Status: "ok"}))
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	c := New(ts.URL)
	ctx := context.Background()

	art, err := c.GetArtifact(ctx, "cafe")
	require.NoError(t, err)
	assert.Equal(t, types.ArtifactAPK, art.DetectedType)

	modules, err := c.ListModules(ctx)
	require.NoError(t, err)
	assert.Len(t, modules, 2)

	created, err := c.CreateChain(ctx, &types.Chain{Name: "deep",
		Steps: []types.ChainStep{{ModuleID: "apkid", Order: 1}}})
	require.NoError(t, err)
	assert.Equal(t, "deep", created.Name)

	run, err := c.StartRun(ctx, api.RunRequest{Module: "apkid", Fingerprint: "cafe"})
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID)

	require.NoError(t, c.StartModule(ctx, "apkid"))
}

func TestErrorTaxonomyRestored(t *testing.T) {
	cases := []struct {
		status int
		check  func(error) bool
		name   string
	}{
		{http.StatusBadRequest, errdefs.IsInvalidInput, "invalid input"},
		{http.StatusNotFound, errdefs.IsNotFound, "not found"},
		{http.StatusConflict, errdefs.IsIllegalState, "illegal state"},
		{http.StatusServiceUnavailable, errdefs.IsUnavailable, "unavailable"},
		{http.StatusGatewayTimeout, errdefs.IsTimeout, "timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(serveJSON(t, tc.status, api.ErrorBody{Error: "module ghost is not registered"}))
			t.Cleanup(ts.Close)

			err := New(ts.URL).Health(context.Background())
			require.Error(t, err)
			assert.True(t, tc.check(err))
			assert.Contains(t, err.Error(), "module ghost is not registered")
		})
	}

	// A non-JSON error body still yields a usable error.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway exploded", http.StatusBadGateway)
	}))
	t.Cleanup(ts.Close)
	err := New(ts.URL).Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestUploadStreamsMultipart(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/artifacts", r.URL.Path)

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "app.apk", header.Filename)

		content, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, "raw artifact bytes", string(content))

		serveJSON(t, http.StatusCreated, api.UploadResponse{
			Artifact: &types.Artifact{Fingerprint: "cafe", OriginalName: header.Filename},
		})(w, r)
	}))
	t.Cleanup(ts.Close)

	up, err := New(ts.URL).UploadArtifact(context.Background(), "app.apk",
		strings.NewReader("raw artifact bytes"))
	require.NoError(t, err)
	assert.Equal(t, "cafe", up.Artifact.Fingerprint)
	assert.False(t, up.Duplicate)
}

func TestWaitForRunPolls(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state := types.RunStateRunning
		if calls.Add(1) >= 3 {
			state = types.RunStateCompleted
		}
		serveJSON(t, http.StatusOK, types.ChainRun{ID: "run-1", State: state})(w, r)
	}))
	t.Cleanup(ts.Close)

	run, err := New(ts.URL).WaitForRun(context.Background(), "run-1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, types.RunStateCompleted, run.State)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestEventsStream(t *testing.T) {
	frames := []string{
		`{"type":"artifact.ingested","message":"Artifact a.zip ingested as zip","metadata":{"fingerprint":"cafe"}}`,
		`{"type":"run.completed","message":"Chain deep completed"}`,
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		// Comment lines and keepalives must not confuse the parser.
		fmt.Fprint(w, ": keepalive\n\n")
		for _, f := range frames {
			fmt.Fprintf(w, "event: x\ndata: %s\n\n", f)
		}
		flusher.Flush()
	}))
	t.Cleanup(ts.Close)

	events, err := New(ts.URL).Events(context.Background())
	require.NoError(t, err)

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "artifact.ingested", got[0].Type)
	assert.Equal(t, map[string]string{"fingerprint": "cafe"}, got[0].Metadata)
	assert.Equal(t, "run.completed", got[1].Type)
}
