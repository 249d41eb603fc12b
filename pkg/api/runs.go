package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mastiff-sec/mastiff/pkg/executor"
	"github.com/mastiff-sec/mastiff/pkg/types"
)

// RunRequest starts one run: a named chain or a bare module (executed as a
// single-step chain) against an ingested artifact. Exactly one of Chain and
// Module is set; Parameters apply to bare module runs only.
type RunRequest struct {
	Chain       string            `json:"chain,omitempty"`
	Module      string            `json:"module,omitempty"`
	Fingerprint string            `json:"fingerprint"`
	Parameters  map[string]string `json:"parameters,omitempty"`
}

// RunList wraps the run listing.
type RunList struct {
	Runs []*types.ChainRun `json:"runs"`
}

func (s *Server) handleRunStart(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, err)
		return
	}

	run, err := s.deps.Runs.Start(executor.Request{
		ChainName:   req.Chain,
		ModuleID:    req.Module,
		Fingerprint: req.Fingerprint,
		Parameters:  req.Parameters,
	})
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusCreated, run)
}

// handleRunList lists runs. ?fingerprint= narrows to one artifact,
// ?active=true to runs still open.
func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	var (
		runs []*types.ChainRun
		err  error
	)
	switch {
	case r.URL.Query().Get("fingerprint") != "":
		runs, err = s.deps.Store.ListRunsByArtifact(r.URL.Query().Get("fingerprint"))
	case r.URL.Query().Get("active") == "true":
		runs, err = s.deps.Store.ListActiveRuns()
	default:
		runs, err = s.deps.Store.ListRuns()
	}
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, RunList{Runs: runs})
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Store.GetRun(chi.URLParam(r, "runID"))
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, run)
}

// handleRunCancel requests cancellation. The run settles asynchronously;
// poll the run resource for the terminal state.
func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Runs.Cancel(chi.URLParam(r, "runID")); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusAccepted, StatusBody{Status: "cancelling"})
}
