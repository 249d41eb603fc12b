package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mastiff-sec/mastiff/pkg/errdefs"
	"github.com/mastiff-sec/mastiff/pkg/types"
)

// UploadResponse is returned by the upload endpoint. AutoRun carries the
// run the dispatcher launched for this ingestion, when a rule matched.
type UploadResponse struct {
	Artifact  *types.Artifact `json:"artifact"`
	Duplicate bool            `json:"duplicate"`
	AutoRun   *types.ChainRun `json:"auto_run,omitempty"`
}

// ArtifactList wraps the artifact listing. Total counts every known
// artifact, not just the returned page.
type ArtifactList struct {
	Artifacts []*types.Artifact `json:"artifacts"`
	Total     int               `json:"total"`
}

// handleArtifactUpload ingests a multipart upload (field "file") and applies
// the auto-run rule for the detected type. Byte-identical re-uploads answer
// 200 with the existing record instead of 201.
func (s *Server) handleArtifactUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		fail(w, errdefs.InvalidInput("multipart field \"file\" is required: %v", err))
		return
	}
	defer file.Close()

	art, created, err := s.deps.Artifacts.Ingest(file, header.Filename)
	if err != nil {
		fail(w, err)
		return
	}

	// The dispatcher decides whether this ingestion starts a run; an
	// already-scanned duplicate does not fire again. A launch failure is
	// the dispatcher's to log; the ingestion itself already succeeded.
	run, _ := s.deps.Dispatcher.OnIngest(art)

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	respond(w, status, UploadResponse{
		Artifact:  art,
		Duplicate: !created,
		AutoRun:   run,
	})
}

// handleArtifactList serves the artifact catalog, optionally paged with
// ?page= (1-based) and ?size= query parameters. Listing order is stable
// (fingerprint order in both store backends), so pages do not shear.
func (s *Server) handleArtifactList(w http.ResponseWriter, r *http.Request) {
	page, size, err := pageParams(r)
	if err != nil {
		fail(w, err)
		return
	}

	artifacts, err := s.deps.Artifacts.List()
	if err != nil {
		fail(w, err)
		return
	}

	total := len(artifacts)
	if size > 0 {
		start := (page - 1) * size
		if start > total {
			start = total
		}
		end := start + size
		if end > total {
			end = total
		}
		artifacts = artifacts[start:end]
	}
	respond(w, http.StatusOK, ArtifactList{Artifacts: artifacts, Total: total})
}

// pageParams reads the optional page/size query parameters. Absent size
// means the full listing; page defaults to 1.
func pageParams(r *http.Request) (page, size int, err error) {
	page = 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		page, err = strconv.Atoi(raw)
		if err != nil || page < 1 {
			return 0, 0, errdefs.InvalidInput("page must be a positive integer, got %q", raw)
		}
	}
	if raw := r.URL.Query().Get("size"); raw != "" {
		size, err = strconv.Atoi(raw)
		if err != nil || size < 1 {
			return 0, 0, errdefs.InvalidInput("size must be a positive integer, got %q", raw)
		}
	}
	return page, size, nil
}

func (s *Server) handleArtifactGet(w http.ResponseWriter, r *http.Request) {
	art, err := s.deps.Artifacts.Open(chi.URLParam(r, "fingerprint"))
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, art)
}

func (s *Server) handleArtifactDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Artifacts.Remove(chi.URLParam(r, "fingerprint")); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, StatusBody{Status: "ok"})
}

// handleArtifactReport serves the assembled per-artifact view: metadata,
// the latest result per module, and the chain run history.
func (s *Server) handleArtifactReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Store.GetReport(chi.URLParam(r, "fingerprint"))
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, report)
}
