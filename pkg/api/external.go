package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mastiff-sec/mastiff/pkg/errdefs"
	"github.com/mastiff-sec/mastiff/pkg/types"
)

// handleExternalRegister joins an externally hosted module to the registry.
// Re-registering an existing external module refreshes its endpoint, so
// workers can simply register on every boot.
func (s *Server) handleExternalRegister(w http.ResponseWriter, r *http.Request) {
	var reg types.ExternalRegistration
	if err := decode(w, r, &reg); err != nil {
		fail(w, err)
		return
	}

	m, err := s.deps.Modules.RegisterExternal(&reg)
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusCreated, m)
}

// handleExternalFiles streams a slice of an artifact's extracted tree as a
// gzipped tar. The worker names the artifact with file_hash (the value it
// received in its task payload) and optionally narrows the archive with
// file_ids, a JSON array of tree-relative paths. No file_ids means the
// whole tree.
func (s *Server) handleExternalFiles(w http.ResponseWriter, r *http.Request) {
	moduleID := chi.URLParam(r, "moduleID")
	m, err := s.deps.Modules.Get(moduleID)
	if err != nil {
		fail(w, err)
		return
	}
	if m.Kind != types.ModuleKindExternal {
		fail(w, errdefs.InvalidInput("module %s is not external; internal modules read the shared mount", moduleID))
		return
	}

	fingerprint := r.URL.Query().Get("file_hash")
	if fingerprint == "" {
		fail(w, errdefs.InvalidInput("file_hash query parameter is required"))
		return
	}
	fileIDs, err := parseFileIDs(r.URL.Query()["file_ids"])
	if err != nil {
		fail(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", shortName(fingerprint)+".tar.gz"))

	// Missing artifacts and unknown paths surface before the first byte is
	// written, so they can still become proper error responses. Failures
	// after that can only cut the stream; the client's gzip check catches
	// the truncation.
	tw := &trackedWriter{ResponseWriter: w}
	if err := s.deps.Artifacts.Tarball(tw, fingerprint, fileIDs); err != nil {
		if !tw.wrote {
			fail(w, err)
			return
		}
		s.logger.Error().Err(err).
			Str("module_id", moduleID).
			Str("fingerprint", fingerprint).
			Msg("Artifact stream aborted mid-flight")
	}
}

// handleExternalResults ingests a finished task's result from an external
// module. Validation and the orphan decision live in the adapter; a 202
// only promises the result was accepted, not that it advanced a run.
func (s *Server) handleExternalResults(w http.ResponseWriter, r *http.Request) {
	var sub types.ResultSubmission
	if err := decode(w, r, &sub); err != nil {
		fail(w, err)
		return
	}

	if err := s.deps.Results.IngestResult(r.Context(), chi.URLParam(r, "moduleID"), &sub); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusAccepted, StatusBody{Status: "accepted"})
}

// parseFileIDs accepts the contract form (one JSON array of paths) and, for
// convenience, repeated plain values.
func parseFileIDs(values []string) ([]string, error) {
	var ids []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		switch {
		case v == "":
		case strings.HasPrefix(v, "["):
			var arr []string
			if err := json.Unmarshal([]byte(v), &arr); err != nil {
				return nil, errdefs.InvalidInput("file_ids must be a JSON array of paths: %v", err)
			}
			ids = append(ids, arr...)
		default:
			ids = append(ids, v)
		}
	}
	return ids, nil
}

func shortName(fingerprint string) string {
	if len(fingerprint) > 12 {
		return fingerprint[:12]
	}
	return fingerprint
}

// trackedWriter remembers whether the response body has been started.
type trackedWriter struct {
	http.ResponseWriter
	wrote bool
}

func (t *trackedWriter) Write(p []byte) (int, error) {
	t.wrote = true
	return t.ResponseWriter.Write(p)
}
