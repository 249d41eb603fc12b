package api

import (
	"net/http"

	"github.com/mastiff-sec/mastiff/pkg/types"
)

func (s *Server) handleAutoRunGet(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, s.deps.Dispatcher.AutoRun())
}

// handleAutoRunSet replaces the whole auto-run configuration. Validation is
// all-or-nothing: one bad rule rejects the update without touching the
// stored value.
func (s *Server) handleAutoRunSet(w http.ResponseWriter, r *http.Request) {
	var cfg types.AutoRunConfig
	if err := decode(w, r, &cfg); err != nil {
		fail(w, err)
		return
	}
	if err := s.deps.Dispatcher.SetAutoRun(&cfg); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, &cfg)
}
