package api

import (
	"context"
	"net/http"
	"time"
)

// ReadyBody reports readiness with one line per dependency check.
type ReadyBody struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// handleHealth is the liveness probe. The response shape is part of the
// module contract (external workers poll it before registering), so it
// stays exactly {"status":"healthy"}.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, StatusBody{Status: "healthy"})
}

// handleReady reports whether the orchestrator can serve traffic: the state
// store and the queue plane both have to answer.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true

	if _, err := s.deps.Store.ListModules(); err != nil {
		checks["store"] = err.Error()
		ready = false
	} else {
		checks["store"] = "ok"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Queue.Ping(ctx); err != nil {
		checks["queue"] = err.Error()
		ready = false
	} else {
		checks["queue"] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}
	respond(w, status, ReadyBody{
		Status:    state,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
	})
}
