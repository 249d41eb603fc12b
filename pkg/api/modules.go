package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mastiff-sec/mastiff/pkg/types"
)

// ModuleList wraps the module listing.
type ModuleList struct {
	Modules []*types.ModuleDescriptor `json:"modules"`
}

// ModuleStatus is the live container state probe for one internal module.
type ModuleStatus struct {
	ModuleID       string               `json:"module_id"`
	ContainerState types.ContainerState `json:"container_state"`
}

func (s *Server) handleModuleList(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, ModuleList{Modules: s.deps.Modules.List()})
}

func (s *Server) handleModuleGet(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Modules.Get(chi.URLParam(r, "moduleID"))
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, m)
}

// handleModuleStatus asks the runtime, not the cached descriptor, so the
// answer reflects containers that died behind the registry's back.
func (s *Server) handleModuleStatus(w http.ResponseWriter, r *http.Request) {
	moduleID := chi.URLParam(r, "moduleID")
	state, err := s.deps.Modules.Status(r.Context(), moduleID)
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, ModuleStatus{ModuleID: moduleID, ContainerState: state})
}

func (s *Server) handleModuleBuild(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.deps.Modules.Build)
}

func (s *Server) handleModuleStart(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.deps.Modules.Start)
}

func (s *Server) handleModuleStop(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.deps.Modules.Stop)
}

func (s *Server) handleModuleRebuild(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.deps.Modules.Rebuild)
}

// lifecycle runs one container transition and acknowledges it. The request
// context rides along so an impatient client can abandon a slow image pull
// without wedging the handler.
func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, moduleID string) error) {
	if err := op(r.Context(), chi.URLParam(r, "moduleID")); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, StatusBody{Status: "ok"})
}

func (s *Server) handleModuleActivate(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Modules.Activate(chi.URLParam(r, "moduleID")); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, StatusBody{Status: "ok"})
}

func (s *Server) handleModuleDeactivate(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Modules.Deactivate(chi.URLParam(r, "moduleID")); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, StatusBody{Status: "ok"})
}

// handleModuleDeregister removes an external module. Internal modules are
// owned by their config directories and refuse removal here.
func (s *Server) handleModuleDeregister(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Modules.DeregisterExternal(chi.URLParam(r, "moduleID")); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, StatusBody{Status: "ok"})
}
