package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mastiff-sec/mastiff/pkg/errdefs"
	"github.com/mastiff-sec/mastiff/pkg/types"
)

// ChainList wraps the chain listing.
type ChainList struct {
	Chains []*types.Chain `json:"chains"`
}

func (s *Server) handleChainList(w http.ResponseWriter, r *http.Request) {
	chains, err := s.deps.Chains.List()
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, ChainList{Chains: chains})
}

// handleChainCreate persists a new chain. The response carries the stored
// definition, with step order normalized to 1..N.
func (s *Server) handleChainCreate(w http.ResponseWriter, r *http.Request) {
	var c types.Chain
	if err := decode(w, r, &c); err != nil {
		fail(w, err)
		return
	}
	if err := s.deps.Chains.Create(&c); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusCreated, &c)
}

func (s *Server) handleChainGet(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Chains.Get(chi.URLParam(r, "name"))
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, c)
}

func (s *Server) handleChainUpdate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var c types.Chain
	if err := decode(w, r, &c); err != nil {
		fail(w, err)
		return
	}
	if c.Name == "" {
		c.Name = name
	}
	if c.Name != name {
		fail(w, errdefs.InvalidInput("chain name %q does not match path %q", c.Name, name))
		return
	}
	if err := s.deps.Chains.Update(&c); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, &c)
}

func (s *Server) handleChainDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Chains.Delete(chi.URLParam(r, "name")); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, StatusBody{Status: "ok"})
}
