package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/mastiff-sec/mastiff/pkg/artifact"
	"github.com/mastiff-sec/mastiff/pkg/chain"
	"github.com/mastiff-sec/mastiff/pkg/dispatch"
	"github.com/mastiff-sec/mastiff/pkg/events"
	"github.com/mastiff-sec/mastiff/pkg/executor"
	"github.com/mastiff-sec/mastiff/pkg/external"
	"github.com/mastiff-sec/mastiff/pkg/log"
	"github.com/mastiff-sec/mastiff/pkg/metrics"
	"github.com/mastiff-sec/mastiff/pkg/queue"
	"github.com/mastiff-sec/mastiff/pkg/registry"
	"github.com/mastiff-sec/mastiff/pkg/storage"
)

// Deps bundles the components the HTTP layer serves. Every field is
// required; the server panics on nil dependencies rather than limping
// along with a partial surface.
type Deps struct {
	Store      storage.Store
	Queue      queue.Queue
	Artifacts  *artifact.Store
	Modules    *registry.Registry
	Chains     *chain.Definitions
	Runs       *executor.Executor
	Dispatcher *dispatch.Dispatcher
	Results    *external.Adapter
	Broker     *events.Broker
}

func (d Deps) check() {
	switch {
	case d.Store == nil:
		panic("api: Deps.Store is required")
	case d.Queue == nil:
		panic("api: Deps.Queue is required")
	case d.Artifacts == nil:
		panic("api: Deps.Artifacts is required")
	case d.Modules == nil:
		panic("api: Deps.Modules is required")
	case d.Chains == nil:
		panic("api: Deps.Chains is required")
	case d.Runs == nil:
		panic("api: Deps.Runs is required")
	case d.Dispatcher == nil:
		panic("api: Deps.Dispatcher is required")
	case d.Results == nil:
		panic("api: Deps.Results is required")
	case d.Broker == nil:
		panic("api: Deps.Broker is required")
	}
}

// Server is the HTTP control plane: the operator-facing v1 API plus the
// fixed surface external module workers consume.
type Server struct {
	deps   Deps
	logger zerolog.Logger
	http   *http.Server
}

// NewServer creates the API server over its dependencies.
func NewServer(deps Deps) *Server {
	deps.check()
	return &Server{
		deps:   deps,
		logger: log.WithComponent("api"),
	}
}

// Router assembles the full route table. Exposed so tests and embedding
// callers can mount the handler without binding a socket.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Surface consumed by external module workers. Paths, query parameters
	// and body shapes are part of the module contract; changing any of them
	// breaks deployed modules.
	r.Route("/external-modules", func(r chi.Router) {
		r.Post("/register", s.handleExternalRegister)
		r.Get("/{moduleID}/files", s.handleExternalFiles)
		r.Post("/{moduleID}/results", s.handleExternalResults)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Route("/artifacts", func(r chi.Router) {
			r.Post("/", s.handleArtifactUpload)
			r.Get("/", s.handleArtifactList)
			r.Get("/{fingerprint}", s.handleArtifactGet)
			r.Delete("/{fingerprint}", s.handleArtifactDelete)
			r.Get("/{fingerprint}/report", s.handleArtifactReport)
		})

		r.Route("/modules", func(r chi.Router) {
			r.Get("/", s.handleModuleList)
			r.Get("/{moduleID}", s.handleModuleGet)
			r.Delete("/{moduleID}", s.handleModuleDeregister)
			r.Get("/{moduleID}/status", s.handleModuleStatus)
			r.Post("/{moduleID}/build", s.handleModuleBuild)
			r.Post("/{moduleID}/start", s.handleModuleStart)
			r.Post("/{moduleID}/stop", s.handleModuleStop)
			r.Post("/{moduleID}/rebuild", s.handleModuleRebuild)
			r.Post("/{moduleID}/activate", s.handleModuleActivate)
			r.Post("/{moduleID}/deactivate", s.handleModuleDeactivate)
		})

		r.Route("/chains", func(r chi.Router) {
			r.Get("/", s.handleChainList)
			r.Post("/", s.handleChainCreate)
			r.Get("/{name}", s.handleChainGet)
			r.Put("/{name}", s.handleChainUpdate)
			r.Delete("/{name}", s.handleChainDelete)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleRunList)
			r.Post("/", s.handleRunStart)
			r.Get("/{runID}", s.handleRunGet)
			r.Post("/{runID}/cancel", s.handleRunCancel)
		})

		r.Get("/settings/autorun", s.handleAutoRunGet)
		r.Put("/settings/autorun", s.handleAutoRunSet)

		r.Get("/events", s.handleEvents)
	})

	return r
}

// Start binds addr and serves until Shutdown. Read and write deadlines are
// deliberately left off the whole server: uploads can be gigabytes and the
// event stream is open-ended. The header timeout still bounds slow clients.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("HTTP API listening")
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
