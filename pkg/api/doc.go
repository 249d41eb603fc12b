/*
Package api implements the HTTP control plane of the orchestrator.

One chi router serves three audiences: operators drive the system through
the versioned v1 API, external module workers consume a small fixed surface
whose paths and shapes are part of the module contract, and infrastructure
probes hit the health, readiness, and metrics endpoints. Handlers stay thin;
they decode, delegate to the owning component, and map the error taxonomy
onto status codes.

# Architecture

	┌──────────────────────── HTTP CONTROL PLANE ────────────────────────┐
	│                                                                      │
	│  /health /ready /metrics          liveness, readiness, prometheus   │
	│                                                                      │
	│  /v1/artifacts                    pkg/artifact + pkg/dispatch       │
	│    POST /            multipart upload → ingest → auto-run rule      │
	│    GET  /{fp}/report assembled per-artifact report                  │
	│                                                                      │
	│  /v1/modules                      pkg/registry                      │
	│    lifecycle: build start stop rebuild status                       │
	│    routing:   activate deactivate                                   │
	│                                                                      │
	│  /v1/chains                       pkg/chain                         │
	│  /v1/runs                         pkg/executor (+ storage reads)    │
	│  /v1/settings/autorun             pkg/dispatch                      │
	│  /v1/events                       pkg/events, as SSE                │
	│                                                                      │
	│  /external-modules                the module contract surface       │
	│    POST /register                 join the registry                 │
	│    GET  /{id}/files               artifact tree slice as tar.gz     │
	│    POST /{id}/results             submit a finished task's result   │
	│                                                                      │
	└──────────────────────────────────────────────────────────────────┘

# Core Components

Server:
  - Owns the router, the http.Server lifecycle, and graceful shutdown
  - Deps injects every domain component; all fields are required

Error mapping (respond.go):
  - InvalidInput → 400, NotFound → 404, IllegalState → 409,
    Unavailable → 503, Timeout → 504, everything else → 500
  - Every failure body is the uniform {"error": "..."} envelope

Instrumentation (middleware.go):
  - Request counter and latency histogram per method
  - One debug log line per served request

# Usage

Serving:

	srv := api.NewServer(api.Deps{
		Store:      store,
		Queue:      q,
		Artifacts:  artifacts,
		Modules:    modules,
		Chains:     chains,
		Runs:       exec,
		Dispatcher: dispatcher,
		Results:    adapter,
		Broker:     broker,
	})
	go srv.Start(cfg.ListenAddr)
	...
	srv.Shutdown(ctx)

Embedding in tests:

	ts := httptest.NewServer(srv.Router())

# Integration Points

This package integrates with:

  - pkg/artifact: upload ingestion and the external file provisioning stream
  - pkg/registry: module listing, container lifecycle, external registration
  - pkg/chain: chain definition CRUD
  - pkg/executor: run start/cancel; run reads go straight to pkg/storage
  - pkg/dispatch: auto-run settings and the on-ingest rule
  - pkg/external: result submissions from external modules
  - pkg/events: the SSE stream
  - pkg/metrics: request instrumentation and the /metrics exposition

# Design Patterns

Thin Handlers:
  - No domain decisions in this package; validation that matters lives in
    the components, so the CLI, the API, and recovery paths all enforce
    the same rules

Contract Freezing:
  - The /health response and the /external-modules paths, query parameters,
    and body shapes are consumed by deployed module workers and never
    change without versioning

Stream-Aware Failures:
  - Tarball errors before the first body byte become proper error
    responses; later failures cut the stream and rely on the client's
    gzip integrity check

# See Also

  - pkg/client for the Go client the CLI uses against this surface
  - pkg/server for how the composition root wires Deps
*/
package api
