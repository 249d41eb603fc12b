/*
Package server assembles a complete Mastiff node from its components and
supervises it for the life of the process.

Everything the orchestrator is made of (persistence, the Redis queue
plane, the containerd runtime, the module registry, the artifact store,
the chain executor, and the HTTP control plane) is constructed here in
dependency order and torn down in reverse. The cmd/mastiff binary is a
thin wrapper over this package.

# Architecture

One Mastiff node is a single process composed as follows:

	┌──────────────────────── MASTIFF NODE ────────────────────────┐
	│                                                               │
	│  ┌─────────────────────────────────────────────┐             │
	│  │         HTTP API Server (port 8585)         │             │
	│  │  - operator v1 API + external module surface│             │
	│  └──────┬──────────┬──────────┬────────────────┘             │
	│         │          │          │                               │
	│  ┌──────▼───┐ ┌────▼─────┐ ┌──▼────────────┐                 │
	│  │ Artifact │ │  Chain   │ │   Executor    │                 │
	│  │  Store   │ │  Defs    │ │  (run drivers)│                 │
	│  └──────┬───┘ └────┬─────┘ └──┬────────┬───┘                 │
	│         │          │          │        │                      │
	│  ┌──────▼──────────▼───┐ ┌────▼───┐ ┌──▼──────────┐          │
	│  │   Storage (bolt /   │ │ Module │ │ Queue Plane │          │
	│  │     postgres)       │ │Registry│ │   (Redis)   │          │
	│  └─────────────────────┘ └────┬───┘ └─────────────┘          │
	│                               │                               │
	│                        ┌──────▼──────┐                        │
	│                        │ containerd  │                        │
	│                        └─────────────┘                        │
	└───────────────────────────────────────────────────────────────┘

# Startup Order

Run brings the node up in a fixed sequence:

 1. Executor result watcher: subscribes to the queue plane's result
    stream before anything else can declare a task lost.
 2. Executor recovery: re-arms every run a previous process left open.
 3. Registry auto-activation: builds and starts autostart modules.
 4. Health prober, modules directory watcher, and HTTP listener: the
    steady-state supervisors, run under one errgroup.

Shutdown reverses it: drain HTTP, stop supervisors, cancel executor
drivers (open runs stay persisted for the next process), close backends.

# Usage

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	srv, err := server.New(ctx, cfg)
	if err != nil {
		return err
	}
	return srv.Run(ctx) // blocks until ctx is cancelled

# Integration Points

  - pkg/config: the single source of every tunable
  - pkg/api: the HTTP surface served by Run
  - pkg/executor: recovery and the result watcher
  - pkg/registry: module lifecycle, probing, directory watching
  - cmd/mastiff: CLI entry point wrapping this package

# See Also

  - pkg/api for the route table
  - pkg/executor for run semantics and recovery
*/
package server
