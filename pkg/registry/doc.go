/*
Package registry is the module registry: the authoritative catalog of every
analysis module the orchestrator can dispatch to, and the manager of the
container lifecycle behind the internal ones.

Modules come in two kinds. Internal modules live in the modules directory as
subdirectories with a config file; each runs as one long-lived container the
registry builds and starts. External modules run elsewhere and join by
calling the registration endpoint with their base URL. Both kinds end up as
uniform ModuleDescriptors behind the same eligibility query.

# Architecture

	┌────────────────────── MODULE REGISTRY ─────────────────────┐
	│                                                              │
	│  modules/                     POST /external-modules/       │
	│  ├── apkid/config.yaml             register                  │
	│  └── semgrep/config.yaml              │                     │
	│        │ scan + fsnotify              │                     │
	│  ┌─────▼──────────────────────────────▼─────────┐          │
	│  │        Descriptor Map (in memory)             │          │
	│  │  - write-through to the metadata store        │          │
	│  │  - snapshot copies on every read              │          │
	│  └─────┬─────────────────────┬───────────────────┘          │
	│        │ internal            │ all                          │
	│  ┌─────▼──────────┐   ┌──────▼───────────────────┐         │
	│  │   Lifecycle    │   │   Eligibility (Select)   │         │
	│  │  build/start/  │   │  unknown    → not found  │         │
	│  │  stop/rebuild  │   │  inactive   → unavailable│         │
	│  │  via containerd│   │  unhealthy  → unavailable│         │
	│  └─────┬──────────┘   │  bad format → invalid    │         │
	│        │              └──────────────────────────┘         │
	│  ┌─────▼─────────────────────────────────────────┐         │
	│  │              Prober (background)              │         │
	│  │  external: HTTP healthcheck, 2 strikes out    │         │
	│  │  internal: container running AND heartbeat    │         │
	│  └───────────────────────────────────────────────┘         │
	└──────────────────────────────────────────────────────────┘

# Container Lifecycle

Internal module containers move through a fixed state machine; operations
that do not match the current state fail with errdefs.ErrIllegalState:

	absent ──build──▶ building ──ok──▶ stopped ──start──▶ running
	   ▲                │ err             │                   │
	   │                ▼                 │                   │
	   └───────── failed ◀────────────────┘◀────── stop ──────┘

	   rebuild = stop → build → start (the only exit from failed)

Build and start attempts retry with exponential backoff up to the configured
budget. A module that exhausts its budget is pinned to failed and ignored by
auto-activation until an operator rebuilds it.

# Health

External modules are polled at their healthcheck URL on a fixed cadence.
Two consecutive failures flip a module unhealthy; any single success
restores it. Internal modules are judged each sweep: the container must be
running and the worker's heartbeat key on the queue plane must be fresh.
Transitions are persisted and announced as module.healthy /
module.unhealthy events.

# Integration Points

  - pkg/runtime: container operations behind build/start/stop/rebuild
  - pkg/queue: worker heartbeats consulted by the prober
  - pkg/storage: descriptor persistence across restarts
  - pkg/chain: module existence checks during chain validation
  - pkg/executor: Select gates every step before it is enqueued
  - pkg/api: module CRUD, lifecycle verbs, and external registration
*/
package registry
