/*
Package events provides the in-memory event broker behind the orchestrator's
pub/sub surface.

Components publish domain events (artifact ingestions, module lifecycle
transitions, chain CRUD, run and step progress) without knowing who is
listening. Subscribers receive them on buffered channels; the HTTP layer
forwards them to operators as a server-sent event stream on /v1/events.

# Architecture

One broker per process, fanning out through a central channel:

	┌─────────────┐
	│ Publishers  │  artifact store, registry, chain store,
	│             │  executor, external adapter
	└──────┬──────┘
	       │ Publish (central buffer: 100)
	┌──────▼──────┐
	│   Broker    │  single goroutine drains the intake
	│   fan-out   │
	└──────┬──────┘
	       │ per-subscriber channels (buffer: 50 each)
	┌──────▼──────┐
	│ Subscribers │  SSE handler, tests
	└─────────────┘

# Delivery Semantics

Delivery is best-effort. Broadcast never blocks on a slow consumer: a
subscriber whose buffer is full misses that event. The event stream is a
convenience view for operators; the store remains the source of truth,
so nothing in the orchestrator depends on an event arriving.

Events published after Stop are dropped. Unsubscribe closes the
subscriber's channel; consumers ranging over it terminate cleanly.

# Event Types

Types follow a noun.verb convention, grouped by subsystem:

  - artifact.ingested, artifact.deleted
  - module.registered, module.removed, module.started, module.stopped,
    module.healthy, module.unhealthy
  - chain.created, chain.updated, chain.deleted
  - run.started, run.completed, run.failed, run.cancelled
  - step.started, step.finished
  - result.received, result.stale

# Usage

Publishing:

	broker.Publish(&events.Event{
		Type:     events.EventRunStarted,
		Message:  "chain run started",
		Metadata: map[string]string{"run_id": run.ID},
	})

Consuming:

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for event := range sub {
		fmt.Println(event.Type, event.Message)
	}

# Integration Points

  - pkg/api: serves the stream as SSE on /v1/events
  - pkg/artifact, pkg/registry, pkg/chain, pkg/executor, pkg/external:
    publishers
  - cmd/mastiff: `mastiff events` follows the stream from the terminal
*/
package events
