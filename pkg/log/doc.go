/*
Package log configures zerolog for the Mastiff node and hands out the
component-tagged child loggers the rest of the codebase builds on.

Every long-lived component takes a child logger tagged with a component
field at construction time. Per-entity context (module, artifact, run,
task) is layered on top with zerolog's With chain at the point where the
entity enters scope, so one grep over the field pulls every line an
entity ever produced:

	log.Init                node boot, once
	   │
	   ▼
	log.Logger              root zerolog.Logger
	   │
	   ├── WithComponent("executor")      long-lived components
	   ├── WithComponent("registry")
	   │
	   └── entity fields layered at call sites:
	       Str("module_id", "apkid")       module lifecycle and probing
	       Str("fingerprint", "3b0c...")   artifact ingestion
	       Str("run_id", "9f2e...")        chain run progression
	       Str("task_id", "c41a...")       queue plane dispatch

# Initialization

The server command initializes the global logger before anything else
runs. JSON output is for production, the console writer for terminals:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Output defaults to stdout. Packages never call Init themselves; tests
that want quiet logs simply leave the global logger unconfigured.

# Conventions

Component loggers are built once and stored on the struct:

	type Executor struct {
		logger zerolog.Logger
		...
	}

	e := &Executor{logger: log.WithComponent("executor")}

Per-run and per-step loggers derive from the component logger at the
point where the entity enters scope:

	logger := e.logger.With().
		Str("run_id", run.ID).
		Str("fingerprint", run.Fingerprint).
		Logger()
	logger.Info().Msg("Run started")

Errors travel as fields, never interpolated into the message:

	logger.Error().Err(err).Str("module_id", id).Msg("Failed to start container")

Level usage across the node: Debug for queue plane chatter and probe
ticks, Info for state transitions (module started, run completed,
artifact ingested), Warn for degradations the node survives (probe
failure, stale result, notify breaker open), Error for operations that
failed and surfaced to a caller. Fatal is reserved for main.

Artifact contents, extracted file data, and external module payloads are
never logged; fingerprints and task IDs are the prescribed way to refer
to them.

# Integration Points

  - cmd/mastiff: calls Init from the server command
  - pkg/server: boot and shutdown milestones
  - pkg/registry: discovery, lifecycle transitions, health flips
  - pkg/executor: run and step state transitions
  - pkg/api: request logging through its instrument middleware

# See Also

  - https://github.com/rs/zerolog
*/
package log
