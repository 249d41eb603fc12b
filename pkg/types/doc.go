/*
Package types defines the core data structures used throughout Mastiff.

This package contains all fundamental types that represent Mastiff's domain
model, including artifacts, modules, chains, tasks, results, and chain runs.
These types are used by all other packages for state management, API
communication, and orchestration logic.

# Architecture

The types package is the foundation of Mastiff's data model. It defines:

  - Artifact identity and classification (fingerprint, detected type)
  - Module descriptors for container-backed and external modules
  - Chain definitions and ordered steps
  - Task execution state and the worker wire payload
  - Module results, findings, and summaries
  - Chain run state machines with per-step outcomes
  - Auto-run rules applied on ingestion

All types are designed to be:
  - Serializable (JSON for storage and the wire, YAML for on-disk config)
  - Immutable where possible (artifacts never change after ingestion)
  - Self-documenting (clear field names and comments)
  - Validated (constants for enums, helpers like AcceptsType and Final)

# Core Types

Artifacts:
  - Artifact: One ingested bundle, identified by SHA-256 fingerprint
  - ArtifactType: APK, IPA, ZIP, or extracted source tree

Modules:
  - ModuleDescriptor: A registered analysis module and its runtime state
  - ModuleKind: Internal (container-backed) or external (remote HTTP)
  - ModuleConfig: The on-disk config.yaml of an internal module
  - ContainerState: Absent, building, running, stopped, failed

Chains and Runs:
  - Chain: Named, ordered sequence of module steps
  - ChainStep: One step with order, parameters, and failure policy
  - ChainRun: One execution of a chain snapshot against one artifact
  - RunState / StepStatus: Run and per-step lifecycles

Tasks and Results:
  - Task: Orchestrator-side record of one unit of work
  - TaskPayload: The JSON document workers consume from the queue
  - ModuleResult: One module's report, overwritten on re-run
  - Finding / Location / Summary: Structured analysis output

Dispatch:
  - AutoRunConfig: Per-artifact-type rules applied on ingestion
  - Rule / RuleKind: Run nothing, a single module, or a chain

# Usage

Creating a Task for a module run:

	task := &types.Task{
		ID:          uuid.New().String(),
		Fingerprint: artifact.Fingerprint,
		ModuleID:    "manifest-scan",
		State:       types.TaskStateQueued,
		EnqueuedAt:  time.Now(),
	}

Building the payload a worker will consume:

	payload := &types.TaskPayload{
		TaskID:   task.ID,
		FileHash: task.Fingerprint,
		Data: types.TaskData{
			FolderPath: artifact.ExtractedRoot,
			FileType:   artifact.DetectedType,
			Parameters: step.Parameters,
		},
	}

Summarizing findings before persisting a result:

	result.Summary = types.Summarize(result.Findings)

State helpers gate transitions:

	if run.State.Final() {
		return errdefs.ErrIllegalState
	}
*/
package types
