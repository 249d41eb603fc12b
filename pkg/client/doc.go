/*
Package client provides a Go client library for the orchestrator's HTTP API.

The client wraps every operator-facing endpoint with a typed method: artifact
ingestion, module lifecycle, chain definitions, run control, auto-run
settings, and the live event stream. The CLI is built entirely on this
package; embedding applications use it the same way.

# Architecture

	┌──────────────────── APPLICATION CODE ───────────────────┐
	│                                                          │
	│  import "github.com/mastiff-sec/mastiff/pkg/client"      │
	│                                                          │
	│  c := client.New("http://orchestrator:8585")             │
	│  up, err := c.UploadArtifactFile(ctx, "app.apk")         │
	│  run, err := c.StartRun(ctx, api.RunRequest{...})        │
	│                                                          │
	└───────────────────┬──────────────────────────────────────┘
	                    │
	┌───────────────────▼──── pkg/client ──────────────────────┐
	│                                                          │
	│  Typed methods        JSON round trips    Error mapping  │
	│  UploadArtifact ────▶ POST /v1/artifacts ─▶ errdefs      │
	│  StartRun ──────────▶ POST /v1/runs      ─▶ errdefs      │
	│  Events ────────────▶ GET  /v1/events (SSE)              │
	│                                                          │
	└───────────────────┬──────────────────────────────────────┘
	                    │ HTTP
	                    ▼
	            Orchestrator API Server

# Core Features

Typed operations:
  - Go structs in and out, no raw JSON at call sites
  - Response envelopes shared with pkg/api, so the wire shape has one
    definition

Error mapping:
  - HTTP status codes are translated back into the error taxonomy
  - Callers branch with errdefs.IsNotFound and friends, exactly as they
    would against the underlying stores

Streaming:
  - UploadArtifact pipes the file through a multipart writer without
    buffering it in memory
  - Events parses the server-sent event stream into a channel

# Usage

Scan a file and wait for the verdict:

	c := client.New("http://localhost:8585")

	up, err := c.UploadArtifactFile(ctx, "app.apk")
	if err != nil {
		return err
	}

	run, err := c.StartRun(ctx, api.RunRequest{
		Module:      "apkid",
		Fingerprint: up.Artifact.Fingerprint,
	})
	if err != nil {
		return err
	}

	final, err := c.WaitForRun(ctx, run.ID, time.Second)
	if err != nil {
		return err
	}
	fmt.Println(final.State)

Follow the event stream:

	events, err := c.Events(ctx)
	if err != nil {
		return err
	}
	for ev := range events {
		fmt.Printf("%s %s\n", ev.Type, ev.Message)
	}

# Timeouts

The default HTTP client carries no global timeout: uploads can be large and
the event stream is open-ended. Bound individual calls with their context:

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	modules, err := c.ListModules(ctx)

# Integration Points

This package integrates with:

  - pkg/api: response envelope types and the RunRequest body
  - pkg/types: artifact, module, chain, and run records
  - pkg/errdefs: the error taxonomy reconstructed from status codes
  - cmd/mastiff: every CLI command is a thin wrapper over one client call

# See Also

  - pkg/api for the server side of every route
  - cmd/mastiff for CLI usage examples
*/
package client
