package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mastiff-sec/mastiff/pkg/api"
	"github.com/mastiff-sec/mastiff/pkg/errdefs"
	"github.com/mastiff-sec/mastiff/pkg/types"
)

// Client is a Go client for the orchestrator's HTTP API. The zero timeout
// default is deliberate: artifact uploads and the event stream are
// open-ended, so callers bound individual calls with their context instead.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option adjusts a Client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a client for the orchestrator at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health checks the liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Ready reports the orchestrator's dependency checks.
func (c *Client) Ready(ctx context.Context) (*api.ReadyBody, error) {
	var out api.ReadyBody
	if err := c.do(ctx, http.MethodGet, "/ready", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadArtifact streams r as a multipart upload under the given file name.
func (c *Client) UploadArtifact(ctx context.Context, name string, r io.Reader) (*api.UploadResponse, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		fw, err := mw.CreateFormFile("file", name)
		if err == nil {
			_, err = io.Copy(fw, r)
		}
		if cerr := mw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/artifacts", pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, readError(resp)
	}
	var out api.UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}
	return &out, nil
}

// UploadArtifactFile uploads the file at path under its base name.
func (c *Client) UploadArtifactFile(ctx context.Context, path string) (*api.UploadResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return c.UploadArtifact(ctx, filepath.Base(path), f)
}

// ListArtifacts returns every known artifact.
func (c *Client) ListArtifacts(ctx context.Context) ([]*types.Artifact, error) {
	var out api.ArtifactList
	if err := c.do(ctx, http.MethodGet, "/v1/artifacts", nil, &out); err != nil {
		return nil, err
	}
	return out.Artifacts, nil
}

// GetArtifact fetches one artifact record.
func (c *Client) GetArtifact(ctx context.Context, fingerprint string) (*types.Artifact, error) {
	var out types.Artifact
	if err := c.do(ctx, http.MethodGet, "/v1/artifacts/"+url.PathEscape(fingerprint), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteArtifact evicts an artifact, its results, and its stored bytes.
func (c *Client) DeleteArtifact(ctx context.Context, fingerprint string) error {
	return c.do(ctx, http.MethodDelete, "/v1/artifacts/"+url.PathEscape(fingerprint), nil, nil)
}

// GetReport fetches the assembled per-artifact report.
func (c *Client) GetReport(ctx context.Context, fingerprint string) (*types.Report, error) {
	var out types.Report
	if err := c.do(ctx, http.MethodGet, "/v1/artifacts/"+url.PathEscape(fingerprint)+"/report", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListModules returns every registered module.
func (c *Client) ListModules(ctx context.Context) ([]*types.ModuleDescriptor, error) {
	var out api.ModuleList
	if err := c.do(ctx, http.MethodGet, "/v1/modules", nil, &out); err != nil {
		return nil, err
	}
	return out.Modules, nil
}

// GetModule fetches one module descriptor.
func (c *Client) GetModule(ctx context.Context, moduleID string) (*types.ModuleDescriptor, error) {
	var out types.ModuleDescriptor
	if err := c.do(ctx, http.MethodGet, "/v1/modules/"+url.PathEscape(moduleID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ModuleStatus asks the runtime for the module's live container state.
func (c *Client) ModuleStatus(ctx context.Context, moduleID string) (*api.ModuleStatus, error) {
	var out api.ModuleStatus
	if err := c.do(ctx, http.MethodGet, "/v1/modules/"+url.PathEscape(moduleID)+"/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BuildModule builds the module's container image and creates its container.
func (c *Client) BuildModule(ctx context.Context, moduleID string) error {
	return c.moduleOp(ctx, moduleID, "build")
}

// StartModule starts the module's container.
func (c *Client) StartModule(ctx context.Context, moduleID string) error {
	return c.moduleOp(ctx, moduleID, "start")
}

// StopModule stops the module's container.
func (c *Client) StopModule(ctx context.Context, moduleID string) error {
	return c.moduleOp(ctx, moduleID, "stop")
}

// RebuildModule tears the module's container down and brings it back up.
func (c *Client) RebuildModule(ctx context.Context, moduleID string) error {
	return c.moduleOp(ctx, moduleID, "rebuild")
}

// ActivateModule marks the module eligible for new tasks.
func (c *Client) ActivateModule(ctx context.Context, moduleID string) error {
	return c.moduleOp(ctx, moduleID, "activate")
}

// DeactivateModule excludes the module from new tasks.
func (c *Client) DeactivateModule(ctx context.Context, moduleID string) error {
	return c.moduleOp(ctx, moduleID, "deactivate")
}

func (c *Client) moduleOp(ctx context.Context, moduleID, op string) error {
	return c.do(ctx, http.MethodPost, "/v1/modules/"+url.PathEscape(moduleID)+"/"+op, nil, nil)
}

// DeregisterModule removes an externally hosted module from the registry.
func (c *Client) DeregisterModule(ctx context.Context, moduleID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/modules/"+url.PathEscape(moduleID), nil, nil)
}

// RegisterExternalModule joins (or refreshes) an externally hosted module.
// This is the same endpoint external workers call on boot; it is exposed
// here so operators can pre-register a module by hand.
func (c *Client) RegisterExternalModule(ctx context.Context, reg *types.ExternalRegistration) (*types.ModuleDescriptor, error) {
	var out types.ModuleDescriptor
	if err := c.do(ctx, http.MethodPost, "/external-modules/register", reg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListChains returns every chain definition.
func (c *Client) ListChains(ctx context.Context) ([]*types.Chain, error) {
	var out api.ChainList
	if err := c.do(ctx, http.MethodGet, "/v1/chains", nil, &out); err != nil {
		return nil, err
	}
	return out.Chains, nil
}

// CreateChain persists a new chain and returns the normalized definition.
func (c *Client) CreateChain(ctx context.Context, chain *types.Chain) (*types.Chain, error) {
	var out types.Chain
	if err := c.do(ctx, http.MethodPost, "/v1/chains", chain, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetChain fetches one chain definition.
func (c *Client) GetChain(ctx context.Context, name string) (*types.Chain, error) {
	var out types.Chain
	if err := c.do(ctx, http.MethodGet, "/v1/chains/"+url.PathEscape(name), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateChain replaces an existing chain definition.
func (c *Client) UpdateChain(ctx context.Context, chain *types.Chain) (*types.Chain, error) {
	var out types.Chain
	if err := c.do(ctx, http.MethodPut, "/v1/chains/"+url.PathEscape(chain.Name), chain, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteChain removes a chain definition. Runs in flight keep their own
// snapshot and are unaffected.
func (c *Client) DeleteChain(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/v1/chains/"+url.PathEscape(name), nil, nil)
}

// StartRun launches a chain or bare module run against an artifact.
func (c *Client) StartRun(ctx context.Context, req api.RunRequest) (*types.ChainRun, error) {
	var out types.ChainRun
	if err := c.do(ctx, http.MethodPost, "/v1/runs", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRuns returns every recorded run.
func (c *Client) ListRuns(ctx context.Context) ([]*types.ChainRun, error) {
	return c.listRuns(ctx, "/v1/runs")
}

// ListRunsByArtifact returns the runs recorded against one artifact.
func (c *Client) ListRunsByArtifact(ctx context.Context, fingerprint string) ([]*types.ChainRun, error) {
	return c.listRuns(ctx, "/v1/runs?fingerprint="+url.QueryEscape(fingerprint))
}

// ListActiveRuns returns the runs that have not reached a terminal state.
func (c *Client) ListActiveRuns(ctx context.Context) ([]*types.ChainRun, error) {
	return c.listRuns(ctx, "/v1/runs?active=true")
}

func (c *Client) listRuns(ctx context.Context, path string) ([]*types.ChainRun, error) {
	var out api.RunList
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// GetRun fetches one run.
func (c *Client) GetRun(ctx context.Context, runID string) (*types.ChainRun, error) {
	var out types.ChainRun
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelRun requests cancellation. The run settles asynchronously; use
// WaitForRun to observe the terminal state.
func (c *Client) CancelRun(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(runID)+"/cancel", nil, nil)
}

// WaitForRun polls the run until it reaches a terminal state or ctx is done.
func (c *Client) WaitForRun(ctx context.Context, runID string, poll time.Duration) (*types.ChainRun, error) {
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		run, err := c.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.State.Final() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

// AutoRun fetches the auto-run configuration.
func (c *Client) AutoRun(ctx context.Context) (*types.AutoRunConfig, error) {
	var out types.AutoRunConfig
	if err := c.do(ctx, http.MethodGet, "/v1/settings/autorun", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetAutoRun replaces the auto-run configuration.
func (c *Client) SetAutoRun(ctx context.Context, cfg *types.AutoRunConfig) (*types.AutoRunConfig, error) {
	var out types.AutoRunConfig
	if err := c.do(ctx, http.MethodPut, "/v1/settings/autorun", cfg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Event is one frame from the orchestrator's event stream.
type Event struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Events opens the orchestrator's event stream. The channel closes when ctx
// is done or the stream breaks; a consumer that needs the stream forever
// reconnects on close.
func (c *Client) Events(ctx context.Context) (<-chan Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readError(resp)
	}

	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

		var data string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && data != "":
				var ev Event
				if err := json.Unmarshal([]byte(data), &ev); err == nil {
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
				data = ""
			}
		}
	}()
	return ch, nil
}

// do runs one JSON round trip against the API.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return readError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return nil
}

// readError turns an error response back into the taxonomy the server
// mapped it from, so callers branch on errdefs checks instead of status
// codes.
func readError(resp *http.Response) error {
	var body api.ErrorBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil || body.Error == "" {
		body.Error = fmt.Sprintf("request failed with status %d", resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return errdefs.InvalidInput("%s", body.Error)
	case http.StatusNotFound:
		return errdefs.NotFound("%s", body.Error)
	case http.StatusConflict:
		return errdefs.IllegalState("%s", body.Error)
	case http.StatusServiceUnavailable:
		return errdefs.Unavailable("%s", body.Error)
	case http.StatusGatewayTimeout:
		return errdefs.Timeout("%s", body.Error)
	default:
		return errdefs.Internal("%s", body.Error)
	}
}
