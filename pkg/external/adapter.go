package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/mastiff-sec/mastiff/pkg/errdefs"
	"github.com/mastiff-sec/mastiff/pkg/events"
	"github.com/mastiff-sec/mastiff/pkg/log"
	"github.com/mastiff-sec/mastiff/pkg/metrics"
	"github.com/mastiff-sec/mastiff/pkg/queue"
	"github.com/mastiff-sec/mastiff/pkg/storage"
	"github.com/mastiff-sec/mastiff/pkg/types"
)

const (
	// notifyPath is the endpoint external modules expose for task wake-ups.
	notifyPath = "/operations/process"

	// breakerCooldown is how long an open notification breaker waits before
	// probing the module again.
	breakerCooldown = 30 * time.Second

	// breakerTripAfter opens the breaker after this many consecutive
	// notification failures.
	breakerTripAfter = 3
)

// ModuleSource is the registry view the adapter needs.
type ModuleSource interface {
	Get(moduleID string) (*types.ModuleDescriptor, error)
}

// Adapter is the orchestrator side of the externally hosted module contract:
// best-effort task notifications out, validated result submissions in. The
// queue plane stays the source of truth in both directions: a lost
// notification only delays a poll-based worker, and a submitted result is
// handed to the executor through the same result slot internal workers use.
type Adapter struct {
	store   storage.Store
	queue   queue.Queue
	modules ModuleSource
	broker  *events.Broker
	client  *http.Client
	logger  zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewAdapter creates an adapter. broker may be nil.
func NewAdapter(store storage.Store, q queue.Queue, modules ModuleSource, broker *events.Broker, notifyTimeout time.Duration) *Adapter {
	if notifyTimeout <= 0 {
		notifyTimeout = 10 * time.Second
	}
	return &Adapter{
		store:    store,
		queue:    q,
		modules:  modules,
		broker:   broker,
		client:   &http.Client{Timeout: notifyTimeout},
		logger:   log.WithComponent("external"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// NotifyTask POSTs the task payload to the module's process endpoint. The
// call is a courtesy wake-up for push-style workers: failures are counted
// and eventually trip the module's breaker, but they never fail the step.
func (a *Adapter) NotifyTask(ctx context.Context, m *types.ModuleDescriptor, payload *types.TaskPayload) {
	if m.BaseURL == "" {
		return
	}

	_, err := a.breaker(m.ID).Execute(func() (interface{}, error) {
		return nil, a.post(ctx, m.BaseURL, payload)
	})
	if err != nil {
		metrics.ExternalNotifyFailures.WithLabelValues(m.ID).Inc()
		a.logger.Warn().Err(err).
			Str("module_id", m.ID).
			Str("task_id", payload.TaskID).
			Msg("Task notification failed; worker will pick it up by polling")
		return
	}

	a.logger.Debug().
		Str("module_id", m.ID).
		Str("task_id", payload.TaskID).
		Msg("Task notification delivered")
}

func (a *Adapter) post(ctx context.Context, baseURL string, payload *types.TaskPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	url := strings.TrimRight(baseURL, "/") + notifyPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification rejected with status %d", resp.StatusCode)
	}
	return nil
}

func (a *Adapter) breaker(moduleID string) *gobreaker.CircuitBreaker {
	a.mu.Lock()
	defer a.mu.Unlock()

	if cb, ok := a.breakers[moduleID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notify:" + moduleID,
		MaxRequests: 1,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripAfter
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			a.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Notification breaker changed state")
		},
	})
	a.breakers[moduleID] = cb
	return cb
}

// IngestResult validates and files a result submitted by an external module.
// A submission for a live task is stored and published so the awaiting
// executor unblocks; a submission for a task that already reached a final
// state is kept as an orphan and advances nothing.
func (a *Adapter) IngestResult(ctx context.Context, moduleID string, sub *types.ResultSubmission) error {
	if sub == nil || sub.TaskID == "" {
		return errdefs.InvalidInput("result submission requires a task id")
	}
	if sub.FileHash == "" {
		return errdefs.InvalidInput("result submission requires a file hash")
	}

	m, err := a.modules.Get(moduleID)
	if err != nil {
		return err
	}
	if m.Kind != types.ModuleKindExternal {
		return errdefs.InvalidInput("module %s is not externally hosted", moduleID)
	}

	task, err := a.store.GetTask(sub.TaskID)
	if err != nil {
		return err
	}
	if task.ModuleID != moduleID {
		return errdefs.InvalidInput("task %s belongs to module %s", sub.TaskID, task.ModuleID)
	}
	if task.Fingerprint != sub.FileHash {
		return errdefs.InvalidInput("task %s is for a different artifact", sub.TaskID)
	}
	if _, err := a.store.GetArtifact(sub.FileHash); err != nil {
		return err
	}

	result := sub.Results
	result.TaskID = sub.TaskID
	result.ModuleID = moduleID
	result.Fingerprint = sub.FileHash
	switch result.Status {
	case types.ResultSuccess, types.ResultError:
	default:
		return errdefs.InvalidInput("result status must be success or error, got %q", result.Status)
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now().UTC()
	}
	if result.Status == types.ResultSuccess && result.Summary == nil {
		result.Summary = types.Summarize(result.Findings)
	}

	if task.State.Final() {
		// The orchestrator gave up on this task (timeout, cancel, restart).
		// Keep the late answer visible in the report, marked.
		result.Orphaned = true
		if err := a.store.PutResult(&result); err != nil {
			return err
		}
		metrics.StaleResults.Inc()
		a.logger.Info().
			Str("module_id", moduleID).
			Str("task_id", sub.TaskID).
			Str("task_state", string(task.State)).
			Msg("Stale external result stored as orphan")
		if a.broker != nil {
			a.broker.Publish(&events.Event{
				Type:    events.EventResultStale,
				Message: fmt.Sprintf("Late result from %s stored as orphan", moduleID),
				Metadata: map[string]string{
					"module_id":   moduleID,
					"fingerprint": sub.FileHash,
					"task_id":     sub.TaskID,
				},
			})
		}
		return nil
	}

	// Store first, then publish: if the task races into a final state while
	// we hand off, the reconciler's orphan write lands after ours and wins.
	if err := a.store.PutResult(&result); err != nil {
		return err
	}
	if err := a.queue.PublishResult(ctx, moduleID, &result); err != nil {
		return err
	}

	a.logger.Info().
		Str("module_id", moduleID).
		Str("task_id", sub.TaskID).
		Str("status", string(result.Status)).
		Int("findings", len(result.Findings)).
		Msg("External result accepted")
	return nil
}
