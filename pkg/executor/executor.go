package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mastiff-sec/mastiff/pkg/config"
	"github.com/mastiff-sec/mastiff/pkg/errdefs"
	"github.com/mastiff-sec/mastiff/pkg/events"
	"github.com/mastiff-sec/mastiff/pkg/log"
	"github.com/mastiff-sec/mastiff/pkg/metrics"
	"github.com/mastiff-sec/mastiff/pkg/queue"
	"github.com/mastiff-sec/mastiff/pkg/storage"
	"github.com/mastiff-sec/mastiff/pkg/types"
)

// ModuleCatalog is the registry view the executor needs: descriptor lookup
// and the eligibility query. The registry satisfies this; tests substitute
// a fixture.
type ModuleCatalog interface {
	Get(moduleID string) (*types.ModuleDescriptor, error)
	Select(moduleID string, fileType types.ArtifactType) (*types.ModuleDescriptor, error)
}

// Notifier delivers best-effort task notifications to externally hosted
// modules. The queue remains the source of truth; a failed notification
// never fails the step.
type Notifier interface {
	NotifyTask(ctx context.Context, m *types.ModuleDescriptor, payload *types.TaskPayload)
}

// Request starts one run: either a named chain or a bare module (which
// executes as a synthesized single-step chain) against one artifact.
type Request struct {
	ChainName   string
	ModuleID    string
	Fingerprint string

	// Parameters apply to the single step of a bare module run.
	Parameters map[string]string
}

// Executor drives chain runs to termination. Each active run owns one
// goroutine that walks the chain snapshot step by step: enqueue a task on
// the module's queue, await the correlated result, record the outcome, and
// advance or abort per the step failure policy. Progress is persisted after
// every transition so a restart can resume mid-step.
type Executor struct {
	store    storage.Store
	queue    queue.Queue
	catalog  ModuleCatalog
	notifier Notifier
	broker   *events.Broker
	cfg      *config.Config
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*runHandle

	// tasks enforces at most one non-final task per (fingerprint, module).
	tasks *pairs
}

// runHandle is the in-memory registration of one active run.
type runHandle struct {
	run       *types.ChainRun
	cancelRun context.CancelFunc
	ctx       context.Context
	done      chan struct{}

	mu        sync.Mutex
	cancelled bool
}

func (h *runHandle) markCancelled() {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()
	h.cancelRun()
}

func (h *runHandle) userCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// New creates an executor. notifier and broker may be nil.
func New(store storage.Store, q queue.Queue, catalog ModuleCatalog, notifier Notifier, broker *events.Broker, cfg *config.Config) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		store:    store,
		queue:    q,
		catalog:  catalog,
		notifier: notifier,
		broker:   broker,
		cfg:      cfg,
		logger:   log.WithComponent("executor"),
		ctx:      ctx,
		cancel:   cancel,
		runs:     make(map[string]*runHandle),
		tasks:    newPairs(),
	}
}

// Start materializes a run from the request and launches its driver. The
// snapshot is taken here: later edits to the chain definition never touch
// this run. A run is rejected while another run of the same chain against
// the same artifact is still open.
func (e *Executor) Start(req Request) (*types.ChainRun, error) {
	select {
	case <-e.ctx.Done():
		return nil, errdefs.Unavailable("executor is shut down")
	default:
	}

	artifact, err := e.store.GetArtifact(req.Fingerprint)
	if err != nil {
		return nil, err
	}

	snapshot, err := e.snapshot(req)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.rejectDuplicateLocked(snapshot.Name, artifact.Fingerprint); err != nil {
		return nil, err
	}

	run := &types.ChainRun{
		ID:          uuid.New().String(),
		ChainName:   snapshot.Name,
		Chain:       snapshot,
		Fingerprint: artifact.Fingerprint,
		State:       types.RunStatePending,
		Steps:       make([]types.StepOutcome, len(snapshot.Steps)),
		StartedAt:   time.Now().UTC(),
	}
	for i, step := range snapshot.Steps {
		run.Steps[i] = types.StepOutcome{ModuleID: step.ModuleID, Status: types.StepPending}
	}

	if err := e.store.CreateRun(run); err != nil {
		return nil, fmt.Errorf("failed to persist run: %w", err)
	}

	h := e.registerLocked(run)
	// Snapshot the response before the driver starts mutating the run.
	out := cloneRun(run)
	e.wg.Add(1)
	go e.drive(h, artifact)

	return out, nil
}

// Cancel transitions an open run to cancelled. The driver unblocks from its
// await; the abandoned task's eventual result is kept as an orphan and never
// advances the run. Cancelling a finished run is an illegal state.
func (e *Executor) Cancel(runID string) error {
	e.mu.Lock()
	h, ok := e.runs[runID]
	e.mu.Unlock()

	if ok {
		h.markCancelled()
		e.logger.Info().Str("run_id", runID).Msg("Run cancellation requested")
		return nil
	}

	// No driver owns the run: it either finished, or it is a leftover from
	// a previous process not yet resumed. Terminal runs reject the cancel;
	// an orphaned open run is closed directly.
	run, err := e.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.State.Final() {
		return errdefs.IllegalState("run %s is already %s", runID, run.State)
	}
	run.State = types.RunStateCancelled
	run.Reason = "cancelled before recovery"
	run.FinishedAt = time.Now().UTC()
	for i := range run.Steps {
		if !stepSettled(run.Steps[i].Status) {
			run.Steps[i].Status = types.StepCancelled
		}
	}
	if err := e.store.UpdateRun(run); err != nil {
		return fmt.Errorf("failed to persist cancelled run: %w", err)
	}
	e.publishRunEvent(events.EventRunCancelled, run, "cancelled before recovery")
	return nil
}

// Stop shuts the executor down. Open runs stay running in the store so the
// next process recovers them; their drivers unblock and return without
// writing a terminal state.
func (e *Executor) Stop() {
	e.cancel()
	e.wg.Wait()
	e.logger.Info().Msg("Executor stopped")
}

// WatchResults consumes the queue plane's result stream and reconciles
// arrivals that no driver is waiting for: results of timed-out, cancelled,
// or abandoned tasks are persisted with the orphan marker so late work stays
// visible in the report without ever advancing a run.
func (e *Executor) WatchResults() error {
	ch, err := e.queue.SubscribeResults(e.ctx)
	if err != nil {
		return err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for result := range ch {
			e.reconcileResult(result)
		}
	}()
	return nil
}

// reconcileResult decides what a streamed result means. Results matching a
// driver's outstanding task are left to that driver; everything else is a
// stale arrival. Wire results carry only the task ID, status and findings;
// the task row supplies the (fingerprint, module) pair.
func (e *Executor) reconcileResult(result *types.ModuleResult) {
	if result.TaskID == "" {
		return
	}

	task, err := e.store.GetTask(result.TaskID)
	if err != nil {
		// No record of the task: an expired replay or foreign write. Count
		// it and move on; unknown results are not persisted.
		e.logger.Debug().
			Str("task_id", result.TaskID).
			Msg("Result for unknown task ignored")
		metrics.StaleResults.Inc()
		return
	}

	if cur, held := e.tasks.Current(task.Fingerprint, task.ModuleID); held && cur == result.TaskID {
		return
	}

	switch task.State {
	case types.TaskStateCompleted, types.TaskStateFailed:
		// The driver consumed this one.
		return
	case types.TaskStateQueued, types.TaskStateInFlight:
		// A driver (or recovery) is still responsible for it.
		return
	}

	// Timed out or cancelled: keep the late result, marked.
	e.persistOrphan(task, result)
}

// persistOrphan stores a late result unless a newer task already reported
// for the pair.
func (e *Executor) persistOrphan(task *types.Task, result *types.ModuleResult) {
	if stored, err := e.store.GetResult(task.Fingerprint, task.ModuleID); err == nil && stored.TaskID != result.TaskID {
		if storedTask, err := e.store.GetTask(stored.TaskID); err == nil && storedTask.EnqueuedAt.After(task.EnqueuedAt) {
			metrics.StaleResults.Inc()
			return
		}
	}

	result.ModuleID = task.ModuleID
	result.Fingerprint = task.Fingerprint
	result.Orphaned = true
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now().UTC()
	}
	if result.Status == types.ResultSuccess && result.Summary == nil {
		result.Summary = types.Summarize(result.Findings)
	}
	if err := e.store.PutResult(result); err != nil {
		e.logger.Error().Err(err).Str("task_id", result.TaskID).Msg("Failed to persist orphaned result")
		return
	}

	metrics.StaleResults.Inc()
	e.logger.Info().
		Str("task_id", result.TaskID).
		Str("module_id", task.ModuleID).
		Str("fingerprint", task.Fingerprint).
		Msg("Late result stored as orphan")
	if e.broker != nil {
		e.broker.Publish(&events.Event{
			Type:    events.EventResultStale,
			Message: fmt.Sprintf("Late result from %s stored as orphan", task.ModuleID),
			Metadata: map[string]string{
				"module_id":   task.ModuleID,
				"fingerprint": task.Fingerprint,
				"task_id":     result.TaskID,
			},
		})
	}
}

// snapshot resolves the request into an immutable chain copy.
func (e *Executor) snapshot(req Request) (*types.Chain, error) {
	switch {
	case req.ChainName != "" && req.ModuleID != "":
		return nil, errdefs.InvalidInput("request names both a chain and a module")

	case req.ChainName != "":
		def, err := e.store.GetChain(req.ChainName)
		if err != nil {
			return nil, err
		}
		return cloneChain(def), nil

	case req.ModuleID != "":
		if _, err := e.catalog.Get(req.ModuleID); err != nil {
			return nil, err
		}
		// A bare module runs as a chain of one.
		return &types.Chain{
			Name: "module:" + req.ModuleID,
			Steps: []types.ChainStep{
				{ModuleID: req.ModuleID, Order: 1, Parameters: req.Parameters},
			},
		}, nil

	default:
		return nil, errdefs.InvalidInput("request names neither a chain nor a module")
	}
}

// rejectDuplicateLocked enforces one open run per (chain, fingerprint).
func (e *Executor) rejectDuplicateLocked(chainName, fingerprint string) error {
	for _, h := range e.runs {
		if h.run.ChainName == chainName && h.run.Fingerprint == fingerprint {
			return errdefs.IllegalState("chain %s already has an open run against %s", chainName, shortFingerprint(fingerprint))
		}
	}
	// Persisted open runs cover leftovers awaiting recovery.
	persisted, err := e.store.ListRunsByArtifact(fingerprint)
	if err != nil {
		return err
	}
	for _, run := range persisted {
		if run.ChainName == chainName && !run.State.Final() {
			return errdefs.IllegalState("chain %s already has an open run against %s", chainName, shortFingerprint(fingerprint))
		}
	}
	return nil
}

func (e *Executor) registerLocked(run *types.ChainRun) *runHandle {
	ctx, cancel := context.WithCancel(e.ctx)
	h := &runHandle{
		run:       run,
		ctx:       ctx,
		cancelRun: cancel,
		done:      make(chan struct{}),
	}
	e.runs[run.ID] = h
	return h
}

func (e *Executor) forget(runID string) {
	e.mu.Lock()
	delete(e.runs, runID)
	e.mu.Unlock()
}

func (e *Executor) publishRunEvent(eventType events.EventType, run *types.ChainRun, message string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{
		Type:    eventType,
		Message: message,
		Metadata: map[string]string{
			"run_id":      run.ID,
			"chain":       run.ChainName,
			"fingerprint": run.Fingerprint,
		},
	})
}

// stepSettled reports whether a step outcome already reached a final record.
func stepSettled(s types.StepStatus) bool {
	switch s {
	case types.StepCompleted, types.StepSkipped, types.StepFailed, types.StepTimedOut, types.StepCancelled:
		return true
	}
	return false
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

func cloneChain(c *types.Chain) *types.Chain {
	out := *c
	out.Steps = make([]types.ChainStep, len(c.Steps))
	copy(out.Steps, c.Steps)
	for i := range out.Steps {
		if params := c.Steps[i].Parameters; params != nil {
			dup := make(map[string]string, len(params))
			for k, v := range params {
				dup[k] = v
			}
			out.Steps[i].Parameters = dup
		}
	}
	return &out
}

func cloneRun(r *types.ChainRun) *types.ChainRun {
	out := *r
	out.Steps = make([]types.StepOutcome, len(r.Steps))
	copy(out.Steps, r.Steps)
	if r.Chain != nil {
		out.Chain = cloneChain(r.Chain)
	}
	return &out
}

// truncate keeps worker error strings printable in log lines and reasons.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
