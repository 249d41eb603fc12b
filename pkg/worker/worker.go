package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mastiff-sec/mastiff/pkg/errdefs"
	"github.com/mastiff-sec/mastiff/pkg/log"
	"github.com/mastiff-sec/mastiff/pkg/queue"
	"github.com/mastiff-sec/mastiff/pkg/types"
)

const (
	// defaultPollTimeout is how long one BRPOP blocks before the loop
	// re-checks for shutdown.
	defaultPollTimeout = 2 * time.Second

	// defaultHeartbeatTTL matches the orchestrator's liveness window.
	defaultHeartbeatTTL = 60 * time.Second

	// publishAttempts bounds retries of the result publish. The publish is
	// the exactly-once handoff; losing it costs a step timeout upstream.
	publishAttempts = 3

	// publishBackoff spaces the publish retries.
	publishBackoff = time.Second
)

// Handler analyzes one task and returns its findings. Returning an error
// reports the task as failed; the error text becomes the module's result.
type Handler interface {
	Handle(ctx context.Context, payload *types.TaskPayload) ([]types.Finding, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, payload *types.TaskPayload) ([]types.Finding, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, payload *types.TaskPayload) ([]types.Finding, error) {
	return f(ctx, payload)
}

// Config tunes one worker.
type Config struct {
	// ModuleID names the queue this worker consumes.
	ModuleID string

	// Handler does the actual analysis.
	Handler Handler

	// PollTimeout overrides the per-iteration BRPOP block. Zero keeps the
	// default.
	PollTimeout time.Duration

	// HeartbeatTTL overrides the liveness key expiry. Zero keeps the
	// default. Beats fire at a third of the TTL.
	HeartbeatTTL time.Duration
}

// Worker is the module-side half of the task queue contract: pop a task ID,
// fetch its payload, run the handler, publish exactly one result, delete the
// payload. Internal module images link against this; the orchestrator's
// end-to-end tests run it in-process.
type Worker struct {
	moduleID string
	queue    queue.Queue
	handler  Handler
	poll     time.Duration
	ttl      time.Duration
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

// New validates the configuration and returns a stopped worker.
func New(q queue.Queue, cfg Config) (*Worker, error) {
	if cfg.ModuleID == "" {
		return nil, errdefs.InvalidInput("worker requires a module id")
	}
	if cfg.Handler == nil {
		return nil, errdefs.InvalidInput("worker requires a handler")
	}

	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = defaultPollTimeout
	}
	ttl := cfg.HeartbeatTTL
	if ttl <= 0 {
		ttl = defaultHeartbeatTTL
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		moduleID: cfg.ModuleID,
		queue:    q,
		handler:  cfg.Handler,
		poll:     poll,
		ttl:      ttl,
		logger:   log.WithComponent("worker").With().Str("module_id", cfg.ModuleID).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		doneCh:   make(chan struct{}),
	}, nil
}

// Start launches the consume and heartbeat loops.
func (w *Worker) Start() {
	// First beat before the first pop, so the orchestrator sees the worker
	// as soon as it can receive work.
	if err := w.queue.Heartbeat(w.ctx, w.moduleID, w.ttl); err != nil {
		w.logger.Warn().Err(err).Msg("Initial heartbeat failed")
	}

	go w.heartbeatLoop()
	go w.consumeLoop()
	w.logger.Info().Dur("poll", w.poll).Msg("Worker started")
}

// Stop halts both loops and waits for the consume loop to finish the task
// in hand.
func (w *Worker) Stop() {
	w.cancel()
	<-w.doneCh
	w.logger.Info().Msg("Worker stopped")
}

func (w *Worker) heartbeatLoop() {
	ticker := time.NewTicker(w.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Heartbeat(w.ctx, w.moduleID, w.ttl); err != nil && w.ctx.Err() == nil {
				w.logger.Warn().Err(err).Msg("Heartbeat failed")
			}
		}
	}
}

func (w *Worker) consumeLoop() {
	defer close(w.doneCh)

	for {
		taskID, err := w.queue.Pop(w.ctx, w.moduleID, w.poll)
		if w.ctx.Err() != nil {
			return
		}
		if err != nil {
			w.logger.Warn().Err(err).Msg("Queue pop failed; backing off")
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if taskID == "" {
			continue
		}
		w.process(taskID)
	}
}

func (w *Worker) process(taskID string) {
	logger := w.logger.With().Str("task_id", taskID).Logger()

	payload, err := w.queue.Task(w.ctx, taskID)
	if err != nil {
		// Expired or already reaped; the ID was all that was left.
		logger.Warn().Err(err).Msg("Popped task without payload; dropping")
		return
	}

	started := time.Now()
	findings, err := w.run(payload)

	result := &types.ModuleResult{
		TaskID:      payload.TaskID,
		Fingerprint: payload.FileHash,
	}
	if err != nil {
		result.Status = types.ResultError
		result.Error = err.Error()
		logger.Warn().Err(err).Dur("elapsed", time.Since(started)).Msg("Task failed")
	} else {
		result.Status = types.ResultSuccess
		result.Findings = findings
		result.Summary = types.Summarize(findings)
		logger.Info().Int("findings", len(findings)).Dur("elapsed", time.Since(started)).Msg("Task completed")
	}

	if !w.publish(result) {
		// The payload stays; the orchestrator's timeout path owns it now.
		logger.Error().Msg("Result publish failed; task payload retained")
		return
	}

	if err := w.queue.DeleteTask(w.ctx, taskID); err != nil && w.ctx.Err() == nil {
		logger.Warn().Err(err).Msg("Failed to delete task payload")
	}
}

// run guards the handler: a panicking module body reports an error result
// instead of killing the worker.
func (w *Worker) run(payload *types.TaskPayload) (findings []types.Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			findings = nil
			err = fmt.Errorf("module panicked: %v", r)
		}
	}()
	return w.handler.Handle(w.ctx, payload)
}

func (w *Worker) publish(result *types.ModuleResult) bool {
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		err := w.queue.PublishResult(w.ctx, w.moduleID, result)
		if err == nil {
			return true
		}
		if w.ctx.Err() != nil {
			return false
		}
		w.logger.Warn().Err(err).Int("attempt", attempt).Msg("Result publish failed")
		select {
		case <-w.ctx.Done():
			return false
		case <-time.After(publishBackoff):
		}
	}
	return false
}
