package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mastiff-sec/mastiff/pkg/errdefs"
	"github.com/mastiff-sec/mastiff/pkg/events"
	"github.com/mastiff-sec/mastiff/pkg/metrics"
	"github.com/mastiff-sec/mastiff/pkg/runtime"
	"github.com/mastiff-sec/mastiff/pkg/types"
)

const stopTimeout = 15 * time.Second

// Build pulls the module image and creates its container. Valid from
// absent, stopped, and failed; the module sits in building until the
// attempt resolves. Failures retry with exponential backoff up to the
// configured limit, then pin the module to failed until an operator
// rebuilds it.
func (r *Registry) Build(ctx context.Context, moduleID string) error {
	if err := r.claim(moduleID); err != nil {
		return err
	}
	defer r.release(moduleID)
	return r.build(ctx, moduleID)
}

func (r *Registry) build(ctx context.Context, moduleID string) error {
	m, err := r.internalModule(moduleID)
	if err != nil {
		return err
	}
	switch m.ContainerState {
	case types.ContainerStateAbsent, types.ContainerStateStopped, types.ContainerStateFailed:
	default:
		return errdefs.IllegalState("cannot build module %s from state %s", moduleID, m.ContainerState)
	}

	r.setContainerState(moduleID, types.ContainerStateBuilding)
	logger := r.logger.With().Str("module_id", moduleID).Str("image", m.ImageRef).Logger()
	logger.Info().Msg("Building module container")

	attempt := func() error {
		if err := r.rt.EnsureImage(ctx, m.ImageRef); err != nil {
			return err
		}
		// A rebuild replaces whatever container is left over.
		if err := r.rt.RemoveModule(ctx, moduleID); err != nil {
			return err
		}
		return r.rt.CreateModule(ctx, runtime.ModuleSpec{
			ModuleID: moduleID,
			Image:    m.ImageRef,
			Env:      r.moduleEnv(moduleID),
			StoreDir: r.cfg.StoreDir(),
		})
	}

	timer := metrics.NewTimer()
	if err := r.withRetries(ctx, logger.With().Str("op", "build").Logger(), attempt); err != nil {
		r.setContainerState(moduleID, types.ContainerStateFailed)
		metrics.ContainerBuilds.WithLabelValues(moduleID, "failure").Inc()
		timer.ObserveDurationVec(metrics.BuildDuration, moduleID, "failure")
		return errdefs.WorkerFailed("build of module %s failed: %v", moduleID, err)
	}

	r.setContainerState(moduleID, types.ContainerStateStopped)
	metrics.ContainerBuilds.WithLabelValues(moduleID, "success").Inc()
	timer.ObserveDurationVec(metrics.BuildDuration, moduleID, "success")
	logger.Info().Msg("Module container built")
	return nil
}

// Start runs the module's container. Valid from stopped only. The module is
// optimistically marked healthy; the prober withdraws that if no heartbeat
// shows up.
func (r *Registry) Start(ctx context.Context, moduleID string) error {
	if err := r.claim(moduleID); err != nil {
		return err
	}
	defer r.release(moduleID)
	return r.start(ctx, moduleID)
}

func (r *Registry) start(ctx context.Context, moduleID string) error {
	m, err := r.internalModule(moduleID)
	if err != nil {
		return err
	}
	switch m.ContainerState {
	case types.ContainerStateStopped:
	case types.ContainerStateRunning:
		return errdefs.IllegalState("module %s is already running", moduleID)
	case types.ContainerStateFailed:
		return errdefs.IllegalState("module %s is pinned failed; rebuild it", moduleID)
	default:
		return errdefs.IllegalState("cannot start module %s from state %s", moduleID, m.ContainerState)
	}

	logger := r.logger.With().Str("module_id", moduleID).Logger()
	if err := r.withRetries(ctx, logger.With().Str("op", "start").Logger(), func() error {
		return r.rt.StartModule(ctx, moduleID)
	}); err != nil {
		r.setContainerState(moduleID, types.ContainerStateFailed)
		return errdefs.WorkerFailed("start of module %s failed: %v", moduleID, err)
	}

	r.mu.Lock()
	if cur, ok := r.modules[moduleID]; ok {
		cur.ContainerState = types.ContainerStateRunning
		cur.Healthy = true
		if err := r.store.PutModule(cur); err != nil {
			logger.Error().Err(err).Msg("Failed to persist module state")
		}
	}
	r.mu.Unlock()

	logger.Info().Msg("Module started")
	r.publish(events.EventModuleStarted, moduleID, fmt.Sprintf("Module %s started", moduleID))
	return nil
}

// Stop terminates the module's container. Valid from running only.
func (r *Registry) Stop(ctx context.Context, moduleID string) error {
	if err := r.claim(moduleID); err != nil {
		return err
	}
	defer r.release(moduleID)
	return r.stop(ctx, moduleID)
}

func (r *Registry) stop(ctx context.Context, moduleID string) error {
	m, err := r.internalModule(moduleID)
	if err != nil {
		return err
	}
	if m.ContainerState != types.ContainerStateRunning {
		return errdefs.IllegalState("module %s is not running", moduleID)
	}

	if err := r.rt.StopModule(ctx, moduleID, stopTimeout); err != nil {
		return fmt.Errorf("failed to stop module %s: %w", moduleID, err)
	}

	r.setContainerState(moduleID, types.ContainerStateStopped)
	r.logger.Info().Str("module_id", moduleID).Msg("Module stopped")
	r.publish(events.EventModuleStopped, moduleID, fmt.Sprintf("Module %s stopped", moduleID))
	return nil
}

// Rebuild is stop, build, start in one operation. It is the only path out
// of the failed state.
func (r *Registry) Rebuild(ctx context.Context, moduleID string) error {
	if err := r.claim(moduleID); err != nil {
		return err
	}
	defer r.release(moduleID)

	m, err := r.internalModule(moduleID)
	if err != nil {
		return err
	}
	if m.ContainerState == types.ContainerStateBuilding {
		return errdefs.IllegalState("module %s is already building", moduleID)
	}
	if m.ContainerState == types.ContainerStateRunning {
		if err := r.stop(ctx, moduleID); err != nil {
			return err
		}
	}
	// A failed module builds from scratch.
	if m.ContainerState == types.ContainerStateFailed {
		r.setContainerState(moduleID, types.ContainerStateAbsent)
	}
	if err := r.build(ctx, moduleID); err != nil {
		return err
	}
	return r.start(ctx, moduleID)
}

// Status returns the module's current container state straight from the
// runtime, refreshing the cached descriptor on the way.
func (r *Registry) Status(ctx context.Context, moduleID string) (types.ContainerState, error) {
	m, err := r.internalModule(moduleID)
	if err != nil {
		return "", err
	}
	if m.ContainerState == types.ContainerStateBuilding {
		return types.ContainerStateBuilding, nil
	}

	state, err := r.rt.ModuleState(ctx, moduleID)
	if err != nil {
		return "", err
	}
	// Pinned failure outranks whatever the runtime reports; only an
	// operator rebuild clears it.
	if m.ContainerState == types.ContainerStateFailed {
		return types.ContainerStateFailed, nil
	}
	if state != m.ContainerState {
		r.setContainerState(moduleID, state)
	}
	return state, nil
}

// AutoActivate builds and starts every active internal module that wants to
// run. Modules come up in parallel; one failure never blocks the others.
func (r *Registry) AutoActivate(ctx context.Context) {
	var wg sync.WaitGroup
	for _, m := range r.List() {
		if m.Kind != types.ModuleKindInternal || !m.Active || !m.Autostart {
			continue
		}
		wg.Add(1)
		go func(moduleID string) {
			defer wg.Done()
			if err := r.ensureUp(ctx, moduleID); err != nil {
				r.logger.Error().Err(err).Str("module_id", moduleID).Msg("Auto-activation failed")
			}
		}(m.ID)
	}
	wg.Wait()
}

// ensureUp drives one module towards running, whatever state it is in.
// Pinned-failed modules are left alone.
func (r *Registry) ensureUp(ctx context.Context, moduleID string) error {
	if err := r.claim(moduleID); err != nil {
		return err
	}
	defer r.release(moduleID)

	m, err := r.internalModule(moduleID)
	if err != nil {
		return err
	}
	switch m.ContainerState {
	case types.ContainerStateRunning, types.ContainerStateBuilding:
		return nil
	case types.ContainerStateFailed:
		return errdefs.IllegalState("module %s is pinned failed; rebuild it", moduleID)
	case types.ContainerStateAbsent:
		if err := r.build(ctx, moduleID); err != nil {
			return err
		}
	}
	return r.start(ctx, moduleID)
}

// internalModule fetches a module and insists it is container-backed.
func (r *Registry) internalModule(moduleID string) (*types.ModuleDescriptor, error) {
	m, err := r.Get(moduleID)
	if err != nil {
		return nil, err
	}
	if m.Kind != types.ModuleKindInternal {
		return nil, errdefs.InvalidInput("module %s is external; it has no container lifecycle", moduleID)
	}
	return m, nil
}

func (r *Registry) setContainerState(moduleID string, state types.ContainerState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.modules[moduleID]
	if !ok {
		return
	}
	m.ContainerState = state
	if state != types.ContainerStateRunning {
		m.Healthy = false
	}
	if err := r.store.PutModule(m); err != nil {
		r.logger.Error().Err(err).Str("module_id", moduleID).Msg("Failed to persist container state")
	}
}

// withRetries runs attempt until it succeeds, the retry budget is spent, or
// the context ends. Backoff doubles per retry from the configured base.
func (r *Registry) withRetries(ctx context.Context, logger zerolog.Logger, attempt func() error) error {
	var err error
	backoff := r.cfg.Lifecycle.BuildBackoff
	for try := 0; try <= r.cfg.Lifecycle.BuildRetries; try++ {
		if try > 0 {
			logger.Warn().Err(err).Int("retry", try).Dur("backoff", backoff).Msg("Retrying after failure")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = attempt(); err == nil {
			return nil
		}
	}
	return err
}

// moduleEnv is the environment contract module containers boot with.
func (r *Registry) moduleEnv(moduleID string) []string {
	return []string{
		"MASTIFF_MODULE_ID=" + moduleID,
		"MASTIFF_REDIS_ADDR=" + r.cfg.Redis.Addr,
		"MASTIFF_STORE_DIR=" + r.cfg.StoreDir(),
	}
}
