package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mastiff-sec/mastiff/pkg/config"
	"github.com/mastiff-sec/mastiff/pkg/errdefs"
	"github.com/mastiff-sec/mastiff/pkg/events"
	"github.com/mastiff-sec/mastiff/pkg/log"
	"github.com/mastiff-sec/mastiff/pkg/queue"
	"github.com/mastiff-sec/mastiff/pkg/runtime"
	"github.com/mastiff-sec/mastiff/pkg/storage"
	"github.com/mastiff-sec/mastiff/pkg/types"
	"github.com/rs/zerolog"
)

// Registry is the module registry: the authoritative view of every analysis
// module the orchestrator knows, internal and external. It owns discovery
// from the modules directory, the container lifecycle of internal modules,
// external registration, and the eligibility query the executor consults
// before enqueuing work.
//
// The in-memory map is the source of truth for reads; every mutation is
// written through to the store so descriptors survive restarts.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*types.ModuleDescriptor
	busy    map[string]bool

	store  storage.Store
	rt     runtime.Runtime
	queue  queue.Queue
	broker *events.Broker
	cfg    *config.Config
	logger zerolog.Logger
}

// New creates a registry. Call Bootstrap before serving traffic.
func New(store storage.Store, rt runtime.Runtime, q queue.Queue, cfg *config.Config, broker *events.Broker) *Registry {
	return &Registry{
		modules: make(map[string]*types.ModuleDescriptor),
		busy:    make(map[string]bool),
		store:   store,
		rt:      rt,
		queue:   q,
		broker:  broker,
		cfg:     cfg,
		logger:  log.WithComponent("registry"),
	}
}

// Get returns a copy of one module descriptor.
func (r *Registry) Get(moduleID string) (*types.ModuleDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.modules[moduleID]
	if !ok {
		return nil, errdefs.NotFound("module %s is not registered", moduleID)
	}
	return snapshot(m), nil
}

// List returns copies of all module descriptors, sorted by ID.
func (r *Registry) List() []*types.ModuleDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.ModuleDescriptor, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, snapshot(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Exists reports whether a module ID is registered. Satisfies
// chain.ModuleResolver.
func (r *Registry) Exists(moduleID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.modules[moduleID]
	return ok
}

// Select is the eligibility query: it returns the module if and only if it
// can take a task for the given artifact type right now. The error kind
// carries the refusal reason: unknown modules are ErrNotFound, inactive or
// unhealthy ones ErrUnavailable, and a format mismatch ErrInvalidInput.
func (r *Registry) Select(moduleID string, fileType types.ArtifactType) (*types.ModuleDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.modules[moduleID]
	if !ok {
		return nil, errdefs.NotFound("module %s is not registered", moduleID)
	}
	if !m.Active {
		return nil, errdefs.Unavailable("module %s is deactivated", moduleID)
	}
	if !m.Healthy {
		return nil, errdefs.Unavailable("module %s is unhealthy", moduleID)
	}
	if !m.AcceptsType(fileType) {
		return nil, errdefs.InvalidInput("module %s does not accept %s artifacts", moduleID, fileType)
	}
	return snapshot(m), nil
}

// Activate marks a module eligible for work again.
func (r *Registry) Activate(moduleID string) error {
	return r.setActive(moduleID, true)
}

// Deactivate withdraws a module from eligibility. Running containers keep
// running; the executor simply stops selecting the module.
func (r *Registry) Deactivate(moduleID string) error {
	return r.setActive(moduleID, false)
}

func (r *Registry) setActive(moduleID string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.modules[moduleID]
	if !ok {
		return errdefs.NotFound("module %s is not registered", moduleID)
	}
	if m.Active == active {
		return nil
	}
	m.Active = active
	if err := r.store.PutModule(m); err != nil {
		return fmt.Errorf("failed to persist module: %w", err)
	}
	r.logger.Info().Str("module_id", moduleID).Bool("active", active).Msg("Module activation changed")
	return nil
}

// setHealthy records a health transition and announces it. No-op when the
// state is unchanged.
func (r *Registry) setHealthy(moduleID string, healthy bool, reason string) {
	r.mu.Lock()
	m, ok := r.modules[moduleID]
	if !ok || m.Healthy == healthy {
		r.mu.Unlock()
		return
	}
	m.Healthy = healthy
	if err := r.store.PutModule(m); err != nil {
		r.logger.Error().Err(err).Str("module_id", moduleID).Msg("Failed to persist health state")
	}
	r.mu.Unlock()

	evt := events.EventModuleHealthy
	if !healthy {
		evt = events.EventModuleUnhealthy
		r.logger.Warn().Str("module_id", moduleID).Str("reason", reason).Msg("Module is unhealthy")
	} else {
		r.logger.Info().Str("module_id", moduleID).Msg("Module is healthy")
	}
	r.publish(evt, moduleID, reason)
}

// upsert installs a descriptor in the map and write-through persists it.
// Caller must not hold r.mu.
func (r *Registry) upsert(m *types.ModuleDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upsertLocked(m)
}

func (r *Registry) upsertLocked(m *types.ModuleDescriptor) error {
	if err := r.store.PutModule(m); err != nil {
		return fmt.Errorf("failed to persist module %s: %w", m.ID, err)
	}
	r.modules[m.ID] = m
	return nil
}

// remove drops a descriptor from the map and the store.
func (r *Registry) remove(moduleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.modules[moduleID]; !ok {
		return errdefs.NotFound("module %s is not registered", moduleID)
	}
	if err := r.store.DeleteModule(moduleID); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	delete(r.modules, moduleID)
	return nil
}

// claim marks a module busy for the duration of a lifecycle operation so
// concurrent build/start/stop calls cannot interleave.
func (r *Registry) claim(moduleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.busy[moduleID] {
		return errdefs.IllegalState("module %s has an operation in progress", moduleID)
	}
	r.busy[moduleID] = true
	return nil
}

func (r *Registry) release(moduleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.busy, moduleID)
}

func (r *Registry) publish(eventType events.EventType, moduleID, message string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{
		Type:     eventType,
		Message:  message,
		Metadata: map[string]string{"module_id": moduleID},
	})
}

// snapshot returns a defensive copy so callers never alias registry state.
func snapshot(m *types.ModuleDescriptor) *types.ModuleDescriptor {
	c := *m
	c.InputFormats = append([]types.ArtifactType(nil), m.InputFormats...)
	return &c
}
