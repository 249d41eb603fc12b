package registry

import (
	"context"
	"sync"
	"time"

	"github.com/mastiff-sec/mastiff/pkg/health"
	"github.com/mastiff-sec/mastiff/pkg/log"
	"github.com/mastiff-sec/mastiff/pkg/types"
	"github.com/rs/zerolog"
)

// Prober keeps module health current. External modules answer an HTTP
// healthcheck: two consecutive failures flip them unhealthy, one success
// restores them. Internal modules are healthy while their container runs
// and their worker heartbeat is fresh on the queue plane; that judgment is
// immediate, with no failure budget.
type Prober struct {
	registry *Registry
	cfg      health.Config

	mu       sync.Mutex
	statuses map[string]*health.Status

	stopCh chan struct{}
	doneCh chan struct{}
	logger zerolog.Logger
}

// NewProber creates a prober ticking at the given interval.
func NewProber(registry *Registry, interval time.Duration) *Prober {
	cfg := health.DefaultConfig()
	cfg.Interval = interval

	return &Prober{
		registry: registry,
		cfg:      cfg,
		statuses: make(map[string]*health.Status),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   log.WithComponent("prober"),
	}
}

// Start launches the probe loop.
func (p *Prober) Start() {
	go p.run()
	p.logger.Info().Dur("interval", p.cfg.Interval).Msg("Health prober started")
}

// Stop terminates the probe loop and waits for the current sweep to end.
func (p *Prober) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Prober) run() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Interval)
			p.Sweep(ctx)
			cancel()
		}
	}
}

// Sweep probes every registered module once.
func (p *Prober) Sweep(ctx context.Context) {
	known := make(map[string]bool)
	for _, m := range p.registry.List() {
		known[m.ID] = true
		switch m.Kind {
		case types.ModuleKindExternal:
			p.probeExternal(ctx, m)
		case types.ModuleKindInternal:
			p.probeInternal(ctx, m)
		}
	}

	// Forget failure counters of modules that left the registry.
	p.mu.Lock()
	for id := range p.statuses {
		if !known[id] {
			delete(p.statuses, id)
		}
	}
	p.mu.Unlock()
}

func (p *Prober) probeExternal(ctx context.Context, m *types.ModuleDescriptor) {
	// One hung module must not eat the whole sweep window.
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	result := health.NewHTTPChecker(m.HealthcheckURL).Check(ctx)

	p.mu.Lock()
	status, ok := p.statuses[m.ID]
	if !ok {
		status = health.NewStatus()
		p.statuses[m.ID] = status
	}
	status.Update(result, p.cfg)
	healthy := status.Healthy
	p.mu.Unlock()

	if result.Healthy {
		p.registry.touchExternal(m.ID)
	}
	p.registry.setHealthy(m.ID, healthy, result.Message)
}

func (p *Prober) probeInternal(ctx context.Context, m *types.ModuleDescriptor) {
	// A build in progress has nothing to probe yet.
	if m.ContainerState == types.ContainerStateBuilding {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	state, err := p.registry.rt.ModuleState(ctx, m.ID)
	if err != nil {
		p.logger.Warn().Err(err).Str("module_id", m.ID).Msg("Container state query failed")
		p.registry.setHealthy(m.ID, false, "container state unknown")
		return
	}

	// A container that died under us moves the descriptor along with it.
	if state != m.ContainerState && m.ContainerState != types.ContainerStateFailed {
		p.registry.setContainerState(m.ID, state)
	}
	if state != types.ContainerStateRunning {
		p.registry.setHealthy(m.ID, false, "container not running")
		return
	}

	checker := health.NewHeartbeatChecker(m.ID, func(ctx context.Context) (bool, error) {
		return p.registry.queue.Alive(ctx, m.ID)
	})
	result := checker.Check(ctx)
	p.registry.setHealthy(m.ID, result.Healthy, result.Message)
}
