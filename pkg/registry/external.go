package registry

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mastiff-sec/mastiff/pkg/errdefs"
	"github.com/mastiff-sec/mastiff/pkg/events"
	"github.com/mastiff-sec/mastiff/pkg/types"
)

// RegisterExternal admits (or refreshes) an externally hosted module. The
// call is idempotent: re-registering an existing external module updates
// its endpoints and config. A freshly registered module starts healthy and
// active; the prober takes over from there.
func (r *Registry) RegisterExternal(reg *types.ExternalRegistration) (*types.ModuleDescriptor, error) {
	if err := validateRegistration(reg); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.modules[reg.ModuleID]; ok && existing.Kind == types.ModuleKindInternal {
		return nil, errdefs.IllegalState("module ID %s is taken by an internal module", reg.ModuleID)
	}

	formats := reg.Config.InputFormats
	if len(formats) == 0 {
		formats = allArtifactTypes
	}
	m := &types.ModuleDescriptor{
		ID:             reg.ModuleID,
		Name:           reg.Config.Name,
		Version:        reg.Config.Version,
		Author:         reg.Config.Author,
		Description:    reg.Config.Description,
		InputFormats:   formats,
		Kind:           types.ModuleKindExternal,
		Active:         reg.Config.Active == nil || *reg.Config.Active,
		Healthy:        true,
		BaseURL:        strings.TrimRight(reg.BaseURL, "/"),
		HealthcheckURL: reg.HealthcheckURL,
		LastSeenAt:     time.Now().UTC(),
		StepTimeout:    reg.Config.StepTimeout,
	}
	if m.Name == "" {
		m.Name = reg.ModuleID
	}
	if m.HealthcheckURL == "" {
		m.HealthcheckURL = m.BaseURL + "/operations/health"
	}

	if err := r.upsertLocked(m); err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("module_id", m.ID).
		Str("base_url", m.BaseURL).
		Msg("External module registered")
	r.publish(events.EventModuleRegistered, m.ID,
		fmt.Sprintf("External module %s registered at %s", m.ID, m.BaseURL))
	return snapshot(m), nil
}

// DeregisterExternal removes an external module from the registry. Results
// it already produced stay in the report store.
func (r *Registry) DeregisterExternal(moduleID string) error {
	r.mu.Lock()
	m, ok := r.modules[moduleID]
	if !ok {
		r.mu.Unlock()
		return errdefs.NotFound("module %s is not registered", moduleID)
	}
	if m.Kind != types.ModuleKindExternal {
		r.mu.Unlock()
		return errdefs.InvalidInput("module %s is internal; remove its directory instead", moduleID)
	}
	r.mu.Unlock()

	if err := r.remove(moduleID); err != nil {
		return err
	}

	r.logger.Info().Str("module_id", moduleID).Msg("External module deregistered")
	r.publish(events.EventModuleRemoved, moduleID,
		fmt.Sprintf("External module %s deregistered", moduleID))
	return nil
}

// touchExternal refreshes the last-seen timestamp after a successful probe
// or result submission.
func (r *Registry) touchExternal(moduleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.modules[moduleID]; ok && m.Kind == types.ModuleKindExternal {
		m.LastSeenAt = time.Now().UTC()
	}
}

func validateRegistration(reg *types.ExternalRegistration) error {
	if reg.ModuleID == "" {
		return errdefs.InvalidInput("registration needs a module_id")
	}
	if reg.BaseURL == "" {
		return errdefs.InvalidInput("registration needs a base_url")
	}
	u, err := url.Parse(reg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errdefs.InvalidInput("base_url %q is not an absolute URL", reg.BaseURL)
	}
	if reg.HealthcheckURL != "" {
		if hu, err := url.Parse(reg.HealthcheckURL); err != nil || hu.Scheme == "" || hu.Host == "" {
			return errdefs.InvalidInput("healthcheck_url %q is not an absolute URL", reg.HealthcheckURL)
		}
	}
	return nil
}
