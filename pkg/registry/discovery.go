package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/mastiff-sec/mastiff/pkg/errdefs"
	"github.com/mastiff-sec/mastiff/pkg/events"
	"github.com/mastiff-sec/mastiff/pkg/types"
)

// configNames are the accepted module config file names, probed in order.
var configNames = []string{"config.yaml", "config.yml"}

// allArtifactTypes is the input format fallback for configs that do not
// restrict themselves.
var allArtifactTypes = []types.ArtifactType{
	types.ArtifactAPK,
	types.ArtifactIPA,
	types.ArtifactZIP,
	types.ArtifactSource,
}

// Bootstrap brings the registry to its serving state: persisted descriptors
// are reloaded (external registrations survive restarts), the modules
// directory is scanned, and internal container states are reconciled
// against the runtime.
func (r *Registry) Bootstrap(ctx context.Context) error {
	persisted, err := r.store.ListModules()
	if err != nil {
		return fmt.Errorf("failed to load persisted modules: %w", err)
	}

	r.mu.Lock()
	for _, m := range persisted {
		if m.Kind == types.ModuleKindExternal {
			// An external module must prove itself again after a restart.
			m.Healthy = false
		}
		r.modules[m.ID] = m
	}
	r.mu.Unlock()

	if err := r.Discover(ctx); err != nil {
		return err
	}

	r.reconcileContainers(ctx)
	r.logger.Info().Int("modules", len(r.List())).Msg("Registry bootstrapped")
	return nil
}

// Discover scans the modules directory and synchronizes internal module
// descriptors with it: new directories register, changed configs update,
// vanished directories deregister.
func (r *Registry) Discover(ctx context.Context) error {
	entries, err := os.ReadDir(r.cfg.ModulesDir)
	if err != nil {
		return fmt.Errorf("failed to read modules directory: %w", err)
	}

	seen := make(map[string]bool)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		moduleID := entry.Name()
		cfg, err := loadModuleConfig(filepath.Join(r.cfg.ModulesDir, moduleID))
		if err != nil {
			r.logger.Warn().Err(err).Str("module_id", moduleID).Msg("Skipping module directory")
			continue
		}
		seen[moduleID] = true
		if err := r.applyConfig(moduleID, cfg); err != nil {
			r.logger.Error().Err(err).Str("module_id", moduleID).Msg("Failed to register module")
		}
	}

	// Internal modules whose directory vanished are withdrawn.
	for _, m := range r.List() {
		if m.Kind != types.ModuleKindInternal || seen[m.ID] {
			continue
		}
		r.logger.Info().Str("module_id", m.ID).Msg("Module directory removed; deregistering")
		if m.ContainerState == types.ContainerStateRunning {
			if err := r.rt.StopModule(ctx, m.ID, 10*time.Second); err != nil {
				r.logger.Warn().Err(err).Str("module_id", m.ID).Msg("Failed to stop removed module")
			}
		}
		if err := r.remove(m.ID); err != nil {
			r.logger.Error().Err(err).Str("module_id", m.ID).Msg("Failed to deregister module")
			continue
		}
		r.publish(events.EventModuleRemoved, m.ID, "module directory removed")
	}
	return nil
}

// applyConfig merges an on-disk config into the registry: fresh descriptors
// for new IDs, config-owned fields refreshed for known ones. Runtime state
// (container state, health) is never overwritten by a rescan.
func (r *Registry) applyConfig(moduleID string, cfg *types.ModuleConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, known := r.modules[moduleID]
	if known && existing.Kind == types.ModuleKindExternal {
		return errdefs.IllegalState("module ID %s is taken by an external registration", moduleID)
	}

	formats := cfg.InputFormats
	if len(formats) == 0 {
		formats = allArtifactTypes
	}
	image := cfg.Image
	if image == "" {
		image = fmt.Sprintf("%s%s:%s", r.cfg.Runtime.ImagePrefix, moduleID, cfg.Version)
	}

	if !known {
		active := cfg.Active == nil || *cfg.Active
		m := &types.ModuleDescriptor{
			ID:             moduleID,
			Name:           cfg.Name,
			Version:        cfg.Version,
			Author:         cfg.Author,
			Description:    cfg.Description,
			InputFormats:   formats,
			Kind:           types.ModuleKindInternal,
			Active:         active,
			Autostart:      active,
			ImageRef:       image,
			ContainerState: types.ContainerStateAbsent,
			StepTimeout:    cfg.StepTimeout,
		}
		if err := r.upsertLocked(m); err != nil {
			return err
		}
		r.logger.Info().
			Str("module_id", moduleID).
			Str("version", cfg.Version).
			Str("image", image).
			Msg("Module discovered")
		r.publish(events.EventModuleRegistered, moduleID, fmt.Sprintf("Module %s %s discovered", cfg.Name, cfg.Version))
		return nil
	}

	existing.Name = cfg.Name
	existing.Version = cfg.Version
	existing.Author = cfg.Author
	existing.Description = cfg.Description
	existing.InputFormats = formats
	existing.ImageRef = image
	existing.StepTimeout = cfg.StepTimeout
	if cfg.Active != nil {
		existing.Active = *cfg.Active
	}
	return r.upsertLocked(existing)
}

// reconcileContainers aligns persisted container states with what the
// runtime actually has, so a restart does not trust stale records.
func (r *Registry) reconcileContainers(ctx context.Context) {
	for _, m := range r.List() {
		if m.Kind != types.ModuleKindInternal {
			continue
		}
		state, err := r.rt.ModuleState(ctx, m.ID)
		if err != nil {
			r.logger.Warn().Err(err).Str("module_id", m.ID).Msg("Failed to query container state")
			continue
		}
		r.mu.Lock()
		if cur, ok := r.modules[m.ID]; ok && cur.ContainerState != state {
			cur.ContainerState = state
			if state != types.ContainerStateRunning {
				cur.Healthy = false
			}
			if err := r.store.PutModule(cur); err != nil {
				r.logger.Error().Err(err).Str("module_id", m.ID).Msg("Failed to persist container state")
			}
		}
		r.mu.Unlock()
	}
}

// loadModuleConfig reads and validates a module directory's config file.
func loadModuleConfig(dir string) (*types.ModuleConfig, error) {
	var raw []byte
	var err error
	for _, name := range configNames {
		raw, err = os.ReadFile(filepath.Join(dir, name))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, errdefs.InvalidInput("no module config in %s", dir)
	}

	var cfg types.ModuleConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errdefs.InvalidInput("malformed module config in %s: %v", dir, err)
	}
	if cfg.Name == "" || cfg.Version == "" {
		return nil, errdefs.InvalidInput("module config in %s needs name and version", dir)
	}
	return &cfg, nil
}

// Watch re-scans the modules directory whenever it changes, so dropping a
// module directory in place registers it without a restart. Events are
// debounced; a burst of file operations triggers one rescan.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create modules watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.cfg.ModulesDir); err != nil {
		return fmt.Errorf("failed to watch modules directory: %w", err)
	}
	// Config edits happen inside subdirectories; watch those too.
	if entries, err := os.ReadDir(r.cfg.ModulesDir); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				_ = watcher.Add(filepath.Join(r.cfg.ModulesDir, e.Name()))
			}
		}
	}

	var rescan <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			rescan = time.After(500 * time.Millisecond)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn().Err(err).Msg("Modules watcher error")

		case <-rescan:
			rescan = nil
			if err := r.Discover(ctx); err != nil {
				r.logger.Error().Err(err).Msg("Module rescan failed")
			}
		}
	}
}
