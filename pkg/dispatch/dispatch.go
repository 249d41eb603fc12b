package dispatch

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/mastiff-sec/mastiff/pkg/errdefs"
	"github.com/mastiff-sec/mastiff/pkg/executor"
	"github.com/mastiff-sec/mastiff/pkg/log"
	"github.com/mastiff-sec/mastiff/pkg/storage"
	"github.com/mastiff-sec/mastiff/pkg/types"
)

// Launcher starts runs. The executor satisfies this.
type Launcher interface {
	Start(req executor.Request) (*types.ChainRun, error)
}

// ModuleResolver answers whether a module ID is known to the registry.
type ModuleResolver interface {
	Exists(moduleID string) bool
}

// Dispatcher applies the auto-run configuration to freshly ingested
// artifacts. The configuration is one process-wide value held behind an
// atomic pointer: every ingestion reads a consistent snapshot without taking
// a lock, and settings updates swap the whole value at once.
type Dispatcher struct {
	store    storage.Store
	modules  ModuleResolver
	launcher Launcher
	logger   zerolog.Logger

	cfg atomic.Pointer[types.AutoRunConfig]
}

// New loads the persisted auto-run configuration and returns a dispatcher.
// An unset store yields the default configuration, which runs nothing.
func New(store storage.Store, modules ModuleResolver, launcher Launcher) (*Dispatcher, error) {
	cfg, err := store.GetAutoRun()
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		store:    store,
		modules:  modules,
		launcher: launcher,
		logger:   log.WithComponent("dispatch"),
	}
	d.cfg.Store(cfg)
	return d, nil
}

// AutoRun returns the current configuration snapshot.
func (d *Dispatcher) AutoRun() *types.AutoRunConfig {
	snapshot := *d.cfg.Load()
	return &snapshot
}

// SetAutoRun validates, persists, and swaps in a new configuration. Rules
// referencing unknown modules or chains are rejected before anything is
// written, so a bad update never half-applies.
func (d *Dispatcher) SetAutoRun(cfg *types.AutoRunConfig) error {
	if cfg == nil {
		return errdefs.InvalidInput("auto-run configuration is required")
	}

	for _, entry := range []struct {
		artifactType types.ArtifactType
		rule         types.Rule
	}{
		{types.ArtifactAPK, cfg.APK},
		{types.ArtifactIPA, cfg.IPA},
		{types.ArtifactZIP, cfg.ZIP},
	} {
		if err := d.validateRule(entry.artifactType, entry.rule); err != nil {
			return err
		}
	}

	if err := d.store.PutAutoRun(cfg); err != nil {
		return err
	}

	snapshot := *cfg
	d.cfg.Store(&snapshot)
	d.logger.Info().
		Str("apk", ruleString(cfg.APK)).
		Str("ipa", ruleString(cfg.IPA)).
		Str("zip", ruleString(cfg.ZIP)).
		Msg("Auto-run configuration updated")
	return nil
}

func (d *Dispatcher) validateRule(t types.ArtifactType, rule types.Rule) error {
	switch rule.Kind {
	case types.RuleNone:
		if rule.TargetID != "" {
			return errdefs.InvalidInput("%s rule: kind none takes no target", t)
		}
		return nil

	case types.RuleModule:
		if rule.TargetID == "" {
			return errdefs.InvalidInput("%s rule: module rule requires a target", t)
		}
		if !d.modules.Exists(rule.TargetID) {
			return errdefs.NotFound("%s rule: module %s is not registered", t, rule.TargetID)
		}
		return nil

	case types.RuleChain:
		if rule.TargetID == "" {
			return errdefs.InvalidInput("%s rule: chain rule requires a target", t)
		}
		if _, err := d.store.GetChain(rule.TargetID); err != nil {
			return err
		}
		return nil

	default:
		return errdefs.InvalidInput("%s rule: unknown kind %q", t, rule.Kind)
	}
}

// OnIngest applies the rule configured for the artifact's detected type.
// Returns the launched run, or nil when the rule is none. A duplicate open
// run is not an error here: re-uploading an artifact mid-scan is routine.
// An artifact that already has a completed run is left alone; re-uploading
// a fully scanned binary changes nothing, and a fresh scan goes through the
// explicit runs endpoint.
func (d *Dispatcher) OnIngest(artifact *types.Artifact) (*types.ChainRun, error) {
	rule := d.cfg.Load().RuleFor(artifact.DetectedType)

	var req executor.Request
	switch rule.Kind {
	case types.RuleModule:
		req = executor.Request{ModuleID: rule.TargetID, Fingerprint: artifact.Fingerprint}
	case types.RuleChain:
		req = executor.Request{ChainName: rule.TargetID, Fingerprint: artifact.Fingerprint}
	default:
		return nil, nil
	}

	if d.hasCompletedRun(artifact.Fingerprint) {
		d.logger.Info().
			Str("fingerprint", artifact.Fingerprint).
			Str("target", rule.TargetID).
			Msg("Auto-run skipped; artifact already has a completed run")
		return nil, nil
	}

	run, err := d.launcher.Start(req)
	if err != nil {
		if errdefs.IsIllegalState(err) {
			d.logger.Info().
				Str("fingerprint", artifact.Fingerprint).
				Str("target", rule.TargetID).
				Msg("Auto-run skipped; a run is already open")
			return nil, nil
		}
		d.logger.Error().Err(err).
			Str("fingerprint", artifact.Fingerprint).
			Str("target", rule.TargetID).
			Msg("Auto-run launch failed")
		return nil, err
	}

	d.logger.Info().
		Str("fingerprint", artifact.Fingerprint).
		Str("run_id", run.ID).
		Str("chain", run.ChainName).
		Msg("Auto-run launched")
	return run, nil
}

// hasCompletedRun reports whether any run for the fingerprint already
// finished successfully. Listing errors count as no: the launch attempt
// surfaces a store problem on its own.
func (d *Dispatcher) hasCompletedRun(fingerprint string) bool {
	runs, err := d.store.ListRunsByArtifact(fingerprint)
	if err != nil {
		return false
	}
	for _, run := range runs {
		if run.State == types.RunStateCompleted {
			return true
		}
	}
	return false
}

func ruleString(r types.Rule) string {
	if r.Kind == types.RuleNone || r.Kind == "" {
		return "none"
	}
	return string(r.Kind) + ":" + r.TargetID
}
