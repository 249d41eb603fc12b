package storage

import (
	"github.com/mastiff-sec/mastiff/pkg/types"
)

// Store defines the interface for orchestrator state storage.
// Implemented by BoltStore (embedded, default) and SQLStore (Postgres).
type Store interface {
	// Artifacts
	CreateArtifact(artifact *types.Artifact) error
	GetArtifact(fingerprint string) (*types.Artifact, error)
	ListArtifacts() ([]*types.Artifact, error)
	UpdateArtifact(artifact *types.Artifact) error
	DeleteArtifact(fingerprint string) error

	// Modules
	PutModule(module *types.ModuleDescriptor) error
	GetModule(id string) (*types.ModuleDescriptor, error)
	ListModules() ([]*types.ModuleDescriptor, error)
	DeleteModule(id string) error

	// Chains
	PutChain(chain *types.Chain) error
	GetChain(name string) (*types.Chain, error)
	ListChains() ([]*types.Chain, error)
	DeleteChain(name string) error

	// Results hold the latest report per (fingerprint, module); PutResult
	// overwrites any previous result for the same pair.
	PutResult(result *types.ModuleResult) error
	GetResult(fingerprint, moduleID string) (*types.ModuleResult, error)
	ListResultsByArtifact(fingerprint string) ([]*types.ModuleResult, error)
	DeleteResultsByArtifact(fingerprint string) error

	// Chain runs
	CreateRun(run *types.ChainRun) error
	GetRun(id string) (*types.ChainRun, error)
	UpdateRun(run *types.ChainRun) error
	ListRuns() ([]*types.ChainRun, error)
	ListRunsByArtifact(fingerprint string) ([]*types.ChainRun, error)
	ListActiveRuns() ([]*types.ChainRun, error)

	// Tasks
	CreateTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	UpdateTask(task *types.Task) error
	ListTasks() ([]*types.Task, error)
	ListActiveTasks() ([]*types.Task, error)
	DeleteTask(id string) error

	// Auto-run settings
	GetAutoRun() (*types.AutoRunConfig, error)
	PutAutoRun(cfg *types.AutoRunConfig) error

	// Reports
	GetReport(fingerprint string) (*types.Report, error)

	// Utility
	Close() error
}
