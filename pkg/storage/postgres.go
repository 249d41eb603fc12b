package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/jmoiron/sqlx"

	"github.com/mastiff-sec/mastiff/pkg/errdefs"
	"github.com/mastiff-sec/mastiff/pkg/types"
)

// SQLStore implements Store on Postgres. Entities are stored as JSONB
// documents with the lookup keys promoted to columns, keeping both backends
// byte-compatible at the document level. Intended for deployments where the
// orchestrator host is not the system of record.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore connects to Postgres and verifies the connection. Migrations
// are applied separately (see cmd/mastiff-migrate).
func NewSQLStore(dsn string) (*SQLStore, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Close closes the connection pool
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) getDoc(dest any, query string, args ...any) error {
	var doc []byte
	if err := s.db.Get(&doc, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sql.ErrNoRows
		}
		return fmt.Errorf("query failed: %w", err)
	}
	return json.Unmarshal(doc, dest)
}

func (s *SQLStore) selectDocs(query string, args ...any) ([][]byte, error) {
	var docs [][]byte
	if err := s.db.Select(&docs, query, args...); err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return docs, nil
}

// Artifact operations

func (s *SQLStore) CreateArtifact(artifact *types.Artifact) error {
	doc, err := json.Marshal(artifact)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO artifacts (fingerprint, doc)
		VALUES ($1, $2)
		ON CONFLICT (fingerprint) DO UPDATE SET doc = EXCLUDED.doc`,
		artifact.Fingerprint, doc)
	return err
}

func (s *SQLStore) GetArtifact(fingerprint string) (*types.Artifact, error) {
	var artifact types.Artifact
	err := s.getDoc(&artifact, `SELECT doc FROM artifacts WHERE fingerprint = $1`, fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("artifact %s", fingerprint)
	}
	if err != nil {
		return nil, err
	}
	return &artifact, nil
}

func (s *SQLStore) ListArtifacts() ([]*types.Artifact, error) {
	docs, err := s.selectDocs(`SELECT doc FROM artifacts ORDER BY fingerprint`)
	if err != nil {
		return nil, err
	}
	artifacts := make([]*types.Artifact, 0, len(docs))
	for _, doc := range docs {
		var artifact types.Artifact
		if err := json.Unmarshal(doc, &artifact); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, &artifact)
	}
	return artifacts, nil
}

func (s *SQLStore) UpdateArtifact(artifact *types.Artifact) error {
	return s.CreateArtifact(artifact)
}

func (s *SQLStore) DeleteArtifact(fingerprint string) error {
	_, err := s.db.Exec(`DELETE FROM artifacts WHERE fingerprint = $1`, fingerprint)
	return err
}

// Module operations

func (s *SQLStore) PutModule(module *types.ModuleDescriptor) error {
	doc, err := json.Marshal(module)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO modules (id, doc)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`,
		module.ID, doc)
	return err
}

func (s *SQLStore) GetModule(id string) (*types.ModuleDescriptor, error) {
	var module types.ModuleDescriptor
	err := s.getDoc(&module, `SELECT doc FROM modules WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("module %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &module, nil
}

func (s *SQLStore) ListModules() ([]*types.ModuleDescriptor, error) {
	docs, err := s.selectDocs(`SELECT doc FROM modules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	modules := make([]*types.ModuleDescriptor, 0, len(docs))
	for _, doc := range docs {
		var module types.ModuleDescriptor
		if err := json.Unmarshal(doc, &module); err != nil {
			return nil, err
		}
		modules = append(modules, &module)
	}
	return modules, nil
}

func (s *SQLStore) DeleteModule(id string) error {
	_, err := s.db.Exec(`DELETE FROM modules WHERE id = $1`, id)
	return err
}

// Chain operations

func (s *SQLStore) PutChain(chain *types.Chain) error {
	doc, err := json.Marshal(chain)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO chains (name, doc)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET doc = EXCLUDED.doc`,
		chain.Name, doc)
	return err
}

func (s *SQLStore) GetChain(name string) (*types.Chain, error) {
	var chain types.Chain
	err := s.getDoc(&chain, `SELECT doc FROM chains WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("chain %s", name)
	}
	if err != nil {
		return nil, err
	}
	return &chain, nil
}

func (s *SQLStore) ListChains() ([]*types.Chain, error) {
	docs, err := s.selectDocs(`SELECT doc FROM chains ORDER BY name`)
	if err != nil {
		return nil, err
	}
	chains := make([]*types.Chain, 0, len(docs))
	for _, doc := range docs {
		var chain types.Chain
		if err := json.Unmarshal(doc, &chain); err != nil {
			return nil, err
		}
		chains = append(chains, &chain)
	}
	return chains, nil
}

func (s *SQLStore) DeleteChain(name string) error {
	_, err := s.db.Exec(`DELETE FROM chains WHERE name = $1`, name)
	return err
}

// Result operations

func (s *SQLStore) PutResult(result *types.ModuleResult) error {
	if result.Fingerprint == "" || result.ModuleID == "" {
		return errdefs.InvalidInput("result requires fingerprint and module id")
	}
	doc, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO results (fingerprint, module_id, doc)
		VALUES ($1, $2, $3)
		ON CONFLICT (fingerprint, module_id) DO UPDATE SET doc = EXCLUDED.doc`,
		result.Fingerprint, result.ModuleID, doc)
	return err
}

func (s *SQLStore) GetResult(fingerprint, moduleID string) (*types.ModuleResult, error) {
	var result types.ModuleResult
	err := s.getDoc(&result,
		`SELECT doc FROM results WHERE fingerprint = $1 AND module_id = $2`,
		fingerprint, moduleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("result for %s/%s", fingerprint, moduleID)
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *SQLStore) ListResultsByArtifact(fingerprint string) ([]*types.ModuleResult, error) {
	docs, err := s.selectDocs(
		`SELECT doc FROM results WHERE fingerprint = $1 ORDER BY module_id`, fingerprint)
	if err != nil {
		return nil, err
	}
	results := make([]*types.ModuleResult, 0, len(docs))
	for _, doc := range docs {
		var result types.ModuleResult
		if err := json.Unmarshal(doc, &result); err != nil {
			return nil, err
		}
		results = append(results, &result)
	}
	return results, nil
}

func (s *SQLStore) DeleteResultsByArtifact(fingerprint string) error {
	_, err := s.db.Exec(`DELETE FROM results WHERE fingerprint = $1`, fingerprint)
	return err
}

// Chain run operations

func (s *SQLStore) CreateRun(run *types.ChainRun) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO runs (id, fingerprint, state, doc)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, doc = EXCLUDED.doc`,
		run.ID, run.Fingerprint, string(run.State), doc)
	return err
}

func (s *SQLStore) GetRun(id string) (*types.ChainRun, error) {
	var run types.ChainRun
	err := s.getDoc(&run, `SELECT doc FROM runs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("run %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *SQLStore) UpdateRun(run *types.ChainRun) error {
	return s.CreateRun(run)
}

func (s *SQLStore) ListRuns() ([]*types.ChainRun, error) {
	docs, err := s.selectDocs(`SELECT doc FROM runs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return unmarshalRuns(docs)
}

func (s *SQLStore) ListRunsByArtifact(fingerprint string) ([]*types.ChainRun, error) {
	docs, err := s.selectDocs(
		`SELECT doc FROM runs WHERE fingerprint = $1 ORDER BY id`, fingerprint)
	if err != nil {
		return nil, err
	}
	return unmarshalRuns(docs)
}

func (s *SQLStore) ListActiveRuns() ([]*types.ChainRun, error) {
	docs, err := s.selectDocs(
		`SELECT doc FROM runs WHERE state NOT IN ('completed', 'failed', 'cancelled')`)
	if err != nil {
		return nil, err
	}
	return unmarshalRuns(docs)
}

func unmarshalRuns(docs [][]byte) ([]*types.ChainRun, error) {
	runs := make([]*types.ChainRun, 0, len(docs))
	for _, doc := range docs {
		var run types.ChainRun
		if err := json.Unmarshal(doc, &run); err != nil {
			return nil, err
		}
		runs = append(runs, &run)
	}
	return runs, nil
}

// Task operations

func (s *SQLStore) CreateTask(task *types.Task) error {
	doc, err := json.Marshal(task)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO tasks (id, state, doc)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, doc = EXCLUDED.doc`,
		task.ID, string(task.State), doc)
	return err
}

func (s *SQLStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	err := s.getDoc(&task, `SELECT doc FROM tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("task %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *SQLStore) UpdateTask(task *types.Task) error {
	return s.CreateTask(task)
}

func (s *SQLStore) ListTasks() ([]*types.Task, error) {
	docs, err := s.selectDocs(`SELECT doc FROM tasks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return unmarshalTasks(docs)
}

func (s *SQLStore) ListActiveTasks() ([]*types.Task, error) {
	docs, err := s.selectDocs(
		`SELECT doc FROM tasks WHERE state NOT IN ('completed', 'failed', 'timed_out', 'cancelled')`)
	if err != nil {
		return nil, err
	}
	return unmarshalTasks(docs)
}

func unmarshalTasks(docs [][]byte) ([]*types.Task, error) {
	tasks := make([]*types.Task, 0, len(docs))
	for _, doc := range docs {
		var task types.Task
		if err := json.Unmarshal(doc, &task); err != nil {
			return nil, err
		}
		tasks = append(tasks, &task)
	}
	return tasks, nil
}

func (s *SQLStore) DeleteTask(id string) error {
	_, err := s.db.Exec(`DELETE FROM tasks WHERE id = $1`, id)
	return err
}

// Auto-run settings

func (s *SQLStore) GetAutoRun() (*types.AutoRunConfig, error) {
	var cfg types.AutoRunConfig
	err := s.getDoc(&cfg, `SELECT doc FROM settings WHERE key = 'autorun'`)
	if errors.Is(err, sql.ErrNoRows) {
		return types.DefaultAutoRun(), nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *SQLStore) PutAutoRun(cfg *types.AutoRunConfig) error {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO settings (key, doc)
		VALUES ('autorun', $1)
		ON CONFLICT (key) DO UPDATE SET doc = EXCLUDED.doc`, doc)
	return err
}

// GetReport assembles the per-artifact view: metadata, the latest result per
// module, and the run history.
func (s *SQLStore) GetReport(fingerprint string) (*types.Report, error) {
	artifact, err := s.GetArtifact(fingerprint)
	if err != nil {
		return nil, err
	}

	results, err := s.ListResultsByArtifact(fingerprint)
	if err != nil {
		return nil, err
	}

	runs, err := s.ListRunsByArtifact(fingerprint)
	if err != nil {
		return nil, err
	}

	report := &types.Report{
		Artifact:  artifact,
		Modules:   make(map[string]*types.ModuleResult, len(results)),
		ChainRuns: runs,
	}
	for _, r := range results {
		report.Modules[r.ModuleID] = r
	}
	return report, nil
}
