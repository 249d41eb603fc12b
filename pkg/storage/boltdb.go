package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/mastiff-sec/mastiff/pkg/errdefs"
	"github.com/mastiff-sec/mastiff/pkg/types"
)

var (
	// Bucket names
	bucketArtifacts = []byte("artifacts")
	bucketModules   = []byte("modules")
	bucketChains    = []byte("chains")
	bucketResults   = []byte("results")
	bucketRuns      = []byte("runs")
	bucketTasks     = []byte("tasks")
	bucketSettings  = []byte("settings")
)

var keyAutoRun = []byte("autorun")

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "mastiff.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketArtifacts,
			bucketModules,
			bucketChains,
			bucketResults,
			bucketRuns,
			bucketTasks,
			bucketSettings,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// resultKey composes the results bucket key. One result per pair; re-runs
// overwrite.
func resultKey(fingerprint, moduleID string) []byte {
	return []byte(fingerprint + "/" + moduleID)
}

// Artifact operations

func (s *BoltStore) CreateArtifact(artifact *types.Artifact) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)
		data, err := json.Marshal(artifact)
		if err != nil {
			return err
		}
		return b.Put([]byte(artifact.Fingerprint), data)
	})
}

func (s *BoltStore) GetArtifact(fingerprint string) (*types.Artifact, error) {
	var artifact types.Artifact
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)
		data := b.Get([]byte(fingerprint))
		if data == nil {
			return errdefs.NotFound("artifact %s", fingerprint)
		}
		return json.Unmarshal(data, &artifact)
	})
	if err != nil {
		return nil, err
	}
	return &artifact, nil
}

func (s *BoltStore) ListArtifacts() ([]*types.Artifact, error) {
	var artifacts []*types.Artifact
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)
		return b.ForEach(func(k, v []byte) error {
			var artifact types.Artifact
			if err := json.Unmarshal(v, &artifact); err != nil {
				return err
			}
			artifacts = append(artifacts, &artifact)
			return nil
		})
	})
	return artifacts, err
}

func (s *BoltStore) UpdateArtifact(artifact *types.Artifact) error {
	return s.CreateArtifact(artifact) // Same as create (upsert)
}

func (s *BoltStore) DeleteArtifact(fingerprint string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)
		return b.Delete([]byte(fingerprint))
	})
}

// Module operations

func (s *BoltStore) PutModule(module *types.ModuleDescriptor) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketModules)
		data, err := json.Marshal(module)
		if err != nil {
			return err
		}
		return b.Put([]byte(module.ID), data)
	})
}

func (s *BoltStore) GetModule(id string) (*types.ModuleDescriptor, error) {
	var module types.ModuleDescriptor
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketModules)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("module %s", id)
		}
		return json.Unmarshal(data, &module)
	})
	if err != nil {
		return nil, err
	}
	return &module, nil
}

func (s *BoltStore) ListModules() ([]*types.ModuleDescriptor, error) {
	var modules []*types.ModuleDescriptor
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketModules)
		return b.ForEach(func(k, v []byte) error {
			var module types.ModuleDescriptor
			if err := json.Unmarshal(v, &module); err != nil {
				return err
			}
			modules = append(modules, &module)
			return nil
		})
	})
	return modules, err
}

func (s *BoltStore) DeleteModule(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketModules)
		return b.Delete([]byte(id))
	})
}

// Chain operations

func (s *BoltStore) PutChain(chain *types.Chain) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChains)
		data, err := json.Marshal(chain)
		if err != nil {
			return err
		}
		return b.Put([]byte(chain.Name), data)
	})
}

func (s *BoltStore) GetChain(name string) (*types.Chain, error) {
	var chain types.Chain
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChains)
		data := b.Get([]byte(name))
		if data == nil {
			return errdefs.NotFound("chain %s", name)
		}
		return json.Unmarshal(data, &chain)
	})
	if err != nil {
		return nil, err
	}
	return &chain, nil
}

func (s *BoltStore) ListChains() ([]*types.Chain, error) {
	var chains []*types.Chain
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChains)
		return b.ForEach(func(k, v []byte) error {
			var chain types.Chain
			if err := json.Unmarshal(v, &chain); err != nil {
				return err
			}
			chains = append(chains, &chain)
			return nil
		})
	})
	return chains, err
}

func (s *BoltStore) DeleteChain(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChains)
		return b.Delete([]byte(name))
	})
}

// Result operations

func (s *BoltStore) PutResult(result *types.ModuleResult) error {
	if result.Fingerprint == "" || result.ModuleID == "" {
		return errdefs.InvalidInput("result requires fingerprint and module id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResults)
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		return b.Put(resultKey(result.Fingerprint, result.ModuleID), data)
	})
}

func (s *BoltStore) GetResult(fingerprint, moduleID string) (*types.ModuleResult, error) {
	var result types.ModuleResult
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResults)
		data := b.Get(resultKey(fingerprint, moduleID))
		if data == nil {
			return errdefs.NotFound("result for %s/%s", fingerprint, moduleID)
		}
		return json.Unmarshal(data, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *BoltStore) ListResultsByArtifact(fingerprint string) ([]*types.ModuleResult, error) {
	var results []*types.ModuleResult
	prefix := []byte(fingerprint + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketResults).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var result types.ModuleResult
			if err := json.Unmarshal(v, &result); err != nil {
				return err
			}
			results = append(results, &result)
		}
		return nil
	})
	return results, err
}

func (s *BoltStore) DeleteResultsByArtifact(fingerprint string) error {
	prefix := []byte(fingerprint + "/")
	return s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketResults).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// Chain run operations

func (s *BoltStore) CreateRun(run *types.ChainRun) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return b.Put([]byte(run.ID), data)
	})
}

func (s *BoltStore) GetRun(id string) (*types.ChainRun, error) {
	var run types.ChainRun
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("run %s", id)
		}
		return json.Unmarshal(data, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *BoltStore) UpdateRun(run *types.ChainRun) error {
	return s.CreateRun(run)
}

func (s *BoltStore) ListRuns() ([]*types.ChainRun, error) {
	var runs []*types.ChainRun
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		return b.ForEach(func(k, v []byte) error {
			var run types.ChainRun
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			runs = append(runs, &run)
			return nil
		})
	})
	return runs, err
}

func (s *BoltStore) ListRunsByArtifact(fingerprint string) ([]*types.ChainRun, error) {
	runs, err := s.ListRuns()
	if err != nil {
		return nil, err
	}

	var filtered []*types.ChainRun
	for _, run := range runs {
		if run.Fingerprint == fingerprint {
			filtered = append(filtered, run)
		}
	}
	return filtered, nil
}

func (s *BoltStore) ListActiveRuns() ([]*types.ChainRun, error) {
	runs, err := s.ListRuns()
	if err != nil {
		return nil, err
	}

	var active []*types.ChainRun
	for _, run := range runs {
		if !run.State.Final() {
			active = append(active, run)
		}
	}
	return active, nil
}

// Task operations

func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put([]byte(task.ID), data)
	})
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("task %s", id)
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) UpdateTask(task *types.Task) error {
	return s.CreateTask(task)
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) ListActiveTasks() ([]*types.Task, error) {
	tasks, err := s.ListTasks()
	if err != nil {
		return nil, err
	}

	var active []*types.Task
	for _, task := range tasks {
		if !task.State.Final() {
			active = append(active, task)
		}
	}
	return active, nil
}

func (s *BoltStore) DeleteTask(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.Delete([]byte(id))
	})
}

// Auto-run settings

func (s *BoltStore) GetAutoRun() (*types.AutoRunConfig, error) {
	var cfg *types.AutoRunConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		data := b.Get(keyAutoRun)
		if data == nil {
			cfg = types.DefaultAutoRun()
			return nil
		}
		cfg = &types.AutoRunConfig{}
		return json.Unmarshal(data, cfg)
	})
	return cfg, err
}

func (s *BoltStore) PutAutoRun(cfg *types.AutoRunConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return b.Put(keyAutoRun, data)
	})
}

// GetReport assembles the per-artifact view: metadata, the latest result per
// module, and the run history.
func (s *BoltStore) GetReport(fingerprint string) (*types.Report, error) {
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
