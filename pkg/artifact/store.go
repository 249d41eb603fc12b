package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mastiff-sec/mastiff/pkg/errdefs"
	"github.com/mastiff-sec/mastiff/pkg/events"
	"github.com/mastiff-sec/mastiff/pkg/log"
	"github.com/mastiff-sec/mastiff/pkg/metrics"
	"github.com/mastiff-sec/mastiff/pkg/storage"
	"github.com/mastiff-sec/mastiff/pkg/types"
)

const (
	rawName  = "raw"
	treeName = "tree"
)

// Store is the content-addressed artifact store. Every artifact owns one
// directory under the store root, named by the SHA-256 of its raw bytes:
//
//	<root>/<fingerprint>/raw    the uploaded bytes, verbatim
//	<root>/<fingerprint>/tree/  the extracted contents modules analyze
//
// The fingerprint is the sole identity; byte-identical uploads collapse to
// one record no matter what they were named. Nothing writes into an
// artifact directory after ingest.
type Store struct {
	root   string
	store  storage.Store
	broker *events.Broker
}

// NewStore creates an artifact store rooted at root. The broker may be nil;
// ingestion events are skipped then.
func NewStore(root string, store storage.Store, broker *events.Broker) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact store root: %w", err)
	}
	return &Store{root: root, store: store, broker: broker}, nil
}

// RawPath returns the location of the artifact's original bytes.
func (s *Store) RawPath(fingerprint string) string {
	return filepath.Join(s.root, fingerprint, rawName)
}

// TreePath returns the root of the artifact's extracted tree. This is the
// folder_path modules receive in their task payload.
func (s *Store) TreePath(fingerprint string) string {
	return filepath.Join(s.root, fingerprint, treeName)
}

// Ingest streams the upload to disk, fingerprints it, and extracts it.
// Byte-identical uploads return the existing artifact with created=false;
// a differing original name is recorded as an alias. Unsupported or empty
// uploads are rejected before anything is persisted.
func (s *Store) Ingest(r io.Reader, originalName string) (*types.Artifact, bool, error) {
	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return nil, false, fmt.Errorf("failed to create staging file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to stage upload: %w", err)
	}
	if size == 0 {
		metrics.ArtifactsIngested.WithLabelValues("unknown", "rejected").Inc()
		return nil, false, errdefs.InvalidInput("empty upload")
	}

	fingerprint := hex.EncodeToString(hasher.Sum(nil))

	// Dedup on fingerprint before touching the store layout.
	if existing, err := s.store.GetArtifact(fingerprint); err == nil {
		if alias := s.recordAlias(existing, originalName); alias {
			if err := s.store.UpdateArtifact(existing); err != nil {
				return nil, false, fmt.Errorf("failed to record alias: %w", err)
			}
		}
		metrics.ArtifactsIngested.WithLabelValues(string(existing.DetectedType), "duplicate").Inc()
		return existing, false, nil
	} else if !errdefs.IsNotFound(err) {
		return nil, false, err
	}

	detected, err := Detect(tmpPath, originalName)
	if err != nil {
		metrics.ArtifactsIngested.WithLabelValues("unknown", "rejected").Inc()
		return nil, false, err
	}

	dir := filepath.Join(s.root, fingerprint)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, false, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	rawPath := filepath.Join(dir, rawName)
	if err := os.Rename(tmpPath, rawPath); err != nil {
		return nil, false, fmt.Errorf("failed to place artifact: %w", err)
	}

	treePath := filepath.Join(dir, treeName)
	if err := extract(rawPath, treePath, detected); err != nil {
		// A failed extraction leaves no half-ingested artifact behind.
		os.RemoveAll(dir)
		return nil, false, err
	}

	artifact := &types.Artifact{
		Fingerprint:   fingerprint,
		OriginalName:  originalName,
		Size:          size,
		DetectedType:  detected,
		IngestedAt:    time.Now().UTC(),
		ExtractedRoot: treePath,
	}
	if err := s.store.CreateArtifact(artifact); err != nil {
		os.RemoveAll(dir)
		return nil, false, fmt.Errorf("failed to persist artifact: %w", err)
	}

	metrics.ArtifactsIngested.WithLabelValues(string(detected), "created").Inc()
	logger := log.WithComponent("artifact")
	logger.Info().
		Str("fingerprint", fingerprint).
		Str("name", originalName).
		Str("type", string(detected)).
		Int64("size", size).
		Msg("Artifact ingested")

	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:    events.EventArtifactIngested,
			Message: fmt.Sprintf("Artifact %s ingested as %s", originalName, detected),
			Metadata: map[string]string{
				"fingerprint": fingerprint,
				"type":        string(detected),
			},
		})
	}

	return artifact, true, nil
}

// recordAlias appends name to the artifact's aliases when it is new.
func (s *Store) recordAlias(artifact *types.Artifact, name string) bool {
	if name == "" || name == artifact.OriginalName {
		return false
	}
	for _, a := range artifact.Aliases {
		if a == name {
			return false
		}
	}
	artifact.Aliases = append(artifact.Aliases, name)
	return true
}

// Open returns the artifact record for a fingerprint.
func (s *Store) Open(fingerprint string) (*types.Artifact, error) {
	artifact, err := s.store.GetArtifact(fingerprint)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(s.TreePath(fingerprint)); err != nil {
		return nil, errdefs.Internal("artifact %s has no extracted tree", fingerprint)
	}
	return artifact, nil
}

// List returns every known artifact record.
func (s *Store) List() ([]*types.Artifact, error) {
	return s.store.ListArtifacts()
}

// Remove evicts an artifact: its record, its results, and its on-disk
// directory. Operator action only; nothing in the orchestrator calls this
// on its own.
func (s *Store) Remove(fingerprint string) error {
	if _, err := s.store.GetArtifact(fingerprint); err != nil {
		return err
	}
	if err := s.store.DeleteResultsByArtifact(fingerprint); err != nil {
		return err
	}
	if err := s.store.DeleteArtifact(fingerprint); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.root, fingerprint)); err != nil {
		return fmt.Errorf("failed to remove artifact directory: %w", err)
	}
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:     events.EventArtifactDeleted,
			Message:  "Artifact evicted",
			Metadata: map[string]string{"fingerprint": fingerprint},
		})
	}
	return nil
}
