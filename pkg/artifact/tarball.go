package artifact

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mastiff-sec/mastiff/pkg/errdefs"
)

// Tarball streams files from an artifact's extracted tree as a gzipped tar
// archive. File IDs are tree-relative paths; an ID naming a directory pulls
// in everything beneath it, and an empty list ships the whole tree. Entry
// names in the archive stay tree-relative so the receiver unpacks into the
// same layout the module would see on a shared mount.
//
// Requested IDs are resolved before the first byte is written, so a missing
// file surfaces as ErrNotFound rather than a truncated stream.
func (s *Store) Tarball(w io.Writer, fingerprint string, fileIDs []string) error {
	if _, err := s.Open(fingerprint); err != nil {
		return err
	}
	tree := s.TreePath(fingerprint)

	wanted := make([]string, 0, len(fileIDs))
	for _, id := range fileIDs {
		id = strings.TrimSpace(strings.Trim(id, "/"))
		if id == "" {
			continue
		}
		target, err := safeJoin(tree, id)
		if err != nil {
			return err
		}
		if _, err := os.Stat(target); err != nil {
			return errdefs.NotFound("no such file in artifact %s: %s", fingerprint, id)
		}
		wanted = append(wanted, filepath.FromSlash(id))
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(tree, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(tree, path)
		if err != nil {
			return err
		}
		if len(wanted) > 0 && !matchEntry(wanted, rel) {
			return nil
		}
		return addEntry(tw, path, rel)
	})
	if err != nil {
		return fmt.Errorf("failed to assemble tarball for %s: %w", fingerprint, err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finalize tarball: %w", err)
	}
	return gz.Close()
}

// matchEntry reports whether rel was requested directly or sits under a
// requested directory.
func matchEntry(wanted []string, rel string) bool {
	for _, id := range wanted {
		if rel == id || strings.HasPrefix(rel, id+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func addEntry(tw *tar.Writer, path, rel string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(rel)

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}
