package artifact

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastiff-sec/mastiff/pkg/errdefs"
	"github.com/mastiff-sec/mastiff/pkg/storage"
	"github.com/mastiff-sec/mastiff/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	meta, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	store, err := NewStore(t.TempDir(), meta, nil)
	require.NoError(t, err)
	return store
}

// buildZip assembles a real ZIP archive from entry name to content.
func buildZip(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func buildTar(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func buildTarGz(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(buildTar(t, entries))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func apkBytes(t *testing.T) []byte {
	t.Helper()
	return buildZip(t, map[string]string{
		"AndroidManifest.xml":  "<manifest/>",
		"classes.dex":          "dex\n035",
		"res/values/strings":   "app_name",
		"lib/arm64-v8a/lib.so": "ELF",
	})
}

func ipaBytes(t *testing.T) []byte {
	t.Helper()
	return buildZip(t, map[string]string{
		"Payload/Example.app/Info.plist": "<plist/>",
		"Payload/Example.app/Example":    "macho",
	})
}

func TestIngestAPK(t *testing.T) {
	store := newTestStore(t)
	raw := apkBytes(t)

	art, created, err := store.Ingest(bytes.NewReader(raw), "example.apk")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, types.ArtifactAPK, art.DetectedType)
	assert.Equal(t, "example.apk", art.OriginalName)
	assert.Equal(t, int64(len(raw)), art.Size)

	// Fingerprint is the SHA-256 of the raw bytes.
	sum := sha256.Sum256(raw)
	assert.Equal(t, hex.EncodeToString(sum[:]), art.Fingerprint)

	// Raw bytes are kept verbatim.
	onDisk, err := os.ReadFile(store.RawPath(art.Fingerprint))
	require.NoError(t, err)
	assert.Equal(t, raw, onDisk)

	// The tree holds the extracted entries and is the payload folder path.
	assert.Equal(t, store.TreePath(art.Fingerprint), art.ExtractedRoot)
	manifest, err := os.ReadFile(filepath.Join(art.ExtractedRoot, "AndroidManifest.xml"))
	require.NoError(t, err)
	assert.Equal(t, "<manifest/>", string(manifest))
	_, err = os.Stat(filepath.Join(art.ExtractedRoot, "lib", "arm64-v8a", "lib.so"))
	assert.NoError(t, err)
}

func TestIngestIPA(t *testing.T) {
	store := newTestStore(t)

	art, created, err := store.Ingest(bytes.NewReader(ipaBytes(t)), "example.ipa")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, types.ArtifactIPA, art.DetectedType)

	_, err = os.Stat(filepath.Join(art.ExtractedRoot, "Payload", "Example.app", "Info.plist"))
	assert.NoError(t, err)
}

func TestIngestPlainZip(t *testing.T) {
	store := newTestStore(t)
	raw := buildZip(t, map[string]string{"notes/readme.txt": "hello"})

	art, created, err := store.Ingest(bytes.NewReader(raw), "bundle.zip")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, types.ArtifactZIP, art.DetectedType)
}

func TestIngestSourceArchives(t *testing.T) {
	entries := map[string]string{
		"project/main.go":   "package main",
		"project/go.mod":    "module example",
		"project/pkg/a.go":  "package pkg",
		"project/README.md": "readme",
	}

	tests := []struct {
		name string
		raw  func(t *testing.T) []byte
	}{
		{"tar.gz", func(t *testing.T) []byte { return buildTarGz(t, entries) }},
		{"plain tar", func(t *testing.T) []byte { return buildTar(t, entries) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)

			art, created, err := store.Ingest(bytes.NewReader(tt.raw(t)), "src.tar.gz")
			require.NoError(t, err)
			assert.True(t, created)
			assert.Equal(t, types.ArtifactSource, art.DetectedType)

			content, err := os.ReadFile(filepath.Join(art.ExtractedRoot, "project", "main.go"))
			require.NoError(t, err)
			assert.Equal(t, "package main", string(content))
		})
	}
}

func TestIngestEmptyUpload(t *testing.T) {
	store := newTestStore(t)

	_, _, err := store.Ingest(bytes.NewReader(nil), "empty.apk")
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidInput(err))

	list, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestIngestUnsupportedFormat(t *testing.T) {
	store := newTestStore(t)

	_, _, err := store.Ingest(bytes.NewReader([]byte("%PDF-1.4 not an archive")), "report.pdf")
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidInput(err))
}

func TestIngestCorruptZip(t *testing.T) {
	store := newTestStore(t)

	// ZIP magic followed by garbage: detected as zip, unreadable as one.
	raw := append([]byte{0x50, 0x4b, 0x03, 0x04}, []byte("truncated beyond repair")...)
	_, _, err := store.Ingest(bytes.NewReader(raw), "broken.zip")
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidInput(err))

	// Nothing half-ingested is left behind.
	assertNoArtifactDirs(t, store)
}

func TestIngestZipSlipRejected(t *testing.T) {
	store := newTestStore(t)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("../escape.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("outside"))
	require.NoError(t, err)
	w, err = zw.Create("AndroidManifest.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte("<manifest/>"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	_, _, err = store.Ingest(bytes.NewReader(buf.Bytes()), "slip.apk")
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidInput(err))

	assertNoArtifactDirs(t, store)
}

func TestIngestDeduplicates(t *testing.T) {
	store := newTestStore(t)
	raw := apkBytes(t)

	first, created, err := store.Ingest(bytes.NewReader(raw), "example.apk")
	require.NoError(t, err)
	require.True(t, created)

	// Same bytes under a different name: no new artifact, alias recorded.
	second, created, err := store.Ingest(bytes.NewReader(raw), "example-renamed.apk")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, "example.apk", second.OriginalName)
	assert.Contains(t, second.Aliases, "example-renamed.apk")

	// Same bytes under the same name: nothing changes.
	third, created, err := store.Ingest(bytes.NewReader(raw), "example.apk")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, third.Aliases, 1)

	list, err := store.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestOpenMissingArtifact(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Open("deadbeef")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestRemove(t *testing.T) {
	store := newTestStore(t)

	art, _, err := store.Ingest(bytes.NewReader(apkBytes(t)), "example.apk")
	require.NoError(t, err)

	require.NoError(t, store.Remove(art.Fingerprint))

	_, err = store.Open(art.Fingerprint)
	assert.True(t, errdefs.IsNotFound(err))
	_, err = os.Stat(filepath.Join(store.root, art.Fingerprint))
	assert.True(t, os.IsNotExist(err))

	// Removing twice reports not found rather than succeeding silently.
	err = store.Remove(art.Fingerprint)
	assert.True(t, errdefs.IsNotFound(err))
}

// assertNoArtifactDirs verifies that no fingerprint directories survived a
// rejected ingestion. Staging files are cleaned up too.
func assertNoArtifactDirs(t *testing.T, store *Store) {
	t.Helper()
	entries, err := os.ReadDir(store.root)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Failf(t, "leftover entry", "unexpected %s in store root", e.Name())
	}
}
