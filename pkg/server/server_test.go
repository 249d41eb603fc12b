package server

import (
	"archive/zip"
	"bytes"
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastiff-sec/mastiff/pkg/client"
	"github.com/mastiff-sec/mastiff/pkg/config"
	"github.com/mastiff-sec/mastiff/pkg/errdefs"
	"github.com/mastiff-sec/mastiff/pkg/runtime"
	"github.com/mastiff-sec/mastiff/pkg/types"
)

// fakeRuntime stands in for containerd; no internal module containers are
// exercised here, only the wiring around them.
type fakeRuntime struct {
	mu     sync.Mutex
	states map[string]types.ContainerState
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{states: make(map[string]types.ContainerState)}
}

func (f *fakeRuntime) EnsureImage(context.Context, string) error { return nil }

func (f *fakeRuntime) CreateModule(_ context.Context, spec runtime.ModuleSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[spec.ModuleID] = types.ContainerStateStopped
	return nil
}

func (f *fakeRuntime) StartModule(_ context.Context, moduleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[moduleID] = types.ContainerStateRunning
	return nil
}

func (f *fakeRuntime) StopModule(_ context.Context, moduleID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[moduleID] = types.ContainerStateStopped
	return nil
}

func (f *fakeRuntime) RemoveModule(_ context.Context, moduleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, moduleID)
	return nil
}

func (f *fakeRuntime) ModuleState(_ context.Context, moduleID string) (types.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.states[moduleID]; ok {
		return s, nil
	}
	return types.ContainerStateAbsent, nil
}

func (f *fakeRuntime) IsRunning(ctx context.Context, moduleID string) bool {
	s, _ := f.ModuleState(ctx, moduleID)
	return s == types.ContainerStateRunning
}

func (f *fakeRuntime) ListModules(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.states))
	for id := range f.states {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeRuntime) Close() error { return nil }

// freeAddr grabs an ephemeral port and releases it for the server to bind.
func freeAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

func testConfig(t *testing.T, redisAddr, dataDir string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = dataDir
	cfg.ModulesDir = filepath.Join(dataDir, "modules")
	cfg.ListenAddr = freeAddr(t)
	cfg.Redis.Addr = redisAddr
	return cfg
}

func zipPayload(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("inner.txt")
	require.NoError(t, err)
	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// bootServer builds and runs a node, returning a connected client and the
// Run error channel. Shutdown happens through the returned cancel.
func bootServer(t *testing.T, cfg *config.Config) (*client.Client, chan error, context.CancelFunc) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	srv, err := New(ctx, cfg, WithRuntime(newFakeRuntime()))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	cli := client.New("http://" + cfg.ListenAddr)
	require.Eventually(t, func() bool {
		return cli.Health(context.Background()) == nil
	}, 5*time.Second, 20*time.Millisecond, "server never became healthy")

	return cli, done, cancel
}

func stopServer(t *testing.T, done chan error, cancel context.CancelFunc) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop after context cancel")
	}
}

func TestServerLifecycle(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr.Addr(), t.TempDir())

	cli, done, cancel := bootServer(t, cfg)
	defer cancel()

	ctx := context.Background()

	ready, err := cli.Ready(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ready", ready.Status)
	assert.Equal(t, "ok", ready.Checks["store"])
	assert.Equal(t, "ok", ready.Checks["queue"])

	up, err := cli.UploadArtifact(ctx, "sample.zip", bytes.NewReader(zipPayload(t)))
	require.NoError(t, err)
	require.NotNil(t, up.Artifact)
	assert.Equal(t, types.ArtifactZIP, up.Artifact.DetectedType)
	assert.False(t, up.Duplicate)

	listed, err := cli.ListArtifacts(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	stopServer(t, done, cancel)
}

func TestServerRestartKeepsState(t *testing.T) {
	mr := miniredis.RunT(t)
	dataDir := t.TempDir()

	cfg := testConfig(t, mr.Addr(), dataDir)
	cli, done, cancel := bootServer(t, cfg)
	defer cancel()

	up, err := cli.UploadArtifact(context.Background(), "persist.zip", bytes.NewReader(zipPayload(t)))
	require.NoError(t, err)
	fingerprint := up.Artifact.Fingerprint

	stopServer(t, done, cancel)

	// Same data directory, new process. The bolt file must have been
	// released and the artifact must still be there.
	cfg2 := testConfig(t, mr.Addr(), dataDir)
	cli2, done2, cancel2 := bootServer(t, cfg2)
	defer cancel2()

	got, err := cli2.GetArtifact(context.Background(), fingerprint)
	require.NoError(t, err)
	assert.Equal(t, "persist.zip", got.OriginalName)

	stopServer(t, done2, cancel2)
}

func TestServerNewRejectsBadConfig(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Store.Backend = "postgres" // no DSN
	_, err := New(ctx, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.dsn")

	cfg = config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Store.Backend = "sqlite"
	_, err = New(ctx, cfg)
	require.Error(t, err)
}

func TestServerNewQueueUnavailable(t *testing.T) {
	dataDir := t.TempDir()
	cfg := testConfig(t, "127.0.0.1:1", dataDir) // nothing listens there

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := New(ctx, cfg, WithRuntime(newFakeRuntime()))
	require.Error(t, err)
	assert.True(t, errdefs.IsUnavailable(err))
}

func TestServerCloseIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr.Addr(), t.TempDir())

	srv, err := New(context.Background(), cfg, WithRuntime(newFakeRuntime()))
	require.NoError(t, err)

	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())
}
