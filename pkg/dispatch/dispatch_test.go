package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastiff-sec/mastiff/pkg/errdefs"
	"github.com/mastiff-sec/mastiff/pkg/executor"
	"github.com/mastiff-sec/mastiff/pkg/storage"
	"github.com/mastiff-sec/mastiff/pkg/types"
)

type launcherFixture struct {
	mu       sync.Mutex
	requests []executor.Request
	err      error
}

func (l *launcherFixture) Start(req executor.Request) (*types.ChainRun, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = append(l.requests, req)
	if l.err != nil {
		return nil, l.err
	}
	name := req.ChainName
	if name == "" {
		name = "module:" + req.ModuleID
	}
	return &types.ChainRun{ID: "run-1", ChainName: name, Fingerprint: req.Fingerprint}, nil
}

func (l *launcherFixture) seen() []executor.Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]executor.Request, len(l.requests))
	copy(out, l.requests)
	return out
}

type resolverFixture map[string]bool

func (r resolverFixture) Exists(moduleID string) bool { return r[moduleID] }

func newDispatcher(t *testing.T) (*Dispatcher, *launcherFixture, storage.Store) {
	t.Helper()
	st, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.PutChain(&types.Chain{
		Name:  "android-deep",
		Steps: []types.ChainStep{{ModuleID: "manifest-scan", Order: 1}},
	}))

	launcher := &launcherFixture{}
	d, err := New(st, resolverFixture{"manifest-scan": true, "plist-reader": true}, launcher)
	require.NoError(t, err)
	return d, launcher, st
}

func apkArtifact(fp string) *types.Artifact {
	return &types.Artifact{
		Fingerprint:   fp,
		DetectedType:  types.ArtifactAPK,
		ExtractedRoot: "/data/store/" + fp + "/tree",
		IngestedAt:    time.Now().UTC(),
	}
}

func TestDefaultConfigurationRunsNothing(t *testing.T) {
	d, launcher, _ := newDispatcher(t)

	cfg := d.AutoRun()
	assert.Equal(t, types.RuleNone, cfg.APK.Kind)

	run, err := d.OnIngest(apkArtifact("fp-1"))
	require.NoError(t, err)
	assert.Nil(t, run)
	assert.Empty(t, launcher.seen())
}

func TestModuleRuleLaunchesSingleModule(t *testing.T) {
	d, launcher, _ := newDispatcher(t)

	require.NoError(t, d.SetAutoRun(&types.AutoRunConfig{
		APK: types.Rule{Kind: types.RuleModule, TargetID: "manifest-scan"},
		IPA: types.Rule{Kind: types.RuleNone},
		ZIP: types.Rule{Kind: types.RuleNone},
	}))

	run, err := d.OnIngest(apkArtifact("fp-1"))
	require.NoError(t, err)
	require.NotNil(t, run)

	seen := launcher.seen()
	require.Len(t, seen, 1)
	assert.Equal(t, "manifest-scan", seen[0].ModuleID)
	assert.Empty(t, seen[0].ChainName)
	assert.Equal(t, "fp-1", seen[0].Fingerprint)
}

func TestChainRuleLaunchesChain(t *testing.T) {
	d, launcher, _ := newDispatcher(t)

	require.NoError(t, d.SetAutoRun(&types.AutoRunConfig{
		APK: types.Rule{Kind: types.RuleChain, TargetID: "android-deep"},
	}))

	_, err := d.OnIngest(apkArtifact("fp-1"))
	require.NoError(t, err)

	seen := launcher.seen()
	require.Len(t, seen, 1)
	assert.Equal(t, "android-deep", seen[0].ChainName)
	assert.Empty(t, seen[0].ModuleID)
}

func TestRuleSelectionFollowsDetectedType(t *testing.T) {
	d, launcher, _ := newDispatcher(t)

	require.NoError(t, d.SetAutoRun(&types.AutoRunConfig{
		APK: types.Rule{Kind: types.RuleModule, TargetID: "manifest-scan"},
		IPA: types.Rule{Kind: types.RuleModule, TargetID: "plist-reader"},
		ZIP: types.Rule{Kind: types.RuleNone},
	}))

	// ZIP maps to none; source always maps to none.
	for _, at := range []types.ArtifactType{types.ArtifactZIP, types.ArtifactSource} {
		run, err := d.OnIngest(&types.Artifact{Fingerprint: "fp-x", DetectedType: at})
		require.NoError(t, err)
		assert.Nil(t, run)
	}
	assert.Empty(t, launcher.seen())

	_, err := d.OnIngest(&types.Artifact{Fingerprint: "fp-ipa", DetectedType: types.ArtifactIPA})
	require.NoError(t, err)
	seen := launcher.seen()
	require.Len(t, seen, 1)
	assert.Equal(t, "plist-reader", seen[0].ModuleID)
}

func TestSetAutoRunValidation(t *testing.T) {
	d, _, _ := newDispatcher(t)

	err := d.SetAutoRun(&types.AutoRunConfig{
		APK: types.Rule{Kind: types.RuleModule, TargetID: "ghost"},
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))

	err = d.SetAutoRun(&types.AutoRunConfig{
		APK: types.Rule{Kind: types.RuleChain, TargetID: "no-such-chain"},
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))

	err = d.SetAutoRun(&types.AutoRunConfig{
		APK: types.Rule{Kind: types.RuleModule},
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidInput(err))

	err = d.SetAutoRun(&types.AutoRunConfig{
		APK: types.Rule{Kind: "sometimes"},
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidInput(err))

	err = d.SetAutoRun(&types.AutoRunConfig{
		APK: types.Rule{Kind: types.RuleNone, TargetID: "leftover"},
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidInput(err))

	// A rejected update leaves the active configuration untouched.
	assert.Equal(t, types.RuleNone, d.AutoRun().APK.Kind)
}

func TestSetAutoRunPersists(t *testing.T) {
	d, _, st := newDispatcher(t)

	require.NoError(t, d.SetAutoRun(&types.AutoRunConfig{
		APK: types.Rule{Kind: types.RuleChain, TargetID: "android-deep"},
	}))

	// A fresh dispatcher over the same store sees the saved configuration.
	reloaded, err := New(st, resolverFixture{}, &launcherFixture{})
	require.NoError(t, err)
	cfg := reloaded.AutoRun()
	assert.Equal(t, types.RuleChain, cfg.APK.Kind)
	assert.Equal(t, "android-deep", cfg.APK.TargetID)
}

func TestDuplicateOpenRunIsSkippedNotFailed(t *testing.T) {
	d, launcher, _ := newDispatcher(t)
	launcher.err = errdefs.IllegalState("chain android-deep already has an open run")

	require.NoError(t, d.SetAutoRun(&types.AutoRunConfig{
		APK: types.Rule{Kind: types.RuleChain, TargetID: "android-deep"},
	}))

	run, err := d.OnIngest(apkArtifact("fp-1"))
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestCompletedRunSuppressesAutoRun(t *testing.T) {
	d, launcher, st := newDispatcher(t)

	require.NoError(t, d.SetAutoRun(&types.AutoRunConfig{
		APK: types.Rule{Kind: types.RuleChain, TargetID: "android-deep"},
	}))

	require.NoError(t, st.CreateRun(&types.ChainRun{
		ID:          "run-old",
		ChainName:   "android-deep",
		Fingerprint: "fp-1",
		State:       types.RunStateCompleted,
	}))

	// Re-uploading a fully scanned artifact starts nothing.
	run, err := d.OnIngest(apkArtifact("fp-1"))
	require.NoError(t, err)
	assert.Nil(t, run)
	assert.Empty(t, launcher.seen())

	// A failed run does not count; re-uploading retries the scan.
	require.NoError(t, st.CreateRun(&types.ChainRun{
		ID:          "run-failed",
		ChainName:   "android-deep",
		Fingerprint: "fp-2",
		State:       types.RunStateFailed,
	}))
	run, err = d.OnIngest(apkArtifact("fp-2"))
	require.NoError(t, err)
	require.NotNil(t, run)
	require.Len(t, launcher.seen(), 1)
	assert.Equal(t, "fp-2", launcher.seen()[0].Fingerprint)
}

func TestLaunchFailurePropagates(t *testing.T) {
	d, launcher, _ := newDispatcher(t)
	launcher.err = errdefs.Unavailable("queue plane down")

	require.NoError(t, d.SetAutoRun(&types.AutoRunConfig{
		APK: types.Rule{Kind: types.RuleChain, TargetID: "android-deep"},
	}))

	_, err := d.OnIngest(apkArtifact("fp-1"))
	require.Error(t, err)
	assert.True(t, errdefs.IsUnavailable(err))
}
