package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastiff-sec/mastiff/pkg/types"
)

func TestModuleListAndGet(t *testing.T) {
	f := newFixture(t)
	f.discoverModule(t, "scanner", scannerConfig)

	var list ModuleList
	require.Equal(t, http.StatusOK, f.doJSON(t, http.MethodGet, "/v1/modules", nil, &list))
	require.Len(t, list.Modules, 1)

	var m types.ModuleDescriptor
	require.Equal(t, http.StatusOK, f.doJSON(t, http.MethodGet, "/v1/modules/scanner", nil, &m))
	assert.Equal(t, "scanner", m.ID)
	assert.Equal(t, "Scanner", m.Name)
	assert.Equal(t, types.ModuleKindInternal, m.Kind)
	assert.Equal(t, []types.ArtifactType{types.ArtifactZIP}, m.InputFormats)
	assert.True(t, m.Active)

	assert.Equal(t, http.StatusNotFound, f.doJSON(t, http.MethodGet, "/v1/modules/ghost", nil, nil))
}

func TestModuleLifecycleEndpoints(t *testing.T) {
	f := newFixture(t)
	f.discoverModule(t, "scanner", scannerConfig)

	var status ModuleStatus
	require.Equal(t, http.StatusOK,
		f.doJSON(t, http.MethodGet, "/v1/modules/scanner/status", nil, &status))
	assert.Equal(t, types.ContainerStateAbsent, status.ContainerState)

	// The container has to exist before it can start.
	assert.Equal(t, http.StatusConflict,
		f.doJSON(t, http.MethodPost, "/v1/modules/scanner/start", nil, nil))

	require.Equal(t, http.StatusOK,
		f.doJSON(t, http.MethodPost, "/v1/modules/scanner/build", nil, nil))
	require.Equal(t, http.StatusOK,
		f.doJSON(t, http.MethodGet, "/v1/modules/scanner/status", nil, &status))
	assert.Equal(t, types.ContainerStateStopped, status.ContainerState)

	require.Equal(t, http.StatusOK,
		f.doJSON(t, http.MethodPost, "/v1/modules/scanner/start", nil, nil))
	require.Equal(t, http.StatusOK,
		f.doJSON(t, http.MethodGet, "/v1/modules/scanner/status", nil, &status))
	assert.Equal(t, types.ContainerStateRunning, status.ContainerState)

	var m types.ModuleDescriptor
	require.Equal(t, http.StatusOK, f.doJSON(t, http.MethodGet, "/v1/modules/scanner", nil, &m))
	assert.True(t, m.Healthy)

	require.Equal(t, http.StatusOK,
		f.doJSON(t, http.MethodPost, "/v1/modules/scanner/stop", nil, nil))
	require.Equal(t, http.StatusOK,
		f.doJSON(t, http.MethodGet, "/v1/modules/scanner/status", nil, &status))
	assert.Equal(t, types.ContainerStateStopped, status.ContainerState)

	assert.Equal(t, http.StatusConflict,
		f.doJSON(t, http.MethodPost, "/v1/modules/scanner/stop", nil, nil))

	require.Equal(t, http.StatusOK,
		f.doJSON(t, http.MethodPost, "/v1/modules/scanner/rebuild", nil, nil))
	require.Equal(t, http.StatusOK,
		f.doJSON(t, http.MethodGet, "/v1/modules/scanner/status", nil, &status))
	assert.Equal(t, types.ContainerStateRunning, status.ContainerState)
}

func TestModuleActivation(t *testing.T) {
	f := newFixture(t)
	f.discoverModule(t, "scanner", scannerConfig)

	require.Equal(t, http.StatusOK,
		f.doJSON(t, http.MethodPost, "/v1/modules/scanner/deactivate", nil, nil))

	var m types.ModuleDescriptor
	require.Equal(t, http.StatusOK, f.doJSON(t, http.MethodGet, "/v1/modules/scanner", nil, &m))
	assert.False(t, m.Active)

	require.Equal(t, http.StatusOK,
		f.doJSON(t, http.MethodPost, "/v1/modules/scanner/activate", nil, nil))
	require.Equal(t, http.StatusOK, f.doJSON(t, http.MethodGet, "/v1/modules/scanner", nil, &m))
	assert.True(t, m.Active)

	assert.Equal(t, http.StatusNotFound,
		f.doJSON(t, http.MethodPost, "/v1/modules/ghost/activate", nil, nil))
}

func TestModuleDeregisterGuards(t *testing.T) {
	f := newFixture(t)
	f.discoverModule(t, "scanner", scannerConfig)

	// Internal modules are owned by their config directories.
	assert.Equal(t, http.StatusBadRequest,
		f.doJSON(t, http.MethodDelete, "/v1/modules/scanner", nil, nil))
	assert.Equal(t, http.StatusNotFound,
		f.doJSON(t, http.MethodDelete, "/v1/modules/ghost", nil, nil))

	reg := types.ExternalRegistration{
		ModuleID: "cloud",
		BaseURL:  "http://127.0.0.1:9",
		Config:   types.ModuleConfig{Name: "Cloud", Version: "1.0.0"},
	}
	require.Equal(t, http.StatusCreated,
		f.doJSON(t, http.MethodPost, "/external-modules/register", reg, nil))

	require.Equal(t, http.StatusOK, f.doJSON(t, http.MethodDelete, "/v1/modules/cloud", nil, nil))
	assert.Equal(t, http.StatusNotFound, f.doJSON(t, http.MethodGet, "/v1/modules/cloud", nil, nil))
}
