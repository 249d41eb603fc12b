package runtime

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	cerrdefs "github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/mastiff-sec/mastiff/pkg/log"
	"github.com/mastiff-sec/mastiff/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace Mastiff owns. Module
	// containers never share a namespace with unrelated workloads.
	DefaultNamespace = "mastiff"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ModuleSpec describes the container one internal module runs in. The
// artifact store is bind-mounted read-only at the same path it has on the
// host, so the folder_path in a task payload resolves identically inside
// and outside the container.
type ModuleSpec struct {
	ModuleID string
	Image    string
	Env      []string
	StoreDir string
}

// Runtime is the container backend the module registry drives. One
// container per internal module, addressed by module ID.
type Runtime interface {
	EnsureImage(ctx context.Context, ref string) error
	CreateModule(ctx context.Context, spec ModuleSpec) error
	StartModule(ctx context.Context, moduleID string) error
	StopModule(ctx context.Context, moduleID string, timeout time.Duration) error
	RemoveModule(ctx context.Context, moduleID string) error
	ModuleState(ctx context.Context, moduleID string) (types.ContainerState, error)
	IsRunning(ctx context.Context, moduleID string) bool
	ListModules(ctx context.Context) ([]string, error)
	Close() error
}

// ContainerdRuntime implements Runtime against a containerd daemon.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdRuntime connects to containerd at socketPath. Empty
// arguments fall back to the defaults.
func NewContainerdRuntime(socketPath, namespace string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: namespace,
	}, nil
}

// Close closes the containerd client connection.
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// EnsureImage makes the image available locally, pulling it when missing.
func (r *ContainerdRuntime) EnsureImage(ctx context.Context, ref string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	if _, err := r.client.GetImage(ctx, ref); err == nil {
		return nil
	}
	if _, err := r.client.Pull(ctx, ref, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// CreateModule creates the module's container with its environment and the
// read-only artifact store mount. The container ID is the module ID.
func (r *ContainerdRuntime) CreateModule(ctx context.Context, spec ModuleSpec) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return fmt.Errorf("failed to get image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}
	if spec.StoreDir != "" {
		opts = append(opts, oci.WithMounts([]specs.Mount{
			{
				Source:      spec.StoreDir,
				Destination: spec.StoreDir,
				Type:        "bind",
				Options:     []string{"rbind", "ro"},
			},
		}))
	}

	_, err = r.client.NewContainer(
		ctx,
		spec.ModuleID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ModuleID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return fmt.Errorf("failed to create container for module %s: %w", spec.ModuleID, err)
	}
	return nil
}

// StartModule starts the module's container process.
func (r *ContainerdRuntime) StartModule(ctx context.Context, moduleID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, moduleID)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", moduleID, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}
	return nil
}

// StopModule stops a running module container, SIGTERM first, SIGKILL after
// timeout. Stopping a container with no running task is a no-op.
func (r *ContainerdRuntime) StopModule(ctx context.Context, moduleID string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, moduleID)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", moduleID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means nothing is running.
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal task: %w", err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	select {
	case <-statusC:
		// Exited on SIGTERM.
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// RemoveModule deletes the module's container and snapshot. Missing
// containers are ignored so rebuilds can call this unconditionally.
func (r *ContainerdRuntime) RemoveModule(ctx context.Context, moduleID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, moduleID)
	if err != nil {
		return nil
	}

	if err := r.StopModule(ctx, moduleID, 10*time.Second); err != nil {
		logger := log.WithComponent("runtime")
		logger.Warn().
			Err(err).
			Str("module_id", moduleID).
			Msg("Failed to stop container before delete")
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	return nil
}

// ModuleState maps the container's runtime status onto the module
// lifecycle: absent when no container exists, running while the task runs,
// stopped on clean exit, failed on nonzero exit.
func (r *ContainerdRuntime) ModuleState(ctx context.Context, moduleID string) (types.ContainerState, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, moduleID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return types.ContainerStateAbsent, nil
		}
		return types.ContainerStateFailed, fmt.Errorf("failed to load container %s: %w", moduleID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// Container exists but has no task: created or cleanly torn down.
		return types.ContainerStateStopped, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return types.ContainerStateFailed, fmt.Errorf("failed to get task status: %w", err)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused, containerd.Pausing:
		return types.ContainerStateRunning, nil
	case containerd.Stopped:
		if status.ExitStatus == 0 {
			return types.ContainerStateStopped, nil
		}
		return types.ContainerStateFailed, nil
	default:
		return types.ContainerStateStopped, nil
	}
}

// IsRunning reports whether the module's container is currently running.
func (r *ContainerdRuntime) IsRunning(ctx context.Context, moduleID string) bool {
	state, err := r.ModuleState(ctx, moduleID)
	if err != nil {
		return false
	}
	return state == types.ContainerStateRunning
}

// ListModules returns the container IDs in Mastiff's namespace.
func (r *ContainerdRuntime) ListModules(ctx context.Context) ([]string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID())
	}
	return ids, nil
}
