/*
Package runtime provides containerd integration for module container
lifecycle management.

Each internal analysis module runs as exactly one long-lived container in a
dedicated containerd namespace. The registry drives this package through the
Runtime interface: pull the module image, create the container with its
worker environment and the artifact store mounted read-only, start it, stop
it, tear it down on rebuild.

# Architecture

	┌────────────────── MODULE RUNTIME ──────────────────────┐
	│                                                          │
	│  ┌────────────────────────────────────────────┐        │
	│  │           ContainerdRuntime                 │        │
	│  │  - Socket: /run/containerd/containerd.sock  │        │
	│  │  - Namespace: mastiff                       │        │
	│  │  - One container per internal module        │        │
	│  │  - Container ID = module ID                 │        │
	│  └──────────────────┬─────────────────────────┘        │
	│                     │                                    │
	│  ┌──────────────────▼─────────────────────────┐        │
	│  │           Container Spec                    │        │
	│  │  - Image: module image ref                  │        │
	│  │  - Env: queue address, module identity      │        │
	│  │  - Mount: artifact store, read-only rbind,  │        │
	│  │    same path inside and outside so task     │        │
	│  │    folder paths resolve unchanged           │        │
	│  └──────────────────┬─────────────────────────┘        │
	│                     │                                    │
	│  ┌──────────────────▼─────────────────────────┐        │
	│  │           Lifecycle Operations              │        │
	│  │  EnsureImage    pull once, reuse after      │        │
	│  │  CreateModule   container + snapshot        │        │
	│  │  StartModule    task with null IO           │        │
	│  │  StopModule     SIGTERM, wait, SIGKILL      │        │
	│  │  RemoveModule   stop + snapshot cleanup     │        │
	│  │  ModuleState    absent/running/stopped/     │        │
	│  │                 failed from task status     │        │
	│  └────────────────────────────────────────────┘        │
	└─────────────────────────────────────────────────────┘

# State Mapping

Container status maps onto the module container lifecycle:

  - No container in the namespace: absent
  - Task running or paused: running
  - No task, or task exited 0: stopped
  - Task exited nonzero: failed

The building state is owned by the registry; it covers image pull and
container creation before this package reports anything meaningful.

# Usage

	rt, err := runtime.NewContainerdRuntime(cfg.Runtime.Socket, cfg.Runtime.Namespace)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.EnsureImage(ctx, "mastiff/apkid:1.4.0"); err != nil {
		return err
	}
	err = rt.CreateModule(ctx, runtime.ModuleSpec{
		ModuleID: "apkid",
		Image:    "mastiff/apkid:1.4.0",
		Env:      []string{"MASTIFF_MODULE_ID=apkid", "MASTIFF_REDIS_ADDR=localhost:6379"},
		StoreDir: cfg.StoreDir(),
	})

# Integration Points

  - pkg/registry: the only caller; owns retries, backoff, and state
    transitions around these primitives
  - pkg/worker: the harness running inside the containers this package
    starts
  - pkg/config: socket path, namespace, and image prefix settings
*/
package runtime
