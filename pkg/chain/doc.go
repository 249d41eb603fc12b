/*
Package chain manages named chain definitions: validated CRUD over ordered
module sequences.

A chain is a template, not an execution. On every write the definition is
validated: the name must be unique, every referenced module must be
registered, and step order collapses to a dense 1..N sequence regardless of
the declared integers. Execution takes a snapshot of the definition, so
updating or deleting a chain never disturbs runs already in flight.

# Usage

	defs := chain.NewDefinitions(store, registry.Exists, broker)

	err := defs.Create(&types.Chain{
		Name: "android-baseline",
		Steps: []types.ChainStep{
			{ModuleID: "apkid", Order: 1},
			{ModuleID: "permissions", Order: 2, Soft: true},
		},
	})

Validation failures surface as errdefs.ErrInvalidInput (unknown module,
empty chain) or errdefs.ErrIllegalState (duplicate name on create).

# Integration Points

  - pkg/storage: persistence of definitions
  - pkg/registry: module existence checks via the ModuleResolver
  - pkg/executor: loads a definition once and runs the snapshot
  - pkg/api: v1 chain CRUD endpoints
*/
package chain
