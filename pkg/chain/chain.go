package chain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mastiff-sec/mastiff/pkg/errdefs"
	"github.com/mastiff-sec/mastiff/pkg/events"
	"github.com/mastiff-sec/mastiff/pkg/log"
	"github.com/mastiff-sec/mastiff/pkg/storage"
	"github.com/mastiff-sec/mastiff/pkg/types"
)

// ModuleResolver reports whether a module ID is currently registered. The
// registry satisfies this; tests substitute a map lookup.
type ModuleResolver func(moduleID string) bool

// Definitions is the chain definition store: validated CRUD over named,
// ordered module sequences. Chains are templates only. A running chain
// holds its own snapshot, so edits and deletions here never touch runs
// already in flight.
type Definitions struct {
	store    storage.Store
	resolver ModuleResolver
	broker   *events.Broker
}

// NewDefinitions creates the chain definition store. resolver decides
// whether a referenced module exists; broker may be nil.
func NewDefinitions(store storage.Store, resolver ModuleResolver, broker *events.Broker) *Definitions {
	return &Definitions{store: store, resolver: resolver, broker: broker}
}

// Create validates and persists a new chain. Names are unique; creating
// over an existing name is rejected with ErrIllegalState.
func (d *Definitions) Create(chain *types.Chain) error {
	if err := d.validate(chain); err != nil {
		return err
	}
	if _, err := d.store.GetChain(chain.Name); err == nil {
		return errdefs.IllegalState("chain %q already exists", chain.Name)
	} else if !errdefs.IsNotFound(err) {
		return err
	}

	now := time.Now().UTC()
	chain.CreatedAt = now
	chain.UpdatedAt = now
	if err := d.store.PutChain(chain); err != nil {
		return fmt.Errorf("failed to persist chain: %w", err)
	}

	logger := log.WithComponent("chain")
	logger.Info().
		Str("chain", chain.Name).
		Int("steps", len(chain.Steps)).
		Msg("Chain created")
	d.publish(events.EventChainCreated, chain.Name)
	return nil
}

// Update validates and replaces an existing chain definition.
func (d *Definitions) Update(chain *types.Chain) error {
	if err := d.validate(chain); err != nil {
		return err
	}
	existing, err := d.store.GetChain(chain.Name)
	if err != nil {
		return err
	}

	chain.CreatedAt = existing.CreatedAt
	chain.UpdatedAt = time.Now().UTC()
	if err := d.store.PutChain(chain); err != nil {
		return fmt.Errorf("failed to persist chain: %w", err)
	}

	logger := log.WithComponent("chain")
	logger.Info().
		Str("chain", chain.Name).
		Int("steps", len(chain.Steps)).
		Msg("Chain updated")
	d.publish(events.EventChainUpdated, chain.Name)
	return nil
}

// Get returns one chain by name.
func (d *Definitions) Get(name string) (*types.Chain, error) {
	return d.store.GetChain(name)
}

// List returns all chain definitions.
func (d *Definitions) List() ([]*types.Chain, error) {
	return d.store.ListChains()
}

// Delete removes a chain definition. Runs referencing the chain keep their
// own snapshot and are unaffected.
func (d *Definitions) Delete(name string) error {
	if _, err := d.store.GetChain(name); err != nil {
		return err
	}
	if err := d.store.DeleteChain(name); err != nil {
		return err
	}
	logger := log.WithComponent("chain")
	logger.Info().Str("chain", name).Msg("Chain deleted")
	d.publish(events.EventChainDeleted, name)
	return nil
}

// validate checks the definition and normalizes step order to 1..N. Steps
// keep their declared relative order; ties fall back to declaration order.
func (d *Definitions) validate(chain *types.Chain) error {
	if strings.TrimSpace(chain.Name) == "" {
		return errdefs.InvalidInput("chain name must not be empty")
	}
	if len(chain.Steps) == 0 {
		return errdefs.InvalidInput("chain %q must declare at least one step", chain.Name)
	}

	var unknown []string
	for _, step := range chain.Steps {
		if step.ModuleID == "" {
			return errdefs.InvalidInput("chain %q has a step without a module", chain.Name)
		}
		if !d.resolver(step.ModuleID) {
			unknown = append(unknown, step.ModuleID)
		}
	}
	if len(unknown) > 0 {
		return errdefs.InvalidInput("chain %q references unknown modules: %s",
			chain.Name, strings.Join(unknown, ", "))
	}

	sort.SliceStable(chain.Steps, func(i, j int) bool {
		return chain.Steps[i].Order < chain.Steps[j].Order
	})
	for i := range chain.Steps {
		chain.Steps[i].Order = i + 1
	}
	return nil
}

func (d *Definitions) publish(eventType events.EventType, name string) {
	if d.broker == nil {
		return
	}
	d.broker.Publish(&events.Event{
		Type:     eventType,
		Message:  fmt.Sprintf("Chain %s", name),
		Metadata: map[string]string{"chain": name},
	})
}
