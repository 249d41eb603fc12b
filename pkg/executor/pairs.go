package executor

import (
	"context"
	"sync"
)

type pairKey struct {
	fingerprint string
	moduleID    string
}

// pairEntry marks one outstanding task. The freed channel closes on release
// so waiters can retry the claim.
type pairEntry struct {
	taskID string
	freed  chan struct{}
}

// pairs is the in-memory side of the at-most-one-task invariant: for any
// (fingerprint, module) pair there is never more than one non-final task.
// Acquire blocks while another holder exists, so two runs needing the same
// pair serialize instead of double-dispatching. The durable side lives in
// the task rows of the store; restart recovery rebuilds this map from them.
type pairs struct {
	mu   sync.Mutex
	held map[pairKey]*pairEntry
}

func newPairs() *pairs {
	return &pairs{held: make(map[pairKey]*pairEntry)}
}

// Acquire claims the pair for taskID, waiting until the current holder
// releases or ctx ends.
func (p *pairs) Acquire(ctx context.Context, fingerprint, moduleID, taskID string) error {
	for {
		p.mu.Lock()
		key := pairKey{fingerprint, moduleID}
		cur, taken := p.held[key]
		if !taken {
			p.held[key] = &pairEntry{taskID: taskID, freed: make(chan struct{})}
			p.mu.Unlock()
			return nil
		}
		freed := cur.freed
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-freed:
		}
	}
}

// Claim takes the pair immediately, without waiting. Used by restart
// recovery, which rebuilds holders from persisted task rows and must not
// block.
func (p *pairs) Claim(fingerprint, moduleID, taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := pairKey{fingerprint, moduleID}
	if _, taken := p.held[key]; taken {
		return false
	}
	p.held[key] = &pairEntry{taskID: taskID, freed: make(chan struct{})}
	return true
}

// Release frees the pair if taskID still holds it. Releasing somebody
// else's claim is a no-op, so a late release after a timeout cannot drop a
// successor's lock.
func (p *pairs) Release(fingerprint, moduleID, taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := pairKey{fingerprint, moduleID}
	if cur, ok := p.held[key]; ok && cur.taskID == taskID {
		delete(p.held, key)
		close(cur.freed)
	}
}

// Current returns the task ID holding the pair, if any.
func (p *pairs) Current(fingerprint, moduleID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := p.held[pairKey{fingerprint, moduleID}]
	if !ok {
		return "", false
	}
	return cur.taskID, true
}
