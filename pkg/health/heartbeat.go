package health

import (
	"context"
	"fmt"
	"time"
)

// AliveFunc reports whether a worker's liveness key currently exists.
type AliveFunc func(ctx context.Context) (bool, error)

// HeartbeatChecker checks internal module health through the worker
// heartbeat on the queue plane. The worker refreshes its key while alive;
// an absent key means the worker stopped, crashed, or lost the queue.
type HeartbeatChecker struct {
	// ModuleID names the module being checked, for messages only
	ModuleID string

	// Alive performs the liveness lookup
	Alive AliveFunc
}

// NewHeartbeatChecker creates a heartbeat checker for a module
func NewHeartbeatChecker(moduleID string, alive AliveFunc) *HeartbeatChecker {
	return &HeartbeatChecker{ModuleID: moduleID, Alive: alive}
}

// Check performs the liveness lookup
func (h *HeartbeatChecker) Check(ctx context.Context) Result {
	start := time.Now()

	alive, err := h.Alive(ctx)
	if err != nil {
		return observe(start, false, fmt.Sprintf("liveness lookup failed: %v", err))
	}
	if !alive {
		return observe(start, false, fmt.Sprintf("no heartbeat from module %s", h.ModuleID))
	}
	return observe(start, true, "heartbeat present")
}

// Type returns the health check type
func (h *HeartbeatChecker) Type() CheckType {
	return CheckTypeHeartbeat
}
