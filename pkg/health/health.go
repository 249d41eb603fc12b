package health

import (
	"context"
	"time"
)

// CheckType distinguishes the two ways module health is judged.
type CheckType string

const (
	// CheckTypeHTTP probes the healthcheck endpoint an external module
	// registered (GET /operations/health).
	CheckTypeHTTP CheckType = "http"

	// CheckTypeHeartbeat inspects the worker liveness key internal modules
	// refresh on the queue plane while consuming their queue.
	CheckTypeHeartbeat CheckType = "heartbeat"
)

// Result is the outcome of a single check.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is implemented by both check kinds.
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

var (
	_ Checker = (*HTTPChecker)(nil)
	_ Checker = (*HeartbeatChecker)(nil)
)

// observe builds a Result stamped with the attempt's timing.
func observe(start time.Time, healthy bool, message string) Result {
	return Result{
		Healthy:   healthy,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Config shapes how often checks run and when failures flip a module.
type Config struct {
	// Interval is the pause between check sweeps.
	Interval time.Duration

	// Timeout bounds a single check.
	Timeout time.Duration

	// Retries is how many consecutive failures flip a module unhealthy.
	Retries int
}

// DefaultConfig reflects the orchestrator's probe policy: one free miss,
// the second consecutive failure flips the module.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
		Retries:  2,
	}
}

// Status accumulates check results for one module and carries its
// verdict between sweeps.
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result
	Healthy              bool
}

// NewStatus begins healthy. A fresh module is trusted until checks say
// otherwise.
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update folds one result in. Any success restores health immediately;
// failures flip it only after Retries of them arrive back to back.
func (s *Status) Update(result Result, cfg Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= cfg.Retries {
		s.Healthy = false
	}
}
