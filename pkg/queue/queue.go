package queue

import (
	"context"
	"time"

	"github.com/mastiff-sec/mastiff/pkg/types"
)

// Key layout on the queue plane. Workers see exactly these shapes; renaming
// any of them is a breaking change to the module contract.
//
//	module:{id}:queue        list of task IDs (LPUSH producer, BRPOP consumer)
//	task:{task_id}           task payload JSON, expires after taskTTL
//	result:{id}:{fp}         latest result JSON per module and fingerprint
//	heartbeat:module:{id}    worker liveness key, expires after heartbeat TTL
//	results:{id}             pub/sub channel carrying published result JSON
const (
	queueKeyFormat     = "module:%s:queue"
	taskKeyFormat      = "task:%s"
	resultKeyFormat    = "result:%s:%s"
	heartbeatKeyFormat = "heartbeat:module:%s"
	resultChanFormat   = "results:%s"
)

// Queue is the orchestrator's view of the task plane. Internal module
// workers consume it through the same Redis instance; external modules never
// touch it.
type Queue interface {
	// Enqueue stores the task payload and pushes its ID onto the module's
	// queue in one transaction, so a consumer can never pop an ID whose
	// payload is not yet readable.
	Enqueue(ctx context.Context, moduleID string, payload *types.TaskPayload) error

	// Pop blocks up to timeout for the next task ID on the module's queue.
	// Returns empty string with nil error when the timeout lapses idle.
	Pop(ctx context.Context, moduleID string, timeout time.Duration) (string, error)

	// Task fetches a stored task payload. Expired or deleted payloads yield
	// a not-found error.
	Task(ctx context.Context, taskID string) (*types.TaskPayload, error)

	// DeleteTask removes a task payload once its result has been published.
	DeleteTask(ctx context.Context, taskID string) error

	// PublishResult stores the result under the module/fingerprint key and
	// announces it on the module's result channel.
	PublishResult(ctx context.Context, moduleID string, result *types.ModuleResult) error

	// Result fetches the stored result for a module/fingerprint pair.
	Result(ctx context.Context, moduleID, fingerprint string) (*types.ModuleResult, error)

	// AwaitResult blocks until a result for the pair arrives whose TaskID
	// matches taskID, or ctx is done. Results carrying any other task ID are
	// ignored; they belong to an earlier dispatch.
	AwaitResult(ctx context.Context, moduleID, fingerprint, taskID string) (*types.ModuleResult, error)

	// SubscribeResults streams every result published on the queue plane,
	// across all modules, until ctx is done. The channel closes when the
	// subscription ends. Late and orphaned arrivals are reconciled from
	// this stream.
	SubscribeResults(ctx context.Context) (<-chan *types.ModuleResult, error)

	// Heartbeat refreshes the module worker's liveness key.
	Heartbeat(ctx context.Context, moduleID string, ttl time.Duration) error

	// Alive reports whether the module worker's liveness key exists.
	Alive(ctx context.Context, moduleID string) (bool, error)

	// QueueDepth returns the number of pending task IDs on the module queue.
	QueueDepth(ctx context.Context, moduleID string) (int64, error)

	// PurgeModule drops the module's queue and liveness key. Stored task
	// payloads expire on their own.
	PurgeModule(ctx context.Context, moduleID string) error

	// Ping verifies connectivity to the queue plane.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}
