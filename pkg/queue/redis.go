package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mastiff-sec/mastiff/pkg/errdefs"
	"github.com/mastiff-sec/mastiff/pkg/types"
)

const (
	// defaultTaskTTL bounds how long an unconsumed task payload survives.
	// Anything older than this is abandoned work.
	defaultTaskTTL = 24 * time.Hour

	// resultPollInterval is the fallback cadence for AwaitResult when the
	// pub/sub announcement is missed.
	resultPollInterval = time.Second
)

// RedisQueue implements Queue on a single Redis instance.
type RedisQueue struct {
	client  *redis.Client
	taskTTL time.Duration
}

// Options tune the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int

	// TaskTTL overrides the task payload expiry. Zero keeps the default.
	TaskTTL time.Duration
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(ctx context.Context, opts Options) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errdefs.Unavailable("queue plane at %s: %v", opts.Addr, err)
	}

	ttl := opts.TaskTTL
	if ttl == 0 {
		ttl = defaultTaskTTL
	}

	return &RedisQueue{client: client, taskTTL: ttl}, nil
}

// Close releases the underlying connections.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Ping verifies connectivity to the queue plane.
func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return errdefs.Unavailable("queue plane: %v", err)
	}
	return nil
}

func queueKey(moduleID string) string { return fmt.Sprintf(queueKeyFormat, moduleID) }

func taskKey(taskID string) string { return fmt.Sprintf(taskKeyFormat, taskID) }

func resultKey(moduleID, fp string) string { return fmt.Sprintf(resultKeyFormat, moduleID, fp) }

func heartbeatKey(moduleID string) string { return fmt.Sprintf(heartbeatKeyFormat, moduleID) }

func resultChannel(moduleID string) string { return fmt.Sprintf(resultChanFormat, moduleID) }

// Enqueue stores the payload and pushes the task ID atomically. The MULTIed
// pair guarantees a consumer never pops an ID before its payload is visible.
func (q *RedisQueue) Enqueue(ctx context.Context, moduleID string, payload *types.TaskPayload) error {
	if payload.TaskID == "" {
		return errdefs.InvalidInput("task payload requires a task id")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode task payload: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, taskKey(payload.TaskID), data, q.taskTTL)
		pipe.LPush(ctx, queueKey(moduleID), payload.TaskID)
		return nil
	})
	if err != nil {
		return errdefs.Unavailable("enqueue for module %s: %v", moduleID, err)
	}
	return nil
}

// Pop blocks up to timeout for the next task ID. An idle timeout returns
// ("", nil) so worker loops can spin without error handling noise.
func (q *RedisQueue) Pop(ctx context.Context, moduleID string, timeout time.Duration) (string, error) {
	vals, err := q.client.BRPop(ctx, timeout, queueKey(moduleID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", errdefs.Unavailable("pop for module %s: %v", moduleID, err)
	}
	// BRPOP returns [key, value]
	if len(vals) != 2 {
		return "", errdefs.Internal("unexpected BRPOP reply of length %d", len(vals))
	}
	return vals[1], nil
}

// Task fetches a stored task payload.
func (q *RedisQueue) Task(ctx context.Context, taskID string) (*types.TaskPayload, error) {
	data, err := q.client.Get(ctx, taskKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errdefs.NotFound("task %s", taskID)
		}
		return nil, errdefs.Unavailable("fetch task %s: %v", taskID, err)
	}

	var payload types.TaskPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errdefs.Internal("decode task %s: %v", taskID, err)
	}
	return &payload, nil
}

// DeleteTask removes a task payload.
func (q *RedisQueue) DeleteTask(ctx context.Context, taskID string) error {
	if err := q.client.Del(ctx, taskKey(taskID)).Err(); err != nil {
		return errdefs.Unavailable("delete task %s: %v", taskID, err)
	}
	return nil
}

// PublishResult stores the result and announces it. The stored key has no
// TTL; it is the durable handoff until the orchestrator persists the result.
func (q *RedisQueue) PublishResult(ctx context.Context, moduleID string, result *types.ModuleResult) error {
	if result.Fingerprint == "" {
		return errdefs.InvalidInput("result requires a fingerprint")
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, resultKey(moduleID, result.Fingerprint), data, 0)
		pipe.Publish(ctx, resultChannel(moduleID), data)
		return nil
	})
	if err != nil {
		return errdefs.Unavailable("publish result for module %s: %v", moduleID, err)
	}
	return nil
}

// Result fetches the stored result for a module/fingerprint pair.
func (q *RedisQueue) Result(ctx context.Context, moduleID, fingerprint string) (*types.ModuleResult, error) {
	data, err := q.client.Get(ctx, resultKey(moduleID, fingerprint)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errdefs.NotFound("result for %s/%s", moduleID, fingerprint)
		}
		return nil, errdefs.Unavailable("fetch result for %s/%s: %v", moduleID, fingerprint, err)
	}

	var result types.ModuleResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errdefs.Internal("decode result for %s/%s: %v", moduleID, fingerprint, err)
	}
	return &result, nil
}

// AwaitResult blocks until a result with a matching task ID arrives or ctx
// is done. It subscribes first and then checks the stored key, closing the
// window where a publish lands between check and subscribe. A polling ticker
// backstops missed announcements.
func (q *RedisQueue) AwaitResult(ctx context.Context, moduleID, fingerprint, taskID string) (*types.ModuleResult, error) {
	sub := q.client.Subscribe(ctx, resultChannel(moduleID))
	defer sub.Close()

	// Wait for the subscription to be active before the key check.
	if _, err := sub.Receive(ctx); err != nil {
		return nil, errdefs.Unavailable("subscribe for module %s: %v", moduleID, err)
	}
	ch := sub.Channel()

	check := func() (*types.ModuleResult, bool) {
		result, err := q.Result(ctx, moduleID, fingerprint)
		if err != nil {
			return nil, false
		}
		if result.TaskID != taskID {
			return nil, false
		}
		return result, true
	}

	if result, ok := check(); ok {
		return result, nil
	}

	ticker := time.NewTicker(resultPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil, errdefs.Unavailable("result channel for module %s closed", moduleID)
			}
			var result types.ModuleResult
			if err := json.Unmarshal([]byte(msg.Payload), &result); err != nil {
				continue
			}
			if result.Fingerprint == fingerprint && result.TaskID == taskID {
				return &result, nil
			}
		case <-ticker.C:
			if result, ok := check(); ok {
				return result, nil
			}
		}
	}
}

// SubscribeResults pattern-subscribes to every module's result channel and
// streams decoded results until ctx is done. Messages that fail to decode
// are dropped; the queue plane is not a trusted input.
func (q *RedisQueue) SubscribeResults(ctx context.Context) (<-chan *types.ModuleResult, error) {
	sub := q.client.PSubscribe(ctx, fmt.Sprintf(resultChanFormat, "*"))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, errdefs.Unavailable("subscribe to results: %v", err)
	}

	out := make(chan *types.ModuleResult)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var result types.ModuleResult
				if err := json.Unmarshal([]byte(msg.Payload), &result); err != nil {
					continue
				}
				select {
				case out <- &result:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Heartbeat refreshes the module worker's liveness key.
func (q *RedisQueue) Heartbeat(ctx context.Context, moduleID string, ttl time.Duration) error {
	stamp := time.Now().UTC().Format(time.RFC3339)
	if err := q.client.Set(ctx, heartbeatKey(moduleID), stamp, ttl).Err(); err != nil {
		return errdefs.Unavailable("heartbeat for module %s: %v", moduleID, err)
	}
	return nil
}

// Alive reports whether the module worker's liveness key exists.
func (q *RedisQueue) Alive(ctx context.Context, moduleID string) (bool, error) {
	n, err := q.client.Exists(ctx, heartbeatKey(moduleID)).Result()
	if err != nil {
		return false, errdefs.Unavailable("liveness for module %s: %v", moduleID, err)
	}
	return n > 0, nil
}

// QueueDepth returns the number of pending task IDs on the module queue.
func (q *RedisQueue) QueueDepth(ctx context.Context, moduleID string) (int64, error) {
	n, err := q.client.LLen(ctx, queueKey(moduleID)).Result()
	if err != nil {
		return 0, errdefs.Unavailable("queue depth for module %s: %v", moduleID, err)
	}
	return n, nil
}

// PurgeModule drops the module's queue and liveness key.
func (q *RedisQueue) PurgeModule(ctx context.Context, moduleID string) error {
	if err := q.client.Del(ctx, queueKey(moduleID), heartbeatKey(moduleID)).Err(); err != nil {
		return errdefs.Unavailable("purge module %s: %v", moduleID, err)
	}
	return nil
}
