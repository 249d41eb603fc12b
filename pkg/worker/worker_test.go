package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastiff-sec/mastiff/pkg/errdefs"
	"github.com/mastiff-sec/mastiff/pkg/queue"
	"github.com/mastiff-sec/mastiff/pkg/types"
)

func newTestQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	q, err := queue.NewRedisQueue(context.Background(), queue.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func startTestWorker(t *testing.T, q *queue.RedisQueue, moduleID string, handler Handler) *Worker {
	t.Helper()
	w, err := New(q, Config{
		ModuleID:    moduleID,
		Handler:     handler,
		PollTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	w.Start()
	t.Cleanup(w.Stop)
	return w
}

func enqueue(t *testing.T, q *queue.RedisQueue, moduleID, taskID, fp string) {
	t.Helper()
	require.NoError(t, q.Enqueue(context.Background(), moduleID, &types.TaskPayload{
		TaskID:   taskID,
		FileHash: fp,
		Data: types.TaskData{
			FolderPath: "/data/store/" + fp + "/tree",
			FileType:   types.ArtifactAPK,
			Platform:   "android",
		},
	}))
}

func awaitSlot(t *testing.T, q *queue.RedisQueue, moduleID, fp string) *types.ModuleResult {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		result, err := q.Result(context.Background(), moduleID, fp)
		if err == nil {
			return result
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("result never published")
	return nil
}

func TestWorkerProcessesTask(t *testing.T) {
	q := newTestQueue(t)

	startTestWorker(t, q, "manifest-scan", HandlerFunc(func(ctx context.Context, p *types.TaskPayload) ([]types.Finding, error) {
		assert.Equal(t, "/data/store/fp-1/tree", p.Data.FolderPath)
		return []types.Finding{
			{RuleID: "MAN-1", Name: "exported activity", Severity: "HIGH"},
		}, nil
	}))

	enqueue(t, q, "manifest-scan", "task-1", "fp-1")

	result := awaitSlot(t, q, "manifest-scan", "fp-1")
	assert.Equal(t, "task-1", result.TaskID)
	assert.Equal(t, types.ResultSuccess, result.Status)
	require.Len(t, result.Findings, 1)
	require.NotNil(t, result.Summary)
	assert.Equal(t, 1, result.Summary.TotalFindings)

	// Consumed payload is cleaned up.
	_, err := q.Task(context.Background(), "task-1")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestWorkerReportsHandlerError(t *testing.T) {
	q := newTestQueue(t)

	startTestWorker(t, q, "manifest-scan", HandlerFunc(func(ctx context.Context, p *types.TaskPayload) ([]types.Finding, error) {
		return nil, errors.New("manifest is not parseable")
	}))

	enqueue(t, q, "manifest-scan", "task-1", "fp-1")

	result := awaitSlot(t, q, "manifest-scan", "fp-1")
	assert.Equal(t, types.ResultError, result.Status)
	assert.Contains(t, result.Error, "not parseable")
	assert.Empty(t, result.Findings)
}

func TestWorkerSurvivesHandlerPanic(t *testing.T) {
	q := newTestQueue(t)

	startTestWorker(t, q, "manifest-scan", HandlerFunc(func(ctx context.Context, p *types.TaskPayload) ([]types.Finding, error) {
		if p.TaskID == "task-bad" {
			panic("index out of range in resource parser")
		}
		return nil, nil
	}))

	enqueue(t, q, "manifest-scan", "task-bad", "fp-bad")
	enqueue(t, q, "manifest-scan", "task-good", "fp-good")

	bad := awaitSlot(t, q, "manifest-scan", "fp-bad")
	assert.Equal(t, types.ResultError, bad.Status)
	assert.Contains(t, bad.Error, "panicked")

	// The loop keeps consuming after the panic.
	good := awaitSlot(t, q, "manifest-scan", "fp-good")
	assert.Equal(t, types.ResultSuccess, good.Status)
}

func TestWorkerHeartbeats(t *testing.T) {
	q := newTestQueue(t)

	startTestWorker(t, q, "manifest-scan", HandlerFunc(func(ctx context.Context, p *types.TaskPayload) ([]types.Finding, error) {
		return nil, nil
	}))

	alive, err := q.Alive(context.Background(), "manifest-scan")
	require.NoError(t, err)
	assert.True(t, alive)
}

func TestWorkerTasksRunInQueueOrder(t *testing.T) {
	q := newTestQueue(t)

	var mu sync.Mutex
	var order []string
	startTestWorker(t, q, "manifest-scan", HandlerFunc(func(ctx context.Context, p *types.TaskPayload) ([]types.Finding, error) {
		mu.Lock()
		order = append(order, p.TaskID)
		mu.Unlock()
		return nil, nil
	}))

	for _, id := range []string{"task-1", "task-2", "task-3"} {
		enqueue(t, q, "manifest-scan", id, "fp-"+id)
	}

	awaitSlot(t, q, "manifest-scan", "fp-task-3")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"task-1", "task-2", "task-3"}, order)
}

func TestWorkerConfigValidation(t *testing.T) {
	q := newTestQueue(t)

	_, err := New(q, Config{Handler: HandlerFunc(func(ctx context.Context, p *types.TaskPayload) ([]types.Finding, error) { return nil, nil })})
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidInput(err))

	_, err = New(q, Config{ModuleID: "manifest-scan"})
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidInput(err))
}

func TestWorkerStopIsClean(t *testing.T) {
	q := newTestQueue(t)

	w, err := New(q, Config{
		ModuleID:    "manifest-scan",
		Handler:     HandlerFunc(func(ctx context.Context, p *types.TaskPayload) ([]types.Finding, error) { return nil, nil }),
		PollTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	w.Start()

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
