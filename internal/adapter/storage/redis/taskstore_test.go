package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redigo "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentgrid/agentgrid/internal/core/domain"
	"github.com/agentgrid/agentgrid/internal/core/port"
)

func newTestStore(t *testing.T) (port.TaskStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redigo.NewClient(&redigo.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewTaskStore(client, zap.NewNop()), mr
}

func publishTestTask(t *testing.T, store port.TaskStore, domainName, description string) *domain.Task {
	t.Helper()
	task := domain.NewTask(domainName, description, nil, nil, "test", domain.PriorityNormal, time.Minute)
	_, err := store.PublishTask(context.Background(), task)
	require.NoError(t, err)
	return task
}

func TestPublishTaskSeedsPendingResult(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	task := publishTestTask(t, store, "backend", "Create X")

	n, err := store.QueueLength(ctx, "backend")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	result, err := store.GetResult(ctx, task.TaskID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, domain.StatusPending, result.Status)
	assert.NotEmpty(t, result.CreatedAt)
}

func TestGetNextTaskMovesToActive(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	published := publishTestTask(t, store, "backend", "Create X")

	got, err := store.GetNextTask(ctx, "backend", 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, published.TaskID, got.TaskID)
	assert.Equal(t, "Create X", got.Payload.Description)

	active, err := store.ListActive(ctx, "backend")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, published.TaskID, active[0].TaskID)

	result, err := store.GetResult(ctx, published.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, result.Status)
	assert.NotEmpty(t, result.StartedAt)
}

func TestGetNextTaskEmptyQueueReturnsNil(t *testing.T) {
	store, _ := newTestStore(t)

	got, err := store.GetNextTask(context.Background(), "backend", 0)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetNextTaskFIFOOrder(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first := publishTestTask(t, store, "backend", "first")
	second := publishTestTask(t, store, "backend", "second")

	got, err := store.GetNextTask(ctx, "backend", 0)
	require.NoError(t, err)
	assert.Equal(t, first.TaskID, got.TaskID)

	got, err = store.GetNextTask(ctx, "backend", 0)
	require.NoError(t, err)
	assert.Equal(t, second.TaskID, got.TaskID)
}

// Every published task must be handed to exactly one of the racing
// consumers: no duplicates, no losses.
func TestConcurrentDequeueExactlyOnce(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	const total = 40
	published := make(map[string]bool, total)
	for i := 0; i < total; i++ {
		task := publishTestTask(t, store, "backend", "task")
		published[task.TaskID] = true
	}

	var mu sync.Mutex
	seen := make(map[string]int, total)
	var firstErr error
	var wg sync.WaitGroup
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := store.GetNextTask(ctx, "backend", 0)
				mu.Lock()
				if err != nil {
					firstErr = err
					mu.Unlock()
					return
				}
				if task == nil {
					mu.Unlock()
					return
				}
				seen[task.TaskID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.NoError(t, firstErr)

	assert.Len(t, seen, total)
	for id, count := range seen {
		assert.True(t, published[id], "unknown task id %s", id)
		assert.Equal(t, 1, count, "task %s dequeued %d times", id, count)
	}
}

func TestCompleteTaskIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	publishTestTask(t, store, "backend", "one")
	other := publishTestTask(t, store, "backend", "two")

	task, err := store.GetNextTask(ctx, "backend", 0)
	require.NoError(t, err)
	_, err = store.GetNextTask(ctx, "backend", 0)
	require.NoError(t, err)

	require.NoError(t, store.CompleteTask(ctx, "backend", task))
	// Second completion and an unknown task are both no-ops.
	require.NoError(t, store.CompleteTask(ctx, "backend", task))
	unknown := domain.NewTask("backend", "ghost", nil, nil, "test", domain.PriorityNormal, time.Minute)
	require.NoError(t, store.CompleteTask(ctx, "backend", unknown))

	active, err := store.ListActive(ctx, "backend")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, other.TaskID, active[0].TaskID)
}

func TestPublishResultFirstTerminalWriteWins(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	task := publishTestTask(t, store, "backend", "Create X")
	out := &domain.TaskOutput{FilesCreated: []string{"a.js"}}
	require.NoError(t, store.PublishResult(ctx, task.TaskID, out, domain.StatusCompleted, ""))

	err := store.PublishResult(ctx, task.TaskID, &domain.TaskOutput{}, domain.StatusFailed, "boom")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrResultFinal))

	result, err := store.GetResult(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, result.Status)
	assert.Equal(t, []string{"a.js"}, result.Output.FilesCreated)
	assert.Empty(t, result.Error)
}

func TestWaitForResultTimeoutIsAdvisory(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	task := publishTestTask(t, store, "backend", "slow")

	// Give up before anything completes.
	result, err := store.WaitForResult(ctx, task.TaskID, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, result)

	// The task still completes later and the result is durably there.
	require.NoError(t, store.PublishResult(ctx, task.TaskID, &domain.TaskOutput{Summary: "done"}, domain.StatusCompleted, ""))
	result, err = store.GetResult(ctx, task.TaskID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, domain.StatusCompleted, result.Status)
}

func TestWaitForResultSeesTerminalStatus(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	task := publishTestTask(t, store, "backend", "quick")

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = store.PublishResult(ctx, task.TaskID, &domain.TaskOutput{}, domain.StatusFailed, "nope")
	}()

	result, err := store.WaitForResult(ctx, task.TaskID, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, domain.StatusFailed, result.Status)
	assert.Equal(t, "nope", result.Error)
}

func TestTaskLogs(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	task := publishTestTask(t, store, "backend", "logged")
	store.AddLog(ctx, task.TaskID, "received")
	store.AddLog(ctx, task.TaskID, "dispatching")

	logs, err := store.GetLogs(ctx, task.TaskID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Contains(t, logs[0], "received")
	assert.Contains(t, logs[1], "dispatching")
}

func TestRequeueActiveRestoresOrphanedClaim(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	task := publishTestTask(t, store, "backend", "orphan")
	claimed, err := store.GetNextTask(ctx, "backend", 0)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Consumer dies here: task sits in the active set with a
	// non-terminal result. Reconciliation can see it and requeue.
	active, err := store.ListActive(ctx, "backend")
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, store.RequeueActive(ctx, "backend", task.TaskID))

	active, err = store.ListActive(ctx, "backend")
	require.NoError(t, err)
	assert.Empty(t, active)

	again, err := store.GetNextTask(ctx, "backend", 0)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, task.TaskID, again.TaskID)
}

func TestRequeueActiveRefusesTerminalResult(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	task := publishTestTask(t, store, "backend", "finished")
	_, err := store.GetNextTask(ctx, "backend", 0)
	require.NoError(t, err)
	require.NoError(t, store.PublishResult(ctx, task.TaskID, &domain.TaskOutput{}, domain.StatusCompleted, ""))

	err = store.RequeueActive(ctx, "backend", task.TaskID)
	assert.True(t, errors.Is(err, domain.ErrResultFinal))
}
