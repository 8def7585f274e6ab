package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentgrid/agentgrid/internal/core/domain"
	"github.com/agentgrid/agentgrid/internal/core/port"
)

// resultPollInterval is the fallback cadence for WaitForResult. The
// pub/sub wake is an optimization only; polling keeps correctness when
// notifications are dropped.
const resultPollInterval = 1 * time.Second

// publishResultScript enforces first-terminal-write-wins. It refuses to
// touch a hash whose status is already terminal and applies all field
// writes atomically otherwise.
var publishResultScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if cur == 'completed' or cur == 'completed_with_warnings' or cur == 'failed' then
  return 0
end
for i = 1, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
return 1
`)

type taskStore struct {
	client redis.UniversalClient
	log    *zap.Logger
}

// NewTaskStore creates the Redis-backed task store client.
func NewTaskStore(client redis.UniversalClient, log *zap.Logger) port.TaskStore {
	return &taskStore{client: client, log: log}
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrStoreUnavailable, op, err)
}

// PublishTask appends the task to its domain's pending queue, seeds the
// result record and fires a best-effort notification. It never blocks
// on a consumer being present.
func (s *taskStore) PublishTask(ctx context.Context, task *domain.Task) (string, error) {
	wire, err := task.MarshalWire()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, pendingKey(task.Destination), wire)
	pipe.HSet(ctx, resultKey(task.TaskID), map[string]any{
		"task_id":    task.TaskID,
		"status":     string(domain.StatusPending),
		"created_at": now,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", storeErr("publish task", err)
	}

	// Real-time subscribers may or may not exist; a dropped
	// notification costs nothing because consumers block on the list.
	if err := s.client.Publish(ctx, notifyChannel(task.Destination), wire).Err(); err != nil {
		s.log.Debug("Task notification dropped", zap.String("task_id", task.TaskID), zap.Error(err))
	}

	s.log.Info("Published task",
		zap.String("task_id", task.TaskID),
		zap.String("domain", task.Destination),
		zap.String("priority", string(task.Metadata.Priority)))
	return task.TaskID, nil
}

// GetNextTask atomically moves the queue head into the domain's active
// list and returns it. The single BRPOPLPUSH is what makes concurrent
// consumers safe; nothing else guards handoff. A nil task with nil
// error means the timeout elapsed with an empty queue.
func (s *taskStore) GetNextTask(ctx context.Context, domainName string, timeout time.Duration) (*domain.Task, error) {
	var raw string
	var err error
	if timeout > 0 {
		raw, err = s.client.BRPopLPush(ctx, pendingKey(domainName), activeKey(domainName), timeout).Result()
	} else {
		raw, err = s.client.RPopLPush(ctx, pendingKey(domainName), activeKey(domainName)).Result()
	}
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get next task", err)
	}

	task, err := domain.UnmarshalTask(raw)
	if err != nil {
		// A malformed entry would wedge the queue head forever; drop it
		// from the active list and surface the problem.
		s.client.LRem(ctx, activeKey(domainName), 1, raw)
		return nil, fmt.Errorf("malformed task in queue %s: %w", domainName, err)
	}

	fields := map[string]any{
		"status":     string(domain.StatusInProgress),
		"started_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.client.HSet(ctx, resultKey(task.TaskID), fields).Err(); err != nil {
		s.log.Warn("Failed to mark task in_progress", zap.String("task_id", task.TaskID), zap.Error(err))
	}
	return task, nil
}

// CompleteTask removes the task from the active list. Idempotent:
// removing an already-removed or unknown task is a no-op.
func (s *taskStore) CompleteTask(ctx context.Context, domainName string, task *domain.Task) error {
	raw, err := task.Raw()
	if err != nil {
		return err
	}
	if err := s.client.LRem(ctx, activeKey(domainName), 1, raw).Err(); err != nil {
		return storeErr("complete task", err)
	}
	return nil
}

// PublishResult writes the result fields, stamping completed_at when
// the status is terminal. A second terminal write is rejected with
// ErrResultFinal and leaves the first result untouched.
func (s *taskStore) PublishResult(ctx context.Context, taskID string, output *domain.TaskOutput, status domain.ResultStatus, taskErr string) error {
	outWire, err := output.MarshalWire()
	if err != nil {
		return err
	}

	args := []any{
		"task_id", taskID,
		"status", string(status),
		"output", outWire,
	}
	if status.IsTerminal() {
		args = append(args, "completed_at", time.Now().UTC().Format(time.RFC3339))
	}
	if taskErr != "" {
		args = append(args, "error", taskErr)
	}

	ok, err := publishResultScript.Run(ctx, s.client, []string{resultKey(taskID)}, args...).Int()
	if err != nil {
		return storeErr("publish result", err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: task %s", domain.ErrResultFinal, taskID)
	}

	// Wake any WaitForResult subscribers. Best effort.
	if err := s.client.Publish(ctx, resultKey(taskID), string(status)).Err(); err != nil {
		s.log.Debug("Result notification dropped", zap.String("task_id", taskID), zap.Error(err))
	}
	return nil
}

// GetResult fetches the result record, or nil when the task id is
// unknown.
func (s *taskStore) GetResult(ctx context.Context, taskID string) (*domain.TaskResult, error) {
	data, err := s.client.HGetAll(ctx, resultKey(taskID)).Result()
	if err != nil {
		return nil, storeErr("get result", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	result := &domain.TaskResult{
		TaskID:      data["task_id"],
		Status:      domain.ResultStatus(data["status"]),
		Error:       data["error"],
		CreatedAt:   data["created_at"],
		StartedAt:   data["started_at"],
		CompletedAt: data["completed_at"],
	}
	if raw := data["output"]; raw != "" {
		out, err := domain.UnmarshalOutput(raw)
		if err != nil {
			s.log.Warn("Unparseable result output", zap.String("task_id", taskID), zap.Error(err))
		} else {
			result.Output = out
		}
	}
	return result, nil
}

// WaitForResult polls until a terminal status appears or the timeout
// elapses. Timing out returns nil with no side effect: the task keeps
// running and its result is still durably recorded for a later query.
func (s *taskStore) WaitForResult(ctx context.Context, taskID string, timeout time.Duration) (*domain.TaskResult, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	// Subscribe before the first poll so a publish between poll and
	// wait is not missed.
	sub := s.client.Subscribe(ctx, resultKey(taskID))
	defer sub.Close()
	wake := sub.Channel()

	ticker := time.NewTicker(resultPollInterval)
	defer ticker.Stop()

	for {
		result, err := s.GetResult(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if result != nil && result.Status.IsTerminal() {
			return result, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-wake:
		case <-ticker.C:
		}
	}
}

// AddLog appends a diagnostic entry. Best effort: a log write failure
// must never block task progress.
func (s *taskStore) AddLog(ctx context.Context, taskID, message string) {
	entry := fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), message)
	if err := s.client.RPush(ctx, logsKey(taskID), entry).Err(); err != nil {
		s.log.Debug("Task log write failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (s *taskStore) GetLogs(ctx context.Context, taskID string) ([]string, error) {
	logs, err := s.client.LRange(ctx, logsKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, storeErr("get logs", err)
	}
	return logs, nil
}

func (s *taskStore) QueueLength(ctx context.Context, domainName string) (int64, error) {
	n, err := s.client.LLen(ctx, pendingKey(domainName)).Result()
	if err != nil {
		return 0, storeErr("queue length", err)
	}
	return n, nil
}

// ListActive returns the tasks currently claimed but not yet terminally
// resolved. A task stuck here with no terminal result is the signature
// of a consumer that died mid-processing.
func (s *taskStore) ListActive(ctx context.Context, domainName string) ([]*domain.Task, error) {
	entries, err := s.client.LRange(ctx, activeKey(domainName), 0, -1).Result()
	if err != nil {
		return nil, storeErr("list active", err)
	}
	tasks := make([]*domain.Task, 0, len(entries))
	for _, raw := range entries {
		task, err := domain.UnmarshalTask(raw)
		if err != nil {
			s.log.Warn("Skipping malformed active entry", zap.String("domain", domainName), zap.Error(err))
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// RequeueActive moves an orphaned claim back to the head of the pending
// queue. Refused when the task already has a terminal result, since the
// work evidently finished.
func (s *taskStore) RequeueActive(ctx context.Context, domainName, taskID string) error {
	result, err := s.GetResult(ctx, taskID)
	if err != nil {
		return err
	}
	if result != nil && result.Status.IsTerminal() {
		return fmt.Errorf("%w: task %s", domain.ErrResultFinal, taskID)
	}

	tasks, err := s.ListActive(ctx, domainName)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.TaskID != taskID {
			continue
		}
		raw, err := task.Raw()
		if err != nil {
			return err
		}
		pipe := s.client.TxPipeline()
		pipe.LRem(ctx, activeKey(domainName), 1, raw)
		// RPUSH puts it at the consuming end so the retry runs next.
		pipe.RPush(ctx, pendingKey(domainName), raw)
		pipe.HSet(ctx, resultKey(taskID), "status", string(domain.StatusPending))
		if _, err := pipe.Exec(ctx); err != nil {
			return storeErr("requeue active", err)
		}
		s.log.Info("Requeued orphaned task", zap.String("task_id", taskID), zap.String("domain", domainName))
		return nil
	}
	return fmt.Errorf("task %s not in active set for domain %s", taskID, domainName)
}
