package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentgrid/agentgrid/internal/core/domain"
	"github.com/agentgrid/agentgrid/internal/core/port"
)

const (
	// pollTimeout is how long one dequeue blocks before the loop comes
	// up for air (shutdown checks happen between polls).
	pollTimeout = 5 * time.Second

	// heartbeatInterval renews the liveness marker well inside its TTL.
	heartbeatInterval = 10 * time.Second

	// maxRetryBackoff caps the store-failure backoff.
	maxRetryBackoff = 30 * time.Second
)

// Runner is the per-domain control loop. One instance runs inside each
// domain process: it blocks on dequeue, plans, dispatches, aggregates
// and always publishes a terminal result, whatever went wrong along the
// way.
type Runner struct {
	domainType string
	agentID    string
	store      port.TaskStore
	registry   port.AgentRegistry
	planner    *Planner
	dispatcher *Dispatcher
	archive    port.ResultArchive
	metrics    *Metrics
	log        *zap.Logger
}

func NewRunner(domainType, agentID string, store port.TaskStore, registry port.AgentRegistry, planner *Planner, dispatcher *Dispatcher, log *zap.Logger) *Runner {
	return &Runner{
		domainType: domainType,
		agentID:    agentID,
		store:      store,
		registry:   registry,
		planner:    planner,
		dispatcher: dispatcher,
		log:        log,
	}
}

// WithArchive attaches a best-effort terminal-result archive.
func (r *Runner) WithArchive(archive port.ResultArchive) *Runner {
	r.archive = archive
	return r
}

// WithMetrics attaches Prometheus collectors.
func (r *Runner) WithMetrics(m *Metrics) *Runner {
	r.metrics = m
	return r
}

// Run registers the agent, starts the heartbeat goroutine and consumes
// tasks until ctx is cancelled. Store outages back the loop off rather
// than crashing it.
func (r *Runner) Run(ctx context.Context) error {
	err := r.registry.Register(ctx, &domain.AgentInfo{
		AgentID:    r.agentID,
		Role:       domain.RoleDomain,
		DomainType: r.domainType,
		Status:     domain.AgentStatusActive,
	})
	if err != nil {
		return fmt.Errorf("runner registration: %w", err)
	}
	defer func() {
		// Graceful-exit fast path; crashes fall back to marker expiry.
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := r.registry.Deregister(dctx, r.agentID); err != nil {
			r.log.Warn("Deregister on shutdown failed", zap.Error(err))
		}
	}()

	// The heartbeat runs on its own goroutine so a slow task never
	// suppresses liveness renewal.
	go r.heartbeatLoop(ctx)

	r.log.Info("Domain runner started",
		zap.String("domain_type", r.domainType),
		zap.String("agent_id", r.agentID))

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			r.log.Info("Domain runner stopping")
			return nil
		default:
		}

		task, err := r.store.GetNextTask(ctx, r.domainType, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Error("Dequeue failed, backing off", zap.Duration("backoff", backoff), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxRetryBackoff {
				backoff = maxRetryBackoff
			}
			continue
		}
		backoff = time.Second
		if task == nil {
			continue
		}
		r.processTask(ctx, task)
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.registry.Heartbeat(ctx, r.agentID); err != nil {
				r.log.Error("Heartbeat failed", zap.Error(err))
			} else {
				r.log.Debug("Heartbeat sent")
			}
		}
	}
}

// processTask walks one task through Planning, Dispatching, Aggregating
// and Publishing. Any internal error short-circuits to Publishing with
// a failed status: a task is never dropped on the floor.
func (r *Runner) processTask(ctx context.Context, task *domain.Task) {
	start := time.Now()
	if r.metrics != nil {
		r.metrics.tasksConsumed.Inc()
		r.metrics.tasksActive.Inc()
		defer r.metrics.tasksActive.Dec()
	}

	r.log.Info("Processing task",
		zap.String("task_id", task.TaskID),
		zap.String("description", task.Payload.Description))
	r.store.AddLog(ctx, task.TaskID, fmt.Sprintf("task received by %s", r.agentID))

	status, output, taskErr := r.execute(ctx, task)

	// Publishing survives a shutdown signal: a claimed task must reach
	// a terminal result even while the process is winding down.
	pubCtx := context.WithoutCancel(ctx)
	if err := r.store.PublishResult(pubCtx, task.TaskID, output, status, taskErr); err != nil {
		if errors.Is(err, domain.ErrResultFinal) {
			// Double publication is a bug upstream, not data loss: the
			// first terminal result stands.
			r.log.Warn("Duplicate terminal publish suppressed", zap.String("task_id", task.TaskID))
		} else {
			r.log.Error("Failed to publish result", zap.String("task_id", task.TaskID), zap.Error(err))
		}
	}
	// Result first, then the active-set removal, so a crash between the
	// two leaves a finished task visible rather than a lost one.
	if err := r.store.CompleteTask(pubCtx, r.domainType, task); err != nil {
		r.log.Error("Failed to clear active entry", zap.String("task_id", task.TaskID), zap.Error(err))
	}

	if r.archive != nil {
		if err := r.archive.SaveResult(pubCtx, r.domainType, task, &domain.TaskResult{
			TaskID: task.TaskID,
			Status: status,
			Output: output,
			Error:  taskErr,
		}); err != nil {
			r.log.Warn("Result archive write failed", zap.String("task_id", task.TaskID), zap.Error(err))
		}
	}
	if r.metrics != nil {
		r.metrics.taskOutcomes.WithLabelValues(string(status)).Inc()
		r.metrics.dispatchSeconds.Observe(time.Since(start).Seconds())
	}

	r.log.Info("Task finished",
		zap.String("task_id", task.TaskID),
		zap.String("status", string(status)),
		zap.Duration("elapsed", time.Since(start)))
}

// execute covers the Planning, Dispatching and Aggregating states. It
// never returns a non-terminal status and never panics upward.
func (r *Runner) execute(ctx context.Context, task *domain.Task) (status domain.ResultStatus, output *domain.TaskOutput, taskErr string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("Panic while processing task",
				zap.String("task_id", task.TaskID),
				zap.Any("panic", rec))
			status = domain.StatusFailed
			output = &domain.TaskOutput{}
			taskErr = fmt.Sprintf("internal error: %v", rec)
		}
	}()

	plan, err := r.planner.Plan(task)
	if err != nil {
		r.store.AddLog(ctx, task.TaskID, fmt.Sprintf("planning failed: %v", err))
		return domain.StatusFailed, &domain.TaskOutput{}, fmt.Sprintf("planning: %v", err)
	}
	r.store.AddLog(ctx, task.TaskID, fmt.Sprintf("plan: %s over %v", plan.Shape, plan.Executors))

	outcomes := r.dispatcher.Dispatch(ctx, task, plan)
	status, output = Aggregate(outcomes)
	if status == domain.StatusFailed {
		taskErr = aggregateError(outcomes)
	}
	r.store.AddLog(ctx, task.TaskID, fmt.Sprintf("aggregated %d invocations: %s", len(outcomes), status))
	return status, output, taskErr
}
