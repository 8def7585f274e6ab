package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentgrid/agentgrid/internal/core/domain"
	"github.com/agentgrid/agentgrid/internal/core/port"
)

// defaultMaxParallel bounds independent fan-out when no limit is
// configured.
const defaultMaxParallel = 4

// Dispatcher fans a plan out to executors and collects per-invocation
// outcomes. The task's timeout is the wall-clock budget: it cancels the
// invocation contexts cooperatively but never blocks aggregation on an
// executor that ignores the cancellation.
type Dispatcher struct {
	executor    port.Executor
	maxParallel int
	log         *zap.Logger
}

func NewDispatcher(executor port.Executor, maxParallel int, log *zap.Logger) *Dispatcher {
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel
	}
	return &Dispatcher{executor: executor, maxParallel: maxParallel, log: log}
}

// Dispatch runs every invocation in the plan and returns one outcome
// per executor, in plan order. Invocations still outstanding when the
// budget expires are reported as failed; whatever finished is kept.
func (d *Dispatcher) Dispatch(ctx context.Context, task *domain.Task, plan *domain.DispatchPlan) []domain.InvocationOutcome {
	budget, cancel := context.WithTimeout(ctx, task.Timeout())
	defer cancel()

	if plan.Shape == domain.ShapeSequential {
		return d.dispatchSequential(budget, task, plan.Executors)
	}
	return d.dispatchIndependent(budget, task, plan.Executors)
}

func (d *Dispatcher) dispatchIndependent(budget context.Context, task *domain.Task, executors []string) []domain.InvocationOutcome {
	var mu sync.Mutex
	outcomes := make([]domain.InvocationOutcome, len(executors))
	finished := make([]bool, len(executors))

	g, gctx := errgroup.WithContext(budget)
	g.SetLimit(d.maxParallel)
	for i, name := range executors {
		g.Go(func() error {
			outcome := d.invoke(gctx, name, task, nil)
			mu.Lock()
			outcomes[i] = outcome
			finished[i] = true
			mu.Unlock()
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-budget.Done():
		// Stragglers keep running on their own goroutines; the budget
		// context tells them to stop and we move on without them.
	}

	mu.Lock()
	defer mu.Unlock()
	snapshot := make([]domain.InvocationOutcome, len(executors))
	for i := range executors {
		if finished[i] {
			snapshot[i] = outcomes[i]
			continue
		}
		d.log.Warn("Invocation abandoned at task budget",
			zap.String("task_id", task.TaskID),
			zap.String("executor", executors[i]))
		snapshot[i] = domain.InvocationOutcome{
			Executor: executors[i],
			Err:      fmt.Sprintf("%v: invocation outstanding at budget expiry", domain.ErrTaskTimeout),
		}
	}
	return snapshot
}

func (d *Dispatcher) dispatchSequential(budget context.Context, task *domain.Task, executors []string) []domain.InvocationOutcome {
	outcomes := make([]domain.InvocationOutcome, 0, len(executors))
	var prior *domain.InvocationResult

	for _, name := range executors {
		if budget.Err() != nil {
			outcomes = append(outcomes, domain.InvocationOutcome{
				Executor: name,
				Err:      fmt.Sprintf("%v: budget exhausted before invocation", domain.ErrTaskTimeout),
			})
			continue
		}

		var extra map[string]any
		if prior != nil {
			// Each link in the chain sees what the previous one did.
			extra = map[string]any{
				"previous_summary":        prior.Summary,
				"previous_files_created":  prior.FilesCreated,
				"previous_files_modified": prior.FilesModified,
			}
		}
		outcome := d.invoke(budget, name, task, extra)
		if outcome.Succeeded() {
			prior = outcome.Result
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func (d *Dispatcher) invoke(ctx context.Context, name string, task *domain.Task, extra map[string]any) (outcome domain.InvocationOutcome) {
	start := time.Now()
	// Executors are opaque; a panicking one must become a failed
	// outcome like any other executor fault. Independent invocations
	// run on their own goroutines, so this recover is the only thing
	// between a misbehaving executor and a crashed process.
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error("Executor panicked",
				zap.String("task_id", task.TaskID),
				zap.String("executor", name),
				zap.Any("panic", rec))
			outcome = domain.InvocationOutcome{
				Executor: name,
				Duration: time.Since(start),
				Err:      fmt.Sprintf("%v: panic: %v", domain.ErrExecutorFailure, rec),
			}
		}
	}()
	prompt := buildPrompt(name, task)

	merged := make(map[string]any, len(task.Payload.Context)+len(extra))
	for k, v := range task.Payload.Context {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}

	result, err := d.executor.Invoke(ctx, name, prompt, merged)
	outcome = domain.InvocationOutcome{
		Executor: name,
		Duration: time.Since(start),
	}
	if err != nil {
		// Executor failures stay inside the dispatch stage; they feed
		// aggregation and never surface as process-level errors.
		d.log.Warn("Executor invocation failed",
			zap.String("task_id", task.TaskID),
			zap.String("executor", name),
			zap.Error(err))
		outcome.Err = fmt.Sprintf("%v: %v", domain.ErrExecutorFailure, err)
		return outcome
	}
	outcome.Result = result
	return outcome
}

// buildPrompt renders the task into the executor's instructions. The
// shape mirrors what domain specialists historically received.
func buildPrompt(executorName string, task *domain.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a %s specialist for the %s domain.\n\n", executorName, task.Destination)
	b.WriteString("## Task\n")
	b.WriteString(task.Payload.Description)
	b.WriteString("\n")

	if len(task.Payload.Requirements) > 0 {
		b.WriteString("\n## Requirements\n")
		for _, req := range task.Payload.Requirements {
			fmt.Fprintf(&b, "- %s\n", req)
		}
	}
	if len(task.Payload.Context) > 0 {
		if data, err := json.MarshalIndent(task.Payload.Context, "", "  "); err == nil {
			b.WriteString("\n## Context\n")
			b.Write(data)
			b.WriteString("\n")
		}
	}

	b.WriteString("\n## Instructions\n")
	b.WriteString("1. Analyze the task and requirements\n")
	b.WriteString("2. Implement the solution in the workspace\n")
	b.WriteString("3. When done, output a JSON summary of files created and modified\n")
	return b.String()
}
