// Package port provides the behavior interfaces that connect services
// to storage, runtime and executor adapters.
package port

import (
	"context"
	"time"

	"github.com/agentgrid/agentgrid/internal/core/domain"
)

// TaskStore defines the task handoff protocol over the shared store.
// GetNextTask's atomic pop is the sole exclusion mechanism for handoff:
// no two concurrent consumers of a domain may receive the same task.
type TaskStore interface {
	PublishTask(ctx context.Context, task *domain.Task) (string, error)
	GetNextTask(ctx context.Context, domainName string, timeout time.Duration) (*domain.Task, error)
	CompleteTask(ctx context.Context, domainName string, task *domain.Task) error
	PublishResult(ctx context.Context, taskID string, output *domain.TaskOutput, status domain.ResultStatus, taskErr string) error
	GetResult(ctx context.Context, taskID string) (*domain.TaskResult, error)
	WaitForResult(ctx context.Context, taskID string, timeout time.Duration) (*domain.TaskResult, error)
	AddLog(ctx context.Context, taskID, message string)
	GetLogs(ctx context.Context, taskID string) ([]string, error)
	QueueLength(ctx context.Context, domainName string) (int64, error)
	ListActive(ctx context.Context, domainName string) ([]*domain.Task, error)
	RequeueActive(ctx context.Context, domainName, taskID string) error
}

// AgentRegistry tracks which processes exist and which are alive.
// Liveness is a marker with a short TTL; absence is the only unhealthy
// signal, crash and partition are indistinguishable by design.
type AgentRegistry interface {
	Register(ctx context.Context, info *domain.AgentInfo) error
	Deregister(ctx context.Context, agentID string) (bool, error)
	Heartbeat(ctx context.Context, agentID string) error
	IsHealthy(ctx context.Context, agentID string) (bool, error)
	GetAgent(ctx context.Context, agentID string) (*domain.AgentInfo, error)
	ListAgents(ctx context.Context, role domain.AgentRole) ([]*domain.AgentInfo, error)
	ListDomains(ctx context.Context, domainType string) ([]*domain.AgentInfo, error)
	GetHealthyDomain(ctx context.Context, domainType string) (*domain.AgentInfo, error)
	UpdateStatus(ctx context.Context, agentID string, status domain.AgentStatus) error
	UnhealthyAgents(ctx context.Context) ([]string, error)
	CleanupDeadAgents(ctx context.Context) ([]string, error)
}

// ContainerSpec is everything the runtime needs to start one domain
// process.
type ContainerSpec struct {
	Name        string
	Hostname    string
	Image       string
	Env         map[string]string
	Labels      map[string]string
	Network     string
	// Binds are host mounts in "host:container[:ro]" form.
	Binds       []string
	MemoryBytes int64
	CPUs        float64
}

// ContainerState is the runtime-reported status of one execution unit.
type ContainerState struct {
	ID        string
	Name      string
	Running   bool
	Exited    bool
	Labels    map[string]string
	CreatedAt time.Time
}

// ContainerRuntime abstracts the isolation technology behind spawn,
// stop, list and inspect so coordination logic never touches a Docker
// socket directly.
type ContainerRuntime interface {
	Spawn(ctx context.Context, spec ContainerSpec) (string, error)
	Stop(ctx context.Context, containerID string, grace time.Duration) error
	Remove(ctx context.Context, containerID string) error
	List(ctx context.Context, labels map[string]string) ([]ContainerState, error)
	Inspect(ctx context.Context, containerID string) (*ContainerState, error)
}

// Locker serializes resource-affecting operations across processes.
// Acquire blocks until the lock is held or ctx is done; the returned
// function releases it.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Executor invokes one opaque task-specific unit. Latency is unbounded
// in principle; the dispatch budget bounds it in effect via ctx.
type Executor interface {
	Invoke(ctx context.Context, name, prompt string, extra map[string]any) (*domain.InvocationResult, error)
}

// ResultArchive persists terminal results outside the store for
// operator queries. Best effort: the store remains the authority.
type ResultArchive interface {
	SaveResult(ctx context.Context, domainName string, task *domain.Task, result *domain.TaskResult) error
	ListRecent(ctx context.Context, domainName string, limit int) ([]*domain.TaskResult, error)
}
