package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentgrid/agentgrid/internal/core/domain"
	"github.com/agentgrid/agentgrid/internal/core/port"
)

// fakeRuntime keeps container state in memory.
type fakeRuntime struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*port.ContainerState
	specs      []port.ContainerSpec
	spawned    int
	spawnDead  bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: map[string]*port.ContainerState{}}
}

func (r *fakeRuntime) Spawn(ctx context.Context, spec port.ContainerSpec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.spawned++
	id := fmt.Sprintf("ctr-%d", r.seq)
	labels := make(map[string]string, len(spec.Labels))
	for k, v := range spec.Labels {
		labels[k] = v
	}
	r.containers[id] = &port.ContainerState{
		ID:        id,
		Name:      spec.Name,
		Running:   !r.spawnDead,
		Exited:    r.spawnDead,
		Labels:    labels,
		CreatedAt: time.Now(),
	}
	r.specs = append(r.specs, spec)
	return id, nil
}

func (r *fakeRuntime) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[containerID]; ok {
		c.Running = false
		c.Exited = true
	}
	return nil
}

func (r *fakeRuntime) Remove(ctx context.Context, containerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, containerID)
	return nil
}

func (r *fakeRuntime) List(ctx context.Context, labels map[string]string) ([]port.ContainerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []port.ContainerState
	for _, c := range r.containers {
		match := true
		for k, v := range labels {
			if c.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (r *fakeRuntime) Inspect(ctx context.Context, containerID string) (*port.ContainerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[containerID]
	if !ok {
		return nil, errors.New("no such container")
	}
	state := *c
	return &state, nil
}

// memRegistry is an in-process registry where registration itself makes
// an agent healthy, mirroring the initial liveness marker.
type memRegistry struct {
	port.AgentRegistry

	mu      sync.Mutex
	agents  map[string]*domain.AgentInfo
	healthy map[string]bool
}

func newMemRegistry() *memRegistry {
	return &memRegistry{agents: map[string]*domain.AgentInfo{}, healthy: map[string]bool{}}
}

func (m *memRegistry) Register(ctx context.Context, info *domain.AgentInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[info.AgentID] = info
	m.healthy[info.AgentID] = true
	return nil
}

func (m *memRegistry) Deregister(ctx context.Context, agentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.agents[agentID]
	delete(m.agents, agentID)
	delete(m.healthy, agentID)
	return ok, nil
}

func (m *memRegistry) IsHealthy(ctx context.Context, agentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy[agentID], nil
}

func (m *memRegistry) GetHealthyDomain(ctx context.Context, domainType string) (*domain.AgentInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, info := range m.agents {
		if info.Role == domain.RoleDomain && info.DomainType == domainType && m.healthy[id] {
			return info, nil
		}
	}
	return nil, nil
}

// memLocker serializes Acquire per key inside the process.
type memLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newMemLocker() *memLocker { return &memLocker{locks: map[string]*sync.Mutex{}} }

func (l *memLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock, nil
}

func newTestSupervisor(runtime port.ContainerRuntime, registry port.AgentRegistry) *Supervisor {
	return NewSupervisor(runtime, registry, newMemLocker(), SupervisorConfig{
		Image:            "agentgrid/domain:latest",
		Network:          "agentgrid",
		RedisAddr:        "redis:6379",
		ReadinessTimeout: 2 * time.Second,
	}, zap.NewNop())
}

func TestSpawnDomainConcurrentYieldsOneInstance(t *testing.T) {
	runtime := newFakeRuntime()
	registry := newMemRegistry()
	s := newTestSupervisor(runtime, registry)

	ids := make([]string, 2)
	var wg sync.WaitGroup
	var firstErr error
	var mu sync.Mutex
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := s.SpawnDomain(context.Background(), "backend")
			mu.Lock()
			defer mu.Unlock()
			ids[i] = id
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}()
	}
	wg.Wait()

	require.NoError(t, firstErr)
	assert.Equal(t, 1, runtime.spawned)
	assert.Equal(t, ids[0], ids[1])
}

func TestSpawnDomainMountsConfiguredBinds(t *testing.T) {
	runtime := newFakeRuntime()
	registry := newMemRegistry()
	binds := []string{
		"/srv/agentgrid/workspace:/workspace",
		"/srv/agentgrid/lib:/opt/agentgrid/lib:ro",
	}
	s := NewSupervisor(runtime, registry, newMemLocker(), SupervisorConfig{
		Image:            "agentgrid/domain:latest",
		Network:          "agentgrid",
		RedisAddr:        "redis:6379",
		Binds:            binds,
		ReadinessTimeout: 2 * time.Second,
	}, zap.NewNop())

	_, err := s.SpawnDomain(context.Background(), "backend")
	require.NoError(t, err)

	runtime.mu.Lock()
	defer runtime.mu.Unlock()
	require.Len(t, runtime.specs, 1)
	assert.Equal(t, binds, runtime.specs[0].Binds)
}

func TestSpawnDomainReadinessTimeoutTearsDown(t *testing.T) {
	runtime := newFakeRuntime()
	registry := newMemRegistry()
	s := NewSupervisor(runtime, registry, newMemLocker(), SupervisorConfig{
		Image:            "agentgrid/domain:latest",
		ReadinessTimeout: 100 * time.Millisecond,
	}, zap.NewNop())

	// Registration never yields a liveness marker.
	s.registry = &neverHealthyRegistry{inner: registry}

	_, err := s.SpawnDomain(context.Background(), "backend")
	require.ErrorIs(t, err, domain.ErrSpawnFailure)

	// Teardown leaves no container and no registration behind.
	assert.Empty(t, runtime.containers)
	assert.Empty(t, registry.agents)
}

type neverHealthyRegistry struct {
	port.AgentRegistry
	inner *memRegistry
}

func (r *neverHealthyRegistry) Register(ctx context.Context, info *domain.AgentInfo) error {
	err := r.inner.Register(ctx, info)
	r.inner.mu.Lock()
	r.inner.healthy[info.AgentID] = false
	r.inner.mu.Unlock()
	return err
}

func (r *neverHealthyRegistry) Deregister(ctx context.Context, agentID string) (bool, error) {
	return r.inner.Deregister(ctx, agentID)
}

func (r *neverHealthyRegistry) IsHealthy(ctx context.Context, agentID string) (bool, error) {
	return false, nil
}

func (r *neverHealthyRegistry) GetHealthyDomain(ctx context.Context, domainType string) (*domain.AgentInfo, error) {
	return nil, nil
}

func TestSpawnDomainExitedDuringStartup(t *testing.T) {
	runtime := newFakeRuntime()
	runtime.spawnDead = true
	registry := newMemRegistry()
	s := newTestSupervisor(runtime, registry)

	_, err := s.SpawnDomain(context.Background(), "backend")
	require.ErrorIs(t, err, domain.ErrSpawnFailure)
	assert.Empty(t, runtime.containers)
}

func TestEnsureDomainReusesHealthy(t *testing.T) {
	runtime := newFakeRuntime()
	registry := newMemRegistry()
	s := newTestSupervisor(runtime, registry)

	first, err := s.EnsureDomain(context.Background(), "backend")
	require.NoError(t, err)
	second, err := s.EnsureDomain(context.Background(), "backend")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, runtime.spawned)
}

func TestStopDomain(t *testing.T) {
	runtime := newFakeRuntime()
	registry := newMemRegistry()
	s := newTestSupervisor(runtime, registry)

	id, err := s.SpawnDomain(context.Background(), "backend")
	require.NoError(t, err)

	ok, err := s.StopDomain(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, runtime.containers)
	assert.Empty(t, registry.agents)

	ok, err = s.StopDomain(context.Background(), "no-such-domain")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCleanupStoppedSweepsOnlyDeadContainers(t *testing.T) {
	runtime := newFakeRuntime()
	registry := newMemRegistry()
	s := newTestSupervisor(runtime, registry)

	alive, err := s.SpawnDomain(context.Background(), "backend")
	require.NoError(t, err)
	dead, err := s.SpawnDomain(context.Background(), "frontend")
	require.NoError(t, err)

	// Simulate a crash that bypassed deregistration.
	for id, c := range runtime.containers {
		if c.Labels["agentgrid.domain-id"] == dead {
			require.NoError(t, runtime.Stop(context.Background(), id, 0))
		}
	}

	removed, err := s.CleanupStopped(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{dead}, removed)

	domains, err := s.ListDomains(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, domains, 1)
	assert.Equal(t, alive, domains[0].DomainID)
}

func TestCleanupAllStopsEverything(t *testing.T) {
	runtime := newFakeRuntime()
	registry := newMemRegistry()
	s := newTestSupervisor(runtime, registry)

	_, err := s.SpawnDomain(context.Background(), "backend")
	require.NoError(t, err)
	_, err = s.SpawnDomain(context.Background(), "frontend")
	require.NoError(t, err)

	removed, err := s.CleanupAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, removed, 2)
	assert.Empty(t, runtime.containers)
	assert.Empty(t, registry.agents)
}

func TestListDomainsReportsStatus(t *testing.T) {
	runtime := newFakeRuntime()
	registry := newMemRegistry()
	s := newTestSupervisor(runtime, registry)

	id, err := s.SpawnDomain(context.Background(), "backend")
	require.NoError(t, err)

	domains, err := s.ListDomains(context.Background(), "backend")
	require.NoError(t, err)
	require.Len(t, domains, 1)
	assert.Equal(t, id, domains[0].DomainID)
	assert.Equal(t, "backend", domains[0].DomainType)
	assert.Equal(t, domain.DomainRunning, domains[0].Status)

	healthy, err := s.IsDomainHealthy(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, healthy)
}
