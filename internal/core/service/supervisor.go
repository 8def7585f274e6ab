package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentgrid/agentgrid/internal/core/domain"
	"github.com/agentgrid/agentgrid/internal/core/port"
)

const (
	// readinessPollInterval paces container/health probing after spawn.
	readinessPollInterval = 500 * time.Millisecond

	// spawnLockTTL bounds how long a dead spawner can block others.
	spawnLockTTL = 2 * time.Minute
)

// SupervisorConfig carries the container wiring for spawned domain
// processes.
type SupervisorConfig struct {
	Image            string
	Network          string
	RedisAddr        string
	LabelPrefix      string
	// Binds are mounted into every spawned container. The shared
	// workspace is read-write; everything else should be :ro.
	Binds            []string
	MemoryBytes      int64
	CPUs             float64
	ReadinessTimeout time.Duration
	StopGrace        time.Duration
}

func (c *SupervisorConfig) defaults() {
	if c.LabelPrefix == "" {
		c.LabelPrefix = "agentgrid"
	}
	if c.ReadinessTimeout <= 0 {
		c.ReadinessTimeout = 30 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 10 * time.Second
	}
}

// Supervisor owns domain-process lifecycle: idempotent spawn,
// reconciliation and teardown. Spawning is serialized per domain type
// through the store lock so concurrent "no healthy domain" conclusions
// cannot produce duplicates.
type Supervisor struct {
	runtime  port.ContainerRuntime
	registry port.AgentRegistry
	locker   port.Locker
	cfg      SupervisorConfig
	log      *zap.Logger
}

func NewSupervisor(runtime port.ContainerRuntime, registry port.AgentRegistry, locker port.Locker, cfg SupervisorConfig, log *zap.Logger) *Supervisor {
	cfg.defaults()
	return &Supervisor{
		runtime:  runtime,
		registry: registry,
		locker:   locker,
		cfg:      cfg,
		log:      log,
	}
}

// SpawnLockKey names the store lock serializing spawn attempts for one
// domain type. It is part of the shared key scheme: legacy deployments
// contend on the same lock.
func SpawnLockKey(domainType string) string { return "spawn:lock:" + domainType }

func (s *Supervisor) managedLabel() string  { return s.cfg.LabelPrefix + ".managed" }
func (s *Supervisor) domainLabel() string   { return s.cfg.LabelPrefix + ".domain" }
func (s *Supervisor) domainIDLabel() string { return s.cfg.LabelPrefix + ".domain-id" }

// SpawnDomain launches one domain process for the given type. Under the
// per-type lock it re-checks the registry first, so the call returns
// the existing domain's id when a healthy one already exists or is
// still becoming healthy. A process that never becomes healthy within
// the readiness window is torn down and reported as a spawn failure.
func (s *Supervisor) SpawnDomain(ctx context.Context, domainType string) (string, error) {
	release, err := s.locker.Acquire(ctx, SpawnLockKey(domainType), spawnLockTTL)
	if err != nil {
		return "", fmt.Errorf("%w: acquiring spawn lock for %s: %v", domain.ErrSpawnFailure, domainType, err)
	}
	defer release()

	// Decisions taken before we held the lock are stale by now.
	existing, err := s.registry.GetHealthyDomain(ctx, domainType)
	if err != nil {
		return "", err
	}
	if existing != nil {
		s.log.Info("Healthy domain already present, reusing",
			zap.String("domain_type", domainType),
			zap.String("domain_id", existing.AgentID))
		return existing.AgentID, nil
	}

	domainID := fmt.Sprintf("%s-%s", domainType, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	spec := port.ContainerSpec{
		Name:     "domain-" + domainID,
		Hostname: domainID,
		Image:    s.cfg.Image,
		Network:  s.cfg.Network,
		Env: map[string]string{
			"AGENT_ROLE":  string(domain.RoleDomain),
			"AGENT_ID":    domainID,
			"DOMAIN_TYPE": domainType,
			"REDIS_ADDR":  s.cfg.RedisAddr,
		},
		Labels: map[string]string{
			s.managedLabel():  "true",
			s.domainLabel():   domainType,
			s.domainIDLabel(): domainID,
		},
		Binds:       s.cfg.Binds,
		MemoryBytes: s.cfg.MemoryBytes,
		CPUs:        s.cfg.CPUs,
	}

	containerID, err := s.runtime.Spawn(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", domain.ErrSpawnFailure, domainType, err)
	}
	s.log.Info("Spawned domain container",
		zap.String("domain_type", domainType),
		zap.String("domain_id", domainID),
		zap.String("container_id", containerID))

	// Pre-register the expected record so health checks have a target
	// and racing spawn decisions see the newcomer while it boots. The
	// registration marker covers the becoming-healthy window; the
	// process's own heartbeats take over once it is up.
	err = s.registry.Register(ctx, &domain.AgentInfo{
		AgentID:     domainID,
		Role:        domain.RoleDomain,
		DomainType:  domainType,
		Status:      domain.AgentStatusStarting,
		ContainerID: containerID,
	})
	if err != nil {
		s.teardown(ctx, domainID, containerID)
		return "", fmt.Errorf("%w: registering %s: %v", domain.ErrSpawnFailure, domainID, err)
	}

	if err := s.waitReady(ctx, domainID, containerID); err != nil {
		s.teardown(ctx, domainID, containerID)
		return "", err
	}
	return domainID, nil
}

// waitReady bounds the readiness window: the container must be running
// and the agent's liveness marker present before the deadline.
func (s *Supervisor) waitReady(ctx context.Context, domainID, containerID string) error {
	deadline := time.Now().Add(s.cfg.ReadinessTimeout)
	for {
		state, err := s.runtime.Inspect(ctx, containerID)
		if err != nil {
			return fmt.Errorf("%w: inspecting %s: %v", domain.ErrSpawnFailure, domainID, err)
		}
		if state.Exited {
			return fmt.Errorf("%w: %s exited during startup", domain.ErrSpawnFailure, domainID)
		}
		if state.Running {
			healthy, err := s.registry.IsHealthy(ctx, domainID)
			if err != nil {
				return err
			}
			if healthy {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s not healthy within %s", domain.ErrSpawnFailure, domainID, s.cfg.ReadinessTimeout)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", domain.ErrSpawnFailure, domainID, ctx.Err())
		case <-time.After(readinessPollInterval):
		}
	}
}

func (s *Supervisor) teardown(ctx context.Context, domainID, containerID string) {
	if err := s.runtime.Stop(ctx, containerID, s.cfg.StopGrace); err != nil {
		s.log.Warn("Teardown stop failed", zap.String("domain_id", domainID), zap.Error(err))
	}
	if err := s.runtime.Remove(ctx, containerID); err != nil {
		s.log.Warn("Teardown remove failed", zap.String("domain_id", domainID), zap.Error(err))
	}
	if _, err := s.registry.Deregister(ctx, domainID); err != nil {
		s.log.Warn("Teardown deregister failed", zap.String("domain_id", domainID), zap.Error(err))
	}
}

// EnsureDomain returns a healthy domain's id for the type, spawning one
// only when none exists.
func (s *Supervisor) EnsureDomain(ctx context.Context, domainType string) (string, error) {
	existing, err := s.registry.GetHealthyDomain(ctx, domainType)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.AgentID, nil
	}
	return s.SpawnDomain(ctx, domainType)
}

// StopDomain gracefully terminates a domain process, forcing it after
// the grace period, and removes its registry entry. Returns false when
// no container carries the domain id.
func (s *Supervisor) StopDomain(ctx context.Context, domainID string) (bool, error) {
	containers, err := s.runtime.List(ctx, map[string]string{s.domainIDLabel(): domainID})
	if err != nil {
		return false, err
	}
	if len(containers) == 0 {
		return false, nil
	}

	for _, c := range containers {
		if err := s.runtime.Stop(ctx, c.ID, s.cfg.StopGrace); err != nil {
			return false, fmt.Errorf("stopping domain %s: %w", domainID, err)
		}
		if err := s.runtime.Remove(ctx, c.ID); err != nil {
			return false, fmt.Errorf("removing domain %s: %w", domainID, err)
		}
	}
	if _, err := s.registry.Deregister(ctx, domainID); err != nil {
		s.log.Warn("Deregister after stop failed", zap.String("domain_id", domainID), zap.Error(err))
	}
	s.log.Info("Stopped domain", zap.String("domain_id", domainID))
	return true, nil
}

// ListDomains reports every managed domain process as seen by the
// runtime, optionally filtered by type.
func (s *Supervisor) ListDomains(ctx context.Context, domainType string) ([]domain.DomainInfo, error) {
	labels := map[string]string{s.managedLabel(): "true"}
	if domainType != "" {
		labels[s.domainLabel()] = domainType
	}
	containers, err := s.runtime.List(ctx, labels)
	if err != nil {
		return nil, err
	}

	infos := make([]domain.DomainInfo, 0, len(containers))
	for _, c := range containers {
		status := domain.DomainStarting
		if c.Running {
			status = domain.DomainRunning
		} else if c.Exited {
			status = domain.DomainStopped
		}
		infos = append(infos, domain.DomainInfo{
			DomainID:    c.Labels[s.domainIDLabel()],
			DomainType:  c.Labels[s.domainLabel()],
			ContainerID: c.ID,
			Name:        c.Name,
			Status:      status,
			CreatedAt:   c.CreatedAt,
		})
	}
	return infos, nil
}

// IsDomainHealthy combines the runtime view with the liveness marker.
func (s *Supervisor) IsDomainHealthy(ctx context.Context, domainID string) (bool, error) {
	containers, err := s.runtime.List(ctx, map[string]string{s.domainIDLabel(): domainID})
	if err != nil {
		return false, err
	}
	if len(containers) == 0 || !containers[0].Running {
		return false, nil
	}
	return s.registry.IsHealthy(ctx, domainID)
}

// CleanupStopped removes tracking for execution units that are no
// longer running: the reconciliation path for crashes that bypassed
// deregistration.
func (s *Supervisor) CleanupStopped(ctx context.Context) ([]string, error) {
	domains, err := s.ListDomains(ctx, "")
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, d := range domains {
		if d.Status == domain.DomainRunning {
			continue
		}
		if err := s.runtime.Remove(ctx, d.ContainerID); err != nil {
			s.log.Warn("Cleanup remove failed", zap.String("domain_id", d.DomainID), zap.Error(err))
			continue
		}
		if _, err := s.registry.Deregister(ctx, d.DomainID); err != nil {
			s.log.Warn("Cleanup deregister failed", zap.String("domain_id", d.DomainID), zap.Error(err))
		}
		removed = append(removed, d.DomainID)
	}
	return removed, nil
}

// CleanupAll stops every domain instance this supervisor manages.
func (s *Supervisor) CleanupAll(ctx context.Context) ([]string, error) {
	domains, err := s.ListDomains(ctx, "")
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, d := range domains {
		ok, err := s.StopDomain(ctx, d.DomainID)
		if err != nil {
			s.log.Warn("Cleanup stop failed", zap.String("domain_id", d.DomainID), zap.Error(err))
			continue
		}
		if ok {
			removed = append(removed, d.DomainID)
		}
	}
	return removed, nil
}
