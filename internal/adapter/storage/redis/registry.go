package redis

import (
	"context"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentgrid/agentgrid/internal/core/domain"
	"github.com/agentgrid/agentgrid/internal/core/port"
)

const (
	// HeartbeatTTL is the liveness marker expiry. An agent whose marker
	// lapses is unhealthy and a candidate for respawn, whether it
	// crashed or is merely partitioned.
	HeartbeatTTL = 30 * time.Second

	// HeartbeatInterval is the renewal cadence. Kept at a third of the
	// TTL so one missed tick never flips health state.
	HeartbeatInterval = 10 * time.Second
)

type agentRegistry struct {
	client redis.UniversalClient
	log    *zap.Logger
}

// NewAgentRegistry creates the Redis-backed agent registry.
func NewAgentRegistry(client redis.UniversalClient, log *zap.Logger) port.AgentRegistry {
	return &agentRegistry{client: client, log: log}
}

// Register upserts the agent record and plants the initial liveness
// marker. Safe to call again on reconnect.
func (r *agentRegistry) Register(ctx context.Context, info *domain.AgentInfo) error {
	if info.RegisteredAt.IsZero() {
		info.RegisteredAt = time.Now().UTC()
	}
	if info.Status == "" {
		info.Status = domain.AgentStatusActive
	}

	// Field names follow the legacy hash layout: registration time is
	// stored as created_at.
	fields := map[string]any{
		"agent_id":   info.AgentID,
		"role":       string(info.Role),
		"status":     string(info.Status),
		"created_at": info.RegisteredAt.Format(time.RFC3339),
	}
	if info.DomainType != "" {
		fields["domain_type"] = info.DomainType
	}
	if info.ContainerID != "" {
		fields["container_id"] = info.ContainerID
	}

	now := time.Now().UTC().Format(time.RFC3339)
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, agentInfoKey(info.AgentID), fields)
	pipe.SAdd(ctx, allAgentsKey, info.AgentID)
	switch info.Role {
	case domain.RoleMain:
		pipe.Set(ctx, mainAgentKey, info.AgentID, 0)
	case domain.RoleDomain:
		pipe.SAdd(ctx, domainAgentsKey, info.AgentID)
		if info.DomainType != "" {
			pipe.SAdd(ctx, domainTypeKey(info.DomainType), info.AgentID)
		}
	case domain.RoleWorker:
		pipe.SAdd(ctx, workerAgentsKey, info.AgentID)
	}
	pipe.Set(ctx, agentHeartbeatKey(info.AgentID), now, HeartbeatTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("register agent", err)
	}

	r.log.Info("Registered agent",
		zap.String("agent_id", info.AgentID),
		zap.String("role", string(info.Role)),
		zap.String("domain_type", info.DomainType))
	return nil
}

// Deregister is the graceful-exit fast path: it removes the record and
// the liveness marker immediately rather than waiting for expiry.
func (r *agentRegistry) Deregister(ctx context.Context, agentID string) (bool, error) {
	info, err := r.GetAgent(ctx, agentID)
	if err != nil {
		return false, err
	}
	if info == nil {
		return false, nil
	}

	pipe := r.client.Pipeline()
	pipe.SRem(ctx, allAgentsKey, agentID)
	switch info.Role {
	case domain.RoleMain:
		pipe.Del(ctx, mainAgentKey)
	case domain.RoleDomain:
		pipe.SRem(ctx, domainAgentsKey, agentID)
		if info.DomainType != "" {
			pipe.SRem(ctx, domainTypeKey(info.DomainType), agentID)
		}
	case domain.RoleWorker:
		pipe.SRem(ctx, workerAgentsKey, agentID)
	}
	pipe.Del(ctx, agentInfoKey(agentID))
	pipe.Del(ctx, agentHeartbeatKey(agentID))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, storeErr("deregister agent", err)
	}

	r.log.Info("Deregistered agent", zap.String("agent_id", agentID))
	return true, nil
}

// Heartbeat renews the liveness marker for another TTL window.
func (r *agentRegistry) Heartbeat(ctx context.Context, agentID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	pipe := r.client.Pipeline()
	pipe.Set(ctx, agentHeartbeatKey(agentID), now, HeartbeatTTL)
	pipe.HSet(ctx, agentInfoKey(agentID), "last_heartbeat", now)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("heartbeat", err)
	}
	return nil
}

// IsHealthy is true iff the liveness marker currently exists.
func (r *agentRegistry) IsHealthy(ctx context.Context, agentID string) (bool, error) {
	n, err := r.client.Exists(ctx, agentHeartbeatKey(agentID)).Result()
	if err != nil {
		return false, storeErr("is healthy", err)
	}
	return n > 0, nil
}

func (r *agentRegistry) GetAgent(ctx context.Context, agentID string) (*domain.AgentInfo, error) {
	data, err := r.client.HGetAll(ctx, agentInfoKey(agentID)).Result()
	if err != nil {
		return nil, storeErr("get agent", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	info := &domain.AgentInfo{
		AgentID:     data["agent_id"],
		Role:        domain.AgentRole(data["role"]),
		DomainType:  data["domain_type"],
		Status:      domain.AgentStatus(data["status"]),
		ContainerID: data["container_id"],
	}
	if ts, err := time.Parse(time.RFC3339, data["created_at"]); err == nil {
		info.RegisteredAt = ts
	}
	if ts, err := time.Parse(time.RFC3339, data["last_heartbeat"]); err == nil {
		info.LastHeartbeat = ts
	}
	return info, nil
}

func (r *agentRegistry) ListAgents(ctx context.Context, role domain.AgentRole) ([]*domain.AgentInfo, error) {
	key := allAgentsKey
	switch role {
	case domain.RoleDomain:
		key = domainAgentsKey
	case domain.RoleWorker:
		key = workerAgentsKey
	}
	return r.collect(ctx, key)
}

// ListDomains returns domain agents, optionally filtered to one domain
// type, in stable id order.
func (r *agentRegistry) ListDomains(ctx context.Context, domainType string) ([]*domain.AgentInfo, error) {
	key := domainAgentsKey
	if domainType != "" {
		key = domainTypeKey(domainType)
	}
	return r.collect(ctx, key)
}

// GetHealthyDomain returns the first domain agent of the given type
// with a live marker, in id order, or nil when none qualifies. The
// stable order makes concurrent spawn decisions converge on the same
// answer. A starting agent counts: its registration marker covers the
// boot window, so spawners never double up on a domain that is still
// becoming healthy.
func (r *agentRegistry) GetHealthyDomain(ctx context.Context, domainType string) (*domain.AgentInfo, error) {
	agents, err := r.ListDomains(ctx, domainType)
	if err != nil {
		return nil, err
	}
	for _, info := range agents {
		if info.Status == domain.AgentStatusStopping {
			continue
		}
		healthy, err := r.IsHealthy(ctx, info.AgentID)
		if err != nil {
			return nil, err
		}
		if healthy {
			return info, nil
		}
	}
	return nil, nil
}

func (r *agentRegistry) UpdateStatus(ctx context.Context, agentID string, status domain.AgentStatus) error {
	if err := r.client.HSet(ctx, agentInfoKey(agentID), "status", string(status)).Err(); err != nil {
		return storeErr("update status", err)
	}
	return nil
}

// UnhealthyAgents lists registered agents whose liveness marker has
// lapsed.
func (r *agentRegistry) UnhealthyAgents(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, allAgentsKey).Result()
	if err != nil {
		return nil, storeErr("unhealthy agents", err)
	}
	sort.Strings(ids)

	var unhealthy []string
	for _, id := range ids {
		healthy, err := r.IsHealthy(ctx, id)
		if err != nil {
			return nil, err
		}
		if !healthy {
			unhealthy = append(unhealthy, id)
		}
	}
	return unhealthy, nil
}

// CleanupDeadAgents deregisters every agent with a lapsed marker and
// returns the removed ids. This is the passive-expiry counterpart to
// Deregister.
func (r *agentRegistry) CleanupDeadAgents(ctx context.Context) ([]string, error) {
	stale, err := r.UnhealthyAgents(ctx)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, id := range stale {
		ok, err := r.Deregister(ctx, id)
		if err != nil {
			return removed, err
		}
		if ok {
			removed = append(removed, id)
		}
	}
	return removed, nil
}

func (r *agentRegistry) collect(ctx context.Context, setKey string) ([]*domain.AgentInfo, error) {
	ids, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, storeErr("list agents", err)
	}
	sort.Strings(ids)

	agents := make([]*domain.AgentInfo, 0, len(ids))
	for _, id := range ids {
		info, err := r.GetAgent(ctx, id)
		if err != nil {
			return nil, err
		}
		if info != nil {
			agents = append(agents, info)
		}
	}
	return agents, nil
}
