package domain

import "time"

type AgentRole string

const (
	RoleMain   AgentRole = "main"
	RoleDomain AgentRole = "domain"
	RoleWorker AgentRole = "worker"
)

type AgentStatus string

const (
	AgentStatusStarting AgentStatus = "starting"
	AgentStatusActive   AgentStatus = "active"
	AgentStatusBusy     AgentStatus = "busy"
	AgentStatusStopping AgentStatus = "stopping"
)

// AgentInfo is the registry record for one process. Re-registration
// overwrites it, so reconnect is idempotent.
type AgentInfo struct {
	AgentID       string      `json:"agent_id"`
	Role          AgentRole   `json:"role"`
	DomainType    string      `json:"domain_type,omitempty"` // only for RoleDomain
	Status        AgentStatus `json:"status"`
	ContainerID   string      `json:"container_id,omitempty"`
	RegisteredAt  time.Time   `json:"registered_at"`
	LastHeartbeat time.Time   `json:"last_heartbeat,omitempty"`
}
