package domain

import "time"

type DomainStatus string

const (
	DomainStarting DomainStatus = "starting"
	DomainRunning  DomainStatus = "running"
	DomainStopped  DomainStatus = "stopped"
)

// DomainInfo describes one spawned domain process as seen through the
// container runtime. It is derived state: the runtime's label store is
// the authority, reconciliation sweeps rebuild it from there.
type DomainInfo struct {
	DomainID    string       `json:"domain_id"`
	DomainType  string       `json:"domain_type"`
	ContainerID string       `json:"container_id"`
	Name        string       `json:"container_name,omitempty"`
	Status      DomainStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at,omitempty"`
}
