// Package redis implements the task store, agent registry and spawn
// lock on a shared Redis instance. The key scheme is a wire contract:
// processes written against the legacy deployment read and write the
// same keys, so names and value encodings here must not drift.
//
//	tasks:pending:{domain}       LIST  queued task JSON (FIFO, LPUSH/RPOP side)
//	tasks:active:{domain}        LIST  claimed-but-unfinished task JSON
//	results:{task_id}            HASH  status/output/error/timestamps
//	results:{task_id}:logs       LIST  append-only diagnostic entries
//	notifications:{domain}       PUBSUB best-effort new-task signal
//	agents:all                   SET   every agent id
//	agents:domains[:{type}]      SET   domain agent ids
//	agents:workers               SET   worker agent ids
//	agents:main                  STRING main agent id
//	agents:info:{agent_id}       HASH  agent metadata
//	agents:heartbeat:{agent_id}  STRING liveness marker, 30s TTL
//	spawn:lock:{domain_type}     STRING spawn serialization lock
package redis

func pendingKey(domain string) string  { return "tasks:pending:" + domain }
func activeKey(domain string) string   { return "tasks:active:" + domain }
func resultKey(taskID string) string   { return "results:" + taskID }
func logsKey(taskID string) string     { return "results:" + taskID + ":logs" }
func notifyChannel(domain string) string { return "notifications:" + domain }

func agentInfoKey(agentID string) string      { return "agents:info:" + agentID }
func agentHeartbeatKey(agentID string) string { return "agents:heartbeat:" + agentID }
func domainTypeKey(domainType string) string  { return "agents:domains:" + domainType }

// spawn:lock:{domain_type} is deliberately absent here: the supervisor
// owns the locking policy and service.SpawnLockKey is its one
// definition. The Locker takes the key verbatim.

const (
	allAgentsKey    = "agents:all"
	domainAgentsKey = "agents:domains"
	workerAgentsKey = "agents:workers"
	mainAgentKey    = "agents:main"
)
