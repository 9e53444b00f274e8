package bus

// Task topics.
const (
	TopicTaskCreated         = "task.created"
	TopicTaskMessageAppended = "task.message_appended"
	TopicTaskStateChanged    = "task.state_changed"
)

// Agent topics.
const (
	TopicAgentRegistered  = "agent.registered"
	TopicAgentHeartbeat   = "agent.heartbeat"
	TopicAgentDeactivated = "agent.deactivated"
	TopicAgentStale       = "agent.stale"
	TopicAgentPurged      = "agent.purged"
)

// Delegation topics.
const (
	TopicDelegationAdded    = "delegation.added"
	TopicDelegationClaimed  = "delegation.claimed"
	TopicDelegationReleased = "delegation.released"
	TopicDelegationRemoved  = "delegation.removed"
)

// TaskEvent is published on every task mutation.
type TaskEvent struct {
	TaskID    string `json:"taskId"`
	StateFrom string `json:"stateFrom,omitempty"`
	StateTo   string `json:"stateTo"`
	EventType string `json:"eventType"`
}

// AgentEvent is published when registry state changes. Count is set for
// sweep events that affect several rows.
type AgentEvent struct {
	AgentID string `json:"agentId,omitempty"`
	Status  string `json:"status,omitempty"`
	Count   int64  `json:"count,omitempty"`
}

// DelegationEvent is published when the bridge index changes.
type DelegationEvent struct {
	TaskID  string `json:"taskId"`
	AgentID string `json:"agentId"`
	Status  string `json:"status"`
}
