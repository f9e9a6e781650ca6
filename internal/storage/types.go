package storage

// RunState is the lifecycle state of an AgentRun. Terminal states are
// absorbing: once reached a run never transitions again.
type RunState string

const (
	RunQueued    RunState = "queued"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunAborted   RunState = "aborted"
)

// Terminal reports whether s is one of the absorbing states.
func (s RunState) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunAborted:
		return true
	default:
		return false
	}
}

// ChatRole is the speaker of a ChatMessage.
type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
	RoleSystem    ChatRole = "system"
	RoleTool      ChatRole = "tool"
)

// NodeConnectionState is the pairing lifecycle of a Node.
type NodeConnectionState string

const (
	NodeUnpaired NodeConnectionState = "unpaired"
	NodePending  NodeConnectionState = "pending"
	NodePaired   NodeConnectionState = "paired"
	NodeRevoked  NodeConnectionState = "revoked"
)

// PairRequestState is the lifecycle of a NodePairRequest.
type PairRequestState string

const (
	PairPending  PairRequestState = "pending"
	PairApproved PairRequestState = "approved"
	PairRejected PairRequestState = "rejected"
	PairVerified PairRequestState = "verified"
)

// ConfigEntry is a single key/value row in the runtime-mutable config map.
type ConfigEntry struct {
	Key       string
	Value     string
	UpdatedAt int64
}

// Session is the logical conversation address behind a session_key.
type Session struct {
	ID         string
	SessionKey string
	AgentID    string
	CreatedAt  int64
	UpdatedAt  int64
}

// ChatMessage is one append-only entry in a session's transcript.
type ChatMessage struct {
	ID         string
	SessionKey string
	Role       ChatRole
	Text       string
	Ts         int64
}

// AgentRun is one unit of agent execution with a lifecycle state.
type AgentRun struct {
	ID             string
	SessionKey     string
	AgentID        string
	State          RunState
	Deferred       bool
	CreatedAt      int64
	StartedAt      *int64
	FinishedAt     *int64
	IdempotencyKey string
	InputMessage   string
	Output         string
	Error          string
}

// CronJob is a scheduled recurring action.
type CronJob struct {
	ID         string
	Schedule   string
	Payload    string
	Enabled    bool
	NextFireAt int64
}

// CronRun is one execution record of a CronJob.
type CronRun struct {
	ID         string
	JobID      string
	StartedAt  int64
	FinishedAt *int64
	Outcome    string
}

// Node is a registered node client.
type Node struct {
	ID              string
	Name            string
	Role            string
	ConnectionState NodeConnectionState
	LastSeen        int64
}

// NodePairRequest tracks the approval/verification of a Node.
type NodePairRequest struct {
	ID               string
	NodeID           string
	CreatedAt        int64
	State            PairRequestState
	VerificationCode string
}

// NodeInvoke is one outstanding or resolved node.invoke RPC.
type NodeInvoke struct {
	ID          string
	NodeID      string
	Method      string
	Params      string
	RequestedAt int64
	ResolvedAt  *int64
	Result      string
	Error       string
}

// NodeEvent is one event emitted by a node.
type NodeEvent struct {
	ID      string
	NodeID  string
	Kind    string
	Payload string
	Ts      int64
}
