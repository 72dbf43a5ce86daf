package store

import "time"

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunRunning      RunStatus = "running"
	RunWaitingHuman RunStatus = "waiting_human"
	RunSucceeded    RunStatus = "succeeded"
	RunFailed       RunStatus = "failed"
)

// JobStatus is the lifecycle state of a scheduled/triggered Job.
type JobStatus string

const (
	JobActive JobStatus = "active"
	JobPaused JobStatus = "paused"
)

// Inbox item types and statuses.
const (
	InboxJobResult          = "job_result"
	InboxHumanActionRequest = "human_action_request"

	InboxNew      = "new"
	InboxRead     = "read"
	InboxArchived = "archived"
)

// Agent is a configured assistant persona. Rows are seeded externally;
// agent CRUD is not part of this layer.
type Agent struct {
	ID           string
	UserID       string
	Name         string
	Goal         string
	Model        string
	SystemPrompt string
	CreatedAt    time.Time
}

// Thread is a conversation container.
type Thread struct {
	ID        string
	UserID    string
	AgentID   string
	Title     string
	IsAmbient bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Run is one execution of the engine within a thread.
type Run struct {
	ID            string
	ThreadID      string
	Status        RunStatus
	CorrelationID string
	Error         string
	StartedAt     time.Time
	FinishedAt    *time.Time
}

// Message is a persisted conversation turn. Sequence is monotonic per
// thread and assigned inside the insert transaction.
type Message struct {
	ID         string
	ThreadID   string
	Role       string
	Content    string
	ToolName   string
	ToolCallID string
	Sequence   int64
	CreatedAt  time.Time
}

// Job is a scheduled or trigger-driven ambient task.
type Job struct {
	ID                 string
	AgentID            string
	Title              string
	Goal               string
	Status             JobStatus
	ToolkitSlug        string
	TriggerSlug        string
	ConnectedAccountID string
	SubscriptionID     string
	TriggerConfig      string // JSON
	ThreadID           string
	LastRunAt          *time.Time
	NextRunAt          *time.Time
	CreatedAt          time.Time
}

// InboxItem is a user-facing notification produced by runs.
type InboxItem struct {
	ID            string
	UserID        string
	AgentID       string
	ThreadID      string
	RunID         string
	CorrelationID string
	Title         string
	Body          string // JSON
	ItemType      string
	Status        string
	ReadAt        *time.Time
	CreatedAt     time.Time
}

// Connection links a user to a connected account on the integration
// platform.
type Connection struct {
	ConnectedAccountID string
	UserID             string
	ToolkitSlug        string
	AuthConfigID       string
	Status             string
	CreatedAt          time.Time
}
