// Package store is the persistence gateway: gorm models over Postgres for
// agents, tasks, projects, scheduled jobs, job executions, conversations and
// the activity log, plus a vector-similarity search over embedded memory.
package store

import (
	"time"
)

// JobType classifies why a scheduled job exists.
type JobType string

const (
	JobTypeReminder  JobType = "reminder"
	JobTypeFollowUp  JobType = "follow_up"
	JobTypeRecurring JobType = "recurring"
	JobTypeOneTime   JobType = "one_time"
)

// ScheduleType selects between a fixed timestamp and a cron expression.
type ScheduleType string

const (
	ScheduleOnce ScheduleType = "once"
	ScheduleCron ScheduleType = "cron"
)

// ActionType selects the dispatch handler for a job.
type ActionType string

const (
	ActionNotify    ActionType = "notify"
	ActionAgentTask ActionType = "agent_task"
	ActionWebhook   ActionType = "webhook"
)

// JobStatus is the lifecycle state of a scheduled job.
type JobStatus string

const (
	JobStatusActive    JobStatus = "active"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusCancelled JobStatus = "cancelled"
)

// ExecutionState is the per-attempt state of a job execution.
type ExecutionState string

const (
	ExecutionRunning ExecutionState = "running"
	ExecutionSuccess ExecutionState = "success"
	ExecutionFailed  ExecutionState = "failed"
)

// TaskStatus is the user-facing workflow status of a task.
type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusWaitingOn  TaskStatus = "waiting_on"
	TaskStatusDone       TaskStatus = "done"
)

// AgentRunState is the background-processing state of a task, independent of
// its user-facing status.
type AgentRunState string

const (
	RunStateIdle       AgentRunState = "idle"
	RunStateRunning    AgentRunState = "running"
	RunStateCompleted  AgentRunState = "completed"
	RunStateFailed     AgentRunState = "failed"
	RunStateNeedsInput AgentRunState = "needs_input"
)

// AssigneeType distinguishes agent-owned tasks from user-owned ones.
type AssigneeType string

const (
	AssigneeUser  AssigneeType = "user"
	AssigneeAgent AssigneeType = "agent"
)

// Agent is the persistent AI persona acting on behalf of one user.
type Agent struct {
	ID       string `gorm:"primaryKey;type:uuid"`
	UserID   string `gorm:"index;not null"`
	Name     string `gorm:"not null"`
	Persona  string `gorm:"type:text"`
	Timezone string `gorm:"not null;default:'UTC'"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScheduledJob is a persisted unit of future work with a schedule and an
// action to perform. Exactly one of RunAt/CronExpression is set, matching
// ScheduleType. NextRunAt is never null while the job is active; it drives
// due-job queries. Jobs are never hard-deleted: cancelled/paused rows stay
// for audit.
type ScheduledJob struct {
	ID      string  `gorm:"primaryKey;type:uuid"`
	AgentID string  `gorm:"index;not null"`
	JobType JobType `gorm:"type:text;not null"`

	Title       string `gorm:"not null"`
	Description string `gorm:"type:text"`

	ScheduleType   ScheduleType `gorm:"type:text;not null"`
	RunAt          *time.Time   `gorm:"type:timestamptz"`
	CronExpression *string      `gorm:"type:text"`
	Timezone       string       `gorm:"not null;default:'UTC'"`
	NextRunAt      time.Time    `gorm:"index;not null"`

	ActionType    ActionType `gorm:"type:text;not null"`
	ActionPayload []byte     `gorm:"type:jsonb;not null;default:'{}'::jsonb"`

	TaskID         *string `gorm:"type:uuid;index"`
	ProjectID      *string `gorm:"type:uuid;index"`
	ConversationID *string `gorm:"type:uuid"`

	Status       JobStatus `gorm:"type:text;index;not null;default:'active'"`
	FailureCount int       `gorm:"not null;default:0"`
	LastError    *string   `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobExecution is one timestamped attempt to run a job. Rows are created
// before the action handler runs and receive exactly one terminal update;
// the ordered sequence per job is an append-only audit trail.
type JobExecution struct {
	ID      string `gorm:"primaryKey;type:uuid"`
	JobID   string `gorm:"index;not null"`
	AgentID string `gorm:"index;not null"`

	State ExecutionState `gorm:"type:text;not null;default:'running'"`

	// StepCursor records the last durably completed dispatch step so a
	// crash-replay resumes after it instead of from the beginning.
	StepCursor string `gorm:"type:text;not null;default:''"`

	Result []byte  `gorm:"type:jsonb"`
	Error  *string `gorm:"type:text"`

	StartedAt  time.Time `gorm:"not null"`
	FinishedAt *time.Time
}

// Task is a unit of trackable work, potentially agent-owned. LockExpiresAt
// in the future means exactly one in-flight background worker owns the task.
// The runstate coordinator is the only writer of AgentRunState/LockExpiresAt.
type Task struct {
	ID        string  `gorm:"primaryKey;type:uuid"`
	AgentID   string  `gorm:"index;not null"`
	ProjectID *string `gorm:"type:uuid;index"`

	Title       string     `gorm:"not null"`
	Description string     `gorm:"type:text"`
	Status      TaskStatus `gorm:"type:text;index;not null;default:'todo'"`
	Priority    string     `gorm:"type:text;not null;default:'medium'"`
	DueDate     *time.Time `gorm:"type:timestamptz"`

	AssigneeType AssigneeType `gorm:"type:text;not null;default:'user'"`
	AssigneeID   string       `gorm:"type:text"`

	BlockedBy []string `gorm:"type:jsonb;serializer:json"`

	AgentRunState AgentRunState `gorm:"type:text;not null;default:'idle'"`
	LockExpiresAt *time.Time    `gorm:"type:timestamptz"`

	Embedding Vector `gorm:"type:vector(1536)"`

	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Project groups tasks under one agent.
type Project struct {
	ID          string `gorm:"primaryKey;type:uuid"`
	AgentID     string `gorm:"index;not null"`
	Name        string `gorm:"not null"`
	Description string `gorm:"type:text"`
	Status      string `gorm:"type:text;not null;default:'active'"`

	Embedding Vector `gorm:"type:vector(1536)"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Comment is an append-only note on a task; the comment history doubles as
// the task's activity trail.
type Comment struct {
	ID         string `gorm:"primaryKey;type:uuid"`
	TaskID     string `gorm:"index;not null"`
	AgentID    string `gorm:"index;not null"`
	AuthorType string `gorm:"type:text;not null"` // user | agent
	Kind       string `gorm:"type:text;not null;default:'note'"`
	Body       string `gorm:"type:text;not null"`

	CreatedAt time.Time
}

// Conversation is one message thread. OriginExecutionID carries the
// idempotency key for dispatcher-created conversations: replaying the same
// execution reuses the row instead of creating a duplicate.
type Conversation struct {
	ID      string `gorm:"primaryKey;type:uuid"`
	AgentID string `gorm:"index;not null"`
	Title   string `gorm:"not null"`
	Channel string `gorm:"type:text;not null;default:'chat'"`

	OriginExecutionID *string `gorm:"type:uuid;uniqueIndex"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one entry in a conversation.
type Message struct {
	ID             string `gorm:"primaryKey;type:uuid"`
	ConversationID string `gorm:"index;not null"`
	AgentID        string `gorm:"index;not null"`
	Role           string `gorm:"type:text;not null"` // user | assistant | tool
	Content        string `gorm:"type:text;not null"`

	CreatedAt time.Time
}

// ActivityRecord is one append-only entry in the activity log: every tool
// invocation and its result, keyed by the originating conversation.
type ActivityRecord struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	AgentID        string `gorm:"index;not null"`
	ConversationID string `gorm:"index"`
	Kind           string `gorm:"type:text;not null"` // tool_call | tool_result | job | note
	ToolName       string `gorm:"type:text"`
	Payload        []byte `gorm:"type:jsonb"`
	Success        bool   `gorm:"not null;default:true"`
	Error          string `gorm:"type:text"`

	CreatedAt time.Time
}

// MemoryChunk is one embedded piece of agent memory.
type MemoryChunk struct {
	ID         string `gorm:"primaryKey;type:uuid"`
	AgentID    string `gorm:"index;not null"`
	SourceType string `gorm:"type:text;not null"` // task | project | note | email
	SourceID   string `gorm:"type:text"`
	Title      string `gorm:"not null"`
	Content    string `gorm:"type:text;not null"`
	Metadata   []byte `gorm:"type:jsonb"`

	Embedding Vector `gorm:"type:vector(1536)"`

	CreatedAt time.Time
}
