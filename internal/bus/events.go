// Package bus provides the in-process event bus connecting the scheduler
// poller, the HTTP API and the background workers. Publishers fire events
// for due jobs, project work sessions, task processing and inbound email;
// workers subscribe by topic and drive the dispatcher.
package bus

import (
	"encoding/json"
	"time"

	"github.com/kvashenko/valet/internal/store"
)

// Topic routes an event to its subscribers.
type Topic string

const (
	// TopicJobExecute fires when the poller finds a due scheduled job.
	TopicJobExecute Topic = "job/scheduled.execute"

	// TopicProjectWork starts a sequential work session over a project's
	// open agent tasks.
	TopicProjectWork Topic = "project/work.start"

	// TopicTaskProcess starts one background agent run over a task.
	TopicTaskProcess Topic = "task/process.start"

	// TopicEmailProcess hands an inbound email to the agent.
	TopicEmailProcess Topic = "email/received.process"
)

// JobExecuteEvent carries the due job row as loaded by the poller.
type JobExecuteEvent struct {
	Job store.ScheduledJob `json:"job"`
}

// ProjectWorkEvent requests a work session over a project.
type ProjectWorkEvent struct {
	ProjectID   string `json:"project_id"`
	AgentID     string `json:"agent_id"`
	Instruction string `json:"instruction,omitempty"`
}

// TaskProcessEvent requests one agent run over a task.
type TaskProcessEvent struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
}

// EmailProcessEvent hands an inbound email to the agent for handling.
type EmailProcessEvent struct {
	EmailID       string `json:"email_id"`
	AgentID       string `json:"agent_id"`
	FromAddress   string `json:"from_address"`
	Subject       string `json:"subject"`
	RecipientType string `json:"recipient_type"`
}

// Event is the envelope that travels on the bus. Exactly one payload field
// is set, matching Topic.
type Event struct {
	Topic     Topic     `json:"topic"`
	Timestamp time.Time `json:"timestamp"`

	JobExecute   *JobExecuteEvent   `json:"job_execute,omitempty"`
	ProjectWork  *ProjectWorkEvent  `json:"project_work,omitempty"`
	TaskProcess  *TaskProcessEvent  `json:"task_process,omitempty"`
	EmailProcess *EmailProcessEvent `json:"email_process,omitempty"`
}

// ToJSON serializes the event for logging and transport.
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON deserializes an event.
func (e *Event) FromJSON(data []byte) error {
	return json.Unmarshal(data, e)
}

// NewJobExecuteEvent wraps a due job in an event envelope.
func NewJobExecuteEvent(job store.ScheduledJob) Event {
	return Event{
		Topic:      TopicJobExecute,
		Timestamp:  time.Now().UTC(),
		JobExecute: &JobExecuteEvent{Job: job},
	}
}

// NewProjectWorkEvent creates a project work session event.
func NewProjectWorkEvent(projectID, agentID, instruction string) Event {
	return Event{
		Topic:     TopicProjectWork,
		Timestamp: time.Now().UTC(),
		ProjectWork: &ProjectWorkEvent{
			ProjectID:   projectID,
			AgentID:     agentID,
			Instruction: instruction,
		},
	}
}

// NewTaskProcessEvent creates a task processing event.
func NewTaskProcessEvent(taskID, agentID string) Event {
	return Event{
		Topic:       TopicTaskProcess,
		Timestamp:   time.Now().UTC(),
		TaskProcess: &TaskProcessEvent{TaskID: taskID, AgentID: agentID},
	}
}

// NewEmailProcessEvent creates an inbound email event.
func NewEmailProcessEvent(emailID, agentID, from, subject, recipientType string) Event {
	return Event{
		Topic:     TopicEmailProcess,
		Timestamp: time.Now().UTC(),
		EmailProcess: &EmailProcessEvent{
			EmailID:       emailID,
			AgentID:       agentID,
			FromAddress:   from,
			Subject:       subject,
			RecipientType: recipientType,
		},
	}
}
