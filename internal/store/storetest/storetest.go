// Package storetest provides an in-memory persistence gateway with the same
// semantics as the Postgres-backed store, for use in tests. The task-lock
// conditional update is atomic under the package mutex, so lock-contention
// behavior can be exercised with concurrent goroutines.
package storetest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kvashenko/valet/internal/store"
)

// Memory is an in-memory store.
type Memory struct {
	mu sync.Mutex

	Agents        map[string]*store.Agent
	Jobs          map[string]*store.ScheduledJob
	Executions    map[string]*store.JobExecution
	Tasks         map[string]*store.Task
	Projects      map[string]*store.Project
	Comments      []*store.Comment
	Conversations map[string]*store.Conversation
	Messages      []*store.Message
	Activity      []*store.ActivityRecord
	Memories      []*store.MemoryChunk

	// SearchResults is returned verbatim from SearchMemory.
	SearchResults []store.MemoryMatch

	// FailNext makes the next mutating call return this error once.
	FailNext error
}

// New creates an empty in-memory store.
func New() *Memory {
	return &Memory{
		Agents:        make(map[string]*store.Agent),
		Jobs:          make(map[string]*store.ScheduledJob),
		Executions:    make(map[string]*store.JobExecution),
		Tasks:         make(map[string]*store.Task),
		Projects:      make(map[string]*store.Project),
		Conversations: make(map[string]*store.Conversation),
	}
}

func (m *Memory) failNext() error {
	if m.FailNext != nil {
		err := m.FailNext
		m.FailNext = nil
		return err
	}
	return nil
}

// --- Agents ---

func (m *Memory) GetAgent(ctx context.Context, id string) (*store.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Agents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) CreateAgent(ctx context.Context, a *store.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = store.NewID()
	}
	cp := *a
	m.Agents[a.ID] = &cp
	return nil
}

// --- Jobs ---

func (m *Memory) CreateJob(ctx context.Context, job *store.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = store.NewID()
	}
	job.CreatedAt = time.Now().UTC()
	cp := *job
	m.Jobs[job.ID] = &cp
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id, agentID string) (*store.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.Jobs[id]
	if !ok || job.AgentID != agentID {
		return nil, store.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *Memory) ListJobs(ctx context.Context, agentID string) ([]store.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var jobs []store.ScheduledJob
	for _, job := range m.Jobs {
		if job.AgentID == agentID {
			jobs = append(jobs, *job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].NextRunAt.Before(jobs[j].NextRunAt) })
	return jobs, nil
}

func (m *Memory) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]store.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var jobs []store.ScheduledJob
	for _, job := range m.Jobs {
		if job.Status == store.JobStatusActive && !job.NextRunAt.After(now) {
			jobs = append(jobs, *job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].NextRunAt.Before(jobs[j].NextRunAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *Memory) UpdateJobFields(ctx context.Context, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	job, ok := m.Jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	for k, v := range fields {
		switch k {
		case "status":
			job.Status = v.(store.JobStatus)
		case "title":
			job.Title = v.(string)
		case "description":
			job.Description = v.(string)
		case "timezone":
			job.Timezone = v.(string)
		case "next_run_at":
			job.NextRunAt = v.(time.Time)
		case "run_at":
			job.RunAt = v.(*time.Time)
			job.NextRunAt = *v.(*time.Time)
		case "cron_expression":
			expr := v.(string)
			job.CronExpression = &expr
		case "failure_count":
			job.FailureCount = v.(int)
		case "last_error":
			switch e := v.(type) {
			case *string:
				job.LastError = e
			case string:
				job.LastError = &e
			}
		case "action_payload":
			job.ActionPayload = v.([]byte)
		case "updated_at":
			// ignored
		}
	}
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Executions ---

func (m *Memory) CreateExecution(ctx context.Context, exec *store.JobExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	if exec.ID == "" {
		exec.ID = store.NewID()
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}
	exec.State = store.ExecutionRunning
	cp := *exec
	m.Executions[exec.ID] = &cp
	return nil
}

func (m *Memory) GetExecution(ctx context.Context, id string) (*store.JobExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.Executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *exec
	return &cp, nil
}

func (m *Memory) SetExecutionCursor(ctx context.Context, id, cursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.Executions[id]
	if ok && exec.State == store.ExecutionRunning {
		exec.StepCursor = cursor
	}
	return nil
}

func (m *Memory) FinalizeExecution(ctx context.Context, id string, state store.ExecutionState, result []byte, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.Executions[id]
	if !ok || exec.State != store.ExecutionRunning {
		// Terminal executions are never mutated again.
		return nil
	}
	now := time.Now().UTC()
	exec.State = state
	exec.FinishedAt = &now
	if result != nil {
		exec.Result = result
	}
	if errText != "" {
		exec.Error = &errText
	}
	return nil
}

func (m *Memory) ListRunningExecutions(ctx context.Context, before time.Time) ([]store.JobExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var execs []store.JobExecution
	for _, exec := range m.Executions {
		if exec.State == store.ExecutionRunning && exec.StartedAt.Before(before) {
			execs = append(execs, *exec)
		}
	}
	sort.Slice(execs, func(i, j int) bool { return execs[i].StartedAt.Before(execs[j].StartedAt) })
	return execs, nil
}

func (m *Memory) ListExecutions(ctx context.Context, jobID string) ([]store.JobExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var execs []store.JobExecution
	for _, exec := range m.Executions {
		if exec.JobID == jobID {
			execs = append(execs, *exec)
		}
	}
	sort.Slice(execs, func(i, j int) bool { return execs[i].StartedAt.Before(execs[j].StartedAt) })
	return execs, nil
}

// --- Tasks ---

func (m *Memory) CreateTask(ctx context.Context, task *store.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	if task.ID == "" {
		task.ID = store.NewID()
	}
	if task.Status == "" {
		task.Status = store.TaskStatusTodo
	}
	if task.AgentRunState == "" {
		task.AgentRunState = store.RunStateIdle
	}
	task.CreatedAt = time.Now().UTC()
	cp := *task
	m.Tasks[task.ID] = &cp
	return nil
}

func (m *Memory) GetTask(ctx context.Context, id, agentID string) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.Tasks[id]
	if !ok || task.AgentID != agentID {
		return nil, store.ErrNotFound
	}
	cp := *task
	return &cp, nil
}

func (m *Memory) UpdateTaskFields(ctx context.Context, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	task, ok := m.Tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	applyTaskFields(task, fields)
	return nil
}

func applyTaskFields(task *store.Task, fields map[string]any) {
	for k, v := range fields {
		switch k {
		case "title":
			task.Title = v.(string)
		case "description":
			task.Description = v.(string)
		case "status":
			task.Status = v.(store.TaskStatus)
		case "priority":
			task.Priority = v.(string)
		case "due_date":
			task.DueDate = v.(*time.Time)
		case "completed_at":
			task.CompletedAt = v.(*time.Time)
		case "agent_run_state":
			task.AgentRunState = v.(store.AgentRunState)
		case "lock_expires_at":
			if v == nil {
				task.LockExpiresAt = nil
			} else {
				task.LockExpiresAt = v.(*time.Time)
			}
		case "embedding":
			task.Embedding = v.(store.Vector)
		case "updated_at":
			// ignored
		}
	}
	task.UpdatedAt = time.Now().UTC()
}

func (m *Memory) ListOpenAgentTasks(ctx context.Context, agentID, projectID string) ([]store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tasks []store.Task
	for _, task := range m.Tasks {
		if task.AgentID != agentID {
			continue
		}
		if projectID != "" && (task.ProjectID == nil || *task.ProjectID != projectID) {
			continue
		}
		if task.AssigneeType != store.AssigneeAgent {
			continue
		}
		if task.Status == store.TaskStatusDone || task.Status == store.TaskStatusWaitingOn {
			continue
		}
		tasks = append(tasks, *task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

func (m *Memory) FindTaskByTitleSince(ctx context.Context, agentID, title string, since time.Time) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest *store.Task
	for _, task := range m.Tasks {
		if task.AgentID == agentID && task.Title == title && !task.CreatedAt.Before(since) {
			if newest == nil || task.CreatedAt.After(newest.CreatedAt) {
				newest = task
			}
		}
	}
	if newest == nil {
		return nil, store.ErrNotFound
	}
	cp := *newest
	return &cp, nil
}

func (m *Memory) TryAcquireTaskLock(ctx context.Context, taskID string, until, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.Tasks[taskID]
	if !ok {
		return false, nil
	}
	if task.LockExpiresAt != nil && task.LockExpiresAt.After(now) {
		return false, nil
	}
	u := until
	task.LockExpiresAt = &u
	task.AgentRunState = store.RunStateRunning
	task.UpdatedAt = now
	return true, nil
}

func (m *Memory) ReleaseTaskLock(ctx context.Context, taskID string, state store.AgentRunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.Tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	task.LockExpiresAt = nil
	task.AgentRunState = state
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Projects ---

func (m *Memory) CreateProject(ctx context.Context, p *store.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = store.NewID()
	}
	p.CreatedAt = time.Now().UTC()
	cp := *p
	m.Projects[p.ID] = &cp
	return nil
}

func (m *Memory) GetProject(ctx context.Context, id, agentID string) (*store.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Projects[id]
	if !ok || p.AgentID != agentID {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// --- Comments, conversations, messages ---

func (m *Memory) AddComment(ctx context.Context, c *store.Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = store.NewID()
	}
	c.CreatedAt = time.Now().UTC()
	cp := *c
	m.Comments = append(m.Comments, &cp)
	return nil
}

func (m *Memory) CreateConversation(ctx context.Context, c *store.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = store.NewID()
	}
	c.CreatedAt = time.Now().UTC()
	cp := *c
	m.Conversations[c.ID] = &cp
	return nil
}

func (m *Memory) FindConversationByExecution(ctx context.Context, executionID string) (*store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.Conversations {
		if c.OriginExecutionID != nil && *c.OriginExecutionID == executionID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *Memory) AddMessage(ctx context.Context, msg *store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		msg.ID = store.NewID()
	}
	msg.CreatedAt = time.Now().UTC()
	cp := *msg
	m.Messages = append(m.Messages, &cp)
	return nil
}

func (m *Memory) ListMessages(ctx context.Context, conversationID string) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var msgs []store.Message
	for _, msg := range m.Messages {
		if msg.ConversationID == conversationID {
			msgs = append(msgs, *msg)
		}
	}
	return msgs, nil
}

// --- Activity and memory ---

func (m *Memory) AppendActivity(ctx context.Context, rec *store.ActivityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = uint64(len(m.Activity) + 1)
	rec.CreatedAt = time.Now().UTC()
	cp := *rec
	m.Activity = append(m.Activity, &cp)
	return nil
}

func (m *Memory) InsertMemory(ctx context.Context, chunk *store.MemoryChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if chunk.ID == "" {
		chunk.ID = store.NewID()
	}
	chunk.CreatedAt = time.Now().UTC()
	cp := *chunk
	m.Memories = append(m.Memories, &cp)
	return nil
}

func (m *Memory) SearchMemory(ctx context.Context, queryEmbedding store.Vector, agentID string, matchCount int, matchThreshold float64) ([]store.MemoryMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SearchResults != nil {
		return m.SearchResults, nil
	}
	// Substring fallback: good enough for tests that only care about
	// plumbing, not ranking.
	var matches []store.MemoryMatch
	for _, chunk := range m.Memories {
		if chunk.AgentID != agentID {
			continue
		}
		matches = append(matches, store.MemoryMatch{
			SourceType: chunk.SourceType,
			SourceID:   chunk.SourceID,
			Title:      chunk.Title,
			Content:    chunk.Content,
			Metadata:   chunk.Metadata,
			Similarity: 1.0,
		})
		if matchCount > 0 && len(matches) >= matchCount {
			break
		}
	}
	return matches, nil
}

// ActivityByKind returns recorded activity entries matching kind, in order.
func (m *Memory) ActivityByKind(kind string) []store.ActivityRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.ActivityRecord
	for _, rec := range m.Activity {
		if strings.EqualFold(rec.Kind, kind) {
			out = append(out, *rec)
		}
	}
	return out
}
