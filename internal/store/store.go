package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNotFound is returned when a row does not exist or belongs to a
// different agent.
var ErrNotFound = errors.New("record not found")

// Store is the gorm-backed persistence gateway.
type Store struct {
	db *gorm.DB
}

// Connect opens a Postgres connection and returns a Store.
func Connect(dsn string) (*Store, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &Store{db: gdb}, nil
}

// NewWithDB wraps an existing gorm handle. Intended for tests.
func NewWithDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates tables and the supporting indexes.
func (s *Store) AutoMigrate() error {
	if err := s.db.Exec(`create extension if not exists vector;`).Error; err != nil {
		return fmt.Errorf("pgvector extension: %w", err)
	}

	if err := s.db.AutoMigrate(
		&Agent{},
		&ScheduledJob{},
		&JobExecution{},
		&Task{},
		&Project{},
		&Comment{},
		&Conversation{},
		&Message{},
		&ActivityRecord{},
		&MemoryChunk{},
	); err != nil {
		return err
	}

	stmts := []string{
		`create index if not exists idx_jobs_due on scheduled_jobs(status, next_run_at);`,
		`create index if not exists idx_executions_job on job_executions(job_id, started_at);`,
		`create index if not exists idx_tasks_agent_status on tasks(agent_id, status);`,
		`create index if not exists idx_activity_conversation on activity_records(conversation_id, id);`,
		`create index if not exists idx_memory_agent on memory_chunks(agent_id);`,
	}
	for _, stmt := range stmts {
		if err := s.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("index exec failed: %w (sql=%s)", err, stmt)
		}
	}

	return nil
}

// ConfigurePool applies connection pool limits to the underlying sql.DB.
func (s *Store) ConfigurePool(maxOpen, maxIdle int) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("sql db handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	return nil
}

// NewID returns a fresh uuid string.
func NewID() string {
	return uuid.NewString()
}

// --- Agents ---

func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var a Agent
	err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) CreateAgent(ctx context.Context, a *Agent) error {
	if a.ID == "" {
		a.ID = NewID()
	}
	return s.db.WithContext(ctx).Create(a).Error
}

// --- Scheduled jobs ---

func (s *Store) CreateJob(ctx context.Context, job *ScheduledJob) error {
	if job.ID == "" {
		job.ID = NewID()
	}
	return s.db.WithContext(ctx).Create(job).Error
}

func (s *Store) GetJob(ctx context.Context, id, agentID string) (*ScheduledJob, error) {
	var job ScheduledJob
	err := s.db.WithContext(ctx).First(&job, "id = ? AND agent_id = ?", id, agentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListDueJobs returns active jobs with next_run_at <= now, oldest-due first.
// Paused, completed and cancelled jobs never appear here.
func (s *Store) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]ScheduledJob, error) {
	var jobs []ScheduledJob
	q := s.db.WithContext(ctx).
		Where("status = ? AND next_run_at <= ?", JobStatusActive, now).
		Order("next_run_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *Store) ListJobs(ctx context.Context, agentID string) ([]ScheduledJob, error) {
	var jobs []ScheduledJob
	err := s.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("next_run_at asc").
		Find(&jobs).Error
	return jobs, err
}

// UpdateJobFields applies a narrow field-specific update to one job.
func (s *Store) UpdateJobFields(ctx context.Context, id string, fields map[string]any) error {
	fields["updated_at"] = time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&ScheduledJob{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Job executions ---

func (s *Store) CreateExecution(ctx context.Context, exec *JobExecution) error {
	if exec.ID == "" {
		exec.ID = NewID()
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}
	exec.State = ExecutionRunning
	return s.db.WithContext(ctx).Create(exec).Error
}

func (s *Store) GetExecution(ctx context.Context, id string) (*JobExecution, error) {
	var exec JobExecution
	err := s.db.WithContext(ctx).First(&exec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// SetExecutionCursor durably records the last completed dispatch step.
func (s *Store) SetExecutionCursor(ctx context.Context, id, cursor string) error {
	return s.db.WithContext(ctx).Model(&JobExecution{}).
		Where("id = ? AND state = ?", id, ExecutionRunning).
		Update("step_cursor", cursor).Error
}

// FinalizeExecution applies the single terminal update for an attempt. The
// state guard makes replay a no-op: an execution already marked terminal is
// never mutated again.
func (s *Store) FinalizeExecution(ctx context.Context, id string, state ExecutionState, result []byte, errText string) error {
	now := time.Now().UTC()
	fields := map[string]any{
		"state":       state,
		"finished_at": &now,
	}
	if result != nil {
		fields["result"] = result
	}
	if errText != "" {
		fields["error"] = &errText
	}
	res := s.db.WithContext(ctx).Model(&JobExecution{}).
		Where("id = ? AND state = ?", id, ExecutionRunning).
		Updates(fields)
	return res.Error
}

// ListRunningExecutions returns executions still marked running that
// started before the cutoff, oldest first. After a crash these are the
// attempts that never reached a terminal state.
func (s *Store) ListRunningExecutions(ctx context.Context, before time.Time) ([]JobExecution, error) {
	var execs []JobExecution
	err := s.db.WithContext(ctx).
		Where("state = ? AND started_at < ?", ExecutionRunning, before).
		Order("started_at asc").
		Find(&execs).Error
	return execs, err
}

func (s *Store) ListExecutions(ctx context.Context, jobID string) ([]JobExecution, error) {
	var execs []JobExecution
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("started_at asc").
		Find(&execs).Error
	return execs, err
}

// --- Tasks ---

func (s *Store) CreateTask(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = NewID()
	}
	if task.Status == "" {
		task.Status = TaskStatusTodo
	}
	if task.AgentRunState == "" {
		task.AgentRunState = RunStateIdle
	}
	return s.db.WithContext(ctx).Create(task).Error
}

func (s *Store) GetTask(ctx context.Context, id, agentID string) (*Task, error) {
	var task Task
	err := s.db.WithContext(ctx).First(&task, "id = ? AND agent_id = ?", id, agentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateTaskFields applies a narrow field-specific update. Broad record
// replacement is deliberately not offered: the agent's write-back may race a
// human edit and must not clobber unrelated fields.
func (s *Store) UpdateTaskFields(ctx context.Context, id string, fields map[string]any) error {
	fields["updated_at"] = time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&Task{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOpenAgentTasks returns a project's open agent-assigned tasks, oldest
// first.
func (s *Store) ListOpenAgentTasks(ctx context.Context, agentID, projectID string) ([]Task, error) {
	var tasks []Task
	q := s.db.WithContext(ctx).
		Where("agent_id = ? AND assignee_type = ? AND status NOT IN ?",
			agentID, AssigneeAgent, []TaskStatus{TaskStatusDone, TaskStatusWaitingOn})
	if projectID != "" {
		q = q.Where("project_id = ?", projectID)
	}
	err := q.Order("created_at asc").Find(&tasks).Error
	return tasks, err
}

// FindTaskByTitleSince returns the newest task with an exact title created
// after the cutoff. Used to deduplicate auto bug reports.
func (s *Store) FindTaskByTitleSince(ctx context.Context, agentID, title string, since time.Time) (*Task, error) {
	var task Task
	err := s.db.WithContext(ctx).
		Where("agent_id = ? AND title = ? AND created_at >= ?", agentID, title, since).
		Order("created_at desc").
		First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// TryAcquireTaskLock is the single atomic conditional update guarding
// background processing. It succeeds only when no live lock exists; expired
// locks count as free. Two racing callers cannot both see RowsAffected == 1.
func (s *Store) TryAcquireTaskLock(ctx context.Context, taskID string, until, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND (lock_expires_at IS NULL OR lock_expires_at < ?)", taskID, now).
		Updates(map[string]any{
			"agent_run_state": RunStateRunning,
			"lock_expires_at": &until,
			"updated_at":      now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ReleaseTaskLock clears the lock and records the terminal run state.
func (s *Store) ReleaseTaskLock(ctx context.Context, taskID string, state AgentRunState) error {
	return s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ?", taskID).
		Updates(map[string]any{
			"agent_run_state": state,
			"lock_expires_at": nil,
			"updated_at":      time.Now().UTC(),
		}).Error
}

// --- Projects ---

func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = NewID()
	}
	return s.db.WithContext(ctx).Create(p).Error
}

func (s *Store) GetProject(ctx context.Context, id, agentID string) (*Project, error) {
	var p Project
	err := s.db.WithContext(ctx).First(&p, "id = ? AND agent_id = ?", id, agentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// --- Comments ---

func (s *Store) AddComment(ctx context.Context, c *Comment) error {
	if c.ID == "" {
		c.ID = NewID()
	}
	return s.db.WithContext(ctx).Create(c).Error
}

// --- Conversations and messages ---

func (s *Store) CreateConversation(ctx context.Context, c *Conversation) error {
	if c.ID == "" {
		c.ID = NewID()
	}
	return s.db.WithContext(ctx).Create(c).Error
}

// FindConversationByExecution looks up a conversation by its originating
// execution id. Dispatch handlers use this to suppress duplicate
// conversation creation on crash-replay.
func (s *Store) FindConversationByExecution(ctx context.Context, executionID string) (*Conversation, error) {
	var c Conversation
	err := s.db.WithContext(ctx).First(&c, "origin_execution_id = ?", executionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) AddMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = NewID()
	}
	return s.db.WithContext(ctx).Create(m).Error
}

func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var msgs []Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at asc").
		Find(&msgs).Error
	return msgs, err
}

// --- Activity log ---

func (s *Store) AppendActivity(ctx context.Context, rec *ActivityRecord) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

// --- Memory ---

func (s *Store) InsertMemory(ctx context.Context, chunk *MemoryChunk) error {
	if chunk.ID == "" {
		chunk.ID = NewID()
	}
	return s.db.WithContext(ctx).Create(chunk).Error
}

// MemoryMatch is one ranked result from the similarity search.
type MemoryMatch struct {
	SourceType string  `gorm:"column:source_type"`
	SourceID   string  `gorm:"column:source_id"`
	Title      string  `gorm:"column:title"`
	Content    string  `gorm:"column:content"`
	Metadata   []byte  `gorm:"column:metadata"`
	Similarity float64 `gorm:"column:similarity"`
}

// SearchMemory runs the RPC-style match_memories function: cosine similarity
// over the agent's memory chunks, ranked and thresholded.
func (s *Store) SearchMemory(ctx context.Context, queryEmbedding Vector, agentID string, matchCount int, matchThreshold float64) ([]MemoryMatch, error) {
	embed, err := queryEmbedding.Value()
	if err != nil {
		return nil, err
	}
	var matches []MemoryMatch
	err = s.db.WithContext(ctx).Raw(
		`select source_type, source_id, title, content, metadata,
		        1 - (embedding <=> ?::vector) as similarity
		 from memory_chunks
		 where agent_id = ?
		   and 1 - (embedding <=> ?::vector) >= ?
		 order by embedding <=> ?::vector
		 limit ?`,
		embed, agentID, embed, matchThreshold, embed, matchCount,
	).Scan(&matches).Error
	if err != nil {
		return nil, err
	}
	return matches, nil
}
