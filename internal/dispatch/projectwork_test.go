package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvashenko/valet/internal/llm"
	"github.com/kvashenko/valet/internal/store"
)

func (e *env) seedProject(t *testing.T, name string) *store.Project {
	t.Helper()
	project := &store.Project{AgentID: "agent-1", Name: name, Status: "active"}
	require.NoError(t, e.mem.CreateProject(context.Background(), project))
	return project
}

func (e *env) seedProjectTask(t *testing.T, projectID, title string) *store.Task {
	t.Helper()
	task := &store.Task{
		AgentID:      "agent-1",
		ProjectID:    &projectID,
		Title:        title,
		Status:       store.TaskStatusTodo,
		AssigneeType: store.AssigneeAgent,
	}
	require.NoError(t, e.mem.CreateTask(context.Background(), task))
	return task
}

func TestRunProjectWorkProcessesTasksSequentially(t *testing.T) {
	provider := llm.NewFixedProvider("Made progress.")
	e := newEnv(t, provider)
	ctx := context.Background()

	project := e.seedProject(t, "Kitchen renovation")
	e.seedProjectTask(t, project.ID, "Get contractor quotes")
	e.seedProjectTask(t, project.ID, "Pick a tile")

	result, err := e.dispatcher.RunProjectWork(ctx, ProjectWorkRequest{
		AgentID:   "agent-1",
		ProjectID: project.ID,
		Cooldown:  time.Millisecond,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Processed)
	assert.Zero(t, result.Skipped)
	assert.Zero(t, result.Failed)

	// One conversation per task, each seeded with its own instruction.
	assert.Len(t, e.mem.Conversations, 2)

	// Both tasks finished their run and released their locks.
	tasks, err := e.mem.ListOpenAgentTasks(ctx, "agent-1", project.ID)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Nil(t, task.LockExpiresAt)
		assert.Equal(t, store.RunStateCompleted, task.AgentRunState)
	}
}

func TestRunProjectWorkSkipsLockedTasks(t *testing.T) {
	provider := llm.NewFixedProvider("Made progress.")
	e := newEnv(t, provider)
	ctx := context.Background()

	project := e.seedProject(t, "Garden")
	free := e.seedProjectTask(t, project.ID, "Order seeds")
	contested := e.seedProjectTask(t, project.ID, "Fix the fence")
	require.NoError(t, e.locks.Acquire(ctx, contested.ID))

	result, err := e.dispatcher.RunProjectWork(ctx, ProjectWorkRequest{
		AgentID:   "agent-1",
		ProjectID: project.ID,
		Cooldown:  time.Millisecond,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, result.Failed)

	reloaded, err := e.mem.GetTask(ctx, free.ID, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.RunStateCompleted, reloaded.AgentRunState)
}

func TestRunProjectWorkUnknownProject(t *testing.T) {
	e := newEnv(t, llm.NewFixedProvider("ok"))
	_, err := e.dispatcher.RunProjectWork(context.Background(), ProjectWorkRequest{
		AgentID:   "agent-1",
		ProjectID: "00000000-0000-0000-0000-000000000000",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunTaskSynthesizesInstruction(t *testing.T) {
	provider := llm.NewFixedProvider("On it.")
	e := newEnv(t, provider)
	ctx := context.Background()

	task := e.seedAgentTask(t, "Cancel the unused subscription")

	require.NoError(t, e.dispatcher.RunTask(ctx, "agent-1", task.ID, ""))

	require.NotEmpty(t, e.mem.Messages)
	opening := e.mem.Messages[0]
	assert.Equal(t, "user", opening.Role)
	assert.Contains(t, opening.Content, "Cancel the unused subscription")
	assert.Contains(t, opening.Content, "mark_task_complete")
}
