package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvashenko/valet/internal/bus"
	"github.com/kvashenko/valet/internal/logger"
	"github.com/kvashenko/valet/internal/schedule"
	"github.com/kvashenko/valet/internal/store"
	"github.com/kvashenko/valet/internal/store/storetest"
)

type capturingPublisher struct {
	events []bus.Event
	err    error
}

func (p *capturingPublisher) Publish(ev bus.Event) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

type testServer struct {
	server *Server
	mem    *storetest.Memory
	pub    *capturingPublisher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := storetest.New()
	log := logger.Discard()
	sched := schedule.NewScheduler(mem, log)
	pub := &capturingPublisher{}
	return &testServer{
		server: NewServer(mem, sched, pub, prometheus.NewRegistry(), log),
		mem:    mem,
		pub:    pub,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) JobResponse {
	t.Helper()
	var job JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	return job
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.NotEmpty(t, health.Version)
}

func TestCreateJobOnce(t *testing.T) {
	ts := newTestServer(t)
	runAt := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	rec := ts.do(t, http.MethodPost, "/api/v1/agents/agent-1/jobs", JobRequest{
		Title:         "Water the plants",
		RunAt:         &runAt,
		ActionType:    "notify",
		ActionPayload: json.RawMessage(`{"message":"time to water"}`),
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	job := decodeJob(t, rec)
	assert.Equal(t, "agent-1", job.AgentID)
	assert.Equal(t, "one_time", job.JobType)
	assert.Equal(t, "once", job.ScheduleType)
	assert.Equal(t, runAt, job.NextRunAt)
	assert.Equal(t, "active", job.Status)
}

func TestCreateJobCron(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/agents/agent-1/jobs", JobRequest{
		Title:          "Morning briefing",
		CronExpression: "0 9 * * *",
		Timezone:       "America/New_York",
		ActionType:     "agent_task",
		ActionPayload:  json.RawMessage(`{"instruction":"prepare the briefing"}`),
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	job := decodeJob(t, rec)
	assert.Equal(t, "recurring", job.JobType)
	assert.Equal(t, "cron", job.ScheduleType)
	assert.True(t, job.NextRunAt.After(time.Now()))
	// The display string renders the next run in the job's own timezone.
	assert.Contains(t, job.NextRunDisplay, "09:00")
}

func TestCreateJobValidation(t *testing.T) {
	ts := newTestServer(t)
	runAt := time.Now().Add(time.Hour)

	rec := ts.do(t, http.MethodPost, "/api/v1/agents/agent-1/jobs", JobRequest{
		Title:          "Conflicted",
		RunAt:          &runAt,
		CronExpression: "0 9 * * *",
		ActionType:     "notify",
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Details, "exactly one of runAt and cronExpression")
}

func TestGetJobNotFound(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/agents/agent-1/jobs/missing", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobs(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 2; i++ {
		runAt := time.Now().Add(time.Hour)
		rec := ts.do(t, http.MethodPost, "/api/v1/agents/agent-1/jobs", JobRequest{
			Title:      fmt.Sprintf("Job %d", i),
			RunAt:      &runAt,
			ActionType: "notify",
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/agents/agent-1/jobs", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var list JobListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Total)
	assert.Len(t, list.Jobs, 2)
}

func TestUpdateJobPausesAndRetitles(t *testing.T) {
	ts := newTestServer(t)
	runAt := time.Now().Add(time.Hour)
	created := decodeJob(t, ts.do(t, http.MethodPost, "/api/v1/agents/agent-1/jobs", JobRequest{
		Title:      "Old title",
		RunAt:      &runAt,
		ActionType: "notify",
	}))

	title := "New title"
	status := "paused"
	rec := ts.do(t, http.MethodPatch, "/api/v1/agents/agent-1/jobs/"+created.ID, JobPatchRequest{
		Title:  &title,
		Status: &status,
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	job := decodeJob(t, rec)
	assert.Equal(t, "New title", job.Title)
	assert.Equal(t, "paused", job.Status)
}

func TestCancelJob(t *testing.T) {
	ts := newTestServer(t)
	runAt := time.Now().Add(time.Hour)
	created := decodeJob(t, ts.do(t, http.MethodPost, "/api/v1/agents/agent-1/jobs", JobRequest{
		Title:      "Doomed",
		RunAt:      &runAt,
		ActionType: "notify",
	}))

	rec := ts.do(t, http.MethodDelete, "/api/v1/agents/agent-1/jobs/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	got := decodeJob(t, ts.do(t, http.MethodGet, "/api/v1/agents/agent-1/jobs/"+created.ID, nil))
	assert.Equal(t, "cancelled", got.Status)
}

func TestRunJobPublishesEvent(t *testing.T) {
	ts := newTestServer(t)
	runAt := time.Now().Add(time.Hour)
	created := decodeJob(t, ts.do(t, http.MethodPost, "/api/v1/agents/agent-1/jobs", JobRequest{
		Title:      "On demand",
		RunAt:      &runAt,
		ActionType: "notify",
	}))

	rec := ts.do(t, http.MethodPost, "/api/v1/agents/agent-1/jobs/"+created.ID+"/run", nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, ts.pub.events, 1)
	ev := ts.pub.events[0]
	assert.Equal(t, bus.TopicJobExecute, ev.Topic)
	require.NotNil(t, ev.JobExecute)
	assert.Equal(t, created.ID, ev.JobExecute.Job.ID)
}

func TestListJobExecutions(t *testing.T) {
	ts := newTestServer(t)
	runAt := time.Now().Add(time.Hour)
	created := decodeJob(t, ts.do(t, http.MethodPost, "/api/v1/agents/agent-1/jobs", JobRequest{
		Title:      "Audited",
		RunAt:      &runAt,
		ActionType: "notify",
	}))

	exec := &store.JobExecution{JobID: created.ID, AgentID: "agent-1"}
	require.NoError(t, ts.mem.CreateExecution(context.Background(), exec))
	require.NoError(t, ts.mem.FinalizeExecution(context.Background(), exec.ID, store.ExecutionSuccess, []byte(`{"ok":true}`), ""))

	rec := ts.do(t, http.MethodGet, "/api/v1/agents/agent-1/jobs/"+created.ID+"/executions", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var list ExecutionListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "success", list.Executions[0].State)
	assert.JSONEq(t, `{"ok":true}`, string(list.Executions[0].Result))
}

func TestTriggerProjectWork(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/events/project-work", ProjectWorkRequest{
		AgentID:     "agent-1",
		ProjectID:   "project-1",
		Instruction: "clear the backlog",
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, ts.pub.events, 1)
	ev := ts.pub.events[0]
	assert.Equal(t, bus.TopicProjectWork, ev.Topic)
	require.NotNil(t, ev.ProjectWork)
	assert.Equal(t, "project-1", ev.ProjectWork.ProjectID)
	assert.Equal(t, "clear the backlog", ev.ProjectWork.Instruction)
}

func TestTriggerTaskProcess(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/events/tasks", TaskProcessRequest{
		AgentID: "agent-1",
		TaskID:  "task-1",
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, ts.pub.events, 1)
	assert.Equal(t, bus.TopicTaskProcess, ts.pub.events[0].Topic)
}

func TestTriggerEmailProcess(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/events/email", EmailProcessRequest{
		AgentID:       "agent-1",
		EmailID:       "email-1",
		FromAddress:   "sender@example.com",
		Subject:       "Hello",
		RecipientType: "to",
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, ts.pub.events, 1)
	ev := ts.pub.events[0]
	assert.Equal(t, bus.TopicEmailProcess, ev.Topic)
	require.NotNil(t, ev.EmailProcess)
	assert.Equal(t, "email-1", ev.EmailProcess.EmailID)
}

func TestTriggerRequiresIdentifiers(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/events/tasks", TaskProcessRequest{AgentID: "agent-1"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ts.pub.events)
}

func TestPublishBusUnavailable(t *testing.T) {
	ts := newTestServer(t)
	ts.pub.err = bus.ErrQueueFull

	rec := ts.do(t, http.MethodPost, "/api/v1/events/tasks", TaskProcessRequest{
		AgentID: "agent-1",
		TaskID:  "task-1",
	})

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "valet",
		Name:      "api_test_total",
	})
	reg.MustRegister(counter)
	counter.Inc()

	mem := storetest.New()
	log := logger.Discard()
	server := NewServer(mem, schedule.NewScheduler(mem, log), &capturingPublisher{}, reg, log)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "valet_api_test_total 1")
}
