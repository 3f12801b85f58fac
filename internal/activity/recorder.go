// Package activity maintains the append-only activity log: every tool
// invocation and its result, keyed by the originating conversation. Writes
// go through a buffered queue so a slow database never stalls an agent run;
// a full queue drops the record and counts the drop instead of blocking.
package activity

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/kvashenko/valet/internal/logger"
	"github.com/kvashenko/valet/internal/store"
	"github.com/kvashenko/valet/internal/tools"
)

// Store is the subset of the persistence gateway the recorder needs.
type Store interface {
	AppendActivity(ctx context.Context, rec *store.ActivityRecord) error
}

// Recorder drains activity records to the store in the background.
type Recorder struct {
	store  Store
	logger *logger.Logger

	queue   chan *store.ActivityRecord
	dropped atomic.Uint64

	// Reporter, when set, is invoked for every failed tool result.
	Reporter *BugReporter

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewRecorder creates a Recorder with the given queue capacity. A
// non-positive capacity gets a sane default.
func NewRecorder(st Store, log *logger.Logger, capacity int) *Recorder {
	if capacity <= 0 {
		capacity = 256
	}
	return &Recorder{
		store:   st,
		logger:  log,
		queue:   make(chan *store.ActivityRecord, capacity),
		stopped: make(chan struct{}),
	}
}

// Start launches the background drain loop.
func (r *Recorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case rec := <-r.queue:
				if err := r.store.AppendActivity(ctx, rec); err != nil {
					r.logger.Error("failed to append activity record", err,
						logger.Field{Key: "kind", Value: rec.Kind})
				}
			case <-r.stopped:
				// Drain what's left before exiting.
				for {
					select {
					case rec := <-r.queue:
						if err := r.store.AppendActivity(ctx, rec); err != nil {
							r.logger.Error("failed to append activity record", err)
						}
					default:
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop flushes the queue and stops the drain loop.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() { close(r.stopped) })
	r.wg.Wait()
}

// Dropped reports how many records were discarded because the queue was
// full.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// enqueue never blocks; a full queue drops the record.
func (r *Recorder) enqueue(rec *store.ActivityRecord) {
	select {
	case r.queue <- rec:
	default:
		r.dropped.Add(1)
	}
}

// For returns a run-scoped view that implements the agent loop's Observer.
func (r *Recorder) For(agentID, conversationID string) *RunRecorder {
	return &RunRecorder{recorder: r, agentID: agentID, conversationID: conversationID}
}

// RunRecorder records one run's tool traffic.
type RunRecorder struct {
	recorder       *Recorder
	agentID        string
	conversationID string
}

// OnToolCall records a tool invocation.
func (rr *RunRecorder) OnToolCall(ctx context.Context, call tools.ToolCall) {
	payload, _ := json.Marshal(map[string]string{"arguments": call.Arguments})
	rr.recorder.enqueue(&store.ActivityRecord{
		AgentID:        rr.agentID,
		ConversationID: rr.conversationID,
		Kind:           "tool_call",
		ToolName:       call.Name,
		Payload:        payload,
		Success:        true,
	})
}

// OnToolResult records a tool result. Failed results additionally go to the
// bug reporter.
func (rr *RunRecorder) OnToolResult(ctx context.Context, result tools.ToolResult) {
	payload, _ := json.Marshal(map[string]any{
		"content":   result.Content,
		"timed_out": result.TimedOut,
	})
	rr.recorder.enqueue(&store.ActivityRecord{
		AgentID:        rr.agentID,
		ConversationID: rr.conversationID,
		Kind:           "tool_result",
		ToolName:       result.ToolName,
		Payload:        payload,
		Success:        result.Error == "",
		Error:          result.Error,
	})

	if result.Error != "" && rr.recorder.Reporter != nil {
		rr.recorder.Reporter.Report(ctx, rr.agentID, result)
	}
}
