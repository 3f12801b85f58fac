package tools

import (
	"context"

	"github.com/kvashenko/valet/internal/logger"
	"github.com/kvashenko/valet/internal/notify/notifytest"
	"github.com/kvashenko/valet/internal/sanitizer"
	"github.com/kvashenko/valet/internal/schedule"
	"github.com/kvashenko/valet/internal/store"
	"github.com/kvashenko/valet/internal/store/storetest"
)

// fakeEmbedder returns a fixed vector, or fails when Err is set.
type fakeEmbedder struct {
	Calls int
	Err   error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) (store.Vector, error) {
	f.Calls++
	if f.Err != nil {
		return nil, f.Err
	}
	return store.Vector{0.1, 0.2, 0.3}, nil
}

type testEnv struct {
	mem      *storetest.Memory
	notifier *notifytest.Recorder
	embedder *fakeEmbedder
	deps     Deps
}

func newTestEnv() *testEnv {
	mem := storetest.New()
	notifier := notifytest.New()
	embedder := &fakeEmbedder{}
	log := logger.Discard()
	deps := Deps{
		AgentID:        "agent-1",
		UserID:         "user-1",
		ConversationID: "conv-1",
		Timezone:       "America/New_York",
		Store:          mem,
		Scheduler:      schedule.NewScheduler(mem, log),
		Embedder:       embedder,
		Notifier:       notifier,
		Sanitizer:      sanitizer.New(0),
		Logger:         log,
	}
	return &testEnv{mem: mem, notifier: notifier, embedder: embedder, deps: deps}
}
