// Package notifytest provides a recording notifier for tests.
package notifytest

import (
	"context"
	"sync"

	"github.com/kvashenko/valet/internal/notify"
)

// Recorder captures every notification it receives.
type Recorder struct {
	mu   sync.Mutex
	sent []notify.Notification

	// Err, when set, is returned from every Notify call.
	Err error
}

// New creates an empty Recorder.
func New() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Notify(ctx context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.sent = append(r.sent, n)
	return nil
}

// Sent returns a copy of all recorded notifications.
func (r *Recorder) Sent() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Notification, len(r.sent))
	copy(out, r.sent)
	return out
}

// ByKind returns recorded notifications of one kind.
func (r *Recorder) ByKind(kind notify.Kind) []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Notification
	for _, n := range r.sent {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}
