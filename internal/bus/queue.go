package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/kvashenko/valet/internal/logger"
)

var (
	ErrQueueClosed    = errors.New("queue is closed")
	ErrQueueFull      = errors.New("queue is full")
	ErrAlreadyStarted = errors.New("event bus is already started")
	ErrNotStarted     = errors.New("event bus is not started")
)

// Bus is an asynchronous in-process event queue with per-topic subscribers.
type Bus struct {
	mu      sync.RWMutex
	logger  *logger.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	started bool

	events chan Event

	subscribers  map[Topic]map[int64]chan Event
	subscriberID int64
}

// New creates a Bus with the given queue capacity.
func New(capacity int, log *logger.Logger) *Bus {
	return &Bus{
		logger:      log,
		events:      make(chan Event, capacity),
		subscribers: make(map[Topic]map[int64]chan Event),
	}
}

// Start starts the distribution goroutine.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return ErrAlreadyStarted
	}

	b.ctx, b.cancel = context.WithCancel(ctx)
	b.started = true

	go b.distribute()

	b.logger.Info("event bus started", logger.Field{Key: "capacity", Value: cap(b.events)})
	return nil
}

// Stop cancels distribution and closes all subscriber channels.
func (b *Bus) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		return ErrNotStarted
	}

	b.logger.Info("stopping event bus")

	if b.cancel != nil {
		b.cancel()
	}

	for topic, subs := range b.subscribers {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(b.subscribers, topic)
	}

	close(b.events)
	b.started = false

	b.logger.Info("event bus stopped")
	return nil
}

// Publish enqueues an event. It never blocks: a full queue returns
// ErrQueueFull and the caller decides whether to drop or retry.
func (b *Bus) Publish(ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.started {
		return ErrNotStarted
	}

	select {
	case b.events <- ev:
		b.logger.DebugCtx(b.ctx, "event published",
			logger.Field{Key: "topic", Value: string(ev.Topic)})
		return nil
	default:
		b.logger.WarnCtx(b.ctx, "event queue full",
			logger.Field{Key: "topic", Value: string(ev.Topic)},
			logger.Field{Key: "capacity", Value: cap(b.events)})
		return ErrQueueFull
	}
}

// Subscribe returns a channel receiving every event published to the topic.
// The channel is closed when the bus stops. Returns nil before Start.
func (b *Bus) Subscribe(ctx context.Context, topic Topic) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		return nil
	}

	ch := make(chan Event, 16)
	b.subscriberID++
	id := b.subscriberID
	if b.subscribers[topic] == nil {
		b.subscribers[topic] = make(map[int64]chan Event)
	}
	b.subscribers[topic][id] = ch

	b.logger.DebugCtx(ctx, "subscriber added",
		logger.Field{Key: "topic", Value: string(topic)},
		logger.Field{Key: "subscriber_id", Value: id})

	return ch
}

// distribute fans events out to the subscribers of their topic.
func (b *Bus) distribute() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev, ok := <-b.events:
			if !ok {
				return
			}
			b.mu.RLock()
			for _, ch := range b.subscribers[ev.Topic] {
				select {
				case ch <- ev:
				default:
					// Subscriber channel is full, skip
					b.logger.WarnCtx(b.ctx, "subscriber channel full, skipping event",
						logger.Field{Key: "topic", Value: string(ev.Topic)})
				}
			}
			b.mu.RUnlock()
		}
	}
}

// IsStarted returns true if the bus is started.
func (b *Bus) IsStarted() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.started
}
