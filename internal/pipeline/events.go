package pipeline

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jackzampolin/broadsheet/internal/queue"
)

// EventType names a pipeline progress event.
type EventType string

const (
	EventTaskStarted   EventType = "task_started"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventTaskProgress  EventType = "task_progress"
	EventBulkProgress  EventType = "bulk_progress"
)

// Event is one progress notification.
type Event struct {
	Type      EventType            `json:"type"`
	TaskID    string               `json:"task_id,omitempty"`
	BulkID    string               `json:"bulk_id,omitempty"`
	Operation queue.Operation      `json:"operation,omitempty"`
	WorkerID  string               `json:"worker_id,omitempty"`
	Error     string               `json:"error,omitempty"`
	Progress  float64              `json:"progress,omitempty"` // 0..1
	Counts    map[queue.Status]int `json:"counts,omitempty"`
	Time      time.Time            `json:"time"`
}

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind is dropped.
const subscriberBuffer = 64

// broadcaster fans events out to subscribers without ever blocking the
// pipeline. A full subscriber channel means the subscriber is too slow; it
// is dropped with a warning.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	logger *slog.Logger
}

func newBroadcaster(logger *slog.Logger) *broadcaster {
	return &broadcaster{
		subs:   make(map[int]chan Event),
		logger: logger,
	}
}

// Subscribe returns an event channel and an unsubscribe func. The channel
// is closed on unsubscribe or when the subscriber is dropped for lagging.
func (b *broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

func (b *broadcaster) publish(ev Event) {
	ev.Time = time.Now().UTC()

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("dropping slow event subscriber", "subscriber", id)
			delete(b.subs, id)
			close(ch)
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
