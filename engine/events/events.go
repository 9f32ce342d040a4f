// Package events is a typed, in-process publish/subscribe bus for progress
// telemetry. Publishing never blocks: a subscriber that falls behind loses
// events rather than stalling the producer.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Kind names an event variant.
type Kind string

const (
	KindTaskSubmitted    Kind = "task.submitted"
	KindTaskProgress     Kind = "task.progress"
	KindTaskCompleted    Kind = "task.completed"
	KindTaskFailed       Kind = "task.failed"
	KindJobStarted       Kind = "job.started"
	KindJobCompleted     Kind = "job.completed"
	KindConnectionStatus Kind = "connection.status"
)

// Event is implemented only by the variants in this package.
type Event interface {
	Kind() Kind
	isEvent()
}

// TaskSubmitted is emitted once a task id has been assigned.
type TaskSubmitted struct {
	JobID   string    `json:"job_id"`
	BatchID string    `json:"batch_id,omitempty"`
	TaskID  string    `json:"task_id"`
	ChunkID string    `json:"chunk_id"`
	At      time.Time `json:"at"`
}

// TaskProgress reports a non-terminal status for a task.
type TaskProgress struct {
	JobID    string    `json:"job_id"`
	TaskID   string    `json:"task_id"`
	Progress float64   `json:"progress"`
	At       time.Time `json:"at"`
}

// TaskCompleted is emitted when a task settles with an embedding.
type TaskCompleted struct {
	JobID    string        `json:"job_id"`
	TaskID   string        `json:"task_id"`
	ChunkID  string        `json:"chunk_id"`
	Source   string        `json:"source"` // push or poll
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}

// TaskFailed is emitted when a task fails or times out.
type TaskFailed struct {
	JobID   string    `json:"job_id"`
	TaskID  string    `json:"task_id"`
	ChunkID string    `json:"chunk_id"`
	Timeout bool      `json:"timeout"`
	Error   string    `json:"error"`
	At      time.Time `json:"at"`
}

// JobStarted opens an EmbedAll call.
type JobStarted struct {
	JobID   string    `json:"job_id"`
	Chunks  int       `json:"chunks"`
	Batches int       `json:"batches"`
	At      time.Time `json:"at"`
}

// JobCompleted closes an EmbedAll call.
type JobCompleted struct {
	JobID     string        `json:"job_id"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
	At        time.Time     `json:"at"`
}

// ConnectionStatus reports the push channel state.
type ConnectionStatus struct {
	Connected bool      `json:"connected"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

func (TaskSubmitted) Kind() Kind    { return KindTaskSubmitted }
func (TaskProgress) Kind() Kind     { return KindTaskProgress }
func (TaskCompleted) Kind() Kind    { return KindTaskCompleted }
func (TaskFailed) Kind() Kind       { return KindTaskFailed }
func (JobStarted) Kind() Kind       { return KindJobStarted }
func (JobCompleted) Kind() Kind     { return KindJobCompleted }
func (ConnectionStatus) Kind() Kind { return KindConnectionStatus }

func (TaskSubmitted) isEvent()    {}
func (TaskProgress) isEvent()     {}
func (TaskCompleted) isEvent()    {}
func (TaskFailed) isEvent()       {}
func (JobStarted) isEvent()       {}
func (JobCompleted) isEvent()     {}
func (ConnectionStatus) isEvent() {}

// Publisher accepts events.
type Publisher interface {
	Publish(Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

// Bus fans events out to subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	next    int
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: make(map[int]chan Event), logger: logger}
}

// Subscribe returns a channel of events and a cancel function that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber with room in its buffer.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Debug("event dropped", "kind", ev.Kind())
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber was
// full.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
