package embedding

import (
	"sync"
	"time"
)

// TaskStatus is the recorded outcome of a task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusTimeout   TaskStatus = "timeout"
)

// TaskMetric is the retained history of one task.
type TaskMetric struct {
	TaskID    string     `json:"task_id"`
	ChunkID   string     `json:"chunk_id"`
	JobID     string     `json:"job_id"`
	BatchID   string     `json:"batch_id,omitempty"`
	Status    TaskStatus `json:"status"`
	Source    string     `json:"source,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   time.Time  `json:"ended_at,omitzero"`
	Error     string     `json:"error,omitempty"`
}

// history keeps the most recent task metrics in a fixed-size ring. Entries
// are created pending and updated in place when their task settles.
type history struct {
	mu      sync.Mutex
	ring    []*TaskMetric
	next    int
	full    bool
	pending int
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = DefaultMetricsCapacity
	}
	return &history{ring: make([]*TaskMetric, capacity)}
}

func (h *history) start(m *TaskMetric) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring[h.next] = m
	h.next = (h.next + 1) % len(h.ring)
	if h.next == 0 {
		h.full = true
	}
	h.pending++
}

func (h *history) finish(m *TaskMetric, status TaskStatus, source string, ended time.Time, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m.Status = status
	m.Source = source
	m.EndedAt = ended
	if err != nil {
		m.Error = err.Error()
	}
	h.pending--
}

// snapshot returns copies, oldest first.
func (h *history) snapshot() []TaskMetric {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []TaskMetric
	if h.full {
		out = make([]TaskMetric, 0, len(h.ring))
		for _, m := range h.ring[h.next:] {
			out = append(out, *m)
		}
	} else {
		out = make([]TaskMetric, 0, h.next)
	}
	for _, m := range h.ring[:h.next] {
		out = append(out, *m)
	}
	return out
}

func (h *history) inFlight() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending
}
