package embedding

import (
	"sync/atomic"
	"time"
)

// taskState is the lifecycle of one remote task. Every state other than
// statePending is terminal.
type taskState int32

const (
	statePending taskState = iota
	stateSucceeded
	stateFailed
	stateTimedOut
)

func (s taskState) String() string {
	switch s {
	case statePending:
		return string(StatusPending)
	case stateSucceeded:
		return string(StatusCompleted)
	case stateFailed:
		return string(StatusFailed)
	case stateTimedOut:
		return string(StatusTimeout)
	}
	return "unknown"
}

// Completion sources.
const (
	sourcePush  = "push"
	sourcePoll  = "poll"
	sourceLocal = "local"
)

// task is one outstanding unit of remote work. It leaves statePending at most
// once; the first call to settle wins and later calls are no-ops. Result
// fields are written before done is closed and must only be read after it.
type task struct {
	id      string
	chunkID string
	batchID string
	started time.Time

	state atomic.Int32
	done  chan struct{}

	vector []float32
	err    error
	source string
	ended  time.Time

	metric *TaskMetric
}

func newTask(id, chunkID, batchID string, now time.Time) *task {
	return &task{
		id:      id,
		chunkID: chunkID,
		batchID: batchID,
		started: now,
		done:    make(chan struct{}),
	}
}

// settle records the outcome and reports whether this call made the
// transition.
func (t *task) settle(to taskState, vec []float32, err error, source string, now time.Time) bool {
	if !t.state.CompareAndSwap(int32(statePending), int32(to)) {
		return false
	}
	t.vector = vec
	t.err = err
	t.source = source
	t.ended = now
	close(t.done)
	return true
}

func (t *task) current() taskState { return taskState(t.state.Load()) }

func (t *task) settled() bool { return t.current() != statePending }
