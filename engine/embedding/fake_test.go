package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/WessleyAI/pageqa/engine/domain"
	"github.com/WessleyAI/pageqa/pkg/compute"
	"github.com/WessleyAI/pageqa/pkg/fn"
	"github.com/WessleyAI/pageqa/pkg/metrics"
)

// fakeCompute assigns task id "t-<chunkID>" and, by default, answers every
// poll with a completed status whose vector encodes the chunk id length.
type fakeCompute struct {
	mu          sync.Mutex
	failBatch   func([]compute.BatchItem) bool
	failSubmit  func(compute.BatchItem) bool
	poll        func(taskID string) (compute.TaskStatus, error)
	batchCalls  int
	submitCalls int
	pollCalls   int
	healthy     bool
}

func taskIDFor(chunkID string) string { return "t-" + chunkID }

func vectorFor(chunkID string) []float32 { return []float32{float32(len(chunkID)), 1} }

func (f *fakeCompute) SubmitBatch(_ context.Context, _ string, items []compute.BatchItem) (compute.BatchReceipt, error) {
	f.mu.Lock()
	f.batchCalls++
	f.mu.Unlock()
	if f.failBatch != nil && f.failBatch(items) {
		return compute.BatchReceipt{}, errors.New("batch endpoint down")
	}
	rec := compute.BatchReceipt{BatchID: "b-" + items[0].ChunkID, TaskIDs: map[string]string{}}
	for _, it := range items {
		rec.TaskIDs[it.ChunkID] = taskIDFor(it.ChunkID)
	}
	return rec, nil
}

func (f *fakeCompute) Submit(_ context.Context, _ string, item compute.BatchItem) (string, error) {
	f.mu.Lock()
	f.submitCalls++
	f.mu.Unlock()
	if f.failSubmit != nil && f.failSubmit(item) {
		return "", errors.New("submit refused")
	}
	return taskIDFor(item.ChunkID), nil
}

func (f *fakeCompute) TaskStatus(_ context.Context, taskID string) (compute.TaskStatus, error) {
	f.mu.Lock()
	f.pollCalls++
	f.mu.Unlock()
	if f.poll != nil {
		return f.poll(taskID)
	}
	return completed(taskID), nil
}

func (f *fakeCompute) Healthy(context.Context) bool { return f.healthy }

func (f *fakeCompute) calls() (batch, submit, poll int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batchCalls, f.submitCalls, f.pollCalls
}

func completed(taskID string) compute.TaskStatus {
	chunkID := taskID[len("t-"):]
	return compute.TaskStatus{TaskID: taskID, State: compute.TaskCompleted, Progress: 1, Embedding: vectorFor(chunkID)}
}

func processing(taskID string) (compute.TaskStatus, error) {
	return compute.TaskStatus{TaskID: taskID, State: compute.TaskProcessing, Progress: 0.5}, nil
}

// fakePush hands the registered handler to the test.
type fakePush struct {
	mu       sync.Mutex
	handlers map[string]func(compute.JobUpdate)
	listened chan string
	stopped  int
	err      error
}

func newFakePush() *fakePush {
	return &fakePush{handlers: map[string]func(compute.JobUpdate){}, listened: make(chan string, 16)}
}

func (p *fakePush) ListenJob(jobID string, handle func(compute.JobUpdate)) (func(), error) {
	if p.err != nil {
		return nil, p.err
	}
	p.mu.Lock()
	p.handlers[jobID] = handle
	p.mu.Unlock()
	p.listened <- jobID
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.handlers, jobID)
		p.stopped++
	}, nil
}

func (p *fakePush) Connected() bool { return p.err == nil }

func (p *fakePush) send(jobID string, u compute.JobUpdate) {
	p.mu.Lock()
	h := p.handlers[jobID]
	p.mu.Unlock()
	if h != nil {
		h(u)
	}
}

func (p *fakePush) stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func testOptions() Options {
	return Options{
		BatchSize:    4,
		TaskTimeout:  2 * time.Second,
		PollInterval: 5 * time.Millisecond,
		SubmitRetry:  fn.RetryOpts{MaxAttempts: 1},
	}
}

func makeChunks(n int) []domain.ContentChunk {
	out := make([]domain.ContentChunk, n)
	for i := range out {
		out[i] = domain.ContentChunk{ID: fmt.Sprintf("c%d", i), Content: fmt.Sprintf("chunk %d", i)}
	}
	return out
}

func counter(reg *metrics.Registry, name string, labels ...string) int64 {
	return reg.Counter(metrics.WithLabels(name, labels...), "").Value()
}

func waitDone(t *testing.T, tk *task) {
	t.Helper()
	select {
	case <-tk.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("task %s did not settle", tk.id)
	}
}
