package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/WessleyAI/pageqa/engine/domain"
	"github.com/WessleyAI/pageqa/engine/events"
	"github.com/WessleyAI/pageqa/pkg/compute"
	"github.com/WessleyAI/pageqa/pkg/fn"
)

// maxOrphans bounds push updates buffered for tasks not yet registered.
const maxOrphans = 4096

// job is the shared state of one EmbedAll or EmbedText call.
type job struct {
	o  *Orchestrator
	id string

	mu      sync.Mutex
	tasks   map[string]*task
	order   []*task
	orphans map[string]compute.TaskStatus

	watchers sync.WaitGroup

	listenOnce sync.Once
	stopOnce   sync.Once
	stopFn     func()

	failOnce sync.Once
	failed   chan struct{}
	failErr  error
}

func newJob(o *Orchestrator, id string) *job {
	return &job{
		o:       o,
		id:      id,
		tasks:   make(map[string]*task),
		orphans: make(map[string]compute.TaskStatus),
		failed:  make(chan struct{}),
	}
}

// submitBatch submits items as one batch, degrading to individual
// submission when the batch call fails. It returns errors for chunks that
// could not be submitted at all.
func (j *job) submitBatch(ctx context.Context, items []compute.BatchItem) map[string]error {
	rec, err := j.o.compute.SubmitBatch(ctx, j.id, items)
	j.listen()
	if err != nil {
		if ctx.Err() != nil {
			return submitFailed(items, err)
		}
		j.o.fallbacks.Inc()
		j.o.logger.Warn("batch submit failed, submitting individually", "job", j.id, "chunks", len(items), "err", err)
		return j.submitEach(ctx, "", items)
	}
	for _, it := range items {
		j.track(ctx, rec.TaskIDs[it.ChunkID], it.ChunkID, rec.BatchID)
	}
	return nil
}

// submitEach submits every item on its own, retrying each per
// Options.SubmitRetry.
func (j *job) submitEach(ctx context.Context, batchID string, items []compute.BatchItem) map[string]error {
	results := fn.ParMap(items, len(items), func(it compute.BatchItem) fn.Result[string] {
		return fn.Retry(ctx, j.o.opts.SubmitRetry, func(ctx context.Context) fn.Result[string] {
			return fn.FromPair(j.o.compute.Submit(ctx, j.id, it))
		})
	})
	j.listen()

	var errs map[string]error
	for i, r := range results {
		id, err := r.Unwrap()
		if err != nil {
			if errs == nil {
				errs = make(map[string]error)
			}
			errs[items[i].ChunkID] = fmt.Errorf("embedding: submit chunk %s: %w", items[i].ChunkID, err)
			j.o.tasksTotal(StatusFailed).Inc()
			continue
		}
		j.track(ctx, id, items[i].ChunkID, batchID)
	}
	return errs
}

func submitFailed(items []compute.BatchItem, err error) map[string]error {
	errs := make(map[string]error, len(items))
	for _, it := range items {
		errs[it.ChunkID] = fmt.Errorf("embedding: submit chunk %s: %w", it.ChunkID, err)
	}
	return errs
}

// track registers a submitted task and starts its watcher. A push update that
// arrived before registration is applied immediately.
func (j *job) track(ctx context.Context, taskID, chunkID, batchID string) {
	now := j.o.now()
	t := newTask(taskID, chunkID, batchID, now)
	t.metric = &TaskMetric{
		TaskID:    taskID,
		ChunkID:   chunkID,
		JobID:     j.id,
		BatchID:   batchID,
		Status:    StatusPending,
		StartedAt: now,
	}
	j.o.history.start(t.metric)

	j.mu.Lock()
	j.tasks[taskID] = t
	j.order = append(j.order, t)
	orphan, hasOrphan := j.orphans[taskID]
	delete(j.orphans, taskID)
	j.mu.Unlock()

	j.o.events.Publish(events.TaskSubmitted{JobID: j.id, BatchID: batchID, TaskID: taskID, ChunkID: chunkID, At: now})

	if hasOrphan {
		j.apply(orphan, sourcePush)
	}
	j.watchers.Add(1)
	go func() {
		defer j.watchers.Done()
		j.watch(ctx, t)
	}()
}

// listen starts the job's push subscription once.
func (j *job) listen() {
	if j.o.push == nil {
		return
	}
	j.listenOnce.Do(func() {
		stop, err := j.o.push.ListenJob(j.id, j.onUpdate)
		if err != nil {
			j.o.logger.Warn("push unavailable, polling only", "job", j.id, "err", err)
			return
		}
		j.mu.Lock()
		j.stopFn = stop
		j.mu.Unlock()
	})
}

func (j *job) stopListening() {
	j.listenOnce.Do(func() {}) // no subscription after teardown
	j.stopOnce.Do(func() {
		j.mu.Lock()
		stop := j.stopFn
		j.mu.Unlock()
		if stop != nil {
			stop()
		}
	})
}

func (j *job) onUpdate(u compute.JobUpdate) {
	for _, st := range u.Tasks {
		j.apply(st, sourcePush)
	}
	if u.State == compute.JobFailed {
		msg := u.Error
		if msg == "" {
			msg = "job failed"
		}
		j.fail(errors.New(msg))
	}
}

// fail signals every unsettled task that the remote job has failed.
func (j *job) fail(err error) {
	j.failOnce.Do(func() {
		j.failErr = err
		close(j.failed)
		j.o.logger.Warn("job failed remotely", "job", j.id, "err", err)
		go j.stopListening()
	})
}

// apply routes a normalized status to its task.
func (j *job) apply(st compute.TaskStatus, source string) {
	j.mu.Lock()
	t, ok := j.tasks[st.TaskID]
	if !ok {
		if st.State.Terminal() && len(j.orphans) < maxOrphans {
			j.orphans[st.TaskID] = st
			j.o.orphans.Inc()
		}
		j.mu.Unlock()
		return
	}
	j.mu.Unlock()

	switch st.State {
	case compute.TaskCompleted:
		j.settle(t, stateSucceeded, st.Embedding, nil, source)
	case compute.TaskFailed:
		msg := st.Error
		if msg == "" {
			msg = "no reason given"
		}
		j.settle(t, stateFailed, nil, fmt.Errorf("%w: task %s: %s", domain.ErrTaskFailed, t.id, msg), source)
	default:
		if !t.settled() {
			j.o.events.Publish(events.TaskProgress{JobID: j.id, TaskID: t.id, Progress: st.Progress, At: j.o.now()})
		}
	}
}

// settle performs the task's single transition and its bookkeeping. Later
// signals for the same task are counted and otherwise ignored.
func (j *job) settle(t *task, to taskState, vec []float32, err error, source string) bool {
	now := j.o.now()
	if !t.settle(to, vec, err, source, now) {
		j.o.duplicates.Inc()
		j.o.logger.Debug("duplicate completion ignored", "job", j.id, "task", t.id, "source", source)
		return false
	}
	status := StatusCompleted
	if to != stateSucceeded {
		status = classify(err)
	}
	j.o.history.finish(t.metric, status, source, now, err)
	j.o.tasksTotal(status).Inc()
	j.o.taskDuration.Observe(now.Sub(t.started).Seconds())

	if to == stateSucceeded {
		j.o.events.Publish(events.TaskCompleted{
			JobID: j.id, TaskID: t.id, ChunkID: t.chunkID,
			Source: source, Duration: now.Sub(t.started), At: now,
		})
		j.o.logger.Debug("task completed", "job", j.id, "task", t.id, "source", source)
		return true
	}
	j.o.events.Publish(events.TaskFailed{
		JobID: j.id, TaskID: t.id, ChunkID: t.chunkID,
		Timeout: status == StatusTimeout, Error: err.Error(), At: now,
	})
	j.o.logger.Debug("task settled without embedding", "job", j.id, "task", t.id, "status", status, "err", err)
	return true
}

// wait blocks until every registered task has settled.
func (j *job) wait() { j.watchers.Wait() }

func (j *job) all() []*task {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*task, len(j.order))
	copy(out, j.order)
	return out
}
