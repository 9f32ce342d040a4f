package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/WessleyAI/pageqa/engine/domain"
)

// watch drives one task to a terminal state. It polls the task's status every
// PollInterval for at most maxPolls attempts and settles the task as timed
// out at TaskTimeout. It returns as soon as the task settles by any path.
func (j *job) watch(ctx context.Context, t *task) {
	// Cancel in-flight polls as soon as the push path settles the task.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	opts := j.o.opts
	deadline := time.NewTimer(opts.TaskTimeout)
	defer deadline.Stop()
	tick := time.NewTimer(opts.PollInterval)
	defer tick.Stop()

	maxPolls := int(opts.TaskTimeout/opts.PollInterval) + 1

	for attempt := 1; ; attempt++ {
		select {
		case <-t.done:
			return
		case <-j.failed:
			j.settle(t, stateFailed, nil, fmt.Errorf("%w: task %s: job %s: %v", domain.ErrTaskFailed, t.id, j.id, j.failErr), sourcePush)
			return
		case <-deadline.C:
			j.settle(t, stateTimedOut, nil, fmt.Errorf("%w: task %s after %s", domain.ErrTaskTimeout, t.id, opts.TaskTimeout), sourceLocal)
			return
		case <-ctx.Done():
			if t.settled() {
				return
			}
			j.settleCtx(t, ctx.Err())
			return
		case <-tick.C:
		}

		if attempt > maxPolls {
			// Out of polls; only push or the deadline can settle it now.
			continue
		}
		j.o.polls.Inc()
		st, err := j.o.compute.TaskStatus(ctx, t.id)
		switch {
		case err == nil:
			st.TaskID = t.id
			j.apply(st, sourcePoll)
		case errors.Is(err, domain.ErrMalformedResponse):
			j.settle(t, stateFailed, nil, fmt.Errorf("embedding: task %s: %w", t.id, err), sourcePoll)
			return
		case ctx.Err() != nil:
			// Settled elsewhere or the job ended; the next select decides.
		default:
			j.o.logger.Debug("poll failed", "job", j.id, "task", t.id, "attempt", attempt, "err", err)
		}
		tick.Reset(opts.PollInterval)
	}
}

// settleCtx settles a task whose job context ended. Deadline expiry counts as
// a timeout.
func (j *job) settleCtx(t *task, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		j.settle(t, stateTimedOut, nil, fmt.Errorf("%w: task %s: job deadline", domain.ErrTaskTimeout, t.id), sourceLocal)
		return
	}
	j.settle(t, stateFailed, nil, fmt.Errorf("embedding: task %s: %w", t.id, err), sourceLocal)
}
