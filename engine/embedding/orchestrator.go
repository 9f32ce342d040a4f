// Package embedding turns content chunks into embedding vectors using the
// remote compute service. Chunks are submitted in concurrent batches under a
// single job id; each resulting task settles exactly once, from whichever of
// the job's push subscription or the task's own poll loop reports first.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/WessleyAI/pageqa/engine/domain"
	"github.com/WessleyAI/pageqa/engine/events"
	"github.com/WessleyAI/pageqa/pkg/compute"
	"github.com/WessleyAI/pageqa/pkg/fn"
	"github.com/WessleyAI/pageqa/pkg/metrics"
)

// Compute is the remote embedding service.
type Compute interface {
	SubmitBatch(ctx context.Context, jobID string, items []compute.BatchItem) (compute.BatchReceipt, error)
	Submit(ctx context.Context, jobID string, item compute.BatchItem) (string, error)
	TaskStatus(ctx context.Context, taskID string) (compute.TaskStatus, error)
	Healthy(ctx context.Context) bool
}

// Push delivers job updates from the compute service.
type Push interface {
	ListenJob(jobID string, handle func(compute.JobUpdate)) (stop func(), err error)
	Connected() bool
}

// DefaultMetricsCapacity is how many task metrics are retained.
const DefaultMetricsCapacity = 1000

// Options configures the orchestrator.
type Options struct {
	BatchSize    int
	TaskTimeout  time.Duration
	PollInterval time.Duration
	// JobTimeout bounds a whole EmbedAll call. Zero means TaskTimeout + 15s.
	JobTimeout time.Duration
	// SubmitRetry applies to individual submissions after a batch fails.
	SubmitRetry     fn.RetryOpts
	MetricsCapacity int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		BatchSize:    4,
		TaskTimeout:  30 * time.Second,
		PollInterval: time.Second,
		SubmitRetry: fn.RetryOpts{
			MaxAttempts: 2,
			InitialWait: 200 * time.Millisecond,
			MaxWait:     2 * time.Second,
			Jitter:      true,
			Retryable:   compute.Temporary,
		},
		MetricsCapacity: DefaultMetricsCapacity,
	}
}

func (o Options) normalize() Options {
	d := DefaultOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = d.TaskTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = o.TaskTimeout + 15*time.Second
	}
	if o.SubmitRetry.MaxAttempts <= 0 {
		o.SubmitRetry = d.SubmitRetry
	}
	if o.MetricsCapacity <= 0 {
		o.MetricsCapacity = d.MetricsCapacity
	}
	return o
}

// Outcome is the result of EmbedAll. A chunk appears in exactly one of the
// two maps. Partial success is a normal outcome.
type Outcome struct {
	JobID      string
	Embeddings map[string]domain.Embedding
	Errors     map[string]error
}

// Succeeded returns the number of embedded chunks.
func (o Outcome) Succeeded() int { return len(o.Embeddings) }

// Failed returns the number of chunks without an embedding.
func (o Outcome) Failed() int { return len(o.Errors) }

// Health reports the state of the orchestrator's collaborators.
type Health struct {
	Compute bool `json:"compute"`
	Push    bool `json:"push"`
}

// Orchestrator coordinates embedding jobs. It is safe for concurrent use.
type Orchestrator struct {
	compute Compute
	push    Push
	events  events.Publisher
	opts    Options
	logger  *slog.Logger
	tracer  trace.Tracer
	history *history
	now     func() time.Time
	newID   func() string

	tasksTotal   func(status TaskStatus) *metrics.Counter
	taskDuration *metrics.Histogram
	fallbacks    *metrics.Counter
	polls        *metrics.Counter
	duplicates   *metrics.Counter
	orphans      *metrics.Counter
}

// New creates an Orchestrator. push, pub and reg may be nil; without push
// every task is settled by polling.
func New(c Compute, push Push, pub events.Publisher, reg *metrics.Registry, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.Discard
	}
	if reg == nil {
		reg = metrics.New()
	}
	opts = opts.normalize()
	return &Orchestrator{
		compute: c,
		push:    push,
		events:  pub,
		opts:    opts,
		logger:  logger,
		tracer:  otel.Tracer("engine/embedding"),
		history: newHistory(opts.MetricsCapacity),
		now:     time.Now,
		newID:   uuid.NewString,
		tasksTotal: func(status TaskStatus) *metrics.Counter {
			return reg.Counter(metrics.WithLabels("pageqa_embed_tasks_total", "status", string(status)), "Embedding tasks by terminal status.")
		},
		taskDuration: reg.Histogram("pageqa_embed_task_duration_seconds", "Time from submission to settlement.", nil),
		fallbacks:    reg.Counter("pageqa_embed_batch_fallbacks_total", "Batches degraded to individual submission."),
		polls:        reg.Counter("pageqa_embed_polls_total", "Task status polls issued."),
		duplicates:   reg.Counter("pageqa_embed_duplicate_signals_total", "Completion signals for already settled tasks."),
		orphans:      reg.Counter("pageqa_embed_orphan_updates_total", "Push updates received before their task was registered."),
	}
}

// Options returns the effective options.
func (o *Orchestrator) Options() Options { return o.opts }

// EmbedAll embeds every chunk. Chunks are split into batches of
// Options.BatchSize that are submitted concurrently; a batch whose submission
// fails falls back to one submission per chunk. The returned error is non-nil
// only when ctx ends before any work could be submitted.
func (o *Orchestrator) EmbedAll(ctx context.Context, chunks []domain.ContentChunk) (Outcome, error) {
	items := make([]compute.BatchItem, 0, len(chunks))
	for _, c := range chunks {
		items = append(items, compute.BatchItem{ChunkID: c.ID, Text: c.Content})
	}
	return o.run(ctx, "embed_all", fn.Chunk(items, o.opts.BatchSize), true)
}

// EmbedText embeds a single text through the individual submission path.
func (o *Orchestrator) EmbedText(ctx context.Context, text string) (domain.Embedding, error) {
	const key = "text"
	out, err := o.run(ctx, "embed_text", [][]compute.BatchItem{{{ChunkID: key, Text: text}}}, false)
	if err != nil {
		return nil, err
	}
	if vec, ok := out.Embeddings[key]; ok {
		return vec, nil
	}
	return nil, out.Errors[key]
}

// Metrics returns the retained task history, oldest first.
func (o *Orchestrator) Metrics() []TaskMetric { return o.history.snapshot() }

// Pending returns the number of unsettled tasks across all jobs.
func (o *Orchestrator) Pending() int { return o.history.inFlight() }

// Healthy probes the compute service and reports the push connection.
func (o *Orchestrator) Healthy(ctx context.Context) Health {
	return Health{
		Compute: o.compute.Healthy(ctx),
		Push:    o.push != nil && o.push.Connected(),
	}
}

func (o *Orchestrator) run(ctx context.Context, op string, batches [][]compute.BatchItem, batched bool) (Outcome, error) {
	jobID := o.newID()
	total := 0
	for _, b := range batches {
		total += len(b)
	}
	ctx, span := o.tracer.Start(ctx, "embedding."+op, trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.Int("chunks", total),
		attribute.Int("batches", len(batches)),
	))
	defer span.End()

	out := Outcome{
		JobID:      jobID,
		Embeddings: make(map[string]domain.Embedding, total),
		Errors:     make(map[string]error),
	}
	if total == 0 {
		return out, nil
	}
	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, fmt.Errorf("embedding: %s: %w", op, err)
	}

	start := o.now()
	o.events.Publish(events.JobStarted{JobID: jobID, Chunks: total, Batches: len(batches), At: start})
	o.logger.Debug("job started", "job", jobID, "chunks", total, "batches", len(batches))

	jobCtx, cancel := context.WithTimeout(ctx, o.opts.JobTimeout)
	defer cancel()

	j := newJob(o, jobID)
	defer j.stopListening()

	submitErrs := fn.FanOut(fn.Map(batches, func(items []compute.BatchItem) func() map[string]error {
		return func() map[string]error {
			if batched {
				return j.submitBatch(jobCtx, items)
			}
			return j.submitEach(jobCtx, "", items)
		}
	})...)
	for _, errs := range submitErrs {
		for chunkID, err := range errs {
			out.Errors[chunkID] = err
		}
	}

	j.wait()
	j.stopListening()

	for _, t := range j.all() {
		if t.current() == stateSucceeded {
			out.Embeddings[t.chunkID] = t.vector
			continue
		}
		out.Errors[t.chunkID] = t.err
	}

	o.events.Publish(events.JobCompleted{
		JobID:     jobID,
		Succeeded: out.Succeeded(),
		Failed:    out.Failed(),
		Duration:  o.now().Sub(start),
		At:        o.now(),
	})
	span.SetAttributes(attribute.Int("succeeded", out.Succeeded()), attribute.Int("failed", out.Failed()))
	if out.Failed() > 0 {
		o.logger.Warn("job finished with failures", "job", jobID, "succeeded", out.Succeeded(), "failed", out.Failed())
	} else {
		o.logger.Debug("job completed", "job", jobID, "succeeded", out.Succeeded())
	}
	return out, nil
}

// classify maps a task error to its recorded status.
func classify(err error) TaskStatus {
	if errors.Is(err, domain.ErrTaskTimeout) {
		return StatusTimeout
	}
	return StatusFailed
}
