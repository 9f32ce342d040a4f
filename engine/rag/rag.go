// Package rag answers questions about a cached page. CacheDocument extracts,
// chunks and embeds a document into the tab cache; AnswerQuestion embeds the
// question, ranks the cached chunks, builds a bounded prompt and calls the
// generation backend, falling back to an excerpt-only answer when the backend
// cannot be reached.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/WessleyAI/pageqa/engine/chunker"
	"github.com/WessleyAI/pageqa/engine/domain"
	"github.com/WessleyAI/pageqa/engine/embedding"
	"github.com/WessleyAI/pageqa/engine/extract"
	"github.com/WessleyAI/pageqa/engine/tabcache"
	"github.com/WessleyAI/pageqa/pkg/metrics"
	"github.com/WessleyAI/pageqa/pkg/ollama"
)

// Embedder produces chunk and question embeddings.
type Embedder interface {
	EmbedAll(ctx context.Context, chunks []domain.ContentChunk) (embedding.Outcome, error)
	EmbedText(ctx context.Context, text string) (domain.Embedding, error)
}

// Generator is the text generation backend.
type Generator interface {
	Generate(ctx context.Context, req ollama.Request) (ollama.Response, error)
}

// Options configures the pipeline.
type Options struct {
	// PromptBudget is the character budget for the excerpt block of a prompt.
	PromptBudget int
	// SurroundingPerPrimary caps the neighbours added for each primary chunk.
	SurroundingPerPrimary int
	// ExcerptChars caps each excerpt in an offline fallback answer.
	ExcerptChars  int
	Temperature   float64
	MaxTokens     int
	ContextWindow int
	SystemPrompt  string
	// CacheTimeout bounds one shared CacheDocument run, which outlives the
	// caller that started it.
	CacheTimeout time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		PromptBudget:          6000,
		SurroundingPerPrimary: 3,
		ExcerptChars:          300,
		Temperature:           0.3,
		MaxTokens:             512,
		ContextWindow:         4096,
		SystemPrompt:          defaultSystemPrompt,
		CacheTimeout:          2 * time.Minute,
	}
}

const defaultSystemPrompt = `You answer questions about the web page the user is reading.
Answer using ONLY the provided excerpts. If they do not contain the answer,
say so plainly. Keep answers short and cite excerpt numbers like [2].`

func (o Options) normalize() Options {
	d := DefaultOptions()
	if o.PromptBudget <= 0 {
		o.PromptBudget = d.PromptBudget
	}
	if o.SurroundingPerPrimary < 0 {
		o.SurroundingPerPrimary = 0
	}
	if o.ExcerptChars <= 0 {
		o.ExcerptChars = d.ExcerptChars
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = d.MaxTokens
	}
	if o.ContextWindow <= 0 {
		o.ContextWindow = d.ContextWindow
	}
	if o.SystemPrompt == "" {
		o.SystemPrompt = d.SystemPrompt
	}
	if o.CacheTimeout <= 0 {
		o.CacheTimeout = d.CacheTimeout
	}
	return o
}

// Service is the retrieval and answer pipeline. It is safe for concurrent use.
type Service struct {
	cache    *tabcache.Cache
	chunker  *chunker.Chunker
	embedder Embedder
	gen      Generator
	opts     Options
	logger   *slog.Logger
	tracer   trace.Tracer
	group    singleflight.Group
	now      func() time.Time

	answers        func(state State) *metrics.Counter
	answerDuration *metrics.Histogram
	cached         *metrics.Counter
	cachedChunks   *metrics.Histogram
	tabs           *metrics.Gauge
}

// New creates a Service. reg may be nil.
func New(cache *tabcache.Cache, ch *chunker.Chunker, emb Embedder, gen Generator, reg *metrics.Registry, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = metrics.New()
	}
	return &Service{
		cache:    cache,
		chunker:  ch,
		embedder: emb,
		gen:      gen,
		opts:     opts.normalize(),
		logger:   logger,
		tracer:   otel.Tracer("engine/rag"),
		now:      time.Now,
		answers: func(state State) *metrics.Counter {
			return reg.Counter(metrics.WithLabels("pageqa_answers_total", "state", string(state)), "Answers by terminal state.")
		},
		answerDuration: reg.Histogram("pageqa_answer_duration_seconds", "End-to-end AnswerQuestion latency.", nil),
		cached:         reg.Counter("pageqa_documents_cached_total", "Documents written to the tab cache."),
		cachedChunks:   reg.Histogram("pageqa_document_chunks", "Chunks per cached document.", []float64{1, 5, 10, 25, 50, 100, 250, 500}),
		tabs:           reg.Gauge("pageqa_cached_tabs", "Entries held by the tab cache."),
	}
}

// Options returns the effective options.
func (s *Service) Options() Options { return s.opts }

// Document is the raw page handed to CacheDocument.
type Document struct {
	TabKey string `json:"tab_key"`
	Text   string `json:"text"`
	HTML   string `json:"html"`
	URL    string `json:"url"`
	Title  string `json:"title"`
}

// CacheResult summarizes a CacheDocument call.
type CacheResult struct {
	TabKey   string `json:"tab_key"`
	JobID    string `json:"job_id"`
	Sections int    `json:"sections"`
	Chunks   int    `json:"chunks"`
	Embedded int    `json:"embedded"`
	Failed   int    `json:"failed"`
}

// CacheDocument extracts, chunks and embeds doc and replaces the tab's cache
// entry. Chunks whose embedding failed are cached without a vector; partial
// success is not an error. Identical concurrent calls for the same tab share
// one run, detached from any single caller's cancellation and bounded by
// CacheTimeout; each caller stops waiting when its own ctx ends.
func (s *Service) CacheDocument(ctx context.Context, doc Document) (CacheResult, error) {
	if err := domain.ValidateTabKey(doc.TabKey); err != nil {
		return CacheResult{}, fmt.Errorf("rag: cache document: %w", err)
	}
	key := doc.TabKey + "\x00" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(doc.URL+"\x00"+doc.Title+"\x00"+doc.Text+"\x00"+doc.HTML)).String()
	ch := s.group.DoChan(key, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.CacheTimeout)
		defer cancel()
		return s.cacheDocument(runCtx, doc)
	})
	select {
	case <-ctx.Done():
		return CacheResult{}, fmt.Errorf("rag: cache document: %w", ctx.Err())
	case r := <-ch:
		if r.Shared {
			s.logger.Debug("cache document coalesced", "tab", doc.TabKey)
		}
		if r.Err != nil {
			return CacheResult{}, r.Err
		}
		return r.Val.(CacheResult), nil
	}
}

func (s *Service) cacheDocument(ctx context.Context, doc Document) (res CacheResult, err error) {
	ctx, span := s.tracer.Start(ctx, "rag.CacheDocument", trace.WithAttributes(
		attribute.String("tab", doc.TabKey),
		attribute.String("url", doc.URL),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	content, err := extract.Extract(extract.Input{URL: doc.URL, Title: doc.Title, Text: doc.Text, HTML: doc.HTML}, s.now())
	if err != nil {
		return CacheResult{}, fmt.Errorf("rag: cache document: %w", err)
	}
	chunks := s.chunker.Chunk(content)
	out, err := s.embedder.EmbedAll(ctx, chunks)
	if err != nil {
		return CacheResult{}, fmt.Errorf("rag: cache document: %w", err)
	}

	s.cache.Put(doc.TabKey, content, chunks, out.Embeddings)
	s.cached.Inc()
	s.cachedChunks.Observe(float64(len(chunks)))
	s.tabs.Set(int64(s.cache.Len()))

	res = CacheResult{
		TabKey:   doc.TabKey,
		JobID:    out.JobID,
		Sections: len(content.Structure.Sections),
		Chunks:   len(chunks),
		Embedded: out.Succeeded(),
		Failed:   out.Failed(),
	}
	span.SetAttributes(attribute.Int("chunks", res.Chunks), attribute.Int("embedded", res.Embedded))
	if res.Failed > 0 {
		s.logger.Warn("document cached with missing embeddings", "tab", doc.TabKey, "chunks", res.Chunks, "failed", res.Failed)
	} else {
		s.logger.Info("document cached", "tab", doc.TabKey, "chunks", res.Chunks, "sections", res.Sections)
	}
	return res, nil
}

// Clear drops the cached entry for one tab.
func (s *Service) Clear(tabKey string) {
	s.cache.Clear(tabKey)
	s.tabs.Set(int64(s.cache.Len()))
}

// ClearAll drops every cached tab.
func (s *Service) ClearAll() {
	s.cache.ClearAll()
	s.tabs.Set(0)
}
