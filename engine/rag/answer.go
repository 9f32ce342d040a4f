package rag

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/WessleyAI/pageqa/engine/domain"
	"github.com/WessleyAI/pageqa/engine/ranker"
	"github.com/WessleyAI/pageqa/pkg/ollama"
)

// State is a step of the per-question pipeline.
type State string

const (
	StateEmbeddingQuestion State = "embedding_question"
	StateSearching         State = "searching"
	StateContextAssembled  State = "context_assembled"
	StateGenerating        State = "generating"
	StateAnswered          State = "answered"
	StateFallback          State = "fallback"
	StateFailed            State = "failed"
)

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	return s == StateAnswered || s == StateFallback || s == StateFailed
}

// Source is one excerpt that backed an answer.
type Source struct {
	ChunkID    string  `json:"chunk_id"`
	SectionID  string  `json:"section_id"`
	Heading    string  `json:"heading,omitempty"`
	Excerpt    string  `json:"excerpt"`
	Similarity float64 `json:"similarity"`
	Rank       int     `json:"rank"`
}

// SourceLocation points at the best matching chunk within the page.
type SourceLocation struct {
	SectionID string `json:"section_id"`
	Heading   string `json:"heading,omitempty"`
	DOMPath   string `json:"dom_path,omitempty"`
	Position  int    `json:"position"`
}

// Answer is the structured result of AnswerQuestion. Err carries the cause
// behind Error for callers that match with errors.Is.
type Answer struct {
	Success         bool            `json:"success"`
	Answer          string          `json:"answer"`
	Confidence      float64         `json:"confidence"`
	Sources         []Source        `json:"sources"`
	SourceLocation  *SourceLocation `json:"source_location,omitempty"`
	State           State           `json:"state"`
	Error           string          `json:"error,omitempty"`
	Prompt          string          `json:"prompt,omitempty"`
	ChunksUsed      int             `json:"chunks_used"`
	ChunksAvailable int             `json:"chunks_available"`
	Model           string          `json:"model,omitempty"`
	Err             error           `json:"-"`
}

// AnswerQuestion runs the pipeline for one question. It never returns an
// error: failures are reported through Answer.State and Answer.Error.
func (s *Service) AnswerQuestion(ctx context.Context, tabKey, question string) Answer {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "rag.AnswerQuestion", trace.WithAttributes(
		attribute.String("tab", tabKey),
		attribute.Int("question_len", len(question)),
	))
	ans := s.answer(ctx, tabKey, strings.TrimSpace(question))
	span.SetAttributes(attribute.String("state", string(ans.State)), attribute.Float64("confidence", ans.Confidence))
	if ans.Err != nil {
		span.RecordError(ans.Err)
		if ans.State == StateFailed {
			span.SetStatus(codes.Error, ans.Error)
		}
	}
	span.End()

	s.answers(ans.State).Inc()
	s.answerDuration.Since(start)
	return ans
}

func (s *Service) answer(ctx context.Context, tabKey, question string) Answer {
	fail := func(err error) Answer {
		s.logger.Info("question failed", "tab", tabKey, "err", err)
		return Answer{State: StateFailed, Error: err.Error(), Err: err}
	}
	if err := domain.ValidateTabKey(tabKey); err != nil {
		return fail(err)
	}
	if err := domain.ValidateQuestion(question); err != nil {
		return fail(err)
	}
	entry, ok := s.cache.Get(tabKey)
	if !ok {
		return fail(domain.ErrNoContent)
	}
	chunks, vecs := entry.Embedded()
	if len(chunks) == 0 {
		return fail(domain.ErrNoRelevantChunks)
	}

	s.transition(tabKey, StateEmbeddingQuestion)
	qvec, err := s.embedder.EmbedText(ctx, question)
	if err != nil {
		return fail(fmt.Errorf("rag: embed question: %w", err))
	}

	s.transition(tabKey, StateSearching)
	candidates := make([]ranker.Candidate, len(chunks))
	for i := range chunks {
		candidates[i] = ranker.Candidate{Chunk: chunks[i], Embedding: vecs[i]}
	}
	results := ranker.Rank(qvec, candidates, ranker.TopK(question))
	if len(results) == 0 {
		return fail(domain.ErrNoRelevantChunks)
	}

	p := buildPrompt(question, results, surrounding(entry.Chunks, results, s.opts.SurroundingPerPrimary), s.opts.PromptBudget)
	if p.Used == 0 {
		return fail(fmt.Errorf("rag: top excerpt exceeds the prompt budget of %d characters: %w", s.opts.PromptBudget, domain.ErrNoRelevantChunks))
	}
	s.transition(tabKey, StateContextAssembled, "used", p.Used, "available", p.Available, "surrounding", p.Surrounding)

	used := results[:p.Used]
	ans := Answer{
		Confidence:      confidence(used),
		Sources:         sources(used),
		SourceLocation:  locate(results[0].Chunk),
		Prompt:          p.Text,
		ChunksUsed:      p.Used,
		ChunksAvailable: p.Available,
	}

	s.transition(tabKey, StateGenerating)
	resp, err := s.gen.Generate(ctx, ollama.Request{
		Prompt: p.Text,
		System: s.opts.SystemPrompt,
		Options: ollama.Options{
			Temperature:   s.opts.Temperature,
			MaxTokens:     s.opts.MaxTokens,
			ContextWindow: s.opts.ContextWindow,
		},
	})
	if err == nil && strings.TrimSpace(resp.Text) == "" {
		err = errors.New("rag: generation returned no text")
	}
	if err != nil {
		s.logger.Warn("generation failed, answering from excerpts", "tab", tabKey, "err", err)
		ans.State = StateFallback
		ans.Answer = fallbackAnswer(used, s.opts.ExcerptChars)
		ans.Error = err.Error()
		ans.Err = err
		return ans
	}

	ans.Success = true
	ans.State = StateAnswered
	ans.Answer = resp.Text
	ans.Model = resp.Model
	s.logger.Info("question answered", "tab", tabKey, "confidence", ans.Confidence, "used", p.Used, "addr", resp.Address)
	return ans
}

func (s *Service) transition(tabKey string, to State, attrs ...any) {
	s.logger.Debug("answer state", append([]any{"tab", tabKey, "state", string(to)}, attrs...)...)
}

// confidence is the mean primary similarity scaled by 1.2 and clamped to [0,1].
func confidence(results []domain.SearchResult) float64 {
	if len(results) == 0 {
		return 0
	}
	var sum float64
	for _, r := range results {
		sum += r.Similarity
	}
	return math.Max(0, math.Min((sum/float64(len(results)))*1.2, 1))
}

func sources(results []domain.SearchResult) []Source {
	out := make([]Source, len(results))
	for i, r := range results {
		out[i] = Source{
			ChunkID:    r.Chunk.ID,
			SectionID:  r.Chunk.Metadata.SectionID,
			Heading:    r.Chunk.Metadata.Heading,
			Excerpt:    r.Chunk.Content,
			Similarity: r.Similarity,
			Rank:       r.Rank,
		}
	}
	return out
}

func locate(c domain.ContentChunk) *SourceLocation {
	return &SourceLocation{
		SectionID: c.Metadata.SectionID,
		Heading:   c.Metadata.Heading,
		DOMPath:   c.Metadata.DOMPath,
		Position:  c.Metadata.Position,
	}
}
