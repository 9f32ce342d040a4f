package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WessleyAI/pageqa/engine/chunker"
	"github.com/WessleyAI/pageqa/engine/domain"
	"github.com/WessleyAI/pageqa/engine/embedding"
	"github.com/WessleyAI/pageqa/engine/tabcache"
	"github.com/WessleyAI/pageqa/pkg/metrics"
	"github.com/WessleyAI/pageqa/pkg/ollama"
)

// vocab gives each keyword its own dimension, so similarity is keyword overlap.
var vocab = []string{"price", "battery", "warranty", "screen"}

func vectorFor(text string) domain.Embedding {
	text = strings.ToLower(text)
	v := make(domain.Embedding, len(vocab))
	for i, w := range vocab {
		v[i] = float32(strings.Count(text, w))
	}
	return v
}

type fakeEmbedder struct {
	calls   atomic.Int32
	gate    chan struct{}
	fail    map[string]bool // chunk content substrings left unembedded
	err     error
	textErr error
}

func (f *fakeEmbedder) EmbedAll(ctx context.Context, chunks []domain.ContentChunk) (embedding.Outcome, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return embedding.Outcome{}, f.err
	}
	out := embedding.Outcome{
		JobID:      "job-1",
		Embeddings: map[string]domain.Embedding{},
		Errors:     map[string]error{},
	}
	for _, c := range chunks {
		skip := false
		for s := range f.fail {
			if strings.Contains(c.Content, s) {
				skip = true
			}
		}
		if skip {
			out.Errors[c.ID] = domain.ErrTaskFailed
			continue
		}
		out.Embeddings[c.ID] = vectorFor(c.Content)
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedText(ctx context.Context, text string) (domain.Embedding, error) {
	if f.textErr != nil {
		return nil, f.textErr
	}
	return vectorFor(text), nil
}

type fakeGenerator struct {
	mu   sync.Mutex
	reqs []ollama.Request
	text string
	err  error
}

func (f *fakeGenerator) Generate(ctx context.Context, req ollama.Request) (ollama.Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.err != nil {
		return ollama.Response{}, f.err
	}
	return ollama.Response{Text: f.text, Model: "test-model", Address: "http://gen"}, nil
}

const page = `<html><head><title>Gadget</title></head><body>
<h1>Pricing</h1><p>The price is 20 dollars per month.</p>
<h2>Battery</h2><p>The battery lasts ten hours on a charge.</p>
<h2>Support</h2><p>The warranty covers two years.</p>
</body></html>`

func newTestService(t *testing.T, emb *fakeEmbedder, gen *fakeGenerator) (*Service, *metrics.Registry) {
	t.Helper()
	reg := metrics.New()
	s := New(tabcache.New(time.Minute), chunker.New(chunker.DefaultOptions()), emb, gen, reg, DefaultOptions(), nil)
	return s, reg
}

func cachePage(t *testing.T, s *Service, tab string) CacheResult {
	t.Helper()
	res, err := s.CacheDocument(context.Background(), Document{TabKey: tab, HTML: page, URL: "https://example.com/gadget", Title: "Gadget"})
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestCacheDocument(t *testing.T) {
	s, reg := newTestService(t, &fakeEmbedder{}, &fakeGenerator{})
	res := cachePage(t, s, "tab-1")
	if res.Chunks != 3 || res.Embedded != 3 || res.Failed != 0 || res.JobID != "job-1" {
		t.Fatalf("result = %+v", res)
	}
	if res.Sections != 3 {
		t.Errorf("sections = %d", res.Sections)
	}
	if _, ok := s.cache.Get("tab-1"); !ok {
		t.Fatal("entry not cached")
	}
	if got := reg.Gauge("pageqa_cached_tabs", "").Value(); got != 1 {
		t.Errorf("cached tabs gauge = %d", got)
	}
}

func TestCacheDocumentPartialEmbedding(t *testing.T) {
	s, _ := newTestService(t, &fakeEmbedder{fail: map[string]bool{"warranty": true}}, &fakeGenerator{})
	res := cachePage(t, s, "tab-1")
	if res.Embedded != 2 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	e, _ := s.cache.Get("tab-1")
	if len(e.Chunks) != 3 || len(e.Embeddings) != 2 {
		t.Errorf("entry chunks=%d embeddings=%d", len(e.Chunks), len(e.Embeddings))
	}
}

func TestCacheDocumentErrors(t *testing.T) {
	s, _ := newTestService(t, &fakeEmbedder{}, &fakeGenerator{})
	ctx := context.Background()

	if _, err := s.CacheDocument(ctx, Document{TabKey: " ", Text: "hello"}); !errors.Is(err, domain.ErrInvalidTabKey) {
		t.Errorf("blank key: %v", err)
	}
	if _, err := s.CacheDocument(ctx, Document{TabKey: "t", Text: "  ", HTML: "<p> </p>"}); !errors.Is(err, domain.ErrEmptyDocument) {
		t.Errorf("blank document: %v", err)
	}

	boom := errors.New("compute down")
	s, _ = newTestService(t, &fakeEmbedder{err: boom}, &fakeGenerator{})
	if _, err := s.CacheDocument(ctx, Document{TabKey: "t", HTML: page}); !errors.Is(err, boom) {
		t.Errorf("embed error: %v", err)
	}
	if _, ok := s.cache.Get("t"); ok {
		t.Error("failed run left a cache entry")
	}
}

func TestCacheDocumentReplacesEntry(t *testing.T) {
	s, _ := newTestService(t, &fakeEmbedder{}, &fakeGenerator{})
	cachePage(t, s, "tab-1")
	if _, err := s.CacheDocument(context.Background(), Document{TabKey: "tab-1", Text: "Only the screen matters."}); err != nil {
		t.Fatal(err)
	}
	e, _ := s.cache.Get("tab-1")
	if len(e.Chunks) != 1 || !strings.Contains(e.Chunks[0].Content, "screen") {
		t.Fatalf("entry not replaced: %+v", e.Chunks)
	}
}

func TestCacheDocumentCoalescesIdenticalCalls(t *testing.T) {
	emb := &fakeEmbedder{gate: make(chan struct{})}
	s, _ := newTestService(t, emb, &fakeGenerator{})

	var wg sync.WaitGroup
	results := make([]CacheResult, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.CacheDocument(context.Background(), Document{TabKey: "tab-1", HTML: page})
			if err != nil {
				t.Error(err)
			}
			results[i] = res
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(emb.gate)
	wg.Wait()

	if n := emb.calls.Load(); n != 1 {
		t.Errorf("EmbedAll calls = %d, want 1", n)
	}
	if results[0] != results[1] {
		t.Errorf("results differ: %+v %+v", results[0], results[1])
	}
}

func TestCacheDocumentCoalescedCallerOutlivesFirstCancel(t *testing.T) {
	emb := &fakeEmbedder{gate: make(chan struct{})}
	s, _ := newTestService(t, emb, &fakeGenerator{})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := s.CacheDocument(firstCtx, Document{TabKey: "tab-1", HTML: page})
		firstErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	secondDone := make(chan CacheResult, 1)
	go func() {
		res, err := s.CacheDocument(context.Background(), Document{TabKey: "tab-1", HTML: page})
		if err != nil {
			t.Error(err)
		}
		secondDone <- res
	}()
	time.Sleep(30 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("first caller err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first caller did not return after cancel")
	}

	close(emb.gate)
	select {
	case res := <-secondDone:
		if res.Chunks != 3 {
			t.Errorf("second caller result = %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never finished")
	}
	if n := emb.calls.Load(); n != 1 {
		t.Errorf("EmbedAll calls = %d, want 1", n)
	}
	if _, ok := s.cache.Get("tab-1"); !ok {
		t.Error("shared run did not cache the entry")
	}
}

func TestAnswerQuestion(t *testing.T) {
	gen := &fakeGenerator{text: "About ten hours [1]."}
	s, reg := newTestService(t, &fakeEmbedder{}, gen)
	cachePage(t, s, "tab-1")

	ans := s.AnswerQuestion(context.Background(), "tab-1", "How long does the battery last?")
	if !ans.Success || ans.State != StateAnswered {
		t.Fatalf("answer = %+v", ans)
	}
	if ans.Answer != "About ten hours [1]." || ans.Model != "test-model" {
		t.Errorf("answer text = %q model = %q", ans.Answer, ans.Model)
	}
	if ans.SourceLocation == nil || ans.SourceLocation.Heading != "Battery" {
		t.Errorf("location = %+v", ans.SourceLocation)
	}
	if len(ans.Sources) != 3 || ans.Sources[0].Heading != "Battery" || ans.Sources[0].Rank != 1 {
		t.Errorf("sources = %+v", ans.Sources)
	}
	// similarities 1, 0, 0 -> mean 1/3 -> 0.4
	if ans.Confidence < 0.399 || ans.Confidence > 0.401 {
		t.Errorf("confidence = %v", ans.Confidence)
	}
	if ans.ChunksUsed != 3 || ans.ChunksAvailable != 3 {
		t.Errorf("used/available = %d/%d", ans.ChunksUsed, ans.ChunksAvailable)
	}
	if !strings.Contains(ans.Prompt, "Question: How long does the battery last?") {
		t.Errorf("prompt = %q", ans.Prompt)
	}

	if len(gen.reqs) != 1 {
		t.Fatalf("generate calls = %d", len(gen.reqs))
	}
	req := gen.reqs[0]
	if req.System == "" || req.Options.Temperature != 0.3 || req.Options.MaxTokens != 512 || req.Options.ContextWindow != 4096 {
		t.Errorf("request = %+v", req)
	}
	if got := reg.Counter(`pageqa_answers_total{state="answered"}`, "").Value(); got != 1 {
		t.Errorf("answered counter = %d", got)
	}
}

func TestAnswerQuestionCitesOnlyPromptedChunks(t *testing.T) {
	opts := DefaultOptions()
	opts.PromptBudget = 80
	s := New(tabcache.New(time.Minute), chunker.New(chunker.DefaultOptions()), &fakeEmbedder{}, &fakeGenerator{err: domain.ErrGenerationUnavailable}, metrics.New(), opts, nil)
	cachePage(t, s, "tab-1")

	ans := s.AnswerQuestion(context.Background(), "tab-1", "How long does the battery last?")
	if ans.ChunksUsed != 1 || ans.ChunksAvailable != 3 {
		t.Fatalf("used/available = %d/%d", ans.ChunksUsed, ans.ChunksAvailable)
	}
	if len(ans.Sources) != 1 || ans.Sources[0].Heading != "Battery" {
		t.Errorf("sources = %+v", ans.Sources)
	}
	// Only the battery chunk (similarity 1) reached the prompt.
	if ans.Confidence != 1 {
		t.Errorf("confidence = %v, want 1", ans.Confidence)
	}
	if strings.Contains(ans.Answer, "2.") {
		t.Errorf("fallback cites unprompted excerpts: %q", ans.Answer)
	}
}

func TestAnswerQuestionFailures(t *testing.T) {
	cases := []struct {
		name     string
		emb      *fakeEmbedder
		cache    bool
		tab      string
		question string
		want     error
	}{
		{"no content", &fakeEmbedder{}, false, "tab-1", "What is the price?", domain.ErrNoContent},
		{"invalid question", &fakeEmbedder{}, true, "tab-1", "?", domain.ErrInvalidQuestion},
		{"invalid tab", &fakeEmbedder{}, true, "", "What is the price?", domain.ErrInvalidTabKey},
		{"nothing relevant", &fakeEmbedder{}, true, "tab-1", "Tell me about shipping", domain.ErrNoRelevantChunks},
		{"no embeddings", &fakeEmbedder{fail: map[string]bool{"The": true}}, true, "tab-1", "What is the price?", domain.ErrNoRelevantChunks},
		{"question embed fails", &fakeEmbedder{textErr: domain.ErrTaskTimeout}, true, "tab-1", "What is the price?", domain.ErrTaskTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gen := &fakeGenerator{text: "x"}
			s, _ := newTestService(t, tc.emb, gen)
			if tc.cache {
				cachePage(t, s, "tab-1")
			}
			ans := s.AnswerQuestion(context.Background(), tc.tab, tc.question)
			if ans.Success || ans.State != StateFailed {
				t.Fatalf("answer = %+v", ans)
			}
			if !errors.Is(ans.Err, tc.want) || ans.Error == "" {
				t.Errorf("err = %v, want %v", ans.Err, tc.want)
			}
			if len(gen.reqs) != 0 {
				t.Error("generation called on a failed question")
			}
		})
	}
}

func TestAnswerQuestionOfflineFallback(t *testing.T) {
	unavailable := fmt.Errorf("ollama: generate: %w", errors.Join(domain.ErrGenerationUnavailable, errors.New("connection refused")))
	s, _ := newTestService(t, &fakeEmbedder{}, &fakeGenerator{err: unavailable})
	cachePage(t, s, "tab-1")

	ans := s.AnswerQuestion(context.Background(), "tab-1", "What is the price?")
	if ans.Success || ans.State != StateFallback {
		t.Fatalf("answer = %+v", ans)
	}
	if !errors.Is(ans.Err, domain.ErrGenerationUnavailable) {
		t.Errorf("err = %v", ans.Err)
	}
	if !strings.Contains(ans.Answer, "unavailable") || !strings.Contains(ans.Answer, "1. Pricing: The price is 20 dollars per month.") {
		t.Errorf("fallback answer = %q", ans.Answer)
	}
	if ans.Confidence == 0 || len(ans.Sources) == 0 {
		t.Errorf("fallback lost retrieval data: %+v", ans)
	}
}

func TestAnswerQuestionEmptyGeneration(t *testing.T) {
	s, _ := newTestService(t, &fakeEmbedder{}, &fakeGenerator{text: "   "})
	cachePage(t, s, "tab-1")
	if ans := s.AnswerQuestion(context.Background(), "tab-1", "What is the price?"); ans.State != StateFallback {
		t.Fatalf("state = %s", ans.State)
	}
}

func TestClearDropsEntries(t *testing.T) {
	s, _ := newTestService(t, &fakeEmbedder{}, &fakeGenerator{text: "x"})
	cachePage(t, s, "tab-1")
	s.Clear("tab-1")
	if ans := s.AnswerQuestion(context.Background(), "tab-1", "What is the price?"); !errors.Is(ans.Err, domain.ErrNoContent) {
		t.Fatalf("after Clear: %+v", ans)
	}

	cachePage(t, s, "tab-1")
	cachePage(t, s, "tab-2")
	s.ClearAll()
	if ans := s.AnswerQuestion(context.Background(), "tab-2", "What is the price?"); !errors.Is(ans.Err, domain.ErrNoContent) {
		t.Fatalf("after ClearAll: %+v", ans)
	}
}

func TestStateTerminal(t *testing.T) {
	for _, st := range []State{StateAnswered, StateFallback, StateFailed} {
		if !st.Terminal() {
			t.Errorf("%s not terminal", st)
		}
	}
	for _, st := range []State{StateEmbeddingQuestion, StateSearching, StateContextAssembled, StateGenerating} {
		if st.Terminal() {
			t.Errorf("%s terminal", st)
		}
	}
}

func TestConfidence(t *testing.T) {
	cases := []struct {
		sims []float64
		want float64
	}{
		{nil, 0},
		{[]float64{0.5}, 0.6},
		{[]float64{0.9, 0.95}, 1},
		{[]float64{-0.4, 0.1}, 0},
	}
	for _, tc := range cases {
		results := make([]domain.SearchResult, len(tc.sims))
		for i, s := range tc.sims {
			results[i].Similarity = s
		}
		if got := confidence(results); got < tc.want-1e-9 || got > tc.want+1e-9 {
			t.Errorf("confidence(%v) = %v, want %v", tc.sims, got, tc.want)
		}
	}
}
