package ranker

import (
	"math"
	"testing"

	"github.com/WessleyAI/pageqa/engine/domain"
)

func cand(id string, v ...float32) Candidate {
	return Candidate{Chunk: domain.ContentChunk{ID: id}, Embedding: v}
}

func ids(rs []domain.SearchResult) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Chunk.ID
	}
	return out
}

func TestRankOrdersBySimilarity(t *testing.T) {
	cands := []Candidate{
		cand("a", 0, 1),
		cand("b", 1, 0),
		cand("c", 1, 1),
	}
	got := Rank(domain.Embedding{1, 0}, cands, 0)
	want := []string{"b", "c", "a"}
	if len(got) != 3 {
		t.Fatalf("got %v", ids(got))
	}
	for i := range want {
		if got[i].Chunk.ID != want[i] || got[i].Rank != i+1 {
			t.Fatalf("order = %v, want %v", ids(got), want)
		}
	}
	if math.Abs(got[0].Similarity-1) > 1e-9 || math.Abs(got[1].Similarity-1/math.Sqrt2) > 1e-6 {
		t.Errorf("similarities = %v %v", got[0].Similarity, got[1].Similarity)
	}
}

func TestRankTiesKeepChunkOrder(t *testing.T) {
	cands := []Candidate{
		cand("first", 2, 0),
		cand("second", 1, 0),
		cand("third", 5, 0),
		cand("other", 0, 1),
	}
	for i := 0; i < 20; i++ {
		got := ids(Rank(domain.Embedding{3, 0}, cands, 3))
		if got[0] != "first" || got[1] != "second" || got[2] != "third" {
			t.Fatalf("run %d: %v", i, got)
		}
	}
}

func TestRankTopK(t *testing.T) {
	cands := []Candidate{cand("a", 1, 0), cand("b", 0.9, 0.1), cand("c", 0, 1)}
	if got := Rank(domain.Embedding{1, 0}, cands, 2); len(got) != 2 {
		t.Fatalf("len = %d", len(got))
	}
}

func TestRankDegenerate(t *testing.T) {
	if got := Rank(domain.Embedding{1, 0}, nil, 4); len(got) != 0 {
		t.Errorf("empty candidates: %v", got)
	}
	if got := Rank(domain.Embedding{0, 0}, []Candidate{cand("a", 1, 0)}, 4); len(got) != 0 {
		t.Errorf("zero query: %v", got)
	}
	got := Rank(domain.Embedding{1, 0}, []Candidate{cand("zero", 0, 0), cand("short", 1), cand("ok", 1, 0)}, 4)
	if len(got) != 1 || got[0].Chunk.ID != "ok" {
		t.Errorf("skipping: %v", ids(got))
	}
}

func TestCosine(t *testing.T) {
	if c := Cosine(domain.Embedding{1, 0}, domain.Embedding{-1, 0}); c != -1 {
		t.Errorf("opposite = %v", c)
	}
	if c := Cosine(domain.Embedding{1}, domain.Embedding{1, 0}); c != 0 {
		t.Errorf("mismatch = %v", c)
	}
	if c := Cosine(domain.Embedding{0, 0}, domain.Embedding{1, 0}); c != 0 {
		t.Errorf("zero = %v", c)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		q    string
		want QuestionKind
		topK int
	}{
		{"How many employees were hired in 2023?", KindNumeric, 8},
		{"What is the average response time", KindNumeric, 8},
		{"what percentage of users opted in", KindNumeric, 8},
		{"Compare the two pricing plans", KindComparison, 6},
		{"What are the differences between plan A and plan B?", KindComparison, 6},
		{"List the installation steps", KindComparison, 6},
		{"Why did the author leave the company?", KindNarrative, 4},
		{"Summarize this article", KindNarrative, 4},
	}
	for _, tt := range tests {
		if got := Classify(tt.q); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.q, got, tt.want)
		}
		if got := TopK(tt.q); got != tt.topK {
			t.Errorf("TopK(%q) = %d, want %d", tt.q, got, tt.topK)
		}
	}
}
