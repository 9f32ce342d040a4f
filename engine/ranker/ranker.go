// Package ranker scores cached chunk embeddings against a question vector.
package ranker

import (
	"math"
	"regexp"
	"slices"
	"strings"

	"github.com/WessleyAI/pageqa/engine/domain"
)

// Candidate is a chunk with its embedding, in document order.
type Candidate struct {
	Chunk     domain.ContentChunk
	Embedding domain.Embedding
}

// Rank returns up to topK candidates ordered by descending cosine similarity.
// Equal scores keep document order. Candidates with a zero vector or a
// dimension different from query are skipped. topK <= 0 returns every
// scorable candidate.
func Rank(query domain.Embedding, candidates []Candidate, topK int) []domain.SearchResult {
	qn := norm(query)
	if qn == 0 || len(candidates) == 0 {
		return nil
	}
	results := make([]domain.SearchResult, 0, len(candidates))
	for _, c := range candidates {
		if len(c.Embedding) != len(query) {
			continue
		}
		cn := norm(c.Embedding)
		if cn == 0 {
			continue
		}
		results = append(results, domain.SearchResult{
			Chunk:      c.Chunk,
			Similarity: dot(query, c.Embedding) / (qn * cn),
		})
	}
	slices.SortStableFunc(results, func(a, b domain.SearchResult) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		}
		return 0
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	for i := range results {
		results[i].Rank = i + 1
	}
	return results
}

// Cosine returns the cosine similarity of a and b, or 0 when undefined.
func Cosine(a, b domain.Embedding) float64 {
	if len(a) != len(b) {
		return 0
	}
	na, nb := norm(a), norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return dot(a, b) / (na * nb)
}

func dot(a, b domain.Embedding) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func norm(v domain.Embedding) float64 {
	return math.Sqrt(dot(v, v))
}

// QuestionKind is a coarse classification used to size retrieval.
type QuestionKind string

const (
	KindNumeric    QuestionKind = "numeric"
	KindComparison QuestionKind = "comparison"
	KindNarrative  QuestionKind = "narrative"
)

// TopK for each question kind.
const (
	TopKNumeric    = 8
	TopKComparison = 6
	TopKNarrative  = 4
)

var (
	digitRe   = regexp.MustCompile(`\d`)
	numericRe = regexp.MustCompile(`\b(how (many|much|long|old|often|far)|percent(age)?|average|mean|median|total|sum|count|number of|rate|ratio|statistics?|figures?|price|cost|amount|minimum|maximum|highest|lowest)\b`)
	compareRe = regexp.MustCompile(`\b(compare|comparison|versus|vs\.?|differences?|differ|similarit(y|ies)|list|enumerate|steps|which (ones|of)|pros and cons|advantages|disadvantages)\b`)
)

// Classify labels a question by the kind of evidence it needs.
func Classify(question string) QuestionKind {
	q := strings.ToLower(question)
	switch {
	case digitRe.MatchString(q) || numericRe.MatchString(q):
		return KindNumeric
	case compareRe.MatchString(q):
		return KindComparison
	}
	return KindNarrative
}

// TopK returns how many chunks to retrieve for question.
func TopK(question string) int {
	switch Classify(question) {
	case KindNumeric:
		return TopKNumeric
	case KindComparison:
		return TopKComparison
	}
	return TopKNarrative
}
