package rag

import (
	"fmt"
	"slices"
	"strings"

	"github.com/WessleyAI/pageqa/engine/domain"
)

const promptPreamble = `Use the numbered excerpts from the current page to answer the question.
Excerpts are ordered by relevance. Do not use outside knowledge.`

// prompt is an assembled generation prompt.
type prompt struct {
	Text string
	// Used counts the primary excerpts included; they are always a prefix of
	// the ranked results.
	Used      int
	Available int
	// Surrounding counts neighbouring chunks included after the primaries.
	Surrounding int
}

// buildPrompt appends primaries in rank order until the next one would push
// the excerpt block past budget characters. Neighbouring chunks are added
// only when every primary fit and the whole neighbour block fits as well.
func buildPrompt(question string, primaries []domain.SearchResult, around []domain.ContentChunk, budget int) prompt {
	p := prompt{Available: len(primaries)}

	var excerpts strings.Builder
	for _, r := range primaries {
		block := excerpt(p.Used+1, r.Chunk)
		if excerpts.Len()+len(block) > budget {
			break
		}
		excerpts.WriteString(block)
		p.Used++
	}

	if p.Used == len(primaries) && len(around) > 0 {
		var extra strings.Builder
		extra.WriteString("Surrounding context:\n\n")
		for _, c := range around {
			extra.WriteString(contextBlock(c))
		}
		if excerpts.Len()+extra.Len() <= budget {
			excerpts.WriteString(extra.String())
			p.Surrounding = len(around)
		}
	}

	var b strings.Builder
	b.WriteString(promptPreamble)
	b.WriteString("\n\n")
	b.WriteString(excerpts.String())
	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\nAnswer:")
	p.Text = b.String()
	return p
}

func excerpt(n int, c domain.ContentChunk) string {
	if h := c.Metadata.Heading; h != "" {
		return fmt.Sprintf("[%d] (%s)\n%s\n\n", n, h, c.Content)
	}
	return fmt.Sprintf("[%d]\n%s\n\n", n, c.Content)
}

func contextBlock(c domain.ContentChunk) string {
	if h := c.Metadata.Heading; h != "" {
		return fmt.Sprintf("(%s)\n%s\n\n", h, c.Content)
	}
	return c.Content + "\n\n"
}

// surrounding returns up to perPrimary neighbours of each primary, nearest
// first, skipping primaries and duplicates. The result is in document order.
func surrounding(all []domain.ContentChunk, primaries []domain.SearchResult, perPrimary int) []domain.ContentChunk {
	if perPrimary <= 0 || len(all) == 0 {
		return nil
	}
	index := make(map[string]int, len(all))
	for i, c := range all {
		index[c.ID] = i
	}
	taken := make(map[int]bool, len(primaries))
	for _, r := range primaries {
		if i, ok := index[r.Chunk.ID]; ok {
			taken[i] = true
		}
	}

	var picked []int
	for _, r := range primaries {
		i, ok := index[r.Chunk.ID]
		if !ok {
			continue
		}
		added := 0
		for d := 1; added < perPrimary && (i-d >= 0 || i+d < len(all)); d++ {
			for _, j := range []int{i - d, i + d} {
				if added == perPrimary || j < 0 || j >= len(all) || taken[j] {
					continue
				}
				taken[j] = true
				picked = append(picked, j)
				added++
			}
		}
	}
	slices.Sort(picked)
	out := make([]domain.ContentChunk, len(picked))
	for k, j := range picked {
		out[k] = all[j]
	}
	return out
}

// fallbackAnswer renders an answer from excerpts alone.
func fallbackAnswer(results []domain.SearchResult, maxChars int) string {
	var b strings.Builder
	b.WriteString("Answer generation is unavailable right now. The most relevant excerpts from this page are:")
	for i, r := range results {
		text := strings.Join(strings.Fields(r.Chunk.Content), " ")
		if rs := []rune(text); len(rs) > maxChars {
			text = strings.TrimSpace(string(rs[:maxChars])) + "..."
		}
		b.WriteString("\n")
		if h := r.Chunk.Metadata.Heading; h != "" {
			fmt.Fprintf(&b, "%d. %s: %s", i+1, h, text)
		} else {
			fmt.Fprintf(&b, "%d. %s", i+1, text)
		}
	}
	return b.String()
}
