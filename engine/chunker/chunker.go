// Package chunker splits an extracted document into bounded retrieval chunks.
//
// Sections are chunked independently. A section that fits the word and
// character bounds becomes one chunk; larger sections are packed paragraph by
// paragraph, and each new chunk repeats the tail of the previous one so that
// context survives the cut. Atomic component blocks (tables, forms) are never
// split and never carry overlap.
package chunker

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/WessleyAI/pageqa/engine/domain"
	"github.com/google/uuid"
)

const (
	// DefaultMaxChars bounds the length of every non-atomic chunk.
	DefaultMaxChars = 800
	// DefaultMaxWords is the upper end of the target chunk size.
	DefaultMaxWords = 200
	// DefaultOverlapWords is the number of words carried into the next chunk.
	DefaultOverlapWords = 50
	// DefaultPreviewChars is the length of neighbour previews.
	DefaultPreviewChars = 100
)

const paragraphSep = "\n\n"

// Options configures chunk bounds.
type Options struct {
	MaxChars     int
	MaxWords     int
	OverlapWords int
	PreviewChars int
}

// DefaultOptions returns the standard bounds.
func DefaultOptions() Options {
	return Options{
		MaxChars:     DefaultMaxChars,
		MaxWords:     DefaultMaxWords,
		OverlapWords: DefaultOverlapWords,
		PreviewChars: DefaultPreviewChars,
	}
}

// Chunker is stateless and safe for concurrent use.
type Chunker struct {
	opts Options
}

// New creates a Chunker, replacing invalid bounds with defaults.
func New(opts Options) *Chunker {
	d := DefaultOptions()
	if opts.MaxChars <= 0 {
		opts.MaxChars = d.MaxChars
	}
	if opts.MaxWords <= 0 {
		opts.MaxWords = d.MaxWords
	}
	if opts.OverlapWords < 0 {
		opts.OverlapWords = 0
	}
	if opts.OverlapWords >= opts.MaxWords {
		opts.OverlapWords = opts.MaxWords / 4
	}
	if opts.PreviewChars <= 0 {
		opts.PreviewChars = d.PreviewChars
	}
	return &Chunker{opts: opts}
}

// Options returns the effective bounds.
func (c *Chunker) Options() Options { return c.opts }

// piece is a chunk before ids, positions and previews are assigned.
type piece struct {
	text          string
	section       domain.Section
	overlapWords  int
	componentType string
	componentData [][]string
}

// Chunk splits doc into ordered chunks. Any document with non-blank text
// yields at least one chunk.
func (c *Chunker) Chunk(doc domain.DocumentContent) []domain.ContentChunk {
	var pieces []piece
	for _, sec := range doc.Structure.Sections {
		pieces = append(pieces, c.chunkSection(sec)...)
	}

	if len(pieces) == 0 && strings.TrimSpace(doc.ExtractedText) != "" {
		pieces = c.splitSection(wholeText(doc))
		if len(pieces) == 0 {
			pieces = []piece{{text: strings.TrimSpace(doc.ExtractedText), section: wholeText(doc)}}
		}
	}
	return c.finalize(doc, pieces)
}

// wholeText is the pseudo-section used when no structure was extracted.
func wholeText(doc domain.DocumentContent) domain.Section {
	return domain.Section{
		ID:         "section-0",
		Heading:    doc.Title,
		Level:      1,
		StartIndex: 0,
		EndIndex:   utf8.RuneCountInString(doc.ExtractedText),
		Content:    doc.ExtractedText,
	}
}

func (c *Chunker) chunkSection(sec domain.Section) []piece {
	text := strings.TrimSpace(sec.Content)
	if text == "" {
		return nil
	}
	if sec.Atomic() {
		return []piece{{
			text:          text,
			section:       sec,
			componentType: sec.ComponentType,
			componentData: sec.ComponentData,
		}}
	}
	if c.fits(text) && !containsTable(text) {
		return []piece{{text: text, section: sec}}
	}
	return c.splitSection(sec)
}

// splitSection packs paragraphs into chunks. A new chunk is seeded with the
// overlap tail of the chunk just closed, trimmed so the seed plus the next
// paragraph still fits.
func (c *Chunker) splitSection(sec domain.Section) []piece {
	var (
		out     []piece
		cur     string
		overlap int
		fresh   bool // cur holds words beyond the overlap seed
	)

	flush := func() {
		if fresh && cur != "" {
			out = append(out, piece{text: cur, section: sec, overlapWords: overlap})
		}
		cur, overlap, fresh = "", 0, false
	}

	for _, para := range splitParagraphs(sec.Content) {
		if isTable(para) {
			flush()
			out = append(out, piece{
				text:          para,
				section:       sec,
				componentType: domain.ComponentTable,
				componentData: parseTable(para),
			})
			continue
		}

		if !c.fits(para) {
			flush()
			parts := c.splitOversized(para)
			for _, p := range parts {
				out = append(out, piece{text: p, section: sec})
			}
			if len(parts) > 0 {
				cur = c.seed(parts[len(parts)-1], "")
				overlap = domain.WordCount(cur)
			}
			continue
		}

		if cur == "" {
			cur, fresh = para, true
			continue
		}

		candidate := cur + paragraphSep + para
		if c.fits(candidate) {
			cur, fresh = candidate, true
			continue
		}

		closed := cur
		if fresh {
			out = append(out, piece{text: closed, section: sec, overlapWords: overlap})
		}
		tail := c.seed(closed, para)
		overlap = domain.WordCount(tail)
		if tail == "" {
			cur = para
		} else {
			cur = tail + paragraphSep + para
		}
		fresh = true
	}
	flush()
	return out
}

// seed returns up to OverlapWords trailing words of closed, shortened until
// seed plus next fits the bounds.
func (c *Chunker) seed(closed, next string) string {
	words := strings.Fields(closed)
	n := c.opts.OverlapWords
	if n > len(words) {
		n = len(words)
	}
	tail := words[len(words)-n:]
	for len(tail) > 0 {
		s := strings.Join(tail, " ")
		if next == "" {
			if c.fits(s) {
				return s
			}
		} else if c.fits(s + paragraphSep + next) {
			return s
		}
		tail = tail[1:]
	}
	return ""
}

// splitOversized breaks a single paragraph at sentence boundaries, falling
// back to word boundaries for sentences that are still too long.
func (c *Chunker) splitOversized(para string) []string {
	var (
		out []string
		cur string
	)
	for _, sent := range splitSentences(para) {
		if !c.fits(sent) {
			if cur != "" {
				out = append(out, cur)
				cur = ""
			}
			out = append(out, c.splitWords(sent)...)
			continue
		}
		if cur == "" {
			cur = sent
			continue
		}
		if candidate := cur + " " + sent; c.fits(candidate) {
			cur = candidate
			continue
		}
		out = append(out, cur)
		cur = sent
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

// splitWords packs words greedily. A single word longer than MaxChars is cut
// at rune boundaries.
func (c *Chunker) splitWords(text string) []string {
	var (
		out   []string
		cur   []string
		chars int
	)
	for _, w := range strings.Fields(text) {
		wl := utf8.RuneCountInString(w)
		if wl > c.opts.MaxChars {
			if len(cur) > 0 {
				out = append(out, strings.Join(cur, " "))
				cur, chars = nil, 0
			}
			out = append(out, cutRunes(w, c.opts.MaxChars)...)
			continue
		}
		extra := wl
		if len(cur) > 0 {
			extra++
		}
		if len(cur) > 0 && (chars+extra > c.opts.MaxChars || len(cur)+1 > c.opts.MaxWords) {
			out = append(out, strings.Join(cur, " "))
			cur, chars, extra = nil, 0, wl
		}
		cur = append(cur, w)
		chars += extra
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, " "))
	}
	return out
}

func (c *Chunker) fits(text string) bool {
	return utf8.RuneCountInString(text) <= c.opts.MaxChars && domain.WordCount(text) <= c.opts.MaxWords
}

// finalize assigns ids and positions and annotates neighbour previews.
func (c *Chunker) finalize(doc domain.DocumentContent, pieces []piece) []domain.ContentChunk {
	chunks := make([]domain.ContentChunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = domain.ContentChunk{
			ID:      chunkID(doc.URL, i),
			Content: p.text,
			Metadata: domain.ChunkMetadata{
				SectionID:    p.section.ID,
				Heading:      p.section.Heading,
				Position:     i,
				WordCount:    domain.WordCount(p.text),
				DOMPath:      p.section.DOMPath,
				OverlapWords: p.overlapWords,
			},
			ComponentType: p.componentType,
			ComponentData: p.componentData,
		}
	}
	for i := range chunks {
		if i > 0 {
			chunks[i].Metadata.Surrounding.PreviousPreview = tailPreview(chunks[i-1].Content, c.opts.PreviewChars)
		}
		if i < len(chunks)-1 {
			chunks[i].Metadata.Surrounding.NextPreview = headPreview(chunks[i+1].Content, c.opts.PreviewChars)
		}
	}
	return chunks
}

// chunkID is deterministic for a document URL and position.
func chunkID(url string, position int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s#chunk-%d", url, position))).String()
}

func headPreview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "..."
}

func tailPreview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return "..." + strings.TrimSpace(string(r[len(r)-n:]))
}
