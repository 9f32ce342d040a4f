// Package domain defines the core types shared by the page question-answering
// engine: extracted documents, their sections, retrieval chunks and search hits.
package domain

import "time"

// Component types for chunks that must never be split.
const (
	ComponentTable = "table"
	ComponentForm  = "form"
)

// Heading is a document heading in reading order.
type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

// Section is a structural unit of an extracted document. StartIndex and
// EndIndex are character offsets into DocumentContent.ExtractedText, -1 when
// the section text could not be located.
type Section struct {
	ID         string `json:"id"`
	Heading    string `json:"heading"`
	Level      int    `json:"level"`
	StartIndex int    `json:"start_index"`
	EndIndex   int    `json:"end_index"`
	Content    string `json:"content"`
	DOMPath    string `json:"dom_path,omitempty"`

	// ComponentType marks an atomic block (table, form).
	ComponentType string     `json:"component_type,omitempty"`
	ComponentData [][]string `json:"component_data,omitempty"`
}

// Atomic reports whether the section is a component block that is chunked whole.
func (s Section) Atomic() bool { return s.ComponentType != "" }

// Structure holds the structural view of a document.
type Structure struct {
	Sections []Section `json:"sections"`
	Headings []Heading `json:"headings"`
}

// DocumentMetadata carries derived document facts.
type DocumentMetadata struct {
	WordCount   int       `json:"word_count"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// DocumentContent is an immutable snapshot of the page being asked about.
type DocumentContent struct {
	URL           string           `json:"url"`
	Title         string           `json:"title"`
	ExtractedText string           `json:"extracted_text"`
	Structure     Structure        `json:"structure"`
	Metadata      DocumentMetadata `json:"metadata"`
}

// SurroundingContext holds short previews of a chunk's neighbours.
type SurroundingContext struct {
	PreviousPreview string `json:"previous_preview,omitempty"`
	NextPreview     string `json:"next_preview,omitempty"`
}

// ChunkMetadata locates a chunk within its document.
type ChunkMetadata struct {
	SectionID string `json:"section_id"`
	Heading   string `json:"heading"`
	Position  int    `json:"position"`
	WordCount int    `json:"word_count"`
	DOMPath   string `json:"dom_path,omitempty"`
	// OverlapWords is how many leading words repeat the tail of the previous chunk.
	OverlapWords int                `json:"overlap_words,omitempty"`
	Surrounding  SurroundingContext `json:"surrounding_context"`
}

// ContentChunk is the smallest retrieval unit. Chunks are not modified after
// the chunker returns them; their order in a chunk list is significant.
type ContentChunk struct {
	ID            string         `json:"id"`
	Content       string         `json:"content"`
	Metadata      ChunkMetadata  `json:"metadata"`
	ComponentType string         `json:"component_type,omitempty"`
	ComponentData [][]string     `json:"component_data,omitempty"`
	NestedChunks  []ContentChunk `json:"nested_chunks,omitempty"`
}

// Atomic reports whether the chunk is a component block exempt from the size bound.
func (c ContentChunk) Atomic() bool { return c.ComponentType != "" }

// Embedding is a fixed-length vector for a chunk or question.
type Embedding []float32

// SearchResult is a ranked chunk for one question.
type SearchResult struct {
	Chunk      ContentChunk `json:"chunk"`
	Similarity float64      `json:"similarity"`
	Rank       int          `json:"rank"`
}
