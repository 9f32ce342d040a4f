// Package tabcache holds the per-tab retrieval state: the extracted document,
// its chunks and their embeddings. Entries expire after a TTL and are evicted
// lazily on read.
package tabcache

import (
	"sync"
	"time"

	"github.com/WessleyAI/pageqa/engine/domain"
)

// DefaultTTL is how long a cached tab stays valid.
const DefaultTTL = 30 * time.Minute

// Entry is one cached document. Entries are replaced whole and never mutated
// after Put.
type Entry struct {
	Document   domain.DocumentContent
	Chunks     []domain.ContentChunk
	Embeddings map[string]domain.Embedding // chunk id -> vector
	CachedAt   time.Time
}

// Embedded returns the chunks that have an embedding, in chunk order.
func (e *Entry) Embedded() ([]domain.ContentChunk, []domain.Embedding) {
	chunks := make([]domain.ContentChunk, 0, len(e.Embeddings))
	vecs := make([]domain.Embedding, 0, len(e.Embeddings))
	for _, c := range e.Chunks {
		if v, ok := e.Embeddings[c.ID]; ok {
			chunks = append(chunks, c)
			vecs = append(vecs, v)
		}
	}
	return chunks, vecs
}

// Cache maps tab keys to entries.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*Entry
	now     func() time.Time // for testing
}

// New creates a cache. A non-positive ttl selects DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// TTL returns the configured time-to-live.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Put replaces any entry for key.
func (c *Cache) Put(key string, doc domain.DocumentContent, chunks []domain.ContentChunk, embeddings map[string]domain.Embedding) *Entry {
	e := &Entry{
		Document:   doc,
		Chunks:     chunks,
		Embeddings: embeddings,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e.CachedAt = c.now()
	c.entries[key] = e
	return e
}

// Get returns the entry for key. An entry older than the TTL is removed and
// reported as a miss.
func (c *Cache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.CachedAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e, true
}

// Clear removes one entry.
func (c *Cache) Clear(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// ClearAll removes every entry.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
