// Package knowledge is the agent's retrieval collaborator: support documents
// are chunked sentence-wise, embedded and held in memory; the pipeline asks
// for the closest chunks to a visitor message before drafting a reply.
package knowledge

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
)

// Snippet is one retrieved chunk with its similarity score.
type Snippet struct {
	Content string
	Score   float64
}

type indexedChunk struct {
	content string
	vector  []float32
}

type indexedDoc struct {
	websiteID string
	chunks    []indexedChunk
}

// Index stores embedded document chunks per website. Safe for concurrent
// use; the embedder is called outside the lock.
type Index struct {
	embedder     Embedder
	chunkSize    int
	chunkOverlap int

	mu   sync.RWMutex
	docs map[string]indexedDoc
}

// NewIndex creates an index; non-positive bounds fall back to the defaults.
func NewIndex(e Embedder, chunkSize, chunkOverlap int) *Index {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = DefaultChunkOverlap
	}
	return &Index{
		embedder:     e,
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
		docs:         make(map[string]indexedDoc),
	}
}

// UpsertDocument chunks and embeds content, replacing any prior version of
// the document. Empty content removes the document. It returns the number of
// chunks stored.
func (ix *Index) UpsertDocument(ctx context.Context, websiteID, docID, content string) (int, error) {
	chunks := ChunkDocument(content, ix.chunkSize, ix.chunkOverlap)
	if len(chunks) == 0 {
		ix.mu.Lock()
		delete(ix.docs, docID)
		ix.mu.Unlock()
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := ix.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, err
	}

	doc := indexedDoc{websiteID: websiteID, chunks: make([]indexedChunk, len(chunks))}
	for i := range chunks {
		doc.chunks[i] = indexedChunk{content: chunks[i].Content, vector: vectors[i]}
	}
	ix.mu.Lock()
	ix.docs[docID] = doc
	ix.mu.Unlock()
	return len(chunks), nil
}

// Search returns up to limit chunks from the website's documents, highest
// cosine similarity first. An empty index or query returns nothing without
// calling the embedder.
func (ix *Index) Search(ctx context.Context, websiteID, query string, limit int) ([]Snippet, error) {
	if limit <= 0 {
		limit = 3
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	ix.mu.RLock()
	empty := len(ix.docs) == 0
	ix.mu.RUnlock()
	if empty {
		return nil, nil
	}

	vectors, err := ix.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	qv := vectors[0]

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []Snippet
	for _, doc := range ix.docs {
		if doc.websiteID != websiteID {
			continue
		}
		for _, c := range doc.chunks {
			out = append(out, Snippet{Content: c.content, Score: cosine(qv, c.vector)})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
