package knowledge

import "strings"

// Default chunking bounds, in characters.
const (
	DefaultChunkSize    = 512
	DefaultChunkOverlap = 50
)

// Chunk is one slice of a document.
type Chunk struct {
	Index   int
	Content string
}

// ChunkDocument splits content into sentence-aligned chunks of at most size
// characters, with consecutive chunks sharing up to overlap characters of
// trailing context. A single sentence longer than size becomes its own
// oversized chunk rather than being cut mid-sentence.
func ChunkDocument(content string, size, overlap int) []Chunk {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
	}

	sentences := splitSentences(content)
	if len(sentences) == 0 {
		return nil
	}

	var chunks []Chunk
	var cur []string
	curLen := 0

	flush := func() {
		if curLen == 0 {
			return
		}
		chunks = append(chunks, Chunk{
			Index:   len(chunks),
			Content: strings.Join(cur, " "),
		})
		// Carry trailing sentences into the next chunk as overlap.
		var carry []string
		carryLen := 0
		for i := len(cur) - 1; i >= 0; i-- {
			if carryLen+len(cur[i]) > overlap {
				break
			}
			carry = append([]string{cur[i]}, carry...)
			carryLen += len(cur[i])
		}
		cur, curLen = carry, carryLen
	}

	for _, s := range sentences {
		if curLen > 0 && curLen+len(s) > size {
			flush()
		}
		cur = append(cur, s)
		curLen += len(s)
	}
	flush()
	return chunks
}

// splitSentences cuts text on sentence terminators and newlines. Terminators
// inside a word (like "v1.2") do not end a sentence.
func splitSentences(content string) []string {
	var out []string
	var b strings.Builder

	emit := func() {
		if s := strings.TrimSpace(b.String()); s != "" {
			out = append(out, s)
		}
		b.Reset()
	}

	runes := []rune(strings.TrimSpace(content))
	for i, r := range runes {
		b.WriteRune(r)
		switch r {
		case '\n':
			emit()
		case '.', '!', '?':
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				emit()
			}
		}
	}
	emit()
	return out
}
