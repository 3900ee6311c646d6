package knowledge

import (
	"strings"
	"testing"
)

func TestChunkDocumentEmpty(t *testing.T) {
	for _, content := range []string{"", "   ", "\n\n"} {
		if got := ChunkDocument(content, 100, 10); got != nil {
			t.Errorf("ChunkDocument(%q) = %v, want nil", content, got)
		}
	}
}

func TestChunkDocumentShortContentSingleChunk(t *testing.T) {
	chunks := ChunkDocument("Refunds take three business days.", 512, 50)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Index != 0 || chunks[0].Content != "Refunds take three business days." {
		t.Errorf("chunk = %+v", chunks[0])
	}
}

func TestChunkDocumentSentenceAlignedWithOverlap(t *testing.T) {
	content := "Alpha beta gamma. Delta epsilon zeta. Eta theta iota."
	chunks := ChunkDocument(content, 40, 20)

	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2: %+v", len(chunks), chunks)
	}
	if chunks[0].Content != "Alpha beta gamma. Delta epsilon zeta." {
		t.Errorf("chunk 0 = %q", chunks[0].Content)
	}
	// The second chunk re-opens with the first chunk's trailing sentence.
	if chunks[1].Content != "Delta epsilon zeta. Eta theta iota." {
		t.Errorf("chunk 1 = %q", chunks[1].Content)
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d has index %d", i, c.Index)
		}
	}
}

func TestChunkDocumentOversizedSentenceKeptWhole(t *testing.T) {
	long := strings.Repeat("word ", 30) + "end."
	chunks := ChunkDocument("Short one. "+long, 40, 0)

	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2: %+v", len(chunks), chunks)
	}
	if !strings.HasSuffix(chunks[1].Content, "end.") {
		t.Errorf("long sentence was cut: %q", chunks[1].Content)
	}
}

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{
			name:    "terminators and newlines",
			content: "First one. Second one!\nThird line\nFourth?",
			want:    []string{"First one.", "Second one!", "Third line", "Fourth?"},
		},
		{
			name:    "dot inside a word does not split",
			content: "Upgrade to v1.2 first. Then restart.",
			want:    []string{"Upgrade to v1.2 first.", "Then restart."},
		},
		{
			name:    "no terminator",
			content: "just a fragment",
			want:    []string{"just a fragment"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitSentences(tt.content)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d sentences %v, want %v", len(got), got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("sentence %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
