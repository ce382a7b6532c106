// Package chunker implements the Chunker (spec.md §4.2): a deterministic
// sliding-window split over a symbol's or file's text, used whenever the
// Parser Façade didn't already carve out a symbol boundary, or the
// boundary it found is wider than the configured window.
package chunker

import "github.com/robomonkey/core/internal/parser"

const (
	// DefaultWindow is W, the chunk size in characters.
	DefaultWindow = 7000
	// DefaultOverlap is O, the overlap in characters between consecutive
	// chunks.
	DefaultOverlap = 500
)

// Span is one chunk's byte offsets into the original text.
type Span struct {
	Start, End int
}

// Chunk is one materialized chunk of text plus its position.
type Chunk struct {
	Content     string
	Start       int
	End         int
	ContentHash string
}

// Split implements the sliding-window algorithm: chunk k covers
// [max(0, k*W-O), min(L, k*W+W+O)). A text no longer than window produces
// exactly one chunk covering the whole text.
func Split(text string, window, overlap int) []Chunk {
	if window <= 0 {
		window = DefaultWindow
	}
	if overlap < 0 {
		overlap = DefaultOverlap
	}
	runes := []rune(text)
	l := len(runes)
	if l == 0 {
		return nil
	}
	if l <= window {
		return []Chunk{newChunk(runes, 0, l)}
	}

	var chunks []Chunk
	// A window exists as long as its left-center k*window still falls
	// inside the text; the clamped right edge reaching l does not mean
	// the next window's center is out of range (spec.md §4.2 boundary
	// case: a (window, window+overlap] length still produces two chunks).
	for k := 0; k*window < l; k++ {
		start := k*window - overlap
		if start < 0 {
			start = 0
		}
		end := k*window + window + overlap
		if end > l {
			end = l
		}
		chunks = append(chunks, newChunk(runes, start, end))
	}
	return chunks
}

func newChunk(runes []rune, start, end int) Chunk {
	content := string(runes[start:end])
	return Chunk{
		Content:     content,
		Start:       start,
		End:         end,
		ContentHash: parser.ContentHash(content),
	}
}
