package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitShortTextProducesSingleChunk(t *testing.T) {
	chunks := Split("short content", DefaultWindow, DefaultOverlap)
	require.Len(t, chunks, 1)
	assert.Equal(t, "short content", chunks[0].Content)
	assert.Equal(t, 0, chunks[0].Start)
}

func TestSplitEmptyTextProducesNoChunks(t *testing.T) {
	assert.Empty(t, Split("", DefaultWindow, DefaultOverlap))
}

func TestSplitLongTextOverlapsAndCoversWholeRange(t *testing.T) {
	window, overlap := 100, 10
	text := strings.Repeat("a", 350)

	chunks := Split(text, window, overlap)
	require.True(t, len(chunks) > 1)

	assert.Equal(t, 0, chunks[0].Start)
	last := chunks[len(chunks)-1]
	assert.Equal(t, len(text), last.End)

	for i := 0; i < len(chunks)-1; i++ {
		cur, next := chunks[i], chunks[i+1]
		assert.True(t, cur.End > next.Start, "consecutive chunks must overlap")
		overlapLen := cur.End - next.Start
		remaining := len(text) - next.Start
		minExpected := overlap
		if remaining < minExpected {
			minExpected = remaining
		}
		assert.GreaterOrEqual(t, overlapLen, minExpected)
	}

	for _, c := range chunks {
		assert.LessOrEqual(t, c.End-c.Start, window+2*overlap)
	}
}

// TestSplitJustOverWindowProducesTwoChunks pins spec.md §4.2's
// boundary case: a body one rune longer than window produces two chunks
// ([0,L] and [W-O,L]) because the second window's left-center, W, still
// falls inside the text, even though the first chunk's clamped right edge
// already reaches L.
func TestSplitJustOverWindowProducesTwoChunks(t *testing.T) {
	window, overlap := DefaultWindow, DefaultOverlap
	text := strings.Repeat("a", window+1)

	chunks := Split(text, window, overlap)
	require.Len(t, chunks, 2)

	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, len(text), chunks[0].End)

	assert.Equal(t, window-overlap, chunks[1].Start)
	assert.Equal(t, len(text), chunks[1].End)
}

func TestSplitIsDeterministic(t *testing.T) {
	text := strings.Repeat("xyz ", 5000)
	a := Split(text, DefaultWindow, DefaultOverlap)
	b := Split(text, DefaultWindow, DefaultOverlap)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].ContentHash, b[i].ContentHash)
	}
}
