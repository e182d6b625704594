package pipeline

import (
	"strings"
	"testing"

	"github.com/siherrmann/retriever/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIngestConfig(size int, overlap int) *model.IngestConfig {
	return &model.IngestConfig{
		ChunkSize:      size,
		ChunkOverlap:   overlap,
		EmbeddingModel: "text-embedding-3-small",
	}
}

func TestWindowChunker(t *testing.T) {
	t.Run("Short text produces a single chunk", func(t *testing.T) {
		chunker := WindowChunker(testIngestConfig(100, 10))

		windows, err := chunker("This fits into one chunk.")
		require.NoError(t, err)
		require.Len(t, windows, 1)
		assert.Equal(t, "This fits into one chunk.", windows[0].Content)
		assert.Equal(t, 0, windows[0].Index)
	})

	t.Run("Empty text still produces one chunk", func(t *testing.T) {
		chunker := WindowChunker(testIngestConfig(100, 10))

		windows, err := chunker("")
		require.NoError(t, err)
		require.Len(t, windows, 1)
		assert.Equal(t, "", windows[0].Content)
	})

	t.Run("Long text is split into overlapping windows", func(t *testing.T) {
		chunker := WindowChunker(testIngestConfig(10, 3))

		text := "abcdefghijklmnopqrstuvwxyz"
		windows, err := chunker(text)
		require.NoError(t, err)

		// step is 7, so windows start at 0, 7, 14, 21
		require.Len(t, windows, 4)
		assert.Equal(t, "abcdefghij", windows[0].Content)
		assert.Equal(t, "hijklmnopq", windows[1].Content)
		assert.Equal(t, "opqrstuvwx", windows[2].Content)
		assert.Equal(t, "vwxyz", windows[3].Content)

		for i, window := range windows {
			assert.Equal(t, i, window.Index, "Expected windows to be indexed in order")
		}
	})

	t.Run("Adjacent windows share the configured overlap", func(t *testing.T) {
		chunker := WindowChunker(testIngestConfig(10, 3))

		windows, err := chunker("abcdefghijklmnopqrstuvwxyz")
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(windows), 2)

		first := []rune(windows[0].Content)
		second := []rune(windows[1].Content)
		assert.Equal(t, string(first[len(first)-3:]), string(second[:3]), "Expected the window tail to repeat at the next window head")
	})

	t.Run("Chunk count follows the window formula", func(t *testing.T) {
		size := 20
		overlap := 5
		chunker := WindowChunker(testIngestConfig(size, overlap))

		for _, textLen := range []int{1, 19, 20, 21, 35, 36, 100, 1000} {
			text := strings.Repeat("a", textLen)
			windows, err := chunker(text)
			require.NoError(t, err)

			expected := 1
			if textLen > size {
				step := size - overlap
				expected = (textLen - overlap + step - 1) / step
			}
			assert.Len(t, windows, expected, "Unexpected chunk count for text length %d", textLen)
		}
	})

	t.Run("Concatenating windows without overlap restores the text", func(t *testing.T) {
		chunker := WindowChunker(testIngestConfig(10, 3))

		text := "abcdefghijklmnopqrstuvwxyz0123456789"
		windows, err := chunker(text)
		require.NoError(t, err)

		restored := windows[0].Content
		for _, window := range windows[1:] {
			runes := []rune(window.Content)
			restored += string(runes[3:])
		}
		assert.Equal(t, text, restored)
	})

	t.Run("Windows are measured in runes", func(t *testing.T) {
		chunker := WindowChunker(testIngestConfig(5, 1))

		text := strings.Repeat("ä", 8)
		windows, err := chunker(text)
		require.NoError(t, err)
		require.Len(t, windows, 2)
		assert.Equal(t, strings.Repeat("ä", 5), windows[0].Content)
		assert.Equal(t, strings.Repeat("ä", 4), windows[1].Content)
	})

	t.Run("Overlap not smaller than chunk size is rejected", func(t *testing.T) {
		chunker := WindowChunker(testIngestConfig(10, 10))

		_, err := chunker("some text")
		assert.Error(t, err)

		var configErr *model.ConfigurationError
		assert.ErrorAs(t, err, &configErr)
	})
}

func TestAssemblePages(t *testing.T) {
	t.Run("Pages are joined with page markers", func(t *testing.T) {
		document := AssemblePages([]string{"first page", "second page"})

		assert.Contains(t, document, "--- Page 1 ---\nfirst page")
		assert.Contains(t, document, "--- Page 2 ---\nsecond page")
	})

	t.Run("No pages produce an empty document", func(t *testing.T) {
		assert.Equal(t, "", AssemblePages(nil))
	})
}
