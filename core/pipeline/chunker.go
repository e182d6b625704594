package pipeline

import (
	"fmt"
	"strings"

	"github.com/siherrmann/retriever/model"
)

// WindowChunker creates a chunker that splits text into fixed size character
// windows with overlap. Windows are measured in runes so multi byte text does
// not get cut mid character. Every document produces at least one chunk.
func WindowChunker(config *model.IngestConfig) ChunkFunc {
	return func(text string) ([]ChunkWindow, error) {
		if config == nil {
			return nil, fmt.Errorf("ingest config is nil")
		}
		if err := config.Validate(); err != nil {
			return nil, err
		}

		runes := []rune(text)
		if len(runes) <= config.ChunkSize {
			return []ChunkWindow{{Content: text, Index: 0}}, nil
		}

		step := config.ChunkSize - config.ChunkOverlap
		var windows []ChunkWindow
		for start := 0; ; start += step {
			end := start + config.ChunkSize
			if end > len(runes) {
				end = len(runes)
			}

			windows = append(windows, ChunkWindow{
				Content: string(runes[start:end]),
				Index:   len(windows),
			})

			if end == len(runes) {
				break
			}
		}

		return windows, nil
	}
}

// AssemblePages joins per page text into one document with page markers, so
// retrieved chunks can be traced back to their page
func AssemblePages(pages []string) string {
	var builder strings.Builder
	for i, page := range pages {
		if i > 0 {
			builder.WriteString("\n\n")
		}
		builder.WriteString(fmt.Sprintf("--- Page %d ---\n", i+1))
		builder.WriteString(page)
	}
	return builder.String()
}
