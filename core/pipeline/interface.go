package pipeline

import (
	"context"
	"fmt"

	"github.com/siherrmann/retriever/model"
)

// ChunkFunc is a function that splits text into ordered windows
type ChunkFunc func(text string) ([]ChunkWindow, error)

// EmbedFunc is a function that generates an embedding for text
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// ChunkWindow represents one window of text with its position in the document
type ChunkWindow struct {
	Content string
	Index   int
}

// Pipeline combines chunking and embedding functions
type Pipeline struct {
	Chunker  ChunkFunc
	Embedder EmbedFunc
}

// NewPipeline creates a new processing pipeline
func NewPipeline(chunker ChunkFunc, embedder EmbedFunc) *Pipeline {
	return &Pipeline{
		Chunker:  chunker,
		Embedder: embedder,
	}
}

// Process splits text into chunks and embeds every chunk. Any embedding
// failure aborts processing; the ingestor handles per chunk tolerance itself.
func (p *Pipeline) Process(ctx context.Context, text string, resourceID string) ([]*model.Chunk, error) {
	windows, err := p.Chunker(text)
	if err != nil {
		return nil, err
	}

	chunks := make([]*model.Chunk, 0, len(windows))
	for _, window := range windows {
		embedding, err := p.Embedder(ctx, window.Content)
		if err != nil {
			return nil, err
		}

		index := window.Index
		chunks = append(chunks, &model.Chunk{
			ID:         ChunkID(resourceID, index),
			ResourceID: resourceID,
			ChunkIndex: &index,
			Content:    window.Content,
			Embedding:  embedding,
		})
	}

	return chunks, nil
}

// ChunkID derives a stable chunk id from the resource id and chunk position,
// so re-ingesting a resource produces the same ids
func ChunkID(resourceID string, index int) string {
	return fmt.Sprintf("%s_%d", resourceID, index)
}
