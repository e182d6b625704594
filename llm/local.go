package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/knights-analytics/hugot"
	"github.com/siherrmann/retriever/helper"
	"github.com/siherrmann/retriever/model"
)

// LocalEmbedder embeds text with a sentence transformer model running in
// process via hugot. The default all-MiniLM-L6-v2 model produces
// 384-dimensional embeddings and needs no API key.
type LocalEmbedder struct {
	embed     func(text string) ([]float32, error)
	session   *hugot.Session
	dimension int
}

// NewLocalEmbedder downloads the model if needed and initializes a hugot
// session with the Go backend
func NewLocalEmbedder(modelName string) (*LocalEmbedder, error) {
	if modelName == "" {
		modelName = "sentence-transformers/all-MiniLM-L6-v2"
	}

	modelPath, err := helper.PrepareModel(modelName, "onnx/model.onnx")
	if err != nil {
		return nil, err
	}

	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create hugot session: %w", err)
	}

	config := hugot.FeatureExtractionConfig{
		ModelPath: modelPath,
		Name:      "embedder-pipeline",
	}
	sentencePipeline, err := hugot.NewPipeline(session, config)
	if err != nil {
		if destroyErr := session.Destroy(); destroyErr != nil {
			return nil, fmt.Errorf("failed to create sentence pipeline: %w (cleanup error: %v)", err, destroyErr)
		}
		return nil, fmt.Errorf("failed to create sentence pipeline: %w", err)
	}

	return &LocalEmbedder{
		session: session,
		embed: func(text string) ([]float32, error) {
			result, err := sentencePipeline.RunPipeline([]string{text})
			if err != nil {
				return nil, fmt.Errorf("failed to generate embedding: %w", err)
			}

			if len(result.Embeddings) == 0 {
				return nil, fmt.Errorf("no embedding generated")
			}

			return result.Embeddings[0], nil
		},
	}, nil
}

// Embed returns an embedding vector for the given text
func (e *LocalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, &model.EmbeddingError{Model: "local", Err: fmt.Errorf("input text must not be empty")}
	}

	embedding, err := e.embed(text)
	if err != nil {
		return nil, &model.EmbeddingError{Model: "local", Err: err}
	}
	if e.dimension == 0 {
		e.dimension = len(embedding)
	}
	return embedding, nil
}

// Dimension returns the dimensionality of the produced embedding vectors.
// It is only known after the first embedding was generated, before that the
// default model dimensionality is assumed.
func (e *LocalEmbedder) Dimension() int {
	if e.dimension == 0 {
		return 384
	}
	return e.dimension
}

// Close destroys the hugot session
func (e *LocalEmbedder) Close() error {
	if e.session != nil {
		return e.session.Destroy()
	}
	return nil
}
