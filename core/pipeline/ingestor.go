package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/siherrmann/retriever/helper"
	"github.com/siherrmann/retriever/model"
)

// ResourceStore is the subset of resource operations the ingestor needs
type ResourceStore interface {
	InsertResource(resource *model.Resource) error
	UpdateResourceStatus(id string, status model.ResourceStatus) (*model.Resource, error)
}

// ChunkStore is the subset of chunk operations the ingestor needs
type ChunkStore interface {
	InsertChunkBatch(chunks []*model.Chunk) error
	DeleteByResource(resourceID string) (int, error)
}

// Ingestor runs the ingestion pipeline for one resource at a time: register
// the resource, chunk its content, embed every chunk and replace the stored
// chunks in one batch.
type Ingestor struct {
	resources ResourceStore
	chunks    ChunkStore
	pipeline  *Pipeline
	logger    *slog.Logger
}

// NewIngestor creates a new ingestor
func NewIngestor(resources ResourceStore, chunks ChunkStore, pipe *Pipeline, logger *slog.Logger) (*Ingestor, error) {
	if resources == nil || chunks == nil {
		return nil, helper.NewError("ingestor validation", fmt.Errorf("resource and chunk stores must not be nil"))
	}
	if pipe == nil || pipe.Chunker == nil || pipe.Embedder == nil {
		return nil, helper.NewError("ingestor validation", fmt.Errorf("pipeline with chunker and embedder must not be nil"))
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Ingestor{
		resources: resources,
		chunks:    chunks,
		pipeline:  pipe,
		logger:    logger,
	}, nil
}

// IngestReport summarizes one ingestion run
type IngestReport struct {
	ResourceID     string               `json:"resource_id"`
	Status         model.ResourceStatus `json:"status"`
	TotalChunks    int                  `json:"total_chunks"`
	EmbeddedChunks int                  `json:"embedded_chunks"`
	FailedChunks   int                  `json:"failed_chunks"`
	ReplacedChunks int                  `json:"replaced_chunks"`
	ChunkErrors    []string             `json:"chunk_errors,omitempty"`
	Duration       time.Duration        `json:"duration"`
}

// Ingest runs the full pipeline for one resource. The resource content is
// chunked and embedded, then the stored chunks of the resource are replaced
// in one batch so re-ingesting the same resource is idempotent.
//
// A failing embedding is tolerated per chunk: the run continues and the
// resource ends in COMPLETED_WITH_ERRORS. Only when no chunk could be
// embedded at all, or the store fails, the resource ends in FAILED; the
// previously stored chunks are kept in that case.
func (in *Ingestor) Ingest(ctx context.Context, resource *model.Resource) (*IngestReport, error) {
	if resource == nil {
		return nil, helper.NewError("ingest validation", fmt.Errorf("resource is nil"))
	}

	started := time.Now()
	report := &IngestReport{ResourceID: resource.ID}

	err := in.resources.InsertResource(resource)
	if err != nil {
		return nil, &model.StoreError{Op: "insert resource", Err: err}
	}

	windows, err := in.pipeline.Chunker(resource.Content)
	if err != nil {
		in.failResource(resource, report, started)
		return report, helper.NewError("chunk resource", err)
	}
	report.TotalChunks = len(windows)

	var embedded []*model.Chunk
	for _, window := range windows {
		embedding, embedErr := in.pipeline.Embedder(ctx, window.Content)
		if embedErr != nil {
			if ctx.Err() != nil {
				in.failResource(resource, report, started)
				return report, ctx.Err()
			}

			var embeddingErr *model.EmbeddingError
			if errors.As(embedErr, &embeddingErr) {
				report.FailedChunks++
				report.ChunkErrors = append(report.ChunkErrors, fmt.Sprintf("chunk %d: %v", window.Index, embedErr))
				in.logger.Warn("Embedding failed for chunk",
					slog.String("resource", resource.ID),
					slog.Int("chunk", window.Index),
					slog.String("error", embedErr.Error()),
				)
				continue
			}

			in.failResource(resource, report, started)
			return report, helper.NewError("embed chunk", embedErr)
		}

		index := window.Index
		embedded = append(embedded, &model.Chunk{
			ID:         ChunkID(resource.ID, index),
			ResourceID: resource.ID,
			ChunkIndex: &index,
			Content:    window.Content,
			Embedding:  embedding,
		})
	}
	report.EmbeddedChunks = len(embedded)

	if len(embedded) == 0 && report.FailedChunks > 0 {
		in.failResource(resource, report, started)
		return report, helper.NewError("ingest resource", fmt.Errorf("all %d chunks failed to embed", report.FailedChunks))
	}

	replaced, err := in.chunks.DeleteByResource(resource.ID)
	if err != nil {
		in.failResource(resource, report, started)
		return report, &model.StoreError{Op: "delete chunks", Err: err}
	}
	report.ReplacedChunks = replaced

	err = in.chunks.InsertChunkBatch(embedded)
	if err != nil {
		in.failResource(resource, report, started)
		return report, &model.StoreError{Op: "insert chunks", Err: err}
	}

	status := model.ResourceStatusCompleted
	if report.FailedChunks > 0 {
		status = model.ResourceStatusCompletedWithErrors
	}
	updated, err := in.resources.UpdateResourceStatus(resource.ID, status)
	if err != nil {
		return report, &model.StoreError{Op: "update resource status", Err: err}
	}
	resource.Status = updated.Status
	report.Status = status
	report.Duration = time.Since(started)

	in.logger.Info("Ingested resource",
		slog.String("resource", resource.ID),
		slog.String("filename", resource.Filename),
		slog.String("status", string(status)),
		slog.Int("chunks", report.EmbeddedChunks),
		slog.Int("failed", report.FailedChunks),
	)

	return report, nil
}

func (in *Ingestor) failResource(resource *model.Resource, report *IngestReport, started time.Time) {
	report.Status = model.ResourceStatusFailed
	report.Duration = time.Since(started)

	updated, err := in.resources.UpdateResourceStatus(resource.ID, model.ResourceStatusFailed)
	if err != nil {
		in.logger.Error("Failed to mark resource as failed",
			slog.String("resource", resource.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	resource.Status = updated.Status
}
