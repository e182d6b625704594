package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/siherrmann/retriever/helper"
	"github.com/siherrmann/retriever/model"
	loadSql "github.com/siherrmann/retriever/sql"
)

// EmbeddingsDBHandlerFunctions defines the interface for Embeddings database operations.
type EmbeddingsDBHandlerFunctions interface {
	InsertChunkBatch(chunks []*model.Chunk) error
	SelectChunksByResource(resourceID string) ([]*model.Chunk, error)
	SelectChunksBySimilarity(embedding []float32, limit int, threshold float64, scope model.SearchScope) ([]*model.SearchResult, error)
	DeleteByResource(resourceID string) (int, error)
	DeleteByCollection(collectionTag string) (int, error)
	CountChunks() (int64, error)
	Dimension() (int, error)
}

// EmbeddingsDBHandler handles chunk embedding database operations
type EmbeddingsDBHandler struct {
	db           *helper.Database
	embeddingDim int
}

// NewEmbeddingsDBHandler creates a new embeddings database handler.
// It initializes the database connection and loads embedding-related SQL functions.
// If force is true, it will reload the SQL functions even if they already exist.
func NewEmbeddingsDBHandler(db *helper.Database, embeddingDim int, force bool) (*EmbeddingsDBHandler, error) {
	if db == nil {
		return nil, helper.NewError("database connection validation", fmt.Errorf("database connection is nil"))
	}
	if embeddingDim <= 0 {
		return nil, helper.NewError("embedding dimension validation", fmt.Errorf("embedding dimension must be positive, got %d", embeddingDim))
	}

	embeddingsDbHandler := &EmbeddingsDBHandler{
		db:           db,
		embeddingDim: embeddingDim,
	}

	err := loadSql.LoadEmbeddingsSql(embeddingsDbHandler.db.Instance, force)
	if err != nil {
		return nil, helper.NewError("load embeddings sql", err)
	}

	err = embeddingsDbHandler.CreateTable(embeddingDim)
	if err != nil {
		return nil, helper.NewError("create table", err)
	}

	db.Logger.Info("Initialized EmbeddingsDBHandler")

	return embeddingsDbHandler, nil
}

// CreateTable creates the 'embeddings' table in the database with the
// configured vector dimensionality.
// If the table already exists, it does not create it again.
func (h *EmbeddingsDBHandler) CreateTable(embeddingDim int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := h.db.Instance.ExecContext(ctx, `SELECT init_embeddings($1);`, embeddingDim)
	if err != nil {
		log.Panicf("error initializing embeddings table: %#v", err)
	}

	h.db.Logger.Info("Checked/created table embeddings")

	return nil
}

// Dimension reads the vector dimensionality the embeddings table was created with
func (h *EmbeddingsDBHandler) Dimension() (int, error) {
	var dim int
	err := h.db.Instance.QueryRow(`SELECT select_embedding_dimension()`).Scan(&dim)
	if err != nil {
		return 0, helper.NewError("scan", err)
	}
	return dim, nil
}

// InsertChunkBatch inserts all chunks of one resource in a single transaction.
// An empty batch is a no-op. All embeddings must match the table dimensionality,
// otherwise the whole batch is rejected before any row is written.
func (h *EmbeddingsDBHandler) InsertChunkBatch(chunks []*model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	for i, chunk := range chunks {
		if len(chunk.Embedding) != h.embeddingDim {
			return &model.ConfigurationError{
				Field:  "embedding",
				Reason: fmt.Sprintf("chunk %d has embedding dimension %d, store expects %d", i, len(chunk.Embedding), h.embeddingDim),
			}
		}
	}

	tx, err := h.db.Instance.Begin()
	if err != nil {
		return helper.NewError("begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, chunk := range chunks {
		if chunk.ID == "" {
			chunk.ID = uuid.NewString()
		}

		row := tx.QueryRow(
			`SELECT * FROM insert_embedding($1, $2, $3, $4, $5)`,
			chunk.ID,
			chunk.ResourceID,
			chunk.ChunkIndex,
			chunk.Content,
			pgvector.NewVector(chunk.Embedding),
		)

		var embeddingVector pgvector.Vector
		err := row.Scan(
			&chunk.ID,
			&chunk.Seq,
			&chunk.ResourceID,
			&chunk.ChunkIndex,
			&chunk.Content,
			&embeddingVector,
			&chunk.CreatedAt,
		)
		if err != nil {
			return helper.NewError("scan", err)
		}
		chunk.Embedding = embeddingVector.Slice()
	}

	err = tx.Commit()
	if err != nil {
		return helper.NewError("commit transaction", err)
	}

	return nil
}

// SelectChunksByResource retrieves all chunks of a resource in chunk order
func (h *EmbeddingsDBHandler) SelectChunksByResource(resourceID string) ([]*model.Chunk, error) {
	rows, err := h.db.Instance.Query(
		`SELECT * FROM select_embeddings_by_resource($1)`,
		resourceID,
	)
	if err != nil {
		return nil, helper.NewError("query", err)
	}
	defer rows.Close()

	var chunks []*model.Chunk
	for rows.Next() {
		chunk := &model.Chunk{}

		var embeddingVector pgvector.Vector
		err := rows.Scan(
			&chunk.ID,
			&chunk.Seq,
			&chunk.ResourceID,
			&chunk.ChunkIndex,
			&chunk.Content,
			&embeddingVector,
			&chunk.CreatedAt,
		)
		if err != nil {
			return nil, helper.NewError("scan", err)
		}
		chunk.Embedding = embeddingVector.Slice()

		chunks = append(chunks, chunk)
	}

	err = rows.Err()
	if err != nil {
		return nil, helper.NewError("rows error", err)
	}

	return chunks, nil
}

// SelectChunksBySimilarity performs exact cosine similarity search.
// Only chunks with similarity strictly above threshold are returned, ordered
// by descending similarity with ties broken by insertion order.
// A zero scope searches across all resources.
func (h *EmbeddingsDBHandler) SelectChunksBySimilarity(embedding []float32, limit int, threshold float64, scope model.SearchScope) ([]*model.SearchResult, error) {
	if len(embedding) != h.embeddingDim {
		return nil, &model.ConfigurationError{
			Field:  "embedding",
			Reason: fmt.Sprintf("query embedding dimension %d, store expects %d", len(embedding), h.embeddingDim),
		}
	}

	var resourceIDParam any
	if scope.ResourceID != "" {
		resourceIDParam = scope.ResourceID
	}
	var collectionTagParam any
	if scope.CollectionTag != "" {
		collectionTagParam = scope.CollectionTag
	}

	rows, err := h.db.Instance.Query(
		`SELECT * FROM select_embeddings_by_similarity($1, $2, $3, $4, $5)`,
		pgvector.NewVector(embedding),
		limit,
		threshold,
		resourceIDParam,
		collectionTagParam,
	)
	if err != nil {
		return nil, helper.NewError("query", err)
	}
	defer rows.Close()

	var results []*model.SearchResult
	for rows.Next() {
		result := &model.SearchResult{}

		var chunkID string
		err := rows.Scan(
			&chunkID,
			&result.ResourceID,
			&result.ChunkIndex,
			&result.Content,
			&result.ResourceName,
			&result.CollectionTag,
			&result.Similarity,
		)
		if err != nil {
			return nil, helper.NewError("scan", err)
		}
		result.ThresholdUsed = threshold

		results = append(results, result)
	}

	err = rows.Err()
	if err != nil {
		return nil, helper.NewError("rows error", err)
	}

	return results, nil
}

// DeleteByResource deletes all chunks of a resource, returning the number of
// rows removed
func (h *EmbeddingsDBHandler) DeleteByResource(resourceID string) (int, error) {
	var deletedCount int
	err := h.db.Instance.QueryRow(
		`SELECT delete_embeddings_by_resource($1)`,
		resourceID,
	).Scan(&deletedCount)
	if err != nil {
		return 0, helper.NewError("scan", err)
	}
	return deletedCount, nil
}

// DeleteByCollection deletes all chunks of all resources tagged with the given
// collection, returning the number of rows removed
func (h *EmbeddingsDBHandler) DeleteByCollection(collectionTag string) (int, error) {
	var deletedCount int
	err := h.db.Instance.QueryRow(
		`SELECT delete_embeddings_by_collection($1)`,
		collectionTag,
	).Scan(&deletedCount)
	if err != nil {
		return 0, helper.NewError("scan", err)
	}
	return deletedCount, nil
}

// CountChunks returns the total number of stored chunks
func (h *EmbeddingsDBHandler) CountChunks() (int64, error) {
	var count int64
	err := h.db.Instance.QueryRow(`SELECT count_embeddings()`).Scan(&count)
	if err != nil {
		return 0, helper.NewError("scan", err)
	}
	return count, nil
}
