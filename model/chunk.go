package model

import (
	"time"
)

// Chunk represents one embedded unit of retrievable text
type Chunk struct {
	ID         string    `json:"id"`
	Seq        int64     `json:"seq,omitempty"` // Insertion order, assigned by the store
	ResourceID string    `json:"resource_id"`
	ChunkIndex *int      `json:"chunk_index,omitempty"` // Nullable for legacy rows
	Content    string    `json:"content"`
	Embedding  []float32 `json:"embedding,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// SearchScope restricts a similarity search to a single resource or collection.
// The zero value searches all stored chunks.
type SearchScope struct {
	ResourceID    string `json:"resource_id,omitempty"`
	CollectionTag string `json:"collection_tag,omitempty"`
}

// SearchResult represents a chunk retrieved by a similarity query
type SearchResult struct {
	Content       string  `json:"content"`
	Similarity    float64 `json:"similarity"`
	ResourceName  string  `json:"resource_name"`
	ResourceID    string  `json:"resource_id"`
	CollectionTag string  `json:"collection_tag,omitempty"`
	ChunkIndex    *int    `json:"chunk_index,omitempty"`
	ThresholdUsed float64 `json:"threshold_used"`
	Attempt       int     `json:"attempt"`
}
