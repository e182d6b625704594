package model

import "fmt"

// IngestConfig represents configuration for the ingestion pipeline
type IngestConfig struct {
	// Chunking parameters (characters)
	ChunkSize    int `json:"chunk_size"`
	ChunkOverlap int `json:"chunk_overlap"`

	// Embedding model used for both ingestion and query embedding
	EmbeddingModel string `json:"embedding_model"`
}

// DefaultIngestConfig returns a sensible default configuration
func DefaultIngestConfig() *IngestConfig {
	return &IngestConfig{
		ChunkSize:      20000,
		ChunkOverlap:   500,
		EmbeddingModel: "text-embedding-3-small",
	}
}

// Validate checks the chunking parameters before any I/O happens
func (c *IngestConfig) Validate() error {
	if c.ChunkSize <= 0 {
		return &ConfigurationError{Field: "chunk_size", Reason: fmt.Sprintf("must be positive, got %d", c.ChunkSize)}
	}
	if c.ChunkOverlap < 0 {
		return &ConfigurationError{Field: "chunk_overlap", Reason: fmt.Sprintf("must not be negative, got %d", c.ChunkOverlap)}
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return &ConfigurationError{
			Field:  "chunk_overlap",
			Reason: fmt.Sprintf("must be smaller than chunk_size, got overlap %d with size %d", c.ChunkOverlap, c.ChunkSize),
		}
	}
	return nil
}

// RetrievalConfig represents configuration for a retrieval query
type RetrievalConfig struct {
	// Maximum number of results per search
	Limit int `json:"limit"`

	// Descending similarity threshold ladder, tried in order until one
	// search returns results
	Thresholds []float64 `json:"thresholds"`

	// Maximum number of alternative query phrasings to try after the
	// ladder is exhausted; 0 disables reformulation
	MaxReformulations int `json:"max_reformulations"`
}

// DefaultRetrievalConfig returns a sensible default configuration
func DefaultRetrievalConfig() *RetrievalConfig {
	return &RetrievalConfig{
		Limit:             3,
		Thresholds:        []float64{0.5, 0.3, 0.15},
		MaxReformulations: 3,
	}
}

// Validate checks the retrieval parameters
func (c *RetrievalConfig) Validate() error {
	if c.Limit <= 0 {
		return &ConfigurationError{Field: "limit", Reason: fmt.Sprintf("must be positive, got %d", c.Limit)}
	}
	if len(c.Thresholds) == 0 {
		return &ConfigurationError{Field: "thresholds", Reason: "at least one similarity threshold is required"}
	}
	previous := 2.0
	for i, threshold := range c.Thresholds {
		if threshold < -1 || threshold > 1 {
			return &ConfigurationError{Field: "thresholds", Reason: fmt.Sprintf("threshold %d out of range [-1, 1]: %f", i, threshold)}
		}
		if threshold >= previous {
			return &ConfigurationError{Field: "thresholds", Reason: "thresholds must be strictly descending"}
		}
		previous = threshold
	}
	if c.MaxReformulations < 0 {
		return &ConfigurationError{Field: "max_reformulations", Reason: fmt.Sprintf("must not be negative, got %d", c.MaxReformulations)}
	}
	return nil
}

// AgentConfig represents configuration for the question answering agent loop
type AgentConfig struct {
	// Maximum number of model round trips per turn
	MaxSteps int `json:"max_steps"`

	// Maximum resources returned per page by the listing tool
	ListResourcesLimit int `json:"list_resources_limit"`

	// Rough character budget for prior conversation history
	HistoryCharBudget int `json:"history_char_budget"`
}

// DefaultAgentConfig returns a sensible default configuration
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		MaxSteps:           8,
		ListResourcesLimit: 100,
		HistoryCharBudget:  24000,
	}
}

// Validate checks the agent parameters
func (c *AgentConfig) Validate() error {
	if c.MaxSteps <= 0 {
		return &ConfigurationError{Field: "max_steps", Reason: fmt.Sprintf("must be positive, got %d", c.MaxSteps)}
	}
	if c.ListResourcesLimit <= 0 || c.ListResourcesLimit > 100 {
		return &ConfigurationError{Field: "list_resources_limit", Reason: fmt.Sprintf("must be in (0, 100], got %d", c.ListResourcesLimit)}
	}
	return nil
}
