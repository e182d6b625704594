package model

import "fmt"

// ConfigurationError reports invalid configuration. It is fatal and raised
// before any I/O happens.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration for %s: %s", e.Field, e.Reason)
}

// EmbeddingError reports a provider or network failure while generating an
// embedding. During ingestion it is tolerated per chunk, during retrieval it
// surfaces as an empty result set.
type EmbeddingError struct {
	Model string
	Err   error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding with model %s failed: %v", e.Model, e.Err)
}

func (e *EmbeddingError) Unwrap() error {
	return e.Err
}

// StoreError reports a persistence layer failure. It is always propagated to
// the caller because it risks silent data loss.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store operation %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
