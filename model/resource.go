package model

import (
	"crypto/md5"
	"encoding/hex"
	"mime"
	"os"
	"path/filepath"
	"time"
)

// ResourceStatus represents the ingestion lifecycle state of a resource
type ResourceStatus string

const (
	ResourceStatusProcessing          ResourceStatus = "PROCESSING"
	ResourceStatusCompleted           ResourceStatus = "COMPLETED"
	ResourceStatusCompletedWithErrors ResourceStatus = "COMPLETED_WITH_ERRORS"
	ResourceStatusFailed              ResourceStatus = "FAILED"
)

// Resource represents one ingested source document
type Resource struct {
	ID            string         `json:"id"`
	Filename      string         `json:"filename"`
	CollectionTag string         `json:"collection_tag"`
	Pathname      string         `json:"pathname,omitempty"`
	ContentType   string         `json:"content_type"`
	Status        ResourceStatus `json:"status"`
	Content       string         `json:"content,omitempty" db:"-"` // Temporary field for processing, not stored in DB
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// NewResourceFromFile reads a file and creates a Resource with the file content.
// The resource id is derived from the absolute file path so re-ingesting the
// same file updates the existing resource instead of creating a duplicate.
func NewResourceFromFile(filePath string, collectionTag string) (*Resource, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		absPath = filePath
	}

	contentType := mime.TypeByExtension(filepath.Ext(filePath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return &Resource{
		ID:            DeterministicResourceID(absPath),
		Filename:      filepath.Base(filePath),
		CollectionTag: collectionTag,
		Pathname:      absPath,
		ContentType:   contentType,
		Status:        ResourceStatusProcessing,
		Content:       string(content),
	}, nil
}

// DeterministicResourceID derives a stable resource id from a source path
func DeterministicResourceID(pathname string) string {
	sum := md5.Sum([]byte(pathname))
	return hex.EncodeToString(sum[:])
}
