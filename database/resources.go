package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/siherrmann/retriever/helper"
	"github.com/siherrmann/retriever/model"
	loadSql "github.com/siherrmann/retriever/sql"
)

// ResourcesDBHandlerFunctions defines the interface for Resources database operations.
type ResourcesDBHandlerFunctions interface {
	InsertResource(resource *model.Resource) error
	SelectResource(id string) (*model.Resource, error)
	SelectAllResources(limit int, offset int) ([]*model.Resource, error)
	SelectResourcesByCollection(collectionTag string, limit int, offset int) ([]*model.Resource, error)
	UpdateResourceStatus(id string, status model.ResourceStatus) (*model.Resource, error)
	DeleteResource(id string) (int, error)
}

// ResourcesDBHandler handles resource-related database operations
type ResourcesDBHandler struct {
	db *helper.Database
}

// NewResourcesDBHandler creates a new resources database handler.
// It initializes the database connection and loads resource-related SQL functions.
// If force is true, it will reload the SQL functions even if they already exist.
func NewResourcesDBHandler(db *helper.Database, force bool) (*ResourcesDBHandler, error) {
	if db == nil {
		return nil, helper.NewError("database connection validation", fmt.Errorf("database connection is nil"))
	}

	resourcesDbHandler := &ResourcesDBHandler{
		db: db,
	}

	err := loadSql.LoadResourcesSql(resourcesDbHandler.db.Instance, force)
	if err != nil {
		return nil, helper.NewError("load resources sql", err)
	}

	err = resourcesDbHandler.CreateTable()
	if err != nil {
		return nil, helper.NewError("create table", err)
	}

	db.Logger.Info("Initialized ResourcesDBHandler")

	return resourcesDbHandler, nil
}

// CreateTable creates the 'resources' table in the database.
// If the table already exists, it does not create it again.
func (h *ResourcesDBHandler) CreateTable() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := h.db.Instance.ExecContext(ctx, `SELECT init_resources();`)
	if err != nil {
		log.Panicf("error initializing resources table: %#v", err)
	}

	h.db.Logger.Info("Checked/created table resources")

	return nil
}

// InsertResource inserts a new resource or refreshes an existing one with the
// same id, resetting its status to PROCESSING
func (h *ResourcesDBHandler) InsertResource(resource *model.Resource) error {
	row := h.db.Instance.QueryRow(
		`SELECT * FROM insert_resource($1, $2, $3, $4, $5)`,
		resource.ID,
		resource.Filename,
		resource.CollectionTag,
		resource.Pathname,
		resource.ContentType,
	)

	err := row.Scan(
		&resource.ID,
		&resource.Filename,
		&resource.CollectionTag,
		&resource.Pathname,
		&resource.ContentType,
		&resource.Status,
		&resource.CreatedAt,
		&resource.UpdatedAt,
	)
	if err != nil {
		return helper.NewError("scan", err)
	}

	return nil
}

// SelectResource retrieves a resource by id
func (h *ResourcesDBHandler) SelectResource(id string) (*model.Resource, error) {
	resource := &model.Resource{}
	row := h.db.Instance.QueryRow(
		`SELECT * FROM select_resource($1)`,
		id,
	)

	err := row.Scan(
		&resource.ID,
		&resource.Filename,
		&resource.CollectionTag,
		&resource.Pathname,
		&resource.ContentType,
		&resource.Status,
		&resource.CreatedAt,
		&resource.UpdatedAt,
	)
	if err != nil {
		return nil, helper.NewError("scan", err)
	}

	return resource, nil
}

// SelectAllResources retrieves resources ordered by creation time
func (h *ResourcesDBHandler) SelectAllResources(limit int, offset int) ([]*model.Resource, error) {
	rows, err := h.db.Instance.Query(
		`SELECT * FROM select_all_resources($1, $2)`,
		limit,
		offset,
	)
	if err != nil {
		return nil, helper.NewError("query", err)
	}
	defer rows.Close()

	return scanResources(rows)
}

// SelectResourcesByCollection retrieves resources of one collection ordered by creation time
func (h *ResourcesDBHandler) SelectResourcesByCollection(collectionTag string, limit int, offset int) ([]*model.Resource, error) {
	rows, err := h.db.Instance.Query(
		`SELECT * FROM select_resources_by_collection($1, $2, $3)`,
		collectionTag,
		limit,
		offset,
	)
	if err != nil {
		return nil, helper.NewError("query", err)
	}
	defer rows.Close()

	return scanResources(rows)
}

// UpdateResourceStatus transitions the lifecycle status of a resource
func (h *ResourcesDBHandler) UpdateResourceStatus(id string, status model.ResourceStatus) (*model.Resource, error) {
	resource := &model.Resource{}
	row := h.db.Instance.QueryRow(
		`SELECT * FROM update_resource_status($1, $2)`,
		id,
		string(status),
	)

	err := row.Scan(
		&resource.ID,
		&resource.Filename,
		&resource.CollectionTag,
		&resource.Pathname,
		&resource.ContentType,
		&resource.Status,
		&resource.CreatedAt,
		&resource.UpdatedAt,
	)
	if err != nil {
		return nil, helper.NewError("scan", err)
	}

	return resource, nil
}

// DeleteResource deletes a resource and all of its chunks, returning the
// number of chunk rows removed
func (h *ResourcesDBHandler) DeleteResource(id string) (int, error) {
	var deletedChunks int
	err := h.db.Instance.QueryRow(
		`SELECT delete_resource($1)`,
		id,
	).Scan(&deletedChunks)
	if err != nil {
		return 0, helper.NewError("scan", err)
	}
	return deletedChunks, nil
}

func scanResources(rows *sql.Rows) ([]*model.Resource, error) {
	var resources []*model.Resource
	for rows.Next() {
		resource := &model.Resource{}
		err := rows.Scan(
			&resource.ID,
			&resource.Filename,
			&resource.CollectionTag,
			&resource.Pathname,
			&resource.ContentType,
			&resource.Status,
			&resource.CreatedAt,
			&resource.UpdatedAt,
		)
		if err != nil {
			return nil, helper.NewError("scan", err)
		}
		resources = append(resources, resource)
	}

	err := rows.Err()
	if err != nil {
		return nil, helper.NewError("rows error", err)
	}

	return resources, nil
}
