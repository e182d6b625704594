package database

import (
	"testing"
	"time"

	"github.com/siherrmann/retriever/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourcesNewResourcesDBHandler(t *testing.T) {
	database := initDB(t)
	defer database.Close()

	t.Run("Valid call NewResourcesDBHandler", func(t *testing.T) {
		resourcesDbHandler, err := NewResourcesDBHandler(database, true)
		assert.NoError(t, err, "Expected NewResourcesDBHandler to not return an error")
		require.NotNil(t, resourcesDbHandler, "Expected NewResourcesDBHandler to return a non-nil instance")
		require.NotNil(t, resourcesDbHandler.db, "Expected NewResourcesDBHandler to have a non-nil database instance")
	})

	t.Run("Invalid call NewResourcesDBHandler with nil database", func(t *testing.T) {
		_, err := NewResourcesDBHandler(nil, false)
		assert.Error(t, err, "Expected error when creating ResourcesDBHandler with nil database")
		assert.Contains(t, err.Error(), "database connection is nil", "Expected specific error message for nil database connection")
	})
}

func TestResourcesInsert(t *testing.T) {
	database := initDB(t)
	defer database.Close()

	resourcesDbHandler, err := NewResourcesDBHandler(database, true)
	require.NoError(t, err, "Expected NewResourcesDBHandler to not return an error")

	t.Run("Insert new resource", func(t *testing.T) {
		resource := &model.Resource{
			ID:            model.DeterministicResourceID("docs/manual.txt"),
			Filename:      "manual.txt",
			CollectionTag: "docs",
			Pathname:      "docs/manual.txt",
			ContentType:   "text/plain",
		}

		err := resourcesDbHandler.InsertResource(resource)
		assert.NoError(t, err, "Expected Insert to not return an error")
		assert.Equal(t, model.ResourceStatusProcessing, resource.Status, "Expected new resource to be in PROCESSING state")
		assert.WithinDuration(t, resource.CreatedAt, time.Now(), 2*time.Second, "Expected CreatedAt to be set")
	})

	t.Run("Insert same resource again resets status", func(t *testing.T) {
		resource := &model.Resource{
			ID:            model.DeterministicResourceID("docs/manual.txt"),
			Filename:      "manual.txt",
			CollectionTag: "docs",
			Pathname:      "docs/manual.txt",
			ContentType:   "text/plain",
		}

		err := resourcesDbHandler.InsertResource(resource)
		require.NoError(t, err)

		_, err = resourcesDbHandler.UpdateResourceStatus(resource.ID, model.ResourceStatusCompleted)
		require.NoError(t, err)

		err = resourcesDbHandler.InsertResource(resource)
		assert.NoError(t, err, "Expected re-insert to not return an error")
		assert.Equal(t, model.ResourceStatusProcessing, resource.Status, "Expected re-inserted resource to be back in PROCESSING state")

		all, err := resourcesDbHandler.SelectAllResources(100, 0)
		require.NoError(t, err)
		count := 0
		for _, r := range all {
			if r.ID == resource.ID {
				count++
			}
		}
		assert.Equal(t, 1, count, "Expected re-insert to not create a duplicate row")
	})
}

func TestResourcesSelect(t *testing.T) {
	database := initDB(t)
	defer database.Close()

	resourcesDbHandler, err := NewResourcesDBHandler(database, true)
	require.NoError(t, err, "Expected NewResourcesDBHandler to not return an error")

	resource := &model.Resource{
		ID:            model.DeterministicResourceID("guides/setup.md"),
		Filename:      "setup.md",
		CollectionTag: "guides",
		Pathname:      "guides/setup.md",
		ContentType:   "text/markdown",
	}
	err = resourcesDbHandler.InsertResource(resource)
	require.NoError(t, err)

	t.Run("Select resource by id", func(t *testing.T) {
		found, err := resourcesDbHandler.SelectResource(resource.ID)
		assert.NoError(t, err, "Expected Select to not return an error")
		assert.Equal(t, resource.ID, found.ID)
		assert.Equal(t, "setup.md", found.Filename)
		assert.Equal(t, "guides", found.CollectionTag)
	})

	t.Run("Select resource with unknown id", func(t *testing.T) {
		_, err := resourcesDbHandler.SelectResource("does-not-exist")
		assert.Error(t, err, "Expected Select with unknown id to return an error")
	})

	t.Run("Select resources by collection", func(t *testing.T) {
		resources, err := resourcesDbHandler.SelectResourcesByCollection("guides", 100, 0)
		assert.NoError(t, err, "Expected Select by collection to not return an error")
		require.NotEmpty(t, resources, "Expected at least one resource in collection")
		for _, r := range resources {
			assert.Equal(t, "guides", r.CollectionTag)
		}
	})

	t.Run("Select all resources respects limit", func(t *testing.T) {
		resources, err := resourcesDbHandler.SelectAllResources(1, 0)
		assert.NoError(t, err)
		assert.Len(t, resources, 1, "Expected limit to cap the result count")
	})
}

func TestResourcesUpdateStatus(t *testing.T) {
	database := initDB(t)
	defer database.Close()

	resourcesDbHandler, err := NewResourcesDBHandler(database, true)
	require.NoError(t, err, "Expected NewResourcesDBHandler to not return an error")

	resource := &model.Resource{
		ID:            model.DeterministicResourceID("docs/status.txt"),
		Filename:      "status.txt",
		CollectionTag: "docs",
		Pathname:      "docs/status.txt",
		ContentType:   "text/plain",
	}
	err = resourcesDbHandler.InsertResource(resource)
	require.NoError(t, err)

	t.Run("Update status to COMPLETED", func(t *testing.T) {
		updated, err := resourcesDbHandler.UpdateResourceStatus(resource.ID, model.ResourceStatusCompleted)
		assert.NoError(t, err, "Expected UpdateResourceStatus to not return an error")
		assert.Equal(t, model.ResourceStatusCompleted, updated.Status)
		assert.True(t, updated.UpdatedAt.After(updated.CreatedAt) || updated.UpdatedAt.Equal(updated.CreatedAt), "Expected UpdatedAt to move forward")
	})

	t.Run("Update status to COMPLETED_WITH_ERRORS", func(t *testing.T) {
		updated, err := resourcesDbHandler.UpdateResourceStatus(resource.ID, model.ResourceStatusCompletedWithErrors)
		assert.NoError(t, err)
		assert.Equal(t, model.ResourceStatusCompletedWithErrors, updated.Status)
	})

	t.Run("Update status of unknown resource", func(t *testing.T) {
		_, err := resourcesDbHandler.UpdateResourceStatus("does-not-exist", model.ResourceStatusFailed)
		assert.Error(t, err, "Expected update of unknown resource to return an error")
	})
}

func TestResourcesDelete(t *testing.T) {
	database := initDB(t)
	defer database.Close()

	resourcesDbHandler, err := NewResourcesDBHandler(database, true)
	require.NoError(t, err, "Expected NewResourcesDBHandler to not return an error")

	embeddingsDbHandler, err := NewEmbeddingsDBHandler(database, 8, true)
	require.NoError(t, err, "Expected NewEmbeddingsDBHandler to not return an error")

	resource := &model.Resource{
		ID:            model.DeterministicResourceID("docs/delete-me.txt"),
		Filename:      "delete-me.txt",
		CollectionTag: "docs",
		Pathname:      "docs/delete-me.txt",
		ContentType:   "text/plain",
	}
	err = resourcesDbHandler.InsertResource(resource)
	require.NoError(t, err)

	chunkIndex := 0
	err = embeddingsDbHandler.InsertChunkBatch([]*model.Chunk{
		{
			ResourceID: resource.ID,
			ChunkIndex: &chunkIndex,
			Content:    "chunk to be deleted",
			Embedding:  make([]float32, 8),
		},
	})
	require.NoError(t, err)

	t.Run("Delete resource removes its chunks", func(t *testing.T) {
		deletedChunks, err := resourcesDbHandler.DeleteResource(resource.ID)
		assert.NoError(t, err, "Expected Delete to not return an error")
		assert.Equal(t, 1, deletedChunks, "Expected one chunk to be deleted with the resource")

		_, err = resourcesDbHandler.SelectResource(resource.ID)
		assert.Error(t, err, "Expected resource to be gone after delete")

		chunks, err := embeddingsDbHandler.SelectChunksByResource(resource.ID)
		assert.NoError(t, err)
		assert.Empty(t, chunks, "Expected no chunks left for deleted resource")
	})
}
