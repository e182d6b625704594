package sql

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log"
)

//go:embed init.sql
var initSQL string

//go:embed resources.sql
var resourcesSQL string

//go:embed embeddings.sql
var embeddingsSQL string

//go:embed streams.sql
var streamsSQL string

// Function lists for verification
var ResourcesFunctions = []string{
	"init_resources",
	"insert_resource",
	"select_resource",
	"select_all_resources",
	"select_resources_by_collection",
	"update_resource_status",
	"delete_resource",
}

var EmbeddingsFunctions = []string{
	"init_embeddings",
	"select_embedding_dimension",
	"insert_embedding",
	"select_embeddings_by_resource",
	"select_embeddings_by_similarity",
	"delete_embeddings_by_resource",
	"delete_embeddings_by_collection",
	"count_embeddings",
}

var StreamsFunctions = []string{
	"init_streams",
	"insert_stream",
	"update_stream_status",
	"select_stream",
	"select_latest_stream_by_conversation",
	"insert_stream_event",
	"select_stream_events",
}

// Init intializes db extensions
func Init(db *sql.DB) error {
	_, err := db.Exec(initSQL)
	if err != nil {
		return fmt.Errorf("error executing schema SQL: %w", err)
	}

	log.Println("Database extensions initialized successfully")
	return nil
}

// LoadResourcesSql loads resource-related SQL functions
func LoadResourcesSql(db *sql.DB, force bool) error {
	if !force {
		exist, err := checkFunctions(db, ResourcesFunctions)
		if err != nil {
			return fmt.Errorf("error checking existing resources functions: %w", err)
		}
		if exist {
			return nil
		}
	}

	_, err := db.Exec(resourcesSQL)
	if err != nil {
		return fmt.Errorf("error executing resources SQL: %w", err)
	}

	exist, err := checkFunctions(db, ResourcesFunctions)
	if err != nil {
		return fmt.Errorf("error checking existing functions: %w", err)
	}
	if !exist {
		return fmt.Errorf("not all required SQL functions were created")
	}

	log.Println("SQL resources functions loaded successfully")
	return nil
}

// LoadEmbeddingsSql loads embedding-related SQL functions
func LoadEmbeddingsSql(db *sql.DB, force bool) error {
	if !force {
		exist, err := checkFunctions(db, EmbeddingsFunctions)
		if err != nil {
			return fmt.Errorf("error checking existing embeddings functions: %w", err)
		}
		if exist {
			return nil
		}
	}

	_, err := db.Exec(embeddingsSQL)
	if err != nil {
		return fmt.Errorf("error executing embeddings SQL: %w", err)
	}

	exist, err := checkFunctions(db, EmbeddingsFunctions)
	if err != nil {
		return fmt.Errorf("error checking existing functions: %w", err)
	}
	if !exist {
		return fmt.Errorf("not all required SQL functions were created")
	}

	log.Println("SQL embeddings functions loaded successfully")
	return nil
}

// LoadStreamsSql loads stream-related SQL functions
func LoadStreamsSql(db *sql.DB, force bool) error {
	if !force {
		exist, err := checkFunctions(db, StreamsFunctions)
		if err != nil {
			return fmt.Errorf("error checking existing streams functions: %w", err)
		}
		if exist {
			return nil
		}
	}

	_, err := db.Exec(streamsSQL)
	if err != nil {
		return fmt.Errorf("error executing streams SQL: %w", err)
	}

	exist, err := checkFunctions(db, StreamsFunctions)
	if err != nil {
		return fmt.Errorf("error checking existing functions: %w", err)
	}
	if !exist {
		return fmt.Errorf("not all required SQL functions were created")
	}

	log.Println("SQL streams functions loaded successfully")
	return nil
}

// LoadAllSql loads all SQL functions
func LoadAllSql(db *sql.DB, force bool) error {
	if err := LoadResourcesSql(db, force); err != nil {
		return err
	}

	if err := LoadEmbeddingsSql(db, force); err != nil {
		return err
	}

	if err := LoadStreamsSql(db, force); err != nil {
		return err
	}

	return nil
}

// checkFunctions verifies that all required functions exist in the database
func checkFunctions(db *sql.DB, sqlFunctions []string) (bool, error) {
	var allExist bool
	for _, f := range sqlFunctions {
		err := db.QueryRow(
			`SELECT EXISTS(SELECT 1 FROM pg_proc WHERE proname = $1);`,
			f,
		).Scan(&allExist)
		if err != nil {
			return false, fmt.Errorf("error checking existence of function %s: %w", f, err)
		}
		if !allExist {
			log.Printf("Function %s does not exist", f)
			break
		}
	}
	return allExist, nil
}
