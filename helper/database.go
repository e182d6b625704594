package helper

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DatabaseConfiguration holds the connection parameters for PostgreSQL
type DatabaseConfiguration struct {
	Host     string
	Port     string
	Database string
	Username string
	Password string
}

// NewDatabaseConfiguration creates a database configuration from environment
// variables (RETRIEVER_DB_HOST, RETRIEVER_DB_PORT, RETRIEVER_DB_DATABASE,
// RETRIEVER_DB_USERNAME, RETRIEVER_DB_PASSWORD)
func NewDatabaseConfiguration() (*DatabaseConfiguration, error) {
	config := &DatabaseConfiguration{
		Host:     os.Getenv("RETRIEVER_DB_HOST"),
		Port:     os.Getenv("RETRIEVER_DB_PORT"),
		Database: os.Getenv("RETRIEVER_DB_DATABASE"),
		Username: os.Getenv("RETRIEVER_DB_USERNAME"),
		Password: os.Getenv("RETRIEVER_DB_PASSWORD"),
	}

	if config.Host == "" || config.Port == "" || config.Database == "" || config.Username == "" || config.Password == "" {
		return nil, NewError("database configuration", fmt.Errorf("missing database environment variables"))
	}

	return config, nil
}

// Database wraps the sql database connection with a name and logger
type Database struct {
	Name     string
	Instance *sql.DB
	Logger   *slog.Logger
}

// NewDatabase opens a connection to the configured PostgreSQL instance.
// It panics if the database is not reachable, because nothing else works
// without it.
func NewDatabase(name string, config *DatabaseConfiguration, logger *slog.Logger) *Database {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		config.Host,
		config.Port,
		config.Username,
		config.Password,
		config.Database,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Panicf("error opening database connection: %v", err)
	}

	// The container may still be starting up
	for attempt := 0; attempt < 10; attempt++ {
		err = db.Ping()
		if err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		log.Panicf("error pinging database: %v", err)
	}

	logger.Info("Connected to database", slog.String("name", name), slog.String("host", config.Host))

	return &Database{
		Name:     name,
		Instance: db,
		Logger:   logger,
	}
}

// Close closes the underlying database connection
func (d *Database) Close() error {
	if d.Instance != nil {
		return d.Instance.Close()
	}
	return nil
}

// NewTestDatabase opens a database connection with a quiet logger for tests
func NewTestDatabase(config *DatabaseConfiguration) *Database {
	opts := PrettyHandlerOptions{
		SlogOpts: slog.HandlerOptions{
			Level: slog.LevelWarn,
		},
	}
	logger := slog.New(NewPrettyHandler(os.Stdout, opts))
	return NewDatabase("retriever_test", config, logger)
}

const (
	testDatabaseName     = "retriever"
	testDatabaseUsername = "retriever"
	testDatabasePassword = "retriever"
)

// MustStartPostgresContainer starts a pgvector enabled PostgreSQL container
// for tests and returns its teardown function and mapped port
func MustStartPostgresContainer() (func(ctx context.Context, opts ...testcontainers.TerminateOption) error, string, error) {
	ctx := context.Background()

	container, err := postgres.Run(
		ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase(testDatabaseName),
		postgres.WithUsername(testDatabaseUsername),
		postgres.WithPassword(testDatabasePassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, "", err
	}

	mappedPort, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return container.Terminate, "", err
	}

	return container.Terminate, mappedPort.Port(), nil
}

// SetTestDatabaseConfigEnvs sets the database environment variables for the
// container started by MustStartPostgresContainer
func SetTestDatabaseConfigEnvs(t *testing.T, port string) {
	t.Setenv("RETRIEVER_DB_HOST", "localhost")
	t.Setenv("RETRIEVER_DB_PORT", port)
	t.Setenv("RETRIEVER_DB_DATABASE", testDatabaseName)
	t.Setenv("RETRIEVER_DB_USERNAME", testDatabaseUsername)
	t.Setenv("RETRIEVER_DB_PASSWORD", testDatabasePassword)
}
