package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/siherrmann/retriever/core/agent"
	"github.com/siherrmann/retriever/core/pipeline"
	"github.com/siherrmann/retriever/core/retrieval"
	"github.com/siherrmann/retriever/core/stream"
	"github.com/siherrmann/retriever/database"
	"github.com/siherrmann/retriever/helper"
	"github.com/siherrmann/retriever/llm"
	"github.com/siherrmann/retriever/model"
	loadSql "github.com/siherrmann/retriever/sql"
)

// ErrGenerationInFlight is returned by Ask when the conversation already has
// an active generation
var ErrGenerationInFlight = stream.ErrGenerationInFlight

// Config bundles the configuration of all components. Nil sections fall back
// to their defaults, the database and LLM sections are required.
type Config struct {
	Database  *helper.DatabaseConfiguration
	LLM       *llm.Config
	Ingest    *model.IngestConfig
	Retrieval *model.RetrievalConfig
	Agent     *model.AgentConfig
}

// Retriever provides a unified interface to ingestion, retrieval and the
// question answering agent
type Retriever struct {
	DB         *helper.Database
	Resources  *database.ResourcesDBHandler
	Embeddings *database.EmbeddingsDBHandler
	Streams    *database.StreamsDBHandler
	Ingestor   *pipeline.Ingestor
	Engine     *retrieval.Engine
	Agent      *agent.Agent       // Nil when the provider cannot generate text
	Controller *stream.Controller // Nil when the provider cannot generate text

	embedder  llm.Embedder
	generator llm.Generator
	// Logging
	log *slog.Logger
}

// NewRetriever creates a new Retriever instance with all handlers initialized
func NewRetriever(config *Config) (*Retriever, error) {
	if config == nil || config.Database == nil || config.LLM == nil {
		return nil, helper.NewError("retriever validation", fmt.Errorf("database and llm configuration are required"))
	}
	if config.Ingest == nil {
		config.Ingest = model.DefaultIngestConfig()
	}
	if config.Retrieval == nil {
		config.Retrieval = model.DefaultRetrievalConfig()
	}
	if config.Agent == nil {
		config.Agent = model.DefaultAgentConfig()
	}

	// Logger
	opts := helper.PrettyHandlerOptions{
		SlogOpts: slog.HandlerOptions{
			Level: slog.LevelInfo,
		},
	}
	logger := slog.New(helper.NewPrettyHandler(os.Stdout, opts))

	// Providers first, the embedding dimension sizes the vector column
	embedder, err := llm.ResolveEmbedder(config.LLM)
	if err != nil {
		return nil, helper.NewError("resolve embedder", err)
	}

	// A provider without a generation API still supports ingestion and
	// search, only the agent and reformulation are unavailable
	generator, err := llm.ResolveGenerator(config.LLM)
	if err != nil {
		var configErr *model.ConfigurationError
		if !errors.As(err, &configErr) {
			return nil, helper.NewError("resolve generator", err)
		}
		logger.Warn("Text generation unavailable", slog.String("reason", configErr.Reason))
		generator = nil
	}

	// Initialize database
	db := helper.NewDatabase("retriever", config.Database, logger)
	err = loadSql.Init(db.Instance)
	if err != nil {
		return nil, helper.NewError("initialize database extensions", err)
	}

	// Create all handlers in the correct order (resources first, then the
	// tables referencing them)
	// force=false to not reload if functions already exist
	resources, err := database.NewResourcesDBHandler(db, false)
	if err != nil {
		return nil, helper.NewError("create resources handler", err)
	}

	embeddings, err := database.NewEmbeddingsDBHandler(db, embedder.Dimension(), false)
	if err != nil {
		return nil, helper.NewError("create embeddings handler", err)
	}

	streams, err := database.NewStreamsDBHandler(db, false)
	if err != nil {
		return nil, helper.NewError("create streams handler", err)
	}

	// Ingestion pipeline
	pipe := pipeline.NewPipeline(pipeline.WindowChunker(config.Ingest), embedder.Embed)
	ingestor, err := pipeline.NewIngestor(resources, embeddings, pipe, logger)
	if err != nil {
		return nil, helper.NewError("create ingestor", err)
	}

	// Retrieval engine with threshold ladder and optional reformulation
	engine, err := retrieval.NewEngine(embeddings, embedder, config.Retrieval, logger)
	if err != nil {
		return nil, helper.NewError("create retrieval engine", err)
	}

	retriever := &Retriever{
		DB:         db,
		Resources:  resources,
		Embeddings: embeddings,
		Streams:    streams,
		Ingestor:   ingestor,
		Engine:     engine,
		embedder:   embedder,
		generator:  generator,
		log:        logger,
	}

	if generator != nil {
		reformulator, err := retrieval.NewLLMReformulator(generator)
		if err != nil {
			return nil, helper.NewError("create reformulator", err)
		}
		engine.SetReformulator(reformulator)

		registry := agent.NewRegistry()
		if err := registry.Register(agent.NewSearchTool(engine)); err != nil {
			return nil, helper.NewError("register search tool", err)
		}
		if err := registry.Register(agent.NewListResourcesTool(resources, config.Agent.ListResourcesLimit)); err != nil {
			return nil, helper.NewError("register list resources tool", err)
		}

		agentLoop, err := agent.NewAgent(generator, registry, config.Agent, logger)
		if err != nil {
			return nil, helper.NewError("create agent", err)
		}
		retriever.Agent = agentLoop

		controller, err := stream.NewController(streams, agentLoop, logger)
		if err != nil {
			return nil, helper.NewError("create stream controller", err)
		}
		retriever.Controller = controller
	}

	return retriever, nil
}

// Close stops all in flight generations and closes the database connection
func (r *Retriever) Close() error {
	if r.Controller != nil {
		r.Controller.Close()
	}
	if closer, ok := r.embedder.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			r.log.Warn("Failed to close embedder", slog.String("error", err.Error()))
		}
	}
	if r.DB != nil && r.DB.Instance != nil {
		return r.DB.Instance.Close()
	}
	return nil
}

// IngestDocument runs the ingestion pipeline for a resource carrying its
// content in memory. Re-ingesting a resource with the same id replaces its
// stored chunks.
func (r *Retriever) IngestDocument(ctx context.Context, resource *model.Resource) (*pipeline.IngestReport, error) {
	report, err := r.Ingestor.Ingest(ctx, resource)
	if err != nil {
		return report, err
	}

	r.log.Info("Ingested document",
		slog.String("resource_id", report.ResourceID),
		slog.String("status", string(report.Status)),
		slog.Int("chunks", report.EmbeddedChunks),
	)

	return report, nil
}

// IngestFile reads a file and ingests it. The resource id is derived from
// the absolute file path, so ingesting the same file twice updates it.
func (r *Retriever) IngestFile(ctx context.Context, filePath string, collectionTag string) (*pipeline.IngestReport, error) {
	resource, err := model.NewResourceFromFile(filePath, collectionTag)
	if err != nil {
		return nil, helper.NewError("read file", err)
	}
	return r.IngestDocument(ctx, resource)
}

// IngestPages assembles pre-split pages into one document with page markers
// and ingests it under the given filename
func (r *Retriever) IngestPages(ctx context.Context, pages []string, filename string, collectionTag string) (*pipeline.IngestReport, error) {
	resource := &model.Resource{
		ID:            model.DeterministicResourceID(filename),
		Filename:      filename,
		CollectionTag: collectionTag,
		ContentType:   "text/plain",
		Status:        model.ResourceStatusProcessing,
		Content:       pipeline.AssemblePages(pages),
	}
	return r.IngestDocument(ctx, resource)
}

// Search performs similarity search over the ingested chunks, descending the
// threshold ladder and reformulating the query as a last resort
func (r *Retriever) Search(ctx context.Context, query string, scope model.SearchScope) (*retrieval.SearchResponse, error) {
	return r.Engine.Search(ctx, query, scope)
}

// Ask starts a question answering turn for a conversation. The returned
// stream identifies the generation, events are consumed via Subscribe.
func (r *Retriever) Ask(conversationID string, history []model.ChatMessage, question string) (*model.Stream, error) {
	if r.Controller == nil {
		return nil, helper.NewError("ask", fmt.Errorf("text generation is not available with this provider"))
	}
	return r.Controller.StartTurn(conversationID, history, question)
}

// Subscribe attaches to a generation stream, replaying persisted events with
// seq > afterSeq before live ones. Pass afterSeq 0 for the full stream.
func (r *Retriever) Subscribe(streamID string, afterSeq int64) (<-chan model.AgentEvent, error) {
	if r.Controller == nil {
		return nil, helper.NewError("subscribe", fmt.Errorf("text generation is not available with this provider"))
	}
	return r.Controller.Subscribe(streamID, afterSeq)
}

// Resume finds the latest stream of a conversation and attaches to it after
// the given sequence number
func (r *Retriever) Resume(conversationID string, afterSeq int64) (*model.Stream, <-chan model.AgentEvent, error) {
	if r.Controller == nil {
		return nil, nil, helper.NewError("resume", fmt.Errorf("text generation is not available with this provider"))
	}

	latest, err := r.Controller.LatestStream(conversationID)
	if err != nil {
		return nil, nil, err
	}

	events, err := r.Controller.Subscribe(latest.ID, afterSeq)
	if err != nil {
		return nil, nil, err
	}
	return latest, events, nil
}

// CancelTurn stops an in flight generation and marks its stream CANCELLED
func (r *Retriever) CancelTurn(streamID string) error {
	if r.Controller == nil {
		return helper.NewError("cancel turn", fmt.Errorf("text generation is not available with this provider"))
	}
	return r.Controller.Cancel(streamID)
}

// DeleteResource removes a resource and its chunks. Returns the number of
// deleted resources (0 or 1).
func (r *Retriever) DeleteResource(id string) (int, error) {
	return r.Resources.DeleteResource(id)
}

// DeleteCollection removes all resources of a collection and their chunks.
// Returns the number of deleted resources.
func (r *Retriever) DeleteCollection(collectionTag string) (int, error) {
	deleted := 0
	for {
		resources, err := r.Resources.SelectResourcesByCollection(collectionTag, 100, 0)
		if err != nil {
			return deleted, err
		}
		if len(resources) == 0 {
			return deleted, nil
		}

		for _, resource := range resources {
			count, err := r.Resources.DeleteResource(resource.ID)
			if err != nil {
				return deleted, err
			}
			deleted += count
		}
	}
}

// ChangeIndexType changes the vector index type between HNSW and IVFFlat
func (r *Retriever) ChangeIndexType(ctx context.Context, indexType string, params map[string]interface{}) error {
	return r.Embeddings.ChangeIndexType(ctx, indexType, params)
}
