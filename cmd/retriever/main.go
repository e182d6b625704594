package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	retriever "github.com/siherrmann/retriever"
	"github.com/siherrmann/retriever/helper"
	"github.com/siherrmann/retriever/llm"
	"github.com/siherrmann/retriever/model"
	"github.com/spf13/cobra"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "retriever",
		Short:         "Document grounded question answering over PostgreSQL",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "retriever.toml", "TOML configuration file, missing sections fall back to environment variables")

	root.AddCommand(newIngestCommand(&configPath))
	root.AddCommand(newSearchCommand(&configPath))
	root.AddCommand(newAskCommand(&configPath))
	root.AddCommand(newResourcesCommand(&configPath))
	root.AddCommand(newIndexCommand(&configPath))
	return root
}

// fileConfig mirrors the TOML configuration file layout
type fileConfig struct {
	Database struct {
		Host     string `toml:"host"`
		Port     string `toml:"port"`
		Database string `toml:"database"`
		Username string `toml:"username"`
		Password string `toml:"password"`
	} `toml:"database"`
	LLM struct {
		Provider            string  `toml:"provider"`
		EmbeddingProvider   string  `toml:"embedding_provider"`
		BaseURL             string  `toml:"base_url"`
		APIKey              string  `toml:"api_key"`
		EmbeddingModel      string  `toml:"embedding_model"`
		ChatModel           string  `toml:"chat_model"`
		EmbeddingDimensions int     `toml:"embedding_dimensions"`
		TimeoutSeconds      int     `toml:"timeout_seconds"`
		PromptCostPerMTok   float64 `toml:"prompt_cost_per_mtok"`
		CompletionCost      float64 `toml:"completion_cost_per_mtok"`
	} `toml:"llm"`
	Ingest *struct {
		ChunkSize      int    `toml:"chunk_size"`
		ChunkOverlap   int    `toml:"chunk_overlap"`
		EmbeddingModel string `toml:"embedding_model"`
	} `toml:"ingest"`
	Retrieval *struct {
		Limit             int       `toml:"limit"`
		Thresholds        []float64 `toml:"thresholds"`
		MaxReformulations int       `toml:"max_reformulations"`
	} `toml:"retrieval"`
	Agent *struct {
		MaxSteps           int `toml:"max_steps"`
		ListResourcesLimit int `toml:"list_resources_limit"`
		HistoryCharBudget  int `toml:"history_char_budget"`
	} `toml:"agent"`
}

// loadConfig builds the retriever configuration from the optional TOML file,
// a .env file and the environment. File values win over environment values.
func loadConfig(configPath string) (*retriever.Config, error) {
	// A missing .env file is fine, the environment may be set directly
	_ = godotenv.Load()

	file := &fileConfig{}
	raw, err := os.ReadFile(configPath)
	if err == nil {
		if err := toml.Unmarshal(raw, file); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", configPath, err)
	}

	dbConfig := &helper.DatabaseConfiguration{
		Host:     file.Database.Host,
		Port:     file.Database.Port,
		Database: file.Database.Database,
		Username: file.Database.Username,
		Password: file.Database.Password,
	}
	if dbConfig.Host == "" {
		dbConfig, err = helper.NewDatabaseConfiguration()
		if err != nil {
			return nil, err
		}
	}

	var llmConfig *llm.Config
	if file.LLM.Provider != "" || file.LLM.APIKey != "" {
		llmConfig = &llm.Config{
			Kind:                  llm.ProviderKind(file.LLM.Provider),
			EmbeddingKind:         llm.ProviderKind(file.LLM.EmbeddingProvider),
			BaseURL:               file.LLM.BaseURL,
			APIKey:                file.LLM.APIKey,
			EmbeddingModel:        file.LLM.EmbeddingModel,
			ChatModel:             file.LLM.ChatModel,
			EmbeddingDimensions:   file.LLM.EmbeddingDimensions,
			Timeout:               time.Duration(file.LLM.TimeoutSeconds) * time.Second,
			PromptCostPerMTok:     file.LLM.PromptCostPerMTok,
			CompletionCostPerMTok: file.LLM.CompletionCost,
		}
		if llmConfig.Kind == "" {
			llmConfig.Kind = llm.ProviderOpenAI
		}
	} else {
		llmConfig, err = llm.NewConfigFromEnv()
		if err != nil {
			return nil, err
		}
	}

	config := &retriever.Config{
		Database: dbConfig,
		LLM:      llmConfig,
	}
	if file.Ingest != nil {
		config.Ingest = &model.IngestConfig{
			ChunkSize:      file.Ingest.ChunkSize,
			ChunkOverlap:   file.Ingest.ChunkOverlap,
			EmbeddingModel: file.Ingest.EmbeddingModel,
		}
	}
	if file.Retrieval != nil {
		config.Retrieval = &model.RetrievalConfig{
			Limit:             file.Retrieval.Limit,
			Thresholds:        file.Retrieval.Thresholds,
			MaxReformulations: file.Retrieval.MaxReformulations,
		}
	}
	if file.Agent != nil {
		config.Agent = &model.AgentConfig{
			MaxSteps:           file.Agent.MaxSteps,
			ListResourcesLimit: file.Agent.ListResourcesLimit,
			HistoryCharBudget:  file.Agent.HistoryCharBudget,
		}
	}

	return config, nil
}

func openRetriever(configPath string) (*retriever.Retriever, error) {
	config, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return retriever.NewRetriever(config)
}

func newIngestCommand(configPath *string) *cobra.Command {
	var collectionTag string

	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Ingest files into the document store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRetriever(*configPath)
			if err != nil {
				return err
			}
			defer r.Close()

			for _, filePath := range args {
				report, err := r.IngestFile(cmd.Context(), filePath, collectionTag)
				if err != nil {
					return fmt.Errorf("ingest %s: %w", filePath, err)
				}
				fmt.Printf("%s  %s  %d chunks  %s\n", report.ResourceID, filePath, report.EmbeddedChunks, report.Status)
				for _, chunkErr := range report.ChunkErrors {
					fmt.Fprintf(os.Stderr, "  %s\n", chunkErr)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&collectionTag, "collection", "", "collection tag for the ingested files")
	return cmd
}

func newSearchCommand(configPath *string) *cobra.Command {
	var collectionTag, resourceID string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the ingested documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRetriever(*configPath)
			if err != nil {
				return err
			}
			defer r.Close()

			response, err := r.Search(cmd.Context(), args[0], model.SearchScope{
				ResourceID:    resourceID,
				CollectionTag: collectionTag,
			})
			if err != nil {
				return err
			}

			if asJSON {
				encoded, err := json.MarshalIndent(response, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(encoded))
				return nil
			}

			if len(response.Results) == 0 {
				fmt.Println("no matching passages found")
				return nil
			}
			for i, result := range response.Results {
				fmt.Printf("[%d] %s (similarity %.2f)\n%s\n\n", i+1, result.ResourceName, result.Similarity, result.Content)
			}
			if response.Reformulated {
				fmt.Printf("found with the reformulated query %q\n", response.Query)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&collectionTag, "collection", "", "restrict the search to one collection")
	cmd.Flags().StringVar(&resourceID, "resource", "", "restrict the search to one resource")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full response as JSON")
	return cmd
}

func newAskCommand(configPath *string) *cobra.Command {
	var conversationID string

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question answered from the ingested documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRetriever(*configPath)
			if err != nil {
				return err
			}
			defer r.Close()

			stream, err := r.Ask(conversationID, nil, args[0])
			if err != nil {
				return err
			}
			events, err := r.Subscribe(stream.ID, 0)
			if err != nil {
				return err
			}

			for event := range events {
				switch event.Type {
				case model.AgentEventTextDelta:
					fmt.Print(event.TextDelta)
				case model.AgentEventToolCall:
					fmt.Fprintf(os.Stderr, "searching: %s %s\n", event.ToolCall.Name, event.ToolCall.Arguments)
				case model.AgentEventError:
					fmt.Fprintf(os.Stderr, "error: %s\n", event.Error)
				case model.AgentEventUsage:
					fmt.Fprintf(os.Stderr, "\ntokens: %d  cost: $%.6f  latency: %dms\n",
						event.Usage.TotalTokens, event.Usage.EstimatedCost, event.Usage.LatencyMS)
				case model.AgentEventDone:
					if event.Outcome != model.TurnOutcomeAnswered {
						return fmt.Errorf("turn ended %s", event.Outcome)
					}
				}
			}
			fmt.Println()
			return nil
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "default", "conversation id for follow up questions")
	return cmd
}

func newResourcesCommand(configPath *string) *cobra.Command {
	resourcesCmd := &cobra.Command{Use: "resources", Short: "Manage ingested documents"}

	var collectionTag string
	var limit, offset int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List ingested documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRetriever(*configPath)
			if err != nil {
				return err
			}
			defer r.Close()

			var resources []*model.Resource
			if collectionTag != "" {
				resources, err = r.Resources.SelectResourcesByCollection(collectionTag, limit, offset)
			} else {
				resources, err = r.Resources.SelectAllResources(limit, offset)
			}
			if err != nil {
				return err
			}

			for _, resource := range resources {
				fmt.Printf("%s  %s  %s  %s\n", resource.ID, resource.Filename, resource.CollectionTag, resource.Status)
			}
			return nil
		},
	}
	listCmd.Flags().StringVar(&collectionTag, "collection", "", "list only one collection")
	listCmd.Flags().IntVar(&limit, "limit", 100, "maximum number of resources to list")
	listCmd.Flags().IntVar(&offset, "offset", 0, "number of resources to skip")

	deleteCmd := &cobra.Command{
		Use:   "delete <resource-id>",
		Short: "Delete a document and its chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRetriever(*configPath)
			if err != nil {
				return err
			}
			defer r.Close()

			deleted, err := r.DeleteResource(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d resource(s)\n", deleted)
			return nil
		},
	}

	var deleteCollectionTag string
	deleteCollectionCmd := &cobra.Command{
		Use:   "delete-collection",
		Short: "Delete all documents of a collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			if deleteCollectionTag == "" {
				return fmt.Errorf("--collection is required")
			}
			r, err := openRetriever(*configPath)
			if err != nil {
				return err
			}
			defer r.Close()

			deleted, err := r.DeleteCollection(deleteCollectionTag)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d resource(s)\n", deleted)
			return nil
		},
	}
	deleteCollectionCmd.Flags().StringVar(&deleteCollectionTag, "collection", "", "collection tag to delete")

	resourcesCmd.AddCommand(listCmd)
	resourcesCmd.AddCommand(deleteCmd)
	resourcesCmd.AddCommand(deleteCollectionCmd)
	return resourcesCmd
}

func newIndexCommand(configPath *string) *cobra.Command {
	var indexType string

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Change the vector index type",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRetriever(*configPath)
			if err != nil {
				return err
			}
			defer r.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			if err := r.ChangeIndexType(ctx, indexType, nil); err != nil {
				return err
			}
			fmt.Printf("index changed to %s\n", indexType)
			return nil
		},
	}
	cmd.Flags().StringVar(&indexType, "type", "hnsw", "index type (hnsw|ivfflat)")
	return cmd
}
