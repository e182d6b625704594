package main

import (
	"context"
	"fmt"
	"log"
	"os"

	retriever "github.com/siherrmann/retriever"
	"github.com/siherrmann/retriever/helper"
	"github.com/siherrmann/retriever/llm"
	"github.com/siherrmann/retriever/model"
)

const sampleContent = `This is a sample document about tides.

Tides are the rise and fall of sea levels caused by the gravitational pull
of the moon and, to a lesser extent, the sun. Most coastal areas experience
two high tides and two low tides every lunar day.

Spring tides occur when the sun and moon align, producing the largest tidal
range. Neap tides occur when the sun and moon are at right angles to each
other, producing the smallest tidal range.`

func main() {
	// Start a test PostgreSQL container
	teardown, dbPort, err := helper.MustStartPostgresContainer()
	if err != nil {
		log.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer teardown(context.Background())

	// Create database configuration using the container port
	dbConfig := &helper.DatabaseConfiguration{
		Host:     "localhost",
		Port:     dbPort,
		Database: "retriever",
		Username: "retriever",
		Password: "retriever",
	}

	// The local provider embeds with an ONNX model and needs no API key.
	// Set RETRIEVER_LLM_API_KEY to use OpenAI and enable question answering.
	llmConfig := &llm.Config{Kind: llm.ProviderLocal}
	if apiKey := os.Getenv("RETRIEVER_LLM_API_KEY"); apiKey != "" {
		llmConfig = &llm.Config{Kind: llm.ProviderOpenAI, APIKey: apiKey}
	}

	r, err := retriever.NewRetriever(&retriever.Config{
		Database: dbConfig,
		LLM:      llmConfig,
	})
	if err != nil {
		log.Fatalf("Failed to create retriever: %v", err)
	}
	defer r.Close()

	// Ingest a document
	fmt.Println("Ingesting document...")
	report, err := r.IngestDocument(context.Background(), &model.Resource{
		ID:            model.DeterministicResourceID("example/tides.txt"),
		Filename:      "tides.txt",
		CollectionTag: "example",
		ContentType:   "text/plain",
		Status:        model.ResourceStatusProcessing,
		Content:       sampleContent,
	})
	if err != nil {
		log.Fatalf("Failed to ingest document: %v", err)
	}
	fmt.Printf("Ingested %s with %d chunks (%s)\n", report.ResourceID, report.EmbeddedChunks, report.Status)

	// Search the ingested chunks
	queryText := "Why does the sea level rise and fall?"
	fmt.Printf("\nSearching: %s\n", queryText)

	response, err := r.Search(context.Background(), queryText, model.SearchScope{CollectionTag: "example"})
	if err != nil {
		log.Fatalf("Failed to search: %v", err)
	}

	fmt.Printf("Found %d results (attempt %d, threshold %.2f):\n", len(response.Results), response.Attempt, response.ThresholdUsed)
	for i, result := range response.Results {
		fmt.Printf("\n--- Result %d ---\n", i+1)
		fmt.Printf("Similarity: %.4f\n", result.Similarity)
		fmt.Printf("Source: %s\n", result.ResourceName)
		fmt.Printf("Content: %s\n", result.Content)
	}

	// Question answering needs a provider with a generation API
	if r.Controller == nil {
		fmt.Println("\nSet RETRIEVER_LLM_API_KEY to try question answering.")
		return
	}

	question := "What causes spring tides?"
	fmt.Printf("\nAsking: %s\n", question)

	stream, err := r.Ask("example-conversation", nil, question)
	if err != nil {
		log.Fatalf("Failed to start turn: %v", err)
	}
	events, err := r.Subscribe(stream.ID, 0)
	if err != nil {
		log.Fatalf("Failed to subscribe: %v", err)
	}

	for event := range events {
		switch event.Type {
		case model.AgentEventTextDelta:
			fmt.Print(event.TextDelta)
		case model.AgentEventToolCall:
			fmt.Printf("[searching: %s]\n", event.ToolCall.Arguments)
		case model.AgentEventUsage:
			fmt.Printf("\n[tokens: %d]\n", event.Usage.TotalTokens)
		}
	}

	fmt.Println("\nExample completed successfully!")
}
