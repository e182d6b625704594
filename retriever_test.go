package retriever

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/siherrmann/retriever/helper"
	"github.com/siherrmann/retriever/llm"
	"github.com/siherrmann/retriever/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
)

var dbPort string

func TestMain(m *testing.M) {
	var err error
	var teardown func(ctx context.Context, opts ...testcontainers.TerminateOption) error
	teardown, dbPort, err = helper.MustStartPostgresContainer()
	if err != nil {
		log.Fatalf("error starting postgres container: %v", err)
	}

	code := m.Run()

	if err := teardown(context.Background()); err != nil {
		log.Fatalf("error tearing down postgres container: %v", err)
	}

	os.Exit(code)
}

// newFakeLLMServer serves an OpenAI compatible API plus an anthropic messages
// endpoint: every text embeds to the same unit vector so any query matches
// any chunk, and the chat endpoints always search once before answering from
// the tool result.
func newFakeLLMServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		embedding := []float32{1, 0, 0, 0, 0, 0, 0, 0}
		writeJSON(t, w, map[string]any{
			"data": []map[string]any{{"embedding": embedding}},
		})
	})
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var request struct {
			Stream   bool `json:"stream"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&request))

		if !request.Stream {
			writeJSON(t, w, map[string]any{
				"choices": []map[string]any{{
					"message":       map[string]any{"role": "assistant", "content": "alternative phrasing"},
					"finish_reason": "stop",
				}},
				"usage": map[string]any{"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8},
			})
			return
		}

		searched := false
		lastUser := ""
		for _, message := range request.Messages {
			if message.Role == "tool" {
				searched = true
			}
			if message.Role == "user" {
				lastUser = message.Content
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		if !searched {
			arguments, err := json.Marshal(map[string]string{"query": lastUser})
			require.NoError(t, err)
			writeChunk(t, w, map[string]any{
				"choices": []map[string]any{{
					"delta": map[string]any{
						"tool_calls": []map[string]any{{
							"index": 0,
							"id":    "call_1",
							"type":  "function",
							"function": map[string]any{
								"name":      "search_documents",
								"arguments": string(arguments),
							},
						}},
					},
				}},
			})
			writeChunk(t, w, map[string]any{
				"choices": []map[string]any{{"delta": map[string]any{}, "finish_reason": "tool_calls"}},
			})
		} else {
			writeChunk(t, w, map[string]any{
				"choices": []map[string]any{{"delta": map[string]any{"content": "The documents say "}}},
			})
			writeChunk(t, w, map[string]any{
				"choices": []map[string]any{{"delta": map[string]any{"content": "the moon causes tides."}, "finish_reason": "stop"}},
			})
		}
		writeChunk(t, w, map[string]any{
			"choices": []map[string]any{},
			"usage":   map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	mux.HandleFunc("/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		var request struct {
			Messages []struct {
				Role    string `json:"role"`
				Content []struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&request))

		searched := false
		lastUser := ""
		for _, message := range request.Messages {
			for _, block := range message.Content {
				if block.Type == "tool_result" {
					searched = true
				}
				if message.Role == "user" && block.Type == "text" {
					lastUser = block.Text
				}
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		writeChunk(t, w, map[string]any{
			"type":    "message_start",
			"message": map[string]any{"usage": map[string]any{"input_tokens": 10}},
		})
		if !searched {
			arguments, err := json.Marshal(map[string]string{"query": lastUser})
			require.NoError(t, err)
			writeChunk(t, w, map[string]any{
				"type":          "content_block_start",
				"content_block": map[string]any{"type": "tool_use", "id": "toolu_1", "name": "search_documents"},
			})
			writeChunk(t, w, map[string]any{
				"type":  "content_block_delta",
				"delta": map[string]any{"type": "input_json_delta", "partial_json": string(arguments)},
			})
			writeChunk(t, w, map[string]any{"type": "content_block_stop"})
			writeChunk(t, w, map[string]any{
				"type":  "message_delta",
				"delta": map[string]any{"stop_reason": "tool_use"},
				"usage": map[string]any{"output_tokens": 5},
			})
		} else {
			writeChunk(t, w, map[string]any{
				"type":  "content_block_delta",
				"delta": map[string]any{"type": "text_delta", "text": "The documents say "},
			})
			writeChunk(t, w, map[string]any{
				"type":  "content_block_delta",
				"delta": map[string]any{"type": "text_delta", "text": "the moon causes tides."},
			})
			writeChunk(t, w, map[string]any{
				"type":  "message_delta",
				"delta": map[string]any{"stop_reason": "end_turn"},
				"usage": map[string]any{"output_tokens": 5},
			})
		}
		writeChunk(t, w, map[string]any{"type": "message_stop"})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func writeJSON(t *testing.T, w http.ResponseWriter, payload any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(payload))
}

func writeChunk(t *testing.T, w http.ResponseWriter, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	fmt.Fprintf(w, "data: %s\n\n", data)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func initRetriever(t *testing.T) *Retriever {
	t.Helper()

	server := newFakeLLMServer(t)
	helper.SetTestDatabaseConfigEnvs(t, dbPort)
	dbConfig, err := helper.NewDatabaseConfiguration()
	require.NoError(t, err, "failed to create database configuration")

	r, err := NewRetriever(&Config{
		Database: dbConfig,
		LLM: &llm.Config{
			Kind:                llm.ProviderOpenAI,
			BaseURL:             server.URL,
			APIKey:              "test-key",
			EmbeddingDimensions: 8,
		},
	})
	require.NoError(t, err, "failed to create retriever")
	require.NotNil(t, r, "expected retriever to be non-nil")

	t.Cleanup(func() {
		err := r.Close()
		assert.NoError(t, err, "failed to close retriever")
	})

	return r
}

// initAnthropicRetriever wires the anthropic chat provider with the openai
// embedding provider, the split an anthropic deployment uses
func initAnthropicRetriever(t *testing.T) *Retriever {
	t.Helper()

	server := newFakeLLMServer(t)
	helper.SetTestDatabaseConfigEnvs(t, dbPort)
	dbConfig, err := helper.NewDatabaseConfiguration()
	require.NoError(t, err, "failed to create database configuration")

	r, err := NewRetriever(&Config{
		Database: dbConfig,
		LLM: &llm.Config{
			Kind:                llm.ProviderAnthropic,
			EmbeddingKind:       llm.ProviderOpenAI,
			BaseURL:             server.URL,
			APIKey:              "test-key",
			EmbeddingDimensions: 8,
		},
	})
	require.NoError(t, err, "failed to create retriever")
	require.NotNil(t, r, "expected retriever to be non-nil")

	t.Cleanup(func() {
		err := r.Close()
		assert.NoError(t, err, "failed to close retriever")
	})

	return r
}

func testResource(id string, collectionTag string, content string) *model.Resource {
	return &model.Resource{
		ID:            id,
		Filename:      id + ".txt",
		CollectionTag: collectionTag,
		ContentType:   "text/plain",
		Status:        model.ResourceStatusProcessing,
		Content:       content,
	}
}

func collectAgentEvents(t *testing.T, events <-chan model.AgentEvent) []model.AgentEvent {
	t.Helper()
	var collected []model.AgentEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return collected
			}
			collected = append(collected, event)
		case <-timeout:
			t.Fatal("Timed out collecting agent events")
			return nil
		}
	}
}

func TestNewRetriever(t *testing.T) {
	t.Run("Valid call NewRetriever", func(t *testing.T) {
		r := initRetriever(t)
		assert.NotNil(t, r.Resources)
		assert.NotNil(t, r.Embeddings)
		assert.NotNil(t, r.Streams)
		assert.NotNil(t, r.Ingestor)
		assert.NotNil(t, r.Engine)
		assert.NotNil(t, r.Agent)
		assert.NotNil(t, r.Controller)
	})

	t.Run("Invalid call NewRetriever without configuration", func(t *testing.T) {
		_, err := NewRetriever(nil)
		assert.Error(t, err)
	})

	t.Run("Invalid call NewRetriever without llm configuration", func(t *testing.T) {
		helper.SetTestDatabaseConfigEnvs(t, dbPort)
		dbConfig, err := helper.NewDatabaseConfiguration()
		require.NoError(t, err)

		_, err = NewRetriever(&Config{Database: dbConfig})
		assert.Error(t, err)
	})
}

func TestRetrieverIngestAndSearch(t *testing.T) {
	r := initRetriever(t)

	t.Run("Ingested document is found by search", func(t *testing.T) {
		report, err := r.IngestDocument(context.Background(), testResource("facade-search", "facade-tests", "The moon causes tides."))
		require.NoError(t, err)
		assert.Equal(t, model.ResourceStatusCompleted, report.Status)
		assert.Equal(t, 1, report.TotalChunks)
		assert.Equal(t, 1, report.EmbeddedChunks)

		response, err := r.Search(context.Background(), "what causes tides", model.SearchScope{ResourceID: "facade-search"})
		require.NoError(t, err)
		require.Len(t, response.Results, 1)
		assert.Equal(t, "The moon causes tides.", response.Results[0].Content)
		assert.Equal(t, 1, response.Attempt)
		assert.InDelta(t, 1.0, response.Results[0].Similarity, 0.001)
	})

	t.Run("Re-ingesting replaces the stored chunks", func(t *testing.T) {
		_, err := r.IngestDocument(context.Background(), testResource("facade-reingest", "facade-tests", "First version."))
		require.NoError(t, err)

		report, err := r.IngestDocument(context.Background(), testResource("facade-reingest", "facade-tests", "Second version."))
		require.NoError(t, err)
		assert.Equal(t, 1, report.ReplacedChunks)

		chunks, err := r.Embeddings.SelectChunksByResource("facade-reingest")
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, "Second version.", chunks[0].Content)
	})

	t.Run("Ingesting a file derives the resource id from its path", func(t *testing.T) {
		filePath := filepath.Join(t.TempDir(), "notes.txt")
		require.NoError(t, os.WriteFile(filePath, []byte("Spring tides are stronger."), 0o644))

		report, err := r.IngestFile(context.Background(), filePath, "facade-tests")
		require.NoError(t, err)
		assert.Equal(t, model.ResourceStatusCompleted, report.Status)

		absPath, err := filepath.Abs(filePath)
		require.NoError(t, err)
		assert.Equal(t, model.DeterministicResourceID(absPath), report.ResourceID)
	})

	t.Run("Ingesting pages keeps the page markers", func(t *testing.T) {
		report, err := r.IngestPages(context.Background(), []string{"First page.", "Second page."}, "paged.txt", "facade-tests")
		require.NoError(t, err)

		chunks, err := r.Embeddings.SelectChunksByResource(report.ResourceID)
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Contains(t, chunks[0].Content, "--- Page 1 ---\nFirst page.")
		assert.Contains(t, chunks[0].Content, "--- Page 2 ---\nSecond page.")
	})
}

func TestRetrieverDelete(t *testing.T) {
	r := initRetriever(t)

	t.Run("Deleting a resource removes its chunks", func(t *testing.T) {
		_, err := r.IngestDocument(context.Background(), testResource("facade-delete", "facade-delete-tests", "Content to delete."))
		require.NoError(t, err)

		deleted, err := r.DeleteResource("facade-delete")
		assert.NoError(t, err)
		assert.Equal(t, 1, deleted)

		chunks, err := r.Embeddings.SelectChunksByResource("facade-delete")
		require.NoError(t, err)
		assert.Empty(t, chunks)
	})

	t.Run("Deleting a collection removes all its resources", func(t *testing.T) {
		_, err := r.IngestDocument(context.Background(), testResource("facade-coll-1", "facade-collection", "First."))
		require.NoError(t, err)
		_, err = r.IngestDocument(context.Background(), testResource("facade-coll-2", "facade-collection", "Second."))
		require.NoError(t, err)

		deleted, err := r.DeleteCollection("facade-collection")
		assert.NoError(t, err)
		assert.Equal(t, 2, deleted)

		remaining, err := r.Resources.SelectResourcesByCollection("facade-collection", 10, 0)
		require.NoError(t, err)
		assert.Empty(t, remaining)
	})

	t.Run("Deleting an unknown resource deletes nothing", func(t *testing.T) {
		deleted, err := r.DeleteResource("facade-unknown")
		assert.NoError(t, err)
		assert.Zero(t, deleted)
	})
}

func TestRetrieverAsk(t *testing.T) {
	r := initRetriever(t)

	_, err := r.IngestDocument(context.Background(), testResource("facade-ask", "facade-ask-tests", "The moon causes tides."))
	require.NoError(t, err)

	t.Run("A turn searches the documents and answers from them", func(t *testing.T) {
		stream, err := r.Ask("facade-conv-1", nil, "what causes tides")
		require.NoError(t, err)
		assert.Equal(t, model.StreamStatusActive, stream.Status)

		events, err := r.Subscribe(stream.ID, 0)
		require.NoError(t, err)
		collected := collectAgentEvents(t, events)

		var sawToolCall, sawToolResult bool
		answer := ""
		for _, event := range collected {
			switch event.Type {
			case model.AgentEventToolCall:
				sawToolCall = true
				assert.Equal(t, "search_documents", event.ToolCall.Name)
			case model.AgentEventToolResult:
				sawToolResult = true
				assert.Contains(t, event.ToolResult, "The moon causes tides.")
			case model.AgentEventTextDelta:
				answer += event.TextDelta
			}
		}
		assert.True(t, sawToolCall, "Expected the agent to search before answering")
		assert.True(t, sawToolResult)
		assert.Equal(t, "The documents say the moon causes tides.", answer)

		done := collected[len(collected)-1]
		assert.Equal(t, model.AgentEventDone, done.Type)
		assert.Equal(t, model.TurnOutcomeAnswered, done.Outcome)

		usage := collected[len(collected)-2]
		assert.Equal(t, model.AgentEventUsage, usage.Type)
		assert.Equal(t, 30, usage.Usage.TotalTokens, "Expected usage summed over both model calls")

		require.Eventually(t, func() bool {
			persisted, err := r.Streams.SelectStream(stream.ID)
			return err == nil && persisted.Status == model.StreamStatusCompleted
		}, 5*time.Second, 50*time.Millisecond)
	})

	t.Run("An anthropic deployment answers end to end", func(t *testing.T) {
		anthropic := initAnthropicRetriever(t)
		require.NotNil(t, anthropic.Agent, "Expected the anthropic provider to generate text")
		require.NotNil(t, anthropic.Controller)

		_, err := anthropic.IngestDocument(context.Background(), testResource("facade-ask-anthropic", "facade-ask-tests", "The moon causes tides."))
		require.NoError(t, err)

		stream, err := anthropic.Ask("facade-conv-anthropic", nil, "what causes tides")
		require.NoError(t, err)

		events, err := anthropic.Subscribe(stream.ID, 0)
		require.NoError(t, err)
		collected := collectAgentEvents(t, events)

		var sawToolCall bool
		answer := ""
		for _, event := range collected {
			switch event.Type {
			case model.AgentEventToolCall:
				sawToolCall = true
				assert.Equal(t, "search_documents", event.ToolCall.Name)
			case model.AgentEventTextDelta:
				answer += event.TextDelta
			}
		}
		assert.True(t, sawToolCall, "Expected the agent to search before answering")
		assert.Equal(t, "The documents say the moon causes tides.", answer)

		done := collected[len(collected)-1]
		assert.Equal(t, model.AgentEventDone, done.Type)
		assert.Equal(t, model.TurnOutcomeAnswered, done.Outcome)

		usage := collected[len(collected)-2]
		assert.Equal(t, model.AgentEventUsage, usage.Type)
		assert.Equal(t, 30, usage.Usage.TotalTokens, "Expected usage summed over both model calls")
	})

	t.Run("A finished turn can be resumed from a sequence number", func(t *testing.T) {
		stream, err := r.Ask("facade-conv-2", nil, "what causes tides")
		require.NoError(t, err)

		events, err := r.Subscribe(stream.ID, 0)
		require.NoError(t, err)
		collected := collectAgentEvents(t, events)
		require.NotEmpty(t, collected)

		resumed, replay, err := r.Resume("facade-conv-2", collected[0].Seq)
		require.NoError(t, err)
		assert.Equal(t, stream.ID, resumed.ID)

		replayed := collectAgentEvents(t, replay)
		assert.Len(t, replayed, len(collected)-1, "Expected the replay to skip the already seen event")
	})

	t.Run("A second turn for a busy conversation is rejected", func(t *testing.T) {
		stream, err := r.Ask("facade-conv-3", nil, "what causes tides")
		require.NoError(t, err)

		// The turn may already have finished, only an in flight one rejects
		_, err = r.Ask("facade-conv-3", nil, "again")
		if err != nil {
			assert.ErrorIs(t, err, ErrGenerationInFlight)
		}

		events, subErr := r.Subscribe(stream.ID, 0)
		require.NoError(t, subErr)
		collectAgentEvents(t, events)
	})
}
