package llm

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/siherrmann/retriever/helper"
	"github.com/siherrmann/retriever/model"
)

// ProviderKind identifies one supported LLM provider
type ProviderKind string

const (
	ProviderOpenAI    ProviderKind = "openai"
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderLocal     ProviderKind = "local"
)

// Embedder converts free text into a numeric vector representation
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Generator produces model responses for a conversation, optionally calling
// tools offered in the request
type Generator interface {
	GenerateText(ctx context.Context, request *ChatRequest) (*ChatResponse, error)
	StreamText(ctx context.Context, request *ChatRequest) (<-chan ChatEvent, error)
}

// ChatRequest is a provider independent chat completion request
type ChatRequest struct {
	Messages    []model.ChatMessage
	Tools       []model.ToolDefinition
	MaxTokens   int
	Temperature float64
}

// ChatResponse is a complete, non streamed model response
type ChatResponse struct {
	Message      model.ChatMessage
	Usage        model.Usage
	FinishReason string
}

// ChatEvent is one streamed fragment of a model response. The channel is
// closed after the terminal event (Done true or Err set).
type ChatEvent struct {
	TextDelta    string
	ToolCall     *model.ToolCall
	Usage        *model.Usage
	FinishReason string
	Err          error
	Done         bool
}

// Config holds the connection parameters for one provider
type Config struct {
	Kind ProviderKind
	// EmbeddingKind overrides the embedding provider when the chat provider
	// cannot embed. Empty follows Kind, with anthropic embedding locally.
	EmbeddingKind       ProviderKind
	BaseURL             string
	APIKey              string
	EmbeddingModel      string
	ChatModel           string
	EmbeddingDimensions int
	Timeout             time.Duration
	// Cost per million tokens, used for usage accounting
	PromptCostPerMTok     float64
	CompletionCostPerMTok float64
}

// NewConfigFromEnv creates a provider configuration from environment
// variables (RETRIEVER_LLM_PROVIDER, RETRIEVER_LLM_EMBEDDING_PROVIDER,
// RETRIEVER_LLM_BASE_URL, RETRIEVER_LLM_API_KEY,
// RETRIEVER_LLM_EMBEDDING_MODEL, RETRIEVER_LLM_CHAT_MODEL)
func NewConfigFromEnv() (*Config, error) {
	kind := ProviderKind(os.Getenv("RETRIEVER_LLM_PROVIDER"))
	if kind == "" {
		kind = ProviderOpenAI
	}

	config := &Config{
		Kind:           kind,
		EmbeddingKind:  ProviderKind(os.Getenv("RETRIEVER_LLM_EMBEDDING_PROVIDER")),
		BaseURL:        os.Getenv("RETRIEVER_LLM_BASE_URL"),
		APIKey:         os.Getenv("RETRIEVER_LLM_API_KEY"),
		EmbeddingModel: os.Getenv("RETRIEVER_LLM_EMBEDDING_MODEL"),
		ChatModel:      os.Getenv("RETRIEVER_LLM_CHAT_MODEL"),
	}

	if kind != ProviderLocal && config.APIKey == "" {
		return nil, helper.NewError("llm configuration", fmt.Errorf("missing RETRIEVER_LLM_API_KEY"))
	}

	return config, nil
}

// ResolveEmbedder creates the embedder for the configured provider. The
// embedding provider follows EmbeddingKind when set, otherwise Kind; an
// anthropic chat provider embeds locally because anthropic offers no
// embeddings API. The provider set is closed, unknown kinds are a
// configuration error.
func ResolveEmbedder(config *Config) (Embedder, error) {
	switch embeddingKind(config) {
	case ProviderOpenAI:
		return NewOpenAIClient(config)
	case ProviderLocal:
		return NewLocalEmbedder(config.EmbeddingModel)
	case ProviderAnthropic:
		return nil, &model.ConfigurationError{Field: "embedding_provider", Reason: "anthropic offers no embeddings API, use openai or local for embeddings"}
	default:
		return nil, &model.ConfigurationError{Field: "embedding_provider", Reason: fmt.Sprintf("unknown provider kind %q", embeddingKind(config))}
	}
}

// embeddingKind resolves the provider used for embeddings
func embeddingKind(config *Config) ProviderKind {
	if config.EmbeddingKind != "" {
		return config.EmbeddingKind
	}
	if config.Kind == ProviderAnthropic {
		return ProviderLocal
	}
	return config.Kind
}

// ResolveGenerator creates the text generator for the configured provider.
// The provider set is closed, unknown kinds are a configuration error.
func ResolveGenerator(config *Config) (Generator, error) {
	switch config.Kind {
	case ProviderOpenAI:
		return NewOpenAIClient(config)
	case ProviderAnthropic:
		return NewAnthropicClient(config)
	case ProviderLocal:
		return nil, &model.ConfigurationError{Field: "provider", Reason: "local provider only embeds, use openai or anthropic for generation"}
	default:
		return nil, &model.ConfigurationError{Field: "provider", Reason: fmt.Sprintf("unknown provider kind %q", config.Kind)}
	}
}
