package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/siherrmann/retriever/helper"
	"github.com/siherrmann/retriever/model"
)

// OpenAIClient talks to the OpenAI API or any OpenAI compatible server
// (Ollama, vLLM, LM Studio). It implements both Embedder and Generator.
type OpenAIClient struct {
	baseURL        string
	apiKey         string
	embeddingModel string
	chatModel      string
	dimension      int
	timeout        time.Duration
	client         *http.Client
	maxRetries     int
	promptCost     float64
	completionCost float64
}

// NewOpenAIClient creates a client for an OpenAI compatible API
func NewOpenAIClient(config *Config) (*OpenAIClient, error) {
	if config == nil {
		return nil, helper.NewError("openai client validation", fmt.Errorf("config is nil"))
	}

	baseURL := strings.TrimSuffix(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	embeddingModel := config.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = "text-embedding-3-small"
	}
	chatModel := config.ChatModel
	if chatModel == "" {
		chatModel = "gpt-4o-mini"
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	dimension := config.EmbeddingDimensions
	if dimension == 0 {
		dimension = 1536
	}

	return &OpenAIClient{
		baseURL:        baseURL,
		apiKey:         config.APIKey,
		embeddingModel: embeddingModel,
		chatModel:      chatModel,
		dimension:      dimension,
		timeout:        timeout,
		client:         &http.Client{Timeout: timeout},
		maxRetries:     5,
		promptCost:     config.PromptCostPerMTok,
		completionCost: config.CompletionCostPerMTok,
	}, nil
}

// Dimension returns the dimensionality of the produced embedding vectors
func (c *OpenAIClient) Dimension() int {
	return c.dimension
}

type openaiEmbeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openaiEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns an embedding vector for the given text.
// Transient failures (rate limits, 5xx, network errors) are retried with
// exponential backoff before the error is surfaced.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &model.EmbeddingError{Model: c.embeddingModel, Err: fmt.Errorf("input text must not be empty")}
	}

	body, err := json.Marshal(openaiEmbeddingRequest{
		Model: c.embeddingModel,
		Input: text,
	})
	if err != nil {
		return nil, &model.EmbeddingError{Model: c.embeddingModel, Err: err}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &model.EmbeddingError{Model: c.embeddingModel, Err: ctx.Err()}
			case <-time.After(retryDelay(attempt - 1)):
			}
		}

		payload, status, err := c.post(ctx, "/embeddings", body)
		if err != nil {
			lastErr = err
			continue
		}
		if status == http.StatusTooManyRequests || status >= 500 {
			lastErr = fmt.Errorf("embeddings request failed with status %d", status)
			continue
		}
		if status >= 300 {
			return nil, &model.EmbeddingError{Model: c.embeddingModel, Err: fmt.Errorf("embeddings request failed with status %d: %s", status, truncateBody(payload))}
		}

		var out openaiEmbeddingResponse
		if err := json.Unmarshal(payload, &out); err != nil {
			return nil, &model.EmbeddingError{Model: c.embeddingModel, Err: err}
		}
		if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
			return nil, &model.EmbeddingError{Model: c.embeddingModel, Err: fmt.Errorf("no embedding returned")}
		}

		embedding := out.Data[0].Embedding
		if c.dimension == 0 {
			c.dimension = len(embedding)
		}
		return embedding, nil
	}

	return nil, &model.EmbeddingError{Model: c.embeddingModel, Err: lastErr}
}

type openaiToolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openaiToolCall struct {
	Index    int                    `json:"index,omitempty"`
	ID       string                 `json:"id,omitempty"`
	Type     string                 `json:"type,omitempty"`
	Function openaiToolCallFunction `json:"function"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type openaiChatRequest struct {
	Model         string           `json:"model"`
	Messages      []openaiMessage  `json:"messages"`
	Tools         []openaiTool     `json:"tools,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Temperature   float64          `json:"temperature,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	StreamOptions *json.RawMessage `json:"stream_options,omitempty"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openaiChatResponse struct {
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage"`
}

type openaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content"`
			ToolCalls []openaiToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage"`
}

// GenerateText sends a chat completion request and waits for the full response
func (c *OpenAIClient) GenerateText(ctx context.Context, request *ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(c.buildChatRequest(request, false))
	if err != nil {
		return nil, helper.NewError("marshal chat request", err)
	}

	started := time.Now()
	payload, status, err := c.post(ctx, "/chat/completions", body)
	if err != nil {
		return nil, helper.NewError("chat completions request", err)
	}
	if status >= 300 {
		return nil, helper.NewError("chat completions request", fmt.Errorf("status %d: %s", status, truncateBody(payload)))
	}

	var out openaiChatResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, helper.NewError("unmarshal chat response", err)
	}
	if len(out.Choices) == 0 {
		return nil, helper.NewError("chat completions request", fmt.Errorf("no choices returned"))
	}

	choice := out.Choices[0]
	response := &ChatResponse{
		Message: model.ChatMessage{
			Role:    model.RoleAssistant,
			Content: choice.Message.Content,
		},
		FinishReason: choice.FinishReason,
		Usage:        c.convertUsage(out.Usage, started),
	}
	for _, toolCall := range choice.Message.ToolCalls {
		response.Message.ToolCalls = append(response.Message.ToolCalls, model.ToolCall{
			ID:        toolCall.ID,
			Name:      toolCall.Function.Name,
			Arguments: json.RawMessage(toolCall.Function.Arguments),
		})
	}

	return response, nil
}

// StreamText sends a streaming chat completion request. Text deltas are
// emitted as they arrive, assembled tool calls and usage after the stream
// finished, and a terminal Done event last. The channel is closed after the
// terminal event.
func (c *OpenAIClient) StreamText(ctx context.Context, request *ChatRequest) (<-chan ChatEvent, error) {
	body, err := json.Marshal(c.buildChatRequest(request, true))
	if err != nil {
		return nil, helper.NewError("marshal chat request", err)
	}

	url := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, helper.NewError("build chat request", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	// The default client timeout would cut long generations short
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, helper.NewError("chat completions request", err)
	}
	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, helper.NewError("chat completions request", fmt.Errorf("status %d: %s", resp.StatusCode, truncateBody(payload)))
	}

	events := make(chan ChatEvent)
	go c.pumpStream(resp.Body, events, time.Now())

	return events, nil
}

func (c *OpenAIClient) pumpStream(body io.ReadCloser, events chan<- ChatEvent, started time.Time) {
	defer close(events)
	defer body.Close()

	type partialToolCall struct {
		id        string
		name      string
		arguments strings.Builder
	}
	toolCalls := map[int]*partialToolCall{}
	var toolCallOrder []int
	var usage *openaiUsage
	var finishReason string

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			events <- ChatEvent{Err: helper.NewError("unmarshal stream chunk", err)}
			return
		}

		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		if choice.Delta.Content != "" {
			events <- ChatEvent{TextDelta: choice.Delta.Content}
		}
		for _, delta := range choice.Delta.ToolCalls {
			partial, ok := toolCalls[delta.Index]
			if !ok {
				partial = &partialToolCall{}
				toolCalls[delta.Index] = partial
				toolCallOrder = append(toolCallOrder, delta.Index)
			}
			if delta.ID != "" {
				partial.id = delta.ID
			}
			if delta.Function.Name != "" {
				partial.name = delta.Function.Name
			}
			partial.arguments.WriteString(delta.Function.Arguments)
		}
	}
	if err := scanner.Err(); err != nil {
		events <- ChatEvent{Err: helper.NewError("read stream", err)}
		return
	}

	for _, index := range toolCallOrder {
		partial := toolCalls[index]
		arguments := partial.arguments.String()
		if arguments == "" {
			arguments = "{}"
		}
		events <- ChatEvent{ToolCall: &model.ToolCall{
			ID:        partial.id,
			Name:      partial.name,
			Arguments: json.RawMessage(arguments),
		}}
	}

	converted := c.convertUsage(usage, started)
	events <- ChatEvent{Usage: &converted}
	events <- ChatEvent{Done: true, FinishReason: finishReason}
}

func (c *OpenAIClient) buildChatRequest(request *ChatRequest, stream bool) *openaiChatRequest {
	out := &openaiChatRequest{
		Model:       c.chatModel,
		MaxTokens:   request.MaxTokens,
		Temperature: request.Temperature,
		Stream:      stream,
	}
	if stream {
		streamOptions := json.RawMessage(`{"include_usage": true}`)
		out.StreamOptions = &streamOptions
	}

	for _, message := range request.Messages {
		converted := openaiMessage{
			Role:       string(message.Role),
			Content:    message.Content,
			ToolCallID: message.ToolCallID,
		}
		for _, toolCall := range message.ToolCalls {
			converted.ToolCalls = append(converted.ToolCalls, openaiToolCall{
				ID:   toolCall.ID,
				Type: "function",
				Function: openaiToolCallFunction{
					Name:      toolCall.Name,
					Arguments: string(toolCall.Arguments),
				},
			})
		}
		out.Messages = append(out.Messages, converted)
	}

	for _, tool := range request.Tools {
		converted := openaiTool{Type: "function"}
		converted.Function.Name = tool.Name
		converted.Function.Description = tool.Description
		converted.Function.Parameters = tool.Parameters
		out.Tools = append(out.Tools, converted)
	}

	return out
}

func (c *OpenAIClient) convertUsage(usage *openaiUsage, started time.Time) model.Usage {
	converted := model.Usage{
		LatencyMS: time.Since(started).Milliseconds(),
	}
	if usage != nil {
		converted.PromptTokens = usage.PromptTokens
		converted.CompletionTokens = usage.CompletionTokens
		converted.TotalTokens = usage.TotalTokens
		converted.EstimatedCost = float64(usage.PromptTokens)/1e6*c.promptCost +
			float64(usage.CompletionTokens)/1e6*c.completionCost
	}
	return converted
}

func (c *OpenAIClient) post(ctx context.Context, path string, body []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return payload, resp.StatusCode, nil
}

func (c *OpenAIClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func retryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := 200 * time.Millisecond
	// exponential backoff capped at 5s
	delay := base << attempt
	if delay > 5*time.Second {
		delay = 5 * time.Second
	}
	return delay
}

func truncateBody(payload []byte) string {
	const maxLen = 512
	if len(payload) > maxLen {
		return string(payload[:maxLen]) + "..."
	}
	return string(payload)
}
