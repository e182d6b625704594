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

const anthropicVersion = "2023-06-01"

// AnthropicClient talks to the Anthropic messages API. It implements
// Generator only, Anthropic offers no embeddings endpoint.
type AnthropicClient struct {
	baseURL        string
	apiKey         string
	chatModel      string
	timeout        time.Duration
	client         *http.Client
	promptCost     float64
	completionCost float64
}

// NewAnthropicClient creates a client for the Anthropic messages API
func NewAnthropicClient(config *Config) (*AnthropicClient, error) {
	if config == nil {
		return nil, helper.NewError("anthropic client validation", fmt.Errorf("config is nil"))
	}

	baseURL := strings.TrimSuffix(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	chatModel := config.ChatModel
	if chatModel == "" {
		chatModel = "claude-3-5-haiku-latest"
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &AnthropicClient{
		baseURL:        baseURL,
		apiKey:         config.APIKey,
		chatModel:      chatModel,
		timeout:        timeout,
		client:         &http.Client{Timeout: timeout},
		promptCost:     config.PromptCostPerMTok,
		completionCost: config.CompletionCostPerMTok,
	}, nil
}

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

// GenerateText sends a messages request and waits for the full response
func (c *AnthropicClient) GenerateText(ctx context.Context, request *ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(c.buildRequest(request, false))
	if err != nil {
		return nil, helper.NewError("marshal messages request", err)
	}

	started := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, helper.NewError("build messages request", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, helper.NewError("messages request", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, helper.NewError("read messages response", err)
	}
	if resp.StatusCode >= 300 {
		return nil, helper.NewError("messages request", fmt.Errorf("status %d: %s", resp.StatusCode, truncateBody(payload)))
	}

	var out anthropicResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, helper.NewError("unmarshal messages response", err)
	}

	response := &ChatResponse{
		Message:      model.ChatMessage{Role: model.RoleAssistant},
		FinishReason: out.StopReason,
		Usage:        c.convertUsage(&out.Usage, started),
	}
	for _, block := range out.Content {
		switch block.Type {
		case "text":
			response.Message.Content += block.Text
		case "tool_use":
			response.Message.ToolCalls = append(response.Message.ToolCalls, model.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}

	return response, nil
}

type anthropicStreamEvent struct {
	Type         string `json:"type"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Usage *anthropicUsage `json:"usage"`
}

// StreamText sends a streaming messages request. Text deltas are emitted as
// they arrive, assembled tool calls and usage after the stream finished, and
// a terminal Done event last. The channel is closed after the terminal event.
func (c *AnthropicClient) StreamText(ctx context.Context, request *ChatRequest) (<-chan ChatEvent, error) {
	body, err := json.Marshal(c.buildRequest(request, true))
	if err != nil {
		return nil, helper.NewError("marshal messages request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, helper.NewError("build messages request", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	// The default client timeout would cut long generations short
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, helper.NewError("messages request", err)
	}
	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, helper.NewError("messages request", fmt.Errorf("status %d: %s", resp.StatusCode, truncateBody(payload)))
	}

	events := make(chan ChatEvent)
	go c.pumpStream(resp.Body, events, time.Now())

	return events, nil
}

func (c *AnthropicClient) pumpStream(body io.ReadCloser, events chan<- ChatEvent, started time.Time) {
	defer close(events)
	defer body.Close()

	type partialToolCall struct {
		id        string
		name      string
		arguments strings.Builder
	}
	var toolCalls []*partialToolCall
	var currentToolCall *partialToolCall
	var usage anthropicUsage
	var finishReason string

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			events <- ChatEvent{Err: helper.NewError("unmarshal stream event", err)}
			return
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				usage.InputTokens = event.Message.Usage.InputTokens
			}
		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				currentToolCall = &partialToolCall{
					id:   event.ContentBlock.ID,
					name: event.ContentBlock.Name,
				}
				toolCalls = append(toolCalls, currentToolCall)
			}
		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				events <- ChatEvent{TextDelta: event.Delta.Text}
			case "input_json_delta":
				if currentToolCall != nil {
					currentToolCall.arguments.WriteString(event.Delta.PartialJSON)
				}
			}
		case "content_block_stop":
			currentToolCall = nil
		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				finishReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}
		case "message_stop":
			// Terminal event, remaining lines are ignored
		}
	}
	if err := scanner.Err(); err != nil {
		events <- ChatEvent{Err: helper.NewError("read stream", err)}
		return
	}

	for _, partial := range toolCalls {
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

	converted := c.convertUsage(&usage, started)
	events <- ChatEvent{Usage: &converted}
	events <- ChatEvent{Done: true, FinishReason: finishReason}
}

func (c *AnthropicClient) buildRequest(request *ChatRequest, stream bool) *anthropicRequest {
	maxTokens := request.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	out := &anthropicRequest{
		Model:       c.chatModel,
		MaxTokens:   maxTokens,
		Temperature: request.Temperature,
		Stream:      stream,
	}

	for _, message := range request.Messages {
		switch message.Role {
		case model.RoleSystem:
			// The messages API takes the system prompt as a top level field
			if out.System != "" {
				out.System += "\n\n"
			}
			out.System += message.Content
		case model.RoleTool:
			out.Messages = append(out.Messages, anthropicMessage{
				Role: "user",
				Content: []anthropicContentBlock{{
					Type:      "tool_result",
					ToolUseID: message.ToolCallID,
					Content:   message.Content,
				}},
			})
		case model.RoleAssistant:
			converted := anthropicMessage{Role: "assistant"}
			if message.Content != "" {
				converted.Content = append(converted.Content, anthropicContentBlock{Type: "text", Text: message.Content})
			}
			for _, toolCall := range message.ToolCalls {
				converted.Content = append(converted.Content, anthropicContentBlock{
					Type:  "tool_use",
					ID:    toolCall.ID,
					Name:  toolCall.Name,
					Input: toolCall.Arguments,
				})
			}
			out.Messages = append(out.Messages, converted)
		default:
			out.Messages = append(out.Messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicContentBlock{{Type: "text", Text: message.Content}},
			})
		}
	}

	for _, tool := range request.Tools {
		out.Tools = append(out.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}

	return out
}

func (c *AnthropicClient) convertUsage(usage *anthropicUsage, started time.Time) model.Usage {
	converted := model.Usage{
		LatencyMS: time.Since(started).Milliseconds(),
	}
	if usage != nil {
		converted.PromptTokens = usage.InputTokens
		converted.CompletionTokens = usage.OutputTokens
		converted.TotalTokens = usage.InputTokens + usage.OutputTokens
		converted.EstimatedCost = float64(usage.InputTokens)/1e6*c.promptCost +
			float64(usage.OutputTokens)/1e6*c.completionCost
	}
	return converted
}

func (c *AnthropicClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", anthropicVersion)
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
}
