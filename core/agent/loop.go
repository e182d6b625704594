package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/siherrmann/retriever/helper"
	"github.com/siherrmann/retriever/llm"
	"github.com/siherrmann/retriever/model"
)

const systemPrompt = `You are a question answering assistant for a private document store.
Answer only from passages retrieved with the search_documents tool, never from
your own knowledge. Always search before answering. If the retrieved passages
do not contain the answer, say so instead of guessing. Cite the source
document of every claim. Answer in the language of the question.`

const correctivePrompt = `Do not answer from your own knowledge. Use the search_documents tool to retrieve relevant passages first, then answer from them.`

// Agent runs the bounded tool calling loop for one conversation turn
type Agent struct {
	generator llm.Generator
	registry  *Registry
	config    *model.AgentConfig
	logger    *slog.Logger
}

// NewAgent creates a new agent
func NewAgent(generator llm.Generator, registry *Registry, config *model.AgentConfig, logger *slog.Logger) (*Agent, error) {
	if generator == nil || registry == nil {
		return nil, helper.NewError("agent validation", fmt.Errorf("generator and registry must not be nil"))
	}
	if config == nil {
		config = model.DefaultAgentConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Agent{
		generator: generator,
		registry:  registry,
		config:    config,
		logger:    logger,
	}, nil
}

// RunTurn runs one conversation turn. Events are emitted on the returned
// channel: text deltas and tool activity while the turn runs, then exactly
// one usage event and a terminal done event. The channel is closed after the
// done event.
func (a *Agent) RunTurn(ctx context.Context, history []model.ChatMessage, question string) <-chan model.AgentEvent {
	events := make(chan model.AgentEvent)
	go a.runTurn(ctx, history, question, events)
	return events
}

func (a *Agent) runTurn(ctx context.Context, history []model.ChatMessage, question string, events chan<- model.AgentEvent) {
	defer close(events)
	started := time.Now()

	messages := []model.ChatMessage{{Role: model.RoleSystem, Content: systemPrompt}}
	messages = append(messages, trimHistory(history, a.config.HistoryCharBudget)...)
	messages = append(messages, model.ChatMessage{Role: model.RoleUser, Content: question})

	usage := &model.Usage{}
	toolUsed := false
	corrected := false

	for step := 0; step < a.config.MaxSteps; step++ {
		if ctx.Err() != nil {
			a.finish(events, usage, model.TurnOutcomeCancelled, started)
			return
		}

		deltas, toolCalls, stepUsage, err := a.generate(ctx, messages)
		usage.Add(stepUsage)
		if err != nil {
			if ctx.Err() != nil {
				a.finish(events, usage, model.TurnOutcomeCancelled, started)
				return
			}
			events <- model.AgentEvent{Type: model.AgentEventError, Error: err.Error()}
			a.finish(events, usage, model.TurnOutcomeFailed, started)
			return
		}

		if len(toolCalls) == 0 {
			// The model answered directly. Enforce the tool first policy
			// with a single corrective re-prompt, after that let it pass.
			if !toolUsed && !corrected {
				corrected = true
				messages = append(messages, model.ChatMessage{Role: model.RoleAssistant, Content: joinDeltas(deltas)})
				messages = append(messages, model.ChatMessage{Role: model.RoleUser, Content: correctivePrompt})
				a.logger.Info("Discarded direct answer, re-prompting for tool use")
				continue
			}

			for _, delta := range deltas {
				events <- model.AgentEvent{Type: model.AgentEventTextDelta, TextDelta: delta}
			}
			a.finish(events, usage, model.TurnOutcomeAnswered, started)
			return
		}

		// Tool calls may be preceded by reasoning text
		for _, delta := range deltas {
			events <- model.AgentEvent{Type: model.AgentEventTextDelta, TextDelta: delta}
		}

		assistant := model.ChatMessage{Role: model.RoleAssistant, Content: joinDeltas(deltas)}
		assistant.ToolCalls = append(assistant.ToolCalls, toolCalls...)
		messages = append(messages, assistant)

		for i := range toolCalls {
			toolCall := toolCalls[i]
			events <- model.AgentEvent{Type: model.AgentEventToolCall, ToolCall: &toolCall}

			result, err := a.registry.Execute(ctx, &toolCall)
			if err != nil {
				if ctx.Err() != nil {
					a.finish(events, usage, model.TurnOutcomeCancelled, started)
					return
				}
				result = fmt.Sprintf("Tool error: %v", err)
				a.logger.Warn("Tool execution failed",
					slog.String("tool", toolCall.Name),
					slog.String("error", err.Error()),
				)
			}

			events <- model.AgentEvent{
				Type:       model.AgentEventToolResult,
				ToolName:   toolCall.Name,
				ToolResult: result,
			}
			messages = append(messages, model.ChatMessage{
				Role:       model.RoleTool,
				Content:    result,
				ToolCallID: toolCall.ID,
			})
		}
		toolUsed = true
	}

	a.logger.Warn("Step budget exhausted", slog.Int("max_steps", a.config.MaxSteps))
	a.finish(events, usage, model.TurnOutcomeIncomplete, started)
}

// generate runs one model call and collects its streamed output
func (a *Agent) generate(ctx context.Context, messages []model.ChatMessage) ([]string, []model.ToolCall, *model.Usage, error) {
	stream, err := a.generator.StreamText(ctx, &llm.ChatRequest{
		Messages: messages,
		Tools:    a.registry.Definitions(),
	})
	if err != nil {
		return nil, nil, nil, err
	}

	var deltas []string
	var toolCalls []model.ToolCall
	var usage *model.Usage
	for event := range stream {
		switch {
		case event.Err != nil:
			return deltas, toolCalls, usage, event.Err
		case event.TextDelta != "":
			deltas = append(deltas, event.TextDelta)
		case event.ToolCall != nil:
			toolCalls = append(toolCalls, *event.ToolCall)
		case event.Usage != nil:
			usage = event.Usage
		}
	}

	return deltas, toolCalls, usage, nil
}

// finish stamps the wall clock latency of the turn and emits the usage event
// followed by the terminal done event
func (a *Agent) finish(events chan<- model.AgentEvent, usage *model.Usage, outcome model.TurnOutcome, started time.Time) {
	usage.LatencyMS = time.Since(started).Milliseconds()
	events <- model.AgentEvent{Type: model.AgentEventUsage, Usage: usage}
	events <- model.AgentEvent{Type: model.AgentEventDone, Outcome: outcome}
}

// trimHistory drops the oldest messages until the history fits the rough
// character budget. Messages are dropped whole to keep tool call pairs
// together.
func trimHistory(history []model.ChatMessage, budget int) []model.ChatMessage {
	if budget <= 0 {
		return history
	}

	total := 0
	for _, message := range history {
		total += len(message.Content)
	}

	start := 0
	for start < len(history) && total > budget {
		total -= len(history[start].Content)
		start++
	}
	return history[start:]
}

func joinDeltas(deltas []string) string {
	content := ""
	for _, delta := range deltas {
		content += delta
	}
	return content
}
