package model

import "time"

// AgentEventType identifies one typed event emitted by the agent loop
type AgentEventType string

const (
	AgentEventTextDelta  AgentEventType = "text-delta"
	AgentEventToolCall   AgentEventType = "tool-call"
	AgentEventToolResult AgentEventType = "tool-result"
	AgentEventUsage      AgentEventType = "usage"
	AgentEventError      AgentEventType = "error"
	AgentEventDone       AgentEventType = "done"
)

// TurnOutcome describes how an agent turn ended
type TurnOutcome string

const (
	TurnOutcomeAnswered   TurnOutcome = "answered"
	TurnOutcomeIncomplete TurnOutcome = "incomplete"
	TurnOutcomeCancelled  TurnOutcome = "cancelled"
	TurnOutcomeFailed     TurnOutcome = "failed"
)

// AgentEvent is one event in the agent's output stream. Exactly one payload
// field is set depending on Type.
type AgentEvent struct {
	Type       AgentEventType `json:"type"`
	Seq        int64          `json:"seq,omitempty"` // Assigned by the stream controller
	TextDelta  string         `json:"text_delta,omitempty"`
	ToolCall   *ToolCall      `json:"tool_call,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`   // Set on tool-result events
	ToolResult string         `json:"tool_result,omitempty"` // Set on tool-result events
	Usage      *Usage         `json:"usage,omitempty"`
	Error      string         `json:"error,omitempty"`
	Outcome    TurnOutcome    `json:"outcome,omitempty"` // Set on done events
}

// StreamStatus represents the lifecycle state of a persisted stream
type StreamStatus string

const (
	StreamStatusActive    StreamStatus = "ACTIVE"
	StreamStatusCompleted StreamStatus = "COMPLETED"
	StreamStatusCancelled StreamStatus = "CANCELLED"
	StreamStatusFailed    StreamStatus = "FAILED"
)

// Stream represents one persisted generation stream for a conversation
type Stream struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	Status         StreamStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// StoredEvent is one persisted stream event, replayable on reconnect
type StoredEvent struct {
	Seq       int64      `json:"seq"`
	StreamID  string     `json:"stream_id"`
	Event     AgentEvent `json:"event"`
	CreatedAt time.Time  `json:"created_at"`
}
