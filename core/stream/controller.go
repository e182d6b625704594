package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/siherrmann/retriever/helper"
	"github.com/siherrmann/retriever/model"
)

// ErrGenerationInFlight is returned when a turn is started for a conversation
// that already has an active generation.
var ErrGenerationInFlight = fmt.Errorf("a generation is already in flight for this conversation")

// subscriberBuffer is the live event headroom of a subscriber channel on top
// of the replayed backlog. Subscribers that stop draining lose events rather
// than blocking the generation.
const subscriberBuffer = 256

// EventStore persists streams and their events
type EventStore interface {
	InsertStream(conversationID string) (*model.Stream, error)
	UpdateStreamStatus(id string, status model.StreamStatus) (*model.Stream, error)
	SelectStream(id string) (*model.Stream, error)
	SelectLatestStreamByConversation(conversationID string) (*model.Stream, error)
	InsertStreamEvent(streamID string, event *model.AgentEvent) (int64, error)
	SelectStreamEvents(streamID string, afterSeq int64) ([]*model.StoredEvent, error)
}

// TurnRunner produces the event stream of one conversation turn
type TurnRunner interface {
	RunTurn(ctx context.Context, history []model.ChatMessage, question string) <-chan model.AgentEvent
}

// Controller runs generations detached from any single client connection.
// Every event is persisted before it is fanned out, so a client that
// disconnects mid generation can resume from its last seen sequence number.
type Controller struct {
	store  EventStore
	runner TurnRunner
	logger *slog.Logger

	mu             sync.Mutex
	byConversation map[string]*generation
	byStream       map[string]*generation
}

// generation tracks one in flight turn and its subscribers
type generation struct {
	streamID       string
	conversationID string
	cancel         context.CancelFunc
	done           chan struct{}

	mu             sync.Mutex
	subscribers    map[int]chan model.AgentEvent
	nextSubscriber int
}

// NewController creates a new stream controller
func NewController(store EventStore, runner TurnRunner, logger *slog.Logger) (*Controller, error) {
	if store == nil || runner == nil {
		return nil, helper.NewError("stream controller validation", fmt.Errorf("store and runner must not be nil"))
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{
		store:          store,
		runner:         runner,
		logger:         logger,
		byConversation: map[string]*generation{},
		byStream:       map[string]*generation{},
	}, nil
}

// StartTurn begins a new generation for a conversation. The stream row is
// persisted before the first model call so the stream id can be handed to the
// client immediately. At most one generation per conversation may be in
// flight.
func (c *Controller) StartTurn(conversationID string, history []model.ChatMessage, question string) (*model.Stream, error) {
	c.mu.Lock()
	if _, inFlight := c.byConversation[conversationID]; inFlight {
		c.mu.Unlock()
		return nil, ErrGenerationInFlight
	}

	stream, err := c.store.InsertStream(conversationID)
	if err != nil {
		c.mu.Unlock()
		return nil, &model.StoreError{Op: "insert stream", Err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	gen := &generation{
		streamID:       stream.ID,
		conversationID: conversationID,
		cancel:         cancel,
		done:           make(chan struct{}),
		subscribers:    map[int]chan model.AgentEvent{},
	}
	c.byConversation[conversationID] = gen
	c.byStream[stream.ID] = gen
	c.mu.Unlock()

	c.logger.Info("Started stream",
		slog.String("stream_id", stream.ID),
		slog.String("conversation_id", conversationID),
	)

	events := c.runner.RunTurn(ctx, history, question)
	go c.pump(gen, events)

	return stream, nil
}

// pump persists every agent event, stamps it with its assigned sequence
// number and fans it out to the subscribers. When the generation ends the
// stream status is derived from the terminal done event.
func (c *Controller) pump(gen *generation, events <-chan model.AgentEvent) {
	status := model.StreamStatusFailed

	for event := range events {
		gen.mu.Lock()
		seq, err := c.store.InsertStreamEvent(gen.streamID, &event)
		if err != nil {
			c.logger.Warn("Failed to persist stream event",
				slog.String("stream_id", gen.streamID),
				slog.String("type", string(event.Type)),
				slog.String("error", err.Error()),
			)
		} else {
			event.Seq = seq
		}

		for id, subscriber := range gen.subscribers {
			select {
			case subscriber <- event:
			default:
				c.logger.Warn("Dropped event for slow subscriber",
					slog.String("stream_id", gen.streamID),
					slog.Int("subscriber", id),
					slog.Int64("seq", event.Seq),
				)
			}
		}
		gen.mu.Unlock()

		if event.Type == model.AgentEventDone {
			switch event.Outcome {
			case model.TurnOutcomeAnswered, model.TurnOutcomeIncomplete:
				status = model.StreamStatusCompleted
			case model.TurnOutcomeCancelled:
				status = model.StreamStatusCancelled
			default:
				status = model.StreamStatusFailed
			}
		}
	}

	if _, err := c.store.UpdateStreamStatus(gen.streamID, status); err != nil {
		c.logger.Warn("Failed to update stream status",
			slog.String("stream_id", gen.streamID),
			slog.String("error", err.Error()),
		)
	}

	c.mu.Lock()
	delete(c.byConversation, gen.conversationID)
	delete(c.byStream, gen.streamID)
	c.mu.Unlock()

	gen.mu.Lock()
	for _, subscriber := range gen.subscribers {
		close(subscriber)
	}
	gen.subscribers = nil
	gen.mu.Unlock()

	gen.cancel()
	close(gen.done)

	c.logger.Info("Finished stream",
		slog.String("stream_id", gen.streamID),
		slog.String("status", string(status)),
	)
}

// Subscribe attaches to a stream. Persisted events with seq > afterSeq are
// replayed first, followed by live events if the generation is still running.
// The returned channel is closed when the generation ends, so a finished
// stream yields only the replay.
func (c *Controller) Subscribe(streamID string, afterSeq int64) (<-chan model.AgentEvent, error) {
	c.mu.Lock()
	gen := c.byStream[streamID]
	c.mu.Unlock()

	if gen == nil {
		return c.replay(streamID, afterSeq)
	}

	gen.mu.Lock()
	if gen.subscribers == nil {
		// The generation finished between lookup and lock
		gen.mu.Unlock()
		return c.replay(streamID, afterSeq)
	}

	stored, err := c.store.SelectStreamEvents(streamID, afterSeq)
	if err != nil {
		gen.mu.Unlock()
		return nil, &model.StoreError{Op: "select stream events", Err: err}
	}

	subscriber := make(chan model.AgentEvent, len(stored)+subscriberBuffer)
	for _, event := range stored {
		subscriber <- event.Event
	}
	id := gen.nextSubscriber
	gen.nextSubscriber++
	gen.subscribers[id] = subscriber
	gen.mu.Unlock()

	return subscriber, nil
}

// replay serves a finished stream from its persisted events
func (c *Controller) replay(streamID string, afterSeq int64) (<-chan model.AgentEvent, error) {
	if _, err := c.store.SelectStream(streamID); err != nil {
		return nil, &model.StoreError{Op: "select stream", Err: err}
	}

	stored, err := c.store.SelectStreamEvents(streamID, afterSeq)
	if err != nil {
		return nil, &model.StoreError{Op: "select stream events", Err: err}
	}

	subscriber := make(chan model.AgentEvent, len(stored))
	for _, event := range stored {
		subscriber <- event.Event
	}
	close(subscriber)

	return subscriber, nil
}

// LatestStream returns the most recent stream of a conversation
func (c *Controller) LatestStream(conversationID string) (*model.Stream, error) {
	stream, err := c.store.SelectLatestStreamByConversation(conversationID)
	if err != nil {
		return nil, &model.StoreError{Op: "select latest stream", Err: err}
	}
	return stream, nil
}

// Cancel stops an in flight generation. The agent loop winds down with a
// cancelled done event, which the pump persists before the stream is marked
// CANCELLED. Cancelling a stream that already finished only corrects a stale
// ACTIVE status left behind by a crash.
func (c *Controller) Cancel(streamID string) error {
	c.mu.Lock()
	gen := c.byStream[streamID]
	c.mu.Unlock()

	if gen != nil {
		gen.cancel()
		<-gen.done
		return nil
	}

	stream, err := c.store.SelectStream(streamID)
	if err != nil {
		return &model.StoreError{Op: "select stream", Err: err}
	}
	if stream.Status != model.StreamStatusActive {
		return nil
	}

	if _, err := c.store.UpdateStreamStatus(streamID, model.StreamStatusCancelled); err != nil {
		return &model.StoreError{Op: "update stream status", Err: err}
	}
	return nil
}

// Close cancels all in flight generations and waits for their pumps to finish
func (c *Controller) Close() {
	c.mu.Lock()
	generations := make([]*generation, 0, len(c.byStream))
	for _, gen := range c.byStream {
		generations = append(generations, gen)
	}
	c.mu.Unlock()

	for _, gen := range generations {
		gen.cancel()
	}
	for _, gen := range generations {
		<-gen.done
	}
}
