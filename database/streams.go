package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/siherrmann/retriever/helper"
	"github.com/siherrmann/retriever/model"
	loadSql "github.com/siherrmann/retriever/sql"
)

// StreamsDBHandlerFunctions defines the interface for Streams database operations.
type StreamsDBHandlerFunctions interface {
	InsertStream(conversationID string) (*model.Stream, error)
	UpdateStreamStatus(id string, status model.StreamStatus) (*model.Stream, error)
	SelectStream(id string) (*model.Stream, error)
	SelectLatestStreamByConversation(conversationID string) (*model.Stream, error)
	InsertStreamEvent(streamID string, event *model.AgentEvent) (int64, error)
	SelectStreamEvents(streamID string, afterSeq int64) ([]*model.StoredEvent, error)
}

// StreamsDBHandler handles stream and stream event database operations
type StreamsDBHandler struct {
	db *helper.Database
}

// NewStreamsDBHandler creates a new streams database handler.
// It initializes the database connection and loads stream-related SQL functions.
// If force is true, it will reload the SQL functions even if they already exist.
func NewStreamsDBHandler(db *helper.Database, force bool) (*StreamsDBHandler, error) {
	if db == nil {
		return nil, helper.NewError("database connection validation", fmt.Errorf("database connection is nil"))
	}

	streamsDbHandler := &StreamsDBHandler{
		db: db,
	}

	err := loadSql.LoadStreamsSql(streamsDbHandler.db.Instance, force)
	if err != nil {
		return nil, helper.NewError("load streams sql", err)
	}

	err = streamsDbHandler.CreateTable()
	if err != nil {
		return nil, helper.NewError("create table", err)
	}

	db.Logger.Info("Initialized StreamsDBHandler")

	return streamsDbHandler, nil
}

// CreateTable creates the 'streams' and 'stream_events' tables in the database.
// If the tables already exist, it does not create them again.
func (h *StreamsDBHandler) CreateTable() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := h.db.Instance.ExecContext(ctx, `SELECT init_streams();`)
	if err != nil {
		log.Panicf("error initializing streams tables: %#v", err)
	}

	h.db.Logger.Info("Checked/created tables streams and stream_events")

	return nil
}

// InsertStream creates a new stream for a conversation in ACTIVE state
func (h *StreamsDBHandler) InsertStream(conversationID string) (*model.Stream, error) {
	stream := &model.Stream{}
	row := h.db.Instance.QueryRow(
		`SELECT * FROM insert_stream($1, $2)`,
		uuid.NewString(),
		conversationID,
	)

	err := row.Scan(
		&stream.ID,
		&stream.ConversationID,
		&stream.Status,
		&stream.CreatedAt,
		&stream.UpdatedAt,
	)
	if err != nil {
		return nil, helper.NewError("scan", err)
	}

	return stream, nil
}

// UpdateStreamStatus transitions the lifecycle status of a stream
func (h *StreamsDBHandler) UpdateStreamStatus(id string, status model.StreamStatus) (*model.Stream, error) {
	stream := &model.Stream{}
	row := h.db.Instance.QueryRow(
		`SELECT * FROM update_stream_status($1, $2)`,
		id,
		string(status),
	)

	err := row.Scan(
		&stream.ID,
		&stream.ConversationID,
		&stream.Status,
		&stream.CreatedAt,
		&stream.UpdatedAt,
	)
	if err != nil {
		return nil, helper.NewError("scan", err)
	}

	return stream, nil
}

// SelectStream retrieves a stream by id
func (h *StreamsDBHandler) SelectStream(id string) (*model.Stream, error) {
	stream := &model.Stream{}
	row := h.db.Instance.QueryRow(
		`SELECT * FROM select_stream($1)`,
		id,
	)

	err := row.Scan(
		&stream.ID,
		&stream.ConversationID,
		&stream.Status,
		&stream.CreatedAt,
		&stream.UpdatedAt,
	)
	if err != nil {
		return nil, helper.NewError("scan", err)
	}

	return stream, nil
}

// SelectLatestStreamByConversation retrieves the most recently created stream
// of a conversation. Returns sql.ErrNoRows wrapped if the conversation has no
// streams yet.
func (h *StreamsDBHandler) SelectLatestStreamByConversation(conversationID string) (*model.Stream, error) {
	stream := &model.Stream{}
	row := h.db.Instance.QueryRow(
		`SELECT * FROM select_latest_stream_by_conversation($1)`,
		conversationID,
	)

	err := row.Scan(
		&stream.ID,
		&stream.ConversationID,
		&stream.Status,
		&stream.CreatedAt,
		&stream.UpdatedAt,
	)
	if err != nil {
		return nil, helper.NewError("scan", err)
	}

	return stream, nil
}

// InsertStreamEvent persists one agent event and returns its assigned
// sequence number
func (h *StreamsDBHandler) InsertStreamEvent(streamID string, event *model.AgentEvent) (int64, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return 0, helper.NewError("marshal event", err)
	}

	var seq int64
	err = h.db.Instance.QueryRow(
		`SELECT insert_stream_event($1, $2, $3)`,
		streamID,
		string(event.Type),
		payload,
	).Scan(&seq)
	if err != nil {
		return 0, helper.NewError("scan", err)
	}

	return seq, nil
}

// SelectStreamEvents retrieves all events of a stream with seq > afterSeq in
// ascending sequence order. Passing 0 replays the stream from the beginning.
func (h *StreamsDBHandler) SelectStreamEvents(streamID string, afterSeq int64) ([]*model.StoredEvent, error) {
	rows, err := h.db.Instance.Query(
		`SELECT * FROM select_stream_events($1, $2)`,
		streamID,
		afterSeq,
	)
	if err != nil {
		return nil, helper.NewError("query", err)
	}
	defer rows.Close()

	return scanStoredEvents(rows)
}

func scanStoredEvents(rows *sql.Rows) ([]*model.StoredEvent, error) {
	var events []*model.StoredEvent
	for rows.Next() {
		stored := &model.StoredEvent{}

		var eventType string
		var payload []byte
		err := rows.Scan(
			&stored.Seq,
			&stored.StreamID,
			&eventType,
			&payload,
			&stored.CreatedAt,
		)
		if err != nil {
			return nil, helper.NewError("scan", err)
		}

		if err := json.Unmarshal(payload, &stored.Event); err != nil {
			return nil, helper.NewError("unmarshaling event payload", err)
		}
		stored.Event.Type = model.AgentEventType(eventType)
		stored.Event.Seq = stored.Seq

		events = append(events, stored)
	}

	err := rows.Err()
	if err != nil {
		return nil, helper.NewError("rows error", err)
	}

	return events, nil
}
