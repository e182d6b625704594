package database

import (
	"testing"
	"time"

	"github.com/siherrmann/retriever/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamsNewStreamsDBHandler(t *testing.T) {
	database := initDB(t)
	defer database.Close()

	t.Run("Valid call NewStreamsDBHandler", func(t *testing.T) {
		streamsDbHandler, err := NewStreamsDBHandler(database, true)
		assert.NoError(t, err, "Expected NewStreamsDBHandler to not return an error")
		require.NotNil(t, streamsDbHandler, "Expected NewStreamsDBHandler to return a non-nil instance")
	})

	t.Run("Invalid call NewStreamsDBHandler with nil database", func(t *testing.T) {
		_, err := NewStreamsDBHandler(nil, false)
		assert.Error(t, err, "Expected error when creating StreamsDBHandler with nil database")
		assert.Contains(t, err.Error(), "database connection is nil", "Expected specific error message for nil database connection")
	})
}

func TestStreamsInsertAndSelect(t *testing.T) {
	database := initDB(t)
	defer database.Close()

	streamsDbHandler, err := NewStreamsDBHandler(database, true)
	require.NoError(t, err, "Expected NewStreamsDBHandler to not return an error")

	t.Run("Insert stream starts in ACTIVE state", func(t *testing.T) {
		stream, err := streamsDbHandler.InsertStream("conversation-1")
		assert.NoError(t, err, "Expected Insert stream to not return an error")
		assert.NotEmpty(t, stream.ID, "Expected inserted stream to have an id")
		assert.Equal(t, "conversation-1", stream.ConversationID)
		assert.Equal(t, model.StreamStatusActive, stream.Status)
		assert.WithinDuration(t, stream.CreatedAt, time.Now(), 2*time.Second)
	})

	t.Run("Select stream by id", func(t *testing.T) {
		stream, err := streamsDbHandler.InsertStream("conversation-2")
		require.NoError(t, err)

		found, err := streamsDbHandler.SelectStream(stream.ID)
		assert.NoError(t, err, "Expected Select stream to not return an error")
		assert.Equal(t, stream.ID, found.ID)
		assert.Equal(t, "conversation-2", found.ConversationID)
	})

	t.Run("Select stream with unknown id", func(t *testing.T) {
		_, err := streamsDbHandler.SelectStream("does-not-exist")
		assert.Error(t, err, "Expected Select with unknown id to return an error")
	})

	t.Run("Select latest stream of a conversation", func(t *testing.T) {
		first, err := streamsDbHandler.InsertStream("conversation-3")
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
		second, err := streamsDbHandler.InsertStream("conversation-3")
		require.NoError(t, err)

		latest, err := streamsDbHandler.SelectLatestStreamByConversation("conversation-3")
		assert.NoError(t, err, "Expected Select latest to not return an error")
		assert.Equal(t, second.ID, latest.ID, "Expected the most recently created stream")
		assert.NotEqual(t, first.ID, latest.ID)
	})
}

func TestStreamsUpdateStatus(t *testing.T) {
	database := initDB(t)
	defer database.Close()

	streamsDbHandler, err := NewStreamsDBHandler(database, true)
	require.NoError(t, err)

	stream, err := streamsDbHandler.InsertStream("conversation-status")
	require.NoError(t, err)

	t.Run("Update status to COMPLETED", func(t *testing.T) {
		updated, err := streamsDbHandler.UpdateStreamStatus(stream.ID, model.StreamStatusCompleted)
		assert.NoError(t, err, "Expected UpdateStreamStatus to not return an error")
		assert.Equal(t, model.StreamStatusCompleted, updated.Status)
	})

	t.Run("Update status to CANCELLED", func(t *testing.T) {
		updated, err := streamsDbHandler.UpdateStreamStatus(stream.ID, model.StreamStatusCancelled)
		assert.NoError(t, err)
		assert.Equal(t, model.StreamStatusCancelled, updated.Status)
	})

	t.Run("Update status of unknown stream", func(t *testing.T) {
		_, err := streamsDbHandler.UpdateStreamStatus("does-not-exist", model.StreamStatusFailed)
		assert.Error(t, err, "Expected update of unknown stream to return an error")
	})
}

func TestStreamsEvents(t *testing.T) {
	database := initDB(t)
	defer database.Close()

	streamsDbHandler, err := NewStreamsDBHandler(database, true)
	require.NoError(t, err)

	stream, err := streamsDbHandler.InsertStream("conversation-events")
	require.NoError(t, err)

	t.Run("Insert events returns increasing sequence numbers", func(t *testing.T) {
		firstSeq, err := streamsDbHandler.InsertStreamEvent(stream.ID, &model.AgentEvent{
			Type:      model.AgentEventTextDelta,
			TextDelta: "Hello",
		})
		assert.NoError(t, err, "Expected Insert event to not return an error")

		secondSeq, err := streamsDbHandler.InsertStreamEvent(stream.ID, &model.AgentEvent{
			Type:      model.AgentEventTextDelta,
			TextDelta: " world",
		})
		assert.NoError(t, err)
		assert.Greater(t, secondSeq, firstSeq, "Expected sequence numbers to increase")

		_, err = streamsDbHandler.InsertStreamEvent(stream.ID, &model.AgentEvent{
			Type:    model.AgentEventDone,
			Outcome: model.TurnOutcomeAnswered,
		})
		assert.NoError(t, err)
	})

	t.Run("Select events replays the stream in order", func(t *testing.T) {
		events, err := streamsDbHandler.SelectStreamEvents(stream.ID, 0)
		assert.NoError(t, err, "Expected Select events to not return an error")
		require.Len(t, events, 3)
		assert.Equal(t, model.AgentEventTextDelta, events[0].Event.Type)
		assert.Equal(t, "Hello", events[0].Event.TextDelta)
		assert.Equal(t, " world", events[1].Event.TextDelta)
		assert.Equal(t, model.AgentEventDone, events[2].Event.Type)
		assert.Equal(t, model.TurnOutcomeAnswered, events[2].Event.Outcome)
		assert.Equal(t, events[0].Seq, events[0].Event.Seq, "Expected replayed event to carry its sequence number")
	})

	t.Run("Select events after a sequence number skips replayed events", func(t *testing.T) {
		all, err := streamsDbHandler.SelectStreamEvents(stream.ID, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)

		events, err := streamsDbHandler.SelectStreamEvents(stream.ID, all[0].Seq)
		assert.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, " world", events[0].Event.TextDelta)
	})

	t.Run("Select events of unknown stream returns empty", func(t *testing.T) {
		events, err := streamsDbHandler.SelectStreamEvents("does-not-exist", 0)
		assert.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("Deleting a stream cascades to its events", func(t *testing.T) {
		_, err := database.Instance.Exec(`DELETE FROM streams WHERE id = $1`, stream.ID)
		require.NoError(t, err)

		events, err := streamsDbHandler.SelectStreamEvents(stream.ID, 0)
		assert.NoError(t, err)
		assert.Empty(t, events, "Expected events to be removed with their stream")
	})
}
