package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUsageAdd(t *testing.T) {
	t.Run("All fields are accumulated", func(t *testing.T) {
		turn := &Usage{}
		turn.Add(&Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, EstimatedCost: 0.002, LatencyMS: 120})
		turn.Add(&Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2, EstimatedCost: 0.001, LatencyMS: 80})

		assert.Equal(t, 11, turn.PromptTokens)
		assert.Equal(t, 6, turn.CompletionTokens)
		assert.Equal(t, 17, turn.TotalTokens)
		assert.InDelta(t, 0.003, turn.EstimatedCost, 1e-9)
		assert.Equal(t, int64(200), turn.LatencyMS, "Expected latency summed over both calls")
	})

	t.Run("Nil usage is a no-op", func(t *testing.T) {
		turn := &Usage{TotalTokens: 15, LatencyMS: 120}
		turn.Add(nil)

		assert.Equal(t, 15, turn.TotalTokens)
		assert.Equal(t, int64(120), turn.LatencyMS)
	})
}
