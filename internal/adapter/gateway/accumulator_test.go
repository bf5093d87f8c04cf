package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesalmeida/fastclaw-relay/internal/domain"
)

func textParts(texts ...string) []ContentPart {
	parts := make([]ContentPart, 0, len(texts))
	for _, s := range texts {
		parts = append(parts, ContentPart{Type: "text", Text: s})
	}
	return parts
}

func TestAccumulatorDeltaOverwrites(t *testing.T) {
	acc := NewRunAccumulator()
	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	acc.OnDelta("run-1", "main", textParts("Hel"), ts)
	acc.OnDelta("run-1", "main", textParts("Hello"), ts)
	require.Equal(t, 1, acc.Len())

	msg, ok := acc.OnFinal("run-1", "main", nil)
	require.True(t, ok)
	assert.Equal(t, "Hello", msg.Content)
	assert.Equal(t, "main", msg.SessionKey)
	assert.Equal(t, domain.RoleAssistant, msg.Role)
	assert.Equal(t, ts, msg.Timestamp)
	assert.Equal(t, 0, acc.Len())
}

func TestAccumulatorFinalTextWins(t *testing.T) {
	acc := NewRunAccumulator()
	acc.OnDelta("run-1", "main", textParts("partial"), time.Now())

	msg, ok := acc.OnFinal("run-1", "main", textParts("the complete reply"))
	require.True(t, ok)
	assert.Equal(t, "the complete reply", msg.Content)
}

func TestAccumulatorEmptyFinalFallsBackToDeltas(t *testing.T) {
	acc := NewRunAccumulator()
	acc.OnDelta("run-1", "main", textParts("accumulated"), time.Now())

	msg, ok := acc.OnFinal("run-1", "main", textParts("  "))
	require.True(t, ok)
	assert.Equal(t, "accumulated", msg.Content)
}

func TestAccumulatorEmptyRunEmitsNothing(t *testing.T) {
	acc := NewRunAccumulator()
	acc.OnDelta("run-1", "main", textParts(""), time.Now())

	_, ok := acc.OnFinal("run-1", "main", nil)
	assert.False(t, ok)
	assert.Equal(t, 0, acc.Len(), "entry removed even when nothing is emitted")
}

func TestAccumulatorUntrackedRunWithFinalText(t *testing.T) {
	acc := NewRunAccumulator()

	msg, ok := acc.OnFinal("never-seen", "main", textParts("only a final"))
	require.True(t, ok)
	assert.Equal(t, "only a final", msg.Content)
	assert.Equal(t, "main", msg.SessionKey)
	assert.False(t, msg.Timestamp.IsZero())
}

func TestAccumulatorIndependentRuns(t *testing.T) {
	acc := NewRunAccumulator()
	acc.OnDelta("run-a", "sess-a", textParts("alpha"), time.Now())
	acc.OnDelta("run-b", "sess-b", textParts("beta"), time.Now())

	msgA, ok := acc.OnFinal("run-a", "sess-a", nil)
	require.True(t, ok)
	assert.Equal(t, "alpha", msgA.Content)
	assert.Equal(t, 1, acc.Len())

	msgB, ok := acc.OnFinal("run-b", "sess-b", nil)
	require.True(t, ok)
	assert.Equal(t, "beta", msgB.Content)
}
