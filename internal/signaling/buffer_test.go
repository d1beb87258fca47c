package signaling

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// TestCandidateBuffer_FlushOrder tests that candidates come back in
// arrival order and that a flush empties the buffer.
func TestCandidateBuffer_FlushOrder(t *testing.T) {
	buffer := NewCandidateBuffer()
	sessionID := uuid.New()
	userA := uuid.New()
	userB := uuid.New()

	buffer.Push(sessionID, userA, json.RawMessage(`{"c":0}`))
	buffer.Push(sessionID, userB, json.RawMessage(`{"c":1}`))
	buffer.Push(sessionID, userA, json.RawMessage(`{"c":2}`))
	assert.Equal(t, 3, buffer.Len(sessionID))

	candidates := buffer.Flush(sessionID)

	assert.Len(t, candidates, 3)
	for i, c := range candidates {
		assert.Equal(t, i, c.Sequence)
		assert.JSONEq(t, fmt.Sprintf(`{"c":%d}`, i), string(c.Payload))
	}
	assert.Equal(t, userB, candidates[1].FromUserID)
	assert.Equal(t, 0, buffer.Len(sessionID))
}

// TestCandidateBuffer_FlushEmpty tests that flushing an unknown or
// already-flushed session is harmless.
func TestCandidateBuffer_FlushEmpty(t *testing.T) {
	buffer := NewCandidateBuffer()
	sessionID := uuid.New()

	assert.Empty(t, buffer.Flush(sessionID))

	buffer.Push(sessionID, uuid.New(), json.RawMessage(`{}`))
	assert.Len(t, buffer.Flush(sessionID), 1)
	assert.Empty(t, buffer.Flush(sessionID))
}

// TestCandidateBuffer_SessionIsolation tests that sessions do not mix
func TestCandidateBuffer_SessionIsolation(t *testing.T) {
	buffer := NewCandidateBuffer()
	first := uuid.New()
	second := uuid.New()

	buffer.Push(first, uuid.New(), json.RawMessage(`{"s":"first"}`))
	buffer.Push(second, uuid.New(), json.RawMessage(`{"s":"second"}`))

	candidates := buffer.Flush(first)
	assert.Len(t, candidates, 1)
	assert.JSONEq(t, `{"s":"first"}`, string(candidates[0].Payload))
	assert.Equal(t, 1, buffer.Len(second))
}

// TestCandidateBuffer_Discard tests dropping candidates for a dead session
func TestCandidateBuffer_Discard(t *testing.T) {
	buffer := NewCandidateBuffer()
	sessionID := uuid.New()

	buffer.Push(sessionID, uuid.New(), json.RawMessage(`{}`))
	buffer.Push(sessionID, uuid.New(), json.RawMessage(`{}`))
	buffer.Discard(sessionID)

	assert.Equal(t, 0, buffer.Len(sessionID))
	assert.Empty(t, buffer.Flush(sessionID))

	// Sequence numbering restarts cleanly after a discard.
	buffer.Push(sessionID, uuid.New(), json.RawMessage(`{}`))
	candidates := buffer.Flush(sessionID)
	assert.Len(t, candidates, 1)
	assert.Equal(t, 0, candidates[0].Sequence)
}
