package signaling

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"callrelay-backend/internal/domain"
)

// TestFrame_WireFields pins the envelope's wire contract: UUID fields are
// always present (zero UUID when not applicable), opaque payloads are
// omitted entirely when unset.
func TestFrame_WireFields(t *testing.T) {
	sessionID := uuid.New()
	fromUserID := uuid.New()

	frame := &Frame{
		Type:       FrameCallRejected,
		SessionID:  sessionID,
		FromUserID: fromUserID,
		Reason:     "rejected",
	}

	data, err := json.Marshal(frame)
	assert.NoError(t, err)

	var decoded map[string]interface{}
	assert.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "call.rejected", decoded["type"])
	assert.Equal(t, sessionID.String(), decoded["session_id"])
	assert.Equal(t, fromUserID.String(), decoded["from_user_id"])
	assert.Equal(t, uuid.Nil.String(), decoded["to_user_id"])
	assert.Equal(t, uuid.Nil.String(), decoded["chat_room_id"])

	assert.NotContains(t, decoded, "description")
	assert.NotContains(t, decoded, "candidate")
	assert.NotContains(t, decoded, "call_type")
}

// TestFrame_RequestRoundTrip tests that a request frame survives the wire
func TestFrame_RequestRoundTrip(t *testing.T) {
	original := &Frame{
		Type:       FrameCallRequest,
		SessionID:  uuid.New(),
		FromUserID: uuid.New(),
		ToUserID:   uuid.New(),
		ChatRoomID: uuid.New(),
		CallType:   domain.CallTypeVideo,
	}

	data, err := json.Marshal(original)
	assert.NoError(t, err)

	var decoded Frame
	assert.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original.Type, decoded.Type)
	assert.Equal(t, original.ToUserID, decoded.ToUserID)
	assert.Equal(t, original.ChatRoomID, decoded.ChatRoomID)
	assert.Equal(t, original.CallType, decoded.CallType)
}

// TestNewErrorFrame tests the dispatch-failure frame shape
func TestNewErrorFrame(t *testing.T) {
	sessionID := uuid.New()

	frame := NewErrorFrame(sessionID, "INVALID_TRANSITION", "call is no longer ringing")

	assert.Equal(t, FrameError, frame.Type)
	assert.Equal(t, sessionID, frame.SessionID)
	assert.Equal(t, "INVALID_TRANSITION", frame.Code)
	assert.Equal(t, "call is no longer ringing", frame.Message)
	assert.False(t, frame.Timestamp.IsZero())
}
