package signaling

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"callrelay-backend/internal/domain"
)

// FrameType identifies a signaling frame kind. The set is closed: the
// router switches over every kind explicitly and rejects anything else.
type FrameType string

const (
	FrameCallRequest   FrameType = "call.request"
	FrameCallAccepted  FrameType = "call.accepted"
	FrameCallRejected  FrameType = "call.rejected"
	FrameCallEnded     FrameType = "call.ended"
	FrameCallCandidate FrameType = "call.candidate"

	// FrameError is produced only, never accepted inbound. It carries a
	// dispatch failure back to the sender's own connection.
	FrameError FrameType = "error"
)

// Frame is the wire envelope for all signaling traffic. Description and
// Candidate payloads are opaque blobs; this subsystem never inspects them.
// UUID fields always serialize; ones not applicable to a frame kind carry
// the zero UUID.
type Frame struct {
	Type            FrameType       `json:"type"`
	SessionID       uuid.UUID       `json:"session_id"`
	FromUserID      uuid.UUID       `json:"from_user_id"`
	ToUserID        uuid.UUID       `json:"to_user_id"`   // call.request only
	ChatRoomID      uuid.UUID       `json:"chat_room_id"` // call.request only
	CallType        domain.CallType `json:"call_type,omitempty"`
	Description     json.RawMessage `json:"description,omitempty"`
	Candidate       json.RawMessage `json:"candidate,omitempty"`
	DurationSeconds int             `json:"duration_seconds,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	Code            string          `json:"code,omitempty"`    // error frames
	Message         string          `json:"message,omitempty"` // error frames
	Timestamp       time.Time       `json:"timestamp"`
}

// NewErrorFrame builds the frame reported to a sender whose inbound frame
// could not be processed.
func NewErrorFrame(sessionID uuid.UUID, code, message string) *Frame {
	return &Frame{
		Type:      FrameError,
		SessionID: sessionID,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}
