package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallType represents the media kind of a call
type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// Valid reports whether t is a known call type
func (t CallType) Valid() bool {
	return t == CallTypeVoice || t == CallTypeVideo
}

// CallStatus is the persisted lifecycle status of a call session.
// Transitions are monotonic: requested -> accepted -> ended, or
// requested -> rejected/ended. Terminal statuses are never left.
type CallStatus string

const (
	CallStatusRequested CallStatus = "requested" // ringing, waiting for the receiver
	CallStatusAccepted  CallStatus = "accepted"  // active call in progress
	CallStatusRejected  CallStatus = "rejected"  // receiver declined before answer
	CallStatusEnded     CallStatus = "ended"     // hung up, timed out, or unreachable
)

// EndReason records why a session reached a terminal status
type EndReason string

const (
	EndReasonHangup     EndReason = "hangup"
	EndReasonRejected   EndReason = "rejected"
	EndReasonNoRoute    EndReason = "no_route"
	EndReasonDisconnect EndReason = "disconnect"
	EndReasonTimeout    EndReason = "timeout"
	EndReasonBusy       EndReason = "busy"
)

// CallSession represents one call attempt between exactly two users.
// Terminal sessions are never deleted; they remain as call history.
type CallSession struct {
	ID              uuid.UUID  `json:"call_id"`
	InitiatorID     uuid.UUID  `json:"initiator_id"`
	ReceiverID      uuid.UUID  `json:"receiver_id"`
	ChatRoomID      uuid.UUID  `json:"chat_room_id"`
	Type            CallType   `json:"call_type"`
	Status          CallStatus `json:"status"`
	EndReason       EndReason  `json:"end_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
}

// CallTransition describes one atomic status change of a session. From is
// the optimistic-concurrency guard: a commit whose From no longer matches
// the stored status must be rejected without any partial write.
type CallTransition struct {
	From            CallStatus
	To              CallStatus
	Reason          EndReason
	StartedAt       *time.Time
	EndedAt         *time.Time
	DurationSeconds int
}

// IsTerminal reports whether the session reached a final status
func (s *CallSession) IsTerminal() bool {
	return s.Status == CallStatusRejected || s.Status == CallStatusEnded
}

// HasParticipant reports whether userID is one of the two parties
func (s *CallSession) HasParticipant(userID uuid.UUID) bool {
	return s.InitiatorID == userID || s.ReceiverID == userID
}

// Counterpart returns the other party of the session. Callers must have
// verified participation first; Nil is returned for strangers.
func (s *CallSession) Counterpart(userID uuid.UUID) uuid.UUID {
	switch userID {
	case s.InitiatorID:
		return s.ReceiverID
	case s.ReceiverID:
		return s.InitiatorID
	}
	return uuid.Nil
}
