package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callrelay-backend/internal/domain"
	"callrelay-backend/internal/signaling"
	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/metrics"
)

// SessionStore is the durable call session store. CommitTransition must be
// atomic and reject commits whose prior status no longer matches.
type SessionStore interface {
	Create(ctx context.Context, session *domain.CallSession) error
	GetByID(ctx context.Context, sessionID uuid.UUID) (*domain.CallSession, error)
	CommitTransition(ctx context.Context, sessionID uuid.UUID, t domain.CallTransition) (*domain.CallSession, error)
	GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error)
	NonTerminalSessionsFor(ctx context.Context, userID uuid.UUID) ([]*domain.CallSession, error)
	HasNonTerminalSession(ctx context.Context, userID uuid.UUID) (bool, error)
}

// ConversationLog receives one human-readable summary event per terminal
// transition, tagged with the owning chat room.
type ConversationLog interface {
	AppendSystemEvent(ctx context.Context, chatRoomID uuid.UUID, summary string) error
}

// SignalLog is the append-only signaling audit trail. Optional; failures
// never affect the call path.
type SignalLog interface {
	Append(sessionID, fromUserID uuid.UUID, eventType string) error
}

// FrameSender routes outbound frames to all live connections of a user
type FrameSender interface {
	SendToUser(userID uuid.UUID, frame *signaling.Frame) error
	IsOnline(userID uuid.UUID) bool
}

// Config holds call policy knobs
type Config struct {
	// RingTimeout auto-expires sessions stuck ringing. Zero disables.
	RingTimeout time.Duration
	// RejectWhenBusy terminates a request immediately when the receiver
	// already has a non-terminal session.
	RejectWhenBusy bool
}

// Service is the call session state machine and signaling router. All
// operations on one session are serialized by a per-session lock; different
// sessions proceed fully in parallel.
type Service struct {
	store     SessionStore
	convLog   ConversationLog
	signalLog SignalLog
	sender    FrameSender
	buffer    *signaling.CandidateBuffer
	metrics   *metrics.Metrics
	cfg       Config

	mu         sync.Mutex
	locks      map[uuid.UUID]*sessionLock
	ringTimers map[uuid.UUID]*time.Timer
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewService creates a new call service
func NewService(store SessionStore, convLog ConversationLog, signalLog SignalLog, sender FrameSender, m *metrics.Metrics, cfg Config) *Service {
	return &Service{
		store:      store,
		convLog:    convLog,
		signalLog:  signalLog,
		sender:     sender,
		buffer:     signaling.NewCandidateBuffer(),
		metrics:    m,
		cfg:        cfg,
		locks:      make(map[uuid.UUID]*sessionLock),
		ringTimers: make(map[uuid.UUID]*time.Timer),
	}
}

// lockSession acquires the per-session mutex and returns its release func.
// Lock entries are reference counted so the map does not grow forever.
func (s *Service) lockSession(sessionID uuid.UUID) func() {
	s.mu.Lock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		s.locks[sessionID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, sessionID)
		}
		s.mu.Unlock()
	}
}

// Dispatch is the router entry point for inbound signaling frames. The
// sender identity comes from the authenticated connection, never from the
// frame body. Unknown frame kinds are an error, not a silent drop.
func (s *Service) Dispatch(ctx context.Context, senderID uuid.UUID, frame *signaling.Frame) error {
	s.metrics.RecordFrame(string(frame.Type), "inbound")

	switch frame.Type {
	case signaling.FrameCallRequest:
		_, err := s.Request(ctx, senderID, frame.ToUserID, frame.ChatRoomID, frame.CallType)
		return err
	case signaling.FrameCallAccepted:
		_, err := s.Accept(ctx, frame.SessionID, senderID, frame.Description)
		return err
	case signaling.FrameCallRejected:
		_, err := s.Reject(ctx, frame.SessionID, senderID)
		return err
	case signaling.FrameCallEnded:
		_, err := s.End(ctx, frame.SessionID, senderID)
		return err
	case signaling.FrameCallCandidate:
		return s.Candidate(ctx, frame.SessionID, senderID, frame.Candidate)
	case signaling.FrameError:
		return apperrors.InvalidInputError("error frames are outbound only")
	}
	return apperrors.InvalidInputError(fmt.Sprintf("unsupported frame type %q", frame.Type))
}

// Request creates a session and rings the receiver. If the receiver has no
// live connection the session is created and immediately terminated with a
// no-route reason, so the initiator observes the outcome synchronously and
// no ringing state is ever visible.
func (s *Service) Request(ctx context.Context, initiatorID, receiverID, chatRoomID uuid.UUID, callType domain.CallType) (*domain.CallSession, error) {
	if receiverID == uuid.Nil {
		return nil, apperrors.InvalidInputError("receiver is required")
	}
	if initiatorID == receiverID {
		return nil, apperrors.InvalidInputError("initiator and receiver must differ")
	}
	if !callType.Valid() {
		return nil, apperrors.InvalidInputError(fmt.Sprintf("unknown call type %q", callType))
	}

	terminalReason := domain.EndReason("")
	if s.cfg.RejectWhenBusy {
		// Either side already holding a non-terminal session makes the
		// request busy: the receiver cannot be rung, and an initiator
		// mid-call cannot start a second one.
		busy, err := s.store.HasNonTerminalSession(ctx, receiverID)
		if err != nil {
			return nil, err
		}
		if !busy {
			busy, err = s.store.HasNonTerminalSession(ctx, initiatorID)
			if err != nil {
				return nil, err
			}
		}
		if busy {
			terminalReason = domain.EndReasonBusy
		}
	}
	if terminalReason == "" && !s.sender.IsOnline(receiverID) {
		terminalReason = domain.EndReasonNoRoute
	}

	now := time.Now().UTC()
	session := &domain.CallSession{
		ID:          uuid.New(),
		InitiatorID: initiatorID,
		ReceiverID:  receiverID,
		ChatRoomID:  chatRoomID,
		Type:        callType,
		Status:      domain.CallStatusRequested,
		CreatedAt:   now,
	}

	if err := s.store.Create(ctx, session); err != nil {
		return nil, err
	}
	s.metrics.CallStarted()
	s.audit(session.ID, initiatorID, string(signaling.FrameCallRequest))

	unlock := s.lockSession(session.ID)
	defer unlock()

	if terminalReason != "" {
		return s.endSessionLocked(ctx, session, receiverID, terminalReason)
	}

	frame := &signaling.Frame{
		Type:       signaling.FrameCallRequest,
		SessionID:  session.ID,
		FromUserID: initiatorID,
		ChatRoomID: chatRoomID,
		CallType:   callType,
		Timestamp:  now,
	}
	if err := s.sender.SendToUser(receiverID, frame); err != nil {
		// Receiver vanished between the online check and the send.
		return s.endSessionLocked(ctx, session, receiverID, domain.EndReasonNoRoute)
	}

	s.startRingTimer(session.ID)
	return session, nil
}

// Accept transitions a ringing session to active. Only the receiver may
// accept; a duplicate accept is a no-op that reports the current state.
// Buffered candidates are flushed, in arrival order, after the accepted
// frame is forwarded.
func (s *Service) Accept(ctx context.Context, sessionID, userID uuid.UUID, description json.RawMessage) (*domain.CallSession, error) {
	unlock := s.lockSession(sessionID)
	defer unlock()

	session, err := s.store.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.HasParticipant(userID) {
		return nil, apperrors.ForbiddenError("not a participant of this call")
	}
	if session.Status != domain.CallStatusRequested {
		if userID == session.ReceiverID {
			// Duplicate client retry; report current state.
			return session, nil
		}
		return nil, apperrors.InvalidTransitionError("call is no longer ringing")
	}
	if userID != session.ReceiverID {
		return nil, apperrors.InvalidTransitionError("only the receiver may accept")
	}

	now := time.Now().UTC()
	updated, err := s.store.CommitTransition(ctx, sessionID, domain.CallTransition{
		From:      domain.CallStatusRequested,
		To:        domain.CallStatusAccepted,
		StartedAt: &now,
	})
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeConcurrentCommit) {
			// Single retry of the read-transition cycle.
			current, getErr := s.store.GetByID(ctx, sessionID)
			if getErr != nil {
				return nil, getErr
			}
			if current.Status == domain.CallStatusAccepted {
				return current, nil
			}
			return nil, apperrors.InvalidTransitionError("call is no longer ringing")
		}
		return nil, err
	}

	s.stopRingTimer(sessionID)
	s.audit(sessionID, userID, string(signaling.FrameCallAccepted))

	accepted := &signaling.Frame{
		Type:        signaling.FrameCallAccepted,
		SessionID:   sessionID,
		FromUserID:  userID,
		Description: description,
		Timestamp:   now,
	}
	if err := s.sender.SendToUser(updated.InitiatorID, accepted); err != nil {
		// Initiator dropped while the call was being answered.
		return s.endSessionLocked(ctx, updated, updated.InitiatorID, domain.EndReasonDisconnect)
	}

	s.flushCandidatesLocked(updated)
	return updated, nil
}

// flushCandidatesLocked delivers buffered candidates to each sender's
// counterpart, preserving arrival order. Called exactly once per session,
// by the accept transition.
func (s *Service) flushCandidatesLocked(session *domain.CallSession) {
	pending := s.buffer.Flush(session.ID)
	if len(pending) == 0 {
		return
	}
	s.metrics.CandidateBuffered(-len(pending))

	for _, c := range pending {
		frame := &signaling.Frame{
			Type:       signaling.FrameCallCandidate,
			SessionID:  session.ID,
			FromUserID: c.FromUserID,
			Candidate:  c.Payload,
			Timestamp:  time.Now().UTC(),
		}
		if err := s.sender.SendToUser(session.Counterpart(c.FromUserID), frame); err != nil {
			logger.Warn("dropping buffered candidate, counterpart unreachable",
				zap.String("call_id", session.ID.String()),
				zap.Error(err))
		}
	}
}

// Reject declines a ringing call. Only the receiver may reject, and only
// before answer.
func (s *Service) Reject(ctx context.Context, sessionID, userID uuid.UUID) (*domain.CallSession, error) {
	unlock := s.lockSession(sessionID)
	defer unlock()

	session, err := s.store.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.HasParticipant(userID) {
		return nil, apperrors.ForbiddenError("not a participant of this call")
	}
	if session.Status == domain.CallStatusRejected && userID == session.ReceiverID {
		// Duplicate client retry; report current state.
		return session, nil
	}
	if session.Status != domain.CallStatusRequested {
		return nil, apperrors.InvalidTransitionError("call is no longer ringing")
	}
	if userID != session.ReceiverID {
		return nil, apperrors.InvalidTransitionError("only the receiver may reject")
	}

	return s.endSessionLocked(ctx, session, userID, domain.EndReasonRejected)
}

// End terminates a ringing or active call. Either participant may end.
// Ending an already-terminal session is a harmless no-op: concurrent end
// calls race on the store commit and the first one wins.
func (s *Service) End(ctx context.Context, sessionID, userID uuid.UUID) (*domain.CallSession, error) {
	unlock := s.lockSession(sessionID)
	defer unlock()

	session, err := s.store.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.HasParticipant(userID) {
		return nil, apperrors.ForbiddenError("not a participant of this call")
	}
	if session.IsTerminal() {
		return session, nil
	}

	return s.endSessionLocked(ctx, session, userID, domain.EndReasonHangup)
}

// Candidate relays a negotiation candidate. Once the session is active the
// candidate is forwarded directly; before that it is buffered so it cannot
// be applied ahead of the remote description.
func (s *Service) Candidate(ctx context.Context, sessionID, fromUserID uuid.UUID, payload json.RawMessage) error {
	unlock := s.lockSession(sessionID)
	defer unlock()

	session, err := s.store.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if !session.HasParticipant(fromUserID) {
		return apperrors.ForbiddenError("not a participant of this call")
	}
	if session.IsTerminal() {
		return apperrors.InvalidTransitionError("call already ended")
	}

	if session.StartedAt == nil {
		s.buffer.Push(sessionID, fromUserID, payload)
		s.metrics.CandidateBuffered(1)
		return nil
	}

	counterpart := session.Counterpart(fromUserID)
	frame := &signaling.Frame{
		Type:       signaling.FrameCallCandidate,
		SessionID:  sessionID,
		FromUserID: fromUserID,
		Candidate:  payload,
		Timestamp:  time.Now().UTC(),
	}
	if err := s.sender.SendToUser(counterpart, frame); err != nil {
		// Mid-call delivery failure is treated as a counterpart disconnect.
		if _, endErr := s.endSessionLocked(ctx, session, counterpart, domain.EndReasonDisconnect); endErr != nil {
			return endErr
		}
		return apperrors.UnreachableError("counterpart disconnected")
	}
	return nil
}

// Disconnect ends every non-terminal session of a user who lost their last
// connection, as if that user had ended each call.
func (s *Service) Disconnect(ctx context.Context, userID uuid.UUID) {
	sessions, err := s.store.NonTerminalSessionsFor(ctx, userID)
	if err != nil {
		logger.Error("disconnect sweep failed to list sessions",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	for _, session := range sessions {
		unlock := s.lockSession(session.ID)
		current, err := s.store.GetByID(ctx, session.ID)
		if err == nil && !current.IsTerminal() {
			if _, err := s.endSessionLocked(ctx, current, userID, domain.EndReasonDisconnect); err != nil {
				logger.Warn("failed to end session on disconnect",
					zap.String("call_id", session.ID.String()),
					zap.Error(err))
			}
		}
		unlock()
	}
}

// GetSession returns one session, restricted to participants unless the
// requester is an admin.
func (s *Service) GetSession(ctx context.Context, sessionID, requesterID uuid.UUID, isAdmin bool) (*domain.CallSession, error) {
	session, err := s.store.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !isAdmin && !session.HasParticipant(requesterID) {
		return nil, apperrors.ForbiddenError("not a participant of this call")
	}
	return session, nil
}

// History returns the user's call history, newest first
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return s.store.GetUserCalls(ctx, userID, limit, offset)
}

// endSessionLocked commits the terminal transition for a session and emits
// the terminal frame plus the conversation summary. Callers hold the
// session lock. byUser is the participant the termination is attributed
// to; the counterpart gets the terminal frame.
func (s *Service) endSessionLocked(ctx context.Context, session *domain.CallSession, byUser uuid.UUID, reason domain.EndReason) (*domain.CallSession, error) {
	now := time.Now().UTC()

	target := domain.CallStatusEnded
	frameType := signaling.FrameCallEnded
	if reason == domain.EndReasonRejected {
		target = domain.CallStatusRejected
		frameType = signaling.FrameCallRejected
	}

	duration := 0
	if session.StartedAt != nil {
		duration = int(now.Sub(*session.StartedAt).Seconds())
		if duration < 0 {
			duration = 0
		}
	}

	updated, err := s.store.CommitTransition(ctx, session.ID, domain.CallTransition{
		From:            session.Status,
		To:              target,
		Reason:          reason,
		EndedAt:         &now,
		DurationSeconds: duration,
	})
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeConcurrentCommit) {
			// The other side of the race committed first; observe and no-op.
			current, getErr := s.store.GetByID(ctx, session.ID)
			if getErr != nil {
				return nil, getErr
			}
			if current.IsTerminal() {
				return current, nil
			}
			return nil, apperrors.InvalidTransitionError("call state changed concurrently")
		}
		return nil, err
	}

	s.stopRingTimer(session.ID)
	if n := s.buffer.Len(session.ID); n > 0 {
		s.metrics.CandidateBuffered(-n)
	}
	s.buffer.Discard(session.ID)

	answered := updated.StartedAt != nil
	s.metrics.CallEnded(string(updated.Type), string(reason), duration, answered)
	s.audit(session.ID, byUser, string(frameType))

	frame := &signaling.Frame{
		Type:            frameType,
		SessionID:       session.ID,
		FromUserID:      byUser,
		DurationSeconds: duration,
		Reason:          string(reason),
		Timestamp:       now,
	}
	if err := s.sender.SendToUser(updated.Counterpart(byUser), frame); err != nil {
		// Counterpart is already gone; the session is terminal either way.
		logger.Debug("terminal frame not delivered",
			zap.String("call_id", session.ID.String()),
			zap.String("reason", string(reason)))
	}

	if s.convLog != nil {
		if err := s.convLog.AppendSystemEvent(ctx, updated.ChatRoomID, summaryFor(updated)); err != nil {
			logger.Warn("failed to append conversation summary",
				zap.String("call_id", session.ID.String()),
				zap.Error(err))
		}
	}

	return updated, nil
}

// audit appends to the signaling audit trail, best-effort
func (s *Service) audit(sessionID, fromUserID uuid.UUID, eventType string) {
	if s.signalLog == nil {
		return
	}
	if err := s.signalLog.Append(sessionID, fromUserID, eventType); err != nil {
		logger.Warn("failed to append signal audit log",
			zap.String("call_id", sessionID.String()),
			zap.Error(err))
	}
}

// startRingTimer arms the auto-expiry for an unanswered call
func (s *Service) startRingTimer(sessionID uuid.UUID) {
	if s.cfg.RingTimeout <= 0 {
		return
	}
	s.mu.Lock()
	s.ringTimers[sessionID] = time.AfterFunc(s.cfg.RingTimeout, func() {
		s.expireRinging(sessionID)
	})
	s.mu.Unlock()
}

// stopRingTimer disarms the auto-expiry once the session leaves ringing
func (s *Service) stopRingTimer(sessionID uuid.UUID) {
	s.mu.Lock()
	if t, ok := s.ringTimers[sessionID]; ok {
		t.Stop()
		delete(s.ringTimers, sessionID)
	}
	s.mu.Unlock()
}

// expireRinging times out a session still ringing. It races with accept and
// reject through the session lock and the store's concurrency guard, so a
// late expiry is a no-op.
func (s *Service) expireRinging(sessionID uuid.UUID) {
	ctx := context.Background()

	unlock := s.lockSession(sessionID)
	defer unlock()
	s.stopRingTimer(sessionID)

	session, err := s.store.GetByID(ctx, sessionID)
	if err != nil || session.Status != domain.CallStatusRequested {
		return
	}

	updated, err := s.endSessionLocked(ctx, session, session.ReceiverID, domain.EndReasonTimeout)
	if err != nil {
		logger.Warn("failed to expire ringing call",
			zap.String("call_id", sessionID.String()),
			zap.Error(err))
		return
	}

	// Stop the receiver's devices from ringing as well; the initiator was
	// notified by the terminal transition.
	stop := &signaling.Frame{
		Type:            signaling.FrameCallEnded,
		SessionID:       sessionID,
		FromUserID:      updated.InitiatorID,
		DurationSeconds: 0,
		Reason:          string(domain.EndReasonTimeout),
		Timestamp:       time.Now().UTC(),
	}
	if err := s.sender.SendToUser(updated.ReceiverID, stop); err != nil {
		logger.Debug("timeout frame not delivered to receiver",
			zap.String("call_id", sessionID.String()))
	}
}

// summaryFor renders the human-readable conversation event for a terminal
// session, e.g. "Call ended, 2m14s".
func summaryFor(session *domain.CallSession) string {
	if session.StartedAt != nil {
		return fmt.Sprintf("Call ended, %s", formatDuration(session.DurationSeconds))
	}
	switch session.EndReason {
	case domain.EndReasonRejected:
		return "Call declined"
	case domain.EndReasonBusy:
		return "Missed call (busy)"
	default:
		return "Missed call"
	}
}

// formatDuration renders seconds as 14s, 2m14s, or 1h02m14s
func formatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	sec := seconds % 60

	switch {
	case h > 0:
		return fmt.Sprintf("%dh%02dm%02ds", h, m, sec)
	case m > 0:
		return fmt.Sprintf("%dm%02ds", m, sec)
	default:
		return fmt.Sprintf("%ds", sec)
	}
}
