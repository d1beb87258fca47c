package call

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"callrelay-backend/internal/domain"
	"callrelay-backend/internal/signaling"
	apperrors "callrelay-backend/pkg/errors"
)

// MockSessionStore is a mock implementation of SessionStore
type MockSessionStore struct {
	mock.Mock
}

func (m *MockSessionStore) Create(ctx context.Context, session *domain.CallSession) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *MockSessionStore) GetByID(ctx context.Context, sessionID uuid.UUID) (*domain.CallSession, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession), args.Error(1)
}

func (m *MockSessionStore) CommitTransition(ctx context.Context, sessionID uuid.UUID, t domain.CallTransition) (*domain.CallSession, error) {
	args := m.Called(ctx, sessionID, t)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession), args.Error(1)
}

func (m *MockSessionStore) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallSession), args.Error(1)
}

func (m *MockSessionStore) NonTerminalSessionsFor(ctx context.Context, userID uuid.UUID) ([]*domain.CallSession, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallSession), args.Error(1)
}

func (m *MockSessionStore) HasNonTerminalSession(ctx context.Context, userID uuid.UUID) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

// MockConversationLog is a mock implementation of ConversationLog
type MockConversationLog struct {
	mock.Mock
}

func (m *MockConversationLog) AppendSystemEvent(ctx context.Context, chatRoomID uuid.UUID, summary string) error {
	args := m.Called(ctx, chatRoomID, summary)
	return args.Error(0)
}

// fakeSender records outbound frames so tests can assert delivery targets
// and ordering. Online state and send failures are scripted per user.
type fakeSender struct {
	mu      sync.Mutex
	online  map[uuid.UUID]bool
	failFor map[uuid.UUID]bool
	frames  []sentFrame
}

type sentFrame struct {
	to    uuid.UUID
	frame *signaling.Frame
}

func newFakeSender(onlineUsers ...uuid.UUID) *fakeSender {
	s := &fakeSender{
		online:  make(map[uuid.UUID]bool),
		failFor: make(map[uuid.UUID]bool),
	}
	for _, u := range onlineUsers {
		s.online[u] = true
	}
	return s
}

func (s *fakeSender) SendToUser(userID uuid.UUID, frame *signaling.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[userID] {
		return signaling.ErrNoRoute
	}
	s.frames = append(s.frames, sentFrame{to: userID, frame: frame})
	return nil
}

func (s *fakeSender) IsOnline(userID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[userID]
}

func (s *fakeSender) framesTo(userID uuid.UUID) []*signaling.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*signaling.Frame
	for _, f := range s.frames {
		if f.to == userID {
			out = append(out, f.frame)
		}
	}
	return out
}

// TestRequest tests the happy path of ringing an online receiver
func TestRequest(t *testing.T) {
	mockStore := new(MockSessionStore)
	initiatorID := uuid.New()
	receiverID := uuid.New()
	chatRoomID := uuid.New()
	sender := newFakeSender(receiverID)
	service := NewService(mockStore, nil, nil, sender, nil, Config{})

	mockStore.On("Create", mock.Anything, mock.AnythingOfType("*domain.CallSession")).Return(nil)

	session, err := service.Request(context.Background(), initiatorID, receiverID, chatRoomID, domain.CallTypeVideo)

	assert.NoError(t, err)
	assert.NotNil(t, session)
	assert.Equal(t, domain.CallStatusRequested, session.Status)
	assert.Equal(t, initiatorID, session.InitiatorID)
	assert.Nil(t, session.StartedAt)

	frames := sender.framesTo(receiverID)
	assert.Len(t, frames, 1)
	assert.Equal(t, signaling.FrameCallRequest, frames[0].Type)
	assert.Equal(t, session.ID, frames[0].SessionID)
	assert.Equal(t, initiatorID, frames[0].FromUserID)

	mockStore.AssertExpectations(t)
}

// TestRequest_SelfCall tests that a user cannot call themselves
func TestRequest_SelfCall(t *testing.T) {
	mockStore := new(MockSessionStore)
	userID := uuid.New()
	service := NewService(mockStore, nil, nil, newFakeSender(userID), nil, Config{})

	_, err := service.Request(context.Background(), userID, userID, uuid.New(), domain.CallTypeVoice)

	assert.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
	mockStore.AssertNotCalled(t, "Create")
}

// TestRequest_UnknownCallType tests rejection of an unknown call type
func TestRequest_UnknownCallType(t *testing.T) {
	mockStore := new(MockSessionStore)
	receiverID := uuid.New()
	service := NewService(mockStore, nil, nil, newFakeSender(receiverID), nil, Config{})

	_, err := service.Request(context.Background(), uuid.New(), receiverID, uuid.New(), domain.CallType("screencast"))

	assert.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
	mockStore.AssertNotCalled(t, "Create")
}

// TestRequest_ReceiverOffline tests that an offline receiver yields an
// immediately terminal session, never a ringing one.
func TestRequest_ReceiverOffline(t *testing.T) {
	mockStore := new(MockSessionStore)
	mockConvLog := new(MockConversationLog)
	initiatorID := uuid.New()
	receiverID := uuid.New()
	chatRoomID := uuid.New()
	sender := newFakeSender(initiatorID) // receiver is not online
	service := NewService(mockStore, mockConvLog, nil, sender, nil, Config{})

	var createdID uuid.UUID
	mockStore.On("Create", mock.Anything, mock.AnythingOfType("*domain.CallSession")).
		Run(func(args mock.Arguments) {
			createdID = args.Get(1).(*domain.CallSession).ID
		}).Return(nil)

	ended := &domain.CallSession{
		InitiatorID: initiatorID,
		ReceiverID:  receiverID,
		ChatRoomID:  chatRoomID,
		Status:      domain.CallStatusEnded,
		EndReason:   domain.EndReasonNoRoute,
	}
	mockStore.On("CommitTransition", mock.Anything, mock.AnythingOfType("uuid.UUID"), mock.MatchedBy(func(tr domain.CallTransition) bool {
		return tr.From == domain.CallStatusRequested &&
			tr.To == domain.CallStatusEnded &&
			tr.Reason == domain.EndReasonNoRoute &&
			tr.DurationSeconds == 0
	})).Return(ended, nil)
	mockConvLog.On("AppendSystemEvent", mock.Anything, chatRoomID, "Missed call").Return(nil)

	session, err := service.Request(context.Background(), initiatorID, receiverID, chatRoomID, domain.CallTypeVoice)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, session.Status)
	assert.Equal(t, domain.EndReasonNoRoute, session.EndReason)
	assert.NotEqual(t, uuid.Nil, createdID)

	// The initiator hears the outcome over signaling; the offline receiver
	// gets nothing.
	frames := sender.framesTo(initiatorID)
	assert.Len(t, frames, 1)
	assert.Equal(t, signaling.FrameCallEnded, frames[0].Type)
	assert.Equal(t, string(domain.EndReasonNoRoute), frames[0].Reason)
	assert.Empty(t, sender.framesTo(receiverID))

	mockStore.AssertExpectations(t)
	mockConvLog.AssertExpectations(t)
}

// TestRequest_RejectWhenBusy tests the busy policy short-circuit
func TestRequest_RejectWhenBusy(t *testing.T) {
	mockStore := new(MockSessionStore)
	initiatorID := uuid.New()
	receiverID := uuid.New()
	chatRoomID := uuid.New()
	sender := newFakeSender(initiatorID, receiverID)
	service := NewService(mockStore, nil, nil, sender, nil, Config{RejectWhenBusy: true})

	mockStore.On("HasNonTerminalSession", mock.Anything, receiverID).Return(true, nil)
	mockStore.On("Create", mock.Anything, mock.AnythingOfType("*domain.CallSession")).Return(nil)

	busy := &domain.CallSession{
		InitiatorID: initiatorID,
		ReceiverID:  receiverID,
		ChatRoomID:  chatRoomID,
		Status:      domain.CallStatusEnded,
		EndReason:   domain.EndReasonBusy,
	}
	mockStore.On("CommitTransition", mock.Anything, mock.AnythingOfType("uuid.UUID"), mock.MatchedBy(func(tr domain.CallTransition) bool {
		return tr.To == domain.CallStatusEnded && tr.Reason == domain.EndReasonBusy
	})).Return(busy, nil)

	session, err := service.Request(context.Background(), initiatorID, receiverID, chatRoomID, domain.CallTypeVoice)

	assert.NoError(t, err)
	assert.Equal(t, domain.EndReasonBusy, session.EndReason)
	// Busy receiver never gets a ring frame.
	assert.Empty(t, sender.framesTo(receiverID))
	mockStore.AssertExpectations(t)
}

// TestRequest_RejectWhenBusy_InitiatorBusy tests that the busy policy also
// covers the calling side: an initiator mid-call cannot ring anyone.
func TestRequest_RejectWhenBusy_InitiatorBusy(t *testing.T) {
	mockStore := new(MockSessionStore)
	initiatorID := uuid.New()
	receiverID := uuid.New()
	chatRoomID := uuid.New()
	sender := newFakeSender(initiatorID, receiverID)
	service := NewService(mockStore, nil, nil, sender, nil, Config{RejectWhenBusy: true})

	mockStore.On("HasNonTerminalSession", mock.Anything, receiverID).Return(false, nil)
	mockStore.On("HasNonTerminalSession", mock.Anything, initiatorID).Return(true, nil)
	mockStore.On("Create", mock.Anything, mock.AnythingOfType("*domain.CallSession")).Return(nil)

	busy := &domain.CallSession{
		InitiatorID: initiatorID,
		ReceiverID:  receiverID,
		ChatRoomID:  chatRoomID,
		Status:      domain.CallStatusEnded,
		EndReason:   domain.EndReasonBusy,
	}
	mockStore.On("CommitTransition", mock.Anything, mock.AnythingOfType("uuid.UUID"), mock.MatchedBy(func(tr domain.CallTransition) bool {
		return tr.To == domain.CallStatusEnded && tr.Reason == domain.EndReasonBusy
	})).Return(busy, nil)

	session, err := service.Request(context.Background(), initiatorID, receiverID, chatRoomID, domain.CallTypeVideo)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, session.Status)
	assert.Equal(t, domain.EndReasonBusy, session.EndReason)
	// No ring frame may reach the receiver.
	assert.Empty(t, sender.framesTo(receiverID))
	mockStore.AssertExpectations(t)
}

func ringingSession(initiatorID, receiverID uuid.UUID) *domain.CallSession {
	return &domain.CallSession{
		ID:          uuid.New(),
		InitiatorID: initiatorID,
		ReceiverID:  receiverID,
		ChatRoomID:  uuid.New(),
		Type:        domain.CallTypeVideo,
		Status:      domain.CallStatusRequested,
		CreatedAt:   time.Now().UTC(),
	}
}

// TestAccept tests accept forwarding the answer and flushing buffered
// candidates in arrival order.
func TestAccept(t *testing.T) {
	mockStore := new(MockSessionStore)
	initiatorID := uuid.New()
	receiverID := uuid.New()
	sender := newFakeSender(initiatorID, receiverID)
	service := NewService(mockStore, nil, nil, sender, nil, Config{})

	session := ringingSession(initiatorID, receiverID)
	mockStore.On("GetByID", mock.Anything, session.ID).Return(session, nil)

	// Two early candidates from the initiator arrive before the answer.
	assert.NoError(t, service.Candidate(context.Background(), session.ID, initiatorID, json.RawMessage(`{"c":1}`)))
	assert.NoError(t, service.Candidate(context.Background(), session.ID, initiatorID, json.RawMessage(`{"c":2}`)))
	assert.Empty(t, sender.framesTo(receiverID))

	now := time.Now().UTC()
	accepted := *session
	accepted.Status = domain.CallStatusAccepted
	accepted.StartedAt = &now
	mockStore.On("CommitTransition", mock.Anything, session.ID, mock.MatchedBy(func(tr domain.CallTransition) bool {
		return tr.From == domain.CallStatusRequested &&
			tr.To == domain.CallStatusAccepted &&
			tr.StartedAt != nil
	})).Return(&accepted, nil)

	answer := json.RawMessage(`{"sdp":"answer"}`)
	result, err := service.Accept(context.Background(), session.ID, receiverID, answer)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusAccepted, result.Status)

	// The initiator gets the answer first, then the flush targets the
	// candidates' counterpart: initiator-sent candidates go to the receiver.
	initiatorFrames := sender.framesTo(initiatorID)
	assert.Len(t, initiatorFrames, 1)
	assert.Equal(t, signaling.FrameCallAccepted, initiatorFrames[0].Type)
	assert.Equal(t, answer, initiatorFrames[0].Description)

	receiverFrames := sender.framesTo(receiverID)
	assert.Len(t, receiverFrames, 2)
	assert.Equal(t, signaling.FrameCallCandidate, receiverFrames[0].Type)
	assert.JSONEq(t, `{"c":1}`, string(receiverFrames[0].Candidate))
	assert.JSONEq(t, `{"c":2}`, string(receiverFrames[1].Candidate))

	mockStore.AssertExpectations(t)
}

// TestAccept_Duplicate tests that a repeated accept from the receiver is a
// harmless no-op reporting current state.
func TestAccept_Duplicate(t *testing.T) {
	mockStore := new(MockSessionStore)
	initiatorID := uuid.New()
	receiverID := uuid.New()
	service := NewService(mockStore, nil, nil, newFakeSender(initiatorID, receiverID), nil, Config{})

	now := time.Now().UTC()
	session := ringingSession(initiatorID, receiverID)
	session.Status = domain.CallStatusAccepted
	session.StartedAt = &now
	mockStore.On("GetByID", mock.Anything, session.ID).Return(session, nil)

	result, err := service.Accept(context.Background(), session.ID, receiverID, nil)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusAccepted, result.Status)
	mockStore.AssertNotCalled(t, "CommitTransition")
}

// TestAccept_ByInitiator tests that only the receiver may accept
func TestAccept_ByInitiator(t *testing.T) {
	mockStore := new(MockSessionStore)
	initiatorID := uuid.New()
	receiverID := uuid.New()
	service := NewService(mockStore, nil, nil, newFakeSender(initiatorID, receiverID), nil, Config{})

	session := ringingSession(initiatorID, receiverID)
	mockStore.On("GetByID", mock.Anything, session.ID).Return(session, nil)

	_, err := service.Accept(context.Background(), session.ID, initiatorID, nil)

	assert.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidTransition))
	mockStore.AssertNotCalled(t, "CommitTransition")
}

// TestAccept_Stranger tests that a non-participant is rejected before any
// state is inspected.
func TestAccept_Stranger(t *testing.T) {
	mockStore := new(MockSessionStore)
	session := ringingSession(uuid.New(), uuid.New())
	service := NewService(mockStore, nil, nil, newFakeSender(), nil, Config{})

	mockStore.On("GetByID", mock.Anything, session.ID).Return(session, nil)

	_, err := service.Accept(context.Background(), session.ID, uuid.New(), nil)

	assert.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeForbidden))
}

// TestAccept_ConcurrentCommit tests the single retry after a lost commit
// race: when the re-read shows the call accepted, accept reports success.
func TestAccept_ConcurrentCommit(t *testing.T) {
	mockStore := new(MockSessionStore)
	initiatorID := uuid.New()
	receiverID := uuid.New()
	service := NewService(mockStore, nil, nil, newFakeSender(initiatorID, receiverID), nil, Config{})

	session := ringingSession(initiatorID, receiverID)
	now := time.Now().UTC()
	accepted := *session
	accepted.Status = domain.CallStatusAccepted
	accepted.StartedAt = &now

	mockStore.On("GetByID", mock.Anything, session.ID).Return(session, nil).Once()
	mockStore.On("CommitTransition", mock.Anything, session.ID, mock.AnythingOfType("domain.CallTransition")).
		Return(nil, apperrors.ConcurrentCommitError()).Once()
	mockStore.On("GetByID", mock.Anything, session.ID).Return(&accepted, nil).Once()

	result, err := service.Accept(context.Background(), session.ID, receiverID, nil)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusAccepted, result.Status)
	mockStore.AssertExpectations(t)
}

// TestReject tests the receiver declining a ringing call
func TestReject(t *testing.T) {
	mockStore := new(MockSessionStore)
	mockConvLog := new(MockConversationLog)
	initiatorID := uuid.New()
	receiverID := uuid.New()
	sender := newFakeSender(initiatorID, receiverID)
	service := NewService(mockStore, mockConvLog, nil, sender, nil, Config{})

	session := ringingSession(initiatorID, receiverID)
	rejected := *session
	rejected.Status = domain.CallStatusRejected
	rejected.EndReason = domain.EndReasonRejected

	mockStore.On("GetByID", mock.Anything, session.ID).Return(session, nil)
	mockStore.On("CommitTransition", mock.Anything, session.ID, mock.MatchedBy(func(tr domain.CallTransition) bool {
		return tr.From == domain.CallStatusRequested &&
			tr.To == domain.CallStatusRejected &&
			tr.Reason == domain.EndReasonRejected
	})).Return(&rejected, nil)
	mockConvLog.On("AppendSystemEvent", mock.Anything, session.ChatRoomID, "Call declined").Return(nil)

	result, err := service.Reject(context.Background(), session.ID, receiverID)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusRejected, result.Status)

	frames := sender.framesTo(initiatorID)
	assert.Len(t, frames, 1)
	assert.Equal(t, signaling.FrameCallRejected, frames[0].Type)

	mockStore.AssertExpectations(t)
	mockConvLog.AssertExpectations(t)
}

// TestReject_ByInitiator tests that the initiator cannot reject; they hang up
func TestReject_ByInitiator(t *testing.T) {
	mockStore := new(MockSessionStore)
	initiatorID := uuid.New()
	receiverID := uuid.New()
	service := NewService(mockStore, nil, nil, newFakeSender(initiatorID, receiverID), nil, Config{})

	session := ringingSession(initiatorID, receiverID)
	mockStore.On("GetByID", mock.Anything, session.ID).Return(session, nil)

	_, err := service.Reject(context.Background(), session.ID, initiatorID)

	assert.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidTransition))
	mockStore.AssertNotCalled(t, "CommitTransition")
}

// TestEnd tests ending an active call and the recorded duration
func TestEnd(t *testing.T) {
	mockStore := new(MockSessionStore)
	mockConvLog := new(MockConversationLog)
	initiatorID := uuid.New()
	receiverID := uuid.New()
	sender := newFakeSender(initiatorID, receiverID)
	service := NewService(mockStore, mockConvLog, nil, sender, nil, Config{})

	startedAt := time.Now().UTC().Add(-134 * time.Second)
	session := ringingSession(initiatorID, receiverID)
	session.Status = domain.CallStatusAccepted
	session.StartedAt = &startedAt

	endedAt := time.Now().UTC()
	ended := *session
	ended.Status = domain.CallStatusEnded
	ended.EndReason = domain.EndReasonHangup
	ended.EndedAt = &endedAt
	ended.DurationSeconds = 134

	mockStore.On("GetByID", mock.Anything, session.ID).Return(session, nil)
	mockStore.On("CommitTransition", mock.Anything, session.ID, mock.MatchedBy(func(tr domain.CallTransition) bool {
		return tr.From == domain.CallStatusAccepted &&
			tr.To == domain.CallStatusEnded &&
			tr.Reason == domain.EndReasonHangup &&
			tr.DurationSeconds >= 134
	})).Return(&ended, nil)
	mockConvLog.On("AppendSystemEvent", mock.Anything, session.ChatRoomID, "Call ended, 2m14s").Return(nil)

	result, err := service.End(context.Background(), session.ID, initiatorID)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, result.Status)

	// The end is attributed to the initiator, so the receiver hears it.
	frames := sender.framesTo(receiverID)
	assert.Len(t, frames, 1)
	assert.Equal(t, signaling.FrameCallEnded, frames[0].Type)
	assert.Equal(t, 134, frames[0].DurationSeconds)

	mockStore.AssertExpectations(t)
	mockConvLog.AssertExpectations(t)
}

// TestEnd_AlreadyEnded tests that ending a terminal call is a no-op
func TestEnd_AlreadyEnded(t *testing.T) {
	mockStore := new(MockSessionStore)
	initiatorID := uuid.New()
	receiverID := uuid.New()
	sender := newFakeSender(initiatorID, receiverID)
	service := NewService(mockStore, nil, nil, sender, nil, Config{})

	session := ringingSession(initiatorID, receiverID)
	session.Status = domain.CallStatusEnded
	session.EndReason = domain.EndReasonHangup
	mockStore.On("GetByID", mock.Anything, session.ID).Return(session, nil)

	result, err := service.End(context.Background(), session.ID, receiverID)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, result.Status)
	assert.Empty(t, sender.framesTo(initiatorID))
	mockStore.AssertNotCalled(t, "CommitTransition")
}

// TestEnd_ConcurrentCommit tests both participants hanging up at once
// across instances: the loser of the commit race observes the terminal
// session and must not emit a second ended frame.
func TestEnd_ConcurrentCommit(t *testing.T) {
	mockStore := new(MockSessionStore)
	initiatorID := uuid.New()
	receiverID := uuid.New()
	sender := newFakeSender(initiatorID, receiverID)
	service := NewService(mockStore, nil, nil, sender, nil, Config{})

	startedAt := time.Now().UTC().Add(-30 * time.Second)
	session := ringingSession(initiatorID, receiverID)
	session.Status = domain.CallStatusAccepted
	session.StartedAt = &startedAt

	ended := *session
	ended.Status = domain.CallStatusEnded
	ended.EndReason = domain.EndReasonHangup
	ended.DurationSeconds = 30

	mockStore.On("GetByID", mock.Anything, session.ID).Return(session, nil).Once()
	mockStore.On("CommitTransition", mock.Anything, session.ID, mock.AnythingOfType("domain.CallTransition")).
		Return(nil, apperrors.ConcurrentCommitError()).Once()
	mockStore.On("GetByID", mock.Anything, session.ID).Return(&ended, nil).Once()

	result, err := service.End(context.Background(), session.ID, initiatorID)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, result.Status)
	// The winning side already notified the counterpart; this side stays
	// silent.
	assert.Empty(t, sender.framesTo(receiverID))
	assert.Empty(t, sender.framesTo(initiatorID))
	mockStore.AssertExpectations(t)
}

// TestCandidate_Forwarded tests direct relay once the call is active
func TestCandidate_Forwarded(t *testing.T) {
	mockStore := new(MockSessionStore)
	initiatorID := uuid.New()
	receiverID := uuid.New()
	sender := newFakeSender(initiatorID, receiverID)
	service := NewService(mockStore, nil, nil, sender, nil, Config{})

	now := time.Now().UTC()
	session := ringingSession(initiatorID, receiverID)
	session.Status = domain.CallStatusAccepted
	session.StartedAt = &now
	mockStore.On("GetByID", mock.Anything, session.ID).Return(session, nil)

	err := service.Candidate(context.Background(), session.ID, receiverID, json.RawMessage(`{"c":9}`))

	assert.NoError(t, err)
	frames := sender.framesTo(initiatorID)
	assert.Len(t, frames, 1)
	assert.Equal(t, signaling.FrameCallCandidate, frames[0].Type)
	assert.Equal(t, receiverID, frames[0].FromUserID)
}

// TestCandidate_AfterEnd tests that candidates for terminal calls error out
func TestCandidate_AfterEnd(t *testing.T) {
	mockStore := new(MockSessionStore)
	initiatorID := uuid.New()
	receiverID := uuid.New()
	service := NewService(mockStore, nil, nil, newFakeSender(initiatorID, receiverID), nil, Config{})

	session := ringingSession(initiatorID, receiverID)
	session.Status = domain.CallStatusEnded
	mockStore.On("GetByID", mock.Anything, session.ID).Return(session, nil)

	err := service.Candidate(context.Background(), session.ID, initiatorID, json.RawMessage(`{}`))

	assert.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidTransition))
}

// TestCandidate_CounterpartGone tests that a mid-call delivery failure
// terminates the session with a disconnect reason.
func TestCandidate_CounterpartGone(t *testing.T) {
	mockStore := new(MockSessionStore)
	initiatorID := uuid.New()
	receiverID := uuid.New()
	sender := newFakeSender(receiverID)
	sender.failFor[initiatorID] = true
	service := NewService(mockStore, nil, nil, sender, nil, Config{})

	now := time.Now().UTC()
	session := ringingSession(initiatorID, receiverID)
	session.Status = domain.CallStatusAccepted
	session.StartedAt = &now

	ended := *session
	ended.Status = domain.CallStatusEnded
	ended.EndReason = domain.EndReasonDisconnect

	mockStore.On("GetByID", mock.Anything, session.ID).Return(session, nil)
	mockStore.On("CommitTransition", mock.Anything, session.ID, mock.MatchedBy(func(tr domain.CallTransition) bool {
		return tr.To == domain.CallStatusEnded && tr.Reason == domain.EndReasonDisconnect
	})).Return(&ended, nil)

	err := service.Candidate(context.Background(), session.ID, receiverID, json.RawMessage(`{}`))

	assert.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUnreachable))
	// The surviving participant hears the ended frame.
	frames := sender.framesTo(receiverID)
	assert.Len(t, frames, 1)
	assert.Equal(t, signaling.FrameCallEnded, frames[0].Type)
	mockStore.AssertExpectations(t)
}

// TestDisconnect tests the sweep ending every live session of a vanished
// user, notifying each counterpart exactly once.
func TestDisconnect(t *testing.T) {
	mockStore := new(MockSessionStore)
	userID := uuid.New()
	peerA := uuid.New()
	peerB := uuid.New()
	sender := newFakeSender(peerA, peerB)
	service := NewService(mockStore, nil, nil, sender, nil, Config{})

	now := time.Now().UTC()
	active := &domain.CallSession{
		ID:          uuid.New(),
		InitiatorID: userID,
		ReceiverID:  peerA,
		ChatRoomID:  uuid.New(),
		Type:        domain.CallTypeVoice,
		Status:      domain.CallStatusAccepted,
		StartedAt:   &now,
	}
	ringing := &domain.CallSession{
		ID:          uuid.New(),
		InitiatorID: peerB,
		ReceiverID:  userID,
		ChatRoomID:  uuid.New(),
		Type:        domain.CallTypeVideo,
		Status:      domain.CallStatusRequested,
	}

	mockStore.On("NonTerminalSessionsFor", mock.Anything, userID).
		Return([]*domain.CallSession{active, ringing}, nil)
	mockStore.On("GetByID", mock.Anything, active.ID).Return(active, nil)
	mockStore.On("GetByID", mock.Anything, ringing.ID).Return(ringing, nil)

	endedA := *active
	endedA.Status = domain.CallStatusEnded
	endedA.EndReason = domain.EndReasonDisconnect
	endedB := *ringing
	endedB.Status = domain.CallStatusEnded
	endedB.EndReason = domain.EndReasonDisconnect

	mockStore.On("CommitTransition", mock.Anything, active.ID, mock.MatchedBy(func(tr domain.CallTransition) bool {
		return tr.Reason == domain.EndReasonDisconnect
	})).Return(&endedA, nil)
	mockStore.On("CommitTransition", mock.Anything, ringing.ID, mock.MatchedBy(func(tr domain.CallTransition) bool {
		return tr.Reason == domain.EndReasonDisconnect
	})).Return(&endedB, nil)

	service.Disconnect(context.Background(), userID)

	assert.Len(t, sender.framesTo(peerA), 1)
	assert.Len(t, sender.framesTo(peerB), 1)
	assert.Equal(t, signaling.FrameCallEnded, sender.framesTo(peerA)[0].Type)
	mockStore.AssertExpectations(t)
}

// TestDispatch_UnknownFrame tests the closed frame set
func TestDispatch_UnknownFrame(t *testing.T) {
	service := NewService(new(MockSessionStore), nil, nil, newFakeSender(), nil, Config{})

	err := service.Dispatch(context.Background(), uuid.New(), &signaling.Frame{Type: "call.hold"})

	assert.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
}

// TestDispatch_ErrorFrameInbound tests that error frames are outbound only
func TestDispatch_ErrorFrameInbound(t *testing.T) {
	service := NewService(new(MockSessionStore), nil, nil, newFakeSender(), nil, Config{})

	err := service.Dispatch(context.Background(), uuid.New(), &signaling.Frame{Type: signaling.FrameError})

	assert.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
}

// TestRingTimeout tests that an unanswered call auto-expires
func TestRingTimeout(t *testing.T) {
	mockStore := new(MockSessionStore)
	initiatorID := uuid.New()
	receiverID := uuid.New()
	sender := newFakeSender(initiatorID, receiverID)
	service := NewService(mockStore, nil, nil, sender, nil, Config{RingTimeout: 20 * time.Millisecond})

	var session domain.CallSession
	mockStore.On("Create", mock.Anything, mock.AnythingOfType("*domain.CallSession")).
		Run(func(args mock.Arguments) {
			session = *args.Get(1).(*domain.CallSession)
		}).Return(nil)
	mockStore.On("GetByID", mock.Anything, mock.AnythingOfType("uuid.UUID")).
		Return(&session, nil)

	timedOut := domain.CallSession{Status: domain.CallStatusEnded, EndReason: domain.EndReasonTimeout}
	mockStore.On("CommitTransition", mock.Anything, mock.AnythingOfType("uuid.UUID"), mock.MatchedBy(func(tr domain.CallTransition) bool {
		return tr.From == domain.CallStatusRequested &&
			tr.To == domain.CallStatusEnded &&
			tr.Reason == domain.EndReasonTimeout
	})).Run(func(mock.Arguments) {
		timedOut.InitiatorID = session.InitiatorID
		timedOut.ReceiverID = session.ReceiverID
	}).Return(&timedOut, nil)

	_, err := service.Request(context.Background(), initiatorID, receiverID, uuid.New(), domain.CallTypeVoice)
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		for _, f := range sender.framesTo(initiatorID) {
			if f.Type == signaling.FrameCallEnded && f.Reason == string(domain.EndReasonTimeout) {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond, "initiator should hear the timeout")

	// The receiver got the ring and then the stop frame.
	assert.Eventually(t, func() bool {
		frames := sender.framesTo(receiverID)
		return len(frames) == 2 && frames[1].Type == signaling.FrameCallEnded
	}, time.Second, 10*time.Millisecond)
}

// TestHistory tests pagination defaults for call history
func TestHistory(t *testing.T) {
	mockStore := new(MockSessionStore)
	userID := uuid.New()
	service := NewService(mockStore, nil, nil, newFakeSender(), nil, Config{})

	calls := []*domain.CallSession{{ID: uuid.New(), InitiatorID: userID}}
	mockStore.On("GetUserCalls", mock.Anything, userID, 20, 0).Return(calls, nil)

	result, err := service.History(context.Background(), userID, 0, 0)

	assert.NoError(t, err)
	assert.Len(t, result, 1)
	mockStore.AssertExpectations(t)
}

// TestGetSession_Stranger tests the participant restriction on reads
func TestGetSession_Stranger(t *testing.T) {
	mockStore := new(MockSessionStore)
	session := ringingSession(uuid.New(), uuid.New())
	service := NewService(mockStore, nil, nil, newFakeSender(), nil, Config{})

	mockStore.On("GetByID", mock.Anything, session.ID).Return(session, nil)

	_, err := service.GetSession(context.Background(), session.ID, uuid.New(), false)
	assert.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeForbidden))

	// Admins bypass the participant check.
	result, err := service.GetSession(context.Background(), session.ID, uuid.New(), true)
	assert.NoError(t, err)
	assert.Equal(t, session.ID, result.ID)
}

// TestFormatDuration covers the summary rendering buckets
func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "14s", formatDuration(14))
	assert.Equal(t, "2m14s", formatDuration(134))
	assert.Equal(t, "1h02m14s", formatDuration(3734))
	assert.Equal(t, "0s", formatDuration(-5))
}
