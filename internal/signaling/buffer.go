package signaling

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// PendingCandidate is a negotiation candidate that arrived before the
// session was ready to consume it. Payload is opaque.
type PendingCandidate struct {
	SessionID  uuid.UUID
	FromUserID uuid.UUID
	Payload    json.RawMessage
	Sequence   int
}

// CandidateBuffer holds candidates per session until the accept transition
// makes a remote description available, preserving arrival order. It does no
// validation of candidate content.
type CandidateBuffer struct {
	mu      sync.Mutex
	pending map[uuid.UUID][]PendingCandidate
	nextSeq map[uuid.UUID]int
}

// NewCandidateBuffer creates an empty candidate buffer
func NewCandidateBuffer() *CandidateBuffer {
	return &CandidateBuffer{
		pending: make(map[uuid.UUID][]PendingCandidate),
		nextSeq: make(map[uuid.UUID]int),
	}
}

// Push appends a candidate in arrival order
func (b *CandidateBuffer) Push(sessionID, fromUserID uuid.UUID, payload json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	seq := b.nextSeq[sessionID]
	b.nextSeq[sessionID] = seq + 1
	b.pending[sessionID] = append(b.pending[sessionID], PendingCandidate{
		SessionID:  sessionID,
		FromUserID: fromUserID,
		Payload:    payload,
		Sequence:   seq,
	})
}

// Flush returns all buffered candidates for the session in arrival order and
// clears the buffer. Flushing an already-flushed or unknown session returns
// an empty slice.
func (b *CandidateBuffer) Flush(sessionID uuid.UUID) []PendingCandidate {
	b.mu.Lock()
	defer b.mu.Unlock()

	candidates := b.pending[sessionID]
	delete(b.pending, sessionID)
	delete(b.nextSeq, sessionID)
	return candidates
}

// Discard drops any buffered candidates for a session that reached a
// terminal state, bounding memory.
func (b *CandidateBuffer) Discard(sessionID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.pending, sessionID)
	delete(b.nextSeq, sessionID)
}

// Len reports how many candidates are buffered for a session
func (b *CandidateBuffer) Len(sessionID uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[sessionID])
}
