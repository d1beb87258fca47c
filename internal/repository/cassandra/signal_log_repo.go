package cassandra

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
)

// SignalLogRepository keeps an append-only audit trail of signaling activity
// in Cassandra. Writes are best-effort: the call path never blocks on them.
type SignalLogRepository struct {
	session *gocql.Session
}

// NewSignalLogRepository creates a new SignalLogRepository
func NewSignalLogRepository(session *gocql.Session) *SignalLogRepository {
	return &SignalLogRepository{session: session}
}

// Append records one signaling event for a call session
func (r *SignalLogRepository) Append(sessionID, fromUserID uuid.UUID, eventType string) error {
	query := `
		INSERT INTO signal_log (
			call_id, event_id, from_user_id, event_type, created_at
		) VALUES (?, ?, ?, ?, ?)
	`

	err := r.session.Query(query,
		sessionID,
		gocql.TimeUUID(),
		fromUserID,
		eventType,
		time.Now().UTC(),
	).Exec()

	if err != nil {
		return fmt.Errorf("failed to append signal log: %w", err)
	}

	return nil
}

// ListForCall returns the audit trail of one session in write order
func (r *SignalLogRepository) ListForCall(sessionID uuid.UUID, limit int) ([]SignalLogEntry, error) {
	query := `
		SELECT call_id, from_user_id, event_type, created_at
		FROM signal_log
		WHERE call_id = ?
		LIMIT ?
	`

	iter := r.session.Query(query, sessionID, limit).Iter()

	var entries []SignalLogEntry
	var entry SignalLogEntry
	for iter.Scan(&entry.CallID, &entry.FromUserID, &entry.EventType, &entry.CreatedAt) {
		entries = append(entries, entry)
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list signal log: %w", err)
	}

	return entries, nil
}

// SignalLogEntry is one row of the signaling audit trail
type SignalLogEntry struct {
	CallID     uuid.UUID
	FromUserID uuid.UUID
	EventType  string
	CreatedAt  time.Time
}
