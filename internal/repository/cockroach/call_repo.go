package cockroach

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"callrelay-backend/internal/domain"
	apperrors "callrelay-backend/pkg/errors"
)

// CallRepository is the durable call session store. Every status change goes
// through CommitTransition, which applies the optimistic-concurrency guard.
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// Create inserts a new call session record
func (r *CallRepository) Create(ctx context.Context, session *domain.CallSession) error {
	query := `
		INSERT INTO calls (
			call_id, initiator_id, receiver_id, chat_room_id,
			call_type, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		session.ID,
		session.InitiatorID,
		session.ReceiverID,
		session.ChatRoomID,
		session.Type,
		session.Status,
		session.CreatedAt,
	)

	if err != nil {
		return apperrors.StoreUnavailableError(fmt.Errorf("failed to create call: %w", err))
	}

	return nil
}

// GetByID retrieves a call session by ID
func (r *CallRepository) GetByID(ctx context.Context, sessionID uuid.UUID) (*domain.CallSession, error) {
	query := `
		SELECT call_id, initiator_id, receiver_id, chat_room_id, call_type,
		       status, COALESCE(end_reason, ''), created_at, started_at, ended_at,
		       COALESCE(duration_seconds, 0)
		FROM calls
		WHERE call_id = $1
	`

	session := &domain.CallSession{}
	err := r.pool.QueryRow(ctx, query, sessionID).Scan(
		&session.ID,
		&session.InitiatorID,
		&session.ReceiverID,
		&session.ChatRoomID,
		&session.Type,
		&session.Status,
		&session.EndReason,
		&session.CreatedAt,
		&session.StartedAt,
		&session.EndedAt,
		&session.DurationSeconds,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, apperrors.StoreUnavailableError(fmt.Errorf("failed to get call: %w", err))
	}

	return session, nil
}

// CommitTransition atomically moves a session from t.From to t.To. The WHERE
// clause on the prior status is the optimistic-concurrency guard: if the
// stored status moved since it was read, zero rows match and the commit is
// rejected with CONCURRENT_COMMIT, never partially applied.
func (r *CallRepository) CommitTransition(ctx context.Context, sessionID uuid.UUID, t domain.CallTransition) (*domain.CallSession, error) {
	query := `
		UPDATE calls
		SET status = $3,
		    end_reason = COALESCE(NULLIF($4, ''), end_reason),
		    started_at = COALESCE($5, started_at),
		    ended_at = COALESCE($6, ended_at),
		    duration_seconds = $7
		WHERE call_id = $1 AND status = $2
		RETURNING call_id, initiator_id, receiver_id, chat_room_id, call_type,
		          status, COALESCE(end_reason, ''), created_at, started_at, ended_at,
		          COALESCE(duration_seconds, 0)
	`

	session := &domain.CallSession{}
	err := r.pool.QueryRow(ctx, query,
		sessionID,
		t.From,
		t.To,
		string(t.Reason),
		t.StartedAt,
		t.EndedAt,
		t.DurationSeconds,
	).Scan(
		&session.ID,
		&session.InitiatorID,
		&session.ReceiverID,
		&session.ChatRoomID,
		&session.Type,
		&session.Status,
		&session.EndReason,
		&session.CreatedAt,
		&session.StartedAt,
		&session.EndedAt,
		&session.DurationSeconds,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either the row is gone or the guard did not match. Distinguish
			// so the state machine can run its single retry.
			if _, getErr := r.GetByID(ctx, sessionID); getErr != nil {
				return nil, getErr
			}
			return nil, apperrors.ConcurrentCommitError()
		}
		return nil, apperrors.StoreUnavailableError(fmt.Errorf("failed to commit transition: %w", err))
	}

	return session, nil
}

// GetUserCalls retrieves call history for a user, newest first
func (r *CallRepository) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error) {
	query := `
		SELECT call_id, initiator_id, receiver_id, chat_room_id, call_type,
		       status, COALESCE(end_reason, ''), created_at, started_at, ended_at,
		       COALESCE(duration_seconds, 0)
		FROM calls
		WHERE initiator_id = $1 OR receiver_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, apperrors.StoreUnavailableError(fmt.Errorf("failed to get user calls: %w", err))
	}
	defer rows.Close()

	var sessions []*domain.CallSession
	for rows.Next() {
		session := &domain.CallSession{}
		err := rows.Scan(
			&session.ID,
			&session.InitiatorID,
			&session.ReceiverID,
			&session.ChatRoomID,
			&session.Type,
			&session.Status,
			&session.EndReason,
			&session.CreatedAt,
			&session.StartedAt,
			&session.EndedAt,
			&session.DurationSeconds,
		)
		if err != nil {
			return nil, apperrors.StoreUnavailableError(fmt.Errorf("failed to scan call: %w", err))
		}
		sessions = append(sessions, session)
	}

	return sessions, nil
}

// NonTerminalSessionsFor returns every session involving the user that has
// not reached a terminal status. Used by the disconnect sweep.
func (r *CallRepository) NonTerminalSessionsFor(ctx context.Context, userID uuid.UUID) ([]*domain.CallSession, error) {
	query := `
		SELECT call_id, initiator_id, receiver_id, chat_room_id, call_type,
		       status, COALESCE(end_reason, ''), created_at, started_at, ended_at,
		       COALESCE(duration_seconds, 0)
		FROM calls
		WHERE (initiator_id = $1 OR receiver_id = $1)
		  AND status IN ('requested', 'accepted')
		ORDER BY created_at ASC
	`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, apperrors.StoreUnavailableError(fmt.Errorf("failed to get non-terminal calls: %w", err))
	}
	defer rows.Close()

	var sessions []*domain.CallSession
	for rows.Next() {
		session := &domain.CallSession{}
		err := rows.Scan(
			&session.ID,
			&session.InitiatorID,
			&session.ReceiverID,
			&session.ChatRoomID,
			&session.Type,
			&session.Status,
			&session.EndReason,
			&session.CreatedAt,
			&session.StartedAt,
			&session.EndedAt,
			&session.DurationSeconds,
		)
		if err != nil {
			return nil, apperrors.StoreUnavailableError(fmt.Errorf("failed to scan call: %w", err))
		}
		sessions = append(sessions, session)
	}

	return sessions, nil
}

// HasNonTerminalSession reports whether the user is already in a call. Used
// by the busy policy.
func (r *CallRepository) HasNonTerminalSession(ctx context.Context, userID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM calls
			WHERE (initiator_id = $1 OR receiver_id = $1)
			  AND status IN ('requested', 'accepted')
		)
	`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&exists); err != nil {
		return false, apperrors.StoreUnavailableError(fmt.Errorf("failed to check busy state: %w", err))
	}
	return exists, nil
}
