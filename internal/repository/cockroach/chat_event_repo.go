package cockroach

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "callrelay-backend/pkg/errors"
)

// ChatEventRepository appends human-readable system events to the owning
// conversation. The chat feature renders them; this service only writes.
type ChatEventRepository struct {
	pool *pgxpool.Pool
}

// NewChatEventRepository creates a new chat event repository
func NewChatEventRepository(pool *pgxpool.Pool) *ChatEventRepository {
	return &ChatEventRepository{pool: pool}
}

// AppendSystemEvent inserts one system event into the conversation feed
func (r *ChatEventRepository) AppendSystemEvent(ctx context.Context, chatRoomID uuid.UUID, summary string) error {
	query := `
		INSERT INTO chat_events (event_id, chat_room_id, event_type, summary, created_at)
		VALUES ($1, $2, 'call_summary', $3, $4)
	`

	_, err := r.pool.Exec(ctx, query, uuid.New(), chatRoomID, summary, time.Now().UTC())
	if err != nil {
		return apperrors.StoreUnavailableError(fmt.Errorf("failed to append system event: %w", err))
	}

	return nil
}
