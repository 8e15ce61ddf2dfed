package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Cursor returns the last message id confirmed processed for recipientID, or
// "" when the agent has never been polled.
func (s *Store) Cursor(ctx context.Context, recipientID string) (string, error) {
	var lastSeen string
	err := s.db.QueryRow(ctx,
		`SELECT last_seen FROM poll_cursor WHERE recipient_id=$1`, recipientID,
	).Scan(&lastSeen)
	if err == sql.ErrNoRows {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("query cursor: %w", err)
	}
	return lastSeen, nil
}

// AdvanceCursor stores lastSeen for recipientID. The scheduler calls this
// only after every message up to lastSeen was forwarded or confirmed as a
// duplicate, so the cursor can never drift past unprocessed messages.
func (s *Store) AdvanceCursor(ctx context.Context, recipientID, lastSeen string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO poll_cursor (recipient_id, last_seen, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (recipient_id)
		DO UPDATE SET last_seen=excluded.last_seen, updated_at=excluded.updated_at`,
		recipientID, lastSeen, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}
