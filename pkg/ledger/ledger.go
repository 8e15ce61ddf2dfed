// Package ledger tracks which (recipient, message) pairs have already been
// forwarded into Matrix, and the per-agent poll cursors. The ledger is
// append-only and keyed on the pair, never on the bare message id: a message
// addressed to N recipients surfaces in N inbox views with the same id, and
// each surfacing is forwarded exactly once to its own room.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"
)

type Store struct {
	db *dbutil.Database
}

func NewStore(db *dbutil.Database) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the ledger tables if they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS delivery_ledger (
			recipient_id TEXT NOT NULL,
			message_id   TEXT NOT NULL,
			forwarded_at INTEGER NOT NULL,
			PRIMARY KEY (recipient_id, message_id)
		);
		CREATE TABLE IF NOT EXISTS poll_cursor (
			recipient_id TEXT NOT NULL PRIMARY KEY,
			last_seen    TEXT NOT NULL,
			updated_at   INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("create ledger schema: %w", err)
	}
	return nil
}

// ShouldForward reports whether the pair has not been forwarded yet.
func (s *Store) ShouldForward(ctx context.Context, recipientID, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRow(ctx,
		`SELECT 1 FROM delivery_ledger WHERE recipient_id=$1 AND message_id=$2`,
		recipientID, messageID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return true, nil
	} else if err != nil {
		return false, fmt.Errorf("query ledger: %w", err)
	}
	return false, nil
}

// MarkForwarded records the pair. Re-marking an existing pair is a no-op so
// a replayed delivery does not fail the cycle.
func (s *Store) MarkForwarded(ctx context.Context, recipientID, messageID string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO delivery_ledger (recipient_id, message_id, forwarded_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (recipient_id, message_id) DO NOTHING`,
		recipientID, messageID, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("mark forwarded: %w", err)
	}
	return nil
}

// PruneBefore drops entries forwarded before cutoff. Within the retention
// window the at-most-once-per-pair guarantee holds; older messages are
// assumed gone from every inbox view.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(ctx,
		`DELETE FROM delivery_ledger WHERE forwarded_at < $1`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of ledger entries for recipientID.
func (s *Store) Count(ctx context.Context, recipientID string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM delivery_ledger WHERE recipient_id=$1`, recipientID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count ledger: %w", err)
	}
	return count, nil
}
