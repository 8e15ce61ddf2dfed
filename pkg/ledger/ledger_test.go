package ledger

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"
)

func setupLedger(t *testing.T) *Store {
	t.Helper()
	raw, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db, err := dbutil.NewWithDB(raw, "sqlite3")
	if err != nil {
		t.Fatalf("wrap db: %v", err)
	}
	store := NewStore(db)
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return store
}

func TestShouldForwardNewPair(t *testing.T) {
	ctx := context.Background()
	store := setupLedger(t)

	ok, err := store.ShouldForward(ctx, "agent-a", "9")
	if err != nil {
		t.Fatalf("should forward: %v", err)
	}
	if !ok {
		t.Fatal("new pair should be forwarded")
	}
}

func TestShouldForwardAfterMark(t *testing.T) {
	ctx := context.Background()
	store := setupLedger(t)

	if err := store.MarkForwarded(ctx, "agent-a", "9"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	ok, err := store.ShouldForward(ctx, "agent-a", "9")
	if err != nil {
		t.Fatalf("should forward: %v", err)
	}
	if ok {
		t.Fatal("marked pair must not be forwarded again")
	}
}

// Regression: a single message id delivered to several recipients' inbox
// views must produce one independent ledger entry per recipient, whatever
// order the inboxes are polled in. Keying on the bare message id silently
// loses the message for every recipient polled after the first.
func TestMultiRecipientMessageKeyedPerPair(t *testing.T) {
	ctx := context.Background()
	store := setupLedger(t)
	recipients := []string{"agent-a", "agent-b", "agent-c"}

	forwarded := 0
	for _, recipient := range recipients {
		ok, err := store.ShouldForward(ctx, recipient, "9")
		if err != nil {
			t.Fatalf("should forward %s: %v", recipient, err)
		}
		if !ok {
			t.Fatalf("recipient %s lost message 9 to another recipient's ledger entry", recipient)
		}
		if err := store.MarkForwarded(ctx, recipient, "9"); err != nil {
			t.Fatalf("mark %s: %v", recipient, err)
		}
		forwarded++
	}
	if forwarded != len(recipients) {
		t.Fatalf("expected %d deliveries, got %d", len(recipients), forwarded)
	}
	for _, recipient := range recipients {
		count, err := store.Count(ctx, recipient)
		if err != nil {
			t.Fatalf("count %s: %v", recipient, err)
		}
		if count != 1 {
			t.Fatalf("expected 1 ledger entry for %s, got %d", recipient, count)
		}
	}
}

func TestMarkForwardedIdempotent(t *testing.T) {
	ctx := context.Background()
	store := setupLedger(t)

	for i := 0; i < 3; i++ {
		if err := store.MarkForwarded(ctx, "agent-a", "9"); err != nil {
			t.Fatalf("mark %d: %v", i, err)
		}
	}
	count, err := store.Count(ctx, "agent-a")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 entry after re-marking, got %d", count)
	}
}

func TestPruneBeforeKeepsRecentEntries(t *testing.T) {
	ctx := context.Background()
	store := setupLedger(t)

	if err := store.MarkForwarded(ctx, "agent-a", "old"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	// Entry is newer than a cutoff in the past, so it survives.
	dropped, err := store.PruneBefore(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if dropped != 0 {
		t.Fatalf("expected 0 dropped, got %d", dropped)
	}

	// A cutoff in the future evicts it, and the pair becomes forwardable again.
	dropped, err = store.PruneBefore(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if dropped != 1 {
		t.Fatalf("expected 1 dropped, got %d", dropped)
	}
	ok, err := store.ShouldForward(ctx, "agent-a", "old")
	if err != nil {
		t.Fatalf("should forward: %v", err)
	}
	if !ok {
		t.Fatal("pruned pair should be forwardable again")
	}
}

func TestCursorRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := setupLedger(t)

	got, err := store.Cursor(ctx, "agent-a")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty cursor, got %q", got)
	}

	if err := store.AdvanceCursor(ctx, "agent-a", "9"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := store.AdvanceCursor(ctx, "agent-a", "12"); err != nil {
		t.Fatalf("advance again: %v", err)
	}
	got, err = store.Cursor(ctx, "agent-a")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if got != "12" {
		t.Fatalf("expected cursor 12, got %q", got)
	}
}
