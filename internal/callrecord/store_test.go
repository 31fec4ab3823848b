package callrecord

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// newTestStore connects to TEST_DATABASE_URL, applies migrations and empties
// the table. Tests skip when the variable is unset or the database is down.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := Open(ctx, dsn, 1)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if _, err := db.ExecContext(ctx, "TRUNCATE call_records"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

// recordsFor reads back a wallet's calls, newest first.
func recordsFor(t *testing.T, store *Store, wallet string) []Record {
	t.Helper()
	rows, err := store.db.QueryContext(context.Background(), `
		SELECT session_id, wallet_a, wallet_b, created_at, activated_at, ended_at,
			end_reason, ended_by, chat_messages, images_shared, server
		FROM call_records
		WHERE wallet_a = $1 OR wallet_b = $1
		ORDER BY ended_at DESC`, wallet)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r         Record
			activated sql.NullTime
		)
		if err := rows.Scan(&r.SessionID, &r.WalletA, &r.WalletB, &r.CreatedAt, &activated,
			&r.EndedAt, &r.EndReason, &r.EndedBy, &r.ChatMessages, &r.ImagesShared, &r.Server); err != nil {
			t.Fatalf("scan: %v", err)
		}
		r.ActivatedAt = activated.Time
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}
	return out
}

func TestInsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	first := Record{
		SessionID: uuid.NewString(), WalletA: "0xa", WalletB: "0xb",
		CreatedAt: base.Add(-time.Minute), ActivatedAt: base.Add(-50 * time.Second), EndedAt: base.Add(-10 * time.Second),
		EndReason: "end_call", EndedBy: "conn-a", ChatMessages: 4, ImagesShared: 1, Server: "test",
	}
	second := Record{
		SessionID: uuid.NewString(), WalletA: "0xc", WalletB: "0xa",
		CreatedAt: base.Add(-5 * time.Second), EndedAt: base,
		EndReason: "disconnect", Server: "test",
	}
	for _, r := range []Record{first, second} {
		if err := store.Insert(ctx, r); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	// Duplicate inserts are ignored.
	if err := store.Insert(ctx, first); err != nil {
		t.Fatalf("duplicate Insert: %v", err)
	}

	got := recordsFor(t, store, "0xa")
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].SessionID != second.SessionID {
		t.Errorf("newest first: got %s", got[0].SessionID)
	}
	if !got[0].ActivatedAt.IsZero() || got[0].Duration() != 0 {
		t.Errorf("never-activated call has ActivatedAt %v", got[0].ActivatedAt)
	}
	if got[1].ChatMessages != 4 || got[1].ImagesShared != 1 || got[1].Duration() != 40*time.Second {
		t.Errorf("first record = %+v", got[1])
	}
	if n := len(recordsFor(t, store, "0xb")); n != 1 {
		t.Errorf("0xb has %d records, want 1", n)
	}
}
