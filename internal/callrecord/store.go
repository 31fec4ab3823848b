// Package callrecord provides PostgreSQL-backed storage for call metadata.
// Each ended session produces one row: who was paired, when the call started,
// became active and ended, why it ended, and how much chat it carried. Chat
// content itself is never stored.
package callrecord

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Record is one ended session.
type Record struct {
	SessionID    string
	WalletA      string
	WalletB      string
	CreatedAt    time.Time
	ActivatedAt  time.Time // zero if the call never got past signaling
	EndedAt      time.Time
	EndReason    string
	EndedBy      string // connection id of the leaver, empty for server-side teardown
	ChatMessages int
	ImagesShared int
	Server       string
}

// Duration is how long the call was active, zero if it never activated.
func (r Record) Duration() time.Duration {
	if r.ActivatedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.ActivatedAt)
}

// Store manages call records in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new record store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL, retrying the ping while the database starts.
func Open(ctx context.Context, dsn string, attempts int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("callrecord: open: %w", err)
	}

	for i := 0; i < attempts; i++ {
		pctx, cancel := context.WithTimeout(ctx, 4*time.Second)
		err = db.PingContext(pctx)
		cancel()
		if err == nil {
			return db, nil
		}
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	db.Close()
	return nil, fmt.Errorf("callrecord: ping database: %w", err)
}

// Insert stores one record. Re-inserting a session is a no-op.
func (s *Store) Insert(ctx context.Context, r Record) error {
	const query = `
		INSERT INTO call_records (session_id, wallet_a, wallet_b, created_at, activated_at,
			ended_at, end_reason, ended_by, chat_messages, images_shared, server)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (session_id) DO NOTHING`

	var activated sql.NullTime
	if !r.ActivatedAt.IsZero() {
		activated = sql.NullTime{Time: r.ActivatedAt, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		r.SessionID,
		r.WalletA,
		r.WalletB,
		r.CreatedAt,
		activated,
		r.EndedAt,
		r.EndReason,
		r.EndedBy,
		r.ChatMessages,
		r.ImagesShared,
		r.Server,
	)
	if err != nil {
		return fmt.Errorf("callrecord: insert: %w", err)
	}
	return nil
}
