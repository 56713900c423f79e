package message

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store manages chat messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a message and returns it with the database-assigned
// timestamp.
func (s *Store) Create(ctx context.Context, m *Message) error {
	const query = `
		INSERT INTO messages (id, match_id, sender_id, content)
		VALUES ($1, $2, $3, $4)
		RETURNING sent_at`

	err := s.db.QueryRowContext(ctx, query, m.ID, m.MatchID, m.SenderID, m.Content).Scan(&m.SentAt)
	if err != nil {
		return fmt.Errorf("message: insert: %w", err)
	}
	return nil
}

// MarkRead marks a message read by its receiver. The first call flips the
// flag and returns notify=true so the sender can be told; repeat calls are
// no-ops with notify=false. The sender cannot read their own message.
func (s *Store) MarkRead(ctx context.Context, messageID, readerID string) (readAt time.Time, notify bool, err error) {
	const update = `
		UPDATE messages
		SET read = TRUE, read_at = NOW()
		WHERE id = $1 AND read = FALSE AND sender_id <> $2
		RETURNING read_at`

	err = s.db.QueryRowContext(ctx, update, messageID, readerID).Scan(&readAt)
	if err == nil {
		return readAt, true, nil
	}
	if err != sql.ErrNoRows {
		return time.Time{}, false, fmt.Errorf("message: mark read: %w", err)
	}

	// No row updated: work out which case this is.
	const probe = `SELECT sender_id, read, read_at FROM messages WHERE id = $1`
	var (
		senderID string
		read     bool
		at       sql.NullTime
	)
	err = s.db.QueryRowContext(ctx, probe, messageID).Scan(&senderID, &read, &at)
	if err == sql.ErrNoRows {
		return time.Time{}, false, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("message: mark read probe: %w", err)
	}
	if senderID == readerID {
		return time.Time{}, false, fmt.Errorf("message %s: %w", messageID, ErrNotReceiver)
	}
	if read {
		// Already read: idempotent success, no second receipt.
		if at.Valid {
			readAt = at.Time
		}
		return readAt, false, nil
	}
	return time.Time{}, false, fmt.Errorf("message: mark read %s: row vanished", messageID)
}

// Get loads a single message by ID.
func (s *Store) Get(ctx context.Context, messageID string) (*Message, error) {
	const query = `
		SELECT id, match_id, sender_id, content, read, sent_at, COALESCE(read_at, 'epoch'::timestamptz)
		FROM messages
		WHERE id = $1`

	var m Message
	err := s.db.QueryRowContext(ctx, query, messageID).Scan(
		&m.ID, &m.MatchID, &m.SenderID, &m.Content, &m.Read, &m.SentAt, &m.ReadAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("message: get: %w", err)
	}
	return &m, nil
}

// Recent returns the last n messages for a match in chronological order
// (oldest first).
func (s *Store) Recent(ctx context.Context, matchID string, n int) ([]*Message, error) {
	const query = `
		SELECT id, match_id, sender_id, content, read, sent_at, COALESCE(read_at, 'epoch'::timestamptz)
		FROM messages
		WHERE match_id = $1
		ORDER BY sent_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, matchID, n)
	if err != nil {
		return nil, fmt.Errorf("message: recent: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.MatchID, &m.SenderID, &m.Content, &m.Read, &m.SentAt, &m.ReadAt); err != nil {
			return nil, fmt.Errorf("message: recent scan: %w", err)
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: recent rows: %w", err)
	}

	// Query returns newest first; flip to chronological.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
