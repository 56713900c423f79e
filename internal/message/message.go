// Package message provides PostgreSQL-backed storage for chat messages
// exchanged within matched pairs, plus the in-memory recent-message buffer
// used to replay context on reconnect.
package message

import (
	"errors"
	"time"
)

// Sentinel errors for read-receipt handling.
var (
	// ErrNotFound means no message exists with the given ID.
	ErrNotFound = errors.New("message: not found")

	// ErrNotReceiver means the caller sent the message themselves and
	// cannot mark it read.
	ErrNotReceiver = errors.New("message: reader is the sender")
)

// Message is one persisted chat message.
type Message struct {
	ID       string
	MatchID  string
	SenderID string
	Content  string
	Read     bool
	SentAt   time.Time
	ReadAt   time.Time // zero until read
}
