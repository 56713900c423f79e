// Package match defines the match record and the lifecycle state machine that
// governs a pair's progression from mutual interest through live verification
// to a chat-enabled match. All status mutations go through the Lifecycle
// service; direct writes to the store bypass transition validation and are
// reserved for the store implementation itself.
package match

import "time"

// Status is the overall state of a match between two users.
type Status string

const (
	StatusPending             Status = "pending"
	StatusPendingVerification Status = "pending_verification"
	StatusVerified            Status = "verified"
	StatusMatched             Status = "matched"
	StatusRejected            Status = "rejected"
	StatusExpired             Status = "expired"
)

// VerificationStatus tracks the live video verification step of a match.
type VerificationStatus string

const (
	VerificationNotStarted VerificationStatus = "not_started"
	VerificationScheduled  VerificationStatus = "scheduled"
	VerificationCompleted  VerificationStatus = "completed"
	VerificationFailed     VerificationStatus = "failed"
	VerificationSkipped    VerificationStatus = "skipped"
)

// Match is the record of two users progressing through like, verification and
// chat stages. Matches are never deleted; terminal states are rejected and
// expired.
type Match struct {
	ID                 string
	User1ID            string
	User2ID            string
	Status             Status
	VerificationStatus VerificationStatus
	User1Liked         bool
	User2Liked         bool
	User1Verified      bool
	User2Verified      bool
	ScheduledAt        time.Time // zero if no verification is scheduled
	UnmatchedAt        time.Time // zero unless unmatched
	LastMessageAt      time.Time // zero until the first chat message
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsParticipant reports whether userID is one of the two users of the match.
func (m *Match) IsParticipant(userID string) bool {
	return userID == m.User1ID || userID == m.User2ID
}

// Other returns the counterpart of userID, or "" if userID is not a
// participant.
func (m *Match) Other(userID string) string {
	switch userID {
	case m.User1ID:
		return m.User2ID
	case m.User2ID:
		return m.User1ID
	}
	return ""
}

// IsMutual reports whether both sides have liked each other.
func (m *Match) IsMutual() bool {
	return m.User1Liked && m.User2Liked
}

// IsVerificationComplete reports whether both sides have confirmed identity.
func (m *Match) IsVerificationComplete() bool {
	return m.User1Verified && m.User2Verified
}

// Terminal reports whether the match can no longer change status.
func (m *Match) Terminal() bool {
	return m.Status == StatusRejected || m.Status == StatusExpired
}

// transitions is the directed graph of legal status moves. Anything not
// listed here is rejected with ErrIllegalTransition; statuses never move
// backward along the graph.
var transitions = map[Status][]Status{
	StatusPending:             {StatusPendingVerification, StatusRejected, StatusExpired},
	StatusPendingVerification: {StatusVerified, StatusMatched, StatusRejected, StatusExpired},
	StatusVerified:            {StatusMatched},
	StatusMatched:             {StatusExpired},
	StatusRejected:            {},
	StatusExpired:             {},
}

// ValidTransition reports whether moving from one status to another is legal.
// A self-transition is always allowed (idempotent saves).
func ValidTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
