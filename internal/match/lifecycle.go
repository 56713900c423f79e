package match

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConfirmResult is the outcome of an atomic verification confirmation.
type ConfirmResult int

const (
	// ConfirmWaiting means the caller's flag was recorded and the other side
	// has not confirmed yet.
	ConfirmWaiting ConfirmResult = iota

	// ConfirmCompleted means this call completed the verification: both flags
	// are set, the verification status moved to completed and the match
	// status to matched. The store guarantees this is returned exactly once
	// per match.
	ConfirmCompleted

	// ConfirmAlreadyCompleted means the verification had already completed
	// before this call. The call is a no-op.
	ConfirmAlreadyCompleted
)

// Store is the match record collaborator. Load returns ErrNotFound for
// unknown IDs. FindByUsers returns (nil, nil) when no match exists for the
// pair. Confirm must be atomic: two near-simultaneous confirmations may
// produce ConfirmCompleted at most once.
type Store interface {
	Load(ctx context.Context, matchID string) (*Match, error)
	FindByUsers(ctx context.Context, userA, userB string) (*Match, error)
	Save(ctx context.Context, m *Match) error
	Confirm(ctx context.Context, matchID, userID string) (ConfirmResult, error)

	// ListMatched returns partnerID -> matchID for every matched counterpart
	// of the user. Used by the presence hub for online-status fan-out.
	ListMatched(ctx context.Context, userID string) (map[string]string, error)
}

// ReminderScheduler is the external reminder collaborator, notified when a
// verification is scheduled.
type ReminderScheduler interface {
	ScheduleAt(ctx context.Context, matchID string, scheduledAt time.Time) error
}

// Lifecycle validates and applies transitions over match records. Mutations
// for a given match are serialized through a striped lock so interleaved
// like/schedule/fail calls cannot produce lost updates; confirmation relies
// on the store's atomic Confirm instead.
type Lifecycle struct {
	store     Store
	reminders ReminderScheduler
	locks     [64]sync.Mutex
}

// NewLifecycle creates a Lifecycle over the given store. The reminder
// scheduler may be nil, in which case scheduling skips the reminder call.
func NewLifecycle(store Store, reminders ReminderScheduler) *Lifecycle {
	return &Lifecycle{store: store, reminders: reminders}
}

func (l *Lifecycle) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &l.locks[h.Sum32()%uint32(len(l.locks))]
}

// pairKey is a deterministic lock key for a user pair, independent of order.
func pairKey(a, b string) string {
	if a < b {
		return a + ":" + b
	}
	return b + ":" + a
}

// Get loads a match by ID.
func (l *Lifecycle) Get(ctx context.Context, matchID string) (*Match, error) {
	return l.store.Load(ctx, matchID)
}

// Matched returns partnerID -> matchID for every live match of the user.
func (l *Lifecycle) Matched(ctx context.Context, userID string) (map[string]string, error) {
	return l.store.ListMatched(ctx, userID)
}

// RecordLike records that userID liked targetID. If no match exists one is
// created in pending with the caller's like flag set; if the other side has
// already liked, the match moves to pending_verification. Liking a
// terminalized match is rejected.
func (l *Lifecycle) RecordLike(ctx context.Context, userID, targetID string) (*Match, error) {
	mu := l.lock(pairKey(userID, targetID))
	mu.Lock()
	defer mu.Unlock()

	m, err := l.store.FindByUsers(ctx, userID, targetID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if m == nil {
		m = &Match{
			ID:                 uuid.New().String(),
			User1ID:            userID,
			User2ID:            targetID,
			Status:             StatusPending,
			VerificationStatus: VerificationNotStarted,
			User1Liked:         true,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := l.store.Save(ctx, m); err != nil {
			return nil, err
		}
		return m, nil
	}

	if m.Terminal() {
		return nil, fmt.Errorf("like on %s match %s: %w", m.Status, m.ID, ErrIllegalTransition)
	}
	if !m.IsParticipant(userID) {
		return nil, fmt.Errorf("user %s on match %s: %w", userID, m.ID, ErrUnauthorized)
	}

	if userID == m.User1ID {
		m.User1Liked = true
	} else {
		m.User2Liked = true
	}
	if m.IsMutual() && m.Status == StatusPending {
		m.Status = StatusPendingVerification
		log.Printf("[match] mutual like match=%s users=%s,%s", m.ID, m.User1ID, m.User2ID)
	}
	m.UpdatedAt = now
	if err := l.store.Save(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordPass moves any existing non-terminal match for the pair (or a newly
// created one) to rejected. Passing an already rejected pair is a no-op;
// passing a matched pair is rejected (unmatch handles that path).
func (l *Lifecycle) RecordPass(ctx context.Context, userID, targetID string) (*Match, error) {
	mu := l.lock(pairKey(userID, targetID))
	mu.Lock()
	defer mu.Unlock()

	m, err := l.store.FindByUsers(ctx, userID, targetID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if m == nil {
		m = &Match{
			ID:                 uuid.New().String(),
			User1ID:            userID,
			User2ID:            targetID,
			Status:             StatusRejected,
			VerificationStatus: VerificationNotStarted,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := l.store.Save(ctx, m); err != nil {
			return nil, err
		}
		return m, nil
	}

	if m.Status == StatusRejected {
		return m, nil
	}
	if !ValidTransition(m.Status, StatusRejected) {
		return nil, fmt.Errorf("pass on %s match %s: %w", m.Status, m.ID, ErrIllegalTransition)
	}
	m.Status = StatusRejected
	m.UpdatedAt = now
	if err := l.store.Save(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// ScheduleVerification sets the verification slot for a match. Legal only
// while the match is pending_verification and the verification has not
// completed; re-scheduling after a failure is allowed.
func (l *Lifecycle) ScheduleVerification(ctx context.Context, matchID string, at time.Time) (*Match, error) {
	mu := l.lock(matchID)
	mu.Lock()
	defer mu.Unlock()

	m, err := l.store.Load(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if m.Status != StatusPendingVerification {
		return nil, fmt.Errorf("schedule on %s match %s: %w", m.Status, matchID, ErrIllegalTransition)
	}
	switch m.VerificationStatus {
	case VerificationNotStarted, VerificationScheduled, VerificationFailed:
		// re-entry is allowed from failed, never from completed
	default:
		return nil, fmt.Errorf("schedule with verification %s on match %s: %w",
			m.VerificationStatus, matchID, ErrIllegalTransition)
	}

	m.VerificationStatus = VerificationScheduled
	m.ScheduledAt = at
	m.User1Verified = false
	m.User2Verified = false
	m.UpdatedAt = time.Now()
	if err := l.store.Save(ctx, m); err != nil {
		return nil, err
	}

	if l.reminders != nil {
		if err := l.reminders.ScheduleAt(ctx, matchID, at); err != nil {
			log.Printf("[match] reminder schedule failed match=%s: %v", matchID, err)
		}
	}
	log.Printf("[match] verification scheduled match=%s at=%s", matchID, at.Format(time.RFC3339))
	return m, nil
}

// ConfirmVerification records the user's identity confirmation. Both sides
// confirming moves the match to completed/matched; the store guarantees that
// transition is observed exactly once even under concurrent confirmations.
func (l *Lifecycle) ConfirmVerification(ctx context.Context, matchID, userID string) (ConfirmResult, error) {
	res, err := l.store.Confirm(ctx, matchID, userID)
	if err != nil {
		return res, err
	}
	if res == ConfirmCompleted {
		log.Printf("[match] verification completed match=%s", matchID)
	}
	return res, nil
}

// FailVerification marks the verification failed. The match stays
// pending_verification so a fresh schedule can retry; chat remains locked.
func (l *Lifecycle) FailVerification(ctx context.Context, matchID, reason string) error {
	mu := l.lock(matchID)
	mu.Lock()
	defer mu.Unlock()

	m, err := l.store.Load(ctx, matchID)
	if err != nil {
		return err
	}
	if m.Status != StatusPendingVerification || m.VerificationStatus == VerificationCompleted {
		return fmt.Errorf("fail verification on %s/%s match %s: %w",
			m.Status, m.VerificationStatus, matchID, ErrIllegalTransition)
	}
	if m.VerificationStatus == VerificationFailed {
		return nil
	}

	m.VerificationStatus = VerificationFailed
	m.User1Verified = false
	m.User2Verified = false
	m.UpdatedAt = time.Now()
	if err := l.store.Save(ctx, m); err != nil {
		return err
	}
	log.Printf("[match] verification failed match=%s reason=%q", matchID, reason)
	return nil
}

// SkipVerification bypasses the live verification step: the verification is
// marked skipped and the match moves straight to matched, unlocking chat.
// Legal only before a verification session has completed or failed.
func (l *Lifecycle) SkipVerification(ctx context.Context, matchID, userID string) (*Match, error) {
	mu := l.lock(matchID)
	mu.Lock()
	defer mu.Unlock()

	m, err := l.store.Load(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !m.IsParticipant(userID) {
		return nil, fmt.Errorf("user %s on match %s: %w", userID, matchID, ErrUnauthorized)
	}
	if m.Status != StatusPendingVerification {
		return nil, fmt.Errorf("skip on %s match %s: %w", m.Status, matchID, ErrIllegalTransition)
	}
	switch m.VerificationStatus {
	case VerificationNotStarted, VerificationScheduled:
	default:
		return nil, fmt.Errorf("skip with verification %s on match %s: %w",
			m.VerificationStatus, matchID, ErrIllegalTransition)
	}

	m.VerificationStatus = VerificationSkipped
	m.Status = StatusMatched
	m.UpdatedAt = time.Now()
	if err := l.store.Save(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Unmatch terminalizes a matched pair. The caller must be a participant.
func (l *Lifecycle) Unmatch(ctx context.Context, matchID, userID string) error {
	mu := l.lock(matchID)
	mu.Lock()
	defer mu.Unlock()

	m, err := l.store.Load(ctx, matchID)
	if err != nil {
		return err
	}
	if !m.IsParticipant(userID) {
		return fmt.Errorf("user %s on match %s: %w", userID, matchID, ErrUnauthorized)
	}
	if m.Status != StatusMatched {
		return fmt.Errorf("unmatch on %s match %s: %w", m.Status, matchID, ErrIllegalTransition)
	}

	now := time.Now()
	m.Status = StatusExpired
	m.UnmatchedAt = now
	m.UpdatedAt = now
	if err := l.store.Save(ctx, m); err != nil {
		return err
	}
	log.Printf("[match] unmatched match=%s by=%s", matchID, userID)
	return nil
}
