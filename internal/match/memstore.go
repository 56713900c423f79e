package match

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and single-node
// development. It mirrors the RedisStore semantics, including atomic
// confirmation under a single mutex.
type MemoryStore struct {
	mu      sync.Mutex
	matches map[string]*Match
	pairs   map[string]string // sorted pair key -> matchID
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		matches: make(map[string]*Match),
		pairs:   make(map[string]string),
	}
}

func (s *MemoryStore) Load(ctx context.Context, matchID string) (*Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[matchID]
	if !ok {
		return nil, fmt.Errorf("match %s: %w", matchID, ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) FindByUsers(ctx context.Context, userA, userB string) (*Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.pairs[pairKey(userA, userB)]
	if !ok {
		return nil, nil
	}
	cp := *s.matches[id]
	return &cp, nil
}

func (s *MemoryStore) Save(ctx context.Context, m *Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.matches[m.ID] = &cp
	s.pairs[pairKey(m.User1ID, m.User2ID)] = m.ID
	return nil
}

func (s *MemoryStore) Confirm(ctx context.Context, matchID, userID string) (ConfirmResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matches[matchID]
	if !ok {
		return ConfirmWaiting, fmt.Errorf("match %s: %w", matchID, ErrNotFound)
	}
	if m.VerificationStatus == VerificationCompleted {
		return ConfirmAlreadyCompleted, nil
	}
	if m.Status != StatusPendingVerification || m.VerificationStatus != VerificationScheduled {
		return ConfirmWaiting, fmt.Errorf("confirm on match %s: %w", matchID, ErrIllegalTransition)
	}

	switch userID {
	case m.User1ID:
		m.User1Verified = true
	case m.User2ID:
		m.User2Verified = true
	default:
		return ConfirmWaiting, fmt.Errorf("user %s on match %s: %w", userID, matchID, ErrUnauthorized)
	}

	m.UpdatedAt = time.Now()
	if m.IsVerificationComplete() {
		m.VerificationStatus = VerificationCompleted
		m.Status = StatusMatched
		return ConfirmCompleted, nil
	}
	return ConfirmWaiting, nil
}

func (s *MemoryStore) ListMatched(ctx context.Context, userID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for _, m := range s.matches {
		if m.Status == StatusMatched && m.IsParticipant(userID) {
			out[m.Other(userID)] = m.ID
		}
	}
	return out, nil
}

// UpdateLastMessage stamps the most recent chat activity on the match.
func (s *MemoryStore) UpdateLastMessage(ctx context.Context, matchID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[matchID]
	if !ok {
		return fmt.Errorf("match %s: %w", matchID, ErrNotFound)
	}
	m.LastMessageAt = at
	m.UpdatedAt = at
	return nil
}
