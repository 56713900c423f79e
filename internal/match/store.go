package match

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// matchPrefix is the Redis key prefix for match record hashes.
	matchPrefix = "match:"

	// pairPrefix indexes the match ID for a user pair (IDs sorted), so a
	// like/pass can find an existing record without a scan.
	pairPrefix = "matchpair:"

	// matchedPrefix is the per-user hash of matched counterparts:
	// matched:<userID> maps partnerID -> matchID.
	matchedPrefix = "matched:"
)

// RedisStore is the production Store backed by Redis hashes. Confirm runs a
// Lua script so the completed/matched flip is atomic across servers.
type RedisStore struct {
	rdb           *redis.Client
	confirmScript *redis.Script
}

// NewRedisStore creates a match store over the given Redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{
		rdb:           rdb,
		confirmScript: redis.NewScript(confirmLua),
	}
}

func pairIndexKey(a, b string) string {
	if a < b {
		return pairPrefix + a + ":" + b
	}
	return pairPrefix + b + ":" + a
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeFromField(fields map[string]string, name string) time.Time {
	v, _ := strconv.ParseInt(fields[name], 10, 64)
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0)
}

// Load retrieves a match by ID. Returns ErrNotFound for unknown IDs.
func (s *RedisStore) Load(ctx context.Context, matchID string) (*Match, error) {
	fields, err := s.rdb.HGetAll(ctx, matchPrefix+matchID).Result()
	if err != nil {
		return nil, fmt.Errorf("match: load %s: %w", matchID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("match %s: %w", matchID, ErrNotFound)
	}

	return &Match{
		ID:                 matchID,
		User1ID:            fields["user1"],
		User2ID:            fields["user2"],
		Status:             Status(fields["status"]),
		VerificationStatus: VerificationStatus(fields["verification_status"]),
		User1Liked:         fields["user1_liked"] == "1",
		User2Liked:         fields["user2_liked"] == "1",
		User1Verified:      fields["user1_verified"] == "1",
		User2Verified:      fields["user2_verified"] == "1",
		ScheduledAt:        timeFromField(fields, "scheduled_at"),
		UnmatchedAt:        timeFromField(fields, "unmatched_at"),
		LastMessageAt:      timeFromField(fields, "last_message_at"),
		CreatedAt:          timeFromField(fields, "created_at"),
		UpdatedAt:          timeFromField(fields, "updated_at"),
	}, nil
}

// FindByUsers looks up the match for a user pair via the pair index.
// Returns (nil, nil) when no match exists.
func (s *RedisStore) FindByUsers(ctx context.Context, userA, userB string) (*Match, error) {
	matchID, err := s.rdb.Get(ctx, pairIndexKey(userA, userB)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("match: pair lookup: %w", err)
	}
	return s.Load(ctx, matchID)
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Save writes the full match record and keeps the pair index and matched
// hashes in sync with the status.
func (s *RedisStore) Save(ctx context.Context, m *Match) error {
	key := matchPrefix + m.ID

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"user1":               m.User1ID,
		"user2":               m.User2ID,
		"status":              string(m.Status),
		"verification_status": string(m.VerificationStatus),
		"user1_liked":         boolField(m.User1Liked),
		"user2_liked":         boolField(m.User2Liked),
		"user1_verified":      boolField(m.User1Verified),
		"user2_verified":      boolField(m.User2Verified),
		"scheduled_at":        unixOrZero(m.ScheduledAt),
		"unmatched_at":        unixOrZero(m.UnmatchedAt),
		"last_message_at":     unixOrZero(m.LastMessageAt),
		"created_at":          unixOrZero(m.CreatedAt),
		"updated_at":          unixOrZero(m.UpdatedAt),
	})
	pipe.Set(ctx, pairIndexKey(m.User1ID, m.User2ID), m.ID, 0)

	switch m.Status {
	case StatusMatched:
		pipe.HSet(ctx, matchedPrefix+m.User1ID, m.User2ID, m.ID)
		pipe.HSet(ctx, matchedPrefix+m.User2ID, m.User1ID, m.ID)
	case StatusExpired:
		pipe.HDel(ctx, matchedPrefix+m.User1ID, m.User2ID)
		pipe.HDel(ctx, matchedPrefix+m.User2ID, m.User1ID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("match: save %s: %w", m.ID, err)
	}
	return nil
}

// UpdateLastMessage stamps the most recent chat activity on the match.
func (s *RedisStore) UpdateLastMessage(ctx context.Context, matchID string, at time.Time) error {
	return s.rdb.HSet(ctx, matchPrefix+matchID,
		"last_message_at", at.Unix(), "updated_at", at.Unix()).Err()
}

// Confirm atomically records a user's verification confirmation. The Lua
// script sets the caller's flag, checks the other side, and performs the
// completed/matched flip in a single step, so two concurrent confirmations
// cannot both observe "other side not yet verified".
func (s *RedisStore) Confirm(ctx context.Context, matchID, userID string) (ConfirmResult, error) {
	keys := []string{matchPrefix + matchID}
	code, err := s.confirmScript.Run(ctx, s.rdb, keys,
		userID, matchedPrefix, time.Now().Unix()).Int()
	if err != nil {
		return ConfirmWaiting, fmt.Errorf("match: confirm %s: %w", matchID, err)
	}

	switch code {
	case 2:
		return ConfirmAlreadyCompleted, nil
	case 1:
		return ConfirmCompleted, nil
	case 0:
		return ConfirmWaiting, nil
	case -1:
		return ConfirmWaiting, fmt.Errorf("match %s: %w", matchID, ErrNotFound)
	case -2:
		return ConfirmWaiting, fmt.Errorf("confirm on match %s: %w", matchID, ErrIllegalTransition)
	case -3:
		return ConfirmWaiting, fmt.Errorf("user %s on match %s: %w", userID, matchID, ErrUnauthorized)
	default:
		return ConfirmWaiting, fmt.Errorf("match: confirm %s: unexpected code %d", matchID, code)
	}
}

// ListMatched returns partnerID -> matchID for the user's matched
// counterparts.
func (s *RedisStore) ListMatched(ctx context.Context, userID string) (map[string]string, error) {
	partners, err := s.rdb.HGetAll(ctx, matchedPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("match: list matched for %s: %w", userID, err)
	}
	return partners, nil
}

// confirmLua sets the caller's verified flag and, when both sides are set,
// flips verification_status to completed and status to matched while
// registering the matched-counterpart hashes. Return codes:
//
//	 2 = verification already completed (no-op)
//	 1 = both confirmed, flip performed by this call
//	 0 = recorded, waiting for the other side
//	-1 = match not found
//	-2 = match not awaiting verification
//	-3 = caller not a participant
const confirmLua = `
local key = KEYS[1]
local user_id = ARGV[1]
local matched_prefix = ARGV[2]
local now = ARGV[3]

local status = redis.call('HGET', key, 'status')
if not status then return -1 end

local vstatus = redis.call('HGET', key, 'verification_status')
if vstatus == 'completed' then return 2 end
if status ~= 'pending_verification' or vstatus ~= 'scheduled' then return -2 end

local user1 = redis.call('HGET', key, 'user1')
local user2 = redis.call('HGET', key, 'user2')

if user_id == user1 then
    redis.call('HSET', key, 'user1_verified', '1')
elseif user_id == user2 then
    redis.call('HSET', key, 'user2_verified', '1')
else
    return -3
end

local v1 = redis.call('HGET', key, 'user1_verified')
local v2 = redis.call('HGET', key, 'user2_verified')

if v1 == '1' and v2 == '1' then
    redis.call('HSET', key, 'verification_status', 'completed')
    redis.call('HSET', key, 'status', 'matched')
    redis.call('HSET', key, 'updated_at', now)
    redis.call('HSET', matched_prefix .. user1, user2, string.sub(key, 7))
    redis.call('HSET', matched_prefix .. user2, user1, string.sub(key, 7))
    return 1
end

redis.call('HSET', key, 'updated_at', now)
return 0
`
