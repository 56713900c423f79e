package presence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// onlineKey is the Redis hash of currently online users: userID -> unix
// timestamp of connect. A hash rather than per-user keys keeps bulk presence
// checks to a single round trip.
const onlineKey = "online_users"

// RedisStore tracks online users in Redis, shared across hub servers.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a presence store over an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// SetOnline marks a user online.
func (s *RedisStore) SetOnline(ctx context.Context, userID string) error {
	return s.client.HSet(ctx, onlineKey, userID, time.Now().Unix()).Err()
}

// SetOffline marks a user offline.
func (s *RedisStore) SetOffline(ctx context.Context, userID string) error {
	return s.client.HDel(ctx, onlineKey, userID).Err()
}

// IsOnline reports whether a user is currently online on any server.
func (s *RedisStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	return s.client.HExists(ctx, onlineKey, userID).Result()
}
