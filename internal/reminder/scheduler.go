// Package reminder schedules and delivers verification-slot reminders and
// enforces the idle deadline on scheduled verification sessions. Due times
// live in Redis sorted sets scored by unix time; a background sweeper drains
// whatever has come due.
package reminder

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyReminders = "verification:reminders" // ZSET: matchID scored by remind-at
	keyDeadlines = "verification:deadlines" // ZSET: matchID scored by deadline

	// ReminderLead is how long before the scheduled slot the reminder fires.
	ReminderLead = 15 * time.Minute

	// IdleTimeout is how long past the scheduled slot an unfinished
	// verification may linger before it is recorded as failed.
	IdleTimeout = 30 * time.Minute
)

// Scheduler books reminder and deadline entries for scheduled verifications.
// It satisfies the match lifecycle's ReminderScheduler.
type Scheduler struct {
	rdb *redis.Client
}

// NewScheduler creates a Scheduler backed by the given Redis client.
func NewScheduler(rdb *redis.Client) *Scheduler {
	return &Scheduler{rdb: rdb}
}

// ScheduleAt books a reminder for scheduledAt minus the lead time, and a
// failure deadline for scheduledAt plus the idle timeout. Re-scheduling a
// match overwrites both scores.
func (s *Scheduler) ScheduleAt(ctx context.Context, matchID string, scheduledAt time.Time) error {
	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, keyReminders, redis.Z{
		Score:  float64(scheduledAt.Add(-ReminderLead).Unix()),
		Member: matchID,
	})
	pipe.ZAdd(ctx, keyDeadlines, redis.Z{
		Score:  float64(scheduledAt.Add(IdleTimeout).Unix()),
		Member: matchID,
	})
	_, err := pipe.Exec(ctx)
	return err
}

// Cancel drops any booked reminder and deadline for a match.
func (s *Scheduler) Cancel(ctx context.Context, matchID string) error {
	pipe := s.rdb.Pipeline()
	pipe.ZRem(ctx, keyReminders, matchID)
	pipe.ZRem(ctx, keyDeadlines, matchID)
	_, err := pipe.Exec(ctx)
	return err
}
