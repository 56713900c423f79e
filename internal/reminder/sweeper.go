package reminder

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kindred/dating-app/internal/match"
	"github.com/kindred/dating-app/internal/messaging"
	"github.com/kindred/dating-app/internal/metrics"
	"github.com/kindred/dating-app/internal/protocol"
)

const sweepInterval = 5 * time.Second

// Notifier delivers a payload to a user wherever they are connected.
type Notifier interface {
	Notify(userID string, payload []byte)
}

// NATSNotifier is a Notifier that publishes straight to per-user subjects.
// Used by the standalone reminder worker, which hosts no connections itself.
// Each event is mirrored onto the reminder subject so hub servers can log
// worker activity.
type NATSNotifier struct {
	Client *messaging.NATSClient
}

// Notify publishes the payload to the user's subject.
func (n *NATSNotifier) Notify(userID string, payload []byte) {
	if err := n.Client.PublishUser(userID, payload); err != nil {
		log.Printf("[reminder] publish to %s: %v", userID, err)
	}
	if err := n.Client.PublishReminder(payload); err != nil {
		log.Printf("[reminder] audit publish: %v", err)
	}
}

// Sweeper drains due reminders and deadlines on an interval.
type Sweeper struct {
	rdb       *redis.Client
	lifecycle *match.Lifecycle
	notifier  Notifier
}

// NewSweeper creates a Sweeper over the given stores.
func NewSweeper(rdb *redis.Client, lifecycle *match.Lifecycle, notifier Notifier) *Sweeper {
	return &Sweeper{rdb: rdb, lifecycle: lifecycle, notifier: notifier}
}

// Start runs the sweep loop until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[reminder] sweep loop stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce drains everything currently due. Exported for the worker's
// startup catch-up pass and for tests.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	s.sweepReminders(ctx)
	s.sweepDeadlines(ctx)
}

// sweepReminders delivers due reminders to both participants of each match
// whose verification is still scheduled.
func (s *Sweeper) sweepReminders(ctx context.Context) {
	matchIDs, err := s.due(ctx, keyReminders)
	if err != nil {
		log.Printf("[reminder] reminders range: %v", err)
		return
	}

	for _, matchID := range matchIDs {
		m, err := s.lifecycle.Get(ctx, matchID)
		if err == nil && m.VerificationStatus == match.VerificationScheduled {
			payload, perr := protocol.NewServerMessage(protocol.TypeReminder, protocol.ReminderMsg{
				MatchID:     matchID,
				ScheduledAt: m.ScheduledAt.Unix(),
			})
			if perr == nil {
				s.notifier.Notify(m.User1ID, payload)
				s.notifier.Notify(m.User2ID, payload)
				log.Printf("[reminder] reminder sent match=%s slot=%s", matchID, m.ScheduledAt.Format(time.RFC3339))
			}
		}
		s.rdb.ZRem(ctx, keyReminders, matchID)
	}
}

// sweepDeadlines fails verifications whose slot passed the idle timeout
// without completing, and tells both participants to rebook.
func (s *Sweeper) sweepDeadlines(ctx context.Context) {
	matchIDs, err := s.due(ctx, keyDeadlines)
	if err != nil {
		log.Printf("[reminder] deadlines range: %v", err)
		return
	}

	for _, matchID := range matchIDs {
		m, err := s.lifecycle.Get(ctx, matchID)
		if err == nil && m.Status == match.StatusPendingVerification &&
			m.VerificationStatus == match.VerificationScheduled {

			if err := s.lifecycle.FailVerification(ctx, matchID, "missed_window"); err != nil {
				log.Printf("[reminder] fail verification match=%s: %v", matchID, err)
			} else {
				payload, perr := protocol.NewServerMessage(protocol.TypeVerificationFailed, protocol.VerificationFailedMsg{
					MatchID: matchID,
					Reason:  "missed_window",
				})
				if perr == nil {
					s.notifier.Notify(m.User1ID, payload)
					s.notifier.Notify(m.User2ID, payload)
				}
				metrics.VerificationsFailed.Inc()
				log.Printf("[reminder] deadline expired match=%s", matchID)
			}
		}
		s.rdb.ZRem(ctx, keyDeadlines, matchID)
	}
}

// due returns members of the sorted set scored at or before now.
func (s *Sweeper) due(ctx context.Context, key string) ([]string, error) {
	now := time.Now().Unix()
	return s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "0",
		Max: fmt.Sprintf("%d", now),
	}).Result()
}
