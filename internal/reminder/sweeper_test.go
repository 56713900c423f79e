package reminder

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kindred/dating-app/internal/match"
)

type fakeNotifier struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{messages: make(map[string][][]byte)}
}

func (f *fakeNotifier) Notify(userID string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[userID] = append(f.messages[userID], payload)
}

func (f *fakeNotifier) countOfType(userID, msgType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, raw := range f.messages[userID] {
		var env struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(raw, &env) == nil && env.Type == msgType {
			n++
		}
	}
	return n
}

// setupSweeper connects to a test Redis instance and builds a sweeper over
// an in-memory match store. Tests are skipped if Redis is unavailable.
func setupSweeper(t *testing.T) (*Sweeper, *Scheduler, *fakeNotifier, *match.Lifecycle, context.Context) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid conflicts
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}

	rdb.FlushDB(ctx)
	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})

	scheduler := NewScheduler(rdb)
	lc := match.NewLifecycle(match.NewMemoryStore(), scheduler)
	notifier := newFakeNotifier()
	return NewSweeper(rdb, lc, notifier), scheduler, notifier, lc, ctx
}

// scheduledMatch creates a pending_verification match with a booked slot.
func scheduledMatch(t *testing.T, lc *match.Lifecycle, ctx context.Context, at time.Time) *match.Match {
	t.Helper()
	if _, err := lc.RecordLike(ctx, "alice", "bob"); err != nil {
		t.Fatalf("like: %v", err)
	}
	m, err := lc.RecordLike(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("like back: %v", err)
	}
	if _, err := lc.ScheduleVerification(ctx, m.ID, at); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	return m
}

func TestSweepDeliversDueReminder(t *testing.T) {
	sweeper, _, notifier, lc, ctx := setupSweeper(t)

	// Slot 10 minutes out: the reminder (slot minus 15 minutes) is already due.
	m := scheduledMatch(t, lc, ctx, time.Now().Add(10*time.Minute))

	sweeper.SweepOnce(ctx)

	for _, user := range []string{"alice", "bob"} {
		if got := notifier.countOfType(user, "verification_reminder"); got != 1 {
			t.Errorf("%s reminders = %d, want 1", user, got)
		}
	}

	// A second sweep must not re-deliver.
	sweeper.SweepOnce(ctx)
	if got := notifier.countOfType("alice", "verification_reminder"); got != 1 {
		t.Errorf("alice reminders after resweep = %d, want 1", got)
	}

	got, err := lc.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.VerificationStatus != match.VerificationScheduled {
		t.Errorf("verification = %s, want still scheduled", got.VerificationStatus)
	}
}

func TestSweepSkipsFutureReminder(t *testing.T) {
	sweeper, _, notifier, lc, ctx := setupSweeper(t)

	// Slot an hour out: nothing is due yet.
	scheduledMatch(t, lc, ctx, time.Now().Add(time.Hour))

	sweeper.SweepOnce(ctx)

	if got := notifier.countOfType("alice", "verification_reminder"); got != 0 {
		t.Errorf("alice reminders = %d, want 0", got)
	}
}

func TestSweepFailsExpiredVerification(t *testing.T) {
	sweeper, _, notifier, lc, ctx := setupSweeper(t)

	// Slot 31 minutes in the past: past the idle timeout.
	m := scheduledMatch(t, lc, ctx, time.Now().Add(-31*time.Minute))

	sweeper.SweepOnce(ctx)

	got, err := lc.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Status != match.StatusPendingVerification || got.VerificationStatus != match.VerificationFailed {
		t.Errorf("match = %s/%s, want pending_verification/failed", got.Status, got.VerificationStatus)
	}
	for _, user := range []string{"alice", "bob"} {
		if got := notifier.countOfType(user, "verification_failed"); got != 1 {
			t.Errorf("%s failure notices = %d, want 1", user, got)
		}
	}
}

func TestSweepIgnoresCompletedVerification(t *testing.T) {
	sweeper, _, notifier, lc, ctx := setupSweeper(t)

	m := scheduledMatch(t, lc, ctx, time.Now().Add(-31*time.Minute))

	// Both sides confirmed before the deadline sweep ran.
	if _, err := lc.ConfirmVerification(ctx, m.ID, "alice"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := lc.ConfirmVerification(ctx, m.ID, "bob"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	sweeper.SweepOnce(ctx)

	got, err := lc.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Status != match.StatusMatched {
		t.Errorf("status = %s, want matched (deadline must not undo completion)", got.Status)
	}
	if n := notifier.countOfType("alice", "verification_failed"); n != 0 {
		t.Errorf("failure notices = %d, want 0", n)
	}
}

func TestCancelDropsBookings(t *testing.T) {
	sweeper, scheduler, notifier, lc, ctx := setupSweeper(t)

	m := scheduledMatch(t, lc, ctx, time.Now().Add(10*time.Minute))
	if err := scheduler.Cancel(ctx, m.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	sweeper.SweepOnce(ctx)
	if got := notifier.countOfType("alice", "verification_reminder"); got != 0 {
		t.Errorf("alice reminders after cancel = %d, want 0", got)
	}
}
