package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kindred/dating-app/internal/match"
	"github.com/kindred/dating-app/internal/retry"
	"github.com/kindred/dating-app/internal/signaling"
)

// fakeNotifier records every payload per user.
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

// countOfType counts messages of the given type delivered to a user.
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

// lastOfType returns the latest message of the given type for a user.
func (f *fakeNotifier) lastOfType(userID, msgType string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.messages[userID]) - 1; i >= 0; i-- {
		var env struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(f.messages[userID][i], &env) == nil && env.Type == msgType {
			return f.messages[userID][i]
		}
	}
	return nil
}

// waitForType polls until a user has received at least one message of the
// given type.
func (f *fakeNotifier) waitForType(t *testing.T, userID, msgType string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f.countOfType(userID, msgType) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("user %s never received %q", userID, msgType)
}

func testRetryConfig() retry.Config {
	return retry.Config{BaseDelay: 20 * time.Millisecond, Factor: 2, MaxAttempts: 3}
}

// newTestRoom builds a coordinator over an in-memory store with one match in
// pending_verification/scheduled state, ready to join.
func newTestRoom(t *testing.T) (*Coordinator, *fakeNotifier, *match.Lifecycle, string) {
	t.Helper()
	ctx := context.Background()

	lc := match.NewLifecycle(match.NewMemoryStore(), nil)
	if _, err := lc.RecordLike(ctx, "alice", "bob"); err != nil {
		t.Fatalf("like: %v", err)
	}
	m, err := lc.RecordLike(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("like back: %v", err)
	}
	if _, err := lc.ScheduleVerification(ctx, m.ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	notifier := newFakeNotifier()
	c := NewCoordinator(lc, notifier, testRetryConfig())
	c.delay = 30 * time.Millisecond
	t.Cleanup(c.Close)
	return c, notifier, lc, m.ID
}

func TestJoinCreatesWaitingRoom(t *testing.T) {
	c, notifier, _, matchID := newTestRoom(t)
	ctx := context.Background()

	if err := c.Join(ctx, matchID, "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if got := c.Status(matchID); got != StatusWaiting {
		t.Fatalf("status = %q, want %q", got, StatusWaiting)
	}

	raw := notifier.lastOfType("alice", "status")
	if raw == nil {
		t.Fatal("alice received no status snapshot")
	}
	var snap struct {
		Status       string   `json:"status"`
		Participants []string `json:"participants"`
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.Status != StatusWaiting || len(snap.Participants) != 1 {
		t.Errorf("snapshot = %+v, want waiting with one participant", snap)
	}
}

func TestSecondJoinActivatesRoom(t *testing.T) {
	c, notifier, _, matchID := newTestRoom(t)
	ctx := context.Background()

	if err := c.Join(ctx, matchID, "alice"); err != nil {
		t.Fatalf("join alice: %v", err)
	}
	if err := c.Join(ctx, matchID, "bob"); err != nil {
		t.Fatalf("join bob: %v", err)
	}
	if got := c.Status(matchID); got != StatusActive {
		t.Fatalf("status = %q, want %q", got, StatusActive)
	}

	for _, user := range []string{"alice", "bob"} {
		raw := notifier.lastOfType(user, "status")
		if raw == nil {
			t.Fatalf("%s received no status snapshot", user)
		}
		var snap struct {
			Status       string   `json:"status"`
			Participants []string `json:"participants"`
		}
		if err := json.Unmarshal(raw, &snap); err != nil {
			t.Fatalf("unmarshal snapshot: %v", err)
		}
		if snap.Status != StatusActive || len(snap.Participants) != 2 {
			t.Errorf("%s snapshot = %+v, want active with two participants", user, snap)
		}
	}

	// Activation cancels the waiting member's retry chain; nothing should
	// escalate afterwards.
	time.Sleep(200 * time.Millisecond)
	if got := c.Status(matchID); got != StatusActive {
		t.Errorf("status after settle = %q, want %q", got, StatusActive)
	}
}

func TestJoinGuards(t *testing.T) {
	c, _, lc, matchID := newTestRoom(t)
	ctx := context.Background()

	if err := c.Join(ctx, "no-such-match", "alice"); !errors.Is(err, match.ErrNotFound) {
		t.Errorf("unknown match: err = %v, want ErrNotFound", err)
	}
	if err := c.Join(ctx, matchID, "mallory"); !errors.Is(err, match.ErrUnauthorized) {
		t.Errorf("outsider: err = %v, want ErrUnauthorized", err)
	}

	// A match without a scheduled verification cannot be joined.
	if _, err := lc.RecordLike(ctx, "carol", "dave"); err != nil {
		t.Fatalf("like: %v", err)
	}
	m, err := lc.RecordLike(ctx, "dave", "carol")
	if err != nil {
		t.Fatalf("like back: %v", err)
	}
	if err := c.Join(ctx, m.ID, "carol"); !errors.Is(err, match.ErrIllegalTransition) {
		t.Errorf("unscheduled: err = %v, want ErrIllegalTransition", err)
	}
}

func TestRejoinIsIdempotent(t *testing.T) {
	c, notifier, _, matchID := newTestRoom(t)
	ctx := context.Background()

	if err := c.Join(ctx, matchID, "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := c.Join(ctx, matchID, "alice"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if got := c.Status(matchID); got != StatusWaiting {
		t.Errorf("status = %q, want %q", got, StatusWaiting)
	}
	if got := notifier.countOfType("alice", "status"); got != 2 {
		t.Errorf("status snapshots = %d, want 2", got)
	}
}

func TestRelayForwardsToCounterpartOnly(t *testing.T) {
	c, notifier, _, matchID := newTestRoom(t)
	ctx := context.Background()

	if err := c.Join(ctx, matchID, "alice"); err != nil {
		t.Fatalf("join alice: %v", err)
	}
	if err := c.Join(ctx, matchID, "bob"); err != nil {
		t.Fatalf("join bob: %v", err)
	}

	sig := signaling.Message{Type: signaling.TypeOffer, Payload: json.RawMessage(`{"sdp":"v=0"}`)}
	if err := c.Relay(ctx, matchID, "alice", sig); err != nil {
		t.Fatalf("relay: %v", err)
	}

	if got := notifier.countOfType("bob", "signal"); got != 1 {
		t.Errorf("bob signals = %d, want 1", got)
	}
	if got := notifier.countOfType("alice", "signal"); got != 0 {
		t.Errorf("alice signals = %d, want 0 (no echo)", got)
	}

	raw := notifier.lastOfType("bob", "signal")
	var fwd struct {
		From   string `json:"from"`
		Signal struct {
			Type string `json:"type"`
		} `json:"signal"`
	}
	if err := json.Unmarshal(raw, &fwd); err != nil {
		t.Fatalf("unmarshal forwarded signal: %v", err)
	}
	if fwd.From != "alice" || fwd.Signal.Type != signaling.TypeOffer {
		t.Errorf("forwarded signal = %+v, want from=alice type=offer", fwd)
	}
}

func TestRelayInvalidSignalRejected(t *testing.T) {
	c, _, _, matchID := newTestRoom(t)
	ctx := context.Background()

	if err := c.Join(ctx, matchID, "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	sig := signaling.Message{Type: "renegotiate", Payload: json.RawMessage(`{}`)}
	if err := c.Relay(ctx, matchID, "alice", sig); !errors.Is(err, match.ErrSignaling) {
		t.Errorf("err = %v, want ErrSignaling", err)
	}
}

func TestRelayWhileWaitingIsDropped(t *testing.T) {
	c, notifier, _, matchID := newTestRoom(t)
	ctx := context.Background()

	if err := c.Join(ctx, matchID, "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	sig := signaling.Message{Type: signaling.TypeOffer, Payload: json.RawMessage(`{"sdp":"v=0"}`)}
	if err := c.Relay(ctx, matchID, "alice", sig); err != nil {
		t.Fatalf("relay into waiting room should be silent, got %v", err)
	}
	if got := notifier.countOfType("bob", "signal"); got != 0 {
		t.Errorf("bob signals = %d, want 0", got)
	}
}

func TestConfirmCompletesOnceAndTearsDown(t *testing.T) {
	c, notifier, lc, matchID := newTestRoom(t)
	ctx := context.Background()

	if err := c.Join(ctx, matchID, "alice"); err != nil {
		t.Fatalf("join alice: %v", err)
	}
	if err := c.Join(ctx, matchID, "bob"); err != nil {
		t.Fatalf("join bob: %v", err)
	}

	res, err := c.Confirm(ctx, matchID, "alice")
	if err != nil {
		t.Fatalf("confirm alice: %v", err)
	}
	if res != match.ConfirmWaiting {
		t.Fatalf("first confirm = %v, want waiting", res)
	}

	res, err = c.Confirm(ctx, matchID, "bob")
	if err != nil {
		t.Fatalf("confirm bob: %v", err)
	}
	if res != match.ConfirmCompleted {
		t.Fatalf("second confirm = %v, want completed", res)
	}

	for _, user := range []string{"alice", "bob"} {
		if got := notifier.countOfType(user, "completed"); got != 1 {
			t.Errorf("%s completed events = %d, want 1", user, got)
		}
	}

	m, err := lc.Get(ctx, matchID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Status != match.StatusMatched || m.VerificationStatus != match.VerificationCompleted {
		t.Errorf("match = %s/%s, want matched/completed", m.Status, m.VerificationStatus)
	}

	// A repeat confirm is a harmless no-op with no second broadcast.
	res, err = c.Confirm(ctx, matchID, "alice")
	if err != nil {
		t.Fatalf("repeat confirm: %v", err)
	}
	if res != match.ConfirmAlreadyCompleted {
		t.Errorf("repeat confirm = %v, want already completed", res)
	}
	if got := notifier.countOfType("alice", "completed"); got != 1 {
		t.Errorf("alice completed events after repeat = %d, want 1", got)
	}

	// Teardown fires after the linger.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.ActiveRooms() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("room never torn down after completion")
}

func TestLeaveRevertsToWaiting(t *testing.T) {
	c, notifier, _, matchID := newTestRoom(t)
	ctx := context.Background()

	if err := c.Join(ctx, matchID, "alice"); err != nil {
		t.Fatalf("join alice: %v", err)
	}
	if err := c.Join(ctx, matchID, "bob"); err != nil {
		t.Fatalf("join bob: %v", err)
	}

	c.Leave(ctx, matchID, "bob")
	if got := c.Status(matchID); got != StatusWaiting {
		t.Fatalf("status = %q, want %q", got, StatusWaiting)
	}

	raw := notifier.lastOfType("alice", "status")
	var snap struct {
		Status       string   `json:"status"`
		Participants []string `json:"participants"`
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.Status != StatusWaiting || len(snap.Participants) != 1 {
		t.Errorf("snapshot = %+v, want waiting with one participant", snap)
	}
}

func TestLeaveLastMemberDestroysRoom(t *testing.T) {
	c, _, _, matchID := newTestRoom(t)
	ctx := context.Background()

	if err := c.Join(ctx, matchID, "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	c.Leave(ctx, matchID, "alice")

	if got := c.Status(matchID); got != "" {
		t.Errorf("status = %q, want empty (room destroyed)", got)
	}
	if got := c.ActiveRooms(); got != 0 {
		t.Errorf("active rooms = %d, want 0", got)
	}
}

func TestSnapshotReportsLiveRoom(t *testing.T) {
	c, _, _, matchID := newTestRoom(t)
	ctx := context.Background()

	if _, _, ok := c.Snapshot(matchID); ok {
		t.Fatal("snapshot ok before any join, want none")
	}

	if err := c.Join(ctx, matchID, "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	status, members, ok := c.Snapshot(matchID)
	if !ok {
		t.Fatal("no snapshot for joined room")
	}
	if status != StatusWaiting || len(members) != 1 || members[0] != "alice" {
		t.Errorf("snapshot = %s/%v, want waiting with alice", status, members)
	}

	if err := c.Join(ctx, matchID, "bob"); err != nil {
		t.Fatalf("join bob: %v", err)
	}
	status, members, ok = c.Snapshot(matchID)
	if !ok || status != StatusActive || len(members) != 2 {
		t.Errorf("snapshot = %s/%v (ok=%v), want active with both", status, members, ok)
	}
}

func TestDropMatchDestroysRoomAndRetries(t *testing.T) {
	c, notifier, _, matchID := newTestRoom(t)
	ctx := context.Background()

	if err := c.Join(ctx, matchID, "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if got := c.retries.Pending(); got != 1 {
		t.Fatalf("pending retries = %d, want 1 while waiting", got)
	}

	c.DropMatch(matchID)

	if got := c.Status(matchID); got != "" {
		t.Errorf("status = %q, want empty (room dropped)", got)
	}
	if got := c.ActiveRooms(); got != 0 {
		t.Errorf("active rooms = %d, want 0", got)
	}
	if got := c.retries.Pending(); got != 0 {
		t.Errorf("pending retries = %d, want 0 after drop", got)
	}

	// The chain is dead: no escalation fires after the drop.
	time.Sleep(200 * time.Millisecond)
	if got := notifier.countOfType("alice", "verification_failed"); got != 0 {
		t.Errorf("verification_failed delivered %d times after drop, want 0", got)
	}

	// Dropping a match with no room is a no-op.
	c.DropMatch("nope")
}

func TestRetryExhaustionFailsVerification(t *testing.T) {
	c, notifier, lc, matchID := newTestRoom(t)
	ctx := context.Background()

	if err := c.Join(ctx, matchID, "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}

	// Nobody ever joins as the counterpart: 3 probes at 20/40/80ms, then
	// escalation.
	notifier.waitForType(t, "alice", "verification_failed", 2*time.Second)
	notifier.waitForType(t, "bob", "verification_failed", 2*time.Second)

	m, err := lc.Get(ctx, matchID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Status != match.StatusPendingVerification || m.VerificationStatus != match.VerificationFailed {
		t.Errorf("match = %s/%s, want pending_verification/failed", m.Status, m.VerificationStatus)
	}
	if got := c.ActiveRooms(); got != 0 {
		t.Errorf("active rooms = %d, want 0 after escalation", got)
	}
}
