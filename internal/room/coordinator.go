// Package room implements the verification room coordinator: the per-match
// rendezvous where both participants of a pending match meet for a live video
// verification session. A room holds at most the two match participants,
// relays their connection-setup messages, and drives the retry manager while
// one side waits for the other.
package room

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kindred/dating-app/internal/match"
	"github.com/kindred/dating-app/internal/metrics"
	"github.com/kindred/dating-app/internal/protocol"
	"github.com/kindred/dating-app/internal/retry"
	"github.com/kindred/dating-app/internal/signaling"
)

// Room statuses.
const (
	StatusWaiting   = "waiting"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// teardownDelay is how long a completed room lingers so both clients can
// receive the completion event before the room is dropped.
const teardownDelay = 5 * time.Second

// Notifier delivers a server message to a user, wherever they are connected.
// The presence hub implements this; tests use a local fake.
type Notifier interface {
	Notify(userID string, payload []byte)
}

// room is the in-memory state of one verification room. All fields are
// guarded by mu.
type room struct {
	mu           sync.Mutex
	matchID      string
	participants map[string]struct{}
	status       string
	startedAt    time.Time
	teardown     *time.Timer
}

func (r *room) participantList() []string {
	out := make([]string, 0, len(r.participants))
	for id := range r.participants {
		out = append(out, id)
	}
	return out
}

func (r *room) other(userID string) (string, bool) {
	for id := range r.participants {
		if id != userID {
			return id, true
		}
	}
	return "", false
}

// Coordinator owns the room registry. One coordinator runs per hub server;
// cross-server delivery happens through the Notifier.
type Coordinator struct {
	lifecycle *match.Lifecycle
	notifier  Notifier
	retries   *retry.Manager

	delay time.Duration // teardown linger, shortened in tests

	mu    sync.RWMutex
	rooms map[string]*room
}

// NewCoordinator creates a Coordinator wired to the match lifecycle and the
// given retry schedule.
func NewCoordinator(lifecycle *match.Lifecycle, notifier Notifier, retryConfig retry.Config) *Coordinator {
	c := &Coordinator{
		lifecycle: lifecycle,
		notifier:  notifier,
		delay:     teardownDelay,
		rooms:     make(map[string]*room),
	}
	c.retries = retry.NewManager(retryConfig, c.probe, c.escalate)
	return c
}

// Join adds a participant to the verification room of a match, creating the
// room on first join. Joining a room you are already in is a no-op beyond a
// fresh status snapshot. A third distinct user is rejected.
func (c *Coordinator) Join(ctx context.Context, matchID, userID string) error {
	m, err := c.lifecycle.Get(ctx, matchID)
	if err != nil {
		return err
	}
	if !m.IsParticipant(userID) {
		return fmt.Errorf("user %s is not part of match %s: %w", userID, matchID, match.ErrUnauthorized)
	}
	if m.Status != match.StatusPendingVerification || m.VerificationStatus != match.VerificationScheduled {
		return fmt.Errorf("match %s has no scheduled verification: %w", matchID, match.ErrIllegalTransition)
	}

	r := c.getOrCreate(matchID)
	r.mu.Lock()

	if _, ok := r.participants[userID]; ok {
		// Rejoin after a reconnect: just resend the snapshot.
		snapshot := c.statusPayload(r)
		r.mu.Unlock()
		c.notifier.Notify(userID, snapshot)
		return nil
	}
	if len(r.participants) >= 2 {
		r.mu.Unlock()
		return fmt.Errorf("room %s already has two participants: %w", matchID, match.ErrRoomFull)
	}

	r.participants[userID] = struct{}{}
	switch len(r.participants) {
	case 1:
		r.status = StatusWaiting
	case 2:
		r.status = StatusActive
		r.startedAt = time.Now()
	}
	status := r.status
	members := r.participantList()
	snapshot := c.statusPayload(r)
	r.mu.Unlock()

	if status == StatusWaiting {
		// Lone member: start probing for the counterpart.
		c.retries.Begin(matchID, userID)
	} else {
		c.retries.CancelMatch(matchID)
	}

	for _, id := range members {
		c.notifier.Notify(id, snapshot)
	}
	log.Printf("[room] join match=%s user=%s status=%s members=%d", matchID, userID, status, len(members))
	return nil
}

// Leave removes a participant from the room. An empty room is destroyed; a
// room with one member left reverts to waiting and restarts that member's
// retry chain.
func (c *Coordinator) Leave(ctx context.Context, matchID, userID string) {
	c.mu.RLock()
	r, ok := c.rooms[matchID]
	c.mu.RUnlock()
	if !ok {
		return
	}

	r.mu.Lock()
	if _, member := r.participants[userID]; !member {
		r.mu.Unlock()
		return
	}
	delete(r.participants, userID)

	if len(r.participants) == 0 {
		r.stopTeardownLocked()
		r.mu.Unlock()
		c.destroy(matchID)
		log.Printf("[room] destroyed match=%s (empty)", matchID)
		return
	}

	// Terminal rooms keep their status so the completion teardown is not
	// undone by the counterpart leaving first.
	if r.status == StatusActive {
		r.status = StatusWaiting
	}
	status := r.status
	remaining, _ := r.other(userID)
	snapshot := c.statusPayload(r)
	r.mu.Unlock()

	c.retries.Cancel(matchID, userID)
	if status == StatusWaiting {
		c.retries.Begin(matchID, remaining)
	}
	c.notifier.Notify(remaining, snapshot)
	log.Printf("[room] leave match=%s user=%s status=%s", matchID, userID, status)
}

// LeaveUser removes a user from every room they are in. Called when their
// connection drops.
func (c *Coordinator) LeaveUser(ctx context.Context, userID string) {
	c.mu.RLock()
	var matchIDs []string
	for id, r := range c.rooms {
		r.mu.Lock()
		_, member := r.participants[userID]
		r.mu.Unlock()
		if member {
			matchIDs = append(matchIDs, id)
		}
	}
	c.mu.RUnlock()

	for _, id := range matchIDs {
		c.Leave(ctx, id, userID)
	}
}

// Relay validates a connection-setup message and forwards it to the sender's
// room counterpart. Malformed messages are returned as errors so the caller
// can report them to the sender only. A relay into a room that is not active
// with both members present is dropped silently.
func (c *Coordinator) Relay(ctx context.Context, matchID, fromUserID string, sig signaling.Message) error {
	if err := sig.Validate(); err != nil {
		return err
	}

	c.mu.RLock()
	r, ok := c.rooms[matchID]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	r.mu.Lock()
	_, member := r.participants[fromUserID]
	active := r.status == StatusActive && len(r.participants) == 2
	target, hasOther := r.other(fromUserID)
	r.mu.Unlock()

	if !member {
		return fmt.Errorf("sender %s is not in room %s: %w", fromUserID, matchID, match.ErrUnauthorized)
	}
	if !active || !hasOther {
		// Counterpart not there yet; nothing to echo.
		metrics.SignalsDropped.Inc()
		return nil
	}

	payload, err := protocol.NewServerMessage(protocol.TypeSignal, protocol.RelaySignalMsg{
		MatchID: matchID,
		From:    fromUserID,
		Signal:  sig,
	})
	if err != nil {
		return err
	}
	c.notifier.Notify(target, payload)
	metrics.SignalsRelayed.Inc()
	return nil
}

// Confirm records a participant's verification confirmation. When the second
// confirmation lands, both participants are told exactly once that the match
// is live, and the room is torn down after a short linger.
func (c *Coordinator) Confirm(ctx context.Context, matchID, userID string) (match.ConfirmResult, error) {
	res, err := c.lifecycle.ConfirmVerification(ctx, matchID, userID)
	if err != nil {
		return res, err
	}
	if res != match.ConfirmCompleted {
		return res, nil
	}

	// The store flips to completed exactly once, so this branch runs at most
	// once per match no matter how the confirms race.
	c.retries.CancelMatch(matchID)

	c.mu.RLock()
	r, ok := c.rooms[matchID]
	c.mu.RUnlock()
	if ok {
		r.mu.Lock()
		r.status = StatusCompleted
		r.stopTeardownLocked()
		r.teardown = time.AfterFunc(c.delay, func() { c.destroy(matchID) })
		r.mu.Unlock()
	}

	m, err := c.lifecycle.Get(ctx, matchID)
	if err != nil {
		log.Printf("[room] completed match=%s but load failed: %v", matchID, err)
		return res, nil
	}
	payload, err := protocol.NewServerMessage(protocol.TypeCompleted, protocol.CompletedMsg{MatchID: matchID})
	if err != nil {
		return res, err
	}
	c.notifier.Notify(m.User1ID, payload)
	c.notifier.Notify(m.User2ID, payload)
	metrics.VerificationsCompleted.Inc()
	log.Printf("[room] verification completed match=%s", matchID)
	return res, nil
}

// Status reports the current room status, or "" when no room exists.
func (c *Coordinator) Status(matchID string) string {
	c.mu.RLock()
	r, ok := c.rooms[matchID]
	c.mu.RUnlock()
	if !ok {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Snapshot reports the live room status and participant list, or ok=false
// when no room exists for the match. Backs the verify-status endpoint.
func (c *Coordinator) Snapshot(matchID string) (string, []string, bool) {
	c.mu.RLock()
	r, ok := c.rooms[matchID]
	c.mu.RUnlock()
	if !ok {
		return "", nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.participantList(), true
}

// DropMatch tears down any room and retry state for a match without
// notifying anyone. Called on unmatch.
func (c *Coordinator) DropMatch(matchID string) {
	c.mu.RLock()
	r, ok := c.rooms[matchID]
	c.mu.RUnlock()
	if ok {
		r.mu.Lock()
		r.stopTeardownLocked()
		r.mu.Unlock()
	}
	c.destroy(matchID)
	log.Printf("[room] dropped match=%s (unmatched)", matchID)
}

// ActiveRooms reports how many rooms exist. Used by metrics.
func (c *Coordinator) ActiveRooms() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rooms)
}

// Close cancels every pending timer. Called on server shutdown.
func (c *Coordinator) Close() {
	c.mu.Lock()
	for id, r := range c.rooms {
		r.mu.Lock()
		r.stopTeardownLocked()
		r.mu.Unlock()
		delete(c.rooms, id)
		metrics.ActiveRooms.Dec()
		c.retries.CancelMatch(id)
	}
	c.mu.Unlock()
}

// probe is the retry manager's recovery check: the chain stops once the room
// went active or no longer exists.
func (c *Coordinator) probe(matchID, userID string) bool {
	metrics.RetryAttempts.Inc()
	c.mu.RLock()
	r, ok := c.rooms[matchID]
	c.mu.RUnlock()
	if !ok {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status != StatusWaiting
}

// escalate runs when a waiting member's retry budget is spent: the session
// is recorded as failed, both sides are notified, and the room is dropped.
func (c *Coordinator) escalate(matchID, userID string) {
	ctx := context.Background()

	if err := c.lifecycle.FailVerification(ctx, matchID, "partner_never_connected"); err != nil {
		log.Printf("[room] fail verification match=%s: %v", matchID, err)
	}

	c.mu.RLock()
	r, ok := c.rooms[matchID]
	c.mu.RUnlock()
	if ok {
		r.mu.Lock()
		r.status = StatusFailed
		r.stopTeardownLocked()
		r.mu.Unlock()
	}

	m, err := c.lifecycle.Get(ctx, matchID)
	if err == nil {
		payload, perr := protocol.NewServerMessage(protocol.TypeVerificationFailed, protocol.VerificationFailedMsg{
			MatchID: matchID,
			Reason:  "partner_never_connected",
		})
		if perr == nil {
			c.notifier.Notify(m.User1ID, payload)
			c.notifier.Notify(m.User2ID, payload)
		}
	}

	c.destroy(matchID)
	metrics.VerificationsFailed.Inc()
	log.Printf("[room] verification failed match=%s (retries exhausted, waiting=%s)", matchID, userID)
}

func (c *Coordinator) getOrCreate(matchID string) *room {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[matchID]
	if !ok {
		r = &room{
			matchID:      matchID,
			participants: make(map[string]struct{}),
			status:       StatusWaiting,
		}
		c.rooms[matchID] = r
		metrics.ActiveRooms.Inc()
	}
	return r
}

func (c *Coordinator) destroy(matchID string) {
	c.mu.Lock()
	if _, ok := c.rooms[matchID]; ok {
		delete(c.rooms, matchID)
		metrics.ActiveRooms.Dec()
	}
	c.mu.Unlock()
	c.retries.CancelMatch(matchID)
}

// statusPayload builds the status snapshot for a room. Caller holds r.mu.
func (c *Coordinator) statusPayload(r *room) []byte {
	payload, err := protocol.NewServerMessage(protocol.TypeRoomStatus, protocol.RoomStatusMsg{
		MatchID:      r.matchID,
		Status:       r.status,
		Participants: r.participantList(),
	})
	if err != nil {
		log.Printf("[room] marshal status for %s: %v", r.matchID, err)
		return nil
	}
	return payload
}

func (r *room) stopTeardownLocked() {
	if r.teardown != nil {
		r.teardown.Stop()
		r.teardown = nil
	}
}
