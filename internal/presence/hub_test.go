package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kindred/dating-app/internal/match"
	"github.com/kindred/dating-app/internal/message"
)

// fakeSender records payloads per user and can simulate users connected to
// another server.
type fakeSender struct {
	mu       sync.Mutex
	offline  map[string]bool
	messages map[string][][]byte
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		offline:  make(map[string]bool),
		messages: make(map[string][][]byte),
	}
}

func (f *fakeSender) SendToUser(userID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline[userID] {
		return fmt.Errorf("user %s not connected", userID)
	}
	f.messages[userID] = append(f.messages[userID], data)
	return nil
}

func (f *fakeSender) countOfType(userID, msgType string) int {
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

// fakeBroker records cross-server publishes.
type fakeBroker struct {
	mu        sync.Mutex
	published map[string][][]byte
	subs      map[string]func([]byte)
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		published: make(map[string][][]byte),
		subs:      make(map[string]func([]byte)),
	}
}

func (f *fakeBroker) SubscribeUser(userID string, handler func(data []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[userID] = handler
	return nil
}

func (f *fakeBroker) UnsubscribeUser(userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, userID)
	return nil
}

func (f *fakeBroker) PublishUser(userID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[userID] = append(f.published[userID], data)
	return nil
}

func (f *fakeBroker) publishedTo(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published[userID])
}

// memPresence is an in-memory presence store.
type memPresence struct {
	mu     sync.Mutex
	online map[string]bool
}

func newMemPresence() *memPresence {
	return &memPresence{online: make(map[string]bool)}
}

func (s *memPresence) SetOnline(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[userID] = true
	return nil
}

func (s *memPresence) SetOffline(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.online, userID)
	return nil
}

func (s *memPresence) IsOnline(ctx context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[userID], nil
}

// memMessages mirrors the Postgres store semantics in memory.
type memMessages struct {
	mu    sync.Mutex
	byID  map[string]*message.Message
	order []string
}

func newMemMessages() *memMessages {
	return &memMessages{byID: make(map[string]*message.Message)}
}

func (s *memMessages) Create(ctx context.Context, m *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.SentAt = time.Now()
	cp := *m
	s.byID[m.ID] = &cp
	s.order = append(s.order, m.ID)
	return nil
}

func (s *memMessages) Get(ctx context.Context, messageID string) (*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[messageID]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", messageID, message.ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *memMessages) MarkRead(ctx context.Context, messageID, readerID string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[messageID]
	if !ok {
		return time.Time{}, false, fmt.Errorf("message %s: %w", messageID, message.ErrNotFound)
	}
	if m.SenderID == readerID {
		return time.Time{}, false, fmt.Errorf("message %s: %w", messageID, message.ErrNotReceiver)
	}
	if m.Read {
		return m.ReadAt, false, nil
	}
	m.Read = true
	m.ReadAt = time.Now()
	return m.ReadAt, true, nil
}

func (s *memMessages) Recent(ctx context.Context, matchID string, n int) ([]*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*message.Message
	for _, id := range s.order {
		if m := s.byID[id]; m.MatchID == matchID {
			cp := *m
			out = append(out, &cp)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

// newTestHub builds a hub over in-memory stores with one matched pair
// (alice, bob) whose verification was skipped.
func newTestHub(t *testing.T) (*Hub, *fakeSender, *fakeBroker, *match.Lifecycle, string) {
	t.Helper()
	ctx := context.Background()

	store := match.NewMemoryStore()
	lc := match.NewLifecycle(store, nil)
	if _, err := lc.RecordLike(ctx, "alice", "bob"); err != nil {
		t.Fatalf("like: %v", err)
	}
	m, err := lc.RecordLike(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("like back: %v", err)
	}
	if _, err := lc.SkipVerification(ctx, m.ID, "alice"); err != nil {
		t.Fatalf("skip: %v", err)
	}

	sender := newFakeSender()
	broker := newFakeBroker()
	hub := NewHub(sender, broker, newMemPresence(), lc, newMemMessages(), store)
	return hub, sender, broker, lc, m.ID
}

func TestSendMessageFansOutToBoth(t *testing.T) {
	hub, sender, _, lc, matchID := newTestHub(t)
	ctx := context.Background()

	msg, err := hub.SendMessage(ctx, "alice", matchID, "hey bob!")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID == "" || msg.SentAt.IsZero() {
		t.Errorf("message not fully populated: %+v", msg)
	}

	for _, user := range []string{"alice", "bob"} {
		if got := sender.countOfType(user, "message:new"); got != 1 {
			t.Errorf("%s message:new = %d, want 1", user, got)
		}
	}

	m, err := lc.Get(ctx, matchID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.LastMessageAt.IsZero() {
		t.Error("LastMessageAt not stamped")
	}
}

func TestSendMessageChatLocked(t *testing.T) {
	hub, _, _, lc, _ := newTestHub(t)
	ctx := context.Background()

	// A pair still in verification cannot chat.
	if _, err := lc.RecordLike(ctx, "carol", "dave"); err != nil {
		t.Fatalf("like: %v", err)
	}
	m, err := lc.RecordLike(ctx, "dave", "carol")
	if err != nil {
		t.Fatalf("like back: %v", err)
	}

	_, err = hub.SendMessage(ctx, "carol", m.ID, "hello?")
	if !errors.Is(err, match.ErrIllegalTransition) {
		t.Errorf("err = %v, want ErrIllegalTransition", err)
	}
}

func TestSendMessageGuards(t *testing.T) {
	hub, _, _, _, matchID := newTestHub(t)
	ctx := context.Background()

	if _, err := hub.SendMessage(ctx, "mallory", matchID, "hi"); !errors.Is(err, match.ErrUnauthorized) {
		t.Errorf("outsider: err = %v, want ErrUnauthorized", err)
	}
	if _, err := hub.SendMessage(ctx, "alice", matchID, ""); err == nil {
		t.Error("empty content accepted")
	}
	if _, err := hub.SendMessage(ctx, "alice", "no-such-match", "hi"); !errors.Is(err, match.ErrNotFound) {
		t.Errorf("unknown match: err = %v, want ErrNotFound", err)
	}
}

func TestMarkReadNotifiesSenderOnce(t *testing.T) {
	hub, sender, _, _, matchID := newTestHub(t)
	ctx := context.Background()

	msg, err := hub.SendMessage(ctx, "alice", matchID, "hey bob!")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := hub.MarkRead(ctx, "bob", msg.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if got := sender.countOfType("alice", "message:read:ack"); got != 1 {
		t.Fatalf("alice read receipts = %d, want 1", got)
	}

	// Repeat read: idempotent, no second receipt.
	if err := hub.MarkRead(ctx, "bob", msg.ID); err != nil {
		t.Fatalf("repeat mark read: %v", err)
	}
	if got := sender.countOfType("alice", "message:read:ack"); got != 1 {
		t.Errorf("alice read receipts after repeat = %d, want 1", got)
	}
}

func TestMarkReadGuards(t *testing.T) {
	hub, _, _, _, matchID := newTestHub(t)
	ctx := context.Background()

	msg, err := hub.SendMessage(ctx, "alice", matchID, "hey bob!")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := hub.MarkRead(ctx, "alice", msg.ID); !errors.Is(err, message.ErrNotReceiver) {
		t.Errorf("sender read: err = %v, want ErrNotReceiver", err)
	}
	if err := hub.MarkRead(ctx, "mallory", msg.ID); !errors.Is(err, match.ErrUnauthorized) {
		t.Errorf("outsider read: err = %v, want ErrUnauthorized", err)
	}
	if err := hub.MarkRead(ctx, "bob", "no-such-message"); !errors.Is(err, message.ErrNotFound) {
		t.Errorf("unknown message: err = %v, want ErrNotFound", err)
	}
}

func TestTypingRelayedToCounterpart(t *testing.T) {
	hub, sender, _, _, matchID := newTestHub(t)
	ctx := context.Background()

	if err := hub.Typing(ctx, "alice", matchID, true); err != nil {
		t.Fatalf("typing: %v", err)
	}
	if got := sender.countOfType("bob", "typing"); got != 1 {
		t.Errorf("bob typing events = %d, want 1", got)
	}
	if got := sender.countOfType("alice", "typing"); got != 0 {
		t.Errorf("alice typing events = %d, want 0", got)
	}
}

func TestConnectAnnouncesAndReplays(t *testing.T) {
	hub, sender, _, _, matchID := newTestHub(t)
	ctx := context.Background()

	if _, err := hub.SendMessage(ctx, "alice", matchID, "first"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := hub.SendMessage(ctx, "bob", matchID, "second"); err != nil {
		t.Fatalf("send: %v", err)
	}

	beforeOnline := sender.countOfType("alice", "user:online")
	beforeReplay := sender.countOfType("bob", "message:new")

	hub.HandleConnect(ctx, "bob")

	if got := sender.countOfType("alice", "user:online"); got != beforeOnline+1 {
		t.Errorf("alice user:online = %d, want %d", got, beforeOnline+1)
	}
	if got := sender.countOfType("bob", "message:new"); got != beforeReplay+2 {
		t.Errorf("bob replayed messages = %d, want %d", got-beforeReplay, 2)
	}
}

func TestDisconnectAnnouncesOffline(t *testing.T) {
	hub, sender, broker, _, _ := newTestHub(t)
	ctx := context.Background()

	hub.HandleConnect(ctx, "bob")
	hub.HandleDisconnect(ctx, "bob")

	if got := sender.countOfType("alice", "user:offline"); got != 1 {
		t.Errorf("alice user:offline = %d, want 1", got)
	}
	broker.mu.Lock()
	_, subscribed := broker.subs["bob"]
	broker.mu.Unlock()
	if subscribed {
		t.Error("bob still subscribed after disconnect")
	}
}

func TestNotifyFallsBackToBroker(t *testing.T) {
	hub, sender, broker, _, _ := newTestHub(t)

	sender.mu.Lock()
	sender.offline["bob"] = true
	sender.mu.Unlock()

	hub.Notify("bob", []byte(`{"type":"status"}`))

	if got := broker.publishedTo("bob"); got != 1 {
		t.Errorf("broker publishes to bob = %d, want 1", got)
	}
}

func TestRecentWarmsFromStore(t *testing.T) {
	hub, _, _, _, matchID := newTestHub(t)
	ctx := context.Background()

	if _, err := hub.SendMessage(ctx, "alice", matchID, "first"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := hub.SendMessage(ctx, "bob", matchID, "second"); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Simulate a restart: cold buffer, warm database.
	hub.DropMatch(matchID)

	msgs := hub.Recent(ctx, matchID)
	if len(msgs) != 2 {
		t.Fatalf("recent = %d messages, want 2", len(msgs))
	}
	if msgs[0].Content != "first" || msgs[1].Content != "second" {
		t.Errorf("recent out of order: %+v", msgs)
	}
}
