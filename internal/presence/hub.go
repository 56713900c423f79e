// Package presence is the application layer tying user connections to the
// rest of the system: online status shared through Redis, cross-server
// delivery through per-user NATS subjects, chat message persistence and
// fan-out, read receipts, typing indicators, and recent-message replay on
// reconnect.
package presence

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/kindred/dating-app/internal/match"
	"github.com/kindred/dating-app/internal/message"
	"github.com/kindred/dating-app/internal/metrics"
	"github.com/kindred/dating-app/internal/moderation"
	"github.com/kindred/dating-app/internal/protocol"
)

// LocalSender delivers a payload to a user connected to this server.
// Implemented by the ws server.
type LocalSender interface {
	SendToUser(userID string, data []byte) error
}

// Broker is the cross-server delivery channel. Implemented by the NATS
// client; nil disables cross-server delivery (single-node deployments).
type Broker interface {
	SubscribeUser(userID string, handler func(data []byte)) error
	UnsubscribeUser(userID string) error
	PublishUser(userID string, data []byte) error
}

// Store tracks which users are online across all servers.
type Store interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// MessageStore persists chat messages. Implemented by the Postgres store.
type MessageStore interface {
	Create(ctx context.Context, m *message.Message) error
	Get(ctx context.Context, messageID string) (*message.Message, error)
	MarkRead(ctx context.Context, messageID, readerID string) (readAt time.Time, notify bool, err error)
	Recent(ctx context.Context, matchID string, n int) ([]*message.Message, error)
}

// LastMessageRecorder stamps a match with its latest message time.
// Implemented by the match stores.
type LastMessageRecorder interface {
	UpdateLastMessage(ctx context.Context, matchID string, at time.Time) error
}

// Hub routes events between connected users. It implements room.Notifier so
// the verification room coordinator can reach users through it.
type Hub struct {
	sender    LocalSender
	broker    Broker
	store     Store
	lifecycle *match.Lifecycle
	messages  MessageStore
	lastMsg   LastMessageRecorder
	filter    *moderation.Filter
	recent    *message.Buffer
}

// NewHub creates a Hub. broker, store, and lastMsg may be nil.
func NewHub(sender LocalSender, broker Broker, store Store, lifecycle *match.Lifecycle, messages MessageStore, lastMsg LastMessageRecorder) *Hub {
	return &Hub{
		sender:    sender,
		broker:    broker,
		store:     store,
		lifecycle: lifecycle,
		messages:  messages,
		lastMsg:   lastMsg,
		recent:    message.NewBuffer(),
	}
}

// SetFilter enables content moderation on outgoing chat messages.
func (h *Hub) SetFilter(f *moderation.Filter) {
	h.filter = f
}

// Notify delivers a payload to a user: directly if they are connected to
// this server, through the broker otherwise.
func (h *Hub) Notify(userID string, payload []byte) {
	if payload == nil {
		return
	}
	if err := h.sender.SendToUser(userID, payload); err == nil {
		return
	}
	if h.broker != nil {
		if err := h.broker.PublishUser(userID, payload); err != nil {
			log.Printf("[presence] publish to %s failed: %v", userID, err)
		}
	}
}

// HandleConnect registers a freshly connected user: marks them online,
// subscribes their cross-server subject, announces them to matched partners,
// and replays recent messages for each live match.
func (h *Hub) HandleConnect(ctx context.Context, userID string) {
	if h.store != nil {
		if err := h.store.SetOnline(ctx, userID); err != nil {
			log.Printf("[presence] set online %s: %v", userID, err)
		}
	}
	if h.broker != nil {
		if err := h.broker.SubscribeUser(userID, func(data []byte) {
			_ = h.sender.SendToUser(userID, data)
		}); err != nil {
			log.Printf("[presence] subscribe %s: %v", userID, err)
		}
	}
	metrics.ConnectedUsers.Inc()

	partners, err := h.lifecycle.Matched(ctx, userID)
	if err != nil {
		log.Printf("[presence] list matched for %s: %v", userID, err)
		return
	}

	h.broadcastPresence(userID, partners, protocol.TypeUserOnline)
	h.replayRecent(userID, partners)
}

// HandleDisconnect cleans up after a user's connection drops.
func (h *Hub) HandleDisconnect(ctx context.Context, userID string) {
	if h.broker != nil {
		if err := h.broker.UnsubscribeUser(userID); err != nil {
			log.Printf("[presence] unsubscribe %s: %v", userID, err)
		}
	}
	if h.store != nil {
		if err := h.store.SetOffline(ctx, userID); err != nil {
			log.Printf("[presence] set offline %s: %v", userID, err)
		}
	}
	metrics.ConnectedUsers.Dec()

	partners, err := h.lifecycle.Matched(ctx, userID)
	if err != nil {
		log.Printf("[presence] list matched for %s: %v", userID, err)
		return
	}
	h.broadcastPresence(userID, partners, protocol.TypeUserOffline)
}

// SendMessage validates, persists, and fans out a chat message. Chat is open
// only within matched pairs; anything else is rejected.
func (h *Hub) SendMessage(ctx context.Context, senderID, matchID, content string) (*message.Message, error) {
	start := time.Now()

	if err := message.ValidateContent(content); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if h.filter != nil {
		if res := h.filter.Check(content); res.Blocked {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			log.Printf("[presence] message blocked sender=%s match=%s reason=%s term=%s",
				senderID, matchID, res.Reason, res.Term)
			return nil, fmt.Errorf("message from %s: %w", senderID, moderation.ErrBlocked)
		}
	}

	m, err := h.lifecycle.Get(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !m.IsParticipant(senderID) {
		return nil, fmt.Errorf("user %s on match %s: %w", senderID, matchID, match.ErrUnauthorized)
	}
	if m.Status != match.StatusMatched {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("chat locked on %s match %s: %w", m.Status, matchID, match.ErrIllegalTransition)
	}

	msg := &message.Message{
		ID:       uuid.New().String(),
		MatchID:  matchID,
		SenderID: senderID,
		Content:  content,
	}
	if err := h.messages.Create(ctx, msg); err != nil {
		return nil, err
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}

	if h.lastMsg != nil {
		if err := h.lastMsg.UpdateLastMessage(ctx, matchID, msg.SentAt); err != nil {
			log.Printf("[presence] update last message match=%s: %v", matchID, err)
		}
	}
	h.recent.Add(matchID, message.BufferedMessage{
		MessageID: msg.ID,
		SenderID:  senderID,
		Content:   content,
		SentAt:    msg.SentAt.Unix(),
	})

	payload, err := protocol.NewServerMessage(protocol.TypeNewMessage, protocol.NewMessageMsg{
		MessageID: msg.ID,
		MatchID:   matchID,
		SenderID:  senderID,
		Content:   content,
		SentAt:    msg.SentAt.Unix(),
	})
	if err != nil {
		return nil, err
	}
	h.Notify(m.User1ID, payload)
	h.Notify(m.User2ID, payload)

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	metrics.MessageLatency.Observe(time.Since(start).Seconds())
	return msg, nil
}

// MarkRead records a read receipt. The first read notifies the original
// sender; repeat reads are idempotent no-ops.
func (h *Hub) MarkRead(ctx context.Context, readerID, messageID string) error {
	msg, err := h.messages.Get(ctx, messageID)
	if err != nil {
		return err
	}

	m, err := h.lifecycle.Get(ctx, msg.MatchID)
	if err != nil {
		return err
	}
	if !m.IsParticipant(readerID) {
		return fmt.Errorf("user %s on match %s: %w", readerID, msg.MatchID, match.ErrUnauthorized)
	}

	readAt, notify, err := h.messages.MarkRead(ctx, messageID, readerID)
	if err != nil {
		return err
	}
	if !notify {
		return nil
	}

	payload, err := protocol.NewServerMessage(protocol.TypeMessageRead, protocol.MessageReadMsg{
		MessageID: messageID,
		ReadAt:    readAt.Unix(),
	})
	if err != nil {
		return err
	}
	h.Notify(msg.SenderID, payload)
	return nil
}

// Typing relays a typing indicator to the match counterpart. Indicators are
// best-effort: they only flow within matched pairs.
func (h *Hub) Typing(ctx context.Context, senderID, matchID string, isTyping bool) error {
	m, err := h.lifecycle.Get(ctx, matchID)
	if err != nil {
		return err
	}
	if !m.IsParticipant(senderID) {
		return fmt.Errorf("user %s on match %s: %w", senderID, matchID, match.ErrUnauthorized)
	}
	if m.Status != match.StatusMatched {
		return fmt.Errorf("chat locked on %s match %s: %w", m.Status, matchID, match.ErrIllegalTransition)
	}

	payload, err := protocol.NewServerMessage(protocol.TypeTyping, protocol.ServerTypingMsg{
		MatchID:  matchID,
		UserID:   senderID,
		IsTyping: isTyping,
	})
	if err != nil {
		return err
	}
	h.Notify(m.Other(senderID), payload)
	return nil
}

// Recent exposes the in-memory replay buffer, warmed from the database when
// the buffer is cold.
func (h *Hub) Recent(ctx context.Context, matchID string) []message.BufferedMessage {
	buf := h.recent.Get(matchID)
	if len(buf) > 0 {
		return buf
	}
	stored, err := h.messages.Recent(ctx, matchID, message.MaxBufferMessages)
	if err != nil {
		log.Printf("[presence] recent load match=%s: %v", matchID, err)
		return buf
	}
	for _, m := range stored {
		bm := message.BufferedMessage{
			MessageID: m.ID,
			SenderID:  m.SenderID,
			Content:   m.Content,
			SentAt:    m.SentAt.Unix(),
		}
		h.recent.Add(matchID, bm)
		buf = append(buf, bm)
	}
	return buf
}

// DropMatch clears cached state for a match. Called on unmatch.
func (h *Hub) DropMatch(matchID string) {
	h.recent.Remove(matchID)
}

// broadcastPresence tells each online matched partner about a presence
// change.
func (h *Hub) broadcastPresence(userID string, partners map[string]string, eventType string) {
	if len(partners) == 0 {
		return
	}
	payload, err := protocol.NewServerMessage(eventType, protocol.PresenceMsg{UserID: userID})
	if err != nil {
		log.Printf("[presence] marshal %s for %s: %v", eventType, userID, err)
		return
	}
	for partnerID := range partners {
		h.Notify(partnerID, payload)
	}
}

// replayRecent resends the tail of each live conversation to a reconnecting
// user, oldest first.
func (h *Hub) replayRecent(userID string, partners map[string]string) {
	for _, matchID := range partners {
		for _, bm := range h.recent.Get(matchID) {
			payload, err := protocol.NewServerMessage(protocol.TypeNewMessage, protocol.NewMessageMsg{
				MessageID: bm.MessageID,
				MatchID:   matchID,
				SenderID:  bm.SenderID,
				Content:   bm.Content,
				SentAt:    bm.SentAt,
			})
			if err != nil {
				continue
			}
			_ = h.sender.SendToUser(userID, payload)
		}
	}
}
