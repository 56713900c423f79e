// Package protocol defines the WebSocket message types and structures used for
// communication between the client and hub. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/kindred/dating-app/internal/signaling"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoin        = "join"
	TypeLeave       = "leave"
	TypeSignal      = "signal"
	TypeVerify      = "verify"
	TypeSendMessage = "message:send"
	TypeReadMessage = "message:read"
	TypeTypingStart = "typing:start"
	TypeTypingStop  = "typing:stop"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeConnected          = "connected"
	TypeRoomStatus         = "status"
	TypeCompleted          = "completed"
	TypeVerificationFailed = "verification_failed"
	TypeNewMessage         = "message:new"
	TypeMessageRead        = "message:read:ack"
	TypeTyping             = "typing"
	TypeUserOnline         = "user:online"
	TypeUserOffline        = "user:offline"
	TypeReminder           = "verification_reminder"
	TypeRateLimited        = "rate_limited"
	TypeError              = "error"
	TypePong               = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinMsg is sent by the client to enter the verification room of a match.
type JoinMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
}

// LeaveMsg is sent by the client to leave the verification room of a match.
type LeaveMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
}

// SignalMsg carries a connection-setup message to be relayed to the room
// counterpart. The signal body is opaque beyond its type tag.
type SignalMsg struct {
	Type    string            `json:"type"`
	MatchID string            `json:"match_id"`
	Signal  signaling.Message `json:"signal"`
}

// VerifyMsg is sent by the client to confirm the counterpart's identity
// during a verification session.
type VerifyMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
}

// SendMessageMsg is a chat message sent by the client within a matched pair.
type SendMessageMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
	Content string `json:"content"`
}

// ReadMessageMsg is sent by the client to mark a received message as read.
type ReadMessageMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// TypingMsg indicates the client started or stopped typing. The same struct
// serves typing:start and typing:stop.
type TypingMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent by the server when a hub connection is established.
type ConnectedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// RoomStatusMsg is the room status snapshot broadcast to room members on
// every membership or status change.
type RoomStatusMsg struct {
	Type         string   `json:"type"`
	MatchID      string   `json:"match_id"`
	Status       string   `json:"status"`
	Participants []string `json:"participants"`
}

// CompletedMsg is sent by the server when both sides confirmed and the
// match is live.
type CompletedMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
}

// VerificationFailedMsg is sent by the server when a verification session
// failed and the slot must be rebooked.
type VerificationFailedMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
	Reason  string `json:"reason"`
}

// RelaySignalMsg wraps a forwarded connection-setup message for the room
// counterpart.
type RelaySignalMsg struct {
	Type    string            `json:"type"`
	MatchID string            `json:"match_id"`
	From    string            `json:"from"`
	Signal  signaling.Message `json:"signal"`
}

// NewMessageMsg delivers a persisted chat message to both participants.
type NewMessageMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	MatchID   string `json:"match_id"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
	SentAt    int64  `json:"sent_at"`
}

// MessageReadMsg notifies the original sender that a message was read.
type MessageReadMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	ReadAt    int64  `json:"read_at"`
}

// ServerTypingMsg relays the counterpart's typing indicator to the client.
type ServerTypingMsg struct {
	Type     string `json:"type"`
	MatchID  string `json:"match_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// PresenceMsg announces a matched counterpart going online or offline.
type PresenceMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// ReminderMsg tells a participant their verification slot is coming up.
type ReminderMsg struct {
	Type        string `json:"type"`
	MatchID     string `json:"match_id"`
	ScheduledAt int64  `json:"scheduled_at"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeave:
		var m LeaveMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSignal:
		var m SignalMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeVerify:
		var m VerifyMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReadMessage:
		var m ReadMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStart, TypeTypingStop:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
