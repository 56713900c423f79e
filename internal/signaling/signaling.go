// Package signaling defines the handshake messages relayed between the two
// members of a verification room. The relay transports these messages but
// never inspects or persists the payload; only the type tag is validated.
package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/kindred/dating-app/internal/match"
)

// Message type tags. Anything else is rejected as malformed.
const (
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
)

// Message is one connection-setup message exchanged before a direct peer
// media path exists. Payload is opaque to the relay.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Validate checks the type tag and payload presence. A malformed message
// yields match.ErrSignaling, which the caller reports only to the sender.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeOffer, TypeAnswer, TypeCandidate:
	default:
		return fmt.Errorf("unknown signal type %q: %w", m.Type, match.ErrSignaling)
	}
	if len(m.Payload) == 0 {
		return fmt.Errorf("signal %s has no payload: %w", m.Type, match.ErrSignaling)
	}
	return nil
}
