package match

import "errors"

// Error taxonomy shared across the verification subsystem. Handlers map these
// to wire-level error codes with errors.Is; everything else is treated as an
// internal failure.
var (
	// ErrNotFound indicates an unknown match or room ID.
	ErrNotFound = errors.New("match not found")

	// ErrUnauthorized indicates the caller is not a participant of the match.
	ErrUnauthorized = errors.New("not a participant of this match")

	// ErrIllegalTransition indicates a state machine violation, such as
	// confirming verification on a rejected match.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrRoomFull indicates a third distinct user tried to join a
	// verification room.
	ErrRoomFull = errors.New("verification room is full")

	// ErrSignaling indicates a malformed signaling payload. It is reported
	// only to the sender, never to the room.
	ErrSignaling = errors.New("malformed signaling message")

	// ErrVerificationExhausted indicates the connection retry budget for a
	// verification attempt has been spent.
	ErrVerificationExhausted = errors.New("verification connection retries exhausted")
)
