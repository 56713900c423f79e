package signaling

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/kindred/dating-app/internal/match"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{"offer", Message{Type: TypeOffer, Payload: json.RawMessage(`{"sdp":"v=0"}`)}, false},
		{"answer", Message{Type: TypeAnswer, Payload: json.RawMessage(`{"sdp":"v=0"}`)}, false},
		{"candidate", Message{Type: TypeCandidate, Payload: json.RawMessage(`{"candidate":"..."}`)}, false},
		{"unknown tag", Message{Type: "renegotiate", Payload: json.RawMessage(`{}`)}, true},
		{"empty tag", Message{Payload: json.RawMessage(`{}`)}, true},
		{"missing payload", Message{Type: TypeOffer}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if tc.wantErr {
				if !errors.Is(err, match.ErrSignaling) {
					t.Fatalf("expected ErrSignaling, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
