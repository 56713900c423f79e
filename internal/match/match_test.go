package match

import "testing"

func TestValidTransition_ForwardOnly(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusPending, StatusPendingVerification},
		{StatusPending, StatusRejected},
		{StatusPendingVerification, StatusMatched},
		{StatusPendingVerification, StatusVerified},
		{StatusVerified, StatusMatched},
		{StatusMatched, StatusExpired},
	}
	for _, tc := range legal {
		if !ValidTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to Status }{
		{StatusMatched, StatusPending},
		{StatusMatched, StatusPendingVerification},
		{StatusRejected, StatusPending},
		{StatusRejected, StatusMatched},
		{StatusExpired, StatusMatched},
		{StatusPendingVerification, StatusPending},
		{StatusVerified, StatusPendingVerification},
	}
	for _, tc := range illegal {
		if ValidTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestValidTransition_SelfIsIdempotent(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusMatched, StatusRejected, StatusExpired} {
		if !ValidTransition(s, s) {
			t.Errorf("self transition for %s should be allowed", s)
		}
	}
}

func TestMatch_Other(t *testing.T) {
	m := &Match{User1ID: "alice", User2ID: "bob"}

	if got := m.Other("alice"); got != "bob" {
		t.Errorf("Other(alice) = %q, want bob", got)
	}
	if got := m.Other("bob"); got != "alice" {
		t.Errorf("Other(bob) = %q, want alice", got)
	}
	if got := m.Other("mallory"); got != "" {
		t.Errorf("Other(mallory) = %q, want empty", got)
	}
}

func TestMatch_IsParticipant(t *testing.T) {
	m := &Match{User1ID: "alice", User2ID: "bob"}

	if !m.IsParticipant("alice") || !m.IsParticipant("bob") {
		t.Error("both users should be participants")
	}
	if m.IsParticipant("mallory") {
		t.Error("outsider should not be a participant")
	}
}

func TestMatch_Terminal(t *testing.T) {
	if (&Match{Status: StatusRejected}).Terminal() != true {
		t.Error("rejected should be terminal")
	}
	if (&Match{Status: StatusExpired}).Terminal() != true {
		t.Error("expired should be terminal")
	}
	if (&Match{Status: StatusMatched}).Terminal() {
		t.Error("matched should not be terminal")
	}
}
