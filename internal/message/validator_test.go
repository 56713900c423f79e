package message

import (
	"strings"
	"testing"
)

func TestValidateContent(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"simple", "hey, how was your day?", false},
		{"unicode", "café ☕ 你好", false},
		{"empty", "", true},
		{"max chars", strings.Repeat("a", MaxContentChars), false},
		{"over char limit", strings.Repeat("a", MaxContentChars+1), true},
		{"over byte limit", strings.Repeat("界", MaxContentBytes/3+1), true},
		{"invalid utf8", string([]byte{0xff, 0xfe}), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateContent(tc.content)
			if tc.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
