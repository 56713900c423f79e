package message

import "testing"

func TestSourceURL(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare directory", "migrations", "file://migrations"},
		{"relative path", "./db/migrations", "file://./db/migrations"},
		{"already a file url", "file://migrations", "file://migrations"},
		{"other scheme untouched", "github://owner/repo/migrations", "github://owner/repo/migrations"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := sourceURL(tc.in); got != tc.want {
				t.Errorf("sourceURL(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
