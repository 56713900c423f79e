package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Match mirrors the JSON shape the match API returns.
type Match struct {
	ID                 string `json:"id"`
	User1ID            string `json:"user1_id"`
	User2ID            string `json:"user2_id"`
	Status             string `json:"status"`
	VerificationStatus string `json:"verification_status"`
	ScheduledAt        int64  `json:"scheduled_at"`
}

// REST is a minimal HTTP client for the match API. Load test scenarios use it
// to set up matched pairs before driving the WebSocket hub: mutual likes to
// create a match, then skip or schedule to move it through verification.
type REST struct {
	base string
	http *http.Client
}

// NewREST creates a REST client for the given API base URL, e.g.
// "http://localhost:8080".
func NewREST(base string) *REST {
	return &REST{
		base: base,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Like records a like from userID toward targetID and returns the resulting
// match record.
func (r *REST) Like(ctx context.Context, userID, targetID string) (*Match, error) {
	var m Match
	path := fmt.Sprintf("/api/matches/%s/like", targetID)
	if err := r.do(ctx, http.MethodPost, path, userID, nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// SkipVerification skips the verification step, moving the match straight to
// matched so the pair can chat.
func (r *REST) SkipVerification(ctx context.Context, userID, matchID string) (*Match, error) {
	var m Match
	path := fmt.Sprintf("/api/matches/%s/verify/skip", matchID)
	if err := r.do(ctx, http.MethodPost, path, userID, nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ScheduleVerification books a verification slot for the match.
func (r *REST) ScheduleVerification(ctx context.Context, userID, matchID string, at time.Time) (*Match, error) {
	var m Match
	body := map[string]int64{"scheduled_at": at.Unix()}
	path := fmt.Sprintf("/api/matches/%s/verify/schedule", matchID)
	if err := r.do(ctx, http.MethodPost, path, userID, body, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Unmatch dissolves the match on behalf of userID.
func (r *REST) Unmatch(ctx context.Context, userID, matchID string) error {
	return r.do(ctx, http.MethodDelete, "/api/matches/"+matchID, userID, nil, nil)
}

// do performs one API request, authenticating via the X-User-ID header the
// same way the fronting gateway would after token validation.
func (r *REST) do(ctx context.Context, method, path, userID string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-User-ID", userID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}
