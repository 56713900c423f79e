package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kindred/dating-app/internal/match"
	"github.com/kindred/dating-app/internal/report"
	"github.com/kindred/dating-app/internal/scoring"
)

// fakeSafety records filed reports and auto-bans after three against a user.
type fakeSafety struct {
	reports []*report.Report
	counts  map[string]int
}

func newFakeSafety() *fakeSafety {
	return &fakeSafety{counts: make(map[string]int)}
}

func (f *fakeSafety) Create(ctx context.Context, r *report.Report) error {
	f.reports = append(f.reports, r)
	return nil
}

func (f *fakeSafety) ReportAndCheck(ctx context.Context, userID, reason string) (bool, time.Duration, error) {
	f.counts[userID]++
	if f.counts[userID] >= 3 {
		return true, 24 * time.Hour, nil
	}
	return false, 0, nil
}

// fakeRanker serves a canned candidate list and records interest writes.
type fakeRanker struct {
	candidates []scoring.Candidate
	interests  map[string][]string
	gotExclude map[string]bool
}

func newFakeRanker() *fakeRanker {
	return &fakeRanker{interests: make(map[string][]string)}
}

func (f *fakeRanker) Rank(ctx context.Context, userID string, exclude map[string]bool, limit int) ([]scoring.Candidate, error) {
	f.gotExclude = exclude
	out := make([]scoring.Candidate, 0, len(f.candidates))
	for _, c := range f.candidates {
		if exclude[c.UserID] {
			continue
		}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRanker) SetInterests(ctx context.Context, userID string, tags []string) error {
	f.interests[userID] = tags
	return nil
}

func newTestAPI(t *testing.T) (*API, *match.Lifecycle, *fakeRanker) {
	t.Helper()
	lc := match.NewLifecycle(match.NewMemoryStore(), nil)
	ranker := newFakeRanker()
	return New(lc, ranker, ranker, nil), lc, ranker
}

// do runs a request through the router as the given user and decodes the
// JSON response into out (which may be nil).
func do(t *testing.T, a *API, method, path, userID string, body interface{}, out interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set(userHeader, userID)
	}
	w := httptest.NewRecorder()
	a.Router().ServeHTTP(w, req)

	if out != nil && w.Code < 300 {
		if err := json.NewDecoder(w.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return w
}

// mutualMatch likes in both directions and returns the match.
func mutualMatch(t *testing.T, lc *match.Lifecycle) *match.Match {
	t.Helper()
	ctx := context.Background()
	if _, err := lc.RecordLike(ctx, "alice", "bob"); err != nil {
		t.Fatalf("like: %v", err)
	}
	m, err := lc.RecordLike(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("like back: %v", err)
	}
	return m
}

func TestLikeCreatesPendingMatch(t *testing.T) {
	a, _, _ := newTestAPI(t)

	var got matchView
	w := do(t, a, http.MethodPost, "/api/matches/bob/like", "alice", nil, &got)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if got.Status != "pending" {
		t.Errorf("status = %s, want pending", got.Status)
	}
}

func TestMutualLikeOverHTTP(t *testing.T) {
	a, _, _ := newTestAPI(t)

	do(t, a, http.MethodPost, "/api/matches/bob/like", "alice", nil, nil)
	var got matchView
	w := do(t, a, http.MethodPost, "/api/matches/alice/like", "bob", nil, &got)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if got.Status != "pending_verification" {
		t.Errorf("status = %s, want pending_verification", got.Status)
	}
}

func TestLikeGuards(t *testing.T) {
	a, _, _ := newTestAPI(t)

	tests := []struct {
		name     string
		path     string
		userID   string
		wantCode int
	}{
		{"no auth header", "/api/matches/bob/like", "", http.StatusUnauthorized},
		{"self like", "/api/matches/alice/like", "alice", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, a, http.MethodPost, tt.path, tt.userID, nil, nil)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
		})
	}
}

func TestPassAfterPendingRejects(t *testing.T) {
	a, lc, _ := newTestAPI(t)
	ctx := context.Background()

	if _, err := lc.RecordLike(ctx, "alice", "bob"); err != nil {
		t.Fatalf("like: %v", err)
	}
	var got matchView
	w := do(t, a, http.MethodPost, "/api/matches/alice/pass", "bob", nil, &got)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if got.Status != "rejected" {
		t.Errorf("status = %s, want rejected", got.Status)
	}
}

func TestScheduleVerification(t *testing.T) {
	a, lc, _ := newTestAPI(t)
	m := mutualMatch(t, lc)

	at := time.Now().Add(time.Hour).Unix()
	var got matchView
	w := do(t, a, http.MethodPost, "/api/matches/"+m.ID+"/verify/schedule", "alice",
		map[string]int64{"scheduled_at": at}, &got)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if got.VerificationStatus != "scheduled" || got.ScheduledAt != at {
		t.Errorf("verification = %s at %d, want scheduled at %d", got.VerificationStatus, got.ScheduledAt, at)
	}
}

func TestScheduleGuards(t *testing.T) {
	a, lc, _ := newTestAPI(t)
	m := mutualMatch(t, lc)
	future := map[string]int64{"scheduled_at": time.Now().Add(time.Hour).Unix()}

	tests := []struct {
		name     string
		path     string
		userID   string
		body     interface{}
		wantCode int
	}{
		{"missing body", "/api/matches/" + m.ID + "/verify/schedule", "alice", nil, http.StatusBadRequest},
		{"past slot", "/api/matches/" + m.ID + "/verify/schedule", "alice",
			map[string]int64{"scheduled_at": time.Now().Add(-time.Hour).Unix()}, http.StatusBadRequest},
		{"outsider", "/api/matches/" + m.ID + "/verify/schedule", "mallory", future, http.StatusForbidden},
		{"unknown match", "/api/matches/nope/verify/schedule", "alice", future, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, a, http.MethodPost, tt.path, tt.userID, tt.body, nil)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantCode, w.Body.String())
			}
		})
	}
}

func TestSkipVerificationMatchesImmediately(t *testing.T) {
	a, lc, _ := newTestAPI(t)
	m := mutualMatch(t, lc)

	var got matchView
	w := do(t, a, http.MethodPost, "/api/matches/"+m.ID+"/verify/skip", "alice", nil, &got)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if got.Status != "matched" || got.VerificationStatus != "skipped" {
		t.Errorf("match = %s/%s, want matched/skipped", got.Status, got.VerificationStatus)
	}
}

func TestVerifyStatusRequiresParticipant(t *testing.T) {
	a, lc, _ := newTestAPI(t)
	m := mutualMatch(t, lc)

	if w := do(t, a, http.MethodGet, "/api/matches/"+m.ID+"/verify/status", "mallory", nil, nil); w.Code != http.StatusForbidden {
		t.Errorf("outsider status = %d, want 403", w.Code)
	}
	var got matchView
	if w := do(t, a, http.MethodGet, "/api/matches/"+m.ID+"/verify/status", "bob", nil, &got); w.Code != http.StatusOK {
		t.Errorf("participant status = %d, want 200", w.Code)
	}
	if got.ID != m.ID {
		t.Errorf("match id = %s, want %s", got.ID, m.ID)
	}
}

// fakeRooms serves a canned room snapshot for one match.
type fakeRooms struct {
	matchID      string
	status       string
	participants []string
}

func (f *fakeRooms) Snapshot(matchID string) (string, []string, bool) {
	if matchID != f.matchID {
		return "", nil, false
	}
	return f.status, f.participants, true
}

func TestVerifyStatusIncludesLiveRoom(t *testing.T) {
	a, lc, _ := newTestAPI(t)
	m := mutualMatch(t, lc)
	a.SetRooms(&fakeRooms{matchID: m.ID, status: "active", participants: []string{"alice", "bob"}})

	var got verifyStatusView
	if w := do(t, a, http.MethodGet, "/api/matches/"+m.ID+"/verify/status", "alice", nil, &got); w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if got.Room == nil {
		t.Fatal("room snapshot missing from response")
	}
	if got.Room.Status != "active" || len(got.Room.Participants) != 2 {
		t.Errorf("room = %+v, want active with both participants", got.Room)
	}
}

func TestVerifyStatusOmitsRoomWhenNoneExists(t *testing.T) {
	a, lc, _ := newTestAPI(t)
	m := mutualMatch(t, lc)
	a.SetRooms(&fakeRooms{matchID: "other"})

	if w := do(t, a, http.MethodGet, "/api/matches/"+m.ID+"/verify/status", "alice", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var raw map[string]json.RawMessage
	w := do(t, a, http.MethodGet, "/api/matches/"+m.ID+"/verify/status", "alice", nil, &raw)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if _, present := raw["room"]; present {
		t.Error("room key present, want it omitted when no room is live")
	}
}

func TestListMatches(t *testing.T) {
	a, lc, _ := newTestAPI(t)
	ctx := context.Background()

	m := mutualMatch(t, lc)
	if _, err := lc.SkipVerification(ctx, m.ID, "alice"); err != nil {
		t.Fatalf("skip: %v", err)
	}

	var got []matchView
	w := do(t, a, http.MethodGet, "/api/matches", "alice", nil, &got)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(got) != 1 || got[0].ID != m.ID {
		t.Fatalf("matches = %+v, want the single live match", got)
	}
}

func TestPotentialMatchesExcludesPartners(t *testing.T) {
	a, lc, ranker := newTestAPI(t)
	ctx := context.Background()

	m := mutualMatch(t, lc)
	if _, err := lc.SkipVerification(ctx, m.ID, "alice"); err != nil {
		t.Fatalf("skip: %v", err)
	}
	ranker.candidates = []scoring.Candidate{
		{UserID: "bob", Score: 3},
		{UserID: "carol", Score: 1},
	}

	var got []scoring.Candidate
	w := do(t, a, http.MethodGet, "/api/matches/potential", "alice", nil, &got)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(got) != 1 || got[0].UserID != "carol" {
		t.Fatalf("candidates = %+v, want only carol (bob already matched)", got)
	}
	if !ranker.gotExclude["alice"] {
		t.Error("caller not in exclude set")
	}
}

func TestUnmatch(t *testing.T) {
	a, lc, _ := newTestAPI(t)
	ctx := context.Background()

	m := mutualMatch(t, lc)
	if _, err := lc.SkipVerification(ctx, m.ID, "alice"); err != nil {
		t.Fatalf("skip: %v", err)
	}

	if w := do(t, a, http.MethodDelete, "/api/matches/"+m.ID, "mallory", nil, nil); w.Code != http.StatusForbidden {
		t.Errorf("outsider unmatch = %d, want 403", w.Code)
	}
	if w := do(t, a, http.MethodDelete, "/api/matches/"+m.ID, "alice", nil, nil); w.Code != http.StatusNoContent {
		t.Errorf("unmatch = %d, want 204", w.Code)
	}

	got, err := lc.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Status != match.StatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
}

func TestUnmatchRunsCleanupHook(t *testing.T) {
	a, lc, _ := newTestAPI(t)
	ctx := context.Background()

	m := mutualMatch(t, lc)
	if _, err := lc.SkipVerification(ctx, m.ID, "alice"); err != nil {
		t.Fatalf("skip: %v", err)
	}

	var dropped []string
	a.SetOnUnmatch(func(matchID string) { dropped = append(dropped, matchID) })

	if w := do(t, a, http.MethodDelete, "/api/matches/"+m.ID, "mallory", nil, nil); w.Code != http.StatusForbidden {
		t.Fatalf("outsider unmatch = %d, want 403", w.Code)
	}
	if len(dropped) != 0 {
		t.Fatalf("hook ran on rejected unmatch: %v", dropped)
	}

	if w := do(t, a, http.MethodDelete, "/api/matches/"+m.ID, "alice", nil, nil); w.Code != http.StatusNoContent {
		t.Fatalf("unmatch = %d, want 204", w.Code)
	}
	if len(dropped) != 1 || dropped[0] != m.ID {
		t.Errorf("hook calls = %v, want exactly [%s]", dropped, m.ID)
	}
}

func TestFailVerification(t *testing.T) {
	a, lc, _ := newTestAPI(t)
	ctx := context.Background()
	m := mutualMatch(t, lc)

	if w := do(t, a, http.MethodPost, "/api/matches/"+m.ID+"/verify/fail", "alice", nil, nil); w.Code != http.StatusNoContent {
		t.Fatalf("fail = %d, want 204", w.Code)
	}
	got, err := lc.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.VerificationStatus != match.VerificationFailed {
		t.Errorf("verification = %s, want failed", got.VerificationStatus)
	}
}

func TestReportFilesAndEscalates(t *testing.T) {
	a, lc, _ := newTestAPI(t)
	safety := newFakeSafety()
	a.SetSafety(safety, safety)

	m := mutualMatch(t, lc)
	body := map[string]string{"reason": "harassment"}

	var resp struct {
		Status     string `json:"status"`
		AutoBanned bool   `json:"auto_banned"`
	}
	w := do(t, a, http.MethodPost, "/api/matches/"+m.ID+"/report", "alice", body, &resp)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if resp.Status != "reported" || resp.AutoBanned {
		t.Errorf("resp = %+v, want reported without ban", resp)
	}
	if len(safety.reports) != 1 {
		t.Fatalf("reports filed = %d, want 1", len(safety.reports))
	}
	if got := safety.reports[0]; got.ReporterID != "alice" || got.ReportedID != "bob" || got.MatchID != m.ID {
		t.Errorf("report = %+v, want alice reporting bob", got)
	}

	// Third report against the same user triggers the auto-ban.
	do(t, a, http.MethodPost, "/api/matches/"+m.ID+"/report", "alice", body, nil)
	w = do(t, a, http.MethodPost, "/api/matches/"+m.ID+"/report", "alice", body, &resp)
	if w.Code != http.StatusAccepted || !resp.AutoBanned {
		t.Errorf("third report: status = %d auto_banned = %v, want 202 with ban", w.Code, resp.AutoBanned)
	}
}

func TestReportGuards(t *testing.T) {
	a, lc, _ := newTestAPI(t)
	safety := newFakeSafety()
	a.SetSafety(safety, safety)
	m := mutualMatch(t, lc)

	tests := []struct {
		name     string
		path     string
		userID   string
		body     interface{}
		wantCode int
	}{
		{"bad reason", "/api/matches/" + m.ID + "/report", "alice", map[string]string{"reason": "ugly"}, http.StatusBadRequest},
		{"missing body", "/api/matches/" + m.ID + "/report", "alice", nil, http.StatusBadRequest},
		{"outsider", "/api/matches/" + m.ID + "/report", "mallory", map[string]string{"reason": "spam"}, http.StatusForbidden},
		{"unknown match", "/api/matches/nope/report", "alice", map[string]string{"reason": "spam"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, a, http.MethodPost, tt.path, tt.userID, tt.body, nil)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantCode, w.Body.String())
			}
		})
	}
	if len(safety.reports) != 0 {
		t.Errorf("reports filed = %d, want 0", len(safety.reports))
	}
}

func TestSetInterests(t *testing.T) {
	a, _, ranker := newTestAPI(t)

	w := do(t, a, http.MethodPut, "/api/interests", "alice",
		map[string][]string{"interests": {"music", "gaming"}}, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := fmt.Sprint(ranker.interests["alice"]); got != "[music gaming]" {
		t.Errorf("interests = %s, want [music gaming]", got)
	}
}
