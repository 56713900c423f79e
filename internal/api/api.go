// Package api exposes the REST surface for match discovery and the
// verification lifecycle. Real-time traffic stays on the WebSocket hub; this
// API covers the request/response operations: likes, passes, match listing,
// verification booking, and unmatching.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/kindred/dating-app/internal/match"
	"github.com/kindred/dating-app/internal/message"
	"github.com/kindred/dating-app/internal/ratelimit"
	"github.com/kindred/dating-app/internal/report"
	"github.com/kindred/dating-app/internal/scoring"
)

// userHeader carries the authenticated caller's ID, set by the fronting
// gateway after token validation.
const userHeader = "X-User-ID"

// API holds the handler dependencies. ranker, interests, limiter, and recent
// may be nil; the matching endpoints degrade gracefully without them.
type API struct {
	lifecycle *match.Lifecycle
	ranker    scoring.Ranker
	interests interestWriter
	limiter   *ratelimit.Limiter
	recent    func(ctx context.Context, matchID string) []message.BufferedMessage
	reports   reportFiler
	bans      banEscalator
	rooms     roomObserver
	onUnmatch func(matchID string)
}

// roomObserver exposes the live verification room for a match, when the hub
// has one. Implemented by the room coordinator.
type roomObserver interface {
	Snapshot(matchID string) (status string, participants []string, ok bool)
}

// reportFiler persists abuse reports. Implemented by the report store.
type reportFiler interface {
	Create(ctx context.Context, r *report.Report) error
}

// banEscalator counts reports against a user and applies automatic bans.
// Implemented by the ban store.
type banEscalator interface {
	ReportAndCheck(ctx context.Context, userID, reason string) (bool, time.Duration, error)
}

// interestWriter is the profile-update side of the ranker.
type interestWriter interface {
	SetInterests(ctx context.Context, userID string, tags []string) error
}

// New creates the API. The interests writer is typically the same
// InterestRanker passed as ranker; pass nil to disable the endpoints.
func New(lifecycle *match.Lifecycle, ranker scoring.Ranker, interests interestWriter, limiter *ratelimit.Limiter) *API {
	return &API{lifecycle: lifecycle, ranker: ranker, interests: interests, limiter: limiter}
}

// Router builds the route table.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/matches", a.handleListMatches).Methods(http.MethodGet)
	r.HandleFunc("/api/matches/potential", a.handlePotentialMatches).Methods(http.MethodGet)
	r.HandleFunc("/api/matches/{targetUserId}/like", a.handleLike).Methods(http.MethodPost)
	r.HandleFunc("/api/matches/{targetUserId}/pass", a.handlePass).Methods(http.MethodPost)
	r.HandleFunc("/api/matches/{matchId}", a.handleUnmatch).Methods(http.MethodDelete)
	r.HandleFunc("/api/matches/{matchId}/verify/schedule", a.handleSchedule).Methods(http.MethodPost)
	r.HandleFunc("/api/matches/{matchId}/verify/skip", a.handleSkip).Methods(http.MethodPost)
	r.HandleFunc("/api/matches/{matchId}/verify/fail", a.handleFail).Methods(http.MethodPost)
	r.HandleFunc("/api/matches/{matchId}/verify/status", a.handleVerifyStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/matches/{matchId}/messages", a.handleRecentMessages).Methods(http.MethodGet)
	r.HandleFunc("/api/matches/{matchId}/report", a.handleReport).Methods(http.MethodPost)
	r.HandleFunc("/api/interests", a.handleSetInterests).Methods(http.MethodPut)
	return r
}

// matchView is the JSON shape for a match record.
type matchView struct {
	ID                 string `json:"id"`
	User1ID            string `json:"user1_id"`
	User2ID            string `json:"user2_id"`
	Status             string `json:"status"`
	VerificationStatus string `json:"verification_status"`
	ScheduledAt        int64  `json:"scheduled_at,omitempty"`
	LastMessageAt      int64  `json:"last_message_at,omitempty"`
	CreatedAt          int64  `json:"created_at"`
}

func viewOf(m *match.Match) matchView {
	v := matchView{
		ID:                 m.ID,
		User1ID:            m.User1ID,
		User2ID:            m.User2ID,
		Status:             string(m.Status),
		VerificationStatus: string(m.VerificationStatus),
		CreatedAt:          m.CreatedAt.Unix(),
	}
	if !m.ScheduledAt.IsZero() {
		v.ScheduledAt = m.ScheduledAt.Unix()
	}
	if !m.LastMessageAt.IsZero() {
		v.LastMessageAt = m.LastMessageAt.Unix()
	}
	return v
}

func (a *API) handleLike(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	if !a.allow(w, r, caller, ratelimit.RuleLike) {
		return
	}

	target := mux.Vars(r)["targetUserId"]
	if target == caller {
		writeError(w, http.StatusBadRequest, "cannot like yourself")
		return
	}

	m, err := a.lifecycle.RecordLike(r.Context(), caller, target)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(m))
}

func (a *API) handlePass(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	if !a.allow(w, r, caller, ratelimit.RuleLike) {
		return
	}

	target := mux.Vars(r)["targetUserId"]
	if target == caller {
		writeError(w, http.StatusBadRequest, "cannot pass yourself")
		return
	}

	m, err := a.lifecycle.RecordPass(r.Context(), caller, target)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(m))
}

func (a *API) handleListMatches(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}

	partners, err := a.lifecycle.Matched(r.Context(), caller)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}

	out := make([]matchView, 0, len(partners))
	for _, matchID := range partners {
		m, err := a.lifecycle.Get(r.Context(), matchID)
		if err != nil {
			continue
		}
		out = append(out, viewOf(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handlePotentialMatches(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	if a.ranker == nil {
		writeError(w, http.StatusNotFound, "ranking not enabled")
		return
	}

	// Existing counterparts never reappear in discovery.
	exclude := map[string]bool{caller: true}
	if partners, err := a.lifecycle.Matched(r.Context(), caller); err == nil {
		for partnerID := range partners {
			exclude[partnerID] = true
		}
	}

	ranked, err := a.ranker.Rank(r.Context(), caller, exclude, 50)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ranked)
}

func (a *API) handleUnmatch(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}

	matchID := mux.Vars(r)["matchId"]
	if err := a.lifecycle.Unmatch(r.Context(), matchID, caller); err != nil {
		a.writeDomainError(w, err)
		return
	}
	// The match is terminal: drop the recent-message ring, any live room,
	// and pending retry timers.
	if a.onUnmatch != nil {
		a.onUnmatch(matchID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSchedule(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}

	var body struct {
		ScheduledAt int64 `json:"scheduled_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ScheduledAt <= 0 {
		writeError(w, http.StatusBadRequest, "scheduled_at (unix seconds) required")
		return
	}
	at := time.Unix(body.ScheduledAt, 0)
	if at.Before(time.Now()) {
		writeError(w, http.StatusBadRequest, "scheduled_at is in the past")
		return
	}

	matchID := mux.Vars(r)["matchId"]
	if !a.isParticipant(w, r, matchID, caller) {
		return
	}

	m, err := a.lifecycle.ScheduleVerification(r.Context(), matchID, at)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(m))
}

func (a *API) handleSkip(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}

	matchID := mux.Vars(r)["matchId"]
	m, err := a.lifecycle.SkipVerification(r.Context(), matchID, caller)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(m))
}

func (a *API) handleFail(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}

	matchID := mux.Vars(r)["matchId"]
	if !a.isParticipant(w, r, matchID, caller) {
		return
	}

	if err := a.lifecycle.FailVerification(r.Context(), matchID, "reported_by_user"); err != nil {
		a.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleVerifyStatus(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}

	matchID := mux.Vars(r)["matchId"]
	m, err := a.lifecycle.Get(r.Context(), matchID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	if !m.IsParticipant(caller) {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}

	out := verifyStatusView{matchView: viewOf(m)}
	if a.rooms != nil {
		if status, members, ok := a.rooms.Snapshot(matchID); ok {
			out.Room = &roomView{Status: status, Participants: members}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// verifyStatusView is the match view plus the live room snapshot, present
// only while a verification room exists on this hub.
type verifyStatusView struct {
	matchView
	Room *roomView `json:"room,omitempty"`
}

type roomView struct {
	Status       string   `json:"status"`
	Participants []string `json:"participants"`
}

func (a *API) handleRecentMessages(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}

	matchID := mux.Vars(r)["matchId"]
	m, err := a.lifecycle.Get(r.Context(), matchID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	if !m.IsParticipant(caller) {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}
	if a.recent == nil {
		writeJSON(w, http.StatusOK, []message.BufferedMessage{})
		return
	}
	writeJSON(w, http.StatusOK, a.recent(r.Context(), matchID))
}

func (a *API) handleSetInterests(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	if a.interests == nil {
		writeError(w, http.StatusNotFound, "interests not enabled")
		return
	}

	var body struct {
		Interests []string `json:"interests"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := a.interests.SetInterests(r.Context(), caller, body.Interests); err != nil {
		a.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetRecent wires the hub's recent-message lookup into the API.
func (a *API) SetRecent(fn func(ctx context.Context, matchID string) []message.BufferedMessage) {
	a.recent = fn
}

// SetSafety wires the abuse report store and the auto-ban escalator.
func (a *API) SetSafety(reports reportFiler, bans banEscalator) {
	a.reports = reports
	a.bans = bans
}

// SetRooms wires the room coordinator's snapshot lookup into the
// verify-status endpoint.
func (a *API) SetRooms(rooms roomObserver) {
	a.rooms = rooms
}

// SetOnUnmatch registers a hook run after every successful unmatch, used to
// drop hub-side caches and timers for the match.
func (a *API) SetOnUnmatch(fn func(matchID string)) {
	a.onUnmatch = fn
}

func (a *API) handleReport(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	if a.reports == nil {
		writeError(w, http.StatusNotFound, "reporting not enabled")
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !report.ValidReason(body.Reason) {
		writeError(w, http.StatusBadRequest, "reason must be one of harassment, spam, explicit, fake, other")
		return
	}

	matchID := mux.Vars(r)["matchId"]
	m, err := a.lifecycle.Get(r.Context(), matchID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	if !m.IsParticipant(caller) {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}
	reported := m.Other(caller)

	rep := &report.Report{
		ReporterID: caller,
		ReportedID: reported,
		MatchID:    matchID,
		Reason:     body.Reason,
	}
	if a.recent != nil {
		for _, bm := range a.recent(r.Context(), matchID) {
			rep.Messages = append(rep.Messages, report.MessageEntry{
				SenderID: bm.SenderID,
				Content:  bm.Content,
				SentAt:   bm.SentAt,
			})
		}
	}
	if err := a.reports.Create(r.Context(), rep); err != nil {
		a.writeDomainError(w, err)
		return
	}

	resp := struct {
		Status     string `json:"status"`
		AutoBanned bool   `json:"auto_banned"`
	}{Status: "reported"}

	if a.bans != nil {
		banned, duration, err := a.bans.ReportAndCheck(r.Context(), reported, body.Reason)
		if err != nil {
			log.Printf("[api] ban check for %s: %v", reported, err)
		} else if banned {
			resp.AutoBanned = true
			log.Printf("[api] auto-banned user=%s for %s after report", reported, duration)
		}
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// caller extracts the authenticated user ID or writes a 401.
func (a *API) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing "+userHeader)
		return "", false
	}
	return userID, true
}

// isParticipant loads the match and checks membership, writing the error
// response on failure.
func (a *API) isParticipant(w http.ResponseWriter, r *http.Request, matchID, userID string) bool {
	m, err := a.lifecycle.Get(r.Context(), matchID)
	if err != nil {
		a.writeDomainError(w, err)
		return false
	}
	if !m.IsParticipant(userID) {
		writeError(w, http.StatusForbidden, "not a participant")
		return false
	}
	return true
}

// allow applies a rate limit rule, failing open when no limiter is wired.
func (a *API) allow(w http.ResponseWriter, r *http.Request, userID string, rule ratelimit.Rule) bool {
	if a.limiter == nil {
		return true
	}
	ok, _ := a.limiter.Allow(r.Context(), userID, rule)
	if !ok {
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return false
	}
	return true
}

// writeDomainError maps sentinel errors to HTTP status codes.
func (a *API) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, match.ErrNotFound), errors.Is(err, message.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, match.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "not allowed")
	case errors.Is(err, match.ErrIllegalTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Printf("[api] internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
