// Package main implements a standalone end-to-end integration test for the
// Kindred match verification hub. It validates the full user journey against
// a running Docker Compose stack: health checks, WebSocket connect, mutual
// likes over REST, the verification room flow, chat messaging, read receipts,
// unmatch, rate limiting, and content filtering.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/kindred/dating-app/loadtest/client"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

// scenarioResult holds the outcome of a single test scenario.
type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// userA and userB are the pair driven through the whole journey. A fresh run
// against a clean stack is assumed; rerunning against the same Redis will hit
// the already-matched guard on the like scenario.
var (
	runID = fmt.Sprintf("%d", time.Now().Unix())
	userA = "e2e-a-" + runID
	userB = "e2e-b-" + runID
)

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP API base URL")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== Kindred E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	rest := client.NewREST(*apiBase)

	var results []scenarioResult

	// Run scenarios sequentially.
	results = append(results, scenario1HealthCheck(ctx, *apiBase))
	results = append(results, scenario2ConnectAck(ctx, *wsURL))

	// Scenario 3 creates the match the later scenarios drive.
	s3, matchID := scenario3MutualLike(ctx, rest)
	results = append(results, s3)

	if matchID != "" {
		// Scenarios 4-6 share connected clients; run them as a group.
		s4, s5, s6 := scenario456VerifyChatUnmatch(ctx, *wsURL, rest, matchID)
		results = append(results, s4, s5, s6)
	} else {
		results = append(results,
			scenarioResult{"Scenario 4: Verification Room", resultFail, "skipped: matching failed"},
			scenarioResult{"Scenario 5: Chat Messages", resultFail, "skipped: matching failed"},
			scenarioResult{"Scenario 6: Unmatch", resultFail, "skipped: matching failed"})
	}

	// Optional scenarios (non-fatal).
	results = append(results, scenario7RateLimiting(ctx, *wsURL, rest))
	results = append(results, scenario8ContentFiltering(ctx, *wsURL, rest))

	// -----------------------------------------------------------------------
	// Summary
	// -----------------------------------------------------------------------
	fmt.Println()
	passed := 0
	failed := 0
	info := 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	requiredTotal := passed + failed
	fmt.Printf("\n=== Results: %d/%d passed", passed, requiredTotal)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Scenario 1: Health Check
// ---------------------------------------------------------------------------

func scenario1HealthCheck(ctx context.Context, apiBase string) scenarioResult {
	name := "Scenario 1: Health Check"

	// 1a. /health
	if err := httpGetExpectOK(ctx, apiBase+"/health"); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health: %v", err)}
	}

	// 1b. /metrics — expect Prometheus text with the hub's gauges.
	metricsBody, err := httpGetBody(ctx, apiBase+"/metrics")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/metrics: %v", err)}
	}
	if !strings.Contains(string(metricsBody), "kindred_connected_users") {
		return scenarioResult{name, resultFail, "/metrics: missing kindred_connected_users"}
	}

	return scenarioResult{name, resultPass, ""}
}

// ---------------------------------------------------------------------------
// Scenario 2: Connect and Ack
// ---------------------------------------------------------------------------

func scenario2ConnectAck(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 2: Connect and Ack"

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	clientA, err := client.New(connCtx, wsURL, userA, "e2e")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client A connect: %v", err)}
	}
	defer clientA.Close()

	clientB, err := client.New(connCtx, wsURL, userB, "e2e")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client B connect: %v", err)}
	}
	defer clientB.Close()

	if err := clientA.WaitForConnected(connCtx); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client A ack: %v", err)}
	}
	if err := clientB.WaitForConnected(connCtx); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client B ack: %v", err)}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("user_a=%s, user_b=%s", userA, userB)}
}

// ---------------------------------------------------------------------------
// Scenario 3: Mutual Like
// ---------------------------------------------------------------------------

func scenario3MutualLike(ctx context.Context, rest *client.REST) (scenarioResult, string) {
	name := "Scenario 3: Mutual Like"

	m, err := rest.Like(ctx, userA, userB)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("like A->B: %v", err)}, ""
	}
	if m.Status != "pending" {
		return scenarioResult{name, resultFail, fmt.Sprintf("after one like status=%s, want pending", m.Status)}, ""
	}

	m, err = rest.Like(ctx, userB, userA)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("like B->A: %v", err)}, ""
	}
	if m.Status != "pending_verification" {
		return scenarioResult{name, resultFail, fmt.Sprintf("after mutual like status=%s, want pending_verification", m.Status)}, ""
	}

	return scenarioResult{name, resultPass, "match_id=" + truncateID(m.ID)}, m.ID
}

// ---------------------------------------------------------------------------
// Scenarios 4, 5, 6: Verification Room, Chat Messages, Unmatch
// ---------------------------------------------------------------------------

func scenario456VerifyChatUnmatch(ctx context.Context, wsURL string, rest *client.REST, matchID string) (scenarioResult, scenarioResult, scenarioResult) {
	s4Name := "Scenario 4: Verification Room"
	s5Name := "Scenario 5: Chat Messages"
	s6Name := "Scenario 6: Unmatch"

	failAll := func(reason string) (scenarioResult, scenarioResult, scenarioResult) {
		return scenarioResult{s4Name, resultFail, reason},
			scenarioResult{s5Name, resultFail, "skipped: verification failed"},
			scenarioResult{s6Name, resultFail, "skipped: verification failed"}
	}

	// --- Connect both participants ---
	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	clientA, err := client.New(connCtx, wsURL, userA, "e2e")
	if err != nil {
		return failAll(fmt.Sprintf("client A connect: %v", err))
	}
	defer clientA.Close()

	clientB, err := client.New(connCtx, wsURL, userB, "e2e")
	if err != nil {
		return failAll(fmt.Sprintf("client B connect: %v", err))
	}
	defer clientB.Close()

	if err := clientA.WaitForConnected(connCtx); err != nil {
		return failAll(fmt.Sprintf("client A ack: %v", err))
	}
	if err := clientB.WaitForConnected(connCtx); err != nil {
		return failAll(fmt.Sprintf("client B ack: %v", err))
	}

	// --- Scenario 4: Verification Room ---
	if _, err := rest.ScheduleVerification(ctx, userA, matchID, time.Now().Add(time.Hour)); err != nil {
		return failAll(fmt.Sprintf("schedule: %v", err))
	}

	statusA := make(chan string, 4)
	statusB := make(chan string, 4)
	signalA := make(chan string, 4) // carries the relayed signal type
	signalB := make(chan string, 4)
	completedA := make(chan struct{}, 1)
	completedB := make(chan struct{}, 1)

	onStatus := func(ch chan string) func(json.RawMessage) {
		return func(raw json.RawMessage) {
			var msg struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(raw, &msg); err == nil {
				select {
				case ch <- msg.Status:
				default:
				}
			}
		}
	}
	onSignal := func(ch chan string) func(json.RawMessage) {
		return func(raw json.RawMessage) {
			var msg struct {
				Signal struct {
					Type string `json:"type"`
				} `json:"signal"`
			}
			if err := json.Unmarshal(raw, &msg); err == nil {
				select {
				case ch <- msg.Signal.Type:
				default:
				}
			}
		}
	}

	clientA.On(client.TypeRoomStatus, onStatus(statusA))
	clientB.On(client.TypeRoomStatus, onStatus(statusB))
	clientA.On(client.TypeSignal, onSignal(signalA))
	clientB.On(client.TypeSignal, onSignal(signalB))
	clientA.On(client.TypeCompleted, func(json.RawMessage) {
		select {
		case completedA <- struct{}{}:
		default:
		}
	})
	clientB.On(client.TypeCompleted, func(json.RawMessage) {
		select {
		case completedB <- struct{}{}:
		default:
		}
	})

	verifyStart := time.Now()
	roomCtx, roomCancel := context.WithTimeout(ctx, 15*time.Second)
	defer roomCancel()

	join := map[string]string{"type": client.TypeJoin, "match_id": matchID}
	if err := clientA.Send(join); err != nil {
		return failAll(fmt.Sprintf("client A join: %v", err))
	}
	if err := clientB.Send(join); err != nil {
		return failAll(fmt.Sprintf("client B join: %v", err))
	}

	for side, ch := range map[string]chan string{"A": statusA, "B": statusB} {
		if err := drainUntil(roomCtx, ch, "active"); err != nil {
			return failAll(fmt.Sprintf("client %s room active: %v", side, err))
		}
	}

	// Offer from A, answer from B, both through the relay.
	if err := clientA.Send(map[string]interface{}{
		"type":     client.TypeSignal,
		"match_id": matchID,
		"signal":   map[string]interface{}{"type": "offer", "payload": map[string]string{"sdp": "v=0"}},
	}); err != nil {
		return failAll(fmt.Sprintf("client A offer: %v", err))
	}
	if err := drainUntil(roomCtx, signalB, "offer"); err != nil {
		return failAll(fmt.Sprintf("offer relay: %v", err))
	}
	if err := clientB.Send(map[string]interface{}{
		"type":     client.TypeSignal,
		"match_id": matchID,
		"signal":   map[string]interface{}{"type": "answer", "payload": map[string]string{"sdp": "v=0"}},
	}); err != nil {
		return failAll(fmt.Sprintf("client B answer: %v", err))
	}
	if err := drainUntil(roomCtx, signalA, "answer"); err != nil {
		return failAll(fmt.Sprintf("answer relay: %v", err))
	}

	verify := map[string]string{"type": client.TypeVerify, "match_id": matchID}
	if err := clientA.Send(verify); err != nil {
		return failAll(fmt.Sprintf("client A verify: %v", err))
	}
	if err := clientB.Send(verify); err != nil {
		return failAll(fmt.Sprintf("client B verify: %v", err))
	}

	for side, ch := range map[string]chan struct{}{"A": completedA, "B": completedB} {
		select {
		case <-ch:
		case <-roomCtx.Done():
			return failAll(fmt.Sprintf("client %s completed: %v", side, roomCtx.Err()))
		}
	}

	s4Result := scenarioResult{s4Name, resultPass,
		fmt.Sprintf("verify_time=%s", time.Since(verifyStart).Round(time.Millisecond))}

	// --- Scenario 5: Chat Messages ---
	msgAtB := make(chan string, 4) // message_id of messages B receives from A
	msgAtA := make(chan string, 4)
	readAckA := make(chan struct{}, 1)
	typingAtB := make(chan struct{}, 1)

	onNewMessage := func(self string, ch chan string) func(json.RawMessage) {
		return func(raw json.RawMessage) {
			var msg struct {
				MessageID string `json:"message_id"`
				SenderID  string `json:"sender_id"`
			}
			if err := json.Unmarshal(raw, &msg); err == nil && msg.SenderID != self {
				select {
				case ch <- msg.MessageID:
				default:
				}
			}
		}
	}
	clientA.On(client.TypeNewMessage, onNewMessage(userA, msgAtA))
	clientB.On(client.TypeNewMessage, onNewMessage(userB, msgAtB))
	clientA.On(client.TypeMessageRead, func(json.RawMessage) {
		select {
		case readAckA <- struct{}{}:
		default:
		}
	})
	clientB.On(client.TypeTyping, func(json.RawMessage) {
		select {
		case typingAtB <- struct{}{}:
		default:
		}
	})

	chatCtx, chatCancel := context.WithTimeout(ctx, 15*time.Second)
	defer chatCancel()

	// Typing indicator A -> B.
	if err := clientA.Send(map[string]string{"type": client.TypeTypingStart, "match_id": matchID}); err != nil {
		return s4Result, scenarioResult{s5Name, resultFail, fmt.Sprintf("typing:start: %v", err)},
			scenarioResult{s6Name, resultFail, "skipped: chat failed"}
	}
	select {
	case <-typingAtB:
	case <-chatCtx.Done():
		return s4Result, scenarioResult{s5Name, resultFail, "timeout waiting for typing indicator on B"},
			scenarioResult{s6Name, resultFail, "skipped: chat failed"}
	}

	// Message A -> B, then B -> A.
	if err := clientA.Send(map[string]string{
		"type": client.TypeSendMessage, "match_id": matchID, "content": "hello from A",
	}); err != nil {
		return s4Result, scenarioResult{s5Name, resultFail, fmt.Sprintf("A send: %v", err)},
			scenarioResult{s6Name, resultFail, "skipped: chat failed"}
	}
	var msgIDFromA string
	select {
	case msgIDFromA = <-msgAtB:
	case <-chatCtx.Done():
		return s4Result, scenarioResult{s5Name, resultFail, "timeout waiting for A's message on B"},
			scenarioResult{s6Name, resultFail, "skipped: chat failed"}
	}

	if err := clientB.Send(map[string]string{
		"type": client.TypeSendMessage, "match_id": matchID, "content": "hello from B",
	}); err != nil {
		return s4Result, scenarioResult{s5Name, resultFail, fmt.Sprintf("B send: %v", err)},
			scenarioResult{s6Name, resultFail, "skipped: chat failed"}
	}
	select {
	case <-msgAtA:
	case <-chatCtx.Done():
		return s4Result, scenarioResult{s5Name, resultFail, "timeout waiting for B's message on A"},
			scenarioResult{s6Name, resultFail, "skipped: chat failed"}
	}

	// Read receipt: B marks A's message read, A gets the ack.
	if err := clientB.Send(map[string]string{
		"type": client.TypeReadMessage, "message_id": msgIDFromA,
	}); err != nil {
		return s4Result, scenarioResult{s5Name, resultFail, fmt.Sprintf("B read: %v", err)},
			scenarioResult{s6Name, resultFail, "skipped: chat failed"}
	}
	select {
	case <-readAckA:
	case <-chatCtx.Done():
		return s4Result, scenarioResult{s5Name, resultFail, "timeout waiting for read receipt on A"},
			scenarioResult{s6Name, resultFail, "skipped: chat failed"}
	}

	s5Result := scenarioResult{s5Name, resultPass, ""}

	// --- Scenario 6: Unmatch ---
	if err := rest.Unmatch(ctx, userA, matchID); err != nil {
		return s4Result, s5Result, scenarioResult{s6Name, resultFail, fmt.Sprintf("unmatch: %v", err)}
	}

	// Chat must now be locked: a send should produce an error message, not a
	// message:new fan-out.
	errAtB := make(chan string, 1)
	clientB.On(client.TypeError, func(raw json.RawMessage) {
		var msg struct {
			Code string `json:"code"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil {
			select {
			case errAtB <- msg.Code:
			default:
			}
		}
	})
	if err := clientB.Send(map[string]string{
		"type": client.TypeSendMessage, "match_id": matchID, "content": "still there?",
	}); err != nil {
		return s4Result, s5Result, scenarioResult{s6Name, resultFail, fmt.Sprintf("B send after unmatch: %v", err)}
	}

	endCtx, endCancel := context.WithTimeout(ctx, 10*time.Second)
	defer endCancel()
	select {
	case code := <-errAtB:
		return s4Result, s5Result, scenarioResult{s6Name, resultPass, "send after unmatch rejected: " + code}
	case <-endCtx.Done():
		return s4Result, s5Result, scenarioResult{s6Name, resultFail, "no error for send after unmatch"}
	}
}

// ---------------------------------------------------------------------------
// Scenario 7: Rate Limiting (optional)
// ---------------------------------------------------------------------------

func scenario7RateLimiting(ctx context.Context, wsURL string, rest *client.REST) scenarioResult {
	name := "Scenario 7: Rate Limiting"

	u1 := "e2e-rl-a-" + runID
	u2 := "e2e-rl-b-" + runID

	if _, err := rest.Like(ctx, u1, u2); err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("setup like: %v", err)}
	}
	m, err := rest.Like(ctx, u2, u1)
	if err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("setup like back: %v", err)}
	}
	if _, err := rest.SkipVerification(ctx, u1, m.ID); err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("setup skip: %v", err)}
	}

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	c, err := client.New(connCtx, wsURL, u1, "e2e")
	if err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("connect: %v", err)}
	}
	defer c.Close()
	if err := c.WaitForConnected(connCtx); err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("ack: %v", err)}
	}

	limited := make(chan struct{}, 1)
	c.On(client.TypeRateLimited, func(json.RawMessage) {
		select {
		case limited <- struct{}{}:
		default:
		}
	})

	// Blast well past the per-user message budget.
	for i := 0; i < 20; i++ {
		_ = c.Send(map[string]string{
			"type": client.TypeSendMessage, "match_id": m.ID,
			"content": fmt.Sprintf("burst %d", i),
		})
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	select {
	case <-limited:
		return scenarioResult{name, resultPass, "rate_limited received"}
	case <-waitCtx.Done():
		return scenarioResult{name, resultInfo, "no rate_limited after 20 rapid messages"}
	}
}

// ---------------------------------------------------------------------------
// Scenario 8: Content Filtering (optional)
// ---------------------------------------------------------------------------

func scenario8ContentFiltering(ctx context.Context, wsURL string, rest *client.REST) scenarioResult {
	name := "Scenario 8: Content Filtering"

	u1 := "e2e-cf-a-" + runID
	u2 := "e2e-cf-b-" + runID

	if _, err := rest.Like(ctx, u1, u2); err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("setup like: %v", err)}
	}
	m, err := rest.Like(ctx, u2, u1)
	if err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("setup like back: %v", err)}
	}
	if _, err := rest.SkipVerification(ctx, u1, m.ID); err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("setup skip: %v", err)}
	}

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	c, err := client.New(connCtx, wsURL, u1, "e2e")
	if err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("connect: %v", err)}
	}
	defer c.Close()
	if err := c.WaitForConnected(connCtx); err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("ack: %v", err)}
	}

	blocked := make(chan string, 1)
	c.On(client.TypeError, func(raw json.RawMessage) {
		var msg struct {
			Code string `json:"code"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil {
			select {
			case blocked <- msg.Code:
			default:
			}
		}
	})

	// A spam pattern the moderation filter rejects.
	if err := c.Send(map[string]string{
		"type": client.TypeSendMessage, "match_id": m.ID,
		"content": "free bitcoin at http://spam.example now",
	}); err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("send: %v", err)}
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	select {
	case code := <-blocked:
		if code == "content_blocked" {
			return scenarioResult{name, resultPass, "blocked with " + code}
		}
		return scenarioResult{name, resultInfo, "rejected with unexpected code " + code}
	case <-waitCtx.Done():
		return scenarioResult{name, resultInfo, "blocked message was not rejected"}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// drainUntil reads values from ch until want shows up or the context expires.
func drainUntil(ctx context.Context, ch chan string, want string) error {
	for {
		select {
		case got := <-ch:
			if got == want {
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("waiting for %q: %w", want, ctx.Err())
		}
	}
}

// httpGetExpectOK performs a GET and returns an error unless the status is 200.
func httpGetExpectOK(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// httpGetBody performs a GET and returns the response body on status 200.
func httpGetBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// truncateID shortens long IDs for display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
