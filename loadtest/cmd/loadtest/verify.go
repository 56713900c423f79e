package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kindred/dating-app/loadtest/client"
	"github.com/kindred/dating-app/loadtest/stats"
)

// verifyResult tracks the outcome of a single pair's verification session.
type verifyResult struct {
	roomActive    bool
	signalsOK     bool
	verified      bool
	verifyLatency time.Duration
}

// runVerify implements the verification flow load test. Each pair is matched
// and scheduled over the REST API, then both users connect to the hub, join
// the verification room, exchange an offer/answer signal round, and confirm.
// The measured latency covers the whole room flow from first join to the
// completed notification.
func runVerify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := fs.String("api", "http://localhost:8080", "HTTP API base URL")
	pairs := fs.Int("pairs", 100, "Number of user pairs")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous pair setups and connections")
	roomTimeout := fs.Duration("room-timeout", 30*time.Second, "Timeout for one pair's room flow")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	userPrefix := fs.String("user-prefix", "lt-verify", "Prefix for generated user IDs")
	token := fs.String("token", "loadtest", "Auth token passed on connect")
	fs.Parse(args)

	fmt.Printf("Verify test: %d pairs to %s (concurrency=%d, room-timeout=%s)\n",
		*pairs, *url, *concurrency, *roomTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// -----------------------------------------------------------------------
	// Phase 1 — Match and schedule all pairs over the REST API
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Match and schedule pairs via REST ---")

	rest := client.NewREST(*apiBase)
	scheduled := setupVerifyPairs(ctx, rest, *pairs, *userPrefix, *concurrency, collector)

	fmt.Printf("\nPhase 1 complete: %d/%d pairs scheduled (%d errors)\n",
		len(scheduled), *pairs, collector.ErrorCount())

	if len(scheduled) == 0 {
		fmt.Println("No pairs could be scheduled — aborting.")
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2 — Run the room flow per pair
	// -----------------------------------------------------------------------
	fmt.Printf("\n--- Phase 2: Running %d verification rooms ---\n", len(scheduled))

	var completedCount atomic.Int64
	var errorCount atomic.Int64
	results := make([]verifyResult, len(scheduled))

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [verify] completed: %d/%d  errors: %d\n",
					completedCount.Load(), len(scheduled), errorCount.Load())
			case <-progressStop:
				return
			}
		}
	}()

	// Each pair connects, runs its room, and disconnects. The semaphore
	// bounds how many rooms are live at once.
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	flowStart := time.Now()

	for i, p := range scheduled {
		select {
		case <-ctx.Done():
		case sem <- struct{}{}:
			i, p := i, p
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				defer completedCount.Add(1)

				pairCtx, cancel := context.WithTimeout(ctx, *roomTimeout)
				defer cancel()

				if err := runRoomFlow(pairCtx, *url, *token, p, collector, &results[i]); err != nil {
					errorCount.Add(1)
					collector.AddError()
				}
			}()
		}
		if ctx.Err() != nil {
			break
		}
	}

	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	flowElapsed := time.Since(flowStart)

	// -----------------------------------------------------------------------
	// Final report
	// -----------------------------------------------------------------------
	var active, signalled, verified int
	var totalLatency time.Duration
	for _, r := range results {
		if r.roomActive {
			active++
		}
		if r.signalsOK {
			signalled++
		}
		if r.verified {
			verified++
			totalLatency += r.verifyLatency
		}
	}

	fmt.Printf("\n--- Verify Results ---\n")
	fmt.Printf("Rooms active:       %d / %d\n", active, len(scheduled))
	fmt.Printf("Signal round done:  %d / %d\n", signalled, len(scheduled))
	fmt.Printf("Verified:           %d / %d\n", verified, len(scheduled))
	fmt.Printf("Total duration:     %s\n", flowElapsed.Round(time.Millisecond))
	if verified > 0 {
		fmt.Printf("Avg verify latency: %s\n", (totalLatency / time.Duration(verified)).Round(time.Millisecond))
	}

	scraper.Stop()
	collector.Report()
}

// setupVerifyPairs matches each pair via mutual likes and books a
// verification slot for them. The slot time only has to be in the future for
// the room to accept joins.
func setupVerifyPairs(ctx context.Context, rest *client.REST, pairs int, userPrefix string, concurrency int, collector *stats.Collector) []chatPair {
	var mu sync.Mutex
	scheduled := make([]chatPair, 0, pairs)

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	slot := time.Now().Add(1 * time.Hour)

	for i := 0; i < pairs; i++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			return scheduled
		case sem <- struct{}{}:
		}

		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			u1 := fmt.Sprintf("%s-a-%d", userPrefix, i)
			u2 := fmt.Sprintf("%s-b-%d", userPrefix, i)

			if _, err := rest.Like(ctx, u1, u2); err != nil {
				collector.AddError()
				return
			}
			m, err := rest.Like(ctx, u2, u1)
			if err != nil {
				collector.AddError()
				return
			}
			if _, err := rest.ScheduleVerification(ctx, u1, m.ID, slot); err != nil {
				collector.AddError()
				return
			}

			mu.Lock()
			scheduled = append(scheduled, chatPair{user1: u1, user2: u2, matchID: m.ID})
			mu.Unlock()
		}()
	}

	wg.Wait()
	return scheduled
}

// runRoomFlow drives one pair through its verification room: connect both
// users, join, exchange an offer/answer signal round, and confirm from both
// sides. It records the time from the first join to the completed event.
func runRoomFlow(ctx context.Context, url, token string, p chatPair, collector *stats.Collector, result *verifyResult) error {
	c1, err := client.New(ctx, url, p.user1, token)
	if err != nil {
		return fmt.Errorf("connect %s: %w", p.user1, err)
	}
	defer c1.Close()
	c2, err := client.New(ctx, url, p.user2, token)
	if err != nil {
		return fmt.Errorf("connect %s: %w", p.user2, err)
	}
	defer c2.Close()

	if err := c1.WaitForConnected(ctx); err != nil {
		return fmt.Errorf("ack %s: %w", p.user1, err)
	}
	if err := c2.WaitForConnected(ctx); err != nil {
		return fmt.Errorf("ack %s: %w", p.user2, err)
	}
	collector.AddConnect(c1.GetMetrics().ConnectLatency)
	collector.AddConnect(c2.GetMetrics().ConnectLatency)

	// Channels fed by the read loops. Buffered so slow consumption never
	// blocks message dispatch.
	c1Status := make(chan string, 4)
	c2Status := make(chan string, 4)
	c1Signal := make(chan json.RawMessage, 4)
	c2Signal := make(chan json.RawMessage, 4)
	c1Done := make(chan struct{}, 1)
	c2Done := make(chan struct{}, 1)

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
	onDone := func(ch chan struct{}) func(json.RawMessage) {
		return func(json.RawMessage) {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
	onSignal := func(ch chan json.RawMessage) func(json.RawMessage) {
		return func(raw json.RawMessage) {
			select {
			case ch <- raw:
			default:
			}
		}
	}

	c1.On(client.TypeRoomStatus, onStatus(c1Status))
	c2.On(client.TypeRoomStatus, onStatus(c2Status))
	c1.On(client.TypeSignal, onSignal(c1Signal))
	c2.On(client.TypeSignal, onSignal(c2Signal))
	c1.On(client.TypeCompleted, onDone(c1Done))
	c2.On(client.TypeCompleted, onDone(c2Done))

	start := time.Now()

	// Both join; wait until both see the room go active.
	join := map[string]string{"type": client.TypeJoin, "match_id": p.matchID}
	if err := c1.Send(join); err != nil {
		return fmt.Errorf("join %s: %w", p.user1, err)
	}
	if err := c2.Send(join); err != nil {
		return fmt.Errorf("join %s: %w", p.user2, err)
	}
	for _, ch := range []chan string{c1Status, c2Status} {
		if err := waitForStatus(ctx, ch, "active"); err != nil {
			return err
		}
	}
	result.roomActive = true

	// One offer/answer signal round through the relay.
	if err := c1.Send(map[string]interface{}{
		"type":     client.TypeSignal,
		"match_id": p.matchID,
		"signal":   map[string]interface{}{"type": "offer", "payload": map[string]string{"sdp": "v=0"}},
	}); err != nil {
		return fmt.Errorf("offer %s: %w", p.user1, err)
	}
	select {
	case <-c2Signal:
	case <-ctx.Done():
		return fmt.Errorf("offer relay: %w", ctx.Err())
	}
	if err := c2.Send(map[string]interface{}{
		"type":     client.TypeSignal,
		"match_id": p.matchID,
		"signal":   map[string]interface{}{"type": "answer", "payload": map[string]string{"sdp": "v=0"}},
	}); err != nil {
		return fmt.Errorf("answer %s: %w", p.user2, err)
	}
	select {
	case <-c1Signal:
	case <-ctx.Done():
		return fmt.Errorf("answer relay: %w", ctx.Err())
	}
	result.signalsOK = true

	// Both confirm; wait for the completed event on both sides.
	verify := map[string]string{"type": client.TypeVerify, "match_id": p.matchID}
	if err := c1.Send(verify); err != nil {
		return fmt.Errorf("verify %s: %w", p.user1, err)
	}
	if err := c2.Send(verify); err != nil {
		return fmt.Errorf("verify %s: %w", p.user2, err)
	}
	for _, ch := range []chan struct{}{c1Done, c2Done} {
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("completed: %w", ctx.Err())
		}
	}

	result.verified = true
	result.verifyLatency = time.Since(start)
	collector.AddMsgLatency(result.verifyLatency)
	return nil
}

// waitForStatus drains room status snapshots until the wanted status shows
// up or the context expires.
func waitForStatus(ctx context.Context, ch chan string, want string) error {
	for {
		select {
		case status := <-ch:
			if status == want {
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("waiting for room %s: %w", want, ctx.Err())
		}
	}
}
