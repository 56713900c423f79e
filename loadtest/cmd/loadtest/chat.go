package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kindred/dating-app/loadtest/client"
	"github.com/kindred/dating-app/loadtest/stats"
)

// pairResult tracks the outcome of a single chat pair's lifecycle.
type pairResult struct {
	matched      bool
	chatStarted  bool
	msgSent      int64
	msgRecv      int64
	endedCleanly bool
}

// chatPair holds one matched pair ready to chat: two user IDs and the match
// the REST setup created for them.
type chatPair struct {
	user1   string
	user2   string
	matchID string
}

// runChat implements the matched-pair messaging load test. Each simulated
// pair is first matched over the REST API (mutual like, then skip
// verification), then both users connect to the hub and exchange messages
// for the chat duration. Message latency is measured as the time from a
// client's send to the arrival of its own fan-out copy.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := fs.String("api", "http://localhost:8080", "HTTP API base URL")
	pairs := fs.Int("pairs", 100, "Number of matched user pairs")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	userPrefix := fs.String("user-prefix", "lt-chat", "Prefix for generated user IDs")
	token := fs.String("token", "loadtest", "Auth token passed on connect")
	fs.Parse(args)

	totalClients := *pairs * 2

	fmt.Printf("Chat test: %d pairs (%d clients) to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d, concurrency=%d)\n",
		*pairs, totalClients, *url, *rampUp, *chatDuration, *msgInterval, *msgSize, *concurrency)

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	// Set up metrics scraper.
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// -----------------------------------------------------------------------
	// Phase 1 — Match all pairs over the REST API
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Match pairs via REST ---")

	rest := client.NewREST(*apiBase)
	matched := setupPairs(ctx, rest, *pairs, *userPrefix, *concurrency, collector)

	fmt.Printf("\nPhase 1 complete: %d/%d pairs matched (%d errors)\n",
		len(matched), *pairs, collector.ErrorCount())

	if len(matched) == 0 {
		fmt.Println("No pairs could be matched — aborting.")
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2 — Connect all users
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 2: Connect all users ---")

	var mu sync.Mutex
	conns := make(map[string]*client.Client, len(matched)*2)
	interrupted := false

	interval := *rampUp / time.Duration(len(matched)*2)
	if interval <= 0 {
		interval = time.Millisecond
	}

	// Semaphore to bound concurrent connection attempts.
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	// Flatten pair members into one connect queue.
	users := make([]string, 0, len(matched)*2)
	for _, p := range matched {
		users = append(users, p.user1, p.user2)
	}

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)

	launched := 0
	for launched < len(users) {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during connection phase.")
			interrupted = true
			launched = len(users) // Break the loop.
		case <-rampTicker.C:
			userID := users[launched]
			launched++
			wg.Add(1)
			sem <- struct{}{} // Acquire semaphore slot.

			go func() {
				defer wg.Done()
				defer func() { <-sem }() // Release semaphore slot.

				connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
				defer connCancel()

				c, err := client.New(connCtx, *url, userID, *token)
				if err != nil {
					collector.AddError()
					return
				}

				if err := c.WaitForConnected(connCtx); err != nil {
					collector.AddError()
					c.Close()
					return
				}

				m := c.GetMetrics()
				collector.AddConnect(m.ConnectLatency)

				mu.Lock()
				conns[userID] = c
				mu.Unlock()
			}()
		}
	}

	rampTicker.Stop()
	wg.Wait()

	rampElapsed := time.Since(rampStart)
	mu.Lock()
	connectedCount := len(conns)
	mu.Unlock()
	fmt.Printf("\nPhase 2 complete: %d/%d connections in %s (%d errors)\n",
		connectedCount, len(users),
		rampElapsed.Round(time.Millisecond), collector.ErrorCount())

	if interrupted {
		fmt.Println("Interrupted — skipping chat phase.")
		cleanup(conns, &mu)
		scraper.Stop()
		collector.Report()
		return
	}

	// Keep only pairs where both members connected.
	runnable := matched[:0]
	mu.Lock()
	for _, p := range matched {
		if conns[p.user1] != nil && conns[p.user2] != nil {
			runnable = append(runnable, p)
		}
	}
	mu.Unlock()

	if len(runnable) == 0 {
		fmt.Println("No pairs have both members connected — aborting.")
		cleanup(conns, &mu)
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 3 — Chat
	// -----------------------------------------------------------------------
	fmt.Printf("\n--- Phase 3: Running %d chat pairs ---\n", len(runnable))

	// Global atomic counters for progress reporting.
	var totalMsgSent atomic.Int64
	var totalMsgRecv atomic.Int64
	var activePairCount atomic.Int64
	var completedPairs atomic.Int64
	var errorCount atomic.Int64

	// Collect results from each pair.
	results := make([]pairResult, len(runnable))

	// Generate message payload once (reused by all pairs).
	msgPayload := strings.Repeat("abcdefgh", (*msgSize/8)+1)
	msgPayload = msgPayload[:*msgSize]

	// Progress reporting every 5 seconds.
	chatProgressStop := make(chan struct{})
	var chatProgressWg sync.WaitGroup
	chatProgressWg.Add(1)
	go func() {
		defer chatProgressWg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [chat] active: %d  completed: %d/%d  sent: %d  recv: %d  errors: %d\n",
					activePairCount.Load(), completedPairs.Load(), len(runnable),
					totalMsgSent.Load(), totalMsgRecv.Load(), errorCount.Load())
			case <-chatProgressStop:
				return
			}
		}
	}()

	chatStart := time.Now()

	var pairWg sync.WaitGroup
	for i, p := range runnable {
		i, p := i, p
		mu.Lock()
		c1, c2 := conns[p.user1], conns[p.user2]
		mu.Unlock()

		pairWg.Add(1)
		go func() {
			defer pairWg.Done()

			// Stagger pair starts by 50ms to avoid a thundering herd.
			stagger := time.Duration(i) * 50 * time.Millisecond
			select {
			case <-time.After(stagger):
			case <-ctx.Done():
				return
			}

			runPair(ctx, c1, c2, p.matchID, *chatDuration, *msgInterval,
				msgPayload, collector, &results[i],
				&totalMsgSent, &totalMsgRecv, &activePairCount, &completedPairs, &errorCount)
		}()
	}

	// Wait for all pairs to complete.
	allDone := make(chan struct{})
	go func() {
		pairWg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
		// All pairs finished.
	case <-ctx.Done():
		fmt.Println("\nInterrupted — waiting for pairs to wind down...")
		<-allDone
	}

	close(chatProgressStop)
	chatProgressWg.Wait()

	chatElapsed := time.Since(chatStart)

	// -----------------------------------------------------------------------
	// Final report
	// -----------------------------------------------------------------------
	var successfulChats int
	var totalSent, totalRecv int64

	for _, r := range results {
		if r.endedCleanly {
			successfulChats++
		}
		totalSent += r.msgSent
		totalRecv += r.msgRecv
	}

	fmt.Printf("\n--- Chat Results ---\n")
	fmt.Printf("Successful chats:  %d / %d\n", successfulChats, len(runnable))
	fmt.Printf("Total msg sent:    %d\n", totalSent)
	fmt.Printf("Total msg recv:    %d\n", totalRecv)
	fmt.Printf("Chat duration:     %s\n", chatElapsed.Round(time.Millisecond))
	if chatElapsed.Seconds() > 0 && totalSent > 0 {
		fmt.Printf("Msg throughput:    %.1f msg/s\n", float64(totalSent)/chatElapsed.Seconds())
	}

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	cleanup(conns, &mu)
	scraper.Stop()
	collector.Report()
}

// setupPairs drives the REST API to create matched pairs: user A likes user
// B, B likes back, and one side skips verification so the pair can chat.
// It returns the pairs that completed the whole flow.
func setupPairs(ctx context.Context, rest *client.REST, pairs int, userPrefix string, concurrency int, collector *stats.Collector) []chatPair {
	var mu sync.Mutex
	matched := make([]chatPair, 0, pairs)

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i := 0; i < pairs; i++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			return matched
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
			if _, err := rest.SkipVerification(ctx, u1, m.ID); err != nil {
				collector.AddError()
				return
			}

			mu.Lock()
			matched = append(matched, chatPair{user1: u1, user2: u2, matchID: m.ID})
			mu.Unlock()
		}()
	}

	wg.Wait()
	return matched
}

// runPair executes the messaging flow for one matched pair: both sides send
// messages on a ticker for the chat duration, then one side marks the last
// received message read and the sender waits for the read receipt.
func runPair(
	ctx context.Context,
	c1, c2 *client.Client,
	matchID string,
	chatDuration, msgInterval time.Duration,
	msgPayload string,
	collector *stats.Collector,
	result *pairResult,
	totalMsgSent, totalMsgRecv, activePairCount, completedPairs, errorCount *atomic.Int64,
) {
	defer completedPairs.Add(1)

	result.matched = true

	// Per-client send timestamps for echo latency measurement: the hub fans
	// each message out to both participants, so a client's own copy coming
	// back measures the full hub round trip.
	var c1LastSend atomic.Int64
	var c2LastSend atomic.Int64
	var pairRecv atomic.Int64

	// c2 remembers the last message c1 sent so it can mark it read later.
	var lastFromC1 atomic.Value // string message_id

	// c1 waits for the read receipt at the end.
	readAck := make(chan struct{}, 1)

	onNewMessage := func(self *client.Client, lastSend *atomic.Int64, remember bool) func(json.RawMessage) {
		return func(raw json.RawMessage) {
			totalMsgRecv.Add(1)
			pairRecv.Add(1)
			var msg struct {
				MessageID string `json:"message_id"`
				SenderID  string `json:"sender_id"`
			}
			if err := json.Unmarshal(raw, &msg); err != nil {
				return
			}
			if msg.SenderID == self.UserID() {
				if ts := lastSend.Load(); ts > 0 {
					collector.AddMsgLatency(time.Since(time.Unix(0, ts)))
				}
			} else if remember {
				lastFromC1.Store(msg.MessageID)
			}
		}
	}

	c1.On(client.TypeNewMessage, onNewMessage(c1, &c1LastSend, false))
	c2.On(client.TypeNewMessage, onNewMessage(c2, &c2LastSend, true))

	c1.On(client.TypeMessageRead, func(raw json.RawMessage) {
		select {
		case readAck <- struct{}{}:
		default:
		}
	})

	activePairCount.Add(1)
	defer activePairCount.Add(-1)
	result.chatStarted = true

	chatCtx, chatCancel := context.WithTimeout(ctx, chatDuration)
	defer chatCancel()

	var chatWg sync.WaitGroup
	send := func(c *client.Client, lastSend *atomic.Int64) {
		defer chatWg.Done()
		ticker := time.NewTicker(msgInterval)
		defer ticker.Stop()

		for {
			select {
			case <-chatCtx.Done():
				return
			case <-ticker.C:
				lastSend.Store(time.Now().UnixNano())
				if err := c.Send(map[string]string{
					"type":     client.TypeSendMessage,
					"match_id": matchID,
					"content":  msgPayload,
				}); err != nil {
					errorCount.Add(1)
					collector.AddError()
					return
				}
				totalMsgSent.Add(1)
				atomic.AddInt64(&result.msgSent, 1)
			}
		}
	}

	chatWg.Add(2)
	go send(c1, &c1LastSend)
	go send(c2, &c2LastSend)
	chatWg.Wait()

	// Count this pair's receives after the senders stop.
	result.msgRecv = pairRecv.Load()

	// Wind-down: c2 marks the last message from c1 as read, c1 waits for
	// the message:read:ack receipt.
	msgID, _ := lastFromC1.Load().(string)
	if msgID == "" {
		return
	}
	if err := c2.Send(map[string]string{
		"type":       client.TypeReadMessage,
		"message_id": msgID,
	}); err != nil {
		errorCount.Add(1)
		collector.AddError()
		return
	}

	endCtx, endCancel := context.WithTimeout(ctx, 5*time.Second)
	defer endCancel()

	select {
	case <-readAck:
		result.endedCleanly = true
	case <-endCtx.Done():
		errorCount.Add(1)
		collector.AddError()
	}
}

// cleanup closes every tracked connection.
func cleanup(conns map[string]*client.Client, mu *sync.Mutex) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Printf("Closing %d connections...\n", len(conns))
	for _, c := range conns {
		c.Close()
	}
}
