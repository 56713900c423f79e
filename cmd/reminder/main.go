// The reminder worker runs the verification reminder and deadline sweeps. It
// is a standalone process: one instance per deployment is enough, and hub
// servers receive its notifications over NATS.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/kindred/dating-app/internal/match"
	"github.com/kindred/dating-app/internal/messaging"
	"github.com/kindred/dating-app/internal/reminder"
)

func main() {
	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.Name = "kindred-reminder"
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	log.Printf("Kindred reminder worker starting")
	log.Printf("  redis_addr: %s", redisAddr)
	log.Printf("  nats_url:   %s", natsConfig.URL)

	// The worker re-books nothing, so the lifecycle runs without a scheduler.
	lifecycle := match.NewLifecycle(match.NewRedisStore(rdb), nil)
	sweeper := reminder.NewSweeper(rdb, lifecycle, &reminder.NATSNotifier{Client: natsClient})

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down...", sig)
		cancel()
	}()

	// Catch-up pass for anything that came due while the worker was down.
	sweeper.SweepOnce(ctx)
	sweeper.Start(ctx)

	natsClient.Close()
	if err := rdb.Close(); err != nil {
		log.Printf("redis close error: %v", err)
	}
}
