package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/chatwave/chatrt/loadtest/stats"
)

// runSaturate opens many idle users over a ramp, holds them and reports how
// many the server dropped. Every connect triggers a roster broadcast to all
// users already online, so this also measures broadcast fan-out.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	connections := fs.Int("connections", 1000, "Number of users to connect")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all users are connected")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous dials during ramp-up")
	prefix := fs.String("prefix", "sat", "User id prefix")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d users to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	interval := *rampUp / time.Duration(*connections)
	if interval <= 0 {
		interval = time.Millisecond
	}

	fmt.Println("\n--- Ramp-up phase ---")
	rampStart := time.Now()
	clients := connectAll(ctx, *url, *prefix, *connections, *concurrency, interval, collector)
	fmt.Printf("Ramp-up complete: %d/%d users in %s (%d errors)\n",
		collector.Count(stats.Connections), *connections,
		time.Since(rampStart).Round(time.Millisecond), collector.Count(stats.Errors))

	if ctx.Err() == nil {
		fmt.Println("\n--- Hold phase ---")
		holdTimer := time.NewTimer(*hold)
		statusTicker := time.NewTicker(5 * time.Second)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				break holdLoop
			case <-statusTicker.C:
				alive, total := 0, 0
				var rosters int64
				for _, c := range clients {
					if c == nil {
						continue
					}
					total++
					if c.Alive() {
						alive++
					}
					rosters += c.GetMetrics().Rosters
				}
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d  rosters received: %d\n",
					alive, total, total-alive, rosters)
			}
		}
		holdTimer.Stop()
		statusTicker.Stop()
	}

	fmt.Println("\n--- Cleanup ---")
	closeAll(clients)
	collector.Report()
}
