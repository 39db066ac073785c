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

	"github.com/chatwave/chatrt/loadtest/client"
	"github.com/chatwave/chatrt/loadtest/stats"
)

// runTyping connects pairs of users. Each sender renews typing-start to its
// partner every interval and the recipient measures how long the matching
// user-typing took to arrive. At the end every sender sends typing-stop and
// the recipient measures how long user-stopped-typing took to confirm it.
func runTyping(args []string) {
	fs := flag.NewFlagSet("typing", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of sender/recipient pairs")
	interval := fs.Duration("interval", time.Second, "typing-start renewal interval")
	duration := fs.Duration("duration", 30*time.Second, "Test duration")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous dials")
	fs.Parse(args)

	fmt.Printf("Typing test: %d pairs to %s (interval=%s, duration=%s)\n",
		*pairs, *url, *interval, *duration)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	fmt.Println("\n--- Connect phase ---")
	senders := connectAll(ctx, *url, "typer", *pairs, *concurrency, time.Millisecond, collector)
	recipients := connectAll(ctx, *url, "reader", *pairs, *concurrency, time.Millisecond, collector)
	defer closeAll(senders)
	defer closeAll(recipients)

	var wg sync.WaitGroup
	runCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	active := 0
	for i := 0; i < *pairs; i++ {
		sender, recipient := senders[i], recipients[i]
		if sender == nil || recipient == nil {
			continue
		}
		active++

		var sentAt, stopSentAt atomic.Int64
		recipient.On(client.TypeUserTyping, func(raw json.RawMessage) {
			if !fromUser(raw, sender.UserID()) {
				return
			}
			if ts := sentAt.Load(); ts > 0 {
				collector.Observe(stats.SeriesTypingStart, time.Since(time.Unix(0, ts)))
			}
		})
		recipient.On(client.TypeUserStoppedTyping, func(raw json.RawMessage) {
			if !fromUser(raw, sender.UserID()) {
				return
			}
			// Idle expiry also produces this event; only the explicit stop counts.
			ts := stopSentAt.Load()
			if ts > 0 && stopSentAt.CompareAndSwap(ts, 0) {
				collector.Observe(stats.SeriesTypingStop, time.Since(time.Unix(0, ts)))
				collector.Inc(stats.StopsSeen)
			}
		})
		sender.On(client.TypeRateLimited, func(json.RawMessage) {
			collector.Inc(stats.RateLimited)
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(*interval)
			defer ticker.Stop()
			for {
				sentAt.Store(time.Now().UnixNano())
				if err := sender.TypingStart(recipient.UserID()); err != nil {
					collector.Inc(stats.Errors)
					return
				}
				select {
				case <-runCtx.Done():
					stopSentAt.Store(time.Now().UnixNano())
					if err := sender.TypingStop(recipient.UserID()); err != nil {
						stopSentAt.Store(0)
						collector.Inc(stats.Errors)
					}
					return
				case <-ticker.C:
				}
			}
		}()
	}

	fmt.Printf("\n--- Typing phase: %d active pairs ---\n", active)
	wg.Wait()

	// Give the last stop events time to arrive.
	time.Sleep(time.Second)
	fmt.Printf("Stop confirmations received: %d/%d\n", collector.Count(stats.StopsSeen), active)

	collector.Report()
}

func fromUser(raw json.RawMessage, userID string) bool {
	var msg struct {
		UserID string `json:"userId"`
	}
	return json.Unmarshal(raw, &msg) == nil && msg.UserID == userID
}
