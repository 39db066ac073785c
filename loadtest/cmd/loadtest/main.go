// Command loadtest drives the realtime server with simulated users.
//
//	loadtest saturate  open N idle users and hold them
//	loadtest typing    pairs of users exchanging typing indicators
package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/chatwave/chatrt/loadtest/client"
	"github.com/chatwave/chatrt/loadtest/stats"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "typing":
		runTyping(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    open N idle users, hold them, report drops")
	fmt.Println("  typing      pairs of users send typing indicators, report delivery latency")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

// connectAll opens n users named prefix-0..n-1, launching one every interval
// with at most concurrency dials in flight. Failed users are nil in the
// result.
func connectAll(ctx context.Context, url, prefix string, n, concurrency int, interval time.Duration, collector *stats.Collector) []*client.Client {
	clients := make([]*client.Client, n)
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			return clients
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := client.New(connCtx, url, fmt.Sprintf("%s-%d", prefix, i))
			if err != nil {
				collector.Inc(stats.Errors)
				return
			}
			if err := c.WaitConnected(connCtx); err != nil {
				collector.Inc(stats.Errors)
				c.Close()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)
			clients[i] = c
		}(i)
	}
	wg.Wait()
	return clients
}

func closeAll(clients []*client.Client) {
	for _, c := range clients {
		if c != nil {
			c.Close()
		}
	}
}
