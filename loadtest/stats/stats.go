// Package stats aggregates latency series and event counts reported by many
// load test clients and prints percentile summaries.
package stats

import (
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"
	"time"
)

// Series names a latency distribution.
type Series string

const (
	// SeriesConnect is dial plus WebSocket handshake plus session frame.
	SeriesConnect Series = "connect"
	// SeriesTypingStart is typing-start sent until user-typing received.
	SeriesTypingStart Series = "typing-start delivery"
	// SeriesTypingStop is typing-stop sent until user-stopped-typing received.
	SeriesTypingStop Series = "typing-stop delivery"
)

// Counter names an event tally.
type Counter string

const (
	Connections Counter = "connections"
	Errors      Counter = "errors"
	RateLimited Counter = "rate limited"
	StopsSeen   Counter = "stops seen"
)

// reportOrder fixes the order series appear in; unknown series follow
// alphabetically.
var reportOrder = []Series{SeriesConnect, SeriesTypingStart, SeriesTypingStop}

// Summary describes one latency series.
type Summary struct {
	N   int
	Avg time.Duration
	P50 time.Duration
	P95 time.Duration
	P99 time.Duration
	Max time.Duration
	Min time.Duration
}

// Collector is safe for concurrent use by many client goroutines.
type Collector struct {
	mu        sync.Mutex
	series    map[Series][]time.Duration
	counters  map[Counter]int
	startTime time.Time
}

// NewCollector creates a new Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{
		series:    make(map[Series][]time.Duration),
		counters:  make(map[Counter]int),
		startTime: time.Now(),
	}
}

// Observe appends d to the named series.
func (c *Collector) Observe(s Series, d time.Duration) {
	c.mu.Lock()
	c.series[s] = append(c.series[s], d)
	c.mu.Unlock()
}

// Inc bumps a counter by one.
func (c *Collector) Inc(k Counter) {
	c.mu.Lock()
	c.counters[k]++
	c.mu.Unlock()
}

// Count returns the current value of a counter.
func (c *Collector) Count(k Counter) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[k]
}

// AddConnect records a successful connection and its latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.series[SeriesConnect] = append(c.series[SeriesConnect], d)
	c.counters[Connections]++
	c.mu.Unlock()
}

// Summarize computes the distribution of one series. ok is false when the
// series has no samples.
func (c *Collector) Summarize(s Series) (Summary, bool) {
	c.mu.Lock()
	samples := append([]time.Duration(nil), c.series[s]...)
	c.mu.Unlock()
	if len(samples) == 0 {
		return Summary{}, false
	}
	return summarize(samples), true
}

func summarize(samples []time.Duration) Summary {
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	var total time.Duration
	for _, d := range samples {
		total += d
	}
	n := len(samples)
	return Summary{
		N:   n,
		Avg: total / time.Duration(n),
		P50: rank(samples, 0.50),
		P95: rank(samples, 0.95),
		P99: rank(samples, 0.99),
		Min: samples[0],
		Max: samples[n-1],
	}
}

// rank is the nearest-rank percentile of sorted samples.
func rank(sorted []time.Duration, p float64) time.Duration {
	i := int(math.Ceil(float64(len(sorted))*p)) - 1
	if i < 0 {
		i = 0
	}
	return sorted[i]
}

// Report prints the summary to stdout.
func (c *Collector) Report() {
	c.WriteReport(os.Stdout)
}

// WriteReport prints counters, the error rate and every non-empty series.
func (c *Collector) WriteReport(w io.Writer) {
	c.mu.Lock()
	elapsed := time.Since(c.startTime)
	counters := make(map[Counter]int, len(c.counters))
	for k, v := range c.counters {
		counters[k] = v
	}
	names := orderedSeries(c.series)
	c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", counters[Connections])
	fmt.Fprintf(w, "Errors:       %d\n", counters[Errors])
	if conns := counters[Connections]; conns > 0 {
		fmt.Fprintf(w, "Error rate:   %.2f%%\n", float64(counters[Errors])/float64(conns)*100)
	}
	for _, k := range []Counter{RateLimited, StopsSeen} {
		if v := counters[k]; v > 0 {
			fmt.Fprintf(w, "%-13s %d\n", string(k)+":", v)
		}
	}

	for _, s := range names {
		sum, ok := c.Summarize(s)
		if !ok {
			continue
		}
		fmt.Fprintf(w, "\n--- %s latency ---\n", s)
		fmt.Fprintf(w, "  min: %v  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
			sum.Min.Round(time.Microsecond),
			sum.Avg.Round(time.Microsecond),
			sum.P50.Round(time.Microsecond),
			sum.P95.Round(time.Microsecond),
			sum.P99.Round(time.Microsecond),
			sum.Max.Round(time.Microsecond),
			sum.N,
		)
	}
	fmt.Fprintln(w)
}

func orderedSeries(m map[Series][]time.Duration) []Series {
	out := make([]Series, 0, len(m))
	known := make(map[Series]bool, len(reportOrder))
	for _, s := range reportOrder {
		known[s] = true
		if len(m[s]) > 0 {
			out = append(out, s)
		}
	}
	var rest []Series
	for s, samples := range m {
		if !known[s] && len(samples) > 0 {
			rest = append(rest, s)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	return append(out, rest...)
}
