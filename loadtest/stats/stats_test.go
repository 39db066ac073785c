package stats

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestSummarize_NearestRank(t *testing.T) {
	c := NewCollector()
	for i := 100; i >= 1; i-- {
		c.Observe(SeriesTypingStart, time.Duration(i)*time.Millisecond)
	}

	sum, ok := c.Summarize(SeriesTypingStart)
	if !ok {
		t.Fatal("expected samples")
	}
	if sum.N != 100 {
		t.Errorf("N = %d, want 100", sum.N)
	}
	if sum.Min != time.Millisecond || sum.Max != 100*time.Millisecond {
		t.Errorf("min/max = %v/%v", sum.Min, sum.Max)
	}
	if sum.P50 != 50*time.Millisecond {
		t.Errorf("p50 = %v, want 50ms", sum.P50)
	}
	if sum.P95 != 95*time.Millisecond {
		t.Errorf("p95 = %v, want 95ms", sum.P95)
	}
	if sum.P99 != 99*time.Millisecond {
		t.Errorf("p99 = %v, want 99ms", sum.P99)
	}
	if sum.Avg != 50500*time.Microsecond {
		t.Errorf("avg = %v, want 50.5ms", sum.Avg)
	}
}

func TestSummarize_SingleSampleAndEmpty(t *testing.T) {
	c := NewCollector()
	if _, ok := c.Summarize(SeriesTypingStop); ok {
		t.Error("empty series should not summarize")
	}
	c.Observe(SeriesTypingStop, 7*time.Millisecond)
	sum, _ := c.Summarize(SeriesTypingStop)
	if sum.P50 != 7*time.Millisecond || sum.P99 != 7*time.Millisecond {
		t.Errorf("single sample summary = %+v", sum)
	}
}

func TestCollector_ConcurrentCounters(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.AddConnect(time.Millisecond)
			c.Inc(Errors)
		}()
	}
	wg.Wait()
	if got := c.Count(Connections); got != 50 {
		t.Errorf("connections = %d, want 50", got)
	}
	if got := c.Count(Errors); got != 50 {
		t.Errorf("errors = %d, want 50", got)
	}
}

func TestWriteReport_OrdersSeries(t *testing.T) {
	c := NewCollector()
	c.Observe(SeriesTypingStop, time.Millisecond)
	c.Observe("roster", time.Millisecond)
	c.AddConnect(time.Millisecond)
	c.Inc(StopsSeen)

	var buf bytes.Buffer
	c.WriteReport(&buf)
	out := buf.String()

	connect := strings.Index(out, "--- connect latency")
	stop := strings.Index(out, "--- typing-stop delivery latency")
	roster := strings.Index(out, "--- roster latency")
	if connect < 0 || stop < 0 || roster < 0 {
		t.Fatalf("missing series in report:\n%s", out)
	}
	if !(connect < stop && stop < roster) {
		t.Errorf("series out of order:\n%s", out)
	}
	if strings.Contains(out, "typing-start delivery") {
		t.Error("empty series should be omitted")
	}
	if !strings.Contains(out, "stops seen:") {
		t.Errorf("missing stop counter:\n%s", out)
	}
}
