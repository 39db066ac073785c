package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeConn records every frame sent to it.
type fakeConn struct {
	user    string
	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	sendErr error
}

func newFakeConn(user string) *fakeConn {
	return &fakeConn{user: user}
}

func (f *fakeConn) UserID() string { return f.user }

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.frames = append(f.frames, buf)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("already closed")
	}
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// received returns the decoded frames of the given type.
func (f *fakeConn) received(t *testing.T, msgType string) []map[string]interface{} {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []map[string]interface{}
	for _, frame := range f.frames {
		var m map[string]interface{}
		if err := json.Unmarshal(frame, &m); err != nil {
			t.Fatalf("frame is not JSON: %v", err)
		}
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

// lastRoster returns the users of the most recent getOnlineUsers frame.
func (f *fakeConn) lastRoster(t *testing.T) []string {
	t.Helper()
	frames := f.received(t, "getOnlineUsers")
	if len(frames) == 0 {
		t.Fatalf("user=%s received no roster", f.user)
	}
	raw, _ := frames[len(frames)-1]["users"].([]interface{})
	users := make([]string, 0, len(raw))
	for _, u := range raw {
		users = append(users, u.(string))
	}
	return users
}

// countFrom counts frames of msgType whose userId equals from.
func (f *fakeConn) countFrom(t *testing.T, msgType, from string) int {
	t.Helper()
	n := 0
	for _, m := range f.received(t, msgType) {
		if m["userId"] == from {
			n++
		}
	}
	return n
}

func startCoordinator(t *testing.T, config Config, observers ...Observer) *Coordinator {
	t.Helper()
	c := NewCoordinator(config, observers...)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return c
}

// quietConfig disables both timers so tests control every transition.
func quietConfig() Config {
	return Config{IdleTimeout: 0, SweepInterval: 0}
}

// flush waits until every previously submitted event has been processed.
func flush(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.Online(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func connect(t *testing.T, c *Coordinator, user string) *fakeConn {
	t.Helper()
	conn := newFakeConn(user)
	if err := c.Connect(conn); err != nil {
		t.Fatalf("Connect(%s): %v", user, err)
	}
	flush(t, c)
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
