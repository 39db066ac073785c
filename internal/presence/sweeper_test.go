package presence

import (
	"context"
	"testing"
	"time"

	"github.com/chatwave/chatrt/internal/protocol"
)

func TestSweep_ClearsSendersWithoutSession(t *testing.T) {
	c := startCoordinator(t, quietConfig())
	ctx := context.Background()

	s := connect(t, c, "s")
	a := connect(t, c, "a")
	b := connect(t, c, "b")

	c.OnTypingStart(s, protocol.TypingStartMsg{RecipientID: "a", UserID: "s"})
	c.OnTypingStart(s, protocol.TypingStartMsg{RecipientID: "b", UserID: "s"})
	flush(t, c)

	// Lose the session without a disconnect event.
	if err := c.call(ctx, func() { c.registry.Deregister("s") }); err != nil {
		t.Fatalf("call: %v", err)
	}

	cleared, err := c.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("expected 1 sender cleared, got %d", cleared)
	}
	for _, r := range []*fakeConn{a, b} {
		if n := r.countFrom(t, protocol.TypeUserStoppedTyping, "s"); n != 1 {
			t.Errorf("user=%s: expected 1 stop event, got %d", r.user, n)
		}
	}

	// A second pass and a late disconnect are both no-ops.
	if cleared, _ := c.Sweep(ctx); cleared != 0 {
		t.Errorf("expected idempotent sweep, cleared %d", cleared)
	}
	c.Disconnect(s)
	flush(t, c)
	for _, r := range []*fakeConn{a, b} {
		if n := r.countFrom(t, protocol.TypeUserStoppedTyping, "s"); n != 1 {
			t.Errorf("user=%s: expected still 1 stop event, got %d", r.user, n)
		}
	}
}

func TestSweep_KeepsOnlineSenders(t *testing.T) {
	c := startCoordinator(t, quietConfig())
	ctx := context.Background()

	s := connect(t, c, "s")
	r := connect(t, c, "r")
	c.OnTypingStart(s, protocol.TypingStartMsg{RecipientID: "r", UserID: "s"})
	flush(t, c)

	cleared, err := c.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if cleared != 0 {
		t.Errorf("expected online sender to be kept, cleared %d", cleared)
	}
	if n := len(r.received(t, protocol.TypeUserStoppedTyping)); n != 0 {
		t.Errorf("expected no stop events, got %d", n)
	}
}

func TestSweep_RunsOnInterval(t *testing.T) {
	c := startCoordinator(t, Config{SweepInterval: 30 * time.Millisecond})
	ctx := context.Background()

	s := connect(t, c, "s")
	r := connect(t, c, "r")
	c.OnTypingStart(s, protocol.TypingStartMsg{RecipientID: "r", UserID: "s"})
	flush(t, c)

	if err := c.call(ctx, func() { c.registry.Deregister("s") }); err != nil {
		t.Fatalf("call: %v", err)
	}

	waitFor(t, "periodic sweep", func() bool {
		return r.countFrom(t, protocol.TypeUserStoppedTyping, "s") == 1
	})
}

type refreshingObserver struct {
	recordingObserver
	refreshed [][]string
}

func (o *refreshingObserver) SessionsRefreshed(_ context.Context, userIDs []string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refreshed = append(o.refreshed, userIDs)
	return nil
}

func (o *refreshingObserver) refreshes() [][]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([][]string(nil), o.refreshed...)
}

func TestSweep_RefreshesLiveSessions(t *testing.T) {
	obs := &refreshingObserver{}
	c := startCoordinator(t, quietConfig(), obs)
	ctx := context.Background()

	connect(t, c, "u1")
	u2 := connect(t, c, "u2")

	if _, err := c.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	waitFor(t, "first refresh", func() bool {
		got := obs.refreshes()
		return len(got) == 1 && equalStrings(got[0], []string{"u1", "u2"})
	})

	c.Disconnect(u2)
	if _, err := c.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	waitFor(t, "second refresh", func() bool {
		got := obs.refreshes()
		return len(got) == 2 && equalStrings(got[1], []string{"u1"})
	})
}

func TestSweep_NoRefreshWhenNobodyOnline(t *testing.T) {
	obs := &refreshingObserver{}
	c := startCoordinator(t, quietConfig(), obs)
	ctx := context.Background()

	u1 := connect(t, c, "u1")
	c.Disconnect(u1)
	if _, err := c.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	// Notices are delivered in order: once u3's open arrives, a refresh
	// from the sweep would already have been seen.
	connect(t, c, "u3")
	waitFor(t, "open notice for u3", func() bool {
		return len(obs.snapshot()) == 3
	})
	if got := obs.refreshes(); len(got) != 0 {
		t.Errorf("expected no refresh with an empty registry, got %v", got)
	}
}
