package presence

import (
	"testing"
	"time"
)

func TestTypingTracker_StartIsIdempotent(t *testing.T) {
	tr := NewTypingTracker(0, nil)

	if !tr.Start("s", "r") {
		t.Fatal("expected first Start to add the pair")
	}
	for i := 0; i < 5; i++ {
		if tr.Start("s", "r") {
			t.Fatal("expected repeated Start to renew, not add")
		}
	}

	if tr.Pairs() != 1 {
		t.Errorf("expected 1 pair, got %d", tr.Pairs())
	}
	if got := tr.Recipients("s"); !equalStrings(got, []string{"r"}) {
		t.Errorf("expected recipients [r], got %v", got)
	}
}

func TestTypingTracker_StopRemovesEmptySet(t *testing.T) {
	tr := NewTypingTracker(0, nil)
	tr.Start("s", "a")
	tr.Start("s", "b")

	if !tr.Stop("s", "a") {
		t.Fatal("expected Stop to remove existing pair")
	}
	if tr.Stop("s", "a") {
		t.Fatal("expected second Stop to report nothing removed")
	}
	if got := tr.Senders(); !equalStrings(got, []string{"s"}) {
		t.Fatalf("expected sender to remain while b is typed to, got %v", got)
	}

	tr.Stop("s", "b")
	if got := tr.Senders(); len(got) != 0 {
		t.Fatalf("expected sender set to be dropped once empty, got %v", got)
	}
	if tr.Pairs() != 0 {
		t.Errorf("expected 0 pairs, got %d", tr.Pairs())
	}
}

func TestTypingTracker_ClearReturnsSortedRecipients(t *testing.T) {
	tr := NewTypingTracker(0, nil)
	tr.Start("s", "c")
	tr.Start("s", "a")
	tr.Start("s", "b")
	tr.Start("other", "a")

	got := tr.Clear("s")
	if !equalStrings(got, []string{"a", "b", "c"}) {
		t.Fatalf("expected [a b c], got %v", got)
	}
	if tr.Has("s", "a") {
		t.Error("expected s to have no pairs after Clear")
	}
	if !tr.Has("other", "a") {
		t.Error("expected other sender to be untouched")
	}
	if tr.Pairs() != 1 {
		t.Errorf("expected 1 remaining pair, got %d", tr.Pairs())
	}
	if again := tr.Clear("s"); len(again) != 0 {
		t.Errorf("expected second Clear to be a no-op, got %v", again)
	}
}

func TestTypingTracker_TimerFiresWithCurrentGeneration(t *testing.T) {
	type fire struct {
		sender, recipient string
		gen               uint64
	}
	fired := make(chan fire, 4)
	tr := NewTypingTracker(20*time.Millisecond, func(sender, recipient string, gen uint64) {
		fired <- fire{sender, recipient, gen}
	})
	tr.Start("s", "r")

	select {
	case f := <-fired:
		if f.sender != "s" || f.recipient != "r" {
			t.Fatalf("unexpected fire %+v", f)
		}
		if !tr.Expired(f.sender, f.recipient, f.gen) {
			t.Fatal("expected current generation to expire the pair")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}

	if tr.Has("s", "r") {
		t.Error("expected pair to be gone after expiry")
	}
}

func TestTypingTracker_StaleGenerationIgnored(t *testing.T) {
	tr := NewTypingTracker(0, nil)
	tr.Start("s", "r")
	stale := tr.gen
	tr.Start("s", "r")

	if tr.Expired("s", "r", stale) {
		t.Fatal("expected expiry with a superseded generation to be ignored")
	}
	if !tr.Has("s", "r") {
		t.Fatal("expected pair to survive a stale expiry")
	}
	if !tr.Expired("s", "r", tr.gen) {
		t.Fatal("expected expiry with the current generation to remove the pair")
	}
}

func TestTypingTracker_StopAllCancelsTimers(t *testing.T) {
	fired := make(chan struct{}, 1)
	tr := NewTypingTracker(30*time.Millisecond, func(string, string, uint64) {
		fired <- struct{}{}
	})
	tr.Start("s", "r")
	tr.StopAll()

	select {
	case <-fired:
		t.Fatal("expected no expiry after StopAll")
	case <-time.After(100 * time.Millisecond):
	}
	if tr.Pairs() != 0 {
		t.Errorf("expected empty table, got %d pairs", tr.Pairs())
	}
}
