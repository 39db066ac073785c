package presence

import (
	"sort"
	"time"
)

// ExpireFunc is invoked from a timer goroutine when a typing pair has not
// been renewed within the idle window. It must hand the expiry back to the
// owner of the tracker rather than touch the tracker directly.
type ExpireFunc func(sender, recipient string, gen uint64)

type typingEntry struct {
	gen   uint64
	timer *time.Timer
}

// TypingTracker holds, per sender, the set of recipients the sender is
// currently typing to. Each (sender, recipient) pair carries an idle timer
// that is re-armed on every Start. A sender's set is dropped as soon as its
// last recipient is removed.
type TypingTracker struct {
	idle    time.Duration
	expire  ExpireFunc
	senders map[string]map[string]*typingEntry
	gen     uint64
	pairs   int
}

// NewTypingTracker creates a tracker whose pairs expire after idle without a
// renewal. A zero idle or nil expire disables the per-pair timers.
func NewTypingTracker(idle time.Duration, expire ExpireFunc) *TypingTracker {
	return &TypingTracker{
		idle:    idle,
		expire:  expire,
		senders: make(map[string]map[string]*typingEntry),
	}
}

// Start marks sender as typing to recipient and (re)arms the pair's idle
// timer. It reports whether the pair was newly added.
func (t *TypingTracker) Start(sender, recipient string) bool {
	set, ok := t.senders[sender]
	if !ok {
		set = make(map[string]*typingEntry)
		t.senders[sender] = set
	}

	prev, existed := set[recipient]
	if existed && prev.timer != nil {
		prev.timer.Stop()
	}

	t.gen++
	entry := &typingEntry{gen: t.gen}
	if t.idle > 0 && t.expire != nil {
		gen := t.gen
		entry.timer = time.AfterFunc(t.idle, func() {
			t.expire(sender, recipient, gen)
		})
	}
	set[recipient] = entry

	if !existed {
		t.pairs++
	}
	return !existed
}

// Stop removes the pair and reports whether it was present.
func (t *TypingTracker) Stop(sender, recipient string) bool {
	set, ok := t.senders[sender]
	if !ok {
		return false
	}
	entry, ok := set[recipient]
	if !ok {
		return false
	}
	t.remove(sender, recipient, set, entry)
	return true
}

// Expired removes the pair only if gen still identifies its current timer.
// Fires from a timer that was re-armed or stopped in the meantime are ignored.
func (t *TypingTracker) Expired(sender, recipient string, gen uint64) bool {
	set, ok := t.senders[sender]
	if !ok {
		return false
	}
	entry, ok := set[recipient]
	if !ok || entry.gen != gen {
		return false
	}
	t.remove(sender, recipient, set, entry)
	return true
}

// Clear removes every pair for sender and returns the recipients that were
// removed, sorted.
func (t *TypingTracker) Clear(sender string) []string {
	set, ok := t.senders[sender]
	if !ok {
		return nil
	}
	recipients := make([]string, 0, len(set))
	for recipient, entry := range set {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		recipients = append(recipients, recipient)
	}
	delete(t.senders, sender)
	t.pairs -= len(recipients)
	sort.Strings(recipients)
	return recipients
}

// Has reports whether sender is currently typing to recipient.
func (t *TypingTracker) Has(sender, recipient string) bool {
	_, ok := t.senders[sender][recipient]
	return ok
}

// Senders returns every sender with at least one active pair, sorted.
func (t *TypingTracker) Senders() []string {
	out := make([]string, 0, len(t.senders))
	for sender := range t.senders {
		out = append(out, sender)
	}
	sort.Strings(out)
	return out
}

// Recipients returns the recipients sender is typing to, sorted.
func (t *TypingTracker) Recipients(sender string) []string {
	set := t.senders[sender]
	out := make([]string, 0, len(set))
	for recipient := range set {
		out = append(out, recipient)
	}
	sort.Strings(out)
	return out
}

// Pairs returns the number of active (sender, recipient) pairs.
func (t *TypingTracker) Pairs() int {
	return t.pairs
}

// StopAll cancels every pending timer and empties the table.
func (t *TypingTracker) StopAll() {
	for _, set := range t.senders {
		for _, entry := range set {
			if entry.timer != nil {
				entry.timer.Stop()
			}
		}
	}
	t.senders = make(map[string]map[string]*typingEntry)
	t.pairs = 0
}

func (t *TypingTracker) remove(sender, recipient string, set map[string]*typingEntry, entry *typingEntry) {
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(set, recipient)
	if len(set) == 0 {
		delete(t.senders, sender)
	}
	t.pairs--
}
