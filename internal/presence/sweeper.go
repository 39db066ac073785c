package presence

import (
	"context"
	"log"

	"github.com/chatwave/chatrt/internal/metrics"
)

// Sweep runs one stale-state pass immediately and returns the number of
// senders it cleared. The loop also sweeps every Config.SweepInterval.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	var cleared int
	if err := c.call(ctx, func() { cleared = c.sweep() }); err != nil {
		return 0, err
	}
	return cleared, nil
}

// sweep clears the typing state of every sender that no longer has a
// registered session. This catches senders whose disconnect was never
// observed. Senders already cleaned up by Disconnect are not in the table,
// so running it after a clean disconnect is a no-op. Each pass also tells
// refreshing observers which sessions are still alive.
func (c *Coordinator) sweep() int {
	cleared := 0
	for _, sender := range c.typing.Senders() {
		if _, ok := c.registry.Lookup(sender); ok {
			continue
		}
		c.clearTyping(sender)
		cleared++
	}

	if cleared > 0 {
		metrics.SweepCleared.Add(float64(cleared))
		log.Printf("[presence] sweep: cleared typing state of %d offline sender(s)", cleared)
	}

	if c.registry.Len() > 0 {
		c.notify(notice{kind: noticeRefreshed, userIDs: c.registry.ListOnline(), at: c.now()})
	}
	return cleared
}
