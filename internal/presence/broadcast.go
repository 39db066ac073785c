package presence

import (
	"log"
	"time"

	"github.com/chatwave/chatrt/internal/metrics"
	"github.com/chatwave/chatrt/internal/protocol"
)

// broadcastPresence sends the current roster to every active connection,
// including superseded handles that are still open. It runs once per
// connect and once per disconnect without batching, so a connect storm of n
// users costs n broadcasts of up to n ids each.
func (c *Coordinator) broadcastPresence() {
	start := time.Now()

	data, err := protocol.NewServerMessage(protocol.TypeOnlineUsers, protocol.OnlineUsersMsg{
		Users: c.registry.ListOnline(),
	})
	if err != nil {
		log.Printf("[presence] build %s: %v", protocol.TypeOnlineUsers, err)
		return
	}

	failed := 0
	for conn := range c.active {
		if err := conn.Send(data); err != nil {
			failed++
		}
	}
	if failed > 0 {
		log.Printf("[presence] roster broadcast failed for %d of %d connection(s)", failed, len(c.active))
	}

	metrics.PresenceBroadcasts.Inc()
	metrics.BroadcastLatency.Observe(time.Since(start).Seconds())
}
