package ws

import (
	"log"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // grace period after a missed interval
}

// DefaultHeartbeatConfig returns the production heartbeat settings.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every connection each Interval and removes those with
// no inbound frame for Interval+Timeout. Removal goes through
// RemoveConnection, so a dead client still produces a disconnect and its
// presence and typing state are cleaned up. It returns immediately.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config, time.Now())
			}
		}
	}()
}

func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastActive()); idle > deadline {
			log.Printf("ws: heartbeat timeout id=%s user=%s idle=%s",
				c.ID, c.User, idle.Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		// Browsers answer protocol pings with a pong automatically.
		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed id=%s user=%s: %v", c.ID, c.User, err)
			server.RemoveConnection(c)
		}
	}
}
