package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// PresenceEvent is published on presence.online and presence.offline.
type PresenceEvent struct {
	UserID string    `json:"userId"`
	Online bool      `json:"online"`
	Server string    `json:"server"`
	At     time.Time `json:"at"`
}

// Publisher is the subset of NATSClient the presence publisher needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// PresencePublisher forwards session open/close notifications from the
// coordinator to NATS. It implements presence.Observer.
type PresencePublisher struct {
	pub    Publisher
	server string
}

// NewPresencePublisher creates a PresencePublisher tagging events with the
// name of this realtime node.
func NewPresencePublisher(pub Publisher, server string) *PresencePublisher {
	return &PresencePublisher{pub: pub, server: server}
}

// SessionOpened publishes a presence.online event.
func (p *PresencePublisher) SessionOpened(_ context.Context, userID string, at time.Time) error {
	return p.publish(SubjectPresenceOnline, PresenceEvent{UserID: userID, Online: true, Server: p.server, At: at})
}

// SessionClosed publishes a presence.offline event.
func (p *PresencePublisher) SessionClosed(_ context.Context, userID string, at time.Time) error {
	return p.publish(SubjectPresenceOffline, PresenceEvent{UserID: userID, Online: false, Server: p.server, At: at})
}

func (p *PresencePublisher) publish(subject string, ev PresenceEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("messaging: marshal presence event: %w", err)
	}
	if err := p.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s for %s: %w", subject, ev.UserID, err)
	}
	return nil
}
