// Package delivery pushes freshly created messages to recipients connected
// to this realtime node.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/chatwave/chatrt/internal/metrics"
	"github.com/chatwave/chatrt/internal/presence"
	"github.com/chatwave/chatrt/internal/protocol"
)

// lookupTimeout bounds the wait for the coordinator's answer.
const lookupTimeout = 2 * time.Second

// Locator resolves a user to its live connection on this node.
type Locator interface {
	Lookup(ctx context.Context, userID string) (presence.Conn, bool)
}

// Pusher delivers messages over live connections.
type Pusher struct {
	locator Locator
}

// NewPusher creates a Pusher.
func NewPusher(locator Locator) *Pusher {
	return &Pusher{locator: locator}
}

// Deliver sends msg to its recipient as a newMessage frame. It reports
// whether the recipient was online here; an offline recipient is not an
// error since the message is already stored.
func (p *Pusher) Deliver(ctx context.Context, msg protocol.ChatMessage) (bool, error) {
	conn, ok := p.locator.Lookup(ctx, msg.RecipientID)
	if !ok {
		metrics.MessagesPushed.WithLabelValues("offline").Inc()
		return false, nil
	}

	data, err := protocol.NewServerMessage(protocol.TypeNewMessage, protocol.NewMessageMsg{Message: msg})
	if err != nil {
		metrics.MessagesPushed.WithLabelValues("failed").Inc()
		return false, fmt.Errorf("delivery: encode %s: %w", msg.ID, err)
	}
	if err := conn.Send(data); err != nil {
		metrics.MessagesPushed.WithLabelValues("failed").Inc()
		return false, fmt.Errorf("delivery: push %s to %s: %w", msg.ID, msg.RecipientID, err)
	}

	metrics.MessagesPushed.WithLabelValues("delivered").Inc()
	return true, nil
}

// HandleEvent is the message.created subscription callback.
func (p *Pusher) HandleEvent(data []byte) {
	var msg protocol.ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("[delivery] bad message.created payload: %v", err)
		return
	}
	if msg.RecipientID == "" {
		log.Printf("[delivery] message %s has no recipient", msg.ID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	if _, err := p.Deliver(ctx, msg); err != nil {
		log.Printf("[delivery] %v", err)
	}
}
