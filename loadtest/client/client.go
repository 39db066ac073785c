// Package client is a WebSocket client for load testing the realtime server.
// It connects with gobwas/ws, as the server does, waits for the connected
// greeting and counts what it sends and receives.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client -> Server message types.
const (
	TypeTypingStart     = "typing-start"
	TypeTypingStop      = "typing-stop"
	TypeForceStopTyping = "force-stop-typing"
	TypePing            = "ping"
)

// Server -> Client message types.
const (
	TypeConnected         = "connected"
	TypeOnlineUsers       = "getOnlineUsers"
	TypeUserTyping        = "user-typing"
	TypeUserStoppedTyping = "user-stopped-typing"
	TypeRateLimited       = "rate_limited"
	TypeError             = "error"
)

// Metrics is a snapshot of one client's counters.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int64
	MessagesSent     int64
	Rosters          int64
	Errors           int64
}

// Client is one simulated user.
type Client struct {
	conn   net.Conn
	userID string

	writeMu sync.Mutex
	handMu  sync.RWMutex
	hands   map[string]func(json.RawMessage)

	connectLatency time.Duration
	received       atomic.Int64
	sent           atomic.Int64
	rosters        atomic.Int64
	errors         atomic.Int64

	connected chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	greetOnce sync.Once
}

// New dials baseURL as userID and starts reading in the background.
func New(ctx context.Context, baseURL, userID string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("userId", userID)
	u.RawQuery = q.Encode()

	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:           conn,
		userID:         userID,
		hands:          make(map[string]func(json.RawMessage)),
		connectLatency: time.Since(start),
		connected:      make(chan struct{}),
		done:           make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// UserID returns the id the client connected as.
func (c *Client) UserID() string {
	return c.userID
}

// Send writes msg as a JSON text frame. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		c.errors.Add(1)
		return err
	}
	c.sent.Add(1)
	return nil
}

// TypingStart tells the server this client is typing to recipient.
func (c *Client) TypingStart(recipient string) error {
	return c.Send(map[string]string{
		"type":        TypeTypingStart,
		"recipientId": recipient,
		"userId":      c.userID,
		"userName":    c.userID,
	})
}

// TypingStop tells the server this client stopped typing to recipient.
func (c *Client) TypingStop(recipient string) error {
	return c.Send(map[string]string{
		"type":        TypeTypingStop,
		"recipientId": recipient,
		"userId":      c.userID,
	})
}

// On registers the handler for a server message type, replacing any
// previous one. Handlers run on the read goroutine.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handMu.Lock()
	c.hands[msgType] = handler
	c.handMu.Unlock()
}

// WaitConnected blocks until the server greeted the client.
func (c *Client) WaitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before greeting")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Alive reports whether the read loop is still running without error.
func (c *Client) Alive() bool {
	return c.errors.Load() == 0
}

// GetMetrics returns a snapshot of the client's counters.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLatency,
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
		Rosters:          c.rosters.Load(),
		Errors:           c.errors.Load(),
	}
}

func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.errors.Add(1)
			}
			return
		}
		c.received.Add(1)

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		switch envelope.Type {
		case TypeConnected:
			c.greetOnce.Do(func() { close(c.connected) })
		case TypeOnlineUsers:
			c.rosters.Add(1)
		}

		c.handMu.RLock()
		handler := c.hands[envelope.Type]
		c.handMu.RUnlock()
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
