package ws

import (
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// closeWriteTimeout bounds the best-effort close frame written on Close.
const closeWriteTimeout = time.Second

// DefaultSendQueueSize is the number of outbound frames buffered per
// connection before Send starts dropping.
const DefaultSendQueueSize = 64

var (
	// ErrSendQueueFull is returned by Send when the client is not reading
	// fast enough; the frame is dropped.
	ErrSendQueueFull = errors.New("ws: send queue full")

	// ErrConnectionClosed is returned by Send after the socket was closed.
	ErrConnectionClosed = errors.New("ws: connection closed")
)

// Connection is one upgraded WebSocket client. It carries the user id the
// client connected with. Outbound text frames go through a bounded queue
// drained by a writer goroutine, so Send never blocks the caller.
// It satisfies presence.Conn.
type Connection struct {
	ID        string    // connection id (UUID), unique per socket
	User      string    // user id from the ?userId= query parameter
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for epoll lookups
	CreatedAt time.Time // when the connection was established

	writeTimeout time.Duration
	writeMu      sync.Mutex
	out          chan []byte
	closed       chan struct{}
	lastActive   atomic.Int64 // unix nanos of the last frame read
	processing   int32        // atomic flag: 0 = idle, 1 = being read by handleConn
	closeOnce    sync.Once
}

// newConnection wraps an upgraded net.Conn and starts its writer.
func newConnection(id, user string, conn net.Conn, writeTimeout time.Duration, queueSize int) *Connection {
	if queueSize <= 0 {
		queueSize = DefaultSendQueueSize
	}
	c := &Connection{
		ID:           id,
		User:         user,
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
		out:          make(chan []byte, queueSize),
		closed:       make(chan struct{}),
	}
	c.Touch()
	go c.writeLoop()
	return c
}

// UserID returns the user this connection was opened for.
func (c *Connection) UserID() string {
	return c.User
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns when a frame was last read from the client.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// Send queues a text frame. It never blocks: a full queue drops the frame
// and returns ErrSendQueueFull.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// writeLoop writes queued frames, each bounded by the write timeout. A
// failed write closes the socket; the read side then reports the
// disconnect.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.out:
			if err := c.write(data); err != nil {
				log.Printf("ws: write failed id=%s user=%s: %v", c.ID, c.User, err)
				_ = c.closeNet()
				return
			}
		}
	}
}

func (c *Connection) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close sends a policy-violation close frame and closes the socket. It is
// used to turn away connections that are not allowed in.
func (c *Connection) Close() error {
	return c.closeWith(ws.StatusPolicyViolation, "user id required")
}

// closeWith writes a close frame with the given status, then closes the
// socket. Frames still queued are dropped.
func (c *Connection) closeWith(status ws.StatusCode, reason string) error {
	c.writeMu.Lock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
	_ = ws.WriteFrame(c.Conn, ws.NewCloseFrame(ws.NewCloseFrameBody(status, reason)))
	c.writeMu.Unlock()
	return c.closeNet()
}

// closeNet closes the socket without a close handshake and stops the writer.
func (c *Connection) closeNet() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.Conn.Close()
	})
	return err
}

// ConnectionManager is a thread-safe registry of open connections keyed by
// connection id and by file descriptor.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection // connection id -> Connection
	byFd map[int]*Connection    // fd -> Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
}

// Remove drops a connection by id and closes its socket. It returns false if
// the connection was already gone, so racing removers clean up only once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		if cm.byFd[conn.Fd] == conn {
			delete(cm.byFd, conn.Fd)
		}
	}
	cm.mu.Unlock()

	if ok {
		_ = conn.closeNet()
	}
	return ok
}

// Get returns the connection for the given id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping c, or nil.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	return cm.GetByFd(socketFD(c))
}

// Count returns the number of open connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of the open connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
