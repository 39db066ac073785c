// Package ws is the WebSocket transport of the realtime server: it upgrades
// HTTP requests with gobwas/ws, multiplexes reads through epoll and a bounded
// worker pool, and hands connection lifecycle and frames to callbacks.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/chatwave/chatrt/internal/metrics"
)

// UserIDParam is the query parameter carrying the authenticated user id.
const UserIDParam = "userId"

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	Path           string        // upgrade endpoint, e.g. "/ws"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	MaxMessageSize int64         // largest accepted data frame payload, in bytes
	SendQueueSize  int           // outbound frames buffered per connection
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		Path:           "/ws",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 << 10,
		SendQueueSize:  DefaultSendQueueSize,
	}
}

// Server upgrades HTTP connections to WebSocket, registers them with epoll
// for readiness notifications, and dispatches ready connections to a
// bounded worker pool for frame reading.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	mux          *http.ServeMux
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	admit        func(r *http.Request) bool          // optional admission check before upgrade
	onConnect    func(conn *Connection) error        // called before the connection is read from
	onMessage    func(conn *Connection, data []byte) // called for every data frame
	onDisconnect func(conn *Connection)              // called once when a connection is removed
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server. onMessage is called from a worker goroutine
// whenever a complete text frame is received; frames of one connection are
// never processed concurrently.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	if config.Path == "" {
		config.Path = "/ws"
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultServerConfig().MaxMessageSize
	}
	s := &Server{
		config:     config,
		conns:      NewConnectionManager(),
		mux:        http.NewServeMux(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
	s.mux.HandleFunc(config.Path, s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// Handle mounts an extra HTTP handler (e.g. /metrics) next to the upgrade
// endpoint. It must be called before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// SetAdmission registers a check run before upgrading; returning false
// answers 429 without upgrading.
func (s *Server) SetAdmission(fn func(r *http.Request) bool) {
	s.admit = fn
}

// SetOnConnect registers the callback that accepts or rejects a freshly
// upgraded connection. A non-nil error means the callback has already dealt
// with the socket; the server forgets the connection.
func (s *Server) SetOnConnect(fn func(conn *Connection) error) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked exactly once when an accepted
// connection is removed (read error, close frame, heartbeat timeout).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// Start initializes epoll and serves HTTP until Shutdown.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.mux,
	}

	go s.startEventLoop()
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s%s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.Path, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// UserIDFromRequest extracts the user id a client connects with.
func UserIDFromRequest(r *http.Request) string {
	return r.URL.Query().Get(UserIDParam)
}

// handleUpgrade upgrades the request, hands the connection to onConnect and,
// if accepted, starts reading from it.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if s.admit != nil && !s.admit(r) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := newConnection(uuid.New().String(), UserIDFromRequest(r), netConn, s.config.WriteTimeout, s.config.SendQueueSize)

	if s.onConnect != nil {
		if err := s.onConnect(c); err != nil {
			log.Printf("ws: connection %s refused: %v", c.ID, err)
			_ = c.closeNet()
			return
		}
	}

	s.conns.Add(c)
	if err := s.epoll.Add(netConn); err != nil {
		log.Printf("ws: epoll add failed for connection %s: %v", c.ID, err)
		if s.conns.Remove(c.ID) && s.onDisconnect != nil {
			s.onDisconnect(c)
		}
		return
	}
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	log.Printf("ws: new connection id=%s user=%s fd=%d (total=%d)", c.ID, c.User, c.Fd, s.conns.Count())
}

// handleHealth reports connection count and uptime as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop waits on epoll and hands each ready connection to a worker.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		ready, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range ready {
			conn := conn
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. Control frames are
// handled in place; a read error or close frame removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll may report the same fd twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// Timeouts mean a stale readiness report; the heartbeat deals with
		// connections that are really gone.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})

	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	// The length is client-declared; never allocate from it unchecked.
	if header.Length > s.config.MaxMessageSize {
		log.Printf("ws: frame too large id=%s user=%s length=%d max=%d",
			c.ID, c.User, header.Length, s.config.MaxMessageSize)
		_ = c.closeWith(ws.StatusMessageTooBig, "message too big")
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection unregisters c from epoll and the manager, closes it and
// fires onDisconnect. Concurrent calls for the same connection are safe.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	log.Printf("ws: connection closed id=%s user=%s (total=%d)", c.ID, c.User, s.conns.Count())
}

// Connections exposes the connection manager (used by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the listener and the event loop and closes every open
// connection with a going-away close frame.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		if s.epoll != nil {
			_ = s.epoll.Remove(c.Conn)
		}
		_ = c.closeWith(ws.StatusGoingAway, "server shutdown")
		s.conns.Remove(c.ID)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR reports whether err is an interrupted system call, which epoll
// returns during signal delivery.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
