//go:build !linux

package ws

import (
	"net"
	"sync"
	"syscall"
	"time"
)

// repollDelay throttles re-reporting a connection whose data has not been
// consumed yet.
const repollDelay = 5 * time.Millisecond

// Epoll is the portable fallback used outside Linux: one goroutine per
// connection waits for readability through the runtime poller without
// consuming any bytes, and reports the connection on a channel.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]chan struct{} // conn -> stop signal
	readyCh chan net.Conn
	done    chan struct{}
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts watching conn.
func (e *Epoll) Add(conn net.Conn) error {
	stop := make(chan struct{})
	e.mu.Lock()
	e.conns[conn] = stop
	e.mu.Unlock()

	go e.monitor(conn, stop)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, stop chan struct{}) {
	var raw syscall.RawConn
	if sc, ok := conn.(syscall.Conn); ok {
		raw, _ = sc.SyscallConn()
	}

	for {
		if raw != nil {
			// Returning false on the first call parks until readable.
			first := true
			if err := raw.Read(func(uintptr) bool {
				if first {
					first = false
					return false
				}
				return true
			}); err != nil {
				raw = nil
			}
		}

		select {
		case e.readyCh <- conn:
		case <-stop:
			return
		case <-e.done:
			return
		}

		if raw == nil {
			// Closed or not pollable: one report lets the server see the error.
			return
		}
		time.Sleep(repollDelay)
	}
}

// Remove stops watching conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	if stop, ok := e.conns[conn]; ok {
		close(stop)
		delete(e.conns, conn)
	}
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready and returns every
// connection reported so far.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	ready := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			ready = append(ready, conn)
		default:
			return ready, nil
		}
	}
}

// Close stops all monitors.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = make(map[net.Conn]chan struct{})
	e.mu.Unlock()
	return nil
}
