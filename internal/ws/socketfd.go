package ws

import (
	"net"
	"syscall"
)

// socketFD returns the OS descriptor behind conn without duplicating it, or
// -1 for connections that do not expose one (e.g. net.Pipe in tests).
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
