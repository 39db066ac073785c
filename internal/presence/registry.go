// Package presence coordinates realtime presence and typing indicators.
//
// A single Coordinator owns the session registry (who is online and through
// which connection), the typing-state table and the set of active
// connections. All state is mutated on the coordinator's event loop, so the
// types in this package are not safe for concurrent use on their own.
package presence

// Conn is one live client connection as seen by the coordinator. The user id
// is fixed for the lifetime of the handle. Handles are compared by identity.
type Conn interface {
	UserID() string
	Send(data []byte) error
	Close() error
}

// Registry maps user ids to the connection currently representing them.
// There is at most one entry per user; registering again replaces the
// handle but keeps the user's position in the roster.
type Registry struct {
	conns map[string]Conn
	order []string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Register binds userID to conn and returns the handle it replaced, if any.
func (r *Registry) Register(userID string, conn Conn) Conn {
	prev, ok := r.conns[userID]
	if !ok {
		r.order = append(r.order, userID)
	}
	r.conns[userID] = conn
	return prev
}

// Deregister removes userID. Missing users are ignored.
func (r *Registry) Deregister(userID string) {
	if _, ok := r.conns[userID]; !ok {
		return
	}
	delete(r.conns, userID)
	for i, id := range r.order {
		if id == userID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// DeregisterConn removes userID only while conn still owns the entry.
func (r *Registry) DeregisterConn(userID string, conn Conn) bool {
	cur, ok := r.conns[userID]
	if !ok || cur != conn {
		return false
	}
	r.Deregister(userID)
	return true
}

// Lookup returns the live connection for userID.
func (r *Registry) Lookup(userID string) (Conn, bool) {
	conn, ok := r.conns[userID]
	return conn, ok
}

// ListOnline returns a snapshot of registered user ids in insertion order.
func (r *Registry) ListOnline() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered users.
func (r *Registry) Len() int {
	return len(r.conns)
}
