package presence

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/chatwave/chatrt/internal/metrics"
	"github.com/chatwave/chatrt/internal/protocol"
)

var (
	// ErrAnonymousConnect is returned by Connect for a connection that carries
	// no user id, or the client-side placeholder "undefined".
	ErrAnonymousConnect = errors.New("presence: connect without a user id")

	// ErrStopped is returned once the coordinator's event loop has exited.
	ErrStopped = errors.New("presence: coordinator stopped")
)

// undefinedUserID is what browser clients send when the id was never set.
const undefinedUserID = "undefined"

// Config holds coordinator tuning parameters.
type Config struct {
	IdleTimeout     time.Duration // typing pair expiry without renewal (0 disables)
	SweepInterval   time.Duration // stale typing-state sweep period (0 disables)
	QueueSize       int           // buffered events waiting for the loop
	NoticeQueueSize int           // buffered observer notifications
	ObserverTimeout time.Duration // per-call timeout for observers
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:     5 * time.Second,
		SweepInterval:   30 * time.Second,
		QueueSize:       4096,
		NoticeQueueSize: 1024,
		ObserverTimeout: 3 * time.Second,
	}
}

// Observer is told when a user's session opens or closes. Calls happen on a
// dedicated goroutine, in order, never on the event loop.
type Observer interface {
	SessionOpened(ctx context.Context, userID string, at time.Time) error
	SessionClosed(ctx context.Context, userID string, at time.Time) error
}

// Refresher is an optional Observer extension. On every sweep it receives
// the users still registered, so mirrors with an expiry can extend it.
type Refresher interface {
	SessionsRefreshed(ctx context.Context, userIDs []string) error
}

type noticeKind int

const (
	noticeOpened noticeKind = iota
	noticeClosed
	noticeRefreshed
)

type notice struct {
	kind    noticeKind
	userID  string
	userIDs []string // noticeRefreshed only
	at      time.Time
}

// Coordinator is the connection lifecycle manager. It owns the session
// registry, the typing tracker and the set of active connections, and
// serialises every mutation through one event loop started by Run.
type Coordinator struct {
	config    Config
	registry  *Registry
	typing    *TypingTracker
	active    map[Conn]struct{}
	observers []Observer
	now       func() time.Time

	events   chan func()
	notices  chan notice
	done     chan struct{}
	stopOnce sync.Once
}

// NewCoordinator creates a Coordinator. Nothing is processed until Run is
// called.
func NewCoordinator(config Config, observers ...Observer) *Coordinator {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if config.NoticeQueueSize <= 0 {
		config.NoticeQueueSize = DefaultConfig().NoticeQueueSize
	}
	if config.ObserverTimeout <= 0 {
		config.ObserverTimeout = DefaultConfig().ObserverTimeout
	}

	c := &Coordinator{
		config:    config,
		registry:  NewRegistry(),
		active:    make(map[Conn]struct{}),
		observers: observers,
		now:       time.Now,
		events:    make(chan func(), config.QueueSize),
		notices:   make(chan notice, config.NoticeQueueSize),
		done:      make(chan struct{}),
	}
	c.typing = NewTypingTracker(config.IdleTimeout, func(sender, recipient string, gen uint64) {
		c.submit(func() { c.expired(sender, recipient, gen) })
	})
	return c
}

// Run processes events until ctx is cancelled. It also drives the stale
// typing-state sweeper.
func (c *Coordinator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.runNotifier()
	}()

	var tick <-chan time.Time
	if c.config.SweepInterval > 0 {
		ticker := time.NewTicker(c.config.SweepInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	log.Printf("[presence] coordinator running (idle_timeout=%s sweep_interval=%s)",
		c.config.IdleTimeout, c.config.SweepInterval)

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			wg.Wait()
			log.Println("[presence] coordinator stopped")
			return
		case fn := <-c.events:
			fn()
		case <-tick:
			c.sweep()
		}
	}
}

// Connect registers conn as the live connection of its user. Connections
// without a user id are closed immediately and ErrAnonymousConnect is
// returned; nothing is registered for them.
func (c *Coordinator) Connect(conn Conn) error {
	userID := conn.UserID()
	if userID == "" || userID == undefinedUserID {
		metrics.RejectedConnects.Inc()
		log.Printf("[presence] rejecting connection with user id %q", userID)
		if err := conn.Close(); err != nil {
			log.Printf("[presence] close rejected connection: %v", err)
		}
		return ErrAnonymousConnect
	}
	if !c.submit(func() { c.connect(conn) }) {
		return ErrStopped
	}
	return nil
}

// Disconnect closes the session of conn. It is safe to call more than once
// and for connections that were never accepted.
func (c *Coordinator) Disconnect(conn Conn) {
	c.submit(func() { c.disconnect(conn) })
}

// OnTypingStart handles a typing-start event received on conn.
func (c *Coordinator) OnTypingStart(conn Conn, msg protocol.TypingStartMsg) {
	c.submit(func() { c.typingStart(conn, msg) })
}

// OnTypingStop handles a typing-stop event received on conn.
func (c *Coordinator) OnTypingStop(conn Conn, msg protocol.TypingStopMsg) {
	c.submit(func() { c.typingStop(conn, msg) })
}

// OnForceStopTyping clears all typing state of msg.UserID, who need not be
// the user owning conn. No session is deregistered.
func (c *Coordinator) OnForceStopTyping(conn Conn, msg protocol.ForceStopTypingMsg) {
	c.submit(func() { c.forceStop(conn, msg) })
}

// Lookup returns the live connection of userID. It reports false when the
// user is offline, ctx is done or the coordinator has stopped.
func (c *Coordinator) Lookup(ctx context.Context, userID string) (Conn, bool) {
	var (
		conn Conn
		ok   bool
	)
	if err := c.call(ctx, func() { conn, ok = c.registry.Lookup(userID) }); err != nil {
		return nil, false
	}
	return conn, ok
}

// Online returns the current roster in registration order.
func (c *Coordinator) Online(ctx context.Context) ([]string, error) {
	var users []string
	if err := c.call(ctx, func() { users = c.registry.ListOnline() }); err != nil {
		return nil, err
	}
	return users, nil
}

// ---------------------------------------------------------------------------
// Event loop handlers. Everything below runs on the loop goroutine.
// ---------------------------------------------------------------------------

func (c *Coordinator) connect(conn Conn) {
	userID := conn.UserID()
	c.active[conn] = struct{}{}

	if prev := c.registry.Register(userID, conn); prev != nil && prev != conn {
		log.Printf("[presence] user=%s connected again, newest connection wins", userID)
	}
	metrics.EventsTotal.WithLabelValues("connect").Inc()
	c.updateGauges()

	c.send(conn, protocol.TypeConnected, protocol.ConnectedMsg{UserID: userID})
	c.broadcastPresence()
	c.notify(notice{kind: noticeOpened, userID: userID, at: c.now()})

	log.Printf("[presence] user=%s online (online=%d)", userID, c.registry.Len())
}

func (c *Coordinator) disconnect(conn Conn) {
	if _, ok := c.active[conn]; !ok {
		return
	}
	delete(c.active, conn)
	metrics.EventsTotal.WithLabelValues("disconnect").Inc()

	userID := conn.UserID()
	if cur, ok := c.registry.Lookup(userID); ok && cur == conn {
		c.clearTyping(userID)
		c.registry.Deregister(userID)
		c.notify(notice{kind: noticeClosed, userID: userID, at: c.now()})
		log.Printf("[presence] user=%s offline (online=%d)", userID, c.registry.Len())
	} else {
		log.Printf("[presence] superseded connection of user=%s closed", userID)
	}

	c.updateGauges()
	c.broadcastPresence()
}

func (c *Coordinator) typingStart(conn Conn, msg protocol.TypingStartMsg) {
	if !c.isActive(conn) {
		return
	}
	if msg.UserID == "" || msg.RecipientID == "" {
		metrics.EventsTotal.WithLabelValues("dropped").Inc()
		log.Printf("[presence] typing-start missing ids (userId=%q recipientId=%q) from user=%s",
			msg.UserID, msg.RecipientID, conn.UserID())
		return
	}

	c.typing.Start(msg.UserID, msg.RecipientID)
	metrics.EventsTotal.WithLabelValues("typing_start").Inc()
	c.updateGauges()

	if recipient, ok := c.registry.Lookup(msg.RecipientID); ok {
		c.send(recipient, protocol.TypeUserTyping, protocol.UserTypingMsg{
			UserID:    msg.UserID,
			UserName:  msg.UserName,
			Timestamp: c.now(),
		})
	}
}

func (c *Coordinator) typingStop(conn Conn, msg protocol.TypingStopMsg) {
	if !c.isActive(conn) {
		return
	}
	if msg.UserID == "" || msg.RecipientID == "" {
		metrics.EventsTotal.WithLabelValues("dropped").Inc()
		log.Printf("[presence] typing-stop missing ids (userId=%q recipientId=%q) from user=%s",
			msg.UserID, msg.RecipientID, conn.UserID())
		return
	}

	metrics.EventsTotal.WithLabelValues("typing_stop").Inc()
	if c.typing.Stop(msg.UserID, msg.RecipientID) {
		c.updateGauges()
		c.notifyStopped(msg.UserID, msg.RecipientID)
	}
}

func (c *Coordinator) forceStop(conn Conn, msg protocol.ForceStopTypingMsg) {
	if !c.isActive(conn) {
		return
	}
	if msg.UserID == "" {
		metrics.EventsTotal.WithLabelValues("dropped").Inc()
		log.Printf("[presence] force-stop-typing without userId from user=%s", conn.UserID())
		return
	}

	metrics.EventsTotal.WithLabelValues("force_stop").Inc()
	if n := c.clearTyping(msg.UserID); n > 0 {
		log.Printf("[presence] force-stop-typing user=%s cleared %d indicator(s) (by user=%s)",
			msg.UserID, n, conn.UserID())
	}
}

func (c *Coordinator) expired(sender, recipient string, gen uint64) {
	if !c.typing.Expired(sender, recipient, gen) {
		return
	}
	metrics.EventsTotal.WithLabelValues("typing_expired").Inc()
	c.updateGauges()
	c.notifyStopped(sender, recipient)
}

// clearTyping removes all typing state for sender, notifying every online
// recipient once. It returns the number of pairs removed.
func (c *Coordinator) clearTyping(sender string) int {
	recipients := c.typing.Clear(sender)
	for _, recipient := range recipients {
		c.notifyStopped(sender, recipient)
	}
	if len(recipients) > 0 {
		c.updateGauges()
	}
	return len(recipients)
}

func (c *Coordinator) notifyStopped(sender, recipient string) {
	conn, ok := c.registry.Lookup(recipient)
	if !ok {
		return
	}
	c.send(conn, protocol.TypeUserStoppedTyping, protocol.UserStoppedTypingMsg{
		UserID:    sender,
		Timestamp: c.now(),
	})
}

func (c *Coordinator) isActive(conn Conn) bool {
	_, ok := c.active[conn]
	return ok
}

func (c *Coordinator) send(conn Conn, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[presence] build %s: %v", msgType, err)
		return
	}
	if err := conn.Send(data); err != nil {
		log.Printf("[presence] send %s to user=%s failed: %v", msgType, conn.UserID(), err)
	}
}

func (c *Coordinator) updateGauges() {
	metrics.OnlineUsers.Set(float64(c.registry.Len()))
	metrics.TypingPairs.Set(float64(c.typing.Pairs()))
}

func (c *Coordinator) shutdown() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.typing.StopAll()
		c.updateGauges()
		close(c.notices)
	})
}

// ---------------------------------------------------------------------------
// Loop plumbing
// ---------------------------------------------------------------------------

// submit queues fn for the loop. It reports false once the loop has stopped.
func (c *Coordinator) submit(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- fn:
		return true
	case <-c.done:
		return false
	}
}

// call runs fn on the loop and waits for it to finish.
func (c *Coordinator) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		fn()
		close(finished)
	}

	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	case c.events <- wrapped:
	}

	select {
	case <-finished:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) notify(n notice) {
	if len(c.observers) == 0 {
		return
	}
	select {
	case c.notices <- n:
	default:
		log.Printf("[presence] observer queue full, dropping notice for user=%s", n.userID)
	}
}

func (c *Coordinator) runNotifier() {
	for n := range c.notices {
		for _, o := range c.observers {
			ctx, cancel := context.WithTimeout(context.Background(), c.config.ObserverTimeout)
			var err error
			switch n.kind {
			case noticeOpened:
				err = o.SessionOpened(ctx, n.userID, n.at)
			case noticeClosed:
				err = o.SessionClosed(ctx, n.userID, n.at)
			case noticeRefreshed:
				if r, ok := o.(Refresher); ok {
					err = r.SessionsRefreshed(ctx, n.userIDs)
				}
			}
			cancel()
			if err != nil {
				log.Printf("[presence] observer %T user=%s: %v", o, n.userID, err)
			}
		}
	}
}
