package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/chatwave/chatrt/internal/delivery"
	"github.com/chatwave/chatrt/internal/messaging"
	"github.com/chatwave/chatrt/internal/metrics"
	"github.com/chatwave/chatrt/internal/presence"
	"github.com/chatwave/chatrt/internal/protocol"
	"github.com/chatwave/chatrt/internal/ratelimit"
	"github.com/chatwave/chatrt/internal/session"
	"github.com/chatwave/chatrt/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	presenceConfig := presence.DefaultConfig()
	if v := os.Getenv("TYPING_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			presenceConfig.IdleTimeout = d
		}
	}
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			presenceConfig.SweepInterval = d
		}
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsConfig.Name = "chatrt-realtime"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "realtime-1"
	}

	sessionStore, err := session.NewStore(redisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(sessionStore.Client())

	log.Printf("chatrt realtime server starting")
	log.Printf("  listen_addr:     %s%s", config.ListenAddr, config.Path)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  typing_idle:     %s", presenceConfig.IdleTimeout)
	log.Printf("  sweep_interval:  %s", presenceConfig.SweepInterval)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  server_name:     %s", serverName)

	// --- Presence coordinator ---
	coord := presence.NewCoordinator(presenceConfig,
		sessionStore,
		messaging.NewPresencePublisher(natsClient, serverName),
	)
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		coord.Run(ctx)
		close(runDone)
	}()

	dispatcher := ws.NewMessageDispatcher()

	// typing-start is the only high-frequency client event; stops are never
	// throttled so an indicator can always be cleared.
	dispatcher.Register(protocol.TypeTypingStart, func(conn *ws.Connection, msg interface{}) {
		if !allowTyping(limiter, conn) {
			return
		}
		coord.OnTypingStart(conn, msg.(protocol.TypingStartMsg))
	})
	dispatcher.Register(protocol.TypeTypingStop, func(conn *ws.Connection, msg interface{}) {
		coord.OnTypingStop(conn, msg.(protocol.TypingStopMsg))
	})
	dispatcher.Register(protocol.TypeForceStopTyping, func(conn *ws.Connection, msg interface{}) {
		coord.OnForceStopTyping(conn, msg.(protocol.ForceStopTypingMsg))
	})

	server := ws.NewServer(config, dispatcher.Dispatch)
	server.Handle("/metrics", metrics.Handler())

	server.SetAdmission(func(r *http.Request) bool {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		ok, _ := limiter.Allow(r.Context(), ip, ratelimit.RuleConnect)
		if !ok {
			log.Printf("ws: connect rate limit exceeded ip=%s", ip)
		}
		return ok
	})
	server.SetOnConnect(func(conn *ws.Connection) error {
		return coord.Connect(conn)
	})
	server.SetOnDisconnect(func(conn *ws.Connection) {
		coord.Disconnect(conn)
	})

	// Messages stored by the API reach online recipients through this node.
	pusher := delivery.NewPusher(coord)
	if err := natsClient.SubscribeMessageCreated(pusher.HandleEvent); err != nil {
		log.Fatalf("failed to subscribe to %s: %v", messaging.SubjectMessageCreated, err)
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		// Closing sockets in bulk skips the per-connection disconnect path,
		// so release this node's presence records explicitly.
		online, _ := coord.Online(context.Background())
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}

		// Run returns once queued observer notices are flushed; those still
		// publish over NATS and write to Redis.
		cancel()
		select {
		case <-runDone:
		case <-time.After(10 * time.Second):
			log.Println("coordinator did not stop in time")
		}

		releaseCtx, release := context.WithTimeout(context.Background(), 5*time.Second)
		now := time.Now()
		for _, userID := range online {
			if err := sessionStore.SessionClosed(releaseCtx, userID, now); err != nil {
				log.Printf("release presence for %s: %v", userID, err)
			}
		}
		release()

		natsClient.Close()
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// allowTyping applies the typing rate limit to conn's user. Over the limit,
// the client gets a rate_limited frame and the event is dropped.
func allowTyping(limiter *ratelimit.Limiter, conn *ws.Connection) bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ok, _ := limiter.Allow(ctx, conn.UserID(), ratelimit.RuleTyping)
	if ok {
		return true
	}

	retry, _ := limiter.RetryAfter(ctx, conn.UserID(), ratelimit.RuleTyping)
	if retry < 1 {
		retry = 1
	}
	data, err := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: retry})
	if err == nil {
		if err := conn.Send(data); err != nil {
			log.Printf("ws: rate_limited send failed id=%s: %v", conn.ID, err)
		}
	}
	return false
}
