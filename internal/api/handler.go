// Package api is the REST surface next to the realtime server: sending and
// listing messages, and reading presence mirrored in Redis. Authentication
// happens upstream; the caller's user id arrives in the X-User-ID header.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chatwave/chatrt/internal/message"
	"github.com/chatwave/chatrt/internal/protocol"
	"github.com/chatwave/chatrt/internal/ratelimit"
)

// UserHeader carries the authenticated caller's user id.
const UserHeader = "X-User-ID"

// maxBodyBytes bounds a send request body.
const maxBodyBytes = 16 << 10

// MessageStore persists users and messages.
type MessageStore interface {
	FindUser(ctx context.Context, id string) (*message.User, error)
	Create(ctx context.Context, senderID, recipientID, text, image string) (*message.Message, error)
	ListConversation(ctx context.Context, a, b string, limit int) ([]message.Message, error)
}

// Notifier announces created messages to the realtime nodes.
type Notifier interface {
	PublishMessageCreated(data []byte) error
}

// PresenceReader answers presence queries from the Redis mirror.
type PresenceReader interface {
	Online(ctx context.Context) ([]string, error)
	IsOnline(ctx context.Context, userID string) (bool, error)
	LastSeen(ctx context.Context, userID string) (time.Time, bool, error)
}

// RateLimiter throttles message sends.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) (int, error)
}

// Handler serves the REST API.
type Handler struct {
	store    MessageStore
	notifier Notifier
	presence PresenceReader
	limiter  RateLimiter
}

// NewHandler creates a Handler. notifier and limiter may be nil.
func NewHandler(store MessageStore, notifier Notifier, presence PresenceReader, limiter RateLimiter) *Handler {
	return &Handler{store: store, notifier: notifier, presence: presence, limiter: limiter}
}

// Routes returns the router for the API.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(requireCaller)
		r.Post("/messages/{recipientId}", h.sendMessage)
		r.Get("/messages/{peerId}", h.listMessages)
		r.Get("/users/online", h.onlineUsers)
		r.Get("/users/{userId}/presence", h.userPresence)
	})
	return r
}

type callerKey struct{}

func requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(UserHeader)
		if id == "" || id == "undefined" {
			writeError(w, http.StatusUnauthorized, "missing "+UserHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, id)))
	})
}

func caller(r *http.Request) string {
	id, _ := r.Context().Value(callerKey{}).(string)
	return id
}

type sendRequest struct {
	Text  string `json:"text"`
	Image string `json:"image,omitempty"`
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sender := caller(r)
	recipient := chi.URLParam(r, "recipientId")

	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := message.Validate(req.Text, req.Image); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.limiter != nil {
		ok, err := h.limiter.Allow(ctx, sender, ratelimit.RuleMessage)
		if err != nil {
			log.Printf("[api] rate limit check failed for %s: %v", sender, err)
		}
		if !ok {
			retry, _ := h.limiter.RetryAfter(ctx, sender, ratelimit.RuleMessage)
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error":      "rate limited",
				"retryAfter": retry,
			})
			return
		}
	}

	if _, err := h.store.FindUser(ctx, recipient); err != nil {
		if errors.Is(err, message.ErrNotFound) {
			writeError(w, http.StatusNotFound, "recipient not found")
			return
		}
		log.Printf("[api] find recipient %s: %v", recipient, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	msg, err := h.store.Create(ctx, sender, recipient, req.Text, req.Image)
	if err != nil {
		log.Printf("[api] create message %s->%s: %v", sender, recipient, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	wire := msg.Wire()

	// The message is stored; a failed publish only delays delivery until
	// the recipient fetches the conversation.
	if h.notifier != nil {
		if data, err := json.Marshal(wire); err == nil {
			if err := h.notifier.PublishMessageCreated(data); err != nil {
				log.Printf("[api] publish message.created %s: %v", wire.ID, err)
			}
		}
	}

	writeJSON(w, http.StatusCreated, wire)
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	msgs, err := h.store.ListConversation(r.Context(), caller(r), chi.URLParam(r, "peerId"), limit)
	if err != nil {
		log.Printf("[api] list messages: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]protocol.ChatMessage, 0, len(msgs))
	for i := range msgs {
		out = append(out, msgs[i].Wire())
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) onlineUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.presence.Online(r.Context())
	if err != nil {
		log.Printf("[api] online users: %v", err)
		writeError(w, http.StatusServiceUnavailable, "presence unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"users": users})
}

type presenceResponse struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

func (h *Handler) userPresence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userId")

	online, err := h.presence.IsOnline(ctx, userID)
	if err != nil {
		log.Printf("[api] presence %s: %v", userID, err)
		writeError(w, http.StatusServiceUnavailable, "presence unavailable")
		return
	}

	resp := presenceResponse{UserID: userID, Online: online}
	if !online {
		at, ok, err := h.presence.LastSeen(ctx, userID)
		if err != nil {
			log.Printf("[api] last seen %s: %v", userID, err)
		} else if ok {
			resp.LastSeen = &at
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
