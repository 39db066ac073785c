// Package message stores chat messages between users in PostgreSQL and
// validates their content before they are accepted.
package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/chatwave/chatrt/internal/protocol"
)

// ErrNotFound is returned when a user or message does not exist.
var ErrNotFound = errors.New("message: not found")

// DefaultListLimit caps how many messages one conversation query returns.
const DefaultListLimit = 200

// Message is one stored chat message.
type Message struct {
	ID          string
	SenderID    string
	RecipientID string
	Text        string
	Image       string
	CreatedAt   time.Time
}

// Wire returns the message as pushed to clients and published on NATS.
func (m *Message) Wire() protocol.ChatMessage {
	return protocol.ChatMessage{
		ID:          m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Text:        m.Text,
		Image:       m.Image,
		CreatedAt:   m.CreatedAt,
	}
}

// User is a row of the users table.
type User struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Store manages users and messages in PostgreSQL.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open connects to PostgreSQL using the lib/pq driver and verifies the
// connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("message: open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("message: ping postgres: %w", err)
	}
	return db, nil
}

// NewStore creates a message store backed by db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// CreateUser inserts a user, or renames it if it already exists.
func (s *Store) CreateUser(ctx context.Context, id, name string) error {
	const query = `
		INSERT INTO users (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`

	if _, err := s.db.ExecContext(ctx, query, id, name); err != nil {
		return fmt.Errorf("message: upsert user %s: %w", id, err)
	}
	return nil
}

// FindUser returns the user with id, or ErrNotFound.
func (s *Store) FindUser(ctx context.Context, id string) (*User, error) {
	const query = `SELECT id, name, created_at FROM users WHERE id = $1`

	var u User
	err := s.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Name, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("message: find user %s: %w", id, err)
	}
	return &u, nil
}

// Create stores a message from sender to recipient. Both users must exist.
func (s *Store) Create(ctx context.Context, senderID, recipientID, text, image string) (*Message, error) {
	msg := &Message{
		ID:          uuid.NewString(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Text:        text,
		Image:       image,
		// Postgres keeps microseconds; truncate so the returned value matches
		// what a later read yields.
		CreatedAt: s.now().UTC().Truncate(time.Microsecond),
	}

	const query = `
		INSERT INTO messages (id, sender_id, recipient_id, text, image, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.SenderID, msg.RecipientID, msg.Text, msg.Image, msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("message: insert: %w", err)
	}
	return msg, nil
}

// ListConversation returns up to limit messages exchanged between a and b in
// either direction, oldest first. limit <= 0 means DefaultListLimit.
func (s *Store) ListConversation(ctx context.Context, a, b string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	// Newest N, then flipped back to chronological order.
	const query = `
		SELECT id, sender_id, recipient_id, text, image, created_at FROM (
			SELECT id, sender_id, recipient_id, text, image, created_at
			FROM messages
			WHERE (sender_id = $1 AND recipient_id = $2)
			   OR (sender_id = $2 AND recipient_id = $1)
			ORDER BY created_at DESC
			LIMIT $3
		) recent
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, a, b, limit)
	if err != nil {
		return nil, fmt.Errorf("message: list %s/%s: %w", a, b, err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Text, &m.Image, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("message: scan: %w", err)
		}
		m.CreatedAt = m.CreatedAt.UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: list rows: %w", err)
	}
	return msgs, nil
}
