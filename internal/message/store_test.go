package message

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

// newTestStore connects to the database named by TEST_DATABASE_URL, applies
// migrations and removes rows created by earlier runs.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := Open(ctx, dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	clean := func() {
		db.ExecContext(ctx, `DELETE FROM messages WHERE sender_id LIKE 'test_%'`)
		db.ExecContext(ctx, `DELETE FROM users WHERE id LIKE 'test_%'`)
	}
	clean()
	t.Cleanup(func() {
		clean()
		db.Close()
	})
	return NewStore(db)
}

func TestFindUser_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.FindUser(context.Background(), "test_ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateAndListConversation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"test_alice", "test_bob", "test_carol"} {
		if err := store.CreateUser(ctx, id, id); err != nil {
			t.Fatalf("CreateUser(%s) error: %v", id, err)
		}
	}

	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	step := 0
	store.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	first, err := store.Create(ctx, "test_alice", "test_bob", "hi bob", "")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := store.Create(ctx, "test_bob", "test_alice", "hi alice", ""); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := store.Create(ctx, "test_alice", "test_carol", "other thread", ""); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	msgs, err := store.ListConversation(ctx, "test_bob", "test_alice", 0)
	if err != nil {
		t.Fatalf("ListConversation() error: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != first.ID || msgs[1].Text != "hi alice" {
		t.Errorf("unexpected order: %+v", msgs)
	}
	if !msgs[0].CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt round trip: got %v, want %v", msgs[0].CreatedAt, first.CreatedAt)
	}

	latest, err := store.ListConversation(ctx, "test_alice", "test_bob", 1)
	if err != nil {
		t.Fatalf("ListConversation() error: %v", err)
	}
	if len(latest) != 1 || latest[0].Text != "hi alice" {
		t.Errorf("limit should keep the newest message, got %+v", latest)
	}
}

func TestCreate_UnknownRecipientFails(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_ = store.CreateUser(ctx, "test_alice", "Alice")

	if _, err := store.Create(ctx, "test_alice", "test_nobody", "hello", ""); err == nil {
		t.Error("expected foreign key violation for unknown recipient")
	}
}
