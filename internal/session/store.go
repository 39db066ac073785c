// Package session mirrors realtime presence into Redis so that processes
// without a WebSocket of their own (the REST API, other realtime nodes) can
// answer "who is online" and "when was this user last seen".
package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PresencePrefix is the Redis key prefix for per-user presence hashes.
	PresencePrefix = "presence:"

	// LastSeenPrefix is the Redis key prefix for last-seen timestamps.
	LastSeenPrefix = "lastseen:"

	// PresenceTTL bounds how long a presence hash outlives a node that died
	// without cleaning up.
	PresenceTTL = 1 * time.Hour

	// LastSeenTTL is how long a last-seen timestamp is kept.
	LastSeenTTL = 30 * 24 * time.Hour
)

// closeScript deletes the presence hash only while it still belongs to the
// closing node, so a reconnect on another node is not wiped out.
var closeScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "server") == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Presence is the mirrored presence record of one user.
type Presence struct {
	UserID      string `redis:"user_id"`
	Server      string `redis:"server"`       // realtime node holding the socket
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
}

// Store manages presence state in Redis. It implements presence.Observer
// and presence.Refresher.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this realtime node
}

// NewStore creates a presence store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// SessionOpened records userID as online on this node.
func (s *Store) SessionOpened(ctx context.Context, userID string, at time.Time) error {
	key := PresencePrefix + userID

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"user_id":      userID,
		"server":       s.serverName,
		"connected_at": at.Unix(),
	})
	pipe.Expire(ctx, key, PresenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: open %s: %w", userID, err)
	}
	return nil
}

// SessionClosed drops userID's presence (if this node still owns it) and
// stamps the last-seen time.
func (s *Store) SessionClosed(ctx context.Context, userID string, at time.Time) error {
	if err := closeScript.Run(ctx, s.client, []string{PresencePrefix + userID}, s.serverName).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("session: close %s: %w", userID, err)
	}
	if err := s.client.Set(ctx, LastSeenPrefix+userID, at.Unix(), LastSeenTTL).Err(); err != nil {
		return fmt.Errorf("session: last seen %s: %w", userID, err)
	}
	return nil
}

// RefreshTTL extends userID's presence record. A missing record is left
// missing.
func (s *Store) RefreshTTL(ctx context.Context, userID string) error {
	return s.client.Expire(ctx, PresencePrefix+userID, PresenceTTL).Err()
}

// SessionsRefreshed extends the presence records of every user still
// connected to this node in one round trip.
func (s *Store) SessionsRefreshed(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, id := range userIDs {
		pipe.Expire(ctx, PresencePrefix+id, PresenceTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: refresh %d session(s): %w", len(userIDs), err)
	}
	return nil
}

// Get returns userID's presence record, or nil if the user is offline.
func (s *Store) Get(ctx context.Context, userID string) (*Presence, error) {
	var p Presence
	if err := s.client.HGetAll(ctx, PresencePrefix+userID).Scan(&p); err != nil {
		return nil, err
	}
	if p.UserID == "" {
		return nil, nil
	}
	return &p, nil
}

// IsOnline reports whether any node holds a session for userID.
func (s *Store) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.Exists(ctx, PresencePrefix+userID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LastSeen returns when userID last went offline. ok is false if the user
// was never seen.
func (s *Store) LastSeen(ctx context.Context, userID string) (at time.Time, ok bool, err error) {
	ts, err := s.client.Get(ctx, LastSeenPrefix+userID).Int64()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(ts, 0).UTC(), true, nil
}

// Online returns every user with a presence record across all nodes, sorted.
func (s *Store) Online(ctx context.Context) ([]string, error) {
	users := []string{}
	iter := s.client.Scan(ctx, 0, PresencePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		users = append(users, strings.TrimPrefix(iter.Val(), PresencePrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(users)
	return users, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
