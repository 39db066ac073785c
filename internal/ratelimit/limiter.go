// Package ratelimit throttles realtime and REST traffic with fixed Redis
// windows (INCR, then EXPIRE on the first hit). Counters live in Redis so the
// limits hold across every realtime node and API replica.
package ratelimit

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is one throttling policy.
type Rule struct {
	Key    string        // Redis key prefix, e.g. "rl:typing:"
	Limit  int           // max hits in the window
	Window time.Duration // window length
}

var (
	// RuleTyping allows 30 typing events per 10 seconds per user. Clients
	// renew typing-start about once a second, so this leaves headroom for
	// several conversations at once.
	RuleTyping = Rule{Key: "rl:typing:", Limit: 30, Window: 10 * time.Second}

	// RuleConnect allows 10 WebSocket upgrades per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 10, Window: time.Minute}

	// RuleMessage allows 10 sent messages per 10 seconds per user.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 10, Window: 10 * time.Second}
)

// Limiter checks rules against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow counts one hit for identifier under rule and reports whether it is
// within the limit. Redis errors fail open: the hit is allowed and the error
// returned for logging.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] INCR failed key=%s: %v (failing open)", key, err)
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] EXPIRE failed key=%s: %v (failing open)", key, err)
			// A counter without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// RetryAfter returns how many whole seconds remain until identifier's window
// under rule resets. It is at least 1 while a window is open and 0 otherwise.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) (int, error) {
	ttl, err := l.client.PTTL(ctx, rule.Key+identifier).Result()
	if err != nil {
		return 0, err
	}
	if ttl <= 0 {
		return 0, nil
	}
	return int(math.Ceil(ttl.Seconds())), nil
}

// Remaining returns how many hits identifier has left in the current window.
// A missing counter or a Redis error reports the full limit.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] GET failed key=%s: %v (failing open)", key, err)
		return rule.Limit, err
	}

	if remaining := rule.Limit - count; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}
