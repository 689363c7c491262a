// Package ratelimit throttles chat sends per user with a fixed window that
// starts at the first request. The Redis limiter shares the window between
// gateway processes; the local limiter keeps it in memory for
// single-process deployments.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/taskmarket/order-chat/internal/chaterr"
)

// Checker is consulted before every send. A false result with a nil error
// means the caller is over its limit.
type Checker interface {
	Allow(ctx context.Context, identifier string) (bool, error)
}

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix, e.g. "rl:send:"
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// RuleSend allows 20 messages per minute per user.
var RuleSend = Rule{Key: "rl:send:", Limit: 20, Window: 1 * time.Minute}

var _ Checker = (*Limiter)(nil)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	rule   Rule
	log    zerolog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, rule Rule, logger zerolog.Logger) *Limiter {
	return &Limiter{
		client: client,
		rule:   rule,
		log:    logger.With().Str("component", "ratelimit").Logger(),
	}
}

// allowScript increments the window counter and sets its expiry on the
// first hit in one step, so a counter never outlives its window.
var allowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Allow counts a request against the identifier's current window.
//
// Redis errors fail closed: the request is refused and a StoreUnavailable
// error is returned, so an outage cannot be used to bypass the limit.
func (l *Limiter) Allow(ctx context.Context, identifier string) (bool, error) {
	key := l.rule.Key + identifier

	count, err := allowScript.Run(ctx, l.client, []string{key}, l.rule.Window.Milliseconds()).Int64()
	if err != nil {
		return false, l.unavailable("incr", key, err)
	}
	return int(count) <= l.rule.Limit, nil
}

func (l *Limiter) unavailable(op, key string, err error) error {
	l.log.Warn().Err(err).Str("op", op).Str("key", key).Msg("redis error, failing closed")
	return chaterr.Wrap(chaterr.StoreUnavailable, "rate limiter unavailable", fmt.Errorf("ratelimit: %s: %w", op, err))
}
