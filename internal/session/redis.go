package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/taskmarket/order-chat/internal/chaterr"
)

// Key layout:
//
//	chat:user:<userId>:conns          set of connection ids
//	chat:user:<userId>:last_seen      unix milliseconds
//	chat:user:<userId>:offline        list of encoded messages, oldest first
//	chat:typing:<orderId>             set of typing user ids
//	chat:unread:<orderId>:<userId>    cached unread counter
const (
	KeyPrefix    = "chat:"
	userPrefix   = KeyPrefix + "user:"
	typingPrefix = KeyPrefix + "typing:"
	unreadPrefix = KeyPrefix + "unread:"
)

func connsKey(userID string) string           { return userPrefix + userID + ":conns" }
func lastSeenKey(userID string) string        { return userPrefix + userID + ":last_seen" }
func offlineKey(userID string) string         { return userPrefix + userID + ":offline" }
func typingKey(orderID string) string         { return typingPrefix + orderID }
func unreadKey(orderID, userID string) string { return unreadPrefix + orderID + ":" + userID }

var _ Registry = (*RedisRegistry)(nil)

// RedisRegistry is a Registry backed by Redis. Every mutation is a single
// command, a MULTI/EXEC transaction, or a Lua script.
type RedisRegistry struct {
	client      *redis.Client
	drainScript *redis.Script
	queueMax    int
	log         zerolog.Logger
}

// NewRedisRegistry connects to Redis at addr and verifies the connection.
func NewRedisRegistry(addr string, queueMax int, logger zerolog.Logger) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewRedisRegistryFromClient(client, queueMax, logger), nil
}

// NewRedisRegistryFromClient wraps an existing client.
func NewRedisRegistryFromClient(client *redis.Client, queueMax int, logger zerolog.Logger) *RedisRegistry {
	if queueMax <= 0 {
		queueMax = DefaultOfflineQueueMax
	}
	return &RedisRegistry{
		client:      client,
		drainScript: redis.NewScript(drainLua),
		queueMax:    queueMax,
		log:         logger.With().Str("component", "registry").Logger(),
	}
}

// Client returns the underlying Redis client for use by other packages.
func (r *RedisRegistry) Client() *redis.Client {
	return r.client
}

func unavailable(op string, err error) error {
	return chaterr.Wrap(chaterr.StoreUnavailable, "", fmt.Errorf("session: %s: %w", op, err))
}

func (r *RedisRegistry) AddConnection(ctx context.Context, userID, connID string) error {
	key := connsKey(userID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, connID)
		pipe.Expire(ctx, key, ConnectionTTL)
		return nil
	})
	if err != nil {
		return unavailable("add connection", err)
	}
	return nil
}

func (r *RedisRegistry) RemoveConnection(ctx context.Context, userID, connID string) (bool, error) {
	key := connsKey(userID)
	var removed *redis.IntCmd
	var remaining *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, key, connID)
		remaining = pipe.SCard(ctx, key)
		return nil
	})
	if err != nil {
		return false, unavailable("remove connection", err)
	}
	// Only the call that actually removed the final member reports last, so
	// two processes racing on different connections cannot both see it.
	return removed.Val() == 1 && remaining.Val() == 0, nil
}

func (r *RedisRegistry) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := r.ConnectionCount(ctx, userID)
	return n > 0, err
}

func (r *RedisRegistry) ConnectionCount(ctx context.Context, userID string) (int, error) {
	n, err := r.client.SCard(ctx, connsKey(userID)).Result()
	if err != nil {
		return 0, unavailable("connection count", err)
	}
	return int(n), nil
}

func (r *RedisRegistry) UpdateLastSeen(ctx context.Context, userID string) error {
	now := time.Now().UnixMilli()
	if err := r.client.Set(ctx, lastSeenKey(userID), now, LastSeenTTL).Err(); err != nil {
		return unavailable("update last seen", err)
	}
	return nil
}

func (r *RedisRegistry) LastSeen(ctx context.Context, userID string) (time.Time, error) {
	ms, err := r.client.Get(ctx, lastSeenKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, unavailable("last seen", err)
	}
	return time.UnixMilli(ms), nil
}

func (r *RedisRegistry) SetTyping(ctx context.Context, orderID, userID string) error {
	key := typingKey(orderID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, userID)
		pipe.Expire(ctx, key, TypingTTL)
		return nil
	})
	if err != nil {
		return unavailable("set typing", err)
	}
	return nil
}

func (r *RedisRegistry) RemoveTyping(ctx context.Context, orderID, userID string) error {
	if err := r.client.SRem(ctx, typingKey(orderID), userID).Err(); err != nil {
		return unavailable("remove typing", err)
	}
	return nil
}

func (r *RedisRegistry) TypingUsers(ctx context.Context, orderID string) ([]string, error) {
	users, err := r.client.SMembers(ctx, typingKey(orderID)).Result()
	if err != nil {
		return nil, unavailable("typing users", err)
	}
	return users, nil
}

func (r *RedisRegistry) QueueOfflineMessage(ctx context.Context, userID string, msg []byte) error {
	key := offlineKey(userID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, msg)
		pipe.LTrim(ctx, key, int64(-r.queueMax), -1)
		pipe.Expire(ctx, key, OfflineTTL)
		return nil
	})
	if err != nil {
		return unavailable("queue offline message", err)
	}
	return nil
}

func (r *RedisRegistry) DrainOfflineMessages(ctx context.Context, userID string) ([][]byte, error) {
	items, err := r.drainScript.Run(ctx, r.client, []string{offlineKey(userID)}).StringSlice()
	if err != nil {
		return nil, unavailable("drain offline messages", err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	out := make([][]byte, len(items))
	for i, s := range items {
		out[i] = []byte(s)
	}
	r.log.Debug().Str("user_id", userID).Int("count", len(out)).Msg("drained offline queue")
	return out, nil
}

func (r *RedisRegistry) GetUnread(ctx context.Context, orderID, userID string) (int, bool, error) {
	n, err := r.client.Get(ctx, unreadKey(orderID, userID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, unavailable("get unread", err)
	}
	return n, true, nil
}

func (r *RedisRegistry) SetUnread(ctx context.Context, orderID, userID string, n int) error {
	if err := r.client.Set(ctx, unreadKey(orderID, userID), n, UnreadTTL).Err(); err != nil {
		return unavailable("set unread", err)
	}
	return nil
}

func (r *RedisRegistry) IncrementUnread(ctx context.Context, orderID, userID string) (int, error) {
	key := unreadKey(orderID, userID)
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, UnreadTTL)
		return nil
	})
	if err != nil {
		return 0, unavailable("increment unread", err)
	}
	return int(incr.Val()), nil
}

func (r *RedisRegistry) ClearUnread(ctx context.Context, orderID, userID string) error {
	if err := r.client.Del(ctx, unreadKey(orderID, userID)).Err(); err != nil {
		return unavailable("clear unread", err)
	}
	return nil
}

// CleanupUser deletes the user's own keys and scans for the per-order keys
// that mention the user.
func (r *RedisRegistry) CleanupUser(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, connsKey(userID), lastSeenKey(userID), offlineKey(userID)).Err(); err != nil {
		return unavailable("cleanup user", err)
	}

	var firstErr error
	iter := r.client.Scan(ctx, 0, unreadPrefix+"*:"+userID, 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := iter.Err(); err != nil {
		return unavailable("cleanup user", err)
	}

	iter = r.client.Scan(ctx, 0, typingPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.SRem(ctx, iter.Val(), userID).Err(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := iter.Err(); err != nil {
		return unavailable("cleanup user", err)
	}
	if firstErr != nil {
		return unavailable("cleanup user", firstErr)
	}
	return nil
}

func (r *RedisRegistry) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the Redis connection.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

// drainLua reads the whole queue and deletes it in one step so two
// connections coming online together cannot both receive an entry.
const drainLua = `
local items = redis.call('LRANGE', KEYS[1], 0, -1)
if #items > 0 then
  redis.call('DEL', KEYS[1])
end
return items
`
