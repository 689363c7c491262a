// Package session tracks ephemeral per-user chat state: live connections,
// last-seen timestamps, typing marks, unread counters and the offline message
// queue. The state is shared by every gateway process, so backends expose only
// atomic primitives and never cache presence locally.
package session

import (
	"context"
	"time"
)

const (
	// ConnectionTTL is the safety-net expiry of a user's connection set.
	ConnectionTTL = 24 * time.Hour

	// LastSeenTTL is how long a last-seen timestamp is kept.
	LastSeenTTL = 24 * time.Hour

	// TypingTTL is refreshed on every typing mark for an order.
	TypingTTL = 5 * time.Second

	// OfflineTTL bounds how long undelivered messages wait for a reconnect.
	OfflineTTL = 7 * 24 * time.Hour

	// UnreadTTL is the lifetime of a cached unread counter.
	UnreadTTL = 1 * time.Hour

	// DefaultOfflineQueueMax is the number of newest entries kept per user.
	DefaultOfflineQueueMax = 100
)

// Registry is the shared ephemeral state used by the connection gateway.
// Implementations must be safe for concurrent use from many goroutines and,
// for shared backends, from many processes.
type Registry interface {
	// AddConnection registers connID for userID. Idempotent.
	AddConnection(ctx context.Context, userID, connID string) error

	// RemoveConnection deregisters connID. last reports whether this call
	// removed the user's final connection; concurrent removals of different
	// connections see last=true at most once.
	RemoveConnection(ctx context.Context, userID, connID string) (last bool, err error)

	IsOnline(ctx context.Context, userID string) (bool, error)
	ConnectionCount(ctx context.Context, userID string) (int, error)

	UpdateLastSeen(ctx context.Context, userID string) error
	// LastSeen returns the zero time when nothing is recorded.
	LastSeen(ctx context.Context, userID string) (time.Time, error)

	SetTyping(ctx context.Context, orderID, userID string) error
	RemoveTyping(ctx context.Context, orderID, userID string) error
	TypingUsers(ctx context.Context, orderID string) ([]string, error)

	// QueueOfflineMessage appends an encoded message to the user's FIFO queue.
	QueueOfflineMessage(ctx context.Context, userID string, msg []byte) error
	// DrainOfflineMessages atomically returns and clears the queue, oldest
	// first. Concurrent drains never return the same entry twice.
	DrainOfflineMessages(ctx context.Context, userID string) ([][]byte, error)

	// GetUnread returns ok=false when no counter is cached.
	GetUnread(ctx context.Context, orderID, userID string) (n int, ok bool, err error)
	SetUnread(ctx context.Context, orderID, userID string, n int) error
	IncrementUnread(ctx context.Context, orderID, userID string) (int, error)
	ClearUnread(ctx context.Context, orderID, userID string) error

	// CleanupUser removes every ephemeral key belonging to userID.
	CleanupUser(ctx context.Context, userID string) error

	Ping(ctx context.Context) error
	Close() error
}
