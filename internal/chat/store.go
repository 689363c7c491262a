package chat

import (
	"context"
	"time"
)

// OrderLookup resolves order participants. It returns a NotFound error when
// the order does not exist.
type OrderLookup interface {
	GetOrder(ctx context.Context, orderID string) (*Order, error)
}

// UserDirectory resolves display fields. Unknown ids are omitted.
type UserDirectory interface {
	LookupUsers(ctx context.Context, ids []string) (map[string]UserSummary, error)
}

// Store is the durable room and message store.
type Store interface {
	// GetOrCreateRoom returns the order's room, creating it if needed.
	// Concurrent calls for one order must yield the same room.
	GetOrCreateRoom(ctx context.Context, orderID string) (*Room, error)

	CreateMessage(ctx context.Context, msg *Message) error

	// GetMessage returns a NotFound error when the id is unknown.
	GetMessage(ctx context.Context, messageID string) (*Message, error)

	// EditMessage replaces the content of an unedited message and marks it
	// edited. ok is false when the message was already edited, which makes
	// concurrent edits mutually exclusive.
	EditMessage(ctx context.Context, messageID, content string, isModerated bool, flags []string, editedAt time.Time) (msg *Message, ok bool, err error)

	// MarkRead marks unread messages of the order addressed to readerID as
	// read and returns the ids that changed state.
	MarkRead(ctx context.Context, orderID, readerID string, messageIDs []string, readAt time.Time) ([]string, error)

	CountUnread(ctx context.Context, orderID, userID string) (int, error)
}
