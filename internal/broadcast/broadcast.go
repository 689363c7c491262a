// Package broadcast fans server events out to subscribed connections. A
// channel is a named audience: one order, one user's devices, or everyone
// watching presence. The Hub delivers inside one process; NATSBroadcaster
// carries events between processes.
package broadcast

import (
	"context"
	"encoding/json"

	"github.com/taskmarket/order-chat/internal/protocol"
)

// PresenceChannel carries user_online and user_offline to every connection.
const PresenceChannel = "presence"

// OrderChannel is the channel of everyone who joined an order's chat.
func OrderChannel(orderID string) string { return "order." + orderID }

// UserChannel is the personal channel of every connection of one user.
func UserChannel(userID string) string { return "user." + userID }

// Event is one encoded server frame. ExceptConn, when set, names a
// connection that must not receive it.
type Event struct {
	Type       string          `json:"type"`
	Frame      json.RawMessage `json:"frame"`
	ExceptConn string          `json:"except_conn,omitempty"`
}

// NewEvent encodes payload as a server frame of msgType.
func NewEvent(msgType string, payload interface{}) (Event, error) {
	frame, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: msgType, Frame: frame}, nil
}

// Sink receives frames for one connection. Send must be safe for concurrent
// use.
type Sink interface {
	ID() string
	Send(frame []byte) error
}

// Broadcaster publishes events to channels and manages subscriptions.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, ev Event) error
	Subscribe(channel string, s Sink) error
	Unsubscribe(channel, sinkID string) error
	// UnsubscribeAll removes the sink from every channel.
	UnsubscribeAll(sinkID string) error
}
