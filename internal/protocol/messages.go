// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator and
// an optional client-chosen request_id echoed in replies.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskmarket/order-chat/internal/chat"
	"github.com/taskmarket/order-chat/internal/chaterr"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinOrderChat  = "join_order_chat"
	TypeLeaveOrderChat = "leave_order_chat"
	TypeSendMessage    = "send_message"
	TypeTyping         = "typing"
	TypeStopTyping     = "stop_typing"
	TypeMarkAsRead     = "mark_as_read"
	TypeEditMessage    = "edit_message"
	TypeGetUnreadCount = "get_unread_count"
	TypePing           = "ping"
)

// Server -> Client message types.
const (
	TypeAck               = "ack"
	TypeOfflineMessages   = "offline_messages"
	TypeNewMessage        = "new_message"
	TypeMessageSent       = "message_sent"
	TypeUserTyping        = "user_typing"
	TypeUserStoppedTyping = "user_stopped_typing"
	TypeMessagesRead      = "messages_read"
	TypeMessageEdited     = "message_edited"
	TypeUserOnline        = "user_online"
	TypeUserOffline       = "user_offline"
	TypeUnreadCount       = "unread_count"
	TypeError             = "error"
	TypePong              = "pong"
)

// MaxMessageIDs bounds a single mark_as_read request.
const MaxMessageIDs = 100

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type, the optional request id and the raw JSON
// payload for deferred parsing into a concrete struct.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the envelope fields so that the rest of
// the payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type      string `json:"type"`
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	e.RequestID = partial.RequestID
	return nil
}

// ParseEnvelope decodes the envelope of a raw client frame. Malformed frames
// are BadRequest.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, chaterr.Wrap(chaterr.BadRequest, "malformed message", err)
	}
	return env, nil
}

// Validator is implemented by every client payload.
type Validator interface {
	Validate() error
}

// Decode unmarshals raw into v and validates it. Both failures are
// BadRequest.
func Decode(raw json.RawMessage, v Validator) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return chaterr.Wrap(chaterr.BadRequest, "malformed payload", err)
	}
	return v.Validate()
}

func validateUUID(field, value string) error {
	if value == "" {
		return chaterr.Newf(chaterr.BadRequest, "%s is required", field)
	}
	if len(value) != 36 {
		return chaterr.Newf(chaterr.BadRequest, "%s must be a UUID", field)
	}
	if _, err := uuid.Parse(value); err != nil {
		return chaterr.Newf(chaterr.BadRequest, "%s must be a UUID", field)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// OrderRef is the payload of join_order_chat, leave_order_chat, typing,
// stop_typing and get_unread_count.
type OrderRef struct {
	OrderID string `json:"order_id"`
}

func (m *OrderRef) Validate() error {
	return validateUUID("order_id", m.OrderID)
}

// SendMessageMsg is a new chat message for an order.
type SendMessageMsg struct {
	OrderID string `json:"order_id"`
	Content string `json:"content"`
}

func (m *SendMessageMsg) Validate() error {
	if err := validateUUID("order_id", m.OrderID); err != nil {
		return err
	}
	content, err := chat.ValidateContent(m.Content)
	if err != nil {
		return err
	}
	m.Content = content
	return nil
}

// MarkAsReadMsg marks messages of an order as read by the caller.
type MarkAsReadMsg struct {
	OrderID    string   `json:"order_id"`
	MessageIDs []string `json:"message_ids"`
}

func (m *MarkAsReadMsg) Validate() error {
	if err := validateUUID("order_id", m.OrderID); err != nil {
		return err
	}
	if len(m.MessageIDs) == 0 {
		return chaterr.New(chaterr.BadRequest, "message_ids is required")
	}
	if len(m.MessageIDs) > MaxMessageIDs {
		return chaterr.Newf(chaterr.BadRequest, "at most %d message_ids per request", MaxMessageIDs)
	}
	seen := make(map[string]struct{}, len(m.MessageIDs))
	ids := m.MessageIDs[:0]
	for _, id := range m.MessageIDs {
		if err := validateUUID("message_ids", id); err != nil {
			return err
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	m.MessageIDs = ids
	return nil
}

// EditMessageMsg replaces the content of one of the caller's messages.
type EditMessageMsg struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

func (m *EditMessageMsg) Validate() error {
	if err := validateUUID("message_id", m.MessageID); err != nil {
		return err
	}
	content, err := chat.ValidateContent(m.Content)
	if err != nil {
		return err
	}
	m.Content = content
	return nil
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct{}

func (m *PingMsg) Validate() error { return nil }

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// AckMsg confirms a client event that has no richer reply.
type AckMsg struct {
	Event     string `json:"event"`
	RequestID string `json:"request_id,omitempty"`
	Success   bool   `json:"success"`
	OrderID   string `json:"order_id,omitempty"`
}

// OfflineMessagesMsg carries messages queued while the user was offline,
// oldest first. Sent once, to the connection that drained the queue.
type OfflineMessagesMsg struct {
	Messages []json.RawMessage `json:"messages"`
}

// NewMessageMsg delivers a message to the receiver and to the sender's other
// devices.
type NewMessageMsg struct {
	Message *chat.Message `json:"message"`
}

// MessageSentMsg confirms a send to the sending connection.
type MessageSentMsg struct {
	RequestID string        `json:"request_id,omitempty"`
	Message   *chat.Message `json:"message"`
}

// TypingMsg is the payload of user_typing and user_stopped_typing.
type TypingMsg struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
}

// MessagesReadMsg is the read receipt broadcast to an order's channel.
type MessagesReadMsg struct {
	OrderID    string    `json:"order_id"`
	ReaderID   string    `json:"reader_id"`
	MessageIDs []string  `json:"message_ids"`
	ReadAt     time.Time `json:"read_at"`
}

// MessageEditedMsg carries the updated message.
type MessageEditedMsg struct {
	Message *chat.Message `json:"message"`
}

// PresenceMsg is the payload of user_online and user_offline.
type PresenceMsg struct {
	UserID   string     `json:"user_id"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// UnreadCountMsg answers get_unread_count.
type UnreadCountMsg struct {
	RequestID string `json:"request_id,omitempty"`
	OrderID   string `json:"order_id"`
	Count     int    `json:"count"`
}

// ErrorMsg is sent to the originating connection only.
type ErrorMsg struct {
	Event     string `json:"event,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	RequestID string `json:"request_id,omitempty"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// NewErrorMessage builds an error frame from err. Internal errors never
// expose their cause.
func NewErrorMessage(event, requestID string, err error) []byte {
	out, _ := NewServerMessage(TypeError, ErrorMsg{
		Event:     event,
		RequestID: requestID,
		Code:      chaterr.KindOf(err).Code(),
		Message:   chaterr.PublicMessage(err),
	})
	return out
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]json.RawMessage, 1)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
