// Package chat holds the order chat domain: rooms, messages, the durable
// store contracts, and the message pipeline that authorizes, moderates and
// persists sends, edits and read receipts.
package chat

import "time"

// EditWindow is how long after creation a sender may edit a message.
const EditWindow = 5 * time.Minute

// Order is the subset of an order record the chat needs.
type Order struct {
	ID           string `json:"id"`
	ClientID     string `json:"client_id"`
	ContractorID string `json:"contractor_id"`
}

// IsParticipant reports whether userID is the order's client or contractor.
func (o *Order) IsParticipant(userID string) bool {
	return userID != "" && (userID == o.ClientID || userID == o.ContractorID)
}

// Counterpart returns the other participant, or "" if userID is not a
// participant or the other side is unassigned.
func (o *Order) Counterpart(userID string) string {
	switch userID {
	case o.ClientID:
		return o.ContractorID
	case o.ContractorID:
		return o.ClientID
	}
	return ""
}

// Room is the chat channel of exactly one order.
type Room struct {
	ID        string     `json:"id"`
	OrderID   string     `json:"order_id"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Closed reports whether sends into the room are rejected.
func (r *Room) Closed() bool { return r.ClosedAt != nil }

// UserSummary carries display fields for a participant.
type UserSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Message is a persisted chat message. Sender and Receiver are hydrated
// display fields and may be nil.
type Message struct {
	ID              string       `json:"id"`
	RoomID          string       `json:"room_id"`
	OrderID         string       `json:"order_id"`
	SenderID        string       `json:"sender_id"`
	ReceiverID      string       `json:"receiver_id"`
	Content         string       `json:"content"`
	IsModerated     bool         `json:"is_moderated"`
	ModerationFlags []string     `json:"moderation_flags,omitempty"`
	IsEdited        bool         `json:"is_edited"`
	EditedAt        *time.Time   `json:"edited_at,omitempty"`
	IsRead          bool         `json:"is_read"`
	ReadAt          *time.Time   `json:"read_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	Sender          *UserSummary `json:"sender,omitempty"`
	Receiver        *UserSummary `json:"receiver,omitempty"`
}
