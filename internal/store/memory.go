package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmarket/order-chat/internal/chat"
	"github.com/taskmarket/order-chat/internal/chaterr"
)

var (
	_ chat.Store         = (*Memory)(nil)
	_ chat.OrderLookup   = (*Memory)(nil)
	_ chat.UserDirectory = (*Memory)(nil)
)

// Memory is an in-process durable store. Returned values are copies.
type Memory struct {
	mu       sync.Mutex
	orders   map[string]chat.Order
	users    map[string]chat.UserSummary
	rooms    map[string]*chat.Room // orderID -> room
	messages map[string]*chat.Message
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		orders:   make(map[string]chat.Order),
		users:    make(map[string]chat.UserSummary),
		rooms:    make(map[string]*chat.Room),
		messages: make(map[string]*chat.Message),
	}
}

// PutOrder seeds an order.
func (s *Memory) PutOrder(o chat.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
}

// PutUser seeds a user's display fields.
func (s *Memory) PutUser(u chat.UserSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *Memory) GetOrder(_ context.Context, orderID string) (*chat.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, chaterr.New(chaterr.NotFound, "order not found")
	}
	return &o, nil
}

func (s *Memory) LookupUsers(_ context.Context, ids []string) (map[string]chat.UserSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]chat.UserSummary, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func (s *Memory) GetOrCreateRoom(_ context.Context, orderID string) (*chat.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[orderID]
	if !ok {
		room = &chat.Room{ID: uuid.NewString(), OrderID: orderID, CreatedAt: time.Now().UTC()}
		s.rooms[orderID] = room
	}
	cp := *room
	return &cp, nil
}

// CloseRoom soft-closes the order's room, creating it first if needed.
func (s *Memory) CloseRoom(ctx context.Context, orderID string, at time.Time) error {
	if _, err := s.GetOrCreateRoom(ctx, orderID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if room := s.rooms[orderID]; room.ClosedAt == nil {
		room.ClosedAt = &at
	}
	return nil
}

func (s *Memory) CreateMessage(_ context.Context, msg *chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[msg.ID]; ok {
		return chaterr.New(chaterr.BadRequest, "duplicate message id")
	}
	cp := copyMessage(msg)
	s.messages[msg.ID] = cp
	return nil
}

func (s *Memory) GetMessage(_ context.Context, messageID string) (*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return nil, chaterr.New(chaterr.NotFound, "message not found")
	}
	return copyMessage(m), nil
}

func (s *Memory) EditMessage(_ context.Context, messageID, content string, isModerated bool, flags []string, editedAt time.Time) (*chat.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok || m.IsEdited {
		return nil, false, nil
	}
	m.Content = content
	m.IsModerated = isModerated
	m.ModerationFlags = append([]string(nil), flags...)
	m.IsEdited = true
	m.EditedAt = &editedAt
	return copyMessage(m), true, nil
}

func (s *Memory) MarkRead(_ context.Context, orderID, readerID string, messageIDs []string, readAt time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []string
	for _, id := range messageIDs {
		m, ok := s.messages[id]
		if !ok || m.OrderID != orderID || m.ReceiverID != readerID || m.IsRead {
			continue
		}
		m.IsRead = true
		t := readAt
		m.ReadAt = &t
		changed = append(changed, id)
	}
	return changed, nil
}

func (s *Memory) CountUnread(_ context.Context, orderID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range s.messages {
		if m.OrderID == orderID && m.ReceiverID == userID && !m.IsRead {
			n++
		}
	}
	return n, nil
}

// Messages returns the order's messages oldest first, ties broken by id.
func (s *Memory) Messages(orderID string) []*chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*chat.Message
	for _, m := range s.messages {
		if m.OrderID == orderID {
			out = append(out, copyMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RoomCount returns the number of rooms created.
func (s *Memory) RoomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

func copyMessage(m *chat.Message) *chat.Message {
	cp := *m
	cp.ModerationFlags = append([]string(nil), m.ModerationFlags...)
	if len(cp.ModerationFlags) == 0 {
		cp.ModerationFlags = nil
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		cp.EditedAt = &t
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		cp.ReadAt = &t
	}
	return &cp
}
