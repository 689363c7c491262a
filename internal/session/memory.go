package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

var _ Registry = (*MemoryRegistry)(nil)

// MemoryRegistry is a single-process Registry. Expiry is applied lazily on
// access. It is used when no Redis address is configured and in tests.
type MemoryRegistry struct {
	mu       sync.Mutex
	now      func() time.Time
	queueMax int

	conns    map[string]*connSet
	lastSeen map[string]expiring[time.Time]
	typing   map[string]map[string]time.Time // orderID -> userID -> expiry
	offline  map[string]*offlineQueue
	unread   map[unreadID]expiring[int]
}

type connSet struct {
	ids     map[string]struct{}
	expires time.Time
}

type offlineQueue struct {
	items   [][]byte
	expires time.Time
}

type expiring[T any] struct {
	val     T
	expires time.Time
}

type unreadID struct{ orderID, userID string }

// NewMemoryRegistry creates an empty registry. now may be nil.
func NewMemoryRegistry(queueMax int, now func() time.Time) *MemoryRegistry {
	if queueMax <= 0 {
		queueMax = DefaultOfflineQueueMax
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryRegistry{
		now:      now,
		queueMax: queueMax,
		conns:    make(map[string]*connSet),
		lastSeen: make(map[string]expiring[time.Time]),
		typing:   make(map[string]map[string]time.Time),
		offline:  make(map[string]*offlineQueue),
		unread:   make(map[unreadID]expiring[int]),
	}
}

// liveConns returns the user's set, dropping it if expired. Caller holds mu.
func (m *MemoryRegistry) liveConns(userID string, now time.Time) *connSet {
	cs, ok := m.conns[userID]
	if !ok {
		return nil
	}
	if !now.Before(cs.expires) {
		delete(m.conns, userID)
		return nil
	}
	return cs
}

func (m *MemoryRegistry) AddConnection(_ context.Context, userID, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cs := m.liveConns(userID, now)
	if cs == nil {
		cs = &connSet{ids: make(map[string]struct{})}
		m.conns[userID] = cs
	}
	cs.ids[connID] = struct{}{}
	cs.expires = now.Add(ConnectionTTL)
	return nil
}

func (m *MemoryRegistry) RemoveConnection(_ context.Context, userID, connID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.liveConns(userID, m.now())
	if cs == nil {
		return false, nil
	}
	if _, ok := cs.ids[connID]; !ok {
		return false, nil
	}
	delete(cs.ids, connID)
	if len(cs.ids) == 0 {
		delete(m.conns, userID)
		return true, nil
	}
	return false, nil
}

func (m *MemoryRegistry) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := m.ConnectionCount(ctx, userID)
	return n > 0, err
}

func (m *MemoryRegistry) ConnectionCount(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.liveConns(userID, m.now())
	if cs == nil {
		return 0, nil
	}
	return len(cs.ids), nil
}

func (m *MemoryRegistry) UpdateLastSeen(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.lastSeen[userID] = expiring[time.Time]{val: now, expires: now.Add(LastSeenTTL)}
	return nil
}

func (m *MemoryRegistry) LastSeen(_ context.Context, userID string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lastSeen[userID]
	if !ok {
		return time.Time{}, nil
	}
	if !m.now().Before(e.expires) {
		delete(m.lastSeen, userID)
		return time.Time{}, nil
	}
	return e.val, nil
}

func (m *MemoryRegistry) SetTyping(_ context.Context, orderID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	users, ok := m.typing[orderID]
	if !ok {
		users = make(map[string]time.Time)
		m.typing[orderID] = users
	}
	users[userID] = m.now().Add(TypingTTL)
	return nil
}

func (m *MemoryRegistry) RemoveTyping(_ context.Context, orderID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if users, ok := m.typing[orderID]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(m.typing, orderID)
		}
	}
	return nil
}

func (m *MemoryRegistry) TypingUsers(_ context.Context, orderID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []string
	for userID, expires := range m.typing[orderID] {
		if !now.Before(expires) {
			delete(m.typing[orderID], userID)
			continue
		}
		out = append(out, userID)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryRegistry) QueueOfflineMessage(_ context.Context, userID string, msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	q, ok := m.offline[userID]
	if !ok || !now.Before(q.expires) {
		q = &offlineQueue{}
		m.offline[userID] = q
	}
	q.items = append(q.items, append([]byte(nil), msg...))
	if over := len(q.items) - m.queueMax; over > 0 {
		q.items = append([][]byte(nil), q.items[over:]...)
	}
	q.expires = now.Add(OfflineTTL)
	return nil
}

func (m *MemoryRegistry) DrainOfflineMessages(_ context.Context, userID string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.offline[userID]
	delete(m.offline, userID)
	if !ok || !m.now().Before(q.expires) {
		return nil, nil
	}
	return q.items, nil
}

func (m *MemoryRegistry) GetUnread(_ context.Context, orderID, userID string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := unreadID{orderID, userID}
	e, ok := m.unread[id]
	if !ok {
		return 0, false, nil
	}
	if !m.now().Before(e.expires) {
		delete(m.unread, id)
		return 0, false, nil
	}
	return e.val, true, nil
}

func (m *MemoryRegistry) SetUnread(_ context.Context, orderID, userID string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unread[unreadID{orderID, userID}] = expiring[int]{val: n, expires: m.now().Add(UnreadTTL)}
	return nil
}

func (m *MemoryRegistry) IncrementUnread(_ context.Context, orderID, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	id := unreadID{orderID, userID}
	e, ok := m.unread[id]
	if !ok || !now.Before(e.expires) {
		e = expiring[int]{}
	}
	e.val++
	e.expires = now.Add(UnreadTTL)
	m.unread[id] = e
	return e.val, nil
}

func (m *MemoryRegistry) ClearUnread(_ context.Context, orderID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.unread, unreadID{orderID, userID})
	return nil
}

func (m *MemoryRegistry) CleanupUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.conns, userID)
	delete(m.lastSeen, userID)
	delete(m.offline, userID)
	for id := range m.unread {
		if id.userID == userID {
			delete(m.unread, id)
		}
	}
	for orderID, users := range m.typing {
		delete(users, userID)
		if len(users) == 0 {
			delete(m.typing, orderID)
		}
	}
	return nil
}

func (m *MemoryRegistry) Ping(context.Context) error { return nil }

func (m *MemoryRegistry) Close() error { return nil }
