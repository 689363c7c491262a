package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskmarket/order-chat/internal/auth"
	"github.com/taskmarket/order-chat/internal/broadcast"
	"github.com/taskmarket/order-chat/internal/chat"
	"github.com/taskmarket/order-chat/internal/chaterr"
	"github.com/taskmarket/order-chat/internal/moderation"
	"github.com/taskmarket/order-chat/internal/ratelimit"
	"github.com/taskmarket/order-chat/internal/session"
	"github.com/taskmarket/order-chat/internal/store"
)

const (
	userA   = "aaaaaaaa-0000-4000-8000-000000000001" // client of O1
	userB   = "bbbbbbbb-0000-4000-8000-000000000002" // contractor of O1 and O2
	userC   = "cccccccc-0000-4000-8000-000000000003" // client of O2
	orderO1 = "00000000-0000-4000-8000-0000000000f1"
	orderO2 = "00000000-0000-4000-8000-0000000000f2"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeVerifier map[string]string // token -> user id

func (v fakeVerifier) Verify(_ context.Context, token string) (auth.Identity, error) {
	id, ok := v[token]
	if !ok {
		return auth.Identity{}, chaterr.New(chaterr.Unauthorized, "invalid token")
	}
	return auth.Identity{UserID: id}, nil
}

type recordingSink struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
}

func (s *recordingSink) ID() string { return s.id }

func (s *recordingSink) Send(frame []byte) error {
	s.mu.Lock()
	s.frames = append(s.frames, append([]byte(nil), frame...))
	s.mu.Unlock()
	return nil
}

// ofType decodes every received frame of the given type.
func (s *recordingSink) ofType(t *testing.T, typ string) []map[string]interface{} {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []map[string]interface{}
	for _, f := range s.frames {
		var m map[string]interface{}
		if err := json.Unmarshal(f, &m); err != nil {
			t.Fatalf("sink %s got invalid frame %s: %v", s.id, f, err)
		}
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	s.frames = nil
	s.mu.Unlock()
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) {
	return false, chaterr.Wrap(chaterr.StoreUnavailable, "rate limiter unavailable", fmt.Errorf("dial tcp: refused"))
}

// brokenRegistry fails every write and presence read.
type brokenRegistry struct {
	session.Registry
}

var errDown = chaterr.Wrap(chaterr.StoreUnavailable, "session registry unavailable", fmt.Errorf("connection refused"))

func (brokenRegistry) AddConnection(context.Context, string, string) error { return errDown }
func (brokenRegistry) RemoveConnection(context.Context, string, string) (bool, error) {
	return false, errDown
}
func (brokenRegistry) IsOnline(context.Context, string) (bool, error)           { return false, errDown }
func (brokenRegistry) UpdateLastSeen(context.Context, string) error             { return errDown }
func (brokenRegistry) SetTyping(context.Context, string, string) error          { return errDown }
func (brokenRegistry) RemoveTyping(context.Context, string, string) error       { return errDown }
func (brokenRegistry) QueueOfflineMessage(context.Context, string, []byte) error { return errDown }
func (brokenRegistry) DrainOfflineMessages(context.Context, string) ([][]byte, error) {
	return nil, errDown
}
func (brokenRegistry) GetUnread(context.Context, string, string) (int, bool, error) {
	return 0, false, errDown
}
func (brokenRegistry) SetUnread(context.Context, string, string, int) error { return errDown }
func (brokenRegistry) IncrementUnread(context.Context, string, string) (int, error) {
	return 0, errDown
}
func (brokenRegistry) ClearUnread(context.Context, string, string) error { return errDown }

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type fixture struct {
	gw       *Gateway
	store    *store.Memory
	registry session.Registry
	hub      *broadcast.Hub
	clock    *fakeClock
	nextConn int
	mu       sync.Mutex
}

type option func(*Config)

func newFixture(t *testing.T, opts ...option) *fixture {
	t.Helper()

	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := store.NewMemory()
	st.PutOrder(chat.Order{ID: orderO1, ClientID: userA, ContractorID: userB})
	st.PutOrder(chat.Order{ID: orderO2, ClientID: userC, ContractorID: userB})
	st.PutUser(chat.UserSummary{ID: userA, DisplayName: "Alice"})
	st.PutUser(chat.UserSummary{ID: userB, DisplayName: "Bob"})

	limiter := ratelimit.NewLocalLimiter(ratelimit.RuleSend, clock.Now)
	t.Cleanup(limiter.Close)

	cfg := Config{
		Registry: session.NewMemoryRegistry(session.DefaultOfflineQueueMax, clock.Now),
		Pipeline: chat.NewPipeline(chat.PipelineConfig{
			Orders: st,
			Store:  st,
			Users:  st,
			Filter: moderation.NewFilter(),
			Now:    clock.Now,
			Logger: zerolog.Nop(),
		}),
		Limiter:  limiter,
		Verifier: fakeVerifier{"token-a": userA, "token-b": userB, "token-c": userC},
		Now:      clock.Now,
		Logger:   zerolog.Nop(),
	}
	hub := broadcast.NewHub(zerolog.Nop())
	cfg.Broadcaster = hub
	for _, o := range opts {
		o(&cfg)
	}

	return &fixture{
		gw:       New(cfg),
		store:    st,
		registry: cfg.Registry,
		hub:      hub,
		clock:    clock,
	}
}

func (f *fixture) connect(t *testing.T, userID string) (*Conn, *recordingSink) {
	t.Helper()
	f.mu.Lock()
	f.nextConn++
	sink := &recordingSink{id: fmt.Sprintf("conn-%d", f.nextConn)}
	f.mu.Unlock()
	return f.gw.Connect(context.Background(), auth.Identity{UserID: userID}, sink), sink
}

func (f *fixture) send(t *testing.T, c *Conn, v map[string]interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.gw.Handle(c, data)
}

func (f *fixture) join(t *testing.T, c *Conn, s *recordingSink, orderID string) {
	t.Helper()
	f.send(t, c, map[string]interface{}{"type": "join_order_chat", "order_id": orderID})
	if errs := s.ofType(t, "error"); len(errs) > 0 {
		t.Fatalf("join failed: %v", errs)
	}
}

func countFor(frames []map[string]interface{}, userID string) int {
	n := 0
	for _, m := range frames {
		if m["user_id"] == userID {
			n++
		}
	}
	return n
}

func errorCode(t *testing.T, s *recordingSink) string {
	t.Helper()
	errs := s.ofType(t, "error")
	if len(errs) != 1 {
		t.Fatalf("sink %s got %d error frames, want 1", s.id, len(errs))
	}
	code, _ := errs[0]["code"].(string)
	return code
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestScenario_OfflineDeliveryAndUnreadCount(t *testing.T) {
	f := newFixture(t)
	a, sa := f.connect(t, userA)
	f.join(t, a, sa, orderO1)

	f.send(t, a, map[string]interface{}{"type": "send_message", "request_id": "r1", "order_id": orderO1, "content": "Hello"})

	sent := sa.ofType(t, "message_sent")
	if len(sent) != 1 || sent[0]["request_id"] != "r1" {
		t.Fatalf("message_sent = %v", sent)
	}
	msg := sent[0]["message"].(map[string]interface{})
	if msg["receiver_id"] != userB || msg["content"] != "Hello" {
		t.Fatalf("message = %v", msg)
	}

	b, sb := f.connect(t, userB)
	offline := sb.ofType(t, "offline_messages")
	if len(offline) != 1 {
		t.Fatalf("offline_messages frames = %d, want 1", len(offline))
	}
	queued := offline[0]["messages"].([]interface{})
	if len(queued) != 1 || queued[0].(map[string]interface{})["id"] != msg["id"] {
		t.Fatalf("queued = %v", queued)
	}

	f.send(t, b, map[string]interface{}{"type": "get_unread_count", "request_id": "u1", "order_id": orderO1})
	counts := sb.ofType(t, "unread_count")
	if len(counts) != 1 || counts[0]["count"] != float64(1) {
		t.Fatalf("unread_count before read = %v", counts)
	}

	f.send(t, b, map[string]interface{}{"type": "mark_as_read", "order_id": orderO1, "message_ids": []string{msg["id"].(string)}})
	if acks := sb.ofType(t, "ack"); len(acks) != 1 || acks[0]["event"] != "mark_as_read" {
		t.Fatalf("acks = %v", acks)
	}
	receipts := sa.ofType(t, "messages_read")
	if len(receipts) != 1 || receipts[0]["reader_id"] != userB {
		t.Fatalf("messages_read on sender = %v", receipts)
	}

	sb.reset()
	f.send(t, b, map[string]interface{}{"type": "get_unread_count", "order_id": orderO1})
	counts = sb.ofType(t, "unread_count")
	if len(counts) != 1 || counts[0]["count"] != float64(0) {
		t.Fatalf("unread_count after read = %v", counts)
	}
}

func TestScenario_PhoneNumberModerated(t *testing.T) {
	f := newFixture(t)
	a, sa := f.connect(t, userA)

	f.send(t, a, map[string]interface{}{"type": "send_message", "order_id": orderO1, "content": "call me at 555-123-4567"})

	if len(sa.ofType(t, "message_sent")) != 1 {
		t.Fatal("no message_sent")
	}
	msgs := f.store.Messages(orderO1)
	if len(msgs) != 1 {
		t.Fatalf("stored %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if !m.IsModerated || strings.Contains(m.Content, "4567") {
		t.Fatalf("stored message not moderated: %+v", m)
	}
	found := false
	for _, fl := range m.ModerationFlags {
		if fl == moderation.FlagPhone {
			found = true
		}
	}
	if !found {
		t.Fatalf("flags = %v, want phone", m.ModerationFlags)
	}
}

func TestScenario_ForeignOrderForbidden(t *testing.T) {
	f := newFixture(t)
	a, sa := f.connect(t, userA)
	_, sb := f.connect(t, userB)
	_, sc := f.connect(t, userC)

	f.send(t, a, map[string]interface{}{"type": "send_message", "order_id": orderO2, "content": "hi"})

	if code := errorCode(t, sa); code != "forbidden" {
		t.Fatalf("code = %q, want forbidden", code)
	}
	if n := len(f.store.Messages(orderO2)); n != 0 {
		t.Fatalf("persisted %d messages", n)
	}
	for _, s := range []*recordingSink{sb, sc} {
		if len(s.ofType(t, "error")) != 0 || len(s.ofType(t, "new_message")) != 0 {
			t.Fatalf("sink %s saw the failed send", s.id)
		}
	}
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

func TestConnect_OfflineQueueDeliveredExactlyOnce(t *testing.T) {
	f := newFixture(t)
	a, _ := f.connect(t, userA)

	const n = 5
	for i := 0; i < n; i++ {
		f.send(t, a, map[string]interface{}{"type": "send_message", "order_id": orderO1, "content": fmt.Sprintf("message %d", i)})
	}

	var wg sync.WaitGroup
	sinks := make([]*recordingSink, 2)
	for i := range sinks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, sinks[i] = f.connect(t, userB)
		}(i)
	}
	wg.Wait()

	seen := make(map[string]int)
	for _, s := range sinks {
		for _, frame := range s.ofType(t, "offline_messages") {
			for _, m := range frame["messages"].([]interface{}) {
				seen[m.(map[string]interface{})["id"].(string)]++
			}
		}
	}
	if len(seen) != n {
		t.Fatalf("delivered %d distinct messages, want %d", len(seen), n)
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("message %s delivered %d times", id, count)
		}
	}
}

func TestConnect_OnlineMessagesNotQueued(t *testing.T) {
	f := newFixture(t)
	a, _ := f.connect(t, userA)
	_, sb := f.connect(t, userB)

	f.send(t, a, map[string]interface{}{"type": "send_message", "order_id": orderO1, "content": "live"})

	if got := sb.ofType(t, "new_message"); len(got) != 1 {
		t.Fatalf("new_message on receiver = %d, want 1", len(got))
	}
	queued, _ := f.registry.DrainOfflineMessages(context.Background(), userB)
	if len(queued) != 0 {
		t.Fatalf("online receiver had %d queued messages", len(queued))
	}
}

func TestDisconnect_OfflineBroadcastExactlyOnce(t *testing.T) {
	f := newFixture(t)
	_, watcher := f.connect(t, userA)

	const n = 3
	conns := make([]*Conn, n)
	for i := range conns {
		conns[i], _ = f.connect(t, userB)
	}
	if n := countFor(watcher.ofType(t, "user_online"), userB); n != 1 {
		t.Fatalf("user_online for B = %d, want 1", n)
	}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			f.gw.Disconnect(c)
		}(c)
	}
	wg.Wait()
	f.gw.Disconnect(conns[0])

	offline := watcher.ofType(t, "user_offline")
	if len(offline) != 1 || countFor(offline, userB) != 1 {
		t.Fatalf("user_offline = %v, want exactly one for B", offline)
	}
	if _, ok := offline[0]["last_seen"]; !ok {
		t.Error("user_offline should carry last_seen")
	}
	online, _ := f.registry.IsOnline(context.Background(), userB)
	if online {
		t.Fatal("B still online")
	}
	if f.gw.ConnCount() != 1 {
		t.Fatalf("ConnCount = %d, want 1", f.gw.ConnCount())
	}
}

func TestDisconnect_ThenEventsRejected(t *testing.T) {
	f := newFixture(t)
	a, sa := f.connect(t, userA)
	f.gw.Disconnect(a)

	f.send(t, a, map[string]interface{}{"type": "join_order_chat", "order_id": orderO1})

	if code := errorCode(t, sa); code != "unauthorized" {
		t.Fatalf("code = %q, want unauthorized", code)
	}
	if f.hub.Subscribers(broadcast.OrderChannel(orderO1)) != 0 {
		t.Fatal("disconnected connection was subscribed")
	}
	if a.State().Phase != PhaseDisconnected {
		t.Fatalf("phase = %v", a.State().Phase)
	}
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)

	id, err := f.gw.Authenticate(context.Background(), "token-a")
	if err != nil || id.UserID != userA {
		t.Fatalf("Authenticate = %+v, %v", id, err)
	}
	if _, err := f.gw.Authenticate(context.Background(), "bogus"); chaterr.KindOf(err) != chaterr.Unauthorized {
		t.Fatalf("err = %v, want Unauthorized", err)
	}
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

func TestJoin(t *testing.T) {
	tests := []struct {
		name     string
		user     string
		order    string
		wantCode string
	}{
		{"participant", userA, orderO1, ""},
		{"non-participant", userC, orderO1, "forbidden"},
		{"unknown order", userA, "00000000-0000-4000-8000-0000000000ff", "not_found"},
		{"malformed order id", userA, "O1", "bad_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			c, s := f.connect(t, tt.user)
			f.send(t, c, map[string]interface{}{"type": "join_order_chat", "request_id": "j1", "order_id": tt.order})

			if tt.wantCode != "" {
				if code := errorCode(t, s); code != tt.wantCode {
					t.Fatalf("code = %q, want %q", code, tt.wantCode)
				}
				if len(c.State().Rooms) != 0 {
					t.Fatal("rejected join recorded a room")
				}
				return
			}
			acks := s.ofType(t, "ack")
			if len(acks) != 1 || acks[0]["order_id"] != tt.order || acks[0]["request_id"] != "j1" || acks[0]["success"] != true {
				t.Fatalf("acks = %v", acks)
			}
			if f.hub.Subscribers(broadcast.OrderChannel(tt.order)) != 1 {
				t.Fatal("not subscribed to the order channel")
			}
		})
	}
}

func TestLeave(t *testing.T) {
	f := newFixture(t)
	a, sa := f.connect(t, userA)
	f.join(t, a, sa, orderO1)

	f.send(t, a, map[string]interface{}{"type": "leave_order_chat", "order_id": orderO1})

	if f.hub.Subscribers(broadcast.OrderChannel(orderO1)) != 0 {
		t.Fatal("still subscribed after leave")
	}
	if len(a.State().Rooms) != 0 {
		t.Fatal("room still recorded after leave")
	}
}

func TestSend_RateLimited(t *testing.T) {
	f := newFixture(t)
	a, sa := f.connect(t, userA)

	for i := 0; i < ratelimit.RuleSend.Limit; i++ {
		f.send(t, a, map[string]interface{}{"type": "send_message", "order_id": orderO1, "content": "spam"})
	}
	if got := len(sa.ofType(t, "message_sent")); got != ratelimit.RuleSend.Limit {
		t.Fatalf("sent %d, want %d", got, ratelimit.RuleSend.Limit)
	}

	f.send(t, a, map[string]interface{}{"type": "send_message", "order_id": orderO1, "content": "one too many"})
	if code := errorCode(t, sa); code != "rate_limited" {
		t.Fatalf("code = %q, want rate_limited", code)
	}
	if n := len(f.store.Messages(orderO1)); n != ratelimit.RuleSend.Limit {
		t.Fatalf("persisted %d messages, want %d", n, ratelimit.RuleSend.Limit)
	}

	f.clock.Advance(ratelimit.RuleSend.Window)
	sa.reset()
	f.send(t, a, map[string]interface{}{"type": "send_message", "order_id": orderO1, "content": "after the window"})
	if len(sa.ofType(t, "message_sent")) != 1 {
		t.Fatal("send after window rollover was not accepted")
	}
}

func TestSend_LimiterUnavailableFailsClosed(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Limiter = failingLimiter{} })
	a, sa := f.connect(t, userA)

	f.send(t, a, map[string]interface{}{"type": "send_message", "order_id": orderO1, "content": "hi"})

	if code := errorCode(t, sa); code != "store_unavailable" {
		t.Fatalf("code = %q, want store_unavailable", code)
	}
	if n := len(f.store.Messages(orderO1)); n != 0 {
		t.Fatalf("persisted %d messages", n)
	}
}

func TestSend_EchoesToSendersOtherDevices(t *testing.T) {
	f := newFixture(t)
	a1, s1 := f.connect(t, userA)
	_, s2 := f.connect(t, userA)

	f.send(t, a1, map[string]interface{}{"type": "send_message", "order_id": orderO1, "content": "from phone"})

	if len(s1.ofType(t, "message_sent")) != 1 || len(s1.ofType(t, "new_message")) != 0 {
		t.Fatal("sending connection should get message_sent only")
	}
	if len(s2.ofType(t, "new_message")) != 1 {
		t.Fatal("other device should get new_message")
	}
}

func TestTyping(t *testing.T) {
	f := newFixture(t)
	a1, s1 := f.connect(t, userA)
	a2, s2 := f.connect(t, userA)
	b, sb := f.connect(t, userB)
	f.join(t, a1, s1, orderO1)
	f.join(t, a2, s2, orderO1)
	f.join(t, b, sb, orderO1)

	f.send(t, a1, map[string]interface{}{"type": "typing", "order_id": orderO1})

	if len(s1.ofType(t, "user_typing")) != 0 {
		t.Fatal("typing echoed to its own connection")
	}
	if len(s2.ofType(t, "user_typing")) != 1 || len(sb.ofType(t, "user_typing")) != 1 {
		t.Fatal("typing not broadcast to the order channel")
	}
	users, _ := f.registry.TypingUsers(context.Background(), orderO1)
	if len(users) != 1 || users[0] != userA {
		t.Fatalf("TypingUsers = %v", users)
	}

	// A send ends typing.
	f.send(t, a1, map[string]interface{}{"type": "send_message", "order_id": orderO1, "content": "done typing"})
	if len(sb.ofType(t, "user_stopped_typing")) != 1 {
		t.Fatal("send did not broadcast user_stopped_typing")
	}
	users, _ = f.registry.TypingUsers(context.Background(), orderO1)
	if len(users) != 0 {
		t.Fatalf("TypingUsers after send = %v", users)
	}

	f.send(t, b, map[string]interface{}{"type": "stop_typing", "order_id": orderO1})
	if len(s1.ofType(t, "user_stopped_typing")) != 1 {
		t.Fatal("stop_typing not broadcast")
	}
}

func TestTyping_NonParticipantForbidden(t *testing.T) {
	f := newFixture(t)
	c, sc := f.connect(t, userC)

	f.send(t, c, map[string]interface{}{"type": "typing", "order_id": orderO1})

	if code := errorCode(t, sc); code != "forbidden" {
		t.Fatalf("code = %q, want forbidden", code)
	}
}

func TestMarkAsRead_RepeatDoesNotRebroadcast(t *testing.T) {
	f := newFixture(t)
	a, sa := f.connect(t, userA)
	b, sb := f.connect(t, userB)
	f.join(t, a, sa, orderO1)

	f.send(t, a, map[string]interface{}{"type": "send_message", "order_id": orderO1, "content": "read me"})
	id := sa.ofType(t, "message_sent")[0]["message"].(map[string]interface{})["id"].(string)

	for i := 0; i < 2; i++ {
		f.send(t, b, map[string]interface{}{"type": "mark_as_read", "order_id": orderO1, "message_ids": []string{id}})
	}

	if acks := sb.ofType(t, "ack"); len(acks) != 2 {
		t.Fatalf("acks = %d, want 2", len(acks))
	}
	if receipts := sa.ofType(t, "messages_read"); len(receipts) != 1 {
		t.Fatalf("messages_read = %d, want 1", len(receipts))
	}
}

func TestMarkAsRead_NonParticipant(t *testing.T) {
	f := newFixture(t)
	c, sc := f.connect(t, userC)

	f.send(t, c, map[string]interface{}{
		"type": "mark_as_read", "order_id": orderO1,
		"message_ids": []string{"00000000-0000-4000-8000-000000000abc"},
	})

	if code := errorCode(t, sc); code != "forbidden" {
		t.Fatalf("code = %q, want forbidden", code)
	}
}

func TestEditMessage(t *testing.T) {
	f := newFixture(t)
	a, sa := f.connect(t, userA)
	_, sb := f.connect(t, userB)

	f.send(t, a, map[string]interface{}{"type": "send_message", "order_id": orderO1, "content": "helo"})
	id := sa.ofType(t, "message_sent")[0]["message"].(map[string]interface{})["id"].(string)

	f.send(t, a, map[string]interface{}{"type": "edit_message", "message_id": id, "content": "hello"})

	edited := sb.ofType(t, "message_edited")
	if len(edited) != 1 {
		t.Fatalf("receiver got %d message_edited, want 1", len(edited))
	}
	m := edited[0]["message"].(map[string]interface{})
	if m["content"] != "hello" || m["is_edited"] != true {
		t.Fatalf("edited message = %v", m)
	}
	if len(sa.ofType(t, "message_edited")) != 1 {
		t.Fatal("editor did not get message_edited")
	}

	sb.reset()
	f.send(t, a, map[string]interface{}{"type": "edit_message", "message_id": id, "content": "hello!"})
	if code := errorCode(t, sa); code != "bad_request" {
		t.Fatalf("second edit code = %q, want bad_request", code)
	}
	if len(sb.ofType(t, "error")) != 0 || len(sb.ofType(t, "message_edited")) != 0 {
		t.Fatal("failed edit reached the receiver")
	}
}

func TestEditMessage_WindowAndOwner(t *testing.T) {
	f := newFixture(t)
	a, sa := f.connect(t, userA)
	b, sb := f.connect(t, userB)

	f.send(t, a, map[string]interface{}{"type": "send_message", "order_id": orderO1, "content": "original"})
	id := sa.ofType(t, "message_sent")[0]["message"].(map[string]interface{})["id"].(string)

	f.send(t, b, map[string]interface{}{"type": "edit_message", "message_id": id, "content": "hijack"})
	if code := errorCode(t, sb); code != "forbidden" {
		t.Fatalf("non-owner code = %q, want forbidden", code)
	}

	f.clock.Advance(chat.EditWindow + time.Millisecond)
	f.send(t, a, map[string]interface{}{"type": "edit_message", "message_id": id, "content": "too late"})
	if code := errorCode(t, sa); code != "forbidden" {
		t.Fatalf("late edit code = %q, want forbidden", code)
	}
}

func TestDispatch_Errors(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		wantCode string
	}{
		{"not json", `hello`, "bad_request"},
		{"missing type", `{"order_id":"x"}`, "bad_request"},
		{"unknown type", `{"type":"find_match"}`, "bad_request"},
		{"bad payload", `{"type":"send_message","order_id":"x","content":"hi"}`, "bad_request"},
		{"empty content", `{"type":"send_message","order_id":"` + orderO1 + `","content":"  "}`, "bad_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			a, sa := f.connect(t, userA)
			_, sb := f.connect(t, userB)

			f.gw.Handle(a, []byte(tt.frame))

			if code := errorCode(t, sa); code != tt.wantCode {
				t.Fatalf("code = %q, want %q", code, tt.wantCode)
			}
			if len(sb.ofType(t, "error")) != 0 {
				t.Fatal("error leaked to another connection")
			}
		})
	}
}

func TestPing(t *testing.T) {
	f := newFixture(t)
	a, sa := f.connect(t, userA)

	f.gw.Handle(a, []byte(`{"type":"ping"}`))

	if len(sa.ofType(t, "pong")) != 1 {
		t.Fatal("no pong")
	}
}

// ---------------------------------------------------------------------------
// Degraded registry
// ---------------------------------------------------------------------------

func TestRegistryFailuresDoNotBlockSends(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Registry = brokenRegistry{Registry: session.NewMemoryRegistry(0, nil)}
	})
	a, sa := f.connect(t, userA)
	b, sb := f.connect(t, userB)
	f.join(t, b, sb, orderO1)

	f.send(t, a, map[string]interface{}{"type": "send_message", "order_id": orderO1, "content": "still works"})
	if len(sa.ofType(t, "message_sent")) != 1 {
		t.Fatal("send failed with registry down")
	}
	if len(sb.ofType(t, "new_message")) != 1 {
		t.Fatal("receiver missed the message with registry down")
	}

	f.send(t, b, map[string]interface{}{"type": "typing", "order_id": orderO1})
	if len(sb.ofType(t, "error")) != 0 {
		t.Fatal("typing surfaced a registry error")
	}

	f.send(t, b, map[string]interface{}{"type": "get_unread_count", "order_id": orderO1})
	counts := sb.ofType(t, "unread_count")
	if len(counts) != 1 || counts[0]["count"] != float64(1) {
		t.Fatalf("unread_count from durable store = %v", counts)
	}

	f.gw.Disconnect(a)
}

// ---------------------------------------------------------------------------
// Exposed hooks
// ---------------------------------------------------------------------------

func TestNotifyUser(t *testing.T) {
	f := newFixture(t)
	_, sb := f.connect(t, userB)

	msg := &chat.Message{ID: "m-rest", OrderID: orderO1, SenderID: userA, ReceiverID: userB, Content: "via REST"}
	if err := f.gw.NotifyUser(context.Background(), userB, "new_message", map[string]interface{}{"message": msg}); err != nil {
		t.Fatalf("NotifyUser: %v", err)
	}
	if len(sb.ofType(t, "new_message")) != 1 {
		t.Fatal("online user did not receive the notification")
	}

	// Offline recipients get new_message queued.
	if err := f.gw.NotifyUser(context.Background(), userC, "new_message", map[string]interface{}{"message": msg}); err != nil {
		t.Fatalf("NotifyUser offline: %v", err)
	}
	queued, _ := f.registry.DrainOfflineMessages(context.Background(), userC)
	if len(queued) != 1 {
		t.Fatalf("queued = %d, want 1", len(queued))
	}
}

func TestHandleNotification(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"ok", `{"user_id":"` + userB + `","type":"order_update","payload":{"status":"done"}}`, false},
		{"no payload", `{"user_id":"` + userB + `","type":"refresh"}`, false},
		{"bad json", `{`, true},
		{"bad user", `{"user_id":"bob","type":"refresh"}`, true},
		{"no type", `{"user_id":"` + userB + `"}`, true},
		{"new_message without message", `{"user_id":"` + userB + `","type":"new_message","payload":{}}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			err := f.gw.HandleNotification(context.Background(), []byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBroadcastPresence(t *testing.T) {
	f := newFixture(t)
	_, sa := f.connect(t, userA)

	if err := f.gw.BroadcastPresence(context.Background(), userC, true); err != nil {
		t.Fatalf("BroadcastPresence: %v", err)
	}
	if err := f.gw.BroadcastPresence(context.Background(), userC, false); err != nil {
		t.Fatalf("BroadcastPresence: %v", err)
	}

	if n := countFor(sa.ofType(t, "user_online"), userC); n != 1 {
		t.Fatalf("user_online for C = %d, want 1", n)
	}
	offline := sa.ofType(t, "user_offline")
	if len(offline) != 1 || countFor(offline, userC) != 1 {
		t.Fatalf("user_offline = %v", offline)
	}
}
