package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

type recordingSink struct {
	id     string
	mu     sync.Mutex
	frames []string
	fail   bool
}

func (s *recordingSink) ID() string { return s.id }

func (s *recordingSink) Send(frame []byte) error {
	if s.fail {
		return errors.New("broken pipe")
	}
	s.mu.Lock()
	s.frames = append(s.frames, string(frame))
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) Frames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

func TestChannelNames(t *testing.T) {
	if got := OrderChannel("o1"); got != "order.o1" {
		t.Errorf("OrderChannel = %q", got)
	}
	if got := UserChannel("u1"); got != "user.u1" {
		t.Errorf("UserChannel = %q", got)
	}
}

func TestNewEvent(t *testing.T) {
	ev, err := NewEvent("pong", nil)
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if ev.Type != "pong" || string(ev.Frame) != `{"type":"pong"}` {
		t.Fatalf("ev = %+v (%s)", ev, ev.Frame)
	}
}

func TestHub_PublishFansOut(t *testing.T) {
	h := NewHub(zerolog.Nop())
	a := &recordingSink{id: "a"}
	b := &recordingSink{id: "b"}
	other := &recordingSink{id: "c"}

	h.Subscribe("order.1", a)
	h.Subscribe("order.1", b)
	h.Subscribe("order.2", other)

	h.Publish(context.Background(), "order.1", Event{Type: "x", Frame: []byte(`{"type":"x"}`)})

	if len(a.Frames()) != 1 || len(b.Frames()) != 1 {
		t.Fatalf("a=%v b=%v", a.Frames(), b.Frames())
	}
	if len(other.Frames()) != 0 {
		t.Fatalf("other channel received %v", other.Frames())
	}
}

func TestHub_ExceptConn(t *testing.T) {
	h := NewHub(zerolog.Nop())
	a := &recordingSink{id: "a"}
	b := &recordingSink{id: "b"}
	h.Subscribe("order.1", a)
	h.Subscribe("order.1", b)

	h.Publish(context.Background(), "order.1", Event{Type: "x", Frame: []byte(`{}`), ExceptConn: "a"})

	if len(a.Frames()) != 0 {
		t.Fatal("excluded sink received the event")
	}
	if len(b.Frames()) != 1 {
		t.Fatal("other sink missed the event")
	}
}

func TestHub_FailingSinkDoesNotBlockOthers(t *testing.T) {
	h := NewHub(zerolog.Nop())
	bad := &recordingSink{id: "bad", fail: true}
	good := &recordingSink{id: "good"}
	h.Subscribe("presence", bad)
	h.Subscribe("presence", good)

	if err := h.Publish(context.Background(), "presence", Event{Frame: []byte(`{}`)}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(good.Frames()) != 1 {
		t.Fatal("good sink missed the event")
	}
}

func TestHub_SubscribeIsIdempotent(t *testing.T) {
	h := NewHub(zerolog.Nop())
	a := &recordingSink{id: "a"}

	if !h.add("order.1", a) {
		t.Fatal("first add should report first")
	}
	if h.add("order.1", a) {
		t.Fatal("second add of the same sink should not report first")
	}
	h.Publish(context.Background(), "order.1", Event{Frame: []byte(`{}`)})
	if len(a.Frames()) != 1 {
		t.Fatalf("frames = %d, want 1", len(a.Frames()))
	}
}

func TestHub_UnsubscribeReportsLast(t *testing.T) {
	h := NewHub(zerolog.Nop())
	a := &recordingSink{id: "a"}
	b := &recordingSink{id: "b"}
	h.add("order.1", a)
	h.add("order.1", b)

	if h.remove("order.1", "a") {
		t.Fatal("remove a should not be last")
	}
	if h.remove("order.1", "a") {
		t.Fatal("removing an absent sink should not be last")
	}
	if !h.remove("order.1", "b") {
		t.Fatal("remove b should be last")
	}
	if h.Subscribers("order.1") != 0 {
		t.Fatal("channel should be empty")
	}
}

func TestHub_UnsubscribeAll(t *testing.T) {
	h := NewHub(zerolog.Nop())
	a := &recordingSink{id: "a"}
	b := &recordingSink{id: "b"}
	h.add("order.1", a)
	h.add("user.u1", a)
	h.add("user.u1", b)

	emptied := h.removeAll("a")
	if len(emptied) != 1 || emptied[0] != "order.1" {
		t.Fatalf("emptied = %v, want [order.1]", emptied)
	}
	if h.Subscribers("user.u1") != 1 {
		t.Fatalf("user.u1 subscribers = %d, want 1", h.Subscribers("user.u1"))
	}

	h.Publish(context.Background(), "user.u1", Event{Frame: []byte(`{}`)})
	if len(a.Frames()) != 0 {
		t.Fatal("unsubscribed sink received an event")
	}
}

func TestHub_ConcurrentUse(t *testing.T) {
	h := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := &recordingSink{id: string(rune('a' + i%26))}
			h.Subscribe("order.1", s)
			h.Publish(context.Background(), "order.1", Event{Frame: []byte(`{}`)})
			h.UnsubscribeAll(s.ID())
		}(i)
	}
	wg.Wait()
}
