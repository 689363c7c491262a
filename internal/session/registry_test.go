package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

// runRegistryContract exercises behaviour every backend must share. ids are
// prefixed so Redis runs can clean up after themselves.
func runRegistryContract(t *testing.T, newRegistry func(t *testing.T) Registry) {
	ctx := context.Background()

	t.Run("connections", func(t *testing.T) {
		r := newRegistry(t)
		user := "test_user_conns"

		online, err := r.IsOnline(ctx, user)
		if err != nil || online {
			t.Fatalf("IsOnline before connect = %v, %v", online, err)
		}

		for _, c := range []string{"c1", "c2", "c2"} {
			if err := r.AddConnection(ctx, user, c); err != nil {
				t.Fatalf("AddConnection(%s): %v", c, err)
			}
		}
		if n, _ := r.ConnectionCount(ctx, user); n != 2 {
			t.Fatalf("ConnectionCount = %d, want 2", n)
		}

		last, err := r.RemoveConnection(ctx, user, "c1")
		if err != nil || last {
			t.Fatalf("RemoveConnection(c1) = %v, %v; want false", last, err)
		}
		last, err = r.RemoveConnection(ctx, user, "c1")
		if err != nil || last {
			t.Fatalf("repeat RemoveConnection(c1) = %v, %v; want false", last, err)
		}
		last, err = r.RemoveConnection(ctx, user, "c2")
		if err != nil || !last {
			t.Fatalf("RemoveConnection(c2) = %v, %v; want true", last, err)
		}
		last, _ = r.RemoveConnection(ctx, user, "c2")
		if last {
			t.Fatal("removing an absent connection reported last")
		}
		if online, _ := r.IsOnline(ctx, user); online {
			t.Fatal("user still online after removing every connection")
		}
	})

	t.Run("concurrent removal reports last once", func(t *testing.T) {
		r := newRegistry(t)
		user := "test_user_race"
		const n = 8
		for i := 0; i < n; i++ {
			r.AddConnection(ctx, user, fmt.Sprintf("c%d", i))
		}

		var lasts int32
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				last, err := r.RemoveConnection(ctx, user, fmt.Sprintf("c%d", i))
				if err != nil {
					t.Errorf("RemoveConnection: %v", err)
				}
				if last {
					atomic.AddInt32(&lasts, 1)
				}
			}(i)
		}
		wg.Wait()
		if lasts != 1 {
			t.Fatalf("last reported %d times, want 1", lasts)
		}
	})

	t.Run("last seen", func(t *testing.T) {
		r := newRegistry(t)
		user := "test_user_seen"
		ts, err := r.LastSeen(ctx, user)
		if err != nil || !ts.IsZero() {
			t.Fatalf("LastSeen before update = %v, %v", ts, err)
		}
		if err := r.UpdateLastSeen(ctx, user); err != nil {
			t.Fatalf("UpdateLastSeen: %v", err)
		}
		if ts, _ := r.LastSeen(ctx, user); ts.IsZero() {
			t.Fatal("LastSeen is zero after update")
		}
	})

	t.Run("typing", func(t *testing.T) {
		r := newRegistry(t)
		order := "test_order_typing"
		r.SetTyping(ctx, order, "a")
		r.SetTyping(ctx, order, "b")
		r.SetTyping(ctx, order, "a")

		users, err := r.TypingUsers(ctx, order)
		if err != nil || len(users) != 2 {
			t.Fatalf("TypingUsers = %v, %v; want 2 users", users, err)
		}
		r.RemoveTyping(ctx, order, "a")
		r.RemoveTyping(ctx, order, "a")
		users, _ = r.TypingUsers(ctx, order)
		if len(users) != 1 || users[0] != "b" {
			t.Fatalf("TypingUsers after remove = %v, want [b]", users)
		}
	})

	t.Run("offline queue fifo", func(t *testing.T) {
		r := newRegistry(t)
		user := "test_user_fifo"
		for _, m := range []string{"m1", "m2", "m3"} {
			if err := r.QueueOfflineMessage(ctx, user, []byte(m)); err != nil {
				t.Fatalf("QueueOfflineMessage: %v", err)
			}
		}
		got, err := r.DrainOfflineMessages(ctx, user)
		if err != nil {
			t.Fatalf("DrainOfflineMessages: %v", err)
		}
		if len(got) != 3 || string(got[0]) != "m1" || string(got[2]) != "m3" {
			t.Fatalf("drained %q, want [m1 m2 m3]", got)
		}
		again, _ := r.DrainOfflineMessages(ctx, user)
		if len(again) != 0 {
			t.Fatalf("second drain returned %q", again)
		}
	})

	t.Run("concurrent drains deliver each entry once", func(t *testing.T) {
		r := newRegistry(t)
		user := "test_user_drain"
		const queued = 50
		for i := 0; i < queued; i++ {
			r.QueueOfflineMessage(ctx, user, []byte(fmt.Sprintf("m%d", i)))
		}

		var mu sync.Mutex
		seen := make(map[string]int)
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				items, err := r.DrainOfflineMessages(ctx, user)
				if err != nil {
					t.Errorf("DrainOfflineMessages: %v", err)
					return
				}
				mu.Lock()
				for _, it := range items {
					seen[string(it)]++
				}
				mu.Unlock()
			}()
		}
		wg.Wait()

		if len(seen) != queued {
			t.Fatalf("delivered %d distinct messages, want %d", len(seen), queued)
		}
		for m, n := range seen {
			if n != 1 {
				t.Errorf("%s delivered %d times", m, n)
			}
		}
	})

	t.Run("unread counters", func(t *testing.T) {
		r := newRegistry(t)
		order, user := "test_order_unread", "test_user_unread"

		if _, ok, err := r.GetUnread(ctx, order, user); err != nil || ok {
			t.Fatalf("GetUnread before set: ok=%v err=%v", ok, err)
		}
		if n, _ := r.IncrementUnread(ctx, order, user); n != 1 {
			t.Fatalf("IncrementUnread on absent key = %d, want 1", n)
		}
		r.IncrementUnread(ctx, order, user)
		if n, ok, _ := r.GetUnread(ctx, order, user); !ok || n != 2 {
			t.Fatalf("GetUnread = %d, %v; want 2, true", n, ok)
		}
		r.SetUnread(ctx, order, user, 7)
		if n, _, _ := r.GetUnread(ctx, order, user); n != 7 {
			t.Fatalf("GetUnread after set = %d", n)
		}
		r.ClearUnread(ctx, order, user)
		if _, ok, _ := r.GetUnread(ctx, order, user); ok {
			t.Fatal("counter still cached after clear")
		}
	})

	t.Run("cleanup user", func(t *testing.T) {
		r := newRegistry(t)
		user := "test_user_cleanup"
		r.AddConnection(ctx, user, "c1")
		r.UpdateLastSeen(ctx, user)
		r.SetTyping(ctx, "test_order_cleanup", user)
		r.QueueOfflineMessage(ctx, user, []byte("m"))
		r.IncrementUnread(ctx, "test_order_cleanup", user)

		if err := r.CleanupUser(ctx, user); err != nil {
			t.Fatalf("CleanupUser: %v", err)
		}
		if online, _ := r.IsOnline(ctx, user); online {
			t.Error("still online")
		}
		if ts, _ := r.LastSeen(ctx, user); !ts.IsZero() {
			t.Error("last seen kept")
		}
		if users, _ := r.TypingUsers(ctx, "test_order_cleanup"); len(users) != 0 {
			t.Errorf("typing kept: %v", users)
		}
		if items, _ := r.DrainOfflineMessages(ctx, user); len(items) != 0 {
			t.Error("offline queue kept")
		}
		if _, ok, _ := r.GetUnread(ctx, "test_order_cleanup", user); ok {
			t.Error("unread counter kept")
		}
	})
}
