package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var _ Checker = (*LocalLimiter)(nil)

// window is one identifier's fixed window. opener holds a single token that
// refills once per Window; taking it starts a new window.
type window struct {
	opener   *rate.Limiter
	count    int
	lastSeen time.Time
}

// LocalLimiter keeps a fixed window per identifier in process memory, with
// the same semantics as the Redis limiter: the window starts at the first
// request, and at most Limit requests are allowed until it ends.
type LocalLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	every   rate.Limit
	limit   int
	idleTTL time.Duration
	now     func() time.Time
	cancel  context.CancelFunc
}

// NewLocalLimiter creates a LocalLimiter for rule. Windows idle for longer
// than twice the window are dropped by a background sweep until Close.
// now may be nil.
func NewLocalLimiter(rule Rule, now func() time.Time) *LocalLimiter {
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &LocalLimiter{
		windows: make(map[string]*window),
		every:   rate.Every(rule.Window),
		limit:   rule.Limit,
		idleTTL: 2 * rule.Window,
		now:     now,
		cancel:  cancel,
	}
	sweepEvery := rule.Window
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	go l.cleanup(ctx, sweepEvery)
	return l
}

// Allow never returns an error.
func (l *LocalLimiter) Allow(_ context.Context, identifier string) (bool, error) {
	return l.AllowAt(identifier, l.now()), nil
}

// AllowAt reports whether a request at t is within the limit.
func (l *LocalLimiter) AllowAt(identifier string, t time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[identifier]
	if !ok {
		w = &window{opener: rate.NewLimiter(l.every, 1)}
		l.windows[identifier] = w
	}
	if w.opener.AllowN(t, 1) {
		w.count = 0
	}
	w.lastSeen = t
	w.count++
	return w.count <= l.limit
}

func (l *LocalLimiter) cleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep(l.now())
		}
	}
}

func (l *LocalLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, w := range l.windows {
		if now.Sub(w.lastSeen) > l.idleTTL {
			delete(l.windows, id)
		}
	}
}

// Close stops the background sweep.
func (l *LocalLimiter) Close() {
	l.cancel()
}
