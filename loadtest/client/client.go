// Package client is a WebSocket client for driving an order chat server in
// load and end-to-end tests. It connects with gobwas/ws (the library the
// server uses), reads events in the background and tracks per-connection
// counters.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/taskmarket/order-chat/internal/protocol"
)

// Metrics is a snapshot of one connection's counters.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int64
	MessagesSent     int64
	Errors           int64
}

// Client is one simulated user connection.
type Client struct {
	conn   net.Conn
	reader io.Reader

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]func(json.RawMessage)
	waiters  map[string][]chan json.RawMessage

	connectLatency time.Duration
	received       atomic.Int64
	sent           atomic.Int64
	errors         atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to url presenting token as the handshake credential and
// starts the read loop.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	if token != "" {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "token=" + token
	}

	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:           conn,
		reader:         conn,
		handlers:       make(map[string]func(json.RawMessage)),
		waiters:        make(map[string][]chan json.RawMessage),
		connectLatency: time.Since(start),
		done:           make(chan struct{}),
	}
	if br != nil {
		// Frames the server wrote right after the handshake.
		c.reader = io.MultiReader(br, conn)
	}

	go c.readLoop()
	return c, nil
}

// Send writes v as a JSON text frame. It is goroutine-safe.
func (c *Client) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientText(c.conn, data); err != nil {
		c.errors.Add(1)
		return err
	}
	c.sent.Add(1)
	return nil
}

// On registers handler for events of msgType, replacing any earlier one.
// Handlers run on the read loop and must not block.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// Expect waits for the next event of msgType that arrives after the call.
func (c *Client) Expect(ctx context.Context, msgType string) (json.RawMessage, error) {
	ch := make(chan json.RawMessage, 1)
	c.mu.Lock()
	c.waiters[msgType] = append(c.waiters[msgType], ch)
	c.mu.Unlock()

	select {
	case data := <-ch:
		return data, nil
	case <-c.done:
		return nil, fmt.Errorf("connection closed while waiting for %s", msgType)
	case <-ctx.Done():
		c.dropWaiter(msgType, ch)
		return nil, fmt.Errorf("waiting for %s: %w", msgType, ctx.Err())
	}
}

// Request sends v and waits for an event of replyType.
func (c *Client) Request(ctx context.Context, v interface{}, replyType string) (json.RawMessage, error) {
	ch := make(chan json.RawMessage, 1)
	c.mu.Lock()
	c.waiters[replyType] = append(c.waiters[replyType], ch)
	c.mu.Unlock()

	if err := c.Send(v); err != nil {
		c.dropWaiter(replyType, ch)
		return nil, err
	}

	select {
	case data := <-ch:
		return data, nil
	case <-c.done:
		return nil, fmt.Errorf("connection closed while waiting for %s", replyType)
	case <-ctx.Done():
		c.dropWaiter(replyType, ch)
		return nil, fmt.Errorf("waiting for %s: %w", replyType, ctx.Err())
	}
}

func (c *Client) dropWaiter(msgType string, ch chan json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.waiters[msgType]
	for i, w := range list {
		if w == ch {
			c.waiters[msgType] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Ping round-trips a ping and returns the latency.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.Request(ctx, map[string]string{"type": protocol.TypePing}, protocol.TypePong); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Metrics returns the client's counters.
func (c *Client) Metrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLatency,
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
		Errors:           c.errors.Load(),
	}
}

func (c *Client) readLoop() {
	defer c.Close()

	rw := struct {
		io.Reader
		io.Writer
	}{c.reader, &lockedWriter{c}}

	for {
		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.errors.Add(1)
			}
			return
		}
		c.received.Add(1)

		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			c.errors.Add(1)
			continue
		}
		c.dispatch(env.Type, json.RawMessage(data))
	}
}

func (c *Client) dispatch(msgType string, data json.RawMessage) {
	c.mu.Lock()
	handler := c.handlers[msgType]
	waiters := c.waiters[msgType]
	delete(c.waiters, msgType)
	c.mu.Unlock()

	for _, w := range waiters {
		w <- data
	}
	if handler != nil {
		handler(data)
	}
}

// lockedWriter serializes control-frame replies from the read loop with
// Send.
type lockedWriter struct{ c *Client }

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}
