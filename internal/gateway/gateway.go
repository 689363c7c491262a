// Package gateway implements the order chat protocol on top of a connected,
// authenticated socket. Every connection is an explicit state value; inbound
// events go through a dispatch table of handlers that return the frames to
// deliver, so the protocol can be exercised without a live socket.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskmarket/order-chat/internal/auth"
	"github.com/taskmarket/order-chat/internal/broadcast"
	"github.com/taskmarket/order-chat/internal/chat"
	"github.com/taskmarket/order-chat/internal/chaterr"
	"github.com/taskmarket/order-chat/internal/metrics"
	"github.com/taskmarket/order-chat/internal/protocol"
	"github.com/taskmarket/order-chat/internal/ratelimit"
	"github.com/taskmarket/order-chat/internal/session"
)

// DefaultEventTimeout bounds the handling of a single inbound event.
const DefaultEventTimeout = 10 * time.Second

// Config wires a Gateway. Now and EventTimeout are optional.
type Config struct {
	Registry     session.Registry
	Pipeline     *chat.Pipeline
	Broadcaster  broadcast.Broadcaster
	Limiter      ratelimit.Checker
	Verifier     auth.Verifier
	Now          func() time.Time
	EventTimeout time.Duration
	Logger       zerolog.Logger
}

// Gateway owns the connections of one process.
type Gateway struct {
	registry     session.Registry
	pipeline     *chat.Pipeline
	bc           broadcast.Broadcaster
	limiter      ratelimit.Checker
	verifier     auth.Verifier
	now          func() time.Time
	eventTimeout time.Duration
	log          zerolog.Logger
	dispatcher   *Dispatcher

	mu    sync.RWMutex
	conns map[string]*Conn
}

// New creates a Gateway with every protocol event registered.
func New(cfg Config) *Gateway {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	timeout := cfg.EventTimeout
	if timeout <= 0 {
		timeout = DefaultEventTimeout
	}
	g := &Gateway{
		registry:     cfg.Registry,
		pipeline:     cfg.Pipeline,
		bc:           cfg.Broadcaster,
		limiter:      cfg.Limiter,
		verifier:     cfg.Verifier,
		now:          now,
		eventTimeout: timeout,
		log:          cfg.Logger.With().Str("component", "gateway").Logger(),
		conns:        make(map[string]*Conn),
	}
	g.dispatcher = NewDispatcher(g.log)
	g.registerHandlers()
	return g
}

// Authenticate verifies the handshake credential.
func (g *Gateway) Authenticate(ctx context.Context, token string) (auth.Identity, error) {
	return g.verifier.Verify(ctx, token)
}

// Connect registers an authenticated connection: it subscribes the sink to
// the user's personal channel and to presence, records the connection and
// last-seen time, delivers any queued offline messages to this sink only, and
// announces the user when this is their first connection.
func (g *Gateway) Connect(ctx context.Context, id auth.Identity, sink broadcast.Sink) *Conn {
	c := newConn(id.UserID, id.Role, sink)
	log := g.log.With().Str("user_id", c.UserID).Str("conn_id", c.ID).Logger()

	g.mu.Lock()
	g.conns[c.ID] = c
	g.mu.Unlock()
	c.phase.Store(int32(PhaseAuthenticated))

	for _, channel := range []string{broadcast.UserChannel(c.UserID), broadcast.PresenceChannel} {
		if err := g.bc.Subscribe(channel, sink); err != nil {
			log.Warn().Err(err).Str("channel", channel).Msg("subscribe")
		}
	}

	wasOnline, err := g.registry.IsOnline(ctx, c.UserID)
	if err != nil {
		g.registryFailed(log, "is_online", err)
		wasOnline = true
	}
	if err := g.registry.AddConnection(ctx, c.UserID, c.ID); err != nil {
		g.registryFailed(log, "add_connection", err)
	}
	if err := g.registry.UpdateLastSeen(ctx, c.UserID); err != nil {
		g.registryFailed(log, "update_last_seen", err)
	}

	g.deliverOffline(ctx, c, log)

	if !wasOnline {
		if err := g.BroadcastPresence(ctx, c.UserID, true); err != nil {
			log.Warn().Err(err).Msg("broadcast online")
		}
	}

	metrics.ConnectionsTotal.Inc()
	log.Info().Msg("connected")
	return c
}

func (g *Gateway) deliverOffline(ctx context.Context, c *Conn, log zerolog.Logger) {
	entries, err := g.registry.DrainOfflineMessages(ctx, c.UserID)
	if err != nil {
		g.registryFailed(log, "drain_offline", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	msgs := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		if !json.Valid(e) {
			log.Warn().Msg("dropping malformed offline entry")
			continue
		}
		msgs = append(msgs, json.RawMessage(e))
	}
	frame, err := protocol.NewServerMessage(protocol.TypeOfflineMessages, protocol.OfflineMessagesMsg{Messages: msgs})
	if err != nil {
		log.Error().Err(err).Msg("encode offline messages")
		return
	}
	if err := c.sink.Send(frame); err != nil {
		// Drained entries are gone; durable history still has them.
		log.Warn().Err(err).Int("count", len(msgs)).Msg("deliver offline messages")
		return
	}
	metrics.OfflineDrained.Add(float64(len(msgs)))
	log.Debug().Int("count", len(msgs)).Msg("offline messages delivered")
}

// Disconnect deregisters the connection and, when it was the user's last,
// announces the user offline. Calling it more than once is a no-op.
func (g *Gateway) Disconnect(c *Conn) {
	g.mu.Lock()
	_, ok := g.conns[c.ID]
	delete(g.conns, c.ID)
	g.mu.Unlock()
	if !ok {
		return
	}

	c.phase.Store(int32(PhaseDisconnected))
	c.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), g.eventTimeout)
	defer cancel()
	log := g.log.With().Str("user_id", c.UserID).Str("conn_id", c.ID).Logger()

	if err := g.bc.UnsubscribeAll(c.ID); err != nil {
		log.Warn().Err(err).Msg("unsubscribe")
	}

	last, err := g.registry.RemoveConnection(ctx, c.UserID, c.ID)
	if err != nil {
		g.registryFailed(log, "remove_connection", err)
	}
	if err := g.registry.UpdateLastSeen(ctx, c.UserID); err != nil {
		g.registryFailed(log, "update_last_seen", err)
	}
	if last {
		if err := g.BroadcastPresence(ctx, c.UserID, false); err != nil {
			log.Warn().Err(err).Msg("broadcast offline")
		}
	}

	metrics.ConnectionsTotal.Dec()
	log.Info().Bool("last", last).Msg("disconnected")
}

// Handle processes one inbound frame of c. Replies and errors go to c; other
// frames go to their channels.
func (g *Gateway) Handle(c *Conn, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, g.eventTimeout)
	defer cancel()

	out := g.dispatcher.Dispatch(ctx, c, data)
	g.deliver(context.WithoutCancel(ctx), c, out)
}

func (g *Gateway) deliver(ctx context.Context, c *Conn, out []Outbound) {
	for _, o := range out {
		if o.Channel == "" {
			if err := c.sink.Send(o.Event.Frame); err != nil {
				g.log.Warn().Err(err).
					Str("conn_id", c.ID).
					Str("event", o.Event.Type).
					Msg("reply")
			}
			continue
		}
		if err := g.bc.Publish(ctx, o.Channel, o.Event); err != nil {
			g.log.Warn().Err(err).
				Str("channel", o.Channel).
				Str("event", o.Event.Type).
				Msg("publish")
		}
	}
}

// NotifyUser pushes an event to every connection of userID. A new_message
// for a user with no live connection is also queued for delivery on
// reconnect.
func (g *Gateway) NotifyUser(ctx context.Context, userID, msgType string, payload interface{}) error {
	ev, err := broadcast.NewEvent(msgType, payload)
	if err != nil {
		return fmt.Errorf("gateway: notify: %w", err)
	}

	var queued *chat.Message
	if msgType == protocol.TypeNewMessage {
		var nm protocol.NewMessageMsg
		if err := json.Unmarshal(ev.Frame, &nm); err != nil || nm.Message == nil {
			return chaterr.New(chaterr.BadRequest, "new_message payload has no message")
		}
		queued = nm.Message
	}

	if err := g.bc.Publish(ctx, broadcast.UserChannel(userID), ev); err != nil {
		return fmt.Errorf("gateway: notify: %w", err)
	}
	if queued != nil {
		g.queueIfOffline(ctx, userID, queued)
	}
	return nil
}

// BroadcastPresence announces userID online or offline on the presence
// channel. Offline announcements carry the last-seen time when known.
func (g *Gateway) BroadcastPresence(ctx context.Context, userID string, online bool) error {
	msgType := protocol.TypeUserOnline
	payload := protocol.PresenceMsg{UserID: userID}
	if !online {
		msgType = protocol.TypeUserOffline
		seen, err := g.registry.LastSeen(ctx, userID)
		if err != nil {
			g.registryFailed(g.log.With().Str("user_id", userID).Logger(), "last_seen", err)
		} else if !seen.IsZero() {
			payload.LastSeen = &seen
		}
	}

	ev, err := broadcast.NewEvent(msgType, payload)
	if err != nil {
		return fmt.Errorf("gateway: presence: %w", err)
	}
	if err := g.bc.Publish(ctx, broadcast.PresenceChannel, ev); err != nil {
		return fmt.Errorf("gateway: presence: %w", err)
	}
	return nil
}

// queueIfOffline puts msg on userID's offline queue when they have no live
// connection.
func (g *Gateway) queueIfOffline(ctx context.Context, userID string, msg *chat.Message) {
	log := g.log.With().Str("user_id", userID).Str("message_id", msg.ID).Logger()

	online, err := g.registry.IsOnline(ctx, userID)
	if err != nil {
		g.registryFailed(log, "is_online", err)
	}
	if online {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("encode offline message")
		return
	}
	if err := g.registry.QueueOfflineMessage(ctx, userID, data); err != nil {
		g.registryFailed(log, "queue_offline", err)
		return
	}
	metrics.OfflineQueued.Inc()
}

// ConnCount returns the number of live connections in this process.
func (g *Gateway) ConnCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// Ping checks the session registry.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.registry.Ping(ctx)
}

// registryFailed logs and counts a swallowed registry error.
func (g *Gateway) registryFailed(log zerolog.Logger, op string, err error) {
	metrics.RegistryErrors.WithLabelValues(op).Inc()
	log.Warn().Err(err).Str("op", op).Msg("session registry")
}
