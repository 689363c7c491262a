package gateway

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/taskmarket/order-chat/internal/broadcast"
	"github.com/taskmarket/order-chat/internal/chaterr"
	"github.com/taskmarket/order-chat/internal/metrics"
	"github.com/taskmarket/order-chat/internal/protocol"
)

// Outbound is one frame produced by a handler. An empty Channel addresses the
// originating connection.
type Outbound struct {
	Channel string
	Event   broadcast.Event
}

// HandlerFunc handles one decoded event for an authenticated connection.
type HandlerFunc func(ctx context.Context, c *Conn, env protocol.Envelope) ([]Outbound, error)

// Dispatcher routes inbound frames to registered handlers based on the
// message type. Parse failures, unknown types and handler errors become a
// single error frame for the originating connection.
type Dispatcher struct {
	handlers map[string]HandlerFunc
	log      zerolog.Logger
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		log:      logger,
	}
}

// Register associates a handler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *Dispatcher) Register(msgType string, handler HandlerFunc) {
	d.handlers[msgType] = handler
}

// Dispatch parses data and runs the matching handler.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Conn, data []byte) []Outbound {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		d.log.Debug().Err(err).Str("conn_id", c.ID).Msg("parse error")
		return d.fail(c, env, err)
	}

	if c.Phase() != PhaseAuthenticated {
		return d.fail(c, env, chaterr.New(chaterr.Unauthorized, "connection is not authenticated"))
	}

	handler, ok := d.handlers[env.Type]
	if !ok {
		d.log.Debug().Str("event", env.Type).Str("conn_id", c.ID).Msg("unsupported message type")
		return d.fail(c, env, chaterr.Newf(chaterr.BadRequest, "unsupported event %q", env.Type))
	}

	out, err := handler(ctx, c, env)
	if err != nil {
		return d.fail(c, env, err)
	}
	metrics.EventsTotal.WithLabelValues(env.Type, "ok").Inc()
	return out
}

// fail turns err into an error frame for c only.
func (d *Dispatcher) fail(c *Conn, env protocol.Envelope, err error) []Outbound {
	kind := chaterr.KindOf(err)
	event := env.Type
	if _, ok := d.handlers[event]; !ok {
		event = "unknown"
	}
	metrics.EventsTotal.WithLabelValues(event, kind.Code()).Inc()

	log := d.log.With().
		Str("conn_id", c.ID).
		Str("user_id", c.UserID).
		Str("event", env.Type).
		Logger()
	if kind == chaterr.Internal || kind == chaterr.StoreUnavailable {
		log.Error().Err(err).Msg("event failed")
	} else {
		log.Debug().Err(err).Msg("event rejected")
	}

	return []Outbound{{Event: broadcast.Event{
		Type:  protocol.TypeError,
		Frame: protocol.NewErrorMessage(env.Type, env.RequestID, err),
	}}}
}

// outbox collects a handler's frames. The first encoding error sticks.
type outbox struct {
	items []Outbound
	err   error
}

func (o *outbox) add(channel, exceptConn, msgType string, payload interface{}) {
	if o.err != nil {
		return
	}
	ev, err := broadcast.NewEvent(msgType, payload)
	if err != nil {
		o.err = fmt.Errorf("gateway: encode %s: %w", msgType, err)
		return
	}
	ev.ExceptConn = exceptConn
	o.items = append(o.items, Outbound{Channel: channel, Event: ev})
}

// reply addresses the originating connection.
func (o *outbox) reply(msgType string, payload interface{}) {
	o.add("", "", msgType, payload)
}

func (o *outbox) publish(channel, msgType string, payload interface{}) {
	o.add(channel, "", msgType, payload)
}

func (o *outbox) publishExcept(channel, exceptConn, msgType string, payload interface{}) {
	o.add(channel, exceptConn, msgType, payload)
}

func (o *outbox) result() ([]Outbound, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.items, nil
}
