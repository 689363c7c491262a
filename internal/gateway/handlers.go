package gateway

import (
	"context"

	"github.com/taskmarket/order-chat/internal/broadcast"
	"github.com/taskmarket/order-chat/internal/chat"
	"github.com/taskmarket/order-chat/internal/chaterr"
	"github.com/taskmarket/order-chat/internal/metrics"
	"github.com/taskmarket/order-chat/internal/protocol"
)

func (g *Gateway) registerHandlers() {
	d := g.dispatcher
	d.Register(protocol.TypeJoinOrderChat, g.handleJoin)
	d.Register(protocol.TypeLeaveOrderChat, g.handleLeave)
	d.Register(protocol.TypeSendMessage, g.handleSendMessage)
	d.Register(protocol.TypeTyping, g.handleTyping)
	d.Register(protocol.TypeStopTyping, g.handleStopTyping)
	d.Register(protocol.TypeMarkAsRead, g.handleMarkAsRead)
	d.Register(protocol.TypeEditMessage, g.handleEditMessage)
	d.Register(protocol.TypeGetUnreadCount, g.handleGetUnreadCount)
	d.Register(protocol.TypePing, g.handlePing)
}

func ack(env protocol.Envelope, orderID string) protocol.AckMsg {
	return protocol.AckMsg{
		Event:     env.Type,
		RequestID: env.RequestID,
		Success:   true,
		OrderID:   orderID,
	}
}

// authorizeOrder checks c's user takes part in orderID. A joined order was
// already checked against the order record.
func (g *Gateway) authorizeOrder(ctx context.Context, c *Conn, orderID string) error {
	if c.joined(orderID) {
		return nil
	}
	_, err := g.pipeline.Authorize(ctx, orderID, c.UserID)
	return err
}

func (g *Gateway) handleJoin(ctx context.Context, c *Conn, env protocol.Envelope) ([]Outbound, error) {
	var req protocol.OrderRef
	if err := protocol.Decode(env.Raw, &req); err != nil {
		return nil, err
	}
	if _, err := g.pipeline.Authorize(ctx, req.OrderID, c.UserID); err != nil {
		return nil, err
	}
	// A join abandoned by a disconnect leaves nothing behind.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	channel := broadcast.OrderChannel(req.OrderID)
	if err := g.bc.Subscribe(channel, c.sink); err != nil {
		return nil, chaterr.Wrap(chaterr.Internal, "join failed", err)
	}
	if c.Phase() == PhaseDisconnected {
		_ = g.bc.Unsubscribe(channel, c.ID)
		return nil, context.Canceled
	}
	c.rooms[req.OrderID] = struct{}{}

	g.log.Debug().Str("conn_id", c.ID).Str("order_id", req.OrderID).Msg("joined order chat")

	var out outbox
	out.reply(protocol.TypeAck, ack(env, req.OrderID))
	return out.result()
}

func (g *Gateway) handleLeave(ctx context.Context, c *Conn, env protocol.Envelope) ([]Outbound, error) {
	var req protocol.OrderRef
	if err := protocol.Decode(env.Raw, &req); err != nil {
		return nil, err
	}
	if err := g.bc.Unsubscribe(broadcast.OrderChannel(req.OrderID), c.ID); err != nil {
		g.log.Warn().Err(err).Str("conn_id", c.ID).Str("order_id", req.OrderID).Msg("unsubscribe")
	}
	delete(c.rooms, req.OrderID)

	var out outbox
	out.reply(protocol.TypeAck, ack(env, req.OrderID))
	return out.result()
}

func (g *Gateway) handleSendMessage(ctx context.Context, c *Conn, env protocol.Envelope) ([]Outbound, error) {
	var req protocol.SendMessageMsg
	if err := protocol.Decode(env.Raw, &req); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	allowed, err := g.limiter.Allow(ctx, c.UserID)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
		return nil, err
	}
	if !allowed {
		metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
		return nil, chaterr.New(chaterr.RateLimited, "too many messages, slow down")
	}

	msg, err := g.pipeline.SendMessage(ctx, req.OrderID, c.UserID, req.Content)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if msg.IsModerated {
		metrics.MessagesTotal.WithLabelValues("moderated").Inc()
	} else {
		metrics.MessagesTotal.WithLabelValues("sent").Inc()
	}

	// The message is committed; everything below completes even if the
	// sender has gone away.
	ctx = context.WithoutCancel(ctx)

	var out outbox
	out.reply(protocol.TypeMessageSent, protocol.MessageSentMsg{RequestID: env.RequestID, Message: msg})
	out.publish(broadcast.UserChannel(msg.ReceiverID), protocol.TypeNewMessage, protocol.NewMessageMsg{Message: msg})
	out.publishExcept(broadcast.UserChannel(msg.SenderID), c.ID, protocol.TypeNewMessage, protocol.NewMessageMsg{Message: msg})

	g.queueIfOffline(ctx, msg.ReceiverID, msg)
	g.bumpUnread(ctx, msg)

	if err := g.registry.RemoveTyping(ctx, msg.OrderID, c.UserID); err != nil {
		g.registryFailed(g.log.With().Str("order_id", msg.OrderID).Logger(), "remove_typing", err)
	}
	out.publishExcept(broadcast.OrderChannel(msg.OrderID), c.ID, protocol.TypeUserStoppedTyping,
		protocol.TypingMsg{OrderID: msg.OrderID, UserID: c.UserID})

	return out.result()
}

// bumpUnread increments the receiver's cached counter. A counter that did
// not exist starts from the durable count so the cache never undercounts.
func (g *Gateway) bumpUnread(ctx context.Context, msg *chat.Message) {
	log := g.log.With().Str("order_id", msg.OrderID).Str("user_id", msg.ReceiverID).Logger()

	n, err := g.registry.IncrementUnread(ctx, msg.OrderID, msg.ReceiverID)
	if err != nil {
		g.registryFailed(log, "increment_unread", err)
		return
	}
	if n != 1 {
		return
	}
	count, err := g.pipeline.GetUnreadCount(ctx, msg.OrderID, msg.ReceiverID)
	if err != nil {
		log.Warn().Err(err).Msg("count unread")
		return
	}
	if count != n {
		if err := g.registry.SetUnread(ctx, msg.OrderID, msg.ReceiverID, count); err != nil {
			g.registryFailed(log, "set_unread", err)
		}
	}
}

func (g *Gateway) handleTyping(ctx context.Context, c *Conn, env protocol.Envelope) ([]Outbound, error) {
	var req protocol.OrderRef
	if err := protocol.Decode(env.Raw, &req); err != nil {
		return nil, err
	}
	if err := g.authorizeOrder(ctx, c, req.OrderID); err != nil {
		return nil, err
	}
	if err := g.registry.SetTyping(ctx, req.OrderID, c.UserID); err != nil {
		g.registryFailed(g.log.With().Str("order_id", req.OrderID).Logger(), "set_typing", err)
	}

	var out outbox
	out.publishExcept(broadcast.OrderChannel(req.OrderID), c.ID, protocol.TypeUserTyping,
		protocol.TypingMsg{OrderID: req.OrderID, UserID: c.UserID})
	out.reply(protocol.TypeAck, ack(env, req.OrderID))
	return out.result()
}

func (g *Gateway) handleStopTyping(ctx context.Context, c *Conn, env protocol.Envelope) ([]Outbound, error) {
	var req protocol.OrderRef
	if err := protocol.Decode(env.Raw, &req); err != nil {
		return nil, err
	}
	if err := g.authorizeOrder(ctx, c, req.OrderID); err != nil {
		return nil, err
	}
	if err := g.registry.RemoveTyping(ctx, req.OrderID, c.UserID); err != nil {
		g.registryFailed(g.log.With().Str("order_id", req.OrderID).Logger(), "remove_typing", err)
	}

	var out outbox
	out.publishExcept(broadcast.OrderChannel(req.OrderID), c.ID, protocol.TypeUserStoppedTyping,
		protocol.TypingMsg{OrderID: req.OrderID, UserID: c.UserID})
	out.reply(protocol.TypeAck, ack(env, req.OrderID))
	return out.result()
}

func (g *Gateway) handleMarkAsRead(ctx context.Context, c *Conn, env protocol.Envelope) ([]Outbound, error) {
	var req protocol.MarkAsReadMsg
	if err := protocol.Decode(env.Raw, &req); err != nil {
		return nil, err
	}
	ids, err := g.pipeline.MarkAsRead(ctx, req.OrderID, c.UserID, req.MessageIDs)
	if err != nil {
		return nil, err
	}
	readAt := g.now().UTC()

	if err := g.registry.ClearUnread(ctx, req.OrderID, c.UserID); err != nil {
		g.registryFailed(g.log.With().Str("order_id", req.OrderID).Logger(), "clear_unread", err)
	}

	var out outbox
	if len(ids) > 0 {
		out.publish(broadcast.OrderChannel(req.OrderID), protocol.TypeMessagesRead, protocol.MessagesReadMsg{
			OrderID:    req.OrderID,
			ReaderID:   c.UserID,
			MessageIDs: ids,
			ReadAt:     readAt,
		})
	}
	out.reply(protocol.TypeAck, ack(env, req.OrderID))
	return out.result()
}

func (g *Gateway) handleEditMessage(ctx context.Context, c *Conn, env protocol.Envelope) ([]Outbound, error) {
	var req protocol.EditMessageMsg
	if err := protocol.Decode(env.Raw, &req); err != nil {
		return nil, err
	}
	msg, err := g.pipeline.EditMessage(ctx, req.MessageID, c.UserID, req.Content)
	if err != nil {
		return nil, err
	}

	edited := protocol.MessageEditedMsg{Message: msg}
	var out outbox
	out.reply(protocol.TypeMessageEdited, edited)
	out.publishExcept(broadcast.OrderChannel(msg.OrderID), c.ID, protocol.TypeMessageEdited, edited)
	out.publish(broadcast.UserChannel(msg.ReceiverID), protocol.TypeMessageEdited, edited)
	return out.result()
}

func (g *Gateway) handleGetUnreadCount(ctx context.Context, c *Conn, env protocol.Envelope) ([]Outbound, error) {
	var req protocol.OrderRef
	if err := protocol.Decode(env.Raw, &req); err != nil {
		return nil, err
	}
	if err := g.authorizeOrder(ctx, c, req.OrderID); err != nil {
		return nil, err
	}
	log := g.log.With().Str("order_id", req.OrderID).Str("user_id", c.UserID).Logger()

	n, ok, err := g.registry.GetUnread(ctx, req.OrderID, c.UserID)
	if err != nil {
		g.registryFailed(log, "get_unread", err)
	}
	if err != nil || !ok {
		n, err = g.pipeline.GetUnreadCount(ctx, req.OrderID, c.UserID)
		if err != nil {
			return nil, err
		}
		if err := g.registry.SetUnread(ctx, req.OrderID, c.UserID, n); err != nil {
			g.registryFailed(log, "set_unread", err)
		}
	}

	var out outbox
	out.reply(protocol.TypeUnreadCount, protocol.UnreadCountMsg{
		RequestID: env.RequestID,
		OrderID:   req.OrderID,
		Count:     n,
	})
	return out.result()
}

func (g *Gateway) handlePing(ctx context.Context, c *Conn, env protocol.Envelope) ([]Outbound, error) {
	var out outbox
	out.reply(protocol.TypePong, protocol.PongMsg{RequestID: env.RequestID})
	return out.result()
}
