package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/taskmarket/order-chat/internal/chaterr"
	"github.com/taskmarket/order-chat/internal/metrics"
	"github.com/taskmarket/order-chat/internal/moderation"
)

// Moderator cleans message text. *moderation.Filter satisfies it.
type Moderator interface {
	Moderate(text string) moderation.Result
}

// PipelineConfig wires a Pipeline. Users and Now are optional.
type PipelineConfig struct {
	Orders OrderLookup
	Store  Store
	Users  UserDirectory
	Filter Moderator
	Now    func() time.Time
	Logger zerolog.Logger
}

// Pipeline authorizes, moderates and persists chat messages. It holds no
// per-request state and is safe for concurrent use.
type Pipeline struct {
	orders OrderLookup
	store  Store
	users  UserDirectory
	filter Moderator
	now    func() time.Time
	log    zerolog.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		orders: cfg.Orders,
		store:  cfg.Store,
		users:  cfg.Users,
		filter: cfg.Filter,
		now:    now,
		log:    cfg.Logger.With().Str("component", "pipeline").Logger(),
	}
}

// participantOrder loads the order and checks userID takes part in it.
func (p *Pipeline) participantOrder(ctx context.Context, orderID, userID string) (*Order, error) {
	order, err := p.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("chat: get order: %w", err)
	}
	if order == nil {
		return nil, chaterr.New(chaterr.NotFound, "order not found")
	}
	if !order.IsParticipant(userID) {
		return nil, chaterr.New(chaterr.Forbidden, "not a participant of this order")
	}
	return order, nil
}

// Authorize checks that userID is a participant of orderID.
func (p *Pipeline) Authorize(ctx context.Context, orderID, userID string) (*Order, error) {
	return p.participantOrder(ctx, orderID, userID)
}

// SendMessage persists a message from senderID to the other participant of
// orderID. Nothing is persisted unless every check passes.
func (p *Pipeline) SendMessage(ctx context.Context, orderID, senderID, content string) (*Message, error) {
	start := time.Now()
	defer func() {
		metrics.PipelineLatency.WithLabelValues("send").Observe(time.Since(start).Seconds())
	}()

	text, err := ValidateContent(content)
	if err != nil {
		return nil, err
	}

	order, err := p.participantOrder(ctx, orderID, senderID)
	if err != nil {
		return nil, err
	}
	receiverID := order.Counterpart(senderID)
	if receiverID == "" || receiverID == senderID {
		return nil, chaterr.New(chaterr.BadRequest, "order has no counterpart assigned")
	}

	room, err := p.store.GetOrCreateRoom(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("chat: get room: %w", err)
	}
	if room.Closed() {
		return nil, chaterr.New(chaterr.Forbidden, "chat room is closed")
	}

	res := p.filter.Moderate(text)
	msg := &Message{
		ID:              uuid.NewString(),
		RoomID:          room.ID,
		OrderID:         orderID,
		SenderID:        senderID,
		ReceiverID:      receiverID,
		Content:         res.CleanedContent,
		IsModerated:     res.IsModerated,
		ModerationFlags: res.Flags,
		CreatedAt:       p.now().UTC(),
	}
	if err := p.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("chat: create message: %w", err)
	}

	if res.IsModerated {
		p.log.Info().
			Str("message_id", msg.ID).
			Str("order_id", orderID).
			Strs("flags", res.Flags).
			Msg("message moderated")
	}

	p.hydrate(ctx, msg)
	return msg, nil
}

// EditMessage replaces the content of a message. Only the sender may edit,
// only once, and only within EditWindow of creation.
func (p *Pipeline) EditMessage(ctx context.Context, messageID, editorID, content string) (*Message, error) {
	start := time.Now()
	defer func() {
		metrics.PipelineLatency.WithLabelValues("edit").Observe(time.Since(start).Seconds())
	}()

	text, err := ValidateContent(content)
	if err != nil {
		return nil, err
	}

	msg, err := p.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("chat: get message: %w", err)
	}
	if msg == nil {
		return nil, chaterr.New(chaterr.NotFound, "message not found")
	}
	if msg.SenderID != editorID {
		return nil, chaterr.New(chaterr.Forbidden, "only the sender can edit a message")
	}
	if msg.IsEdited {
		return nil, chaterr.New(chaterr.BadRequest, "message already edited")
	}
	now := p.now().UTC()
	if now.Sub(msg.CreatedAt) > EditWindow {
		return nil, chaterr.New(chaterr.Forbidden, "edit window has expired")
	}

	res := p.filter.Moderate(text)
	edited, ok, err := p.store.EditMessage(ctx, messageID, res.CleanedContent, res.IsModerated, res.Flags, now)
	if err != nil {
		return nil, fmt.Errorf("chat: edit message: %w", err)
	}
	if !ok {
		// Lost a race with a concurrent edit.
		return nil, chaterr.New(chaterr.BadRequest, "message already edited")
	}

	p.hydrate(ctx, edited)
	return edited, nil
}

// MarkAsRead marks the given messages of orderID addressed to readerID as
// read. Messages that are already read, addressed to someone else or in
// another order are skipped. It returns the ids that changed state.
func (p *Pipeline) MarkAsRead(ctx context.Context, orderID, readerID string, messageIDs []string) ([]string, error) {
	start := time.Now()
	defer func() {
		metrics.PipelineLatency.WithLabelValues("mark_read").Observe(time.Since(start).Seconds())
	}()

	if _, err := p.participantOrder(ctx, orderID, readerID); err != nil {
		return nil, err
	}
	if len(messageIDs) == 0 {
		return nil, nil
	}

	ids, err := p.store.MarkRead(ctx, orderID, readerID, messageIDs, p.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("chat: mark read: %w", err)
	}
	return ids, nil
}

// GetUnreadCount returns the number of unread messages in orderID addressed
// to userID.
func (p *Pipeline) GetUnreadCount(ctx context.Context, orderID, userID string) (int, error) {
	if _, err := p.participantOrder(ctx, orderID, userID); err != nil {
		return 0, err
	}
	n, err := p.store.CountUnread(ctx, orderID, userID)
	if err != nil {
		return 0, fmt.Errorf("chat: count unread: %w", err)
	}
	return n, nil
}

// hydrate attaches display fields. Failures leave the fields empty.
func (p *Pipeline) hydrate(ctx context.Context, msg *Message) {
	if p.users == nil {
		return
	}
	users, err := p.users.LookupUsers(ctx, []string{msg.SenderID, msg.ReceiverID})
	if err != nil {
		p.log.Warn().Err(err).Str("message_id", msg.ID).Msg("hydrate message")
		return
	}
	if u, ok := users[msg.SenderID]; ok {
		msg.Sender = &u
	}
	if u, ok := users[msg.ReceiverID]; ok {
		msg.Receiver = &u
	}
}
