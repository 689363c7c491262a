package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/taskmarket/order-chat/internal/messaging"
)

var _ Broadcaster = (*NATSBroadcaster)(nil)

// NATSBroadcaster publishes events on subject chat.<channel> and holds one
// NATS subscription for every channel that has a local subscriber. Events
// published by this process come back through NATS like any other, so every
// instance delivers in the same order.
type NATSBroadcaster struct {
	client *messaging.NATSClient
	hub    *Hub
	log    zerolog.Logger
	mu     sync.Mutex // serializes hub membership changes with NATS subscriptions
}

// NewNATSBroadcaster creates a broadcaster that delivers into its own Hub.
func NewNATSBroadcaster(client *messaging.NATSClient, logger zerolog.Logger) *NATSBroadcaster {
	return &NATSBroadcaster{
		client: client,
		hub:    NewHub(logger),
		log:    logger.With().Str("component", "broadcast").Logger(),
	}
}

func subKey(channel string) string { return "bc:" + channel }

func (b *NATSBroadcaster) Publish(_ context.Context, channel string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("broadcast: encode event: %w", err)
	}
	if err := b.client.Publish(messaging.ChatSubject(channel), data); err != nil {
		return fmt.Errorf("broadcast: publish %s: %w", channel, err)
	}
	return nil
}

func (b *NATSBroadcaster) Subscribe(channel string, s Sink) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.hub.add(channel, s) {
		return nil
	}
	err := b.client.Subscribe(subKey(channel), messaging.ChatSubject(channel), func(data []byte) {
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			b.log.Warn().Err(err).Str("channel", channel).Msg("decode event")
			return
		}
		b.hub.deliver(channel, ev)
	})
	if err != nil {
		b.hub.remove(channel, s.ID())
		return fmt.Errorf("broadcast: subscribe %s: %w", channel, err)
	}
	return nil
}

func (b *NATSBroadcaster) Unsubscribe(channel, sinkID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.hub.remove(channel, sinkID) {
		return nil
	}
	return b.client.Unsubscribe(subKey(channel))
}

func (b *NATSBroadcaster) UnsubscribeAll(sinkID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for _, channel := range b.hub.removeAll(sinkID) {
		if err := b.client.Unsubscribe(subKey(channel)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
