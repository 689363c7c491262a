// Package messaging provides a NATS client wrapper for pub/sub messaging
// between order chat instances and the services that push into them. It
// handles connection lifecycle and keyed subscriptions.
package messaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATS subject patterns used by the order chat.
const (
	SubjectChat   = "chat"              // + .<channel>
	SubjectNotify = "chat.hooks.notify" // external services -> NotifyUser
	NotifyQueue   = "order-chat"
)

// ChatSubject returns the subject carrying events for a broadcast channel.
func ChatSubject(channel string) string {
	return SubjectChat + "." + channel
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	log  zerolog.Logger
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "order-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, logger zerolog.Logger) (*NATSClient, error) {
	log := logger.With().Str("component", "nats").Logger()

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: nats connect: %w", err)
	}

	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{
		conn: nc,
		log:  log,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", subject, err)
	}
	return nil
}

// subscribeFlushTimeout bounds the round trip that confirms a subscription.
const subscribeFlushTimeout = 2 * time.Second

// Subscribe registers handler for subject under key. A key that is already
// subscribed is replaced. It returns once the server has registered the
// subscription, so a message published afterwards from any process is
// delivered.
func (c *NATSClient) Subscribe(key, subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}
	if err := c.confirm(sub); err != nil {
		return err
	}
	c.store(key, sub)
	return nil
}

// QueueSubscribe is Subscribe within a queue group: each message goes to one
// member of the group.
func (c *NATSClient) QueueSubscribe(key, subject, queue string, handler func(data []byte)) error {
	sub, err := c.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("messaging: queue subscribe %s: %w", subject, err)
	}
	if err := c.confirm(sub); err != nil {
		return err
	}
	c.store(key, sub)
	return nil
}

// confirm flushes the connection so the SUB has reached the server. On
// failure the subscription is dropped.
func (c *NATSClient) confirm(sub *nats.Subscription) error {
	if err := c.conn.FlushTimeout(subscribeFlushTimeout); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("messaging: confirm subscription %s: %w", sub.Subject, err)
	}
	return nil
}

func (c *NATSClient) store(key string, sub *nats.Subscription) {
	c.mu.Lock()
	old := c.subs[key]
	c.subs[key] = sub
	c.mu.Unlock()

	if old != nil {
		_ = old.Unsubscribe()
	}
}

// Unsubscribe removes the subscription stored under key.
func (c *NATSClient) Unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("messaging: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("messaging: unsubscribe %s: %w", key, err)
	}
	return nil
}

// SubscribeNotify subscribes to notifications pushed by other services. The
// instances share a queue group so each notification is handled once.
func (c *NATSClient) SubscribeNotify(handler func(data []byte)) error {
	return c.QueueSubscribe(SubjectNotify, SubjectNotify, NotifyQueue, handler)
}

// PublishNotify pushes a notification to one member of the notify group.
func (c *NATSClient) PublishNotify(data []byte) error {
	return c.Publish(SubjectNotify, data)
}

// Connected reports whether the connection is currently up.
func (c *NATSClient) Connected() bool {
	return c.conn.IsConnected()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("drain subscription")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("connection drain")
	}

	c.log.Info().Msg("client closed")
}
