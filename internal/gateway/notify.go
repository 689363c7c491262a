package gateway

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/taskmarket/order-chat/internal/chaterr"
)

// Notification is pushed by other services (for example the REST fallback)
// on the notify hook subject.
type Notification struct {
	UserID  string          `json:"user_id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HandleNotification decodes a hook notification and forwards it with
// NotifyUser.
func (g *Gateway) HandleNotification(ctx context.Context, data []byte) error {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return chaterr.Wrap(chaterr.BadRequest, "malformed notification", err)
	}
	if _, err := uuid.Parse(n.UserID); err != nil {
		return chaterr.New(chaterr.BadRequest, "user_id must be a UUID")
	}
	if n.Type == "" {
		return chaterr.New(chaterr.BadRequest, "type is required")
	}

	var payload interface{}
	if len(n.Payload) > 0 {
		payload = n.Payload
	}
	return g.NotifyUser(ctx, n.UserID, n.Type, payload)
}

// NotificationHandler adapts HandleNotification to a subscription callback.
// Failures are logged.
func (g *Gateway) NotificationHandler() func(data []byte) {
	return func(data []byte) {
		ctx, cancel := context.WithTimeout(context.Background(), g.eventTimeout)
		defer cancel()
		if err := g.HandleNotification(ctx, data); err != nil {
			g.log.Warn().Err(err).Msg("notification")
		}
	}
}
