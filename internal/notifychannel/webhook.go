// Package notifychannel implements the optional alert fan-out channels
// alongside the always-on notify port: a webhook post per state change and
// a periodic SMTP digest, both driven by the same event store bus the
// notify port subscribes to.
package notifychannel

import (
	"context"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/guonaihong/gout"
	"go.uber.org/zap"

	"github.com/sikt-no/zino/internal/store"
)

// WebhookPayload is the JSON body posted for every event state change.
type WebhookPayload struct {
	EventID int64  `json:"event_id"`
	Router  string `json:"router"`
	Type    string `json:"type"`
	State   string `json:"state"`
	Reason  string `json:"reason,omitempty"`
}

// WebhookChannel posts one JSON payload per event-store change to a fixed
// URL. It is fire-and-forget: a delivery failure is logged and dropped
// rather than retried, since the notify port remains the durable channel.
type WebhookChannel struct {
	URL     string
	Timeout time.Duration
	Log     *zap.Logger
}

// Subscribe registers the webhook against bus's change topics.
func (c *WebhookChannel) Subscribe(bus EventBus.Bus) {
	_ = bus.Subscribe(store.TopicEventCreated, c.deliver("opened"))
	_ = bus.Subscribe(store.TopicEventUpdated, c.deliver("updated"))
	_ = bus.Subscribe(store.TopicEventClosed, c.deliver("closed"))
}

func (c *WebhookChannel) deliver(reason string) func(store.Change) {
	return func(change store.Change) {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		payload := WebhookPayload{
			EventID: change.Event.ID,
			Router:  change.Event.Router,
			Type:    string(change.Event.Type),
			State:   string(change.Event.State),
			Reason:  reason,
		}
		var code int
		err := gout.New().POST(c.URL).WithContext(ctx).SetJSON(payload).Code(&code).Do()
		if err != nil {
			c.Log.Warn("webhook delivery failed", zap.Int64("event_id", change.Event.ID), zap.Error(err))
			return
		}
		if code >= 300 {
			c.Log.Warn("webhook rejected", zap.Int64("event_id", change.Event.ID), zap.Int("status", code))
		}
	}
}
