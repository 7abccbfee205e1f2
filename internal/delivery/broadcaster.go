// Package delivery pushes freshly stored messages to recipients who are
// connected right now. Delivery is fire-and-forget: an offline or failing
// recipient never fails the send, the message is already persisted and
// will surface through unseen counts and conversation history.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tetherchat/tether/internal/metrics"
	"github.com/tetherchat/tether/internal/presence"
	"github.com/tetherchat/tether/internal/store"
)

// Broadcaster persists messages and attempts real-time delivery.
type Broadcaster struct {
	store   store.Store
	pub     presence.Publisher
	metrics *metrics.Metrics
}

// New creates a Broadcaster. metrics may be nil in tests.
func New(st store.Store, pub presence.Publisher, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{store: st, pub: pub, metrics: m}
}

// Send persists msg and, if the recipient is connected, pushes it on
// their live connection. Persistence failures are returned; push
// failures are not.
func (b *Broadcaster) Send(ctx context.Context, msg *store.Message) error {
	if err := b.store.CreateMessage(ctx, msg); err != nil {
		return fmt.Errorf("storing message: %w", err)
	}
	if b.metrics != nil {
		b.metrics.MessagesStored.Inc()
	}

	b.push(ctx, *msg)
	return nil
}

func (b *Broadcaster) push(ctx context.Context, msg store.Message) {
	err := b.pub.Publish(ctx, presence.EventNewMessage, msg, presence.TargetUser(msg.RecipientID))
	switch {
	case err == nil:
		b.countPush("delivered")
	case errors.Is(err, presence.ErrNotConnected), errors.Is(err, presence.ErrStaleHandle):
		b.countPush("offline")
		slog.Debug("recipient offline, skipping push",
			"recipient", msg.RecipientID, "message_id", msg.ID)
	default:
		b.countPush("failed")
		slog.Debug("push failed",
			"recipient", msg.RecipientID, "message_id", msg.ID, "error", err)
	}
}

func (b *Broadcaster) countPush(outcome string) {
	if b.metrics != nil {
		b.metrics.PushesTotal.WithLabelValues(outcome).Inc()
	}
}
