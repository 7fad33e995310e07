package redis

import (
	"context"
	"fmt"

	"github.com/recoverlution/luma/internal/domain/notification"
	"github.com/recoverlution/luma/pkg/logger"
)

// EscalationFeed publishes escalations on a Pub/Sub channel for live
// dashboards. Messages published with no subscriber are not kept; the
// decision log stays the durable record.
type EscalationFeed struct {
	cache   *Cache
	channel string
	log     *logger.Logger
}

// NewEscalationFeed creates a feed. An empty channel uses ChannelEscalations.
func NewEscalationFeed(cache *Cache, channel string, log *logger.Logger) *EscalationFeed {
	if channel == "" {
		channel = ChannelEscalations
	}
	if log == nil {
		log = logger.Nop()
	}
	return &EscalationFeed{cache: cache, channel: channel, log: log.Named("escalation_feed")}
}

var _ notification.EscalationBroadcaster = (*EscalationFeed)(nil)

// BroadcastEscalation publishes n.
func (f *EscalationFeed) BroadcastEscalation(ctx context.Context, n *notification.Notification) error {
	receivers, err := f.cache.Publish(ctx, f.channel, n)
	if err != nil {
		return fmt.Errorf("broadcast escalation: %w", err)
	}
	if receivers == 0 {
		f.log.Debug("escalation published with no live subscribers", logger.PatientID(n.PatientID.String()))
	}
	return nil
}

// Channel returns the channel name.
func (f *EscalationFeed) Channel() string {
	return f.channel
}
