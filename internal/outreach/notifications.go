package outreach

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/leadflow/internal/models"
	"github.com/leadflow/internal/rules"
	"github.com/leadflow/pkg/logger"
	"github.com/leadflow/pkg/ratelimit"
)

// Supported notification channels
const (
	ChannelInApp = "in_app" // the persisted row is the inbox
	ChannelLog   = "log"
)

// NotificationStore persists notifications
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
	UpdateNotification(ctx context.Context, n *models.Notification) error
}

// NotificationService persists notifications and fans them out to the enabled channels
type NotificationService struct {
	store   NotificationStore
	enabled map[string]bool
	limiter *ratelimit.MultiLimiter
	log     *logger.Logger
	now     func() time.Time
}

// NewNotificationService creates a notification service delivering to channels.
// limiter may be nil to disable throttling.
func NewNotificationService(store NotificationStore, channels []string, limiter *ratelimit.MultiLimiter, log *logger.Logger) *NotificationService {
	enabled := make(map[string]bool, len(channels))
	for _, ch := range channels {
		enabled[ch] = true
	}
	return &NotificationService{
		store:   store,
		enabled: enabled,
		limiter: limiter,
		log:     log.WithComponent("notifications"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Notify stores n and delivers it. The returned error is non-nil when the row
// could not be stored or no channel accepted it.
func (s *NotificationService) Notify(ctx context.Context, n *models.Notification) error {
	if n.Title == "" {
		return fmt.Errorf("notification title is required")
	}
	if n.Priority == "" {
		n.Priority = "medium"
	}
	if len(n.Channels) == 0 {
		n.Channels = models.StringSlice{ChannelInApp}
	}
	n.Status = models.NotificationPending

	if err := s.store.CreateNotification(ctx, n); err != nil {
		return fmt.Errorf("failed to store notification: %w", err)
	}

	delivered := 0
	for _, ch := range n.Channels {
		if err := s.deliver(ch, n); err != nil {
			s.log.Warn().
				Err(err).
				Str("channel", ch).
				Uint("notification_id", n.ID).
				Msg("Notification not delivered")
			continue
		}
		delivered++
	}

	switch {
	case delivered == len(n.Channels):
		n.Status = models.NotificationDelivered
	case delivered > 0:
		n.Status = models.NotificationPartial
	default:
		n.Status = models.NotificationFailed
	}
	if delivered > 0 {
		now := s.now()
		n.DeliveredAt = &now
	}

	if err := s.store.UpdateNotification(ctx, n); err != nil {
		return fmt.Errorf("failed to update notification: %w", err)
	}
	if n.Status == models.NotificationFailed {
		return fmt.Errorf("notification %d was not delivered to any channel", n.ID)
	}
	return nil
}

func (s *NotificationService) deliver(channel string, n *models.Notification) error {
	if !s.enabled[channel] {
		return fmt.Errorf("channel %q is not enabled", channel)
	}
	if s.limiter != nil && !s.limiter.Allow(ratelimit.NotificationLimiter(channel)) {
		return fmt.Errorf("channel %q is rate limited", channel)
	}

	switch channel {
	case ChannelInApp:
		return nil
	case ChannelLog:
		level := zerolog.InfoLevel
		if n.Priority == "high" {
			level = zerolog.WarnLevel
		}
		s.log.WithLevel(level).
			Str("type", n.Type).
			Str("priority", n.Priority).
			Str("title", n.Title).
			Msg(n.Message)
		return nil
	default:
		return fmt.Errorf("unsupported channel %q", channel)
	}
}

var _ rules.Notifier = (*NotificationService)(nil)
