package coordination

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// NotificationHandler consumes decoded notifications. Handlers run in series
// on the listener goroutine; dispatch your own goroutine for parallel work.
type NotificationHandler func(Notification)

// Bus delivers notifications over two paths: live pub/sub fan-out (performed
// inside the Store's publish pipeline) and a per-instance offline FIFO queue
// for recipients that are absent or stale.
type Bus struct {
	client   *redis.Client
	keys     Keys
	presence *Presence
	ttl      time.Duration
	logger   *slog.Logger
}

// NewBus creates a notification bus. The offline queue shares the message TTL.
func NewBus(client *redis.Client, keys Keys, presence *Presence, ttl time.Duration, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{client: client, keys: keys, presence: presence, ttl: ttl, logger: logger}
}

// QueueIfOffline pushes the notification onto the recipient's offline queue
// when the recipient is absent or stale. Live recipients already received it
// over pub/sub.
func (b *Bus) QueueIfOffline(ctx context.Context, instanceID string, notifData []byte) error {
	live, err := b.presence.IsLive(ctx, instanceID)
	if err != nil {
		return err
	}
	if live {
		return nil
	}

	queueKey := b.keys.OfflineQueue(instanceID)
	pipe := b.client.TxPipeline()
	pipe.LPush(ctx, queueKey, notifData)
	pipe.Expire(ctx, queueKey, b.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return WrapError(KindCoordination, "queue offline notification", err).WithDetail("instance_id", instanceID)
	}

	notificationsQueued.Inc()
	return nil
}

// PopNotifications drains up to limit notifications from the instance's
// offline queue, reading and deleting in one transaction. Undecodable entries
// are skipped with a warning.
func (b *Bus) PopNotifications(ctx context.Context, instanceID string, limit int) ([]Notification, error) {
	queueKey := b.keys.OfflineQueue(instanceID)

	pipe := b.client.TxPipeline()
	entries := pipe.LRange(ctx, queueKey, 0, int64(limit-1))
	pipe.Del(ctx, queueKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, WrapError(KindCoordination, "pop offline notifications", err).WithDetail("instance_id", instanceID)
	}

	raw := entries.Val()
	notifications := make([]Notification, 0, len(raw))
	for _, item := range raw {
		n, err := DecodeNotification([]byte(item))
		if err != nil {
			b.logger.Warn("Skipping undecodable queued notification", "instance_id", instanceID, "error", err)
			continue
		}
		notifications = append(notifications, n)
	}

	return notifications, nil
}

// QueueDepth returns the offline queue length for an instance.
func (b *Bus) QueueDepth(ctx context.Context, instanceID string) (int64, error) {
	n, err := b.client.LLen(ctx, b.keys.OfflineQueue(instanceID)).Result()
	if err != nil {
		return 0, WrapError(KindCoordination, "offline queue depth", err).WithDetail("instance_id", instanceID)
	}
	return n, nil
}

// Subscribe listens on the instance's notification channel (and the broadcast
// channel when includeBroadcast is set), delivering each decoded notification
// to the handler. It blocks until ctx is cancelled, unsubscribing and closing
// the pub/sub connection on the way out. A lost connection surfaces as an
// error; the caller decides whether to resubscribe.
//
// Handler panics are logged and swallowed so one bad callback cannot kill the
// subscription.
func (b *Bus) Subscribe(ctx context.Context, instanceID string, includeBroadcast bool, handler NotificationHandler) error {
	channels := []string{b.keys.NotifyChannel(instanceID)}
	if includeBroadcast {
		channels = append(channels, b.keys.BroadcastChannel())
	}

	pubsub := b.client.Subscribe(ctx, channels...)
	defer func() {
		if err := pubsub.Unsubscribe(context.WithoutCancel(ctx), channels...); err != nil {
			b.logger.Debug("Unsubscribe failed", "error", err)
		}
		if err := pubsub.Close(); err != nil {
			b.logger.Debug("Pub/sub close failed", "error", err)
		}
	}()

	// Fail fast if the subscription never establishes.
	if _, err := pubsub.Receive(ctx); err != nil {
		return WrapError(KindConnection, "subscribe", err).WithDetail("instance_id", instanceID)
	}

	b.logger.Info("Listening for notifications", "instance_id", instanceID, "channels", channels)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return NewError(KindConnection, "pub/sub channel closed").WithDetail("instance_id", instanceID)
			}
			n, err := DecodeNotification([]byte(msg.Payload))
			if err != nil {
				b.logger.Warn("Skipping undecodable notification", "channel", msg.Channel, "error", err)
				continue
			}
			b.deliver(n, handler)
		}
	}
}

// deliver invokes the handler with panic isolation.
func (b *Bus) deliver(n Notification, handler NotificationHandler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Notification handler panicked",
				"message_id", n.MessageID,
				"panic", fmt.Sprint(r))
		}
	}()
	handler(n)
	notificationsDelivered.Inc()
}
