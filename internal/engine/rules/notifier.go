package rules

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"qms-assistant/internal/common/logger"
)

// ChangeEvent is published on the notify channel after an admin change.
type ChangeEvent struct {
	Instance string    `json:"instance"`
	Reason   string    `json:"reason"`
	SentAt   time.Time `json:"sentAt"`
}

// RedisNotifier fans rule changes out to every instance sharing a Redis
// channel. Each instance ignores its own messages.
type RedisNotifier struct {
	client   *redis.Client
	channel  string
	instance string
	logger   logger.Logger
}

func NewRedisNotifier(client *redis.Client, channel string, log logger.Logger) *RedisNotifier {
	return &RedisNotifier{
		client:   client,
		channel:  channel,
		instance: uuid.NewString(),
		logger:   log.WithFields(map[string]interface{}{"component": "rule-notifier", "channel": channel}),
	}
}

func (n *RedisNotifier) Instance() string { return n.instance }

func (n *RedisNotifier) Publish(ctx context.Context, reason string) error {
	payload, err := json.Marshal(ChangeEvent{Instance: n.instance, Reason: reason, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, payload).Err()
}

// Listen reloads repo whenever another instance announces a change. The
// subscription is confirmed before Listen returns.
func (n *RedisNotifier) Listen(ctx context.Context, repo *Repository) error {
	sub := n.client.Subscribe(ctx, n.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return err
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					n.logger.Warn("ignoring malformed rule change event", map[string]interface{}{"error": err.Error()})
					continue
				}
				if event.Instance == n.instance {
					continue
				}
				n.logger.Info("rule change announced by peer, reloading", map[string]interface{}{
					"peer":   event.Instance,
					"reason": event.Reason,
				})
				_, _ = repo.Reload(ctx)
			}
		}
	}()
	return nil
}
