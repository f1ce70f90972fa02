package shared

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Topics published by the role management surface.
const (
	TopicRoleChanged        = "role.changed"
	TopicRoleGranted        = "role.granted"
	TopicRoleRevoked        = "role.revoked"
	TopicRoleGrantRequested = "role.grant.requested"
	TopicRoleGrantApproved  = "role.grant.approved"
	TopicRoleGrantRejected  = "role.grant.rejected"
)

// Publisher delivers fire-and-forget notifications. Implementations must
// never surface failures to the caller.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any)
}

// RedisPublisher publishes events over redis pub/sub.
type RedisPublisher struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisPublisher constructs a RedisPublisher.
func NewRedisPublisher(client *redis.Client, logger *slog.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, logger: logger}
}

// Publish serialises the payload and publishes it. Failures are logged and
// swallowed; the grant store remains the source of truth.
func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload any) {
	if p == nil || p.client == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("marshal event", slog.String("topic", topic), slog.Any("error", err))
		}
		return
	}
	if err := p.client.Publish(ctx, topic, raw).Err(); err != nil {
		if p.logger != nil {
			p.logger.Warn("publish event", slog.String("topic", topic), slog.Any("error", err))
		}
	}
}

// NopPublisher discards all events.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, string, any) {}
