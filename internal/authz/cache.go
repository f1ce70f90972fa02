package authz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DecisionCache is an injected optimization. Every implementation may lose
// or evict entries at any time; correctness always falls back to the stores.
type DecisionCache interface {
	Get(ctx context.Context, req DecisionRequest) (Decision, bool, error)
	Set(ctx context.Context, req DecisionRequest, d Decision, ttl time.Duration) error
	InvalidateUser(ctx context.Context, userID string) error
	InvalidateAll(ctx context.Context) error
}

const (
	globalVersionKey  = "authz:ver:global"
	userVersionPrefix = "authz:ver:user:"
	decisionKeyPrefix = "authz:decision:"
)

// Cache is the redis-backed DecisionCache. Invalidation bumps version
// counters folded into every key, so stale entries simply age out by TTL.
type Cache struct {
	client *redis.Client
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// RequestFingerprint hashes the identifying parts of a decision request.
// Context is serialised as canonical JSON (sorted keys) so logically equal
// requests share an entry.
func RequestFingerprint(req DecisionRequest) string {
	ctxJSON, _ := json.Marshal(req.Context)
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s", req.ActorID, req.Path, req.Method, req.Module, ctxJSON)
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) buildKey(ctx context.Context, req DecisionRequest) (string, error) {
	global, err := c.version(ctx, globalVersionKey)
	if err != nil {
		return "", err
	}
	user, err := c.version(ctx, userVersionPrefix+req.ActorID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%d:%d:%s", decisionKeyPrefix, global, user, RequestFingerprint(req)), nil
}

func (c *Cache) version(ctx context.Context, key string) (int64, error) {
	ver, err := c.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		// INCR on a missing counter yields 1, so the unset version is 0.
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// Get returns a previously cached decision for an equivalent request.
func (c *Cache) Get(ctx context.Context, req DecisionRequest) (Decision, bool, error) {
	if c == nil || c.client == nil {
		return Decision{}, false, nil
	}
	key, err := c.buildKey(ctx, req)
	if err != nil {
		return Decision{}, false, err
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return Decision{}, false, nil
	}
	if err != nil {
		return Decision{}, false, err
	}
	var d Decision
	if err := json.Unmarshal(payload, &d); err != nil {
		return Decision{}, false, err
	}
	return d, true, nil
}

// Set stores the decision under the request fingerprint with the given TTL.
func (c *Cache) Set(ctx context.Context, req DecisionRequest, d Decision, ttl time.Duration) error {
	if c == nil || c.client == nil {
		return nil
	}
	key, err := c.buildKey(ctx, req)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, raw, ttl).Err()
}

// InvalidateUser bumps the per-user version so all of that user's cached
// decisions become unreachable.
func (c *Cache) InvalidateUser(ctx context.Context, userID string) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, userVersionPrefix+userID).Err()
}

// InvalidateAll bumps the global version after role or policy changes.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, globalVersionKey).Err()
}
