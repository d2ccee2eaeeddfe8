package websocket

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultBindingsKey is the redis hash holding subscriptionId -> socketId.
const DefaultBindingsKey = "priorauth:ws:bindings"

// RedisBindings keeps bindings in a redis hash so every server instance sees
// the same subscription to socket mapping.
type RedisBindings struct {
	redis *redis.Client
	key   string
}

func NewRedisBindings(client *redis.Client, key string) *RedisBindings {
	if key == "" {
		key = DefaultBindingsKey
	}
	return &RedisBindings{redis: client, key: key}
}

func (r *RedisBindings) Bind(ctx context.Context, subscriptionID, socketID string) error {
	if err := r.redis.HSet(ctx, r.key, subscriptionID, socketID).Err(); err != nil {
		return fmt.Errorf("bind subscription %s: %w", subscriptionID, err)
	}
	return nil
}

func (r *RedisBindings) Lookup(ctx context.Context, subscriptionID string) (string, bool, error) {
	socketID, err := r.redis.HGet(ctx, r.key, subscriptionID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lookup binding %s: %w", subscriptionID, err)
	}
	return socketID, true, nil
}

// unbindScript deletes a hash field only when it still holds the socket id,
// so a subscription re-bound to a newer socket is left alone.
var unbindScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) == ARGV[2] then
  return redis.call("HDEL", KEYS[1], ARGV[1])
end
return 0`)

func (r *RedisBindings) Unbind(ctx context.Context, socketID string, subscriptionIDs []string) error {
	var errs []error
	for _, id := range subscriptionIDs {
		if err := unbindScript.Run(ctx, r.redis, []string{r.key}, id, socketID).Err(); err != nil && !errors.Is(err, redis.Nil) {
			errs = append(errs, fmt.Errorf("unbind %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Ping checks the redis connection.
func (r *RedisBindings) Ping(ctx context.Context) error {
	return r.redis.Ping(ctx).Err()
}
