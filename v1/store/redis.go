package store

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// Redis implements Store using a Redis backend. Any UniversalClient works,
// including cluster and sentinel clients.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis returns a new Redis store using the provided client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// SetNX implements Store.SetNX using SET key value PX ttl NX.
func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

// Del implements Store.Del.
func (r *Redis) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// CompareAndDelete implements Store.CompareAndDelete with a server-side
// script, so the check and the delete cannot interleave with other clients.
func (r *Redis) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	n, err := delScript.Run(ctx, r.client, []string{key}, value).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Get implements Store.Get.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}
