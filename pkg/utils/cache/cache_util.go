package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Nil is returned by Get when the key does not exist.
const Nil = redis.Nil

type Cache struct {
	client redis.UniversalClient // works with both single and cluster
}

func NewCache(addrs []string, password string, useCluster bool) *Cache {
	var rdb redis.UniversalClient

	if useCluster && len(addrs) > 1 {
		rdb = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    addrs,
			Password: password,
		})
	} else {
		rdb = redis.NewClient(&redis.Options{
			Addr:     addrs[0],
			Password: password,
			DB:       0,
		})
	}

	return &Cache{client: rdb}
}

// NewCacheFromClient wraps an existing client.
func NewCacheFromClient(client redis.UniversalClient) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Client() redis.UniversalClient {
	return c.client
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}

func Key(namespace, key string) string {
	return namespace + ":" + key
}

func (c *Cache) Set(ctx context.Context, namespace, key string, value interface{}, ttl time.Duration) error {
	return c.client.Set(ctx, Key(namespace, key), value, ttl).Err()
}

func (c *Cache) Get(ctx context.Context, namespace, key string) (string, error) {
	return c.client.Get(ctx, Key(namespace, key)).Result()
}

func (c *Cache) Exists(ctx context.Context, namespace, key string) (bool, error) {
	n, err := c.client.Exists(ctx, Key(namespace, key)).Result()
	return n > 0, err
}

func (c *Cache) Delete(ctx context.Context, namespace, key string) error {
	return c.client.Del(ctx, Key(namespace, key)).Err()
}

func (c *Cache) GetTTL(ctx context.Context, namespace, key string) (time.Duration, error) {
	return c.client.TTL(ctx, Key(namespace, key)).Result()
}

// SetNX stores value only when the key is absent and reports whether it did.
func (c *Cache) SetNX(ctx context.Context, namespace, key string, value interface{}, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, Key(namespace, key), value, ttl).Result()
}

// Consume deletes the key and reports whether this call removed it. Among
// concurrent callers at most one sees true.
func (c *Cache) Consume(ctx context.Context, namespace, key string) (bool, error) {
	n, err := c.client.Del(ctx, Key(namespace, key)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// IncrWithExpire increments a fixed-window counter. The window starts at the
// first increment; later increments leave the TTL alone.
func (c *Cache) IncrWithExpire(ctx context.Context, namespace, key string, window time.Duration) (int64, error) {
	countKey := Key(namespace, key)

	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, countKey)
	pipe.ExpireNX(ctx, countKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// SetTracked stores a value and records its full key in the index set so
// DeleteTracked can evict every entry derived from the same owner.
func (c *Cache) SetTracked(ctx context.Context, index, namespace, key string, value interface{}, ttl time.Duration) error {
	full := Key(namespace, key)
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, full, value, ttl)
	pipe.SAdd(ctx, index, full)
	_, err := pipe.Exec(ctx)
	return err
}

// DeleteTracked removes every key recorded in the index set, then the set.
// Deleting an empty or missing index is a no-op.
func (c *Cache) DeleteTracked(ctx context.Context, index string, extra ...string) error {
	keys, err := c.client.SMembers(ctx, index).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	keys = append(keys, extra...)
	keys = append(keys, index)

	// one DEL per key keeps this valid on a cluster, where keys span slots
	pipe := c.client.Pipeline()
	for _, k := range keys {
		pipe.Del(ctx, k)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (c *Cache) Publish(ctx context.Context, channel string, payload interface{}) error {
	return c.client.Publish(ctx, channel, payload).Err()
}

func (c *Cache) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.client.Subscribe(ctx, channels...)
}
