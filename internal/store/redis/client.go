package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is the narrow surface the durable store needs from go-redis,
// mirroring the ClientAdapter seam used elsewhere in this codebase so the
// store can be exercised against a fake in tests.
type Client interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string) (<-chan string, func() error)
	Close() error
}

// ClientAdapter adapts a go-redis UniversalClient to Client.
type ClientAdapter struct {
	client redis.UniversalClient
}

// NewClientAdapter wraps an already-constructed go-redis client.
func NewClientAdapter(client redis.UniversalClient) *ClientAdapter {
	return &ClientAdapter{client: client}
}

func (c *ClientAdapter) Get(ctx context.Context, key string) (string, error) {
	v, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (c *ClientAdapter) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *ClientAdapter) Del(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

func (c *ClientAdapter) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.client.SAdd(ctx, key, args...).Err()
}

func (c *ClientAdapter) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.client.SRem(ctx, key, args...).Err()
}

func (c *ClientAdapter) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.client.SMembers(ctx, key).Result()
}

func (c *ClientAdapter) Keys(ctx context.Context, pattern string) ([]string, error) {
	return c.client.Keys(ctx, pattern).Result()
}

// Eval runs a Lua script atomically against the server. The store uses
// this to compare-and-swap an instance record against the value it last
// read, closing the race window a plain Get-then-Set leaves open.
func (c *ClientAdapter) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return c.client.Eval(ctx, script, keys, args...).Result()
}

func (c *ClientAdapter) Publish(ctx context.Context, channel, message string) error {
	return c.client.Publish(ctx, channel, message).Err()
}

func (c *ClientAdapter) Subscribe(ctx context.Context, channel string) (<-chan string, func() error) {
	sub := c.client.Subscribe(ctx, channel)
	out := make(chan string)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			out <- msg.Payload
		}
	}()
	return out, sub.Close
}

func (c *ClientAdapter) Close() error {
	return c.client.Close()
}
