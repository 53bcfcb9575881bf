package querycache

import (
	"context"
	"strings"
	"time"

	"github.com/querycache/querycache/cache"
	"github.com/querycache/querycache/policy"

	redis "github.com/go-redis/redis/v8"
	msgpack "github.com/vmihailenco/msgpack/v4"
)

// Redis implements the cache.Cacher interface to use redis as backend with
// go-redis as the redis client library. Dependency tags are kept as redis
// sets of member keys, so invalidation works across processes sharing the
// cache.
type Redis struct {
	c         redis.UniversalClient
	keyPrefix string
}

// redisEnvelope is the msgpack payload stored per entry. Mode and Timeout
// ride along so that Get can refresh Sliding entries.
type redisEnvelope struct {
	Item    *cache.Item
	Mode    int
	Timeout time.Duration
}

// NewRedis creates a new instance of redis backend using go-redis client.
// All keys created in redis by querycache will start with prefix.
func NewRedis(c redis.UniversalClient, keyPrefix string) *Redis {
	return &Redis{
		c:         c,
		keyPrefix: keyPrefix,
	}
}

// Get gets a cache item from redis. A hit on an entry stored under a
// Sliding policy pushes its expiry out again.
func (r *Redis) Get(ctx context.Context, key string) (*cache.Item, bool, error) {
	b, err := r.c.Get(ctx, r.keyPrefix+key).Bytes()
	switch err {
	case nil:
		var env redisEnvelope
		if err := msgpack.Unmarshal(b, &env); err != nil {
			return nil, true, err
		}
		if policy.ExpirationMode(env.Mode) == policy.Sliding {
			_ = r.c.Expire(ctx, r.keyPrefix+key, env.Timeout).Err()
		}
		return env.Item, true, nil
	case redis.Nil:
		return nil, false, nil
	default:
		return nil, false, err
	}
}

// Set sets the given item into redis under the resolved policy and adds the
// key to the set of every dependency tag.
func (r *Redis) Set(ctx context.Context, key string, item *cache.Item, p *policy.CachePolicy) error {
	b, err := msgpack.Marshal(&redisEnvelope{
		Item:    item,
		Mode:    int(p.ExpirationMode),
		Timeout: p.Timeout,
	})
	if err != nil {
		return err
	}

	ttl := p.Timeout
	if p.ExpirationMode == policy.NeverRemove {
		ttl = 0 // no expiry
	}

	_, err = r.c.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.keyPrefix+key, b, ttl)
		for _, tag := range p.Dependencies {
			pipe.SAdd(ctx, r.tagKey(tag), key)
		}
		return nil
	})
	return err
}

// Invalidate drops every entry stored under any of the given tags along
// with the tag sets themselves.
func (r *Redis) Invalidate(ctx context.Context, tags ...string) error {
	for _, tag := range tags {
		keys, err := r.c.SMembers(ctx, r.tagKey(tag)).Result()
		if err != nil {
			return err
		}

		del := make([]string, 0, len(keys)+1)
		for _, key := range keys {
			del = append(del, r.keyPrefix+key)
		}
		del = append(del, r.tagKey(tag))

		if err := r.c.Del(ctx, del...).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Redis) tagKey(tag string) string {
	return r.keyPrefix + "tag:" + strings.ToLower(tag)
}
