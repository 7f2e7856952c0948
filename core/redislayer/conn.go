package redislayer

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// shardConn is the slice of remote-store surface the layers use per shard.
// Production shards wrap a go-redis client; tests inject fakes to exercise
// failure paths (notably the pub/sub reconnect cycle) without a server.
type shardConn interface {
	// Publish sends payload to topic, reaching current subscribers only.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Open establishes a new subscription connection to the shard.
	Open(ctx context.Context) (subscription, error)

	// GroupAdd upserts member into the sorted set at key with the given
	// score and refreshes the key's TTL, atomically.
	GroupAdd(ctx context.Context, key, member string, score float64, ttl time.Duration) error

	// GroupDiscard removes member from the sorted set at key. Removing a
	// missing member or from a missing key is a no-op.
	GroupDiscard(ctx context.Context, key, member string) error

	// GroupMembers prunes entries scored at or below minScore and returns
	// the remaining members in score order.
	GroupMembers(ctx context.Context, key string, minScore float64) ([]string, error)

	// DeleteByPrefix removes every key matching prefix* in batches.
	DeleteByPrefix(ctx context.Context, prefix string, batch int) error

	// Close releases the underlying client.
	Close() error
}

// subscription is one pub/sub connection to a shard. Receive blocks until
// a message arrives, the context is done, or the connection fails; a
// failed subscription is discarded and reopened by the shard's reconnect
// loop, never reused.
type subscription interface {
	Subscribe(ctx context.Context, topics ...string) error
	Unsubscribe(ctx context.Context, topics ...string) error
	Receive(ctx context.Context) (topic string, payload []byte, err error)
	Close() error
}

type redisConn struct {
	client redis.UniversalClient
}

func newRedisConns(clients []redis.UniversalClient) []shardConn {
	conns := make([]shardConn, len(clients))
	for i, client := range clients {
		conns[i] = &redisConn{client: client}
	}
	return conns
}

func (c *redisConn) Publish(ctx context.Context, topic string, payload []byte) error {
	return c.client.Publish(ctx, topic, payload).Err()
}

func (c *redisConn) Open(ctx context.Context) (subscription, error) {
	// Channels are added per topic as receivers appear.
	return &redisSubscription{ps: c.client.Subscribe(ctx)}, nil
}

func (c *redisConn) GroupAdd(ctx context.Context, key, member string, score float64, ttl time.Duration) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	return err
}

func (c *redisConn) GroupDiscard(ctx context.Context, key, member string) error {
	return c.client.ZRem(ctx, key, member).Err()
}

func (c *redisConn) GroupMembers(ctx context.Context, key string, minScore float64) ([]string, error) {
	if err := c.client.ZRemRangeByScore(ctx, key, "-inf", formatScore(minScore)).Err(); err != nil {
		return nil, err
	}
	return c.client.ZRange(ctx, key, 0, -1).Result()
}

func (c *redisConn) DeleteByPrefix(ctx context.Context, prefix string, batch int) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, prefix+"*", int64(batch)).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (c *redisConn) Close() error {
	return c.client.Close()
}

type redisSubscription struct {
	ps *redis.PubSub
}

func (s *redisSubscription) Subscribe(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	return s.ps.Subscribe(ctx, topics...)
}

func (s *redisSubscription) Unsubscribe(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	return s.ps.Unsubscribe(ctx, topics...)
}

func (s *redisSubscription) Receive(ctx context.Context) (string, []byte, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		return "", nil, err
	}
	return msg.Channel, []byte(msg.Payload), nil
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}
