package redislayer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/chanlayer/core/layer"
	"github.com/dmitrymomot/chanlayer/core/logger"
	"github.com/dmitrymomot/chanlayer/core/serializer"
)

// sendScript trims stale messages, enforces capacity, and appends the new
// message in one atomic step. Returns 0 when the channel is at capacity.
//
// KEYS[1] channel key; ARGV: stale-before score, capacity, score, payload,
// key TTL in seconds.
var sendScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local capacity = tonumber(ARGV[2])
if capacity > 0 and redis.call('ZCARD', KEYS[1]) >= capacity then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
redis.call('EXPIRE', KEYS[1], ARGV[5])
return 1
`)

// RedisChannelLayer is the queue backend: each channel is a sorted set on
// the shard its name hashes to, scored by send time. Messages persist on
// the server until received or expired, so delivery survives receiver
// restarts and consumers may attach after the send. Receives block on the
// server and poll at the configured block interval so context cancellation
// is honored promptly.
type RedisChannelLayer struct {
	clients []redis.UniversalClient
	conns   []shardConn
	groups  *groupStore

	capacities   layer.CapacityTable
	expiry       time.Duration
	prefix       string
	codec        serializer.Serializer
	log          *slog.Logger
	clientPrefix string

	blockInterval time.Duration
	retryAttempts int
	retryInterval time.Duration
	flushTimeout  time.Duration
	scanBatchSize int
}

var _ layer.Layer = (*RedisChannelLayer)(nil)

// NewRedisChannelLayer builds a queue-backend layer over the given shard
// clients. Shard order is part of the deployment contract: every process
// sharing the layer must list the same servers in the same order.
func NewRedisChannelLayer(clients []redis.UniversalClient, opts ...Option) (*RedisChannelLayer, error) {
	if len(clients) == 0 {
		return nil, ErrNoShards
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	capacities, err := layer.CompileCapacities(o.capacity, o.overrides)
	if err != nil {
		return nil, err
	}
	codec, err := o.buildSerializer()
	if err != nil {
		return nil, err
	}

	conns := newRedisConns(clients)
	return &RedisChannelLayer{
		clients: clients,
		conns:   conns,
		groups: &groupStore{
			prefix: o.prefix,
			expiry: o.groupExpiry,
			conns:  conns,
		},
		capacities:    capacities,
		expiry:        o.expiry,
		prefix:        o.prefix,
		codec:         codec,
		log:           o.logger,
		clientPrefix:  uuidHex(),
		blockInterval: o.blockInterval,
		retryAttempts: o.retryAttempts,
		retryInterval: o.retryInterval,
		flushTimeout:  o.flushTimeout,
		scanBatchSize: o.scanBatchSize,
	}, nil
}

func (l *RedisChannelLayer) key(channel string) string {
	return l.prefix + ":" + channel
}

// shardIndex routes by the non-local form so every specific channel of one
// process-bound prefix, and both ends of a plain channel, agree on a shard.
func (l *RedisChannelLayer) shardIndex(channel string) int {
	return consistentHash(layer.NonLocalName(channel), len(l.clients))
}

// Send appends a message to the channel's queue, or returns
// layer.ErrChannelFull when the channel holds its capacity in unexpired
// messages.
func (l *RedisChannelLayer) Send(ctx context.Context, channel string, message layer.Message) error {
	if err := layer.ValidateChannelName(channel, false); err != nil {
		return err
	}
	if err := layer.CheckMessage(message); err != nil {
		return err
	}

	payload, err := l.codec.Serialize(message)
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}

	return l.send(ctx, channel, payload)
}

func (l *RedisChannelLayer) send(ctx context.Context, channel string, payload []byte) error {
	client := l.clients[l.shardIndex(channel)]
	now := nowScore()

	return l.withRetry(ctx, func() error {
		ok, err := sendScript.Run(ctx, client,
			[]string{l.key(channel)},
			formatScore(now-l.expiry.Seconds()),
			l.capacities.Capacity(channel),
			formatScore(now),
			payload,
			ttlSeconds(l.expiry),
		).Int64()
		if err != nil {
			return err
		}
		if ok == 0 {
			return fmt.Errorf("%w: %s", layer.ErrChannelFull, channel)
		}
		return nil
	})
}

// Receive blocks until a message arrives on channel or ctx is done. Each
// message is delivered to exactly one receiver; concurrent receivers on
// one channel compete. Queues are keyed by the full channel name, so
// specific names minted by NewChannel (content after the marker) are
// received exactly as minted.
func (l *RedisChannelLayer) Receive(ctx context.Context, channel string) (layer.Message, error) {
	if err := layer.ValidateChannelName(channel, false); err != nil {
		return nil, err
	}

	client := l.clients[l.shardIndex(channel)]
	key := l.key(channel)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var popped redis.ZWithKey
		err := l.withRetry(ctx, func() error {
			res, err := client.BZPopMin(ctx, l.blockInterval, key).Result()
			if err != nil {
				return err
			}
			popped = *res
			return nil
		})
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}

		// The pop can race the expiry sweep on the send side; drop
		// anything already past its lifetime.
		if popped.Score < nowScore()-l.expiry.Seconds() {
			continue
		}

		payload, ok := popped.Member.(string)
		if !ok {
			continue
		}
		message, err := l.codec.Deserialize([]byte(payload))
		if err != nil {
			if errors.Is(err, serializer.ErrDecryptionFailed) || errors.Is(err, serializer.ErrInvalidPayload) {
				l.log.WarnContext(ctx, "dropping undecodable message",
					logger.Channel(channel),
					logger.Error(err))
				continue
			}
			return nil, fmt.Errorf("deserialize message: %w", err)
		}
		return message, nil
	}
}

// NewChannel mints a fresh channel name under prefix. The process-unique
// part before the marker keeps every name from this layer instance on one
// shard; the random tail makes the name unguessable.
func (l *RedisChannelLayer) NewChannel(prefix string) (string, error) {
	name := prefix + "." + l.clientPrefix + "!" + uuidHex()
	if err := layer.ValidateChannelName(name, false); err != nil {
		return "", err
	}
	return name, nil
}

// GroupAdd enrolls channel in group and refreshes the group's expiry
// lease. Adding an existing member renews its lease.
func (l *RedisChannelLayer) GroupAdd(ctx context.Context, group, channel string) error {
	if err := layer.ValidateGroupName(group); err != nil {
		return err
	}
	if err := layer.ValidateChannelName(channel, false); err != nil {
		return err
	}
	return l.withRetry(ctx, func() error {
		return l.groups.add(ctx, group, channel)
	})
}

// GroupDiscard removes channel from group. Unknown members and groups are
// a no-op.
func (l *RedisChannelLayer) GroupDiscard(ctx context.Context, group, channel string) error {
	if err := layer.ValidateGroupName(group); err != nil {
		return err
	}
	if err := layer.ValidateChannelName(channel, false); err != nil {
		return err
	}
	return l.withRetry(ctx, func() error {
		return l.groups.discard(ctx, group, channel)
	})
}

// GroupSend delivers message to every current member of group. Members at
// capacity are skipped, not failed: a slow consumer must not block the
// rest of the group.
func (l *RedisChannelLayer) GroupSend(ctx context.Context, group string, message layer.Message) error {
	if err := layer.ValidateGroupName(group); err != nil {
		return err
	}
	if err := layer.CheckMessage(message); err != nil {
		return err
	}

	var members []string
	err := l.withRetry(ctx, func() error {
		var err error
		members, err = l.groups.members(ctx, group)
		return err
	})
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}

	payload, err := l.codec.Serialize(message)
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}

	var skipped int
	var skippedMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, member := range members {
		member := member
		g.Go(func() error {
			err := l.send(gctx, member, payload)
			if errors.Is(err, layer.ErrChannelFull) {
				skippedMu.Lock()
				skipped++
				skippedMu.Unlock()
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if skipped > 0 {
		l.log.WarnContext(ctx, "group members over capacity",
			logger.Count("skipped", skipped),
			logger.Count("members", len(members)),
			logger.ChannelGroup(group))
	}
	return nil
}

// Flush removes every key under the layer's prefix on all shards: queued
// messages and group membership alike.
func (l *RedisChannelLayer) Flush(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.flushTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, conn := range l.conns {
		conn := conn
		g.Go(func() error {
			return conn.DeleteByPrefix(gctx, l.prefix+":", l.scanBatchSize)
		})
	}
	return g.Wait()
}

// Close releases all shard clients. The layer must not be used afterwards.
func (l *RedisChannelLayer) Close() error {
	var errs []error
	for _, conn := range l.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// withRetry runs fn, retrying transient backend failures at the configured
// cadence. Domain errors and context errors pass through untouched; a
// failure that outlives the retry budget surfaces as ErrBackendUnavailable.
func (l *RedisChannelLayer) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < l.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.retryInterval):
			}
		}
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		l.log.WarnContext(ctx, "transient backend failure",
			logger.Attempt(attempt+1),
			logger.Error(err))
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

func isTransient(err error) bool {
	switch {
	case errors.Is(err, redis.Nil),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, layer.ErrChannelFull):
		return false
	}
	return true
}

func ttlSeconds(d time.Duration) int {
	return int(math.Max(1, math.Ceil(d.Seconds())))
}

func uuidHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
