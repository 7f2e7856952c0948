package redislayer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/chanlayer/core/layer"
	"github.com/dmitrymomot/chanlayer/core/logger"
	"github.com/dmitrymomot/chanlayer/core/serializer"
)

// RedisPubSubChannelLayer is the broadcast backend: every channel maps to
// a pub/sub topic on the shard its name hashes to, and messages reach only
// subscribers connected at publish time. Delivered messages wait in a
// bounded per-channel buffer in this process; when a buffer is full the
// oldest message is dropped to admit the newest.
//
// Group membership lives in the same server-side sorted sets the queue
// backend uses, so membership is shared across the fleet; a group send
// reads the member list and publishes to each member's topic.
type RedisPubSubChannelLayer struct {
	conns  []shardConn
	shards []*pubSubShard
	groups *groupStore

	capacities    layer.CapacityTable
	prefix        string
	codec         serializer.Serializer
	log           *slog.Logger
	flushTimeout  time.Duration
	scanBatchSize int

	mu      sync.Mutex
	buffers map[string]chan []byte

	ctx    context.Context
	cancel context.CancelFunc
}

var _ layer.Layer = (*RedisPubSubChannelLayer)(nil)

// NewRedisPubSubChannelLayer builds a pub/sub-backend layer over the given
// shard clients. Shard order is part of the deployment contract, exactly
// as for the queue backend.
func NewRedisPubSubChannelLayer(clients []redis.UniversalClient, opts ...Option) (*RedisPubSubChannelLayer, error) {
	return newPubSubLayer(newRedisConns(clients), opts...)
}

func newPubSubLayer(conns []shardConn, opts ...Option) (*RedisPubSubChannelLayer, error) {
	if len(conns) == 0 {
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

	ctx, cancel := context.WithCancel(context.Background())
	l := &RedisPubSubChannelLayer{
		conns: conns,
		groups: &groupStore{
			prefix: o.prefix,
			expiry: o.groupExpiry,
			conns:  conns,
		},
		capacities:    capacities,
		prefix:        o.prefix,
		codec:         codec,
		log:           o.logger,
		flushTimeout:  o.flushTimeout,
		scanBatchSize: o.scanBatchSize,
		buffers:       make(map[string]chan []byte),
		ctx:           ctx,
		cancel:        cancel,
	}
	l.shards = make([]*pubSubShard, len(conns))
	for i, conn := range conns {
		l.shards[i] = &pubSubShard{
			conn:           conn,
			log:            o.logger.With(logger.Shard(i)),
			deliver:        l.deliver,
			initialBackoff: o.reconnectInterval,
			maxBackoff:     o.maxReconnectInterval,
			topics:         make(map[string]struct{}),
		}
	}
	return l, nil
}

func (l *RedisPubSubChannelLayer) channelTopic(channel string) string {
	return l.prefix + ":" + channel
}

func (l *RedisPubSubChannelLayer) channelShard(channel string) *pubSubShard {
	return l.shards[consistentHash(layer.NonLocalName(channel), len(l.shards))]
}

// Send publishes message to the channel's topic. Subscribers connected at
// this moment receive it; there is no queueing for absent receivers and
// never ErrChannelFull on the send side.
func (l *RedisPubSubChannelLayer) Send(ctx context.Context, channel string, message layer.Message) error {
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

	if err := l.channelShard(channel).conn.Publish(ctx, l.channelTopic(channel), payload); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Receive blocks until a message arrives on channel or ctx is done. The
// first receive on a channel subscribes its topic; the subscription stays
// up afterwards so messages published between receives buffer locally.
func (l *RedisPubSubChannelLayer) Receive(ctx context.Context, channel string) (layer.Message, error) {
	if err := layer.ValidateChannelName(channel, true); err != nil {
		return nil, err
	}

	buf, err := l.ensureChannel(ctx, channel)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case payload := <-buf:
			message, err := l.codec.Deserialize(payload)
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
}

// ensureChannel registers the channel's local buffer and subscribes its
// topic on the owning shard. Idempotent.
func (l *RedisPubSubChannelLayer) ensureChannel(ctx context.Context, channel string) (chan []byte, error) {
	l.mu.Lock()
	buf, ok := l.buffers[channel]
	if !ok {
		// One slot is the floor: push needs a buffered channel to evict
		// the oldest entry without blocking under the lock.
		buf = make(chan []byte, max(1, l.capacities.Capacity(channel)))
		l.buffers[channel] = buf
	}
	l.mu.Unlock()
	if ok {
		return buf, nil
	}
	if err := l.channelShard(channel).subscribe(ctx, l.ctx, l.channelTopic(channel)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return buf, nil
}

// deliver routes a payload from a shard subscription into the local
// buffer of the topic's channel. Full buffers shed their oldest entry so
// the newest message is never the one lost.
func (l *RedisPubSubChannelLayer) deliver(topic string, payload []byte) {
	channel, ok := strings.CutPrefix(topic, l.prefix+":")
	if !ok {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.push(channel, payload)
}

// push appends payload to the channel's buffer, evicting the oldest entry
// when full. Caller holds l.mu.
func (l *RedisPubSubChannelLayer) push(channel string, payload []byte) {
	buf, ok := l.buffers[channel]
	if !ok {
		return
	}
	for {
		select {
		case buf <- payload:
			return
		default:
		}
		select {
		case <-buf:
			l.log.Warn("channel buffer full, dropping oldest message",
				logger.Channel(channel))
		default:
		}
	}
}

// NewChannel mints a fresh process-specific channel name under prefix,
// ending at the marker so it validates as receivable.
func (l *RedisPubSubChannelLayer) NewChannel(prefix string) (string, error) {
	name := prefix + "." + uuidHex() + "!"
	if err := layer.ValidateChannelName(name, true); err != nil {
		return "", err
	}
	return name, nil
}

// GroupAdd enrolls channel in the group's shared membership set and
// subscribes the channel's topic so group sends from any process reach
// its local buffer. Adding an existing member renews its lease.
func (l *RedisPubSubChannelLayer) GroupAdd(ctx context.Context, group, channel string) error {
	if err := layer.ValidateGroupName(group); err != nil {
		return err
	}
	if err := layer.ValidateChannelName(channel, false); err != nil {
		return err
	}

	if _, err := l.ensureChannel(ctx, channel); err != nil {
		return err
	}
	if err := l.groups.add(ctx, group, channel); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// GroupDiscard removes channel from the group's shared membership set.
// Unknown members and groups are a no-op. The channel's topic stays
// subscribed: direct sends and other groups may still use it.
func (l *RedisPubSubChannelLayer) GroupDiscard(ctx context.Context, group, channel string) error {
	if err := layer.ValidateGroupName(group); err != nil {
		return err
	}
	if err := layer.ValidateChannelName(channel, false); err != nil {
		return err
	}

	if err := l.groups.discard(ctx, group, channel); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// GroupSend reads the group's current members and publishes message to
// every member's topic concurrently. Overflowing a member's buffer drops
// its oldest entry on the receiving side; the sender never sees
// ErrChannelFull.
func (l *RedisPubSubChannelLayer) GroupSend(ctx context.Context, group string, message layer.Message) error {
	if err := layer.ValidateGroupName(group); err != nil {
		return err
	}
	if err := layer.CheckMessage(message); err != nil {
		return err
	}

	members, err := l.groups.members(ctx, group)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if len(members) == 0 {
		return nil
	}

	payload, err := l.codec.Serialize(message)
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, member := range members {
		member := member
		g.Go(func() error {
			if err := l.channelShard(member).conn.Publish(gctx, l.channelTopic(member), payload); err != nil {
				return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Flush drops every subscription and buffered message held by this layer
// instance and deletes the shared group membership sets on all shards.
func (l *RedisPubSubChannelLayer) Flush(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.flushTimeout)
	defer cancel()

	l.mu.Lock()
	channels := make([]string, 0, len(l.buffers))
	for channel := range l.buffers {
		channels = append(channels, channel)
	}
	l.buffers = make(map[string]chan []byte)
	l.mu.Unlock()

	for _, channel := range channels {
		l.channelShard(channel).unsubscribe(ctx, l.channelTopic(channel))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, conn := range l.conns {
		conn := conn
		g.Go(func() error {
			return conn.DeleteByPrefix(gctx, l.prefix+":group:", l.scanBatchSize)
		})
	}
	return g.Wait()
}

// Close stops every shard loop and releases the clients. The layer must
// not be used afterwards.
func (l *RedisPubSubChannelLayer) Close() error {
	l.cancel()
	var errs []error
	for _, shard := range l.shards {
		shard.stop()
	}
	for _, conn := range l.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// pubSubShard owns one shard's subscription connection. Its run loop
// receives until the connection fails, then reopens it with capped
// exponential backoff and resubscribes the full desired topic set, so a
// dropped connection costs at-most-once delivery during the gap but never
// a permanently silent channel.
type pubSubShard struct {
	conn    shardConn
	log     *slog.Logger
	deliver func(topic string, payload []byte)

	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu      sync.Mutex
	sub     subscription
	topics  map[string]struct{}
	running bool
}

// subscribe adds topic to the desired set, starting the run loop on first
// use. A failed direct subscribe on a live connection is left to the run
// loop: the connection error surfaces there and the reconnect pass
// resubscribes everything.
func (s *pubSubShard) subscribe(ctx, runCtx context.Context, topic string) error {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	sub := s.sub
	if !s.running {
		s.running = true
		go s.run(runCtx)
	}
	s.mu.Unlock()

	if sub != nil {
		if err := sub.Subscribe(ctx, topic); err != nil {
			s.log.WarnContext(ctx, "subscribe on live connection failed, deferring to reconnect",
				logger.Topic(topic),
				logger.Error(err))
		}
	}
	return nil
}

func (s *pubSubShard) unsubscribe(ctx context.Context, topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	sub := s.sub
	s.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(ctx, topic); err != nil {
			s.log.WarnContext(ctx, "unsubscribe failed",
				logger.Topic(topic),
				logger.Error(err))
		}
	}
}

func (s *pubSubShard) run(ctx context.Context) {
	backoff := s.initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		sub, err := s.open(ctx)
		if err != nil {
			s.log.WarnContext(ctx, "opening subscription connection failed",
				logger.Error(err))
			if !s.sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, s.maxBackoff)
			continue
		}
		backoff = s.initialBackoff

		err = s.receiveLoop(ctx, sub)
		s.mu.Lock()
		s.sub = nil
		s.mu.Unlock()
		_ = sub.Close()

		if ctx.Err() != nil {
			return
		}
		s.log.WarnContext(ctx, "subscription connection lost, reconnecting",
			logger.Error(err))
		if !s.sleep(ctx, backoff) {
			return
		}
		backoff = min(backoff*2, s.maxBackoff)
	}
}

// open establishes a fresh connection and subscribes the current desired
// topic set before exposing it to subscribe/unsubscribe.
func (s *pubSubShard) open(ctx context.Context) (subscription, error) {
	sub, err := s.conn.Open(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	topics := make([]string, 0, len(s.topics))
	for topic := range s.topics {
		topics = append(topics, topic)
	}
	s.mu.Unlock()

	if err := sub.Subscribe(ctx, topics...); err != nil {
		_ = sub.Close()
		return nil, err
	}

	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	return sub, nil
}

func (s *pubSubShard) receiveLoop(ctx context.Context, sub subscription) error {
	for {
		topic, payload, err := sub.Receive(ctx)
		if err != nil {
			return err
		}
		s.deliver(topic, payload)
	}
}

func (s *pubSubShard) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (s *pubSubShard) stop() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Close()
	}
}
