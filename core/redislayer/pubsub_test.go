package redislayer

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/chanlayer/core/layer"
)

type fakeMsg struct {
	topic   string
	payload []byte
}

// fakeSub is one subscription connection; fail() simulates the server
// dropping it.
type fakeSub struct {
	mu       sync.Mutex
	topics   map[string]struct{}
	closed   bool
	inbox    chan fakeMsg
	failed   chan struct{}
	failOnce sync.Once
}

func (s *fakeSub) Subscribe(_ context.Context, topics ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, topic := range topics {
		s.topics[topic] = struct{}{}
	}
	return nil
}

func (s *fakeSub) Unsubscribe(_ context.Context, topics ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, topic := range topics {
		delete(s.topics, topic)
	}
	return nil
}

func (s *fakeSub) Receive(ctx context.Context) (string, []byte, error) {
	select {
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case <-s.failed:
		return "", nil, errors.New("connection reset by peer")
	case m := <-s.inbox:
		return m.topic, m.payload, nil
	}
}

func (s *fakeSub) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSub) fail() {
	s.failOnce.Do(func() { close(s.failed) })
}

func (s *fakeSub) subscribed(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.topics[topic]
	return ok
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeConn hands out fakeSubs, routes publishes to whichever live
// subscription holds the topic, and keeps group membership in scored maps
// the way the server keeps sorted sets.
type fakeConn struct {
	mu     sync.Mutex
	subs   []*fakeSub
	groups map[string]map[string]float64
}

func newFakeConn() *fakeConn {
	return &fakeConn{groups: make(map[string]map[string]float64)}
}

func (c *fakeConn) Open(context.Context) (subscription, error) {
	s := &fakeSub{
		topics: make(map[string]struct{}),
		inbox:  make(chan fakeMsg, 128),
		failed: make(chan struct{}),
	}
	c.mu.Lock()
	c.subs = append(c.subs, s)
	c.mu.Unlock()
	return s, nil
}

func (c *fakeConn) Publish(_ context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs {
		if s.isClosed() || !s.subscribed(topic) {
			continue
		}
		select {
		case s.inbox <- fakeMsg{topic: topic, payload: payload}:
		default:
		}
	}
	return nil
}

func (c *fakeConn) GroupAdd(_ context.Context, key, member string, score float64, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	members, ok := c.groups[key]
	if !ok {
		members = make(map[string]float64)
		c.groups[key] = members
	}
	members[member] = score
	return nil
}

func (c *fakeConn) GroupDiscard(_ context.Context, key, member string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.groups[key], member)
	return nil
}

func (c *fakeConn) GroupMembers(_ context.Context, key string, minScore float64) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var members []string
	for member, score := range c.groups[key] {
		if score <= minScore {
			delete(c.groups[key], member)
			continue
		}
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool {
		return c.groups[key][members[i]] < c.groups[key][members[j]]
	})
	return members, nil
}

func (c *fakeConn) DeleteByPrefix(_ context.Context, prefix string, _ int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.groups {
		if strings.HasPrefix(key, prefix) {
			delete(c.groups, key)
		}
	}
	return nil
}

func (c *fakeConn) groupSize(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.groups[key])
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) current() *fakeSub {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.subs) - 1; i >= 0; i-- {
		if !c.subs[i].isClosed() {
			return c.subs[i]
		}
	}
	return nil
}

func (c *fakeConn) opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// syncBuffer makes a bytes.Buffer safe for the layer's logger.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestPubSubLayer(t *testing.T, conn *fakeConn, opts ...Option) *RedisPubSubChannelLayer {
	t.Helper()
	opts = append([]Option{WithReconnectBackoff(time.Millisecond, 4*time.Millisecond)}, opts...)
	l, err := newPubSubLayer([]shardConn{conn}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func waitSubscribed(t *testing.T, conn *fakeConn, topic string) {
	t.Helper()
	require.Eventually(t, func() bool {
		sub := conn.current()
		return sub != nil && sub.subscribed(topic)
	}, 2*time.Second, 2*time.Millisecond, "topic %q never subscribed", topic)
}

func pubSubSend(t *testing.T, l *RedisPubSubChannelLayer, channel string, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Send(ctx, channel, layer.Message{"type": "test.message", "n": n}))
}

func pubSubRecv(t *testing.T, l *RedisPubSubChannelLayer, channel string) float64 {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := l.Receive(ctx, channel)
	require.NoError(t, err)
	n, ok := msg["n"].(float64)
	require.True(t, ok, "message %v has no numeric n", msg)
	return n
}

func TestPubSubReconnectResubscribes(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	l := newTestPubSubLayer(t, conn)

	channel, err := l.NewChannel("reconnect")
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(channel, "!"))

	_, err = l.ensureChannel(context.Background(), channel)
	require.NoError(t, err)
	waitSubscribed(t, conn, l.channelTopic(channel))

	pubSubSend(t, l, channel, 1)
	require.EqualValues(t, 1, pubSubRecv(t, l, channel))

	// First drop: the shard must come back on its own with the channel
	// topic restored.
	conn.current().fail()
	require.Eventually(t, func() bool {
		sub := conn.current()
		return conn.opens() >= 2 && sub != nil && sub.subscribed(l.channelTopic(channel))
	}, 2*time.Second, 2*time.Millisecond)

	// Membership churn between drops: joining a group subscribes the new
	// member's topic while the connection is already the second one.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	member, err := l.NewChannel("reconnect")
	require.NoError(t, err)
	require.NoError(t, l.GroupAdd(ctx, "fanout", channel))
	require.NoError(t, l.GroupAdd(ctx, "fanout", member))
	waitSubscribed(t, conn, l.channelTopic(member))

	// Second drop: both channel topics must survive the reconnect.
	conn.current().fail()
	require.Eventually(t, func() bool {
		sub := conn.current()
		return conn.opens() >= 3 && sub != nil &&
			sub.subscribed(l.channelTopic(channel)) &&
			sub.subscribed(l.channelTopic(member))
	}, 2*time.Second, 2*time.Millisecond)

	pubSubSend(t, l, channel, 2)
	require.EqualValues(t, 2, pubSubRecv(t, l, channel))

	require.NoError(t, l.GroupSend(ctx, "fanout", layer.Message{"type": "test.message", "n": 3}))
	require.EqualValues(t, 3, pubSubRecv(t, l, channel))
	require.EqualValues(t, 3, pubSubRecv(t, l, member))
}

func TestPubSubBufferDropsOldest(t *testing.T) {
	t.Parallel()

	var logs syncBuffer
	conn := newFakeConn()
	l := newTestPubSubLayer(t, conn,
		WithCapacity(2),
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	channel, err := l.NewChannel("overflow")
	require.NoError(t, err)
	_, err = l.ensureChannel(context.Background(), channel)
	require.NoError(t, err)
	waitSubscribed(t, conn, l.channelTopic(channel))

	pubSubSend(t, l, channel, 1)
	pubSubSend(t, l, channel, 2)
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.buffers[channel]) == 2
	}, 2*time.Second, 2*time.Millisecond)

	pubSubSend(t, l, channel, 3)
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "dropping oldest")
	}, 2*time.Second, 2*time.Millisecond)

	assert.EqualValues(t, 2, pubSubRecv(t, l, channel))
	assert.EqualValues(t, 3, pubSubRecv(t, l, channel))
}

func TestPubSubZeroCapacityOverrideStillDelivers(t *testing.T) {
	t.Parallel()

	var logs syncBuffer
	conn := newFakeConn()
	l := newTestPubSubLayer(t, conn,
		WithChannelCapacities(layer.ChannelCapacity{Pattern: "zero.*", Capacity: 0}),
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	_, err := l.ensureChannel(context.Background(), "zero.room")
	require.NoError(t, err)
	waitSubscribed(t, conn, l.channelTopic("zero.room"))

	// The override floors at a single slot, so delivery keeps moving and
	// the newest message wins.
	pubSubSend(t, l, "zero.room", 1)
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.buffers["zero.room"]) == 1
	}, 2*time.Second, 2*time.Millisecond)

	pubSubSend(t, l, "zero.room", 2)
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "dropping oldest")
	}, 2*time.Second, 2*time.Millisecond)

	require.EqualValues(t, 2, pubSubRecv(t, l, "zero.room"))
}

func TestPubSubGroupFanOut(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	l := newTestPubSubLayer(t, conn)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, err := l.NewChannel("member")
	require.NoError(t, err)
	second, err := l.NewChannel("member")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	require.NoError(t, l.GroupAdd(ctx, "room", first))
	require.NoError(t, l.GroupAdd(ctx, "room", second))
	waitSubscribed(t, conn, l.channelTopic(first))
	waitSubscribed(t, conn, l.channelTopic(second))

	require.NoError(t, l.GroupSend(ctx, "room", layer.Message{"type": "test.message", "n": 1}))
	assert.EqualValues(t, 1, pubSubRecv(t, l, first))
	assert.EqualValues(t, 1, pubSubRecv(t, l, second))

	// Discarded members stop receiving; the rest are unaffected.
	require.NoError(t, l.GroupDiscard(ctx, "room", second))
	require.NoError(t, l.GroupSend(ctx, "room", layer.Message{"type": "test.message", "n": 2}))
	assert.EqualValues(t, 2, pubSubRecv(t, l, first))

	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	_, err = l.Receive(short, second)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Discarding twice is a no-op; an emptied group delivers to nobody.
	require.NoError(t, l.GroupDiscard(ctx, "room", second))
	require.NoError(t, l.GroupDiscard(ctx, "room", first))
	require.Zero(t, conn.groupSize(l.prefix+":group:room"))
	require.NoError(t, l.GroupSend(ctx, "room", layer.Message{"type": "test.message", "n": 3}))
}

func TestPubSubUnobservedPublishIsLost(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	l := newTestPubSubLayer(t, conn)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Nothing subscribed: the publish succeeds and the message is gone.
	require.NoError(t, l.Send(ctx, "nobody-home", layer.Message{"type": "test.message"}))

	channel, err := l.NewChannel("late")
	require.NoError(t, err)
	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	_, err = l.Receive(short, channel)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPubSubReceiveValidatesName(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	l := newTestPubSubLayer(t, conn)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := l.Receive(ctx, "specific!suffix")
	require.ErrorIs(t, err, layer.ErrInvalidChannelName)

	err = l.Send(ctx, "has spaces", layer.Message{"type": "test.message"})
	require.ErrorIs(t, err, layer.ErrInvalidChannelName)
}

func TestPubSubFlushDropsState(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	l := newTestPubSubLayer(t, conn)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	channel, err := l.NewChannel("flush")
	require.NoError(t, err)
	_, err = l.ensureChannel(ctx, channel)
	require.NoError(t, err)
	require.NoError(t, l.GroupAdd(ctx, "room", channel))
	waitSubscribed(t, conn, l.channelTopic(channel))
	require.Equal(t, 1, conn.groupSize(l.prefix+":group:room"))

	pubSubSend(t, l, channel, 1)
	require.NoError(t, l.Flush(ctx))

	l.mu.Lock()
	buffers := len(l.buffers)
	l.mu.Unlock()
	assert.Zero(t, buffers)
	assert.Zero(t, conn.groupSize(l.prefix+":group:room"))

	sub := conn.current()
	require.NotNil(t, sub)
	assert.False(t, sub.subscribed(l.channelTopic(channel)))
}
