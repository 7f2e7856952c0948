package layer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/chanlayer/core/logger"
)

const (
	// DefaultExpiry is the message time-to-live applied when no option
	// overrides it.
	DefaultExpiry = time.Minute

	// DefaultGroupExpiry is the group membership lease applied when no
	// option overrides it.
	DefaultGroupExpiry = 24 * time.Hour

	// DefaultCapacity is the per-channel message bound applied when no
	// option overrides it.
	DefaultCapacity = 100
)

type queuedMessage struct {
	expiresAt time.Time
	message   Message
}

// memoryChannel is one bounded FIFO queue. Capacity is fixed when the
// queue is created and never re-evaluated for its lifetime. Waiters are
// blocked receivers; an arriving message is handed to exactly one of them.
type memoryChannel struct {
	capacity int
	buf      []queuedMessage
	waiters  []chan queuedMessage
}

// InMemoryChannelLayer is the single-process reference backend: per-channel
// bounded queues with time-based expiry and group membership tables.
// State does not survive the process; use the redislayer backends to share
// channels across a fleet.
type InMemoryChannelLayer struct {
	expiry      time.Duration
	groupExpiry time.Duration
	capacity    int
	overrides   []ChannelCapacity
	capacities  CapacityTable
	logger      *slog.Logger

	mu       sync.Mutex
	channels map[string]*memoryChannel
	groups   map[string]map[string]time.Time
}

var _ Layer = (*InMemoryChannelLayer)(nil)

// InMemoryOption configures an InMemoryChannelLayer.
type InMemoryOption func(*InMemoryChannelLayer)

// WithExpiry sets the message time-to-live.
func WithExpiry(d time.Duration) InMemoryOption {
	return func(l *InMemoryChannelLayer) {
		if d > 0 {
			l.expiry = d
		}
	}
}

// WithGroupExpiry sets the group membership lease. A membership not
// refreshed by GroupAdd within this window stops receiving group sends.
func WithGroupExpiry(d time.Duration) InMemoryOption {
	return func(l *InMemoryChannelLayer) {
		if d > 0 {
			l.groupExpiry = d
		}
	}
}

// WithCapacity sets the default per-channel capacity.
func WithCapacity(n int) InMemoryOption {
	return func(l *InMemoryChannelLayer) {
		if n > 0 {
			l.capacity = n
		}
	}
}

// WithChannelCapacities sets ordered per-pattern capacity overrides.
func WithChannelCapacities(overrides ...ChannelCapacity) InMemoryOption {
	return func(l *InMemoryChannelLayer) {
		l.overrides = overrides
	}
}

// WithLogger configures structured logging. Use
// slog.New(slog.NewTextHandler(io.Discard, nil)) to disable logging.
func WithLogger(logger *slog.Logger) InMemoryOption {
	return func(l *InMemoryChannelLayer) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewInMemoryChannelLayer creates an in-memory channel layer.
//
// Example:
//
//	ml, err := layer.NewInMemoryChannelLayer(
//	    layer.WithExpiry(30*time.Second),
//	    layer.WithCapacity(100),
//	    layer.WithChannelCapacities(layer.ChannelCapacity{Pattern: "bulk.*", Capacity: 10}),
//	)
func NewInMemoryChannelLayer(opts ...InMemoryOption) (*InMemoryChannelLayer, error) {
	l := &InMemoryChannelLayer{
		expiry:      DefaultExpiry,
		groupExpiry: DefaultGroupExpiry,
		capacity:    DefaultCapacity,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		channels:    make(map[string]*memoryChannel),
		groups:      make(map[string]map[string]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}

	capacities, err := CompileCapacities(l.capacity, l.overrides)
	if err != nil {
		return nil, err
	}
	l.capacities = capacities
	return l, nil
}

// Send delivers message onto the named channel, failing fast with
// ErrChannelFull when the channel is at capacity.
func (l *InMemoryChannelLayer) Send(ctx context.Context, channel string, message Message) error {
	if err := ValidateChannelName(channel, false); err != nil {
		return err
	}
	if err := CheckMessage(message); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	entry := queuedMessage{
		expiresAt: time.Now().Add(l.expiry),
		message:   maps.Clone(message),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ch := l.channel(channel)
	if len(ch.waiters) > 0 {
		// Hand the message directly to the oldest blocked receiver. The
		// waiter channel is buffered, so this never blocks under the lock.
		w := ch.waiters[0]
		ch.waiters = ch.waiters[1:]
		w <- entry
		l.dropIfIdle(channel, ch)
		return nil
	}
	if len(ch.buf) >= ch.capacity {
		return fmt.Errorf("%w: %s", ErrChannelFull, channel)
	}
	ch.buf = append(ch.buf, entry)
	return nil
}

// Receive blocks until a message is available on the named channel. When
// several callers wait on the same channel, each arriving message wakes
// exactly one of them, oldest first. Once the channel drains, its
// bookkeeping entry is removed so idle channels do not accumulate.
func (l *InMemoryChannelLayer) Receive(ctx context.Context, channel string) (Message, error) {
	if err := ValidateChannelName(channel, false); err != nil {
		return nil, err
	}

	for {
		l.cleanExpired()

		l.mu.Lock()
		ch := l.channel(channel)
		if len(ch.buf) > 0 {
			entry := ch.buf[0]
			ch.buf = ch.buf[1:]
			l.dropIfIdle(channel, ch)
			l.mu.Unlock()
			if time.Now().Before(entry.expiresAt) {
				return entry.message, nil
			}
			continue // expired while queued, try again
		}

		waiter := make(chan queuedMessage, 1)
		ch.waiters = append(ch.waiters, waiter)
		l.mu.Unlock()

		select {
		case entry := <-waiter:
			return entry.message, nil
		case <-ctx.Done():
			l.abandonWaiter(channel, waiter)
			return nil, ctx.Err()
		}
	}
}

// abandonWaiter detaches a cancelled receiver. If a sender already handed
// a message to the waiter, the message is put back at the head of the queue
// so the cancellation is invisible for data purposes.
func (l *InMemoryChannelLayer) abandonWaiter(channel string, waiter chan queuedMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.channels[channel]
	if ok {
		if idx := slices.Index(ch.waiters, waiter); idx >= 0 {
			ch.waiters = slices.Delete(ch.waiters, idx, idx+1)
			l.dropIfIdle(channel, ch)
			return
		}
	}
	select {
	case entry := <-waiter:
		if ch == nil {
			ch = l.channel(channel)
		}
		ch.buf = append([]queuedMessage{entry}, ch.buf...)
	default:
	}
}

// NewChannel returns a fresh process-specific channel name under prefix
// ("specific" when empty). Uniqueness holds with overwhelming probability
// within this process.
func (l *InMemoryChannelLayer) NewChannel(prefix string) (string, error) {
	if prefix == "" {
		prefix = "specific"
	}
	name := fmt.Sprintf("%s.inmemory!%s", prefix, randomSuffix(12))
	if err := ValidateChannelName(name, false); err != nil {
		return "", err
	}
	return name, nil
}

// GroupAdd adds channel to group, refreshing the membership lease if it is
// already a member.
func (l *InMemoryChannelLayer) GroupAdd(ctx context.Context, group, channel string) error {
	if err := ValidateGroupName(group); err != nil {
		return err
	}
	if err := ValidateChannelName(channel, false); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	members, ok := l.groups[group]
	if !ok {
		members = make(map[string]time.Time)
		l.groups[group] = members
	}
	members[channel] = time.Now()
	return nil
}

// GroupDiscard removes channel from group. A no-op when the channel was
// never added or the group does not exist; an emptied group is deleted.
func (l *InMemoryChannelLayer) GroupDiscard(ctx context.Context, group, channel string) error {
	if err := ValidateGroupName(group); err != nil {
		return err
	}
	if err := ValidateChannelName(channel, false); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if members, ok := l.groups[group]; ok {
		delete(members, channel)
		if len(members) == 0 {
			delete(l.groups, group)
		}
	}
	return nil
}

// GroupSend delivers message to every current member of group
// concurrently. A member at capacity is skipped; the skip count is logged,
// never surfaced, so one saturated member cannot fail delivery to the rest.
func (l *InMemoryChannelLayer) GroupSend(ctx context.Context, group string, message Message) error {
	if err := ValidateGroupName(group); err != nil {
		return err
	}
	if err := CheckMessage(message); err != nil {
		return err
	}

	l.cleanExpired()

	l.mu.Lock()
	members := make([]string, 0, len(l.groups[group]))
	for member := range l.groups[group] {
		members = append(members, member)
	}
	l.mu.Unlock()

	var skipped int
	var skippedMu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for _, member := range members {
		member := member
		g.Go(func() error {
			err := l.Send(ctx, member, message)
			if errors.Is(err, ErrChannelFull) {
				skippedMu.Lock()
				skipped++
				skippedMu.Unlock()
				return nil
			}
			return err
		})
	}
	err := g.Wait()
	if skipped > 0 {
		l.logger.WarnContext(ctx, "group members over capacity",
			logger.Count("skipped", skipped),
			logger.Count("members", len(members)),
			logger.ChannelGroup(group))
	}
	return err
}

// Flush clears all channel and group state. Pending receivers keep
// waiting; messages sent after the flush still reach them.
func (l *InMemoryChannelLayer) Flush(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for name, ch := range l.channels {
		ch.buf = nil
		if len(ch.waiters) == 0 {
			delete(l.channels, name)
		}
	}
	l.groups = make(map[string]map[string]time.Time)
	return nil
}

// channel returns the queue for name, creating it with its resolved
// capacity on first use. Callers must hold l.mu.
func (l *InMemoryChannelLayer) channel(name string) *memoryChannel {
	ch, ok := l.channels[name]
	if !ok {
		ch = &memoryChannel{capacity: l.capacities.Capacity(name)}
		l.channels[name] = ch
	}
	return ch
}

// dropIfIdle removes the bookkeeping entry for a drained channel with no
// blocked receivers. Callers must hold l.mu.
func (l *InMemoryChannelLayer) dropIfIdle(name string, ch *memoryChannel) {
	if len(ch.buf) == 0 && len(ch.waiters) == 0 {
		delete(l.channels, name)
	}
}

// cleanExpired lazily sweeps timed-out messages and lapsed group
// memberships. Message expiry and membership expiry are independent: an
// expired message never evicts its channel from any group.
func (l *InMemoryChannelLayer) cleanExpired() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for name, ch := range l.channels {
		// Messages share one TTL, so expiry order equals queue order.
		for len(ch.buf) > 0 && ch.buf[0].expiresAt.Before(now) {
			ch.buf = ch.buf[1:]
		}
		l.dropIfIdle(name, ch)
	}

	cutoff := now.Add(-l.groupExpiry)
	for group, members := range l.groups {
		for member, addedAt := range members {
			if addedAt.Before(cutoff) {
				delete(members, member)
			}
		}
		if len(members) == 0 {
			delete(l.groups, group)
		}
	}
}
