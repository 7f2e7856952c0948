package redislayer

import (
	"io"
	"log/slog"
	"time"

	"github.com/dmitrymomot/chanlayer/core/layer"
	"github.com/dmitrymomot/chanlayer/core/serializer"
)

const (
	// DefaultPrefix namespaces all keys and topics on the shared store.
	DefaultPrefix = "chanlayer"

	// DefaultRandomPrefixLength is applied to the default serializer. The
	// queue backend stores messages as sorted-set members, so identical
	// messages need distinct byte representations.
	DefaultRandomPrefixLength = 12

	defaultBlockInterval = 5 * time.Second
	defaultRetryAttempts = 3
	defaultRetryInterval = 250 * time.Millisecond
	defaultFlushTimeout  = 5 * time.Second
	defaultScanBatchSize = 1000

	defaultReconnectInterval    = 100 * time.Millisecond
	defaultMaxReconnectInterval = 5 * time.Second
)

type options struct {
	expiry        time.Duration
	groupExpiry   time.Duration
	capacity      int
	overrides     []layer.ChannelCapacity
	prefix        string
	serializer    serializer.Serializer
	logger        *slog.Logger
	blockInterval time.Duration
	retryAttempts int
	retryInterval time.Duration
	flushTimeout  time.Duration
	scanBatchSize int

	reconnectInterval    time.Duration
	maxReconnectInterval time.Duration
}

// Option configures a Redis channel layer (queue or pub/sub backend).
type Option func(*options)

func defaultOptions() options {
	return options{
		expiry:               layer.DefaultExpiry,
		groupExpiry:          layer.DefaultGroupExpiry,
		capacity:             layer.DefaultCapacity,
		prefix:               DefaultPrefix,
		logger:               slog.New(slog.NewTextHandler(io.Discard, nil)),
		blockInterval:        defaultBlockInterval,
		retryAttempts:        defaultRetryAttempts,
		retryInterval:        defaultRetryInterval,
		flushTimeout:         defaultFlushTimeout,
		scanBatchSize:        defaultScanBatchSize,
		reconnectInterval:    defaultReconnectInterval,
		maxReconnectInterval: defaultMaxReconnectInterval,
	}
}

// buildSerializer returns the configured serializer, or the default json
// codec with a random prefix and the layer's expiry as TTL bound.
func (o *options) buildSerializer() (serializer.Serializer, error) {
	if o.serializer != nil {
		return o.serializer, nil
	}
	return serializer.New("json",
		serializer.WithRandomPrefix(DefaultRandomPrefixLength),
		serializer.WithExpiry(o.expiry),
	)
}

// WithExpiry sets the message time-to-live.
func WithExpiry(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.expiry = d
		}
	}
}

// WithGroupExpiry sets the group membership lease.
func WithGroupExpiry(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.groupExpiry = d
		}
	}
}

// WithCapacity sets the default per-channel capacity.
func WithCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithChannelCapacities sets ordered per-pattern capacity overrides.
func WithChannelCapacities(overrides ...layer.ChannelCapacity) Option {
	return func(o *options) {
		o.overrides = overrides
	}
}

// WithPrefix namespaces the layer's keys and topics on the shared store.
// Layers with different prefixes coexist on one deployment without
// touching each other's state.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithSerializer replaces the default json codec. Pair the same serializer
// configuration on every producer and consumer of the layer.
func WithSerializer(s serializer.Serializer) Option {
	return func(o *options) {
		if s != nil {
			o.serializer = s
		}
	}
}

// WithLogger configures structured logging. Use
// slog.New(slog.NewTextHandler(io.Discard, nil)) to disable logging.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithBlockInterval bounds how long one blocking pop waits on the server
// before the receive loop re-checks its context. Queue backend only.
func WithBlockInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.blockInterval = d
		}
	}
}

// WithRetry bounds internal retries of transient backend failures before
// they surface as ErrBackendUnavailable.
func WithRetry(attempts int, interval time.Duration) Option {
	return func(o *options) {
		if attempts > 0 {
			o.retryAttempts = attempts
		}
		if interval > 0 {
			o.retryInterval = interval
		}
	}
}

// WithFlushTimeout bounds how long Flush may spend tearing down
// subscriptions and clearing state.
func WithFlushTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.flushTimeout = d
		}
	}
}

// WithScanBatchSize tunes the SCAN batch used when flushing namespaced
// keys.
func WithScanBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.scanBatchSize = n
		}
	}
}

// WithReconnectBackoff tunes the pub/sub shard reconnect cadence: the
// first retry waits initial, doubling up to maxWait.
func WithReconnectBackoff(initial, maxWait time.Duration) Option {
	return func(o *options) {
		if initial > 0 {
			o.reconnectInterval = initial
		}
		if maxWait > 0 {
			o.maxReconnectInterval = maxWait
		}
	}
}
