package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config controls connection establishment for one or more Redis shards.
type Config struct {
	// ConnectionURLs lists one URL per backend shard, in ring order. The
	// order is part of the deployment contract: consistent hashing maps
	// names to ring positions, so reordering URLs remaps every channel.
	ConnectionURLs []string      `env:"REDIS_URLS" envDefault:"redis://localhost:6379/0" envSeparator:","`
	RetryAttempts  int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval  time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"5s"`
	ConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"30s"`
	ScanBatchSize  int           `env:"REDIS_SCAN_BATCH_SIZE" envDefault:"1000"`
}

// Connect creates a Redis client for url, retrying the initial ping up to
// cfg.RetryAttempts times within cfg.ConnectTimeout. The URL must use the
// redis:// or rediss:// scheme.
func Connect(ctx context.Context, cfg Config, url string) (*redis.Client, error) {
	if url == "" {
		return nil, ErrEmptyConnectionURL
	}
	if !strings.HasPrefix(url, "redis://") && !strings.HasPrefix(url, "rediss://") {
		return nil, fmt.Errorf("%w: %q: scheme must be redis:// or rediss://", ErrFailedToParseRedisConnString, url)
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrFailedToParseRedisConnString, url, err)
	}

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	client := redis.NewClient(opts)

	attempts := max(cfg.RetryAttempts, 1)
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := client.Ping(ctx).Err(); err == nil {
			return client, nil
		} else {
			lastErr = err
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			_ = client.Close()
			return nil, fmt.Errorf("%w: %w", ErrRedisNotReady, ctx.Err())
		case <-time.After(cfg.RetryInterval * time.Duration(attempt+1)):
		}
	}

	_ = client.Close()
	return nil, fmt.Errorf("%w: %w", ErrRedisNotReady, lastErr)
}

// ConnectShards connects every URL in cfg.ConnectionURLs, preserving
// order. On any failure all already-opened clients are closed and the
// error is returned: a layer must never start with a partial ring.
func ConnectShards(ctx context.Context, cfg Config) ([]*redis.Client, error) {
	if len(cfg.ConnectionURLs) == 0 {
		return nil, ErrEmptyConnectionURL
	}

	clients := make([]*redis.Client, 0, len(cfg.ConnectionURLs))
	for _, url := range cfg.ConnectionURLs {
		client, err := Connect(ctx, cfg, url)
		if err != nil {
			for _, opened := range clients {
				_ = opened.Close()
			}
			return nil, fmt.Errorf("shard %q: %w", url, err)
		}
		clients = append(clients, client)
	}
	return clients, nil
}

// Healthcheck returns a probe that pings every client, failing on the
// first unreachable shard. Suitable for readiness/liveness endpoints.
func Healthcheck(clients ...*redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		for i, client := range clients {
			if err := client.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("%w: shard %d: %w", ErrHealthcheckFailed, i, err)
			}
		}
		return nil
	}
}
