package redislayer

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/chanlayer/core/layer"
	"github.com/dmitrymomot/chanlayer/core/serializer"
	redisdb "github.com/dmitrymomot/chanlayer/integration/database/redis"
)

// New connects the configured shards and builds the backend cfg selects:
// queue by default, pub/sub when cfg.UsePubSub is set. Extra options apply
// on top of cfg and win on conflict. The returned layer owns the shard
// clients; it implements io.Closer and must be closed when done.
func New(ctx context.Context, cfg Config, opts ...Option) (layer.Layer, error) {
	codec, err := buildCodec(cfg)
	if err != nil {
		return nil, err
	}

	clients, err := redisdb.ConnectShards(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	universal := make([]redis.UniversalClient, len(clients))
	for i, client := range clients {
		universal[i] = client
	}

	layerOpts := append([]Option{
		WithPrefix(cfg.Prefix),
		WithExpiry(cfg.Expiry),
		WithGroupExpiry(cfg.GroupExpiry),
		WithCapacity(cfg.Capacity),
		WithSerializer(codec),
		WithScanBatchSize(cfg.Redis.ScanBatchSize),
	}, opts...)

	var l layer.Layer
	if cfg.UsePubSub {
		l, err = NewRedisPubSubChannelLayer(universal, layerOpts...)
	} else {
		l, err = NewRedisChannelLayer(universal, layerOpts...)
	}
	if err != nil {
		for _, client := range clients {
			_ = client.Close()
		}
		return nil, err
	}
	return l, nil
}

func buildCodec(cfg Config) (serializer.Serializer, error) {
	codecOpts := []serializer.Option{
		serializer.WithRandomPrefix(DefaultRandomPrefixLength),
		serializer.WithExpiry(cfg.Expiry),
	}
	if len(cfg.EncryptionKeys) > 0 {
		codecOpts = append(codecOpts, serializer.WithEncryptionKeys(cfg.EncryptionKeys...))
	}
	return serializer.New(cfg.Serializer, codecOpts...)
}
