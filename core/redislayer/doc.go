// Package redislayer provides the distributed channel layer backends,
// backed by one or more Redis servers ("shards").
//
// Two backends share the layer contract from core/layer:
//
//   - RedisChannelLayer stores each channel as a capacity-bounded, expiring
//     sorted set and blocks receivers on the server. Messages survive
//     process restarts within their expiry window. This is the default.
//   - RedisPubSubChannelLayer publishes through Redis pub/sub with local
//     per-channel buffers. Lower latency, but nothing persists past a
//     disconnect: a message published while no subscriber is connected is
//     gone. Subscriptions transparently reconnect and resubscribe after
//     connection loss.
//
// Every key and topic is namespaced by a configurable prefix, so several
// logical layers can share one Redis deployment.
//
// # Sharding
//
// With multiple hosts configured, each channel name is mapped to one shard
// by a consistent hash of its non-local name. The mapping is a pure
// function of (name, host count): stable across processes and restarts,
// which keeps per-channel FIFO ordering intact. Group membership lives on
// the shard of the group name; group fan-out crosses shards as the member
// channels require.
//
// Construction is friendly to environment-driven config:
//
//	cfg := redislayer.Config{}
//	config.MustLoad(&cfg)
//	chat, err := redislayer.New(ctx, cfg)
//
// or explicit when the application manages its own clients:
//
//	chat, err := redislayer.NewRedisChannelLayer(clients,
//	    redislayer.WithPrefix("chat"),
//	    redislayer.WithExpiry(time.Minute),
//	)
package redislayer
