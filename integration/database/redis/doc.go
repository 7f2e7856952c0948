// Package redis provides validated Redis client construction for the
// channel layer backends.
//
// Connect validates the connection URL, dials with exponential-ish retry
// to ride out transient startup races (container orchestration, sentinel
// failover), and verifies connectivity with a ping before returning the
// client. ConnectShards does the same for an ordered list of URLs, one
// client per backend shard, failing as a unit so a layer never starts with
// a partial ring.
//
// Configuration is environment-driven:
//
//	cfg := redis.Config{}
//	config.MustLoad(&cfg)
//	clients, err := redis.ConnectShards(ctx, cfg)
//
// Healthcheck returns a probe function suitable for readiness endpoints;
// it pings every shard and fails on the first unreachable one.
//
// Both redis:// and rediss:// (TLS) URL schemes are supported. Errors are
// stable sentinels checkable with errors.Is.
package redis
