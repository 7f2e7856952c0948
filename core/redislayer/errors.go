package redislayer

import "errors"

var (
	// ErrBackendUnavailable wraps transport failures that persisted past
	// the layer's bounded internal retries. Transient outages are retried
	// (queue backend) or ridden out by reconnect (pub/sub backend) before
	// this surfaces.
	ErrBackendUnavailable = errors.New("channel layer backend unavailable")

	// ErrNoShards is returned when a layer is constructed without any
	// backend client.
	ErrNoShards = errors.New("at least one backend shard is required")
)
