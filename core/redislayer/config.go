package redislayer

import (
	"time"

	redisdb "github.com/dmitrymomot/chanlayer/integration/database/redis"
)

// Config assembles a Redis-backed channel layer from the environment:
// shard connections plus layer tuning. Zero value is unusable; populate it
// with config.Load.
type Config struct {
	Redis redisdb.Config

	// UsePubSub selects the broadcast backend instead of the queue backend.
	UsePubSub bool `env:"CHANNEL_LAYER_PUBSUB" envDefault:"false"`

	Prefix      string        `env:"CHANNEL_LAYER_PREFIX" envDefault:"chanlayer"`
	Expiry      time.Duration `env:"CHANNEL_LAYER_EXPIRY" envDefault:"1m"`
	GroupExpiry time.Duration `env:"CHANNEL_LAYER_GROUP_EXPIRY" envDefault:"24h"`
	Capacity    int           `env:"CHANNEL_LAYER_CAPACITY" envDefault:"100"`

	// Serializer names a registered codec ("json", "msgpack", or a
	// caller-registered format).
	Serializer string `env:"CHANNEL_LAYER_SERIALIZER" envDefault:"json"`

	// EncryptionKeys enables symmetric payload encryption when non-empty.
	// The first key seals; all keys are tried on open, so rotation is
	// prepend-new-key.
	EncryptionKeys []string `env:"CHANNEL_LAYER_ENCRYPTION_KEYS" envSeparator:","`
}
