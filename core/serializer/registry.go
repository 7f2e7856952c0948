package serializer

import (
	"fmt"
	"sync"
)

// Factory builds a serializer for a registered format.
type Factory func(opts ...Option) *MessageSerializer

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		"json":    NewJSONSerializer,
		"msgpack": NewMsgpackSerializer,
	}
)

// Register makes a wire format available to New under the given name,
// replacing any previous registration. Call it from an init function or
// during startup, before layers are constructed.
func Register(format string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[format] = factory
}

// New builds a serializer for a registered format name. Unknown names fail
// with ErrSerializerNotFound.
func New(format string, opts ...Option) (*MessageSerializer, error) {
	registryMu.RLock()
	factory, ok := registry[format]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSerializerNotFound, format)
	}
	return factory(opts...), nil
}
