package serializer

import (
	"encoding/json"

	"github.com/dmitrymomot/chanlayer/core/layer"
)

// NewJSONSerializer creates a serializer using the JSON wire format.
// UTF-8 JSON is the interoperable default: any JSON-capable producer can
// inject messages onto the store.
func NewJSONSerializer(opts ...Option) *MessageSerializer {
	return newMessageSerializer(
		func(m layer.Message) ([]byte, error) {
			return json.Marshal(m)
		},
		func(data []byte) (layer.Message, error) {
			var m layer.Message
			if err := json.Unmarshal(data, &m); err != nil {
				return nil, err
			}
			return m, nil
		},
		opts...,
	)
}
