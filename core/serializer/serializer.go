package serializer

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/dmitrymomot/chanlayer/core/layer"
)

// Serializer converts messages to and from their byte representation on
// the remote store.
type Serializer interface {
	Serialize(message layer.Message) ([]byte, error)
	Deserialize(data []byte) (layer.Message, error)
}

// clockSkewAllowance is added to the expiry when judging sealed payload
// age, matching the send-side TTL plus a margin for clock drift between
// producers and consumers.
const clockSkewAllowance = 10 * time.Second

const (
	nonceSize     = 24
	timestampSize = 8
)

// Option configures a serializer built by New or a format constructor.
type Option func(*MessageSerializer)

// WithEncryptionKeys configures the symmetric keyring. The first key seals
// outgoing messages; every key is tried when opening, enabling rotation.
func WithEncryptionKeys(keys ...string) Option {
	return func(s *MessageSerializer) {
		s.keyring = s.keyring[:0]
		for _, k := range keys {
			derived := sha256.Sum256([]byte(k))
			s.keyring = append(s.keyring, &derived)
		}
	}
}

// WithRandomPrefix prepends n crypto-random bytes to every serialized
// message and strips them on deserialization.
func WithRandomPrefix(n int) Option {
	return func(s *MessageSerializer) {
		if n >= 0 {
			s.randomPrefixLength = n
		}
	}
}

// WithExpiry bounds the age of sealed payloads: encrypted messages older
// than d (plus a clock-skew allowance) are rejected as ErrDecryptionFailed.
// Zero disables the age check.
func WithExpiry(d time.Duration) Option {
	return func(s *MessageSerializer) {
		if d > 0 {
			s.expiry = d
		}
	}
}

// MessageSerializer wraps a wire format with the shared framing: optional
// secretbox encryption and an optional random prefix.
type MessageSerializer struct {
	marshal   func(layer.Message) ([]byte, error)
	unmarshal func([]byte) (layer.Message, error)

	keyring            []*[32]byte
	randomPrefixLength int
	expiry             time.Duration
}

func newMessageSerializer(
	marshal func(layer.Message) ([]byte, error),
	unmarshal func([]byte) (layer.Message, error),
	opts ...Option,
) *MessageSerializer {
	s := &MessageSerializer{marshal: marshal, unmarshal: unmarshal}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serialize encodes message with the wire format, seals it with the first
// keyring key if encryption is configured, and prepends the random prefix
// if one is configured.
func (s *MessageSerializer) Serialize(message layer.Message) ([]byte, error) {
	data, err := s.marshal(message)
	if err != nil {
		return nil, fmt.Errorf("serializer: encode: %w", err)
	}

	if len(s.keyring) > 0 {
		data, err = s.seal(data)
		if err != nil {
			return nil, err
		}
	}

	if s.randomPrefixLength > 0 {
		prefixed := make([]byte, s.randomPrefixLength, s.randomPrefixLength+len(data))
		if _, err := rand.Read(prefixed); err != nil {
			return nil, fmt.Errorf("serializer: random prefix: %w", err)
		}
		data = append(prefixed, data...)
	}
	return data, nil
}

// Deserialize reverses Serialize: strips the random prefix, opens the
// encryption envelope trying every keyring key, rejects over-age sealed
// payloads, and decodes the wire format.
func (s *MessageSerializer) Deserialize(data []byte) (layer.Message, error) {
	if s.randomPrefixLength > 0 {
		if len(data) < s.randomPrefixLength {
			return nil, fmt.Errorf("%w: shorter than random prefix", ErrInvalidPayload)
		}
		data = data[s.randomPrefixLength:]
	}

	if len(s.keyring) > 0 {
		plain, err := s.open(data)
		if err != nil {
			return nil, err
		}
		data = plain
	}

	message, err := s.unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrInvalidPayload, err)
	}
	return message, nil
}

// seal produces nonce || secretbox(timestamp || plaintext) under the
// first keyring key.
func (s *MessageSerializer) seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("serializer: nonce: %w", err)
	}

	payload := make([]byte, timestampSize, timestampSize+len(plaintext))
	binary.BigEndian.PutUint64(payload, uint64(time.Now().Unix()))
	payload = append(payload, plaintext...)

	out := secretbox.Seal(nonce[:], payload, &nonce, s.keyring[0])
	return out, nil
}

// open tries every keyring key in order and enforces the payload age bound.
func (s *MessageSerializer) open(data []byte) ([]byte, error) {
	if len(data) < nonceSize+timestampSize+secretbox.Overhead {
		return nil, fmt.Errorf("%w: shorter than encryption envelope", ErrInvalidPayload)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])
	box := data[nonceSize:]

	for _, key := range s.keyring {
		payload, ok := secretbox.Open(nil, box, &nonce, key)
		if !ok {
			continue
		}
		sealedAt := time.Unix(int64(binary.BigEndian.Uint64(payload[:timestampSize])), 0)
		if s.expiry > 0 && time.Since(sealedAt) > s.expiry+clockSkewAllowance {
			return nil, fmt.Errorf("%w: sealed payload past its time-to-live", ErrDecryptionFailed)
		}
		return payload[timestampSize:], nil
	}
	return nil, fmt.Errorf("%w: no configured key opens the payload", ErrDecryptionFailed)
}
