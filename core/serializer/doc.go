// Package serializer turns channel layer messages into bytes for the
// remote backends, with optional symmetric encryption and a randomized
// prefix.
//
// Two wire formats ship by default: "json" (interoperable, human readable)
// and "msgpack" (compact binary). Additional formats can be added through
// Register. Layers look codecs up by name at construction time; an unknown
// name fails there, never per message.
//
// # Encryption
//
// When a keyring is configured, serialized messages are sealed with
// NaCl secretbox using a key derived from the first (most recent) keyring
// entry; deserialization tries every key in order, supporting key rotation:
// put the new key first and keep old keys listed until all in-flight
// messages sealed with them have expired. Sealed payloads embed the seal
// time and are rejected once older than the configured expiry (plus a small
// clock-skew allowance), so captured ciphertexts cannot be replayed later.
//
// # Random prefix
//
// WithRandomPrefix prepends N crypto-random bytes to each serialized
// message. This defends against known-plaintext analysis when message
// content is predictable, and gives otherwise identical messages distinct
// byte representations, which the sorted-set queue backend relies on.
//
// Example:
//
//	codec, err := serializer.New("json",
//	    serializer.WithEncryptionKeys("new-secret", "previous-secret"),
//	    serializer.WithRandomPrefix(12),
//	    serializer.WithExpiry(time.Minute),
//	)
package serializer
