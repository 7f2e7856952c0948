package serializer

import "errors"

var (
	// ErrSerializerNotFound is returned by New for an unregistered format
	// name. This is a configuration error: fail at construction, not per
	// message.
	ErrSerializerNotFound = errors.New("serializer format not registered")

	// ErrDecryptionFailed is returned when a payload cannot be opened with
	// any configured key, or its embedded timestamp is past the allowed
	// age. Receive loops must treat the message as poisoned: drop and log,
	// never crash.
	ErrDecryptionFailed = errors.New("message decryption failed")

	// ErrInvalidPayload is returned when a payload is structurally too
	// short for the configured random prefix or encryption envelope.
	ErrInvalidPayload = errors.New("malformed message payload")
)
