package layer

import "errors"

var (
	// ErrInvalidChannelName is returned when a channel name fails the
	// syntax or length rules. The caller must fix the input; retrying
	// never helps.
	ErrInvalidChannelName = errors.New("invalid channel name")

	// ErrInvalidGroupName is returned when a group name fails the syntax
	// or length rules.
	ErrInvalidGroupName = errors.New("invalid group name")

	// ErrChannelFull is returned by Send when the target channel already
	// holds its full capacity of unreceived messages. It signals that the
	// recipient is not draining fast enough; the caller decides whether to
	// retry, drop, or propagate. GroupSend never returns it: saturated
	// members are skipped and logged instead.
	ErrChannelFull = errors.New("channel over capacity")

	// ErrNilMessage is returned when a nil message is sent.
	ErrNilMessage = errors.New("message must not be nil")

	// ErrReservedMessageKey is returned when a message contains the key
	// reserved for internal routing metadata.
	ErrReservedMessageKey = errors.New("message uses reserved key " + ReservedKey)
)
