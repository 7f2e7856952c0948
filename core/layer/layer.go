package layer

import "context"

// Message is the unit of exchange on a channel layer: a JSON-compatible
// mapping with string keys. The layer treats it as opaque apart from
// serialization; by convention a "type" key identifies the message kind.
type Message map[string]any

// ReservedKey is reserved for internal routing metadata. Messages supplied
// by callers must not contain it.
const ReservedKey = "__channel__"

// Layer is the contract shared by every channel layer backend.
//
// All methods are safe for concurrent use. Send fails fast with
// ErrChannelFull instead of blocking on a saturated channel; Receive blocks
// until a message arrives or the context is done.
type Layer interface {
	// Send delivers message onto the named general or process-specific
	// channel. Returns ErrChannelFull if the channel is at capacity.
	Send(ctx context.Context, channel string, message Message) error

	// Receive returns the oldest live message on the named channel,
	// blocking until one arrives or ctx is done.
	Receive(ctx context.Context, channel string) (Message, error)

	// NewChannel returns a fresh process-specific channel name under the
	// given prefix (or a backend default when prefix is empty).
	NewChannel(prefix string) (string, error)

	// GroupAdd adds the channel to the named group. Idempotent; re-adding
	// refreshes the membership timestamp.
	GroupAdd(ctx context.Context, group, channel string) error

	// GroupDiscard removes the channel from the named group. Discarding a
	// non-member, or from a non-existent group, is a no-op.
	GroupDiscard(ctx context.Context, group, channel string) error

	// GroupSend delivers message to every current member of the group.
	// Delivery is best effort per member: a saturated member is skipped,
	// never failing delivery to the others.
	GroupSend(ctx context.Context, group string, message Message) error

	// Flush clears all channel and group state held by the layer.
	Flush(ctx context.Context) error
}

// CheckMessage rejects messages no backend may accept: nil maps and
// messages carrying the reserved routing key.
func CheckMessage(message Message) error {
	if message == nil {
		return ErrNilMessage
	}
	if _, ok := message[ReservedKey]; ok {
		return ErrReservedMessageKey
	}
	return nil
}
