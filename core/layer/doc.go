// Package layer defines the channel layer contract and provides the
// in-memory reference implementation.
//
// A channel layer is an addressable, capacity-bounded message-passing
// abstraction. Producers send structured messages to named channels;
// consumers receive them in FIFO order. Channels may be collected into
// named groups for best-effort broadcast delivery.
//
// Two kinds of channel names exist:
//
//   - General channels ("chat", "jobs.high") are shareable by many senders
//     and receivers.
//   - Process-specific channels contain a "!" marker followed by a random
//     suffix ("specific.abcd!ef0123"). They are owned by exactly one
//     receiver and are used for reply-to addressing. Create them with
//     NewChannel.
//
// All messages carry a time-to-live. A message that is not received within
// the layer's expiry window is silently dropped; delivery is best effort
// and dropped messages are not recoverable.
//
// # Backends
//
// InMemoryChannelLayer in this package is a single-process backend suitable
// for tests and local development. The redislayer package provides
// distributed backends sharing the same contract. All backends are safe for
// concurrent use by multiple goroutines.
//
// # Registry
//
// Registry maps string aliases to configured layer instances so that
// collaborators (connection handlers, background workers) can look up "the
// chat layer" without holding a direct reference:
//
//	reg := layer.NewRegistry()
//	reg.Register("chat", memLayer)
//
//	if chat, ok := reg.Get("chat"); ok {
//	    _ = chat.Send(ctx, "room.42", layer.Message{"type": "chat.message"})
//	}
//
// A process-wide Default registry is provided for applications that prefer
// the global lookup style. Populate it at startup and Clear it at shutdown
// or test teardown.
package layer
