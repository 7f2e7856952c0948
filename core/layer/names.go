package layer

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
)

// MaxNameLength bounds channel and group names. Names must be shorter.
const MaxNameLength = 100

var (
	channelNameRegexp = regexp.MustCompile(`^[a-zA-Z0-9\-_.]+(![0-9a-zA-Z\-_.]*)?$`)
	groupNameRegexp   = regexp.MustCompile(`^[a-zA-Z0-9\-_.]+$`)
)

// ValidateChannelName reports whether name is a legal channel name:
// non-empty, shorter than MaxNameLength, ASCII alphanumerics plus hyphens,
// underscores and periods, with at most one "!" marker denoting a
// process-specific channel. When receive is true a present marker must be
// the final character of the name: backends that multiplex a whole
// process-specific family over one stream hand out receive names ending at
// the marker.
func ValidateChannelName(name string, receive bool) error {
	if name == "" || len(name) >= MaxNameLength {
		return fmt.Errorf("%w: %q must be a non-empty string shorter than %d characters", ErrInvalidChannelName, name, MaxNameLength)
	}
	if !channelNameRegexp.MatchString(name) {
		return fmt.Errorf("%w: %q may contain only ASCII alphanumerics, hyphens, underscores, periods and one %q marker", ErrInvalidChannelName, name, "!")
	}
	if receive && strings.Contains(name, "!") && !strings.HasSuffix(name, "!") {
		return fmt.Errorf("%w: specific channel name %q in receive must end at the %q marker", ErrInvalidChannelName, name, "!")
	}
	return nil
}

// ValidateGroupName reports whether name is a legal group name. Group names
// follow the channel rules but never contain the "!" marker.
func ValidateGroupName(name string) error {
	if name == "" || len(name) >= MaxNameLength {
		return fmt.Errorf("%w: %q must be a non-empty string shorter than %d characters", ErrInvalidGroupName, name, MaxNameLength)
	}
	if !groupNameRegexp.MatchString(name) {
		return fmt.Errorf("%w: %q may contain only ASCII alphanumerics, hyphens, underscores and periods", ErrInvalidGroupName, name)
	}
	return nil
}

// NonLocalName returns the shareable part of a channel name: everything up
// to and including the "!" marker for process-specific channels, the whole
// name otherwise. Shard routing and capacity resolution use this form so
// that every member of one process-specific family resolves consistently.
func NonLocalName(name string) string {
	if idx := strings.IndexByte(name, '!'); idx >= 0 {
		return name[:idx+1]
	}
	return name
}

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// randomSuffix returns n characters drawn from a crypto-random source, so
// that generated channel names stay unique even if a seeded PRNG elsewhere
// in the process is reset.
func randomSuffix(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic("layer: crypto/rand unavailable: " + err.Error())
	}
	for i, b := range buf {
		buf[i] = suffixAlphabet[int(b)%len(suffixAlphabet)]
	}
	return string(buf)
}
