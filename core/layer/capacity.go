package layer

import (
	"fmt"
	"regexp"
	"strings"
)

// ChannelCapacity overrides the default per-channel capacity for channels
// matching a pattern. Pattern is a glob ("admin.*", "log-?") compiled to an
// anchored regular expression; a pre-compiled Regexp takes precedence over
// Pattern and is used untouched. Order is significant: the first matching
// entry wins.
type ChannelCapacity struct {
	Pattern  string
	Regexp   *regexp.Regexp
	Capacity int
}

type capacityEntry struct {
	re       *regexp.Regexp
	capacity int
}

// CapacityTable resolves the effective capacity for a channel name.
// Resolution is O(number of entries) per call, which is fine: capacity
// tables are small and static per layer instance.
type CapacityTable struct {
	entries  []capacityEntry
	fallback int
}

// CompileCapacities builds a CapacityTable with the given default capacity
// and ordered overrides.
func CompileCapacities(defaultCapacity int, overrides []ChannelCapacity) (CapacityTable, error) {
	t := CapacityTable{fallback: defaultCapacity}
	for _, o := range overrides {
		re := o.Regexp
		if re == nil {
			compiled, err := regexp.Compile(globToRegexp(o.Pattern))
			if err != nil {
				return CapacityTable{}, fmt.Errorf("layer: invalid channel capacity pattern %q: %w", o.Pattern, err)
			}
			re = compiled
		}
		t.entries = append(t.entries, capacityEntry{re: re, capacity: o.Capacity})
	}
	return t, nil
}

// Capacity returns the capacity of the first entry matching channel, or the
// default when none matches.
func (t CapacityTable) Capacity(channel string) int {
	for _, e := range t.entries {
		if e.re.MatchString(channel) {
			return e.capacity
		}
	}
	return t.fallback
}

// globToRegexp translates a shell-style glob into an anchored regular
// expression: "*" matches any run of characters, "?" a single character,
// "[seq]" a character class ("[!seq]" negates). Everything else is literal.
func globToRegexp(glob string) string {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(glob); i++ {
		switch c := glob[i]; c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '[':
			end := strings.IndexByte(glob[i+1:], ']')
			if end < 0 {
				b.WriteString(regexp.QuoteMeta(string(c)))
				continue
			}
			class := glob[i+1 : i+1+end]
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + class + "]")
			i += end + 1
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return b.String()
}
