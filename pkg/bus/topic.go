package bus

import "strings"

// matchTopic reports whether topic matches pattern, where pattern may
// contain shell-style `*` wildcards on `/`-delimited segments (spec.md
// §4.A). A `*` segment matches exactly one topic segment; it does not
// span multiple segments.
func matchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}

	pSegs := strings.Split(pattern, "/")
	tSegs := strings.Split(topic, "/")
	if len(pSegs) != len(tSegs) {
		return false
	}
	for i, p := range pSegs {
		if p == "*" {
			continue
		}
		if p != tSegs[i] {
			return false
		}
	}
	return true
}

// isWildcard reports whether a topic pattern contains a wildcard
// segment, used to route a subscription into the wildcard match path
// instead of the exact-match map.
func isWildcard(pattern string) bool {
	return strings.Contains(pattern, "*")
}
