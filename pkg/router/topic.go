package router

import (
	"strings"
)

// Match reports whether a routing key matches a topic pattern.
// Pattern segments are dot separated; `*` matches exactly one segment and
// `#` matches zero or more segments, as in an AMQP topic exchange.
func Match(pattern, key string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchSegments(pat, key []string) bool {
	for len(pat) > 0 {
		switch pat[0] {
		case "#":
			// Try consuming zero, one, ... key segments.
			for i := 0; i <= len(key); i++ {
				if matchSegments(pat[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || pat[0] != key[0] {
				return false
			}
		}
		pat = pat[1:]
		key = key[1:]
	}
	return len(key) == 0
}

// globPattern converts a topic pattern to a Redis PSUBSCRIBE glob. The glob
// over-matches (Redis `*` crosses segment boundaries), so subscribers must
// still filter with Match.
func globPattern(pattern string) string {
	segs := strings.Split(pattern, ".")
	for i, s := range segs {
		if s == "#" || s == "*" {
			segs[i] = "*"
		}
	}
	return strings.Join(segs, ".")
}
