package router

import (
	"regexp"
	"strconv"
	"strings"

	"relaybot/internal/broadcast"
)

// Accepted TTL prefixes: "30 text", "30m text", "30min text", "ttl=30 text".
var ttlRe = regexp.MustCompile(`(?i)^\s*(?:ttl\s*=\s*)?(\d{1,3})\s*(?:m|min)?\s+(\S[\s\S]*)$`)

// ParseBroadcastArgs splits the argument tail of /broadcast into a TTL and
// the request text. When no (valid) TTL prefix is present, the whole tail is
// the text and the default TTL applies — an out-of-range number is consumed
// but falls back to the default, matching the source bot.
func ParseBroadcastArgs(raw string, defaultTTL int) (ttl int, text string) {
	raw = strings.TrimSpace(raw)
	m := ttlRe.FindStringSubmatch(raw)
	if m == nil {
		return defaultTTL, raw
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < broadcast.MinTTLMinutes || n > broadcast.MaxTTLMinutes {
		return defaultTTL, strings.TrimSpace(m[2])
	}
	return n, strings.TrimSpace(m[2])
}
