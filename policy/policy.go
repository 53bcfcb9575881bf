package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ExpirationMode governs how a cache entry's timeout is interpreted by the
// backend store.
type ExpirationMode int

const (
	// Absolute entries expire a fixed duration after they were stored.
	Absolute ExpirationMode = iota
	// Sliding entries expire after a period of inactivity; every read
	// restarts the clock.
	Sliding
	// NeverRemove entries stay until explicitly invalidated.
	NeverRemove
)

var modeNames = map[ExpirationMode]string{
	Absolute:    "Absolute",
	Sliding:     "Sliding",
	NeverRemove: "NeverRemove",
}

func (m ExpirationMode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("ExpirationMode(%d)", int(m))
}

// ParseExpirationMode maps an enum name to its ExpirationMode. The match is
// case-sensitive; unknown names report ok=false.
func ParseExpirationMode(name string) (ExpirationMode, bool) {
	for m, n := range modeNames {
		if n == name {
			return m, true
		}
	}
	return Absolute, false
}

// ParseTimeout parses a directive timeout field. Both Go duration syntax
// ("5m", "1h30m") and the clock syntax used by the comment-tagging convention
// ("00:05:00") are accepted.
func ParseTimeout(s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}

	if strings.Contains(s, ":") {
		parts := strings.Split(s, ":")
		if len(parts) != 3 {
			return 0, false
		}
		var segs [3]int
		for i, part := range parts {
			n, err := strconv.Atoi(part)
			if err != nil || n < 0 {
				return 0, false
			}
			segs[i] = n
		}
		return time.Duration(segs[0])*time.Hour +
			time.Duration(segs[1])*time.Minute +
			time.Duration(segs[2])*time.Second, true
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return d, true
}

// CachePolicy is the effective caching decision for a single command. It is
// fully determined at construction and never mutated afterwards; the
// interceptor and backends only read it.
type CachePolicy struct {
	// ExpirationMode selects how Timeout is applied by the backend.
	ExpirationMode ExpirationMode
	// Timeout is how long the cached result set stays valid.
	Timeout time.Duration
	// SaltKey disambiguates cache keys of otherwise identical commands.
	SaltKey string
	// Dependencies are invalidation tags. A write touching any of these
	// tags drops the entry. When empty, the interceptor falls back to the
	// command's own table names.
	Dependencies []string
}

func (p *CachePolicy) String() string {
	return fmt.Sprintf("ExpirationMode: %s, Timeout: %s, SaltKey: %q, Dependencies: [%s]",
		p.ExpirationMode, p.Timeout, p.SaltKey, strings.Join(p.Dependencies, ", "))
}

// RestrictedConfig caches only commands that touch an allow-list of tables
// or entity types. It is supplied once at construction and must not be
// mutated afterwards.
type RestrictedConfig struct {
	IsActive       bool
	TableNames     []string
	EntityTypes    []string
	ExpirationMode ExpirationMode
	Timeout        time.Duration
}

// CacheAllConfig caches every non-mutating, non-excluded command. Same
// lifecycle as RestrictedConfig.
type CacheAllConfig struct {
	IsActive       bool
	ExpirationMode ExpirationMode
	Timeout        time.Duration
}
