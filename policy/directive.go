package policy

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// DirectiveMarker prefixes the comment line carrying an inline cache
	// policy. The format is the established comment-tag convention:
	//
	//	-- EFCachePolicy <mode>|<timeout>|<saltKey>|<dep1,dep2>|<useDefault>
	//
	// Only the first two fields are required.
	DirectiveMarker = "-- EFCachePolicy"

	// NonCacheableMarker opts a command out of the restricted and
	// cache-all tiers. Checked by plain substring containment.
	NonCacheableMarker = "-- EFCachePolicy NonCacheable"

	itemsSeparator        = "|"
	dependenciesSeparator = ","
)

// HasDirective reports whether commandText carries an inline policy
// directive.
func HasDirective(commandText string) bool {
	return strings.TrimSpace(commandText) != "" &&
		strings.Contains(commandText, DirectiveMarker)
}

// RemoveDirective strips the directive line from commandText so that the
// cache key is computed over the bare SQL. The whole line is removed through
// its trailing newline. Comment taggers leave one extra blank line behind the
// directive; that blank line is absorbed as well. Single-line input (no
// newline after the marker) is returned unchanged since the line cannot be
// delimited safely.
func RemoveDirective(commandText string) string {
	idx := strings.Index(commandText, DirectiveMarker)
	if idx < 0 {
		return commandText
	}

	end := strings.Index(commandText[idx:], "\n")
	if end < 0 {
		return commandText
	}
	end += idx + 1

	start := strings.LastIndex(commandText[:idx], "\n") + 1

	rest := commandText[end:]
	switch {
	case strings.HasPrefix(rest, "\r\n"):
		rest = rest[2:]
	case strings.HasPrefix(rest, "\n"):
		rest = rest[1:]
	}

	return commandText[:start] + rest
}

// Parser extracts inline cache-policy directives from SQL command text. It
// needs the cache-all configuration to honor the directive's optional
// "use default settings" flag.
type Parser struct {
	cacheAll CacheAllConfig
}

// NewParser returns a Parser bound to the given cache-all configuration.
func NewParser(cacheAll CacheAllConfig) *Parser {
	return &Parser{cacheAll: cacheAll}
}

// Parse extracts the inline policy from commandText. A missing or malformed
// directive yields (nil, nil); parse failures never abort resolution, they
// fall through to the global tiers. The one exception is a malformed
// "use default settings" flag, which is reported as an error.
func (p *Parser) Parse(commandText string) (*CachePolicy, error) {
	if !HasDirective(commandText) {
		return nil, nil
	}

	var line string
	for _, l := range strings.Split(commandText, "\n") {
		if strings.HasPrefix(strings.TrimSpace(l), DirectiveMarker) {
			line = strings.TrimSpace(l)
			break
		}
	}
	if line == "" {
		return nil, nil
	}

	parts := strings.Split(line, DirectiveMarker)
	if len(parts) != 2 {
		return nil, nil
	}

	fields := strings.Split(strings.TrimSpace(parts[1]), itemsSeparator)
	if len(fields) < 2 {
		return nil, nil
	}

	mode, ok := ParseExpirationMode(strings.TrimSpace(fields[0]))
	if !ok {
		return nil, nil
	}

	timeout, ok := ParseTimeout(strings.TrimSpace(fields[1]))
	if !ok {
		return nil, nil
	}

	var saltKey string
	if len(fields) > 2 {
		saltKey = strings.TrimSpace(fields[2])
	}

	var deps []string
	if len(fields) > 3 {
		for _, d := range strings.Split(fields[3], dependenciesSeparator) {
			if d = strings.TrimSpace(d); d != "" {
				deps = append(deps, d)
			}
		}
	}

	if len(fields) > 4 {
		useDefault, err := strconv.ParseBool(strings.TrimSpace(fields[4]))
		if err != nil {
			return nil, fmt.Errorf("malformed directive flag %q: %w", fields[4], err)
		}
		if useDefault && p.cacheAll.IsActive {
			mode = p.cacheAll.ExpirationMode
			timeout = p.cacheAll.Timeout
		}
	}

	return &CachePolicy{
		ExpirationMode: mode,
		Timeout:        timeout,
		SaltKey:        saltKey,
		Dependencies:   deps,
	}, nil
}
