package querycache

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/mitchellh/hashstructure/v2"
)

// KeyFunc derives the cache key for a query. The query passed in has its
// directive line already stripped; saltKey comes from the resolved policy
// and disambiguates otherwise identical commands.
type KeyFunc func(query string, args []driver.NamedValue, saltKey string) (string, error)

func defaultKeyFunc(query string, args []driver.NamedValue, saltKey string) (string, error) {
	u64, err := hashstructure.Hash(struct {
		Query string
		Args  []driver.NamedValue
		Salt  string
	}{
		Query: query,
		Args:  args,
		Salt:  saltKey,
	}, hashstructure.FormatV2, nil)
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("q%da%dh%s", len(query), len(args), strconv.FormatUint(u64, 10))
	return key, nil
}

// NoopKey returns a readable string representation of the query, args and
// salt key. Whitespace in the query string is stripped off. Useful for
// debugging cache contents; not recommended for large queries.
func NoopKey(query string, args []driver.NamedValue, saltKey string) (string, error) {
	var b strings.Builder
	b.Grow(len(query) + len(args)*10) // arbitrary
	for _, ch := range query {
		if !unicode.IsSpace(ch) {
			b.WriteRune(ch)
		}
	}
	b.WriteRune(':')
	b.WriteString(fmt.Sprintf("%v", args))
	if saltKey != "" {
		b.WriteRune(':')
		b.WriteString(saltKey)
	}

	return b.String(), nil
}
