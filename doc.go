/*
Package querycache provides a policy-driven second-level cache for
database/sql users. It wraps any SQL driver with an interceptor that decides
per query whether and how long to cache the result set, and drops tagged
entries again when it sees writes go through.

A caching decision is resolved from three sources, most specific first:

 1. an inline directive embedded as a comment line in the command text,
 2. a restricted configuration that allow-lists tables or entity types,
 3. a cache-all configuration covering every non-mutating command.

Usage:

	import (
		"database/sql"

		"github.com/dgraph-io/ristretto"
		"github.com/querycache/querycache"
		"github.com/querycache/querycache/policy"
		"github.com/jackc/pgx/v4/stdlib"
	)

	func main() {
		...
		rc, _ := ristretto.NewCache(&ristretto.Config{
			NumCounters: 1e4, MaxCost: 1e3, BufferItems: 64,
		})

		interceptor, err := querycache.NewInterceptor(&querycache.Config{
			Cache: querycache.NewRistretto(rc),
			Settings: policy.Settings{
				CacheAll: policy.CacheAllConfig{
					IsActive:       true,
					ExpirationMode: policy.Absolute,
					Timeout:        30 * time.Minute,
				},
			},
		})
		...

		// wrap pgx driver with the interceptor and register it
		sql.Register("pgx-with-cache", interceptor.Driver(stdlib.GetDefaultDriver()))

		// open the database using the wrapped driver
		db, err := sql.Open("pgx-with-cache", dsn)
		...
	}

Individual queries override the configured tiers with a directive comment:

	rows, err := db.QueryContext(ctx, `
		-- EFCachePolicy Sliding|00:05:00|tenant-a|books
		SELECT name, pages FROM books WHERE pages > $1`, 100)

The directive payload is <expirationMode>|<timeout>|<saltKey>|<deps>|<bool>;
only the first two fields are required. A command containing
"-- EFCachePolicy NonCacheable" is never cached by the global tiers.
*/
package querycache
