package cache

import (
	"context"
	"database/sql/driver"

	"github.com/querycache/querycache/policy"
)

// Item represents a single item in cache and will contain the results of a
// single SQL query.
type Item struct {
	Cols []string
	Rows [][]driver.Value
}

// Cacher represents a backend cache that can be used by the querycache
// package. Backends must honor the expiration mode and timeout of the policy
// an item was stored under, and must support dropping entries by dependency
// tag.
type Cacher interface {
	// Get must return a pointer to the item, a boolean representing whether
	// item is present or not, and an error (must be nil when key is not
	// present). Backends refresh the lifetime of entries stored under a
	// Sliding policy on every hit.
	Get(ctx context.Context, key string) (*Item, bool, error)
	// Set stores the item under the given resolved policy. The policy's
	// Dependencies carry the invalidation tags for the entry.
	Set(ctx context.Context, key string, item *Item, p *policy.CachePolicy) error
	// Invalidate drops every entry stored under any of the given tags.
	// Tags are matched case-insensitively.
	Invalidate(ctx context.Context, tags ...string) error
}
