package querycache

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/querycache/querycache/cache"
	"github.com/querycache/querycache/policy"

	"github.com/dgraph-io/ristretto"
)

// Ristretto implements the cache.Cacher interface using ristretto as the
// in-process backend. Ristretto cannot enumerate its keys, so a small
// mutex-guarded tag index is kept alongside for dependency invalidation.
// Index entries are pruned only by Invalidate, not when the underlying
// ristretto entry expires or is evicted; under a tagged read-only workload
// that never writes to the tagged tables, the index grows with each distinct
// key. Invalidate the tags periodically, or size MaxCachedRows/TTLs so that
// distinct keys stay bounded.
type Ristretto struct {
	c *ristretto.Cache

	mu   sync.Mutex
	tags map[string]map[string]struct{} // tag -> keys stored under it
}

type ristrettoEntry struct {
	item *cache.Item
	pol  policy.CachePolicy
}

// NewRistretto creates a new instance of ristretto backend wrapping the
// provided *ristretto.Cache instance. While creating the ristretto
// instance, please note that number of rows will be used as "cost"
// (in ristretto's terminology) for each cache item.
func NewRistretto(c *ristretto.Cache) *Ristretto {
	return &Ristretto{
		c:    c,
		tags: make(map[string]map[string]struct{}),
	}
}

// Get gets a cache item from ristretto. A hit on an entry stored under a
// Sliding policy restarts its lifetime.
func (r *Ristretto) Get(_ context.Context, key string) (*cache.Item, bool, error) {
	v, ok := r.c.Get(key)
	if !ok {
		return nil, false, nil
	}

	e, ok := v.(*ristrettoEntry)
	if !ok {
		return nil, false, fmt.Errorf("Ristretto.Get(): v.(*ristrettoEntry) failed")
	}

	if e.pol.ExpirationMode == policy.Sliding {
		_ = r.c.SetWithTTL(key, e, int64(len(e.item.Rows)), e.pol.Timeout)
	}

	return e.item, true, nil
}

// Set sets the given item into ristretto under the resolved policy and
// records the entry's dependency tags.
func (r *Ristretto) Set(_ context.Context, key string, item *cache.Item, p *policy.CachePolicy) error {
	ttl := p.Timeout
	if p.ExpirationMode == policy.NeverRemove {
		ttl = 0 // no expiry
	}

	// using # of rows as cost
	_ = r.c.SetWithTTL(key, &ristrettoEntry{item: item, pol: *p}, int64(len(item.Rows)), ttl)

	if len(p.Dependencies) > 0 {
		r.mu.Lock()
		for _, tag := range p.Dependencies {
			tag = strings.ToLower(tag)
			if r.tags[tag] == nil {
				r.tags[tag] = make(map[string]struct{})
			}
			r.tags[tag][key] = struct{}{}
		}
		r.mu.Unlock()
	}

	return nil
}

// Invalidate drops every entry stored under any of the given tags. Index
// entries for keys that already expired are harmless; Del on a missing key
// is a no-op.
func (r *Ristretto) Invalidate(_ context.Context, tags ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, tag := range tags {
		tag = strings.ToLower(tag)
		for key := range r.tags[tag] {
			r.c.Del(key)
		}
		delete(r.tags, tag)
	}

	return nil
}
