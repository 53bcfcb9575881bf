package querycache

import (
	"context"
	"database/sql/driver"
	"fmt"
	"sync/atomic"

	"github.com/ngrok/sqlmw"
	"go.uber.org/zap"

	"github.com/querycache/querycache/cache"
	"github.com/querycache/querycache/policy"
)

// DefaultMaxCachedRows bounds how many rows of a single result set are
// recorded for caching when Config.MaxCachedRows is left zero. Result sets
// that grow past the bound are served but not cached.
const DefaultMaxCachedRows = 500

// Config is the configuration passed to NewInterceptor for creating new
// Interceptor instances.
type Config struct {
	// Cache must be set to a type that implements the cache.Cacher interface
	// which abstracts the backend cache implementation. This is a required
	// field and cannot be nil.
	Cache cache.Cacher
	// Settings holds the restricted and cache-all policy configurations.
	// The zero value leaves only the inline directive tier active.
	Settings policy.Settings
	// TableEntities maps table names to logical entity identifiers for the
	// restricted tier's entity allow-list. Optional.
	TableEntities map[string]string
	// Inspector classifies commands and extracts table names. Defaults to
	// the naive SQLInspector.
	Inspector policy.CommandInspector
	// Logger receives debug output such as resolved policies. Defaults to
	// a no-op logger.
	Logger *zap.Logger
	// OnError is called whenever methods of cache.Cacher interface or
	// KeyFunc return an error. Since querycache does not fail queries on
	// cache trouble, use this hook to log or to disable the interceptor.
	OnError func(error)
	// KeyFunc can be optionally set to provide a custom cache-key function.
	// By default querycache hashes the directive-stripped query text, the
	// arguments and the policy's salt key with mitchellh/hashstructure.
	KeyFunc KeyFunc
	// MaxCachedRows overrides DefaultMaxCachedRows when positive.
	MaxCachedRows int
}

// Interceptor is a ngrok/sqlmw interceptor that caches SQL query results
// according to resolved cache policies, and invalidates tagged entries when
// it sees writes go through.
type Interceptor struct {
	c             cache.Cacher
	resolver      *policy.Resolver
	inspector     policy.CommandInspector
	tableEntities map[string]string
	keyFunc       KeyFunc
	onErr         func(error)
	maxRows       int
	stats         Stats
	disabled      bool
	sqlmw.NullInterceptor
}

// NewInterceptor returns a new instance of querycache interceptor
// initialised with the provided config.
func NewInterceptor(config *Config) (*Interceptor, error) {
	if config == nil {
		return nil, fmt.Errorf("config can't be nil")
	}

	if config.Cache == nil {
		return nil, fmt.Errorf("cache must be set in Config")
	}

	if config.Inspector == nil {
		config.Inspector = SQLInspector{}
	}

	if config.KeyFunc == nil {
		config.KeyFunc = defaultKeyFunc
	}

	maxRows := config.MaxCachedRows
	if maxRows <= 0 {
		maxRows = DefaultMaxCachedRows
	}

	return &Interceptor{
		c:             config.Cache,
		resolver:      policy.NewResolver(config.Settings, config.Inspector, config.Logger),
		inspector:     config.Inspector,
		tableEntities: config.TableEntities,
		keyFunc:       config.KeyFunc,
		onErr:         config.OnError,
		maxRows:       maxRows,
	}, nil
}

// Driver wraps the given driver with this interceptor. Register the result
// with database/sql under a new name.
func (i *Interceptor) Driver(d driver.Driver) driver.Driver {
	return sqlmw.Driver(d, i)
}

// Enable enables the interceptor. Interceptor instance is enabled by default
// on creation.
func (i *Interceptor) Enable() {
	i.disabled = false
}

// Disable disables the interceptor resulting in cache bypass. All queries
// would go directly to the SQL backend.
func (i *Interceptor) Disable() {
	i.disabled = true
}

// StmtQueryContext intercepts database/sql's stmt.QueryContext calls from a
// prepared statement.
func (i *Interceptor) StmtQueryContext(ctx context.Context, conn driver.StmtQueryContext, query string, args []driver.NamedValue) (driver.Rows, error) {

	if i.disabled {
		return conn.QueryContext(ctx, args)
	}

	p := i.resolvePolicy(query)
	if p == nil {
		return conn.QueryContext(ctx, args)
	}

	key, ok := i.buildKey(query, args, p)
	if !ok {
		return conn.QueryContext(ctx, args)
	}

	if cached := i.checkCache(ctx, key); cached != nil {
		return cached, nil
	}

	rows, err := conn.QueryContext(ctx, args)
	if err != nil {
		return rows, err
	}

	return newRowsRecorder(i.cacheSetter(key, query, p), rows, i.maxRows), nil
}

// ConnQueryContext intercepts database/sql's DB.QueryContext and
// Conn.QueryContext calls.
func (i *Interceptor) ConnQueryContext(ctx context.Context, conn driver.QueryerContext, query string, args []driver.NamedValue) (driver.Rows, error) {

	if i.disabled {
		return conn.QueryContext(ctx, query, args)
	}

	p := i.resolvePolicy(query)
	if p == nil {
		return conn.QueryContext(ctx, query, args)
	}

	key, ok := i.buildKey(query, args, p)
	if !ok {
		return conn.QueryContext(ctx, query, args)
	}

	if cached := i.checkCache(ctx, key); cached != nil {
		return cached, nil
	}

	rows, err := conn.QueryContext(ctx, query, args)
	if err != nil {
		return rows, err
	}

	return newRowsRecorder(i.cacheSetter(key, query, p), rows, i.maxRows), nil
}

// ConnExecContext intercepts database/sql's DB.ExecContext and
// Conn.ExecContext calls to invalidate tagged entries after writes.
func (i *Interceptor) ConnExecContext(ctx context.Context, conn driver.ExecerContext, query string, args []driver.NamedValue) (driver.Result, error) {
	res, err := conn.ExecContext(ctx, query, args)
	if err != nil {
		return res, err
	}
	i.invalidateForWrite(ctx, query)
	return res, nil
}

// StmtExecContext intercepts stmt.ExecContext calls from a prepared
// statement to invalidate tagged entries after writes.
func (i *Interceptor) StmtExecContext(ctx context.Context, conn driver.StmtExecContext, query string, args []driver.NamedValue) (driver.Result, error) {
	res, err := conn.ExecContext(ctx, args)
	if err != nil {
		return res, err
	}
	i.invalidateForWrite(ctx, query)
	return res, nil
}

// resolvePolicy runs the three-tier policy resolution for the command. A
// resolution error (malformed directive flag) is surfaced through OnError
// and treated as "do not cache".
func (i *Interceptor) resolvePolicy(query string) *policy.CachePolicy {
	p, err := i.resolver.Resolve(query, i.tableEntities)
	if err != nil {
		atomic.AddUint64(&i.stats.Errors, 1)
		if i.onErr != nil {
			i.onErr(fmt.Errorf("policy resolution failed: %w", err))
		}
		return nil
	}
	return p
}

func (i *Interceptor) buildKey(query string, args []driver.NamedValue, p *policy.CachePolicy) (string, bool) {
	key, err := i.keyFunc(policy.RemoveDirective(query), args, p.SaltKey)
	if err != nil {
		atomic.AddUint64(&i.stats.Errors, 1)
		if i.onErr != nil {
			i.onErr(fmt.Errorf("KeyFunc failed: %w", err))
		}
		return "", false
	}
	return key, true
}

// cacheSetter returns the recorder callback that stores a fully consumed
// result set. Dependency tags default to the command's own table names when
// the directive names none.
func (i *Interceptor) cacheSetter(key, query string, p *policy.CachePolicy) func(item *cache.Item) {
	eff := *p
	if len(eff.Dependencies) == 0 {
		eff.Dependencies = i.inspector.TableNames(query)
	}

	return func(item *cache.Item) {
		// rows are typically closed after the query context is done;
		// storing must not be tied to it
		err := i.c.Set(context.Background(), key, item, &eff)
		if err != nil {
			atomic.AddUint64(&i.stats.Errors, 1)
			if i.onErr != nil {
				i.onErr(fmt.Errorf("Cache.Set failed: %w", err))
			}
		}
	}
}

func (i *Interceptor) invalidateForWrite(ctx context.Context, query string) {
	if i.disabled || !i.inspector.IsMutating(query) {
		return
	}

	tags := i.inspector.TableNames(query)
	if len(tags) == 0 {
		return
	}

	if err := i.c.Invalidate(ctx, tags...); err != nil {
		atomic.AddUint64(&i.stats.Errors, 1)
		if i.onErr != nil {
			i.onErr(fmt.Errorf("Cache.Invalidate failed: %w", err))
		}
		return
	}
	atomic.AddUint64(&i.stats.Invalidations, 1)
}

func (i *Interceptor) checkCache(ctx context.Context, key string) driver.Rows {
	item, ok, err := i.c.Get(ctx, key)
	if err != nil {
		atomic.AddUint64(&i.stats.Errors, 1)
		if i.onErr != nil {
			i.onErr(fmt.Errorf("Cache.Get failed: %w", err))
		}
		return nil
	}

	if !ok {
		atomic.AddUint64(&i.stats.Misses, 1)
		return nil
	}
	atomic.AddUint64(&i.stats.Hits, 1)

	return &rowsCached{
		item,
		0,
	}
}

// Stats contains querycache statistics.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Errors        uint64
	Invalidations uint64
}

// Stats returns querycache stats.
func (i *Interceptor) Stats() *Stats {
	return &Stats{
		Hits:          atomic.LoadUint64(&i.stats.Hits),
		Misses:        atomic.LoadUint64(&i.stats.Misses),
		Errors:        atomic.LoadUint64(&i.stats.Errors),
		Invalidations: atomic.LoadUint64(&i.stats.Invalidations),
	}
}
