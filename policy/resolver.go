package policy

import (
	"strings"

	"go.uber.org/zap"
)

// CommandInspector classifies SQL command text for the resolver. The
// querycache root package ships a naive keyword-based implementation;
// callers with a real SQL parser can supply their own.
type CommandInspector interface {
	// IsMutating reports whether commandText writes data.
	IsMutating(commandText string) bool
	// TableNames returns the table names referenced by commandText.
	TableNames(commandText string) []string
}

// Settings bundles the two process-wide policy configurations.
type Settings struct {
	Restricted RestrictedConfig
	CacheAll   CacheAllConfig
}

// Resolver turns a SQL command into an effective CachePolicy, trying three
// sources in strict order: the inline directive, the restricted config, then
// the cache-all config. First match wins. Resolver is stateless and safe for
// concurrent use as long as the injected settings are not mutated.
type Resolver struct {
	parser     *Parser
	restricted RestrictedConfig
	cacheAll   CacheAllConfig
	inspector  CommandInspector
	logger     *zap.Logger
}

// NewResolver creates a Resolver over the given settings. A nil logger
// disables debug logging.
func NewResolver(settings Settings, inspector CommandInspector, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		parser:     NewParser(settings.CacheAll),
		restricted: settings.Restricted,
		cacheAll:   settings.CacheAll,
		inspector:  inspector,
		logger:     logger,
	}
}

// Resolve returns the effective policy for commandText, or nil when the
// command should not be cached. tableEntities maps table names to logical
// entity identifiers for the restricted tier's entity allow-list. The only
// error condition is a directive with a malformed boolean flag.
func (r *Resolver) Resolve(commandText string, tableEntities map[string]string) (*CachePolicy, error) {
	if strings.TrimSpace(commandText) == "" {
		return nil, nil
	}

	p, err := r.parser.Parse(commandText)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = r.restrictedPolicy(commandText, tableEntities)
	}
	if p == nil {
		p = r.cacheAllPolicy(commandText)
	}
	if p != nil {
		r.logger.Debug("resolved cache policy", zap.Stringer("policy", p))
	}
	return p, nil
}

// skipGlobalTiers reports whether the restricted and cache-all tiers must be
// bypassed: writes are never cached globally, and neither are commands that
// opted out explicitly. An inline directive still applies to both.
func (r *Resolver) skipGlobalTiers(commandText string) bool {
	return r.inspector.IsMutating(commandText) ||
		strings.Contains(commandText, NonCacheableMarker)
}

func (r *Resolver) restrictedPolicy(commandText string, tableEntities map[string]string) *CachePolicy {
	if !r.restricted.IsActive || r.skipGlobalTiers(commandText) {
		return nil
	}

	cacheable := false
	if len(r.restricted.TableNames) > 0 {
		cacheable = intersectsFold(r.inspector.TableNames(commandText), r.restricted.TableNames)
	}
	if !cacheable && len(r.restricted.EntityTypes) > 0 {
		cacheable = intersects(r.entityTypes(commandText, tableEntities), r.restricted.EntityTypes)
	}
	if !cacheable {
		return nil
	}

	return &CachePolicy{
		ExpirationMode: r.restricted.ExpirationMode,
		Timeout:        r.restricted.Timeout,
	}
}

func (r *Resolver) cacheAllPolicy(commandText string) *CachePolicy {
	if !r.cacheAll.IsActive || r.skipGlobalTiers(commandText) {
		return nil
	}
	return &CachePolicy{
		ExpirationMode: r.cacheAll.ExpirationMode,
		Timeout:        r.cacheAll.Timeout,
	}
}

// entityTypes maps the tables referenced by commandText to entity
// identifiers through the caller-supplied lookup.
func (r *Resolver) entityTypes(commandText string, tableEntities map[string]string) []string {
	if len(tableEntities) == 0 {
		return nil
	}
	var out []string
	for _, table := range r.inspector.TableNames(commandText) {
		if entity, ok := lookupFold(tableEntities, table); ok {
			out = append(out, entity)
		}
	}
	return out
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func intersectsFold(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if strings.EqualFold(x, y) {
				return true
			}
		}
	}
	return false
}

func lookupFold(m map[string]string, key string) (string, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}
