// Package variables holds the registry of named template variable providers.
package variables

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Chative-core-poc-v1/turnflow/internal/agent/model"
	errx "github.com/Chative-core-poc-v1/turnflow/internal/core/error"
	logx "github.com/Chative-core-poc-v1/turnflow/pkg/logger"
)

const defaultCacheSize = 1024

// nameRe is the accepted variable name syntax, shared with the renderer.
var nameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// ValidName reports whether name can be used as a placeholder.
func ValidName(name string) bool {
	return nameRe.MatchString(name)
}

// Scope selects the identifier a cached value is keyed by.
type Scope int

const (
	ScopeNone Scope = iota
	ScopeBusiness
	ScopeUser
	ScopeConversation
)

// AuthRequirement names the identity a provider needs in its context.
type AuthRequirement string

const (
	AuthNone     AuthRequirement = ""
	AuthUser     AuthRequirement = "user"
	AuthBusiness AuthRequirement = "business"
)

// Meta describes a provider. CacheTTL > 0 with a non-none Scope enables caching.
type Meta struct {
	Description string
	Auth        AuthRequirement
	CacheTTL    time.Duration
	Scope       Scope
}

// ResolverFunc produces the substitution value for one variable.
type ResolverFunc func(ctx context.Context, vc model.VarContext) (string, error)

type provider struct {
	fn   ResolverFunc
	meta Meta
}

type cachedValue struct {
	value    string
	storedAt time.Time
	ttl      time.Duration
}

// Registry maps variable names to resolvers. It is built at process start
// and handed to the renderer; strict mode is fixed for its lifetime.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]provider
	strict    bool
	cache     *lru.Cache[string, cachedValue]
	now       func() time.Time
}

type Option func(*Registry)

// WithStrict makes unknown or failing variables an error instead of "".
func WithStrict(strict bool) Option {
	return func(r *Registry) { r.strict = strict }
}

// WithCacheSize bounds the resolver cache.
func WithCacheSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			if c, err := lru.New[string, cachedValue](n); err == nil {
				r.cache = c
			}
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(opts ...Option) *Registry {
	// lru.New only errors on a non-positive size.
	c, _ := lru.New[string, cachedValue](defaultCacheSize)
	r := &Registry{
		providers: make(map[string]provider),
		cache:     c,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a provider. Names must be unique and placeholder-safe.
func (r *Registry) Register(name string, fn ResolverFunc, meta Meta) error {
	if !ValidName(name) {
		return fmt.Errorf("invalid variable name %q", name)
	}
	if fn == nil {
		return fmt.Errorf("variable %q: nil resolver", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("variable %q already registered", name)
	}
	r.providers[name] = provider{fn: fn, meta: meta}
	return nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

func (r *Registry) Strict() bool {
	return r.strict
}

// Names lists registered variables in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the value of name for vc. In lenient mode every failure
// degrades to "" and is logged; in strict mode it is a VariableResolutionError.
func (r *Registry) Resolve(ctx context.Context, name string, vc model.VarContext) (string, error) {
	r.mu.RLock()
	p, ok := r.providers[name]
	r.mu.RUnlock()
	if !ok {
		return r.fail(name, vc, nil)
	}

	if err := checkAuth(p.meta.Auth, vc); err != nil {
		return r.fail(name, vc, err)
	}

	key, cacheable := r.cacheKey(name, p.meta, vc)
	if cacheable {
		if entry, hit := r.cache.Get(key); hit {
			if r.now().Sub(entry.storedAt) < entry.ttl {
				return entry.value, nil
			}
			r.cache.Remove(key)
		}
	}

	value, err := p.fn(ctx, vc)
	if err != nil {
		return r.fail(name, vc, err)
	}
	if cacheable {
		r.cache.Add(key, cachedValue{value: value, storedAt: r.now(), ttl: p.meta.CacheTTL})
	}
	return value, nil
}

func (r *Registry) fail(name string, vc model.VarContext, cause error) (string, error) {
	err := errx.VariableResolution(name, cause)
	if r.strict {
		return "", err
	}
	logx.Warn().
		Err(err).
		Str("variable", name).
		Str("conversation_id", vc.ConversationID()).
		Str("stage_id", vc.StageID()).
		Msg("variable unresolved; substituting empty string")
	return "", nil
}

func (r *Registry) cacheKey(name string, meta Meta, vc model.VarContext) (string, bool) {
	if meta.CacheTTL <= 0 {
		return "", false
	}
	var scopeID string
	switch meta.Scope {
	case ScopeBusiness:
		scopeID = vc.BusinessID()
	case ScopeUser:
		scopeID = vc.UserID()
	case ScopeConversation:
		scopeID = vc.ConversationID()
	default:
		return "", false
	}
	if scopeID == "" {
		return "", false
	}
	return name + "|" + scopeID, true
}

func checkAuth(req AuthRequirement, vc model.VarContext) error {
	switch req {
	case AuthUser:
		if vc.UserID() == "" {
			return fmt.Errorf("requires an authenticated user")
		}
	case AuthBusiness:
		if vc.BusinessID() == "" {
			return fmt.Errorf("requires a business")
		}
	}
	return nil
}
