package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tenancykit/tenancy/platform/go/tenant"
)

// Resolver defines the minimal lookup capability required to identify the
// tenant behind a request host. Implemented by the tenant store service.
type Resolver interface {
	ResolveDomain(ctx context.Context, domain string) (tenant.Space, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, domain string) (tenant.Space, error)

func (f ResolverFunc) ResolveDomain(ctx context.Context, domain string) (tenant.Space, error) {
	return f(ctx, domain)
}

// Config controls middleware behavior.
type Config struct {
	// Optional small in-memory TTL cache to avoid a store lookup on every
	// request; zero disables caching.
	CacheTTL time.Duration
}

// ResolveFromHost identifies the tenant owning the request's host name and
// attaches its tenant.Space to the context. Requests from unindexed hosts
// get a 404.
func ResolveFromHost(resolver Resolver, cfg Config) func(http.Handler) http.Handler {
	if resolver == nil {
		panic("tenant middleware: resolver is required")
	}

	var cache *spaceCache
	if cfg.CacheTTL > 0 {
		cache = newSpaceCache(cfg.CacheTTL)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			domain := hostDomain(r.Host)
			if domain == "" {
				http.Error(w, "unknown tenant", http.StatusNotFound)
				return
			}

			if cached := cache.get(domain); cached != nil {
				next.ServeHTTP(w, r.WithContext(tenant.WithSpace(r.Context(), *cached)))
				return
			}

			space, err := resolver.ResolveDomain(r.Context(), domain)
			if err != nil {
				http.Error(w, "unknown tenant", http.StatusNotFound)
				return
			}

			cache.put(domain, space)
			next.ServeHTTP(w, r.WithContext(tenant.WithSpace(r.Context(), space)))
		})
	}
}

// hostDomain strips an optional port from the request host.
func hostDomain(host string) string {
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.TrimSpace(host)
}

type spaceCache struct {
	ttl time.Duration

	mu    sync.Mutex
	items map[string]cacheItem
}

type cacheItem struct {
	space     tenant.Space
	expiresAt time.Time
}

func newSpaceCache(ttl time.Duration) *spaceCache {
	return &spaceCache{ttl: ttl, items: make(map[string]cacheItem)}
}

func (c *spaceCache) get(domain string) *tenant.Space {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[domain]
	if !ok || time.Now().After(item.expiresAt) {
		return nil
	}
	return &item.space
}

func (c *spaceCache) put(domain string, space tenant.Space) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.items[domain] = cacheItem{space: space, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}
