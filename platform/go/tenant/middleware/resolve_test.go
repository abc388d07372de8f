package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tenancykit/tenancy/platform/go/tenant"
)

func TestResolveFromHost(t *testing.T) {
	var calls int
	resolver := ResolverFunc(func(ctx context.Context, domain string) (tenant.Space, error) {
		calls++
		if domain != "a.test" {
			return tenant.Space{}, context.Canceled
		}
		return tenant.Space{ID: "t1", Domains: []string{"a.test"}}, nil
	})

	var seen tenant.Space
	handler := ResolveFromHost(resolver, Config{CacheTTL: time.Minute})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			space, ok := tenant.FromContext(r.Context())
			require.True(t, ok)
			seen = space
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "a.test:8443"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "t1", seen.ID)
	require.Equal(t, 1, calls)

	// Second request within the TTL is served from the cache.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, calls)
}

func TestResolveFromHostUnknownTenant(t *testing.T) {
	resolver := ResolverFunc(func(ctx context.Context, domain string) (tenant.Space, error) {
		return tenant.Space{}, context.Canceled
	})

	handler := ResolveFromHost(resolver, Config{})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler must not run for unresolved tenants")
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "nobody.test"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}
