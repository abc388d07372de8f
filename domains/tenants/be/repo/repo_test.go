package repo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tenancykit/tenancy/domains/tenants/be/service"
)

func TestRemovedDomains(t *testing.T) {
	require.Equal(t, []string{"a.test"}, removedDomains([]string{"a.test", "b.test"}, []string{"b.test", "c.test"}))
	require.Nil(t, removedDomains([]string{"a.test"}, []string{"a.test"}))
	require.Equal(t, []string{"a.test", "b.test"}, removedDomains([]string{"a.test", "b.test"}, nil))
	require.Nil(t, removedDomains(nil, []string{"a.test"}))
}

func TestAddedDomains(t *testing.T) {
	require.Equal(t, []string{"c.test"}, addedDomains([]string{"b.test", "c.test"}, []string{"a.test", "b.test"}))
	require.Nil(t, addedDomains([]string{"a.test"}, []string{"a.test"}))
	require.Equal(t, []string{"a.test"}, addedDomains([]string{"a.test"}, nil))
}

func TestWrapConn(t *testing.T) {
	require.NoError(t, wrapConn("op", nil))

	// Contract sentinels pass through untouched.
	require.ErrorIs(t, wrapConn("op", service.ErrDomainTaken), service.ErrDomainTaken)
	require.ErrorIs(t, wrapConn("op", service.ErrTenantNotFound), service.ErrTenantNotFound)

	// Anything else becomes a connection error.
	err := wrapConn("read tenant record", errRefused)
	var connErr *service.ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.ErrorIs(t, err, errRefused)

	// Already-wrapped errors are not wrapped twice.
	require.Same(t, err, wrapConn("outer", err))
}

var errRefused = &netError{}

type netError struct{}

func (*netError) Error() string { return "connection refused" }

func TestTenantDefault(t *testing.T) {
	var d tenantDefault

	_, err := d.resolve(nil)
	require.ErrorIs(t, err, service.ErrNoDefaultTenant)

	explicit := service.Tenant{ID: "t1"}
	got, err := d.resolve(&explicit)
	require.NoError(t, err)
	require.Equal(t, "t1", got.ID)

	d.set(service.Tenant{ID: "t2"})
	got, err = d.resolve(nil)
	require.NoError(t, err)
	require.Equal(t, "t2", got.ID)

	// Explicit tenant still wins over the default.
	got, err = d.resolve(&explicit)
	require.NoError(t, err)
	require.Equal(t, "t1", got.ID)
}
