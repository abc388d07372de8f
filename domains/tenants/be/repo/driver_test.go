package repo

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tenancykit/tenancy/domains/tenants/be/service"
)

// driverFactory returns a fresh, empty driver per subtest.
type driverFactory func(t *testing.T) service.StorageDriver

// testDriver is the conformance suite every StorageDriver variant must pass.
func testDriver(t *testing.T, newDriver driverFactory) {
	ctx := context.Background()

	t.Run("create and find by domain", func(t *testing.T) {
		d := newDriver(t)
		tenant := service.Tenant{
			ID:      "t1",
			Domains: []string{"a.test"},
			Data:    map[string]any{"plan": "pro"},
		}
		require.NoError(t, d.EnsureCreatable(ctx, tenant))
		require.NoError(t, d.Create(ctx, tenant))

		got, err := d.FindByDomain(ctx, "a.test")
		require.NoError(t, err)
		require.Equal(t, "t1", got.ID)
		require.Equal(t, []string{"a.test"}, got.Domains)
		require.Equal(t, "pro", got.Data["plan"])

		byID, err := d.FindByID(ctx, "t1")
		require.NoError(t, err)
		require.Equal(t, got, byID)
	})

	t.Run("domain conflict on create leaves store unchanged", func(t *testing.T) {
		d := newDriver(t)
		require.NoError(t, d.Create(ctx, service.Tenant{ID: "t1", Domains: []string{"a.test"}}))

		second := service.Tenant{ID: "t2", Domains: []string{"b.test", "a.test"}}
		require.ErrorIs(t, d.EnsureCreatable(ctx, second), service.ErrDomainTaken)
		require.ErrorIs(t, d.Create(ctx, second), service.ErrDomainTaken)

		got, err := d.FindByDomain(ctx, "a.test")
		require.NoError(t, err)
		require.Equal(t, "t1", got.ID)

		// Neither the record nor the b.test index entry may survive the
		// failed creation.
		_, err = d.FindByID(ctx, "t2")
		require.ErrorIs(t, err, service.ErrTenantNotFound)
		_, err = d.FindByDomain(ctx, "b.test")
		require.ErrorIs(t, err, service.ErrTenantUnidentified)
	})

	t.Run("id conflict on create", func(t *testing.T) {
		d := newDriver(t)
		require.NoError(t, d.Create(ctx, service.Tenant{ID: "t1", Domains: []string{"a.test"}}))

		dup := service.Tenant{ID: "t1", Domains: []string{"other.test"}}
		require.ErrorIs(t, d.EnsureCreatable(ctx, dup), service.ErrTenantIDTaken)
		require.ErrorIs(t, d.Create(ctx, dup), service.ErrTenantIDTaken)

		_, err := d.FindByDomain(ctx, "other.test")
		require.ErrorIs(t, err, service.ErrTenantUnidentified)
	})

	t.Run("update moves domains", func(t *testing.T) {
		d := newDriver(t)
		require.NoError(t, d.Create(ctx, service.Tenant{ID: "t1", Domains: []string{"a.test"}}))

		require.NoError(t, d.Update(ctx, service.Tenant{ID: "t1", Domains: []string{"b.test"}}))

		_, err := d.FindByDomain(ctx, "a.test")
		require.ErrorIs(t, err, service.ErrTenantUnidentified)

		got, err := d.FindByDomain(ctx, "b.test")
		require.NoError(t, err)
		require.Equal(t, "t1", got.ID)
		require.Equal(t, []string{"b.test"}, got.Domains)
	})

	t.Run("update keeps and adds domains", func(t *testing.T) {
		d := newDriver(t)
		require.NoError(t, d.Create(ctx, service.Tenant{ID: "t1", Domains: []string{"a.test"}}))

		require.NoError(t, d.Update(ctx, service.Tenant{ID: "t1", Domains: []string{"a.test", "b.test"}}))

		for _, dom := range []string{"a.test", "b.test"} {
			got, err := d.FindByDomain(ctx, dom)
			require.NoError(t, err)
			require.Equal(t, "t1", got.ID)
		}
	})

	t.Run("update of unknown tenant", func(t *testing.T) {
		d := newDriver(t)
		err := d.Update(ctx, service.Tenant{ID: "ghost", Domains: []string{"a.test"}})
		require.ErrorIs(t, err, service.ErrTenantNotFound)
	})

	t.Run("update cannot steal a domain", func(t *testing.T) {
		d := newDriver(t)
		require.NoError(t, d.Create(ctx, service.Tenant{ID: "t1", Domains: []string{"a.test"}}))
		require.NoError(t, d.Create(ctx, service.Tenant{ID: "t2", Domains: []string{"b.test"}}))

		err := d.Update(ctx, service.Tenant{ID: "t2", Domains: []string{"b.test", "a.test"}})
		require.ErrorIs(t, err, service.ErrDomainTaken)

		got, err := d.FindByDomain(ctx, "a.test")
		require.NoError(t, err)
		require.Equal(t, "t1", got.ID)
	})

	t.Run("update replaces the attribute bag", func(t *testing.T) {
		d := newDriver(t)
		require.NoError(t, d.Create(ctx, service.Tenant{
			ID:      "t1",
			Domains: []string{"a.test"},
			Data:    map[string]any{"plan": "pro", "seats": 5},
		}))

		require.NoError(t, d.Update(ctx, service.Tenant{
			ID:      "t1",
			Domains: []string{"a.test"},
			Data:    map[string]any{"plan": "free"},
		}))

		got, err := d.FindByID(ctx, "t1")
		require.NoError(t, err)
		require.Equal(t, "free", got.Data["plan"])
		require.NotContains(t, got.Data, "seats")
	})

	t.Run("delete removes record and index entries", func(t *testing.T) {
		d := newDriver(t)
		require.NoError(t, d.Create(ctx, service.Tenant{ID: "t1", Domains: []string{"a.test", "b.test"}}))

		require.NoError(t, d.Delete(ctx, service.Tenant{ID: "t1"}))

		_, err := d.FindByID(ctx, "t1")
		require.ErrorIs(t, err, service.ErrTenantNotFound)
		for _, dom := range []string{"a.test", "b.test"} {
			_, err := d.FindByDomain(ctx, dom)
			require.ErrorIs(t, err, service.ErrTenantUnidentified)
		}
	})

	t.Run("delete of unknown tenant", func(t *testing.T) {
		d := newDriver(t)
		err := d.Delete(ctx, service.Tenant{ID: "ghost"})
		require.ErrorIs(t, err, service.ErrTenantNotFound)
	})

	t.Run("domains freed by delete are reusable", func(t *testing.T) {
		d := newDriver(t)
		require.NoError(t, d.Create(ctx, service.Tenant{ID: "t1", Domains: []string{"a.test"}}))
		require.NoError(t, d.Delete(ctx, service.Tenant{ID: "t1"}))

		require.NoError(t, d.Create(ctx, service.Tenant{ID: "t2", Domains: []string{"a.test"}}))
		got, err := d.FindByDomain(ctx, "a.test")
		require.NoError(t, err)
		require.Equal(t, "t2", got.ID)
	})

	t.Run("attribute batch matches single reads", func(t *testing.T) {
		d := newDriver(t)
		tenant := service.Tenant{ID: "t1", Domains: []string{"a.test"}}
		require.NoError(t, d.Create(ctx, tenant))

		require.NoError(t, d.PutMany(ctx, map[string]any{"x": 1, "y": 2}, &tenant))

		values, err := d.GetMany(ctx, []string{"x", "y", "z"}, &tenant)
		require.NoError(t, err)
		require.Len(t, values, 3)
		require.Equal(t, service.Some(json.Number("1")), values[0])
		require.Equal(t, service.Some(json.Number("2")), values[1])
		require.Equal(t, service.Absent, values[2])

		// Batch reads must agree with point reads, in input key order.
		for i, key := range []string{"x", "y", "z"} {
			single, err := d.Get(ctx, key, &tenant)
			require.NoError(t, err)
			require.Equal(t, values[i], single)
		}
	})

	t.Run("absent is distinct from stored null", func(t *testing.T) {
		d := newDriver(t)
		tenant := service.Tenant{ID: "t1", Domains: []string{"a.test"}}
		require.NoError(t, d.Create(ctx, tenant))

		require.NoError(t, d.Put(ctx, "trial_ends", nil, &tenant))

		stored, err := d.Get(ctx, "trial_ends", &tenant)
		require.NoError(t, err)
		require.True(t, stored.Present)
		require.Nil(t, stored.Data)

		missing, err := d.Get(ctx, "never_set", &tenant)
		require.NoError(t, err)
		require.False(t, missing.Present)
	})

	t.Run("delete many removes attributes", func(t *testing.T) {
		d := newDriver(t)
		tenant := service.Tenant{ID: "t1", Domains: []string{"a.test"}}
		require.NoError(t, d.Create(ctx, tenant))
		require.NoError(t, d.PutMany(ctx, map[string]any{"x": 1, "y": 2, "z": 3}, &tenant))

		require.NoError(t, d.DeleteMany(ctx, []string{"x", "z"}, &tenant))

		values, err := d.GetMany(ctx, []string{"x", "y", "z"}, &tenant)
		require.NoError(t, err)
		require.Equal(t, service.Absent, values[0])
		require.Equal(t, service.Some(json.Number("2")), values[1])
		require.Equal(t, service.Absent, values[2])
	})

	t.Run("attribute values round-trip", func(t *testing.T) {
		d := newDriver(t)
		tenant := service.Tenant{ID: "t1", Domains: []string{"a.test"}}
		require.NoError(t, d.Create(ctx, tenant))

		nested := map[string]any{
			"plan":   "pro",
			"limits": map[string]any{"seats": json.Number("10"), "ratio": json.Number("0.5")},
			"hosts":  []any{"a.test", "b.test"},
			"empty":  map[string]any{},
			"none":   nil,
		}
		require.NoError(t, d.Put(ctx, "settings", nested, &tenant))

		got, err := d.Get(ctx, "settings", &tenant)
		require.NoError(t, err)
		require.True(t, got.Present)
		require.Equal(t, nested, got.Data)
	})

	t.Run("reserved attribute keys are rejected", func(t *testing.T) {
		d := newDriver(t)
		tenant := service.Tenant{ID: "t1", Domains: []string{"a.test"}}
		require.NoError(t, d.Create(ctx, tenant))

		err := d.Put(ctx, "_tenancy_domains", []string{"stolen.test"}, &tenant)
		require.ErrorIs(t, err, service.ErrReservedAttribute)

		_, err = d.Get(ctx, "_tenancy_domains", &tenant)
		require.ErrorIs(t, err, service.ErrReservedAttribute)

		_, err = d.GetMany(ctx, []string{"plan", "_tenancy_domains"}, &tenant)
		require.ErrorIs(t, err, service.ErrReservedAttribute)

		err = d.DeleteMany(ctx, []string{"_tenancy_domains"}, &tenant)
		require.ErrorIs(t, err, service.ErrReservedAttribute)

		// The record's domain list must be untouched by the attempts.
		got, err := d.FindByID(ctx, "t1")
		require.NoError(t, err)
		require.Equal(t, []string{"a.test"}, got.Domains)
	})

	t.Run("domain list never leaks into the attribute bag", func(t *testing.T) {
		d := newDriver(t)
		require.NoError(t, d.Create(ctx, service.Tenant{
			ID:      "t1",
			Domains: []string{"a.test"},
			Data:    map[string]any{"plan": "pro"},
		}))

		got, err := d.FindByID(ctx, "t1")
		require.NoError(t, err)
		require.NotContains(t, got.Data, "_tenancy_domains")
	})

	t.Run("default tenant", func(t *testing.T) {
		d := newDriver(t)
		tenant := service.Tenant{ID: "t1", Domains: []string{"a.test"}}
		require.NoError(t, d.Create(ctx, tenant))

		_, err := d.Get(ctx, "plan", nil)
		require.ErrorIs(t, err, service.ErrNoDefaultTenant)

		d = d.WithDefaultTenant(tenant)
		require.NoError(t, d.Put(ctx, "plan", "pro", nil))

		got, err := d.Get(ctx, "plan", nil)
		require.NoError(t, err)
		require.Equal(t, service.Some("pro"), got)

		// An explicit tenant overrides the default.
		other := service.Tenant{ID: "t2"}
		missing, err := d.Get(ctx, "plan", &other)
		require.NoError(t, err)
		require.Equal(t, service.Absent, missing)
	})

	t.Run("all with ids", func(t *testing.T) {
		d := newDriver(t)
		require.NoError(t, d.Create(ctx, service.Tenant{ID: "t1", Domains: []string{"a.test"}}))
		require.NoError(t, d.Create(ctx, service.Tenant{ID: "t2", Domains: []string{"b.test"}}))

		tenants, err := d.All(ctx, "t2", "t1")
		require.NoError(t, err)
		require.Len(t, tenants, 2)
		require.Equal(t, "t2", tenants[0].ID)
		require.Equal(t, "t1", tenants[1].ID)

		_, err = d.All(ctx, "t1", "ghost")
		require.ErrorIs(t, err, service.ErrTenantNotFound)
	})

	t.Run("all enumerates the namespace", func(t *testing.T) {
		d := newDriver(t)
		for _, id := range []string{"t3", "t1", "t2"} {
			require.NoError(t, d.Create(ctx, service.Tenant{ID: id, Domains: []string{id + ".test"}}))
		}

		tenants, err := d.All(ctx)
		require.NoError(t, err)
		require.Len(t, tenants, 3)
		ids := []string{tenants[0].ID, tenants[1].ID, tenants[2].ID}
		require.Equal(t, []string{"t1", "t2", "t3"}, ids)
	})

	t.Run("create with no domains", func(t *testing.T) {
		d := newDriver(t)
		require.NoError(t, d.EnsureCreatable(ctx, service.Tenant{ID: "t1"}))
		require.NoError(t, d.Create(ctx, service.Tenant{ID: "t1"}))

		got, err := d.FindByID(ctx, "t1")
		require.NoError(t, err)
		require.Empty(t, got.Domains)
	})
}

func TestMemoryDriver(t *testing.T) {
	testDriver(t, func(t *testing.T) service.StorageDriver {
		return NewMemoryDriver()
	})
}

func TestMemoryDriverConcurrentCreates(t *testing.T) {
	// Two racing creations of the same domain: exactly one wins.
	d := NewMemoryDriver()
	ctx := context.Background()

	const attempts = 50
	errs := make(chan error, attempts*2)
	for i := 0; i < attempts; i++ {
		dom := uuid.NewString() + ".test"
		for _, id := range []string{uuid.NewString(), uuid.NewString()} {
			go func(id string) {
				errs <- d.Create(ctx, service.Tenant{ID: id, Domains: []string{dom}})
			}(id)
		}
	}

	var conflicts int
	for i := 0; i < attempts*2; i++ {
		if err := <-errs; err != nil {
			require.ErrorIs(t, err, service.ErrDomainTaken)
			conflicts++
		}
	}
	require.Equal(t, attempts, conflicts)
}
