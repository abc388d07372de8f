// Package repo provides the storage driver implementations for the tenant
// store: a Redis hash-backed driver, a Postgres relational driver, and an
// in-memory driver for tests and local development. All three satisfy
// service.StorageDriver and share identical semantics.
package repo

import (
	"errors"
	"sync"

	"github.com/tenancykit/tenancy/domains/tenants/be/service"
	"github.com/tenancykit/tenancy/platform/go/codec"
	"github.com/tenancykit/tenancy/platform/go/tenantkey"
)

// removedDomains returns the entries of old absent from new, in old's order.
// This delta is what keeps the domain index free of orphaned entries when a
// tenant's domain set shrinks on update.
func removedDomains(old, new []string) []string {
	keep := make(map[string]struct{}, len(new))
	for _, d := range new {
		keep[d] = struct{}{}
	}

	var removed []string
	for _, d := range old {
		if _, ok := keep[d]; !ok {
			removed = append(removed, d)
		}
	}
	return removed
}

// addedDomains returns the entries of new absent from old, in new's order.
func addedDomains(new, old []string) []string {
	had := make(map[string]struct{}, len(old))
	for _, d := range old {
		had[d] = struct{}{}
	}

	var added []string
	for _, d := range new {
		if _, ok := had[d]; !ok {
			added = append(added, d)
		}
	}
	return added
}

// checkAttributeKeys rejects attribute names in the store's reserved
// namespace before they reach a backend.
func checkAttributeKeys(keys ...string) error {
	for _, key := range keys {
		if tenantkey.Reserved(key) {
			return service.ErrReservedAttribute
		}
	}
	return nil
}

// wrapConn classifies a driver-level error: contract sentinels and codec
// errors pass through untouched, anything else is a transport failure.
func wrapConn(op string, err error) error {
	if err == nil {
		return nil
	}

	for _, sentinel := range []error{
		service.ErrTenantIDTaken,
		service.ErrDomainTaken,
		service.ErrTenantNotFound,
		service.ErrTenantUnidentified,
		service.ErrNoDefaultTenant,
		service.ErrReservedAttribute,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}

	var encErr *codec.EncodeError
	var decErr *codec.DecodeError
	var connErr *service.ConnectionError
	if errors.As(err, &encErr) || errors.As(err, &decErr) || errors.As(err, &connErr) {
		return err
	}

	return &service.ConnectionError{Op: op, Err: err}
}

// tenantDefault carries a driver instance's ambient tenant for attribute
// operations called without an explicit tenant.
type tenantDefault struct {
	mu  sync.RWMutex
	def *service.Tenant
}

func (d *tenantDefault) set(t service.Tenant) {
	clone := t.Clone()
	d.mu.Lock()
	d.def = &clone
	d.mu.Unlock()
}

// resolve picks the explicit tenant when given, otherwise the default.
func (d *tenantDefault) resolve(t *service.Tenant) (service.Tenant, error) {
	if t != nil {
		return *t, nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.def == nil {
		return service.Tenant{}, service.ErrNoDefaultTenant
	}
	return *d.def, nil
}
