package service

import (
	"context"
	"errors"
	"fmt"
)

// Errors surfaced by storage drivers. Adapters map backend-specific failures
// onto these sentinels; callers branch with errors.Is.
var (
	// ErrTenantIDTaken is returned by creation when the id is occupied.
	ErrTenantIDTaken = errors.New("tenant id already exists")
	// ErrDomainTaken is returned when a requested domain is already
	// indexed to another tenant. Uniqueness violations are reported,
	// never resolved last-writer-wins.
	ErrDomainTaken = errors.New("domain already belongs to another tenant")
	// ErrTenantNotFound is returned when an operation addresses a tenant
	// id with no record, including stale ids on Update/Delete.
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrTenantUnidentified is returned by domain lookups that hit no
	// index entry.
	ErrTenantUnidentified = errors.New("tenant could not be identified from domain")
	// ErrNoDefaultTenant is returned by attribute operations called with
	// a nil tenant on a driver without a default tenant.
	ErrNoDefaultTenant = errors.New("no tenant given and no default tenant set")
	// ErrReservedAttribute is returned when an attribute key collides
	// with the store's reserved namespace.
	ErrReservedAttribute = errors.New("attribute key is reserved")
)

// ConnectionError wraps a transport-level failure against the backing
// store. State is unspecified only for the interrupted atomic unit; callers
// may retry the whole operation.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("storage connection: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// StorageDriver is the full driver contract for the tenant store. Every
// multi-key mutation (Create, Update, Delete) executes as a single atomic
// unit against the backend: a concurrent reader never observes a record
// without its index entries or vice versa.
type StorageDriver interface {
	// EnsureCreatable checks id and domain uniqueness ahead of Create.
	// It is a cheap pre-flight, not the correctness mechanism: Create
	// claims domains conditionally inside its transaction and reports
	// the same errors when a concurrent writer wins the race.
	EnsureCreatable(ctx context.Context, t Tenant) error

	// Create writes the tenant record and all domain index entries in
	// one atomic unit. Fails with ErrTenantIDTaken or ErrDomainTaken
	// leaving the store unchanged.
	Create(ctx context.Context, t Tenant) error

	// Update replaces the record and reconciles the domain index against
	// the previously stored domain list: entries for dropped domains are
	// deleted, entries for the new list upserted, all in one atomic
	// unit. Fails with ErrTenantNotFound for unknown ids and with
	// ErrDomainTaken when a newly requested domain is indexed to a
	// different tenant.
	Update(ctx context.Context, t Tenant) error

	// Delete removes the record and every domain index entry it owns in
	// one atomic unit. Fails with ErrTenantNotFound for unknown ids.
	Delete(ctx context.Context, t Tenant) error

	// FindByID reads a tenant record. The returned Tenant carries the
	// stored domain list; the reserved bookkeeping field never appears
	// in Data.
	FindByID(ctx context.Context, id string) (Tenant, error)

	// FindByDomain resolves a domain through the index, then the record.
	FindByDomain(ctx context.Context, domain string) (Tenant, error)

	// All fetches the given ids, failing with ErrTenantNotFound if any
	// is missing. With no ids it enumerates every record in the
	// namespace; cost is proportional to store size.
	All(ctx context.Context, ids ...string) ([]Tenant, error)

	// Attribute-level access. A nil tenant selects the driver's default
	// tenant; reserved keys are rejected. GetMany preserves input key
	// order and performs one batch fetch; PutMany is a single write.
	Get(ctx context.Context, key string, t *Tenant) (Value, error)
	GetMany(ctx context.Context, keys []string, t *Tenant) ([]Value, error)
	Put(ctx context.Context, key string, value any, t *Tenant) error
	PutMany(ctx context.Context, values map[string]any, t *Tenant) error
	DeleteMany(ctx context.Context, keys []string, t *Tenant) error

	// WithDefaultTenant sets the tenant used by attribute operations when
	// none is passed explicitly. The override is stateful for the
	// lifetime of the driver instance and returns the driver for
	// chaining.
	WithDefaultTenant(t Tenant) StorageDriver
}
