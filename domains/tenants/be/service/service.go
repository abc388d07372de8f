package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tenancykit/tenancy/platform/go/tenantkey"
)

// ErrInvalidTenant marks input rejected before it reaches a driver.
var ErrInvalidTenant = errors.New("invalid tenant")

// Service provides tenant store operations on top of a StorageDriver,
// adding input validation, id generation and mutation logging.
type Service struct {
	driver StorageDriver
	logger *zap.Logger
}

// New constructs a Service with required dependencies.
func New(driver StorageDriver, logger *zap.Logger) *Service {
	if driver == nil {
		panic("storage driver is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{driver: driver, logger: logger}
}

// CreateInput represents the request to create a tenant. An empty ID asks
// the service to assign one.
type CreateInput struct {
	ID      string
	Domains []string
	Data    map[string]any
}

// Create validates the input, assigns an id when none is given, and writes
// the tenant through the driver.
func (s *Service) Create(ctx context.Context, input CreateInput) (Tenant, error) {
	t := Tenant{ID: input.ID, Domains: input.Domains, Data: input.Data}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := validateTenant(t); err != nil {
		return Tenant{}, err
	}

	if err := s.driver.EnsureCreatable(ctx, t); err != nil {
		return Tenant{}, err
	}
	if err := s.driver.Create(ctx, t); err != nil {
		return Tenant{}, err
	}

	s.logger.Info("tenant created",
		zap.String("tenant_id", t.ID),
		zap.Strings("domains", t.Domains),
	)
	return t, nil
}

// Update replaces a tenant's attribute bag and domain set.
func (s *Service) Update(ctx context.Context, t Tenant) (Tenant, error) {
	if err := validateTenant(t); err != nil {
		return Tenant{}, err
	}
	if err := s.driver.Update(ctx, t); err != nil {
		return Tenant{}, err
	}

	s.logger.Info("tenant updated",
		zap.String("tenant_id", t.ID),
		zap.Strings("domains", t.Domains),
	)
	return t, nil
}

// Delete removes a tenant record together with its domain index entries.
func (s *Service) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidTenant)
	}
	if err := s.driver.Delete(ctx, Tenant{ID: id}); err != nil {
		return err
	}

	s.logger.Info("tenant deleted", zap.String("tenant_id", id))
	return nil
}

// FindByID returns a tenant by id.
func (s *Service) FindByID(ctx context.Context, id string) (Tenant, error) {
	return s.driver.FindByID(ctx, id)
}

// FindByDomain resolves a tenant from one of its domains.
func (s *Service) FindByDomain(ctx context.Context, domain string) (Tenant, error) {
	return s.driver.FindByDomain(ctx, domain)
}

// All lists the given tenants, or every tenant when no ids are passed.
func (s *Service) All(ctx context.Context, ids ...string) ([]Tenant, error) {
	return s.driver.All(ctx, ids...)
}

// Get reads a single attribute of a tenant.
func (s *Service) Get(ctx context.Context, key string, t *Tenant) (Value, error) {
	return s.driver.Get(ctx, key, t)
}

// GetMany reads a batch of attributes in input key order.
func (s *Service) GetMany(ctx context.Context, keys []string, t *Tenant) ([]Value, error) {
	return s.driver.GetMany(ctx, keys, t)
}

// Put writes a single attribute of a tenant.
func (s *Service) Put(ctx context.Context, key string, value any, t *Tenant) error {
	return s.driver.Put(ctx, key, value, t)
}

// PutMany writes a batch of attributes in one call.
func (s *Service) PutMany(ctx context.Context, values map[string]any, t *Tenant) error {
	return s.driver.PutMany(ctx, values, t)
}

// DeleteMany removes attributes from a tenant record.
func (s *Service) DeleteMany(ctx context.Context, keys []string, t *Tenant) error {
	return s.driver.DeleteMany(ctx, keys, t)
}

func validateTenant(t Tenant) error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidTenant)
	}
	seen := make(map[string]struct{}, len(t.Domains))
	for _, d := range t.Domains {
		if strings.TrimSpace(d) == "" {
			return fmt.Errorf("%w: tenant %s: empty domain name", ErrInvalidTenant, t.ID)
		}
		if _, dup := seen[d]; dup {
			return fmt.Errorf("%w: tenant %s: duplicate domain %q", ErrInvalidTenant, t.ID, d)
		}
		seen[d] = struct{}{}
	}
	for key := range t.Data {
		if tenantkey.Reserved(key) {
			return fmt.Errorf("tenant %s: attribute %q: %w", t.ID, key, ErrReservedAttribute)
		}
	}
	return nil
}
