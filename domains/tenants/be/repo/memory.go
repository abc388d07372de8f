package repo

import (
	"context"
	"sort"
	"sync"

	"github.com/tenancykit/tenancy/domains/tenants/be/service"
	"github.com/tenancykit/tenancy/platform/go/codec"
)

// memoryRecord mirrors the persisted layout of the hash backend: attribute
// values are kept in their encoded string form and decoded on read, so the
// in-memory driver exercises the exact same codec path as Redis.
type memoryRecord struct {
	domains []string
	fields  map[string]string
}

// MemoryDriver is an in-memory StorageDriver suitable for tests and early
// development. Safe for concurrent use.
type MemoryDriver struct {
	tenantDefault

	mu       sync.RWMutex
	records  map[string]*memoryRecord
	byDomain map[string]string
}

// NewMemoryDriver constructs a MemoryDriver.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{
		records:  make(map[string]*memoryRecord),
		byDomain: make(map[string]string),
	}
}

func (d *MemoryDriver) EnsureCreatable(ctx context.Context, t service.Tenant) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.creatableLocked(t)
}

func (d *MemoryDriver) creatableLocked(t service.Tenant) error {
	if _, exists := d.records[t.ID]; exists {
		return service.ErrTenantIDTaken
	}
	for _, dom := range t.Domains {
		if _, exists := d.byDomain[dom]; exists {
			return service.ErrDomainTaken
		}
	}
	return nil
}

func (d *MemoryDriver) Create(ctx context.Context, t service.Tenant) error {
	fields, err := encodeAttributes(t.Data)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// The availability check runs under the same write lock as the claim,
	// which is this driver's equivalent of a conditional set.
	if err := d.creatableLocked(t); err != nil {
		return err
	}

	for _, dom := range t.Domains {
		d.byDomain[dom] = t.ID
	}
	d.records[t.ID] = &memoryRecord{
		domains: append([]string(nil), t.Domains...),
		fields:  fields,
	}
	return nil
}

func (d *MemoryDriver) Update(ctx context.Context, t service.Tenant) error {
	fields, err := encodeAttributes(t.Data)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.records[t.ID]
	if !ok {
		return service.ErrTenantNotFound
	}

	for _, dom := range addedDomains(t.Domains, rec.domains) {
		if owner, exists := d.byDomain[dom]; exists && owner != t.ID {
			return service.ErrDomainTaken
		}
	}

	for _, dom := range removedDomains(rec.domains, t.Domains) {
		delete(d.byDomain, dom)
	}
	for _, dom := range t.Domains {
		d.byDomain[dom] = t.ID
	}

	rec.domains = append([]string(nil), t.Domains...)
	rec.fields = fields
	return nil
}

func (d *MemoryDriver) Delete(ctx context.Context, t service.Tenant) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.records[t.ID]
	if !ok {
		return service.ErrTenantNotFound
	}

	for _, dom := range rec.domains {
		delete(d.byDomain, dom)
	}
	delete(d.records, t.ID)
	return nil
}

func (d *MemoryDriver) FindByID(ctx context.Context, id string) (service.Tenant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.findLocked(id)
}

func (d *MemoryDriver) findLocked(id string) (service.Tenant, error) {
	rec, ok := d.records[id]
	if !ok {
		return service.Tenant{}, service.ErrTenantNotFound
	}

	data, err := decodeAttributes(rec.fields)
	if err != nil {
		return service.Tenant{}, err
	}
	return service.Tenant{
		ID:      id,
		Domains: append([]string(nil), rec.domains...),
		Data:    data,
	}, nil
}

func (d *MemoryDriver) FindByDomain(ctx context.Context, domain string) (service.Tenant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	id, ok := d.byDomain[domain]
	if !ok {
		return service.Tenant{}, service.ErrTenantUnidentified
	}
	return d.findLocked(id)
}

func (d *MemoryDriver) All(ctx context.Context, ids ...string) ([]service.Tenant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if len(ids) == 0 {
		ids = make([]string, 0, len(d.records))
		for id := range d.records {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}

	tenants := make([]service.Tenant, 0, len(ids))
	for _, id := range ids {
		t, err := d.findLocked(id)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, nil
}

func (d *MemoryDriver) Get(ctx context.Context, key string, t *service.Tenant) (service.Value, error) {
	if err := checkAttributeKeys(key); err != nil {
		return service.Value{}, err
	}
	target, err := d.resolve(t)
	if err != nil {
		return service.Value{}, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.records[target.ID]
	if !ok {
		return service.Absent, nil
	}
	raw, ok := rec.fields[key]
	if !ok {
		return service.Absent, nil
	}

	value, err := codec.Decode(raw)
	if err != nil {
		return service.Value{}, err
	}
	return service.Some(value), nil
}

func (d *MemoryDriver) GetMany(ctx context.Context, keys []string, t *service.Tenant) ([]service.Value, error) {
	if err := checkAttributeKeys(keys...); err != nil {
		return nil, err
	}
	target, err := d.resolve(t)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	values := make([]service.Value, len(keys))
	rec, ok := d.records[target.ID]
	if !ok {
		return values, nil
	}

	for i, key := range keys {
		raw, ok := rec.fields[key]
		if !ok {
			continue
		}
		value, err := codec.Decode(raw)
		if err != nil {
			return nil, err
		}
		values[i] = service.Some(value)
	}
	return values, nil
}

func (d *MemoryDriver) Put(ctx context.Context, key string, value any, t *service.Tenant) error {
	return d.PutMany(ctx, map[string]any{key: value}, t)
}

func (d *MemoryDriver) PutMany(ctx context.Context, values map[string]any, t *service.Tenant) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	if err := checkAttributeKeys(keys...); err != nil {
		return err
	}
	target, err := d.resolve(t)
	if err != nil {
		return err
	}

	encoded, err := encodeAttributes(values)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.records[target.ID]
	if !ok {
		// Hash backends create the record implicitly on first write;
		// the in-memory driver matches.
		rec = &memoryRecord{fields: make(map[string]string)}
		d.records[target.ID] = rec
	}
	for key, raw := range encoded {
		rec.fields[key] = raw
	}
	return nil
}

func (d *MemoryDriver) DeleteMany(ctx context.Context, keys []string, t *service.Tenant) error {
	if err := checkAttributeKeys(keys...); err != nil {
		return err
	}
	target, err := d.resolve(t)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.records[target.ID]
	if !ok {
		return nil
	}
	for _, key := range keys {
		delete(rec.fields, key)
	}
	return nil
}

func (d *MemoryDriver) WithDefaultTenant(t service.Tenant) service.StorageDriver {
	d.set(t)
	return d
}

// encodeAttributes serializes an attribute bag into per-field JSON payloads.
func encodeAttributes(data map[string]any) (map[string]string, error) {
	fields := make(map[string]string, len(data))
	for key, value := range data {
		raw, err := codec.Encode(value)
		if err != nil {
			return nil, err
		}
		fields[key] = raw
	}
	return fields, nil
}

// decodeAttributes is the inverse of encodeAttributes.
func decodeAttributes(fields map[string]string) (map[string]any, error) {
	data := make(map[string]any, len(fields))
	for key, raw := range fields {
		value, err := codec.Decode(raw)
		if err != nil {
			return nil, err
		}
		data[key] = value
	}
	return data, nil
}

// Ensure interface compliance.
var _ service.StorageDriver = (*MemoryDriver)(nil)
