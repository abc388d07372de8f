package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/tenancykit/tenancy/domains/tenants/be/service"
	"github.com/tenancykit/tenancy/platform/go/codec"
	"github.com/tenancykit/tenancy/platform/go/tenantkey"
)

// maxTxRetries bounds WATCH/MULTI/EXEC reruns when a watched key is touched
// by a concurrent writer between the checks and EXEC.
const maxTxRetries = 3

// RedisDriver is the key-value-hash StorageDriver. Persisted layout:
//
//	tenants:{id}     hash of attribute name -> JSON payload, plus the
//	                 reserved _tenancy_domains field (JSON array of domains)
//	domains:{domain} hash with field tenant_id -> owning tenant id
//
// Multi-key mutations run as WATCH-guarded MULTI/EXEC transactions so a
// concurrent reader never observes a record without its index entries.
type RedisDriver struct {
	tenantDefault

	rdb redis.UniversalClient
}

// NewRedisDriver constructs a RedisDriver on an established client.
func NewRedisDriver(rdb redis.UniversalClient) *RedisDriver {
	if rdb == nil {
		panic("redis client is required")
	}
	return &RedisDriver{rdb: rdb}
}

func (d *RedisDriver) EnsureCreatable(ctx context.Context, t service.Tenant) error {
	n, err := d.rdb.Exists(ctx, tenantkey.Record(t.ID)).Result()
	if err != nil {
		return wrapConn("check tenant id", err)
	}
	if n > 0 {
		return service.ErrTenantIDTaken
	}

	if len(t.Domains) == 0 {
		return nil
	}

	// One EXISTS over the whole batch, not a round trip per domain.
	n, err = d.rdb.Exists(ctx, domainKeys(t.Domains)...).Result()
	if err != nil {
		return wrapConn("check domains", err)
	}
	if n > 0 {
		return service.ErrDomainTaken
	}
	return nil
}

func (d *RedisDriver) Create(ctx context.Context, t service.Tenant) error {
	fields, err := encodeRecordFields(t)
	if err != nil {
		return err
	}

	recordKey := tenantkey.Record(t.ID)
	watched := append([]string{recordKey}, domainKeys(t.Domains)...)

	return d.watchRetry(ctx, "create tenant", func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, recordKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return service.ErrTenantIDTaken
		}
		if len(t.Domains) > 0 {
			n, err = tx.Exists(ctx, domainKeys(t.Domains)...).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return service.ErrDomainTaken
			}
		}

		claims := make([]*redis.BoolCmd, 0, len(t.Domains))
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, dom := range t.Domains {
				claims = append(claims, pipe.HSetNX(ctx, tenantkey.Domain(dom), tenantkey.DomainIDField, t.ID))
			}
			pipe.HSet(ctx, recordKey, fields)
			return nil
		})
		if err != nil {
			return err
		}

		// The conditional claim is the authoritative uniqueness check:
		// a lost HSETNX means another writer held the domain.
		for _, claim := range claims {
			if !claim.Val() {
				return service.ErrDomainTaken
			}
		}
		return nil
	}, watched...)
}

func (d *RedisDriver) Update(ctx context.Context, t service.Tenant) error {
	fields, err := encodeRecordFields(t)
	if err != nil {
		return err
	}

	recordKey := tenantkey.Record(t.ID)

	return d.watchRetry(ctx, "update tenant", func(tx *redis.Tx) error {
		rawDomains, err := tx.HGet(ctx, recordKey, tenantkey.DomainsField).Result()
		if errors.Is(err, redis.Nil) {
			return service.ErrTenantNotFound
		}
		if err != nil {
			return err
		}
		oldDomains, err := decodeDomains(rawDomains)
		if err != nil {
			return err
		}

		removed := removedDomains(oldDomains, t.Domains)
		added := addedDomains(t.Domains, oldDomains)

		// The record key is watched from the start; extend the watch to
		// every index entry this transaction will touch.
		touched := append(domainKeys(removed), domainKeys(t.Domains)...)
		if len(touched) > 0 {
			if err := tx.Watch(ctx, touched...).Err(); err != nil {
				return err
			}
		}

		for _, dom := range added {
			owner, err := tx.HGet(ctx, tenantkey.Domain(dom), tenantkey.DomainIDField).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return err
			}
			if owner != t.ID {
				return service.ErrDomainTaken
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, dom := range removed {
				pipe.Del(ctx, tenantkey.Domain(dom))
			}
			for _, dom := range t.Domains {
				// Idempotent upsert; re-setting a kept domain is harmless.
				pipe.HSet(ctx, tenantkey.Domain(dom), tenantkey.DomainIDField, t.ID)
			}
			// Full record replacement, not a field merge: attributes
			// dropped from the bag must not survive the update.
			pipe.Del(ctx, recordKey)
			pipe.HSet(ctx, recordKey, fields)
			return nil
		})
		return err
	}, recordKey)
}

func (d *RedisDriver) Delete(ctx context.Context, t service.Tenant) error {
	recordKey := tenantkey.Record(t.ID)

	return d.watchRetry(ctx, "delete tenant", func(tx *redis.Tx) error {
		rawDomains, err := tx.HGet(ctx, recordKey, tenantkey.DomainsField).Result()
		if errors.Is(err, redis.Nil) {
			return service.ErrTenantNotFound
		}
		if err != nil {
			return err
		}
		// The stored list, not the caller's copy, decides which index
		// entries go: it is the one the index is consistent with.
		domains, err := decodeDomains(rawDomains)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, dom := range domains {
				pipe.Del(ctx, tenantkey.Domain(dom))
			}
			pipe.Del(ctx, recordKey)
			return nil
		})
		return err
	}, recordKey)
}

func (d *RedisDriver) FindByID(ctx context.Context, id string) (service.Tenant, error) {
	fields, err := d.rdb.HGetAll(ctx, tenantkey.Record(id)).Result()
	if err != nil {
		return service.Tenant{}, wrapConn("read tenant record", err)
	}
	if len(fields) == 0 {
		return service.Tenant{}, service.ErrTenantNotFound
	}
	return tenantFromHash(id, fields)
}

func (d *RedisDriver) FindByDomain(ctx context.Context, domain string) (service.Tenant, error) {
	id, err := d.rdb.HGet(ctx, tenantkey.Domain(domain), tenantkey.DomainIDField).Result()
	if errors.Is(err, redis.Nil) {
		return service.Tenant{}, service.ErrTenantUnidentified
	}
	if err != nil {
		return service.Tenant{}, wrapConn("resolve domain", err)
	}
	return d.FindByID(ctx, id)
}

func (d *RedisDriver) All(ctx context.Context, ids ...string) ([]service.Tenant, error) {
	if len(ids) == 0 {
		scanned, err := d.scanTenantIDs(ctx)
		if err != nil {
			return nil, err
		}
		ids = scanned
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := d.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, tenantkey.Record(id))
		}
		return nil
	})
	if err != nil {
		return nil, wrapConn("fetch tenant records", err)
	}

	tenants := make([]service.Tenant, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			return nil, fmt.Errorf("tenant %q: %w", ids[i], service.ErrTenantNotFound)
		}
		t, err := tenantFromHash(ids[i], fields)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, nil
}

// scanTenantIDs enumerates the record namespace with SCAN (never KEYS) and
// returns the ids sorted for deterministic output.
func (d *RedisDriver) scanTenantIDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := d.rdb.Scan(ctx, 0, tenantkey.RecordPrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		if id, ok := tenantkey.TenantID(iter.Val()); ok {
			ids = append(ids, id)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, wrapConn("scan tenant records", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (d *RedisDriver) Get(ctx context.Context, key string, t *service.Tenant) (service.Value, error) {
	if err := checkAttributeKeys(key); err != nil {
		return service.Value{}, err
	}
	target, err := d.resolve(t)
	if err != nil {
		return service.Value{}, err
	}

	raw, err := d.rdb.HGet(ctx, tenantkey.Record(target.ID), key).Result()
	if errors.Is(err, redis.Nil) {
		return service.Absent, nil
	}
	if err != nil {
		return service.Value{}, wrapConn("read attribute", err)
	}

	value, err := codec.Decode(raw)
	if err != nil {
		return service.Value{}, err
	}
	return service.Some(value), nil
}

func (d *RedisDriver) GetMany(ctx context.Context, keys []string, t *service.Tenant) ([]service.Value, error) {
	if err := checkAttributeKeys(keys...); err != nil {
		return nil, err
	}
	target, err := d.resolve(t)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []service.Value{}, nil
	}

	raws, err := d.rdb.HMGet(ctx, tenantkey.Record(target.ID), keys...).Result()
	if err != nil {
		return nil, wrapConn("read attributes", err)
	}

	values := make([]service.Value, len(keys))
	for i, raw := range raws {
		if raw == nil {
			continue
		}
		payload, ok := raw.(string)
		if !ok {
			return nil, &codec.DecodeError{Err: fmt.Errorf("attribute %q: unexpected payload type %T", keys[i], raw)}
		}
		value, err := codec.Decode(payload)
		if err != nil {
			return nil, err
		}
		values[i] = service.Some(value)
	}
	return values, nil
}

func (d *RedisDriver) Put(ctx context.Context, key string, value any, t *service.Tenant) error {
	return d.PutMany(ctx, map[string]any{key: value}, t)
}

func (d *RedisDriver) PutMany(ctx context.Context, values map[string]any, t *service.Tenant) error {
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
	if len(values) == 0 {
		return nil
	}

	fields, err := encodeAttributes(values)
	if err != nil {
		return err
	}
	if err := d.rdb.HSet(ctx, tenantkey.Record(target.ID), fields).Err(); err != nil {
		return wrapConn("write attributes", err)
	}
	return nil
}

func (d *RedisDriver) DeleteMany(ctx context.Context, keys []string, t *service.Tenant) error {
	if err := checkAttributeKeys(keys...); err != nil {
		return err
	}
	target, err := d.resolve(t)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	if err := d.rdb.HDel(ctx, tenantkey.Record(target.ID), keys...).Err(); err != nil {
		return wrapConn("delete attributes", err)
	}
	return nil
}

func (d *RedisDriver) WithDefaultTenant(t service.Tenant) service.StorageDriver {
	d.set(t)
	return d
}

// watchRetry runs fn under WATCH, rerunning it when a concurrent writer
// invalidates the transaction. The checks inside fn re-execute on every
// attempt, so persistent conflicts surface as their sentinel error rather
// than as a transport failure.
func (d *RedisDriver) watchRetry(ctx context.Context, op string, fn func(tx *redis.Tx) error, keys ...string) error {
	var err error
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err = d.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return wrapConn(op, err)
		}
	}
	return wrapConn(op, err)
}

func domainKeys(domains []string) []string {
	keys := make([]string, len(domains))
	for i, dom := range domains {
		keys[i] = tenantkey.Domain(dom)
	}
	return keys
}

// encodeRecordFields serializes a tenant into its hash representation:
// the attribute bag plus the reserved domain-list field.
func encodeRecordFields(t service.Tenant) (map[string]string, error) {
	fields, err := encodeAttributes(t.Data)
	if err != nil {
		return nil, err
	}

	domains := t.Domains
	if domains == nil {
		domains = []string{}
	}
	rawDomains, err := codec.Encode(domains)
	if err != nil {
		return nil, err
	}
	fields[tenantkey.DomainsField] = rawDomains
	return fields, nil
}

// tenantFromHash rebuilds a Tenant from its stored hash. The reserved
// domain-list field is extracted into Tenant.Domains and never exposed
// through Data.
func tenantFromHash(id string, fields map[string]string) (service.Tenant, error) {
	rawDomains, ok := fields[tenantkey.DomainsField]
	if !ok {
		return service.Tenant{}, &codec.DecodeError{Err: fmt.Errorf("tenant %q: record missing %s field", id, tenantkey.DomainsField)}
	}
	domains, err := decodeDomains(rawDomains)
	if err != nil {
		return service.Tenant{}, err
	}

	data := make(map[string]any, len(fields)-1)
	for key, raw := range fields {
		if key == tenantkey.DomainsField {
			continue
		}
		value, err := codec.Decode(raw)
		if err != nil {
			return service.Tenant{}, err
		}
		data[key] = value
	}

	return service.Tenant{ID: id, Domains: domains, Data: data}, nil
}

// decodeDomains parses the stored domain list.
func decodeDomains(raw string) ([]string, error) {
	value, err := codec.Decode(raw)
	if err != nil {
		return nil, err
	}
	items, ok := value.([]any)
	if !ok {
		return nil, &codec.DecodeError{Err: fmt.Errorf("domain list: expected JSON array, got %T", value)}
	}

	domains := make([]string, len(items))
	for i, item := range items {
		dom, ok := item.(string)
		if !ok {
			return nil, &codec.DecodeError{Err: fmt.Errorf("domain list: expected string at index %d, got %T", i, item)}
		}
		domains[i] = dom
	}
	return domains, nil
}

// Ensure interface compliance.
var _ service.StorageDriver = (*RedisDriver)(nil)
