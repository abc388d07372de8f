package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tenancykit/tenancy/domains/tenants/be/service"
	"github.com/tenancykit/tenancy/platform/go/codec"
)

// postgresDDL is the relational rendition of the key-value layout: one row
// per tenant record, one row per domain index entry. The ord column keeps
// the caller's domain insertion order across reads.
const postgresDDL = `
CREATE TABLE IF NOT EXISTS tenants (
    id   text PRIMARY KEY,
    data jsonb NOT NULL DEFAULT '{}'::jsonb
);

CREATE TABLE IF NOT EXISTS tenant_domains (
    domain    text PRIMARY KEY,
    tenant_id text NOT NULL REFERENCES tenants (id) ON DELETE CASCADE,
    ord       integer NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS tenant_domains_tenant_id_idx ON tenant_domains (tenant_id);
`

// selectTenant joins a record with its ordered domain list in a single
// statement so reads observe one snapshot.
const selectTenant = `
SELECT t.id,
       t.data::text,
       COALESCE(array_agg(d.domain ORDER BY d.ord, d.domain) FILTER (WHERE d.domain IS NOT NULL), '{}')
FROM tenants t
LEFT JOIN tenant_domains d ON d.tenant_id = t.id
`

// PostgresDriver is the relational StorageDriver variant. Mutations run in
// SQL transactions; uniqueness is enforced by the primary keys, with
// conflicts surfaced through conditional inserts rather than pre-flight
// reads alone.
type PostgresDriver struct {
	tenantDefault

	pool *pgxpool.Pool
}

// NewPostgresDriver constructs the driver and ensures the schema exists.
func NewPostgresDriver(ctx context.Context, pool *pgxpool.Pool) (*PostgresDriver, error) {
	if pool == nil {
		panic("postgres pool is required")
	}
	if _, err := pool.Exec(ctx, postgresDDL); err != nil {
		return nil, wrapConn("apply tenant schema", err)
	}
	return &PostgresDriver{pool: pool}, nil
}

func (d *PostgresDriver) EnsureCreatable(ctx context.Context, t service.Tenant) error {
	var idTaken bool
	err := d.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tenants WHERE id = $1)`, t.ID,
	).Scan(&idTaken)
	if err != nil {
		return wrapConn("check tenant id", err)
	}
	if idTaken {
		return service.ErrTenantIDTaken
	}

	if len(t.Domains) == 0 {
		return nil
	}

	var domainTaken bool
	err = d.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tenant_domains WHERE domain = ANY($1))`, t.Domains,
	).Scan(&domainTaken)
	if err != nil {
		return wrapConn("check domains", err)
	}
	if domainTaken {
		return service.ErrDomainTaken
	}
	return nil
}

func (d *PostgresDriver) Create(ctx context.Context, t service.Tenant) error {
	encoded, err := encodeBag(t.Data)
	if err != nil {
		return err
	}

	return d.inTx(ctx, "create tenant", func(tx pgx.Tx) error {
		ct, err := tx.Exec(ctx,
			`INSERT INTO tenants (id, data) VALUES ($1, $2::jsonb) ON CONFLICT (id) DO NOTHING`,
			t.ID, encoded,
		)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			return service.ErrTenantIDTaken
		}

		for i, dom := range t.Domains {
			// Conditional claim: a pre-existing row means the domain
			// belongs to someone, regardless of what a pre-flight
			// check concluded.
			ct, err := tx.Exec(ctx,
				`INSERT INTO tenant_domains (domain, tenant_id, ord) VALUES ($1, $2, $3) ON CONFLICT (domain) DO NOTHING`,
				dom, t.ID, i,
			)
			if err != nil {
				return err
			}
			if ct.RowsAffected() == 0 {
				return service.ErrDomainTaken
			}
		}
		return nil
	})
}

func (d *PostgresDriver) Update(ctx context.Context, t service.Tenant) error {
	encoded, err := encodeBag(t.Data)
	if err != nil {
		return err
	}

	return d.inTx(ctx, "update tenant", func(tx pgx.Tx) error {
		var one int
		err := tx.QueryRow(ctx, `SELECT 1 FROM tenants WHERE id = $1 FOR UPDATE`, t.ID).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return service.ErrTenantNotFound
		}
		if err != nil {
			return err
		}

		rows, err := tx.Query(ctx,
			`SELECT domain FROM tenant_domains WHERE tenant_id = $1 ORDER BY ord, domain FOR UPDATE`, t.ID,
		)
		if err != nil {
			return err
		}
		oldDomains, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}

		removed := removedDomains(oldDomains, t.Domains)
		if len(removed) > 0 {
			if _, err := tx.Exec(ctx,
				`DELETE FROM tenant_domains WHERE tenant_id = $1 AND domain = ANY($2)`, t.ID, removed,
			); err != nil {
				return err
			}
		}

		for i, dom := range t.Domains {
			// Upsert is idempotent for kept domains but refuses to
			// steal a domain indexed to a different tenant.
			ct, err := tx.Exec(ctx,
				`INSERT INTO tenant_domains (domain, tenant_id, ord) VALUES ($1, $2, $3)
				 ON CONFLICT (domain) DO UPDATE SET ord = EXCLUDED.ord
				 WHERE tenant_domains.tenant_id = EXCLUDED.tenant_id`,
				dom, t.ID, i,
			)
			if err != nil {
				return err
			}
			if ct.RowsAffected() == 0 {
				return service.ErrDomainTaken
			}
		}

		_, err = tx.Exec(ctx, `UPDATE tenants SET data = $2::jsonb WHERE id = $1`, t.ID, encoded)
		return err
	})
}

func (d *PostgresDriver) Delete(ctx context.Context, t service.Tenant) error {
	return d.inTx(ctx, "delete tenant", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM tenant_domains WHERE tenant_id = $1`, t.ID); err != nil {
			return err
		}
		ct, err := tx.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, t.ID)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			return service.ErrTenantNotFound
		}
		return nil
	})
}

func (d *PostgresDriver) FindByID(ctx context.Context, id string) (service.Tenant, error) {
	row := d.pool.QueryRow(ctx, selectTenant+`WHERE t.id = $1 GROUP BY t.id`, id)
	t, err := scanTenant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return service.Tenant{}, service.ErrTenantNotFound
	}
	if err != nil {
		return service.Tenant{}, wrapConn("read tenant record", err)
	}
	return t, nil
}

func (d *PostgresDriver) FindByDomain(ctx context.Context, domain string) (service.Tenant, error) {
	var id string
	err := d.pool.QueryRow(ctx,
		`SELECT tenant_id FROM tenant_domains WHERE domain = $1`, domain,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return service.Tenant{}, service.ErrTenantUnidentified
	}
	if err != nil {
		return service.Tenant{}, wrapConn("resolve domain", err)
	}
	return d.FindByID(ctx, id)
}

func (d *PostgresDriver) All(ctx context.Context, ids ...string) ([]service.Tenant, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if len(ids) > 0 {
		rows, err = d.pool.Query(ctx, selectTenant+`WHERE t.id = ANY($1) GROUP BY t.id`, ids)
	} else {
		rows, err = d.pool.Query(ctx, selectTenant+`GROUP BY t.id ORDER BY t.id`)
	}
	if err != nil {
		return nil, wrapConn("list tenants", err)
	}
	defer rows.Close()

	byID := make(map[string]service.Tenant)
	var order []string
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, wrapConn("list tenants", err)
		}
		byID[t.ID] = t
		order = append(order, t.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapConn("list tenants", err)
	}

	if len(ids) > 0 {
		// Requested ids come back in input order; a missing one is an
		// error, never a silent skip.
		order = ids
	}

	tenants := make([]service.Tenant, 0, len(order))
	for _, id := range order {
		t, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("tenant %q: %w", id, service.ErrTenantNotFound)
		}
		tenants = append(tenants, t)
	}
	return tenants, nil
}

func (d *PostgresDriver) Get(ctx context.Context, key string, t *service.Tenant) (service.Value, error) {
	if err := checkAttributeKeys(key); err != nil {
		return service.Value{}, err
	}
	target, err := d.resolve(t)
	if err != nil {
		return service.Value{}, err
	}

	var (
		present bool
		raw     *string
	)
	err = d.pool.QueryRow(ctx,
		`SELECT jsonb_exists(data, $2), (data -> $2)::text FROM tenants WHERE id = $1`,
		target.ID, key,
	).Scan(&present, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return service.Absent, nil
	}
	if err != nil {
		return service.Value{}, wrapConn("read attribute", err)
	}
	if !present || raw == nil {
		return service.Absent, nil
	}

	value, err := codec.Decode(*raw)
	if err != nil {
		return service.Value{}, err
	}
	return service.Some(value), nil
}

func (d *PostgresDriver) GetMany(ctx context.Context, keys []string, t *service.Tenant) ([]service.Value, error) {
	if err := checkAttributeKeys(keys...); err != nil {
		return nil, err
	}
	target, err := d.resolve(t)
	if err != nil {
		return nil, err
	}

	values := make([]service.Value, len(keys))
	if len(keys) == 0 {
		return values, nil
	}

	// One fetch of the whole bag, then pick keys in input order.
	var raw string
	err = d.pool.QueryRow(ctx, `SELECT data::text FROM tenants WHERE id = $1`, target.ID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return values, nil
	}
	if err != nil {
		return nil, wrapConn("read attributes", err)
	}

	bag, err := decodeBag(raw)
	if err != nil {
		return nil, err
	}
	for i, key := range keys {
		if value, ok := bag[key]; ok {
			values[i] = service.Some(value)
		}
	}
	return values, nil
}

func (d *PostgresDriver) Put(ctx context.Context, key string, value any, t *service.Tenant) error {
	return d.PutMany(ctx, map[string]any{key: value}, t)
}

func (d *PostgresDriver) PutMany(ctx context.Context, values map[string]any, t *service.Tenant) error {
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

	encoded, err := encodeBag(values)
	if err != nil {
		return err
	}

	// Hash backends create the record implicitly on first write; mirror
	// that with an upsert merging into the existing bag.
	_, err = d.pool.Exec(ctx,
		`INSERT INTO tenants (id, data) VALUES ($1, $2::jsonb)
		 ON CONFLICT (id) DO UPDATE SET data = tenants.data || EXCLUDED.data`,
		target.ID, encoded,
	)
	if err != nil {
		return wrapConn("write attributes", err)
	}
	return nil
}

func (d *PostgresDriver) DeleteMany(ctx context.Context, keys []string, t *service.Tenant) error {
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

	_, err = d.pool.Exec(ctx,
		`UPDATE tenants SET data = data - $2::text[] WHERE id = $1`,
		target.ID, keys,
	)
	if err != nil {
		return wrapConn("delete attributes", err)
	}
	return nil
}

func (d *PostgresDriver) WithDefaultTenant(t service.Tenant) service.StorageDriver {
	d.set(t)
	return d
}

// inTx runs fn in a transaction, committing on nil and rolling back on
// error. Contract sentinels pass through; everything else wraps as a
// connection failure.
func (d *PostgresDriver) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return wrapConn(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return wrapConn(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapConn(op, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (service.Tenant, error) {
	var (
		id      string
		raw     string
		domains []string
	)
	if err := row.Scan(&id, &raw, &domains); err != nil {
		return service.Tenant{}, err
	}

	data, err := decodeBag(raw)
	if err != nil {
		return service.Tenant{}, err
	}
	if domains == nil {
		domains = []string{}
	}
	return service.Tenant{ID: id, Domains: domains, Data: data}, nil
}

// encodeBag serializes a whole attribute bag as one JSON object.
func encodeBag(data map[string]any) (string, error) {
	if data == nil {
		data = map[string]any{}
	}
	return codec.Encode(data)
}

// decodeBag is the inverse of encodeBag.
func decodeBag(raw string) (map[string]any, error) {
	value, err := codec.Decode(raw)
	if err != nil {
		return nil, err
	}
	bag, ok := value.(map[string]any)
	if !ok {
		return nil, &codec.DecodeError{Err: fmt.Errorf("attribute bag: expected JSON object, got %T", value)}
	}
	return bag, nil
}

// Ensure interface compliance.
var _ service.StorageDriver = (*PostgresDriver)(nil)
