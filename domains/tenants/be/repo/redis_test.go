package repo

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/tenancykit/tenancy/domains/tenants/be/service"
	"github.com/tenancykit/tenancy/platform/go/codec"
)

// TestRedisDriver runs the conformance suite against a real Redis, expected
// to be provisioned externally (e.g., Testcontainers or docker compose).
// The database is flushed per subtest; point it at a dedicated instance.
func TestRedisDriver(t *testing.T) {
	url, ok := os.LookupEnv("TEST_REDIS_URL")
	if !ok || url == "" {
		t.Skip("TEST_REDIS_URL not set; skipping redis driver tests")
	}

	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	testDriver(t, func(t *testing.T) service.StorageDriver {
		require.NoError(t, client.FlushDB(context.Background()).Err())
		return NewRedisDriver(client)
	})
}

func TestTenantFromHash(t *testing.T) {
	tenant, err := tenantFromHash("t1", map[string]string{
		"plan":             `"pro"`,
		"_tenancy_domains": `["a.test","b.test"]`,
	})
	require.NoError(t, err)
	require.Equal(t, "t1", tenant.ID)
	require.Equal(t, []string{"a.test", "b.test"}, tenant.Domains)
	require.Equal(t, map[string]any{"plan": "pro"}, tenant.Data)
}

func TestTenantFromHashMalformed(t *testing.T) {
	var decErr *codec.DecodeError

	// Missing domain-list field.
	_, err := tenantFromHash("t1", map[string]string{"plan": `"pro"`})
	require.ErrorAs(t, err, &decErr)

	// Corrupted attribute payload is a hard error, never a default.
	_, err = tenantFromHash("t1", map[string]string{
		"plan":             `{"broken`,
		"_tenancy_domains": `[]`,
	})
	require.ErrorAs(t, err, &decErr)
}

func TestDecodeDomains(t *testing.T) {
	domains, err := decodeDomains(`["a.test"]`)
	require.NoError(t, err)
	require.Equal(t, []string{"a.test"}, domains)

	var decErr *codec.DecodeError
	_, err = decodeDomains(`{"not":"an array"}`)
	require.ErrorAs(t, err, &decErr)

	_, err = decodeDomains(`["a.test", 7]`)
	require.ErrorAs(t, err, &decErr)
}

func TestEncodeRecordFields(t *testing.T) {
	fields, err := encodeRecordFields(service.Tenant{
		ID:   "t1",
		Data: map[string]any{"plan": "pro"},
	})
	require.NoError(t, err)
	require.Equal(t, `"pro"`, fields["plan"])
	// A nil domain slice persists as an empty JSON array, not null.
	require.Equal(t, `[]`, fields["_tenancy_domains"])
}
