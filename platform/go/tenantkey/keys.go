// Package tenantkey defines the key-space layout shared by the tenant
// storage drivers. The layout is part of the persisted format and must stay
// stable across releases.
package tenantkey

import "strings"

const (
	// RecordPrefix namespaces tenant record keys. Scans over all tenants
	// must match this exact prefix and nothing else.
	RecordPrefix = "tenants:"

	// DomainPrefix namespaces domain index keys.
	DomainPrefix = "domains:"

	// DomainIDField is the field inside a domain index entry holding the
	// owning tenant id.
	DomainIDField = "tenant_id"

	// DomainsField is the reserved record field persisting the tenant's
	// domain list for delta computation on update.
	DomainsField = "_tenancy_domains"

	// ReservedPrefix marks attribute names owned by the store itself.
	// The attribute-level API rejects them so callers can never collide
	// with DomainsField or future internal fields.
	ReservedPrefix = "_tenancy_"
)

// Record returns the record key for a tenant id.
func Record(tenantID string) string {
	return RecordPrefix + tenantID
}

// Domain returns the index key for a domain name.
func Domain(domain string) string {
	return DomainPrefix + domain
}

// TenantID recovers the tenant id from a record key. The second return is
// false when the key is not part of the record namespace.
func TenantID(recordKey string) (string, bool) {
	if !strings.HasPrefix(recordKey, RecordPrefix) {
		return "", false
	}
	return recordKey[len(RecordPrefix):], true
}

// Reserved reports whether an attribute name belongs to the store's
// reserved namespace.
func Reserved(attribute string) bool {
	return strings.HasPrefix(attribute, ReservedPrefix)
}
