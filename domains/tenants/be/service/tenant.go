package service

// Tenant is the domain model for a stored tenant: an immutable id, the set
// of domains routing to it, and an opaque attribute bag. Attribute values are
// any JSON-representable type; drivers normalize them through the codec so
// numbers come back as json.Number regardless of backend.
type Tenant struct {
	ID      string
	Domains []string
	Data    map[string]any
}

// Clone returns a deep-enough copy for handing across API boundaries:
// the domain slice and the top level of the attribute map are copied.
func (t Tenant) Clone() Tenant {
	out := Tenant{ID: t.ID}
	if t.Domains != nil {
		out.Domains = append([]string(nil), t.Domains...)
	}
	if t.Data != nil {
		out.Data = make(map[string]any, len(t.Data))
		for k, v := range t.Data {
			out.Data[k] = v
		}
	}
	return out
}

// Value is the result of an attribute-level read. Present distinguishes a
// missing key (Present=false) from a key explicitly storing JSON null
// (Present=true, Data=nil).
type Value struct {
	Data    any
	Present bool
}

// Absent is the Value returned for keys with no stored entry.
var Absent = Value{}

// Some wraps a decoded attribute value.
func Some(data any) Value {
	return Value{Data: data, Present: true}
}
