package registry

import (
	"time"

	"github.com/lwmqn/shepherd-sub001/internal/protocol"
)

// Status is the connectivity state of a device.
type Status string

// Device statuses.
const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusSleep   Status = "sleep"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusSleep:
		return true
	}
	return false
}

// Resource is one leaf of a device's resource tree.
type Resource struct {
	Value     any       `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`

	// Reporting bookkeeping: what was last reported, and when.
	HasReported  bool      `json:"has_reported,omitempty"`
	LastReported any       `json:"last_reported,omitempty"`
	LastReportAt time.Time `json:"last_report_at,omitempty"`
}

// Device is the registry's record of one registered node.
type Device struct {
	ClientID   string              `json:"clientId"`
	Lifetime   int                 `json:"lifetime"`
	Version    string              `json:"version,omitempty"`
	IP         string              `json:"ip,omitempty"`
	Status     Status              `json:"status"`
	ObjectList protocol.ObjectList `json:"objList"`

	// Resources is keyed by resource path ("/3303/0/5700").
	Resources map[string]Resource `json:"resources,omitempty"`

	// Attributes is keyed by scope path ("/3303", "/3303/0" or "/3303/0/5700").
	Attributes map[string]protocol.Attributes `json:"attributes,omitempty"`

	JoinedAt time.Time `json:"joined_at"`
	LastSeen time.Time `json:"last_seen"`
}

// Metadata is what a register message carries.
type Metadata struct {
	Lifetime   int
	Version    string
	IP         string
	ObjectList protocol.ObjectList
}

// Update carries the fields of an update message. Nil fields are absent.
type Update struct {
	Lifetime   *int
	Version    *string
	IP         *string
	ObjectList protocol.ObjectList
}

// Outcome tells whether Register created a record or renewed one.
type Outcome int

// Register outcomes.
const (
	OutcomeCreated Outcome = iota + 1
	OutcomeRenewed
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeRenewed:
		return "renewed"
	default:
		return "unknown"
	}
}

// ResourceChange is one resource written by ApplyNotify.
type ResourceChange struct {
	Path     protocol.Path `json:"path"`
	Value    any           `json:"value"`
	Reported bool          `json:"reported"`
}

// NotifyResult describes what ApplyNotify did.
type NotifyResult struct {
	Path    protocol.Path    `json:"path"`
	Changes []ResourceChange `json:"changes"`

	// Reported is true when the evaluator fired for at least one resource.
	Reported bool `json:"reported"`
}

// Expired reports whether the record's lifetime has run out at now.
// A lifetime of zero never expires.
func (d *Device) Expired(now time.Time) bool {
	if d.Lifetime <= 0 {
		return false
	}
	return d.LastSeen.Add(time.Duration(d.Lifetime) * time.Second).Before(now)
}

// Value returns the last-known value of a resource.
func (d *Device) Value(p protocol.Path) (any, bool) {
	r, ok := d.Resources[p.String()]
	if !ok {
		return nil, false
	}
	return r.Value, true
}

// DeepCopy creates a complete independent copy of the Device.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cpy := *d
	cpy.ObjectList = d.ObjectList.Clone()

	if d.Resources != nil {
		cpy.Resources = make(map[string]Resource, len(d.Resources))
		for k, r := range d.Resources {
			r.Value = deepCopyValue(r.Value)
			r.LastReported = deepCopyValue(r.LastReported)
			cpy.Resources[k] = r
		}
	}
	if d.Attributes != nil {
		cpy.Attributes = make(map[string]protocol.Attributes, len(d.Attributes))
		for k, a := range d.Attributes {
			cpy.Attributes[k] = a.Clone()
		}
	}
	return &cpy
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies maps and slices; scalars are returned as-is.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	case []byte:
		return append([]byte(nil), val...)
	default:
		return v
	}
}
