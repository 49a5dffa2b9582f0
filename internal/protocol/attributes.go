package protocol

import "time"

// Attributes are the reporting rules attached to an object, instance or
// resource. A nil field is undefined.
type Attributes struct {
	Pmin   *int     `json:"pmin,omitempty"`
	Pmax   *int     `json:"pmax,omitempty"`
	Gt     *float64 `json:"gt,omitempty"`
	Lt     *float64 `json:"lt,omitempty"`
	Step   *float64 `json:"step,omitempty"`
	Cancel bool     `json:"cancel,omitempty"`
}

// Int returns a pointer to v, for building Attributes literals.
func Int(v int) *int { return &v }

// Float returns a pointer to v, for building Attributes literals.
func Float(v float64) *float64 { return &v }

// IsZero reports whether no attribute is defined.
func (a Attributes) IsZero() bool {
	return a.Pmin == nil && a.Pmax == nil && a.Gt == nil && a.Lt == nil && a.Step == nil && !a.Cancel
}

// HasValueRules reports whether any of gt, lt or step is defined.
func (a Attributes) HasValueRules() bool {
	return a.Gt != nil || a.Lt != nil || a.Step != nil
}

// MinPeriod returns pmin as a duration and whether it is defined.
func (a Attributes) MinPeriod() (time.Duration, bool) {
	if a.Pmin == nil {
		return 0, false
	}
	return time.Duration(*a.Pmin) * time.Second, true
}

// MaxPeriod returns pmax as a duration and whether it is defined.
func (a Attributes) MaxPeriod() (time.Duration, bool) {
	if a.Pmax == nil {
		return 0, false
	}
	return time.Duration(*a.Pmax) * time.Second, true
}

// Clone returns a deep copy.
func (a Attributes) Clone() Attributes {
	out := Attributes{Cancel: a.Cancel}
	if a.Pmin != nil {
		out.Pmin = Int(*a.Pmin)
	}
	if a.Pmax != nil {
		out.Pmax = Int(*a.Pmax)
	}
	if a.Gt != nil {
		out.Gt = Float(*a.Gt)
	}
	if a.Lt != nil {
		out.Lt = Float(*a.Lt)
	}
	if a.Step != nil {
		out.Step = Float(*a.Step)
	}
	return out
}

// Validate rejects attribute sets a device could never honour.
func (a Attributes) Validate() error {
	if a.Pmin != nil && *a.Pmin < 0 {
		return errorf(ErrBadRequest, "pmin must not be negative")
	}
	if a.Pmax != nil && *a.Pmax < 0 {
		return errorf(ErrBadRequest, "pmax must not be negative")
	}
	if a.Pmin != nil && a.Pmax != nil && *a.Pmax > 0 && *a.Pmin > *a.Pmax {
		return errorf(ErrBadRequest, "pmin must not exceed pmax")
	}
	if a.Step != nil && *a.Step < 0 {
		return errorf(ErrBadRequest, "step must not be negative")
	}
	return nil
}
