// Package reporting decides whether an updated resource value should be
// reported, given the reporting attributes in force for that resource.
//
// Evaluate is a pure function: every input is passed in, including the
// current time, so it can be tested without clocks or state.
package reporting

import (
	"encoding/json"
	"math"
	"reflect"
	"time"

	"github.com/lwmqn/shepherd-sub001/internal/protocol"
)

// Input is everything Evaluate needs for one resource update.
type Input struct {
	Attrs protocol.Attributes

	Previous    any
	HasPrevious bool
	Current     any

	// LastReported is the value carried by the most recent report.
	LastReported any
	HasReported  bool
	LastReportAt time.Time

	Now time.Time
}

// Evaluate reports whether the update in in should be reported.
//
// Rules, first match wins:
//  1. cancel set: never
//  2. nothing reported yet: always (the first value is always reported)
//  3. pmax elapsed since the last report: yes (heartbeat)
//  4. pmin not yet elapsed: no (rate limit, overrides thresholds)
//  5. numeric value with gt/lt/step defined: any edge crossing or step
//  6. otherwise: only if the value changed
func Evaluate(in Input) bool {
	if in.Attrs.Cancel {
		return false
	}
	if !in.HasReported {
		return true
	}

	elapsed := in.Now.Sub(in.LastReportAt)

	if pmax, ok := in.Attrs.MaxPeriod(); ok && pmax > 0 && elapsed >= pmax {
		return true
	}
	if pmin, ok := in.Attrs.MinPeriod(); ok && elapsed < pmin {
		return false
	}

	cur, numeric := ToFloat(in.Current)
	if !numeric || !in.Attrs.HasValueRules() {
		return !in.HasPrevious || !Equal(in.Previous, in.Current)
	}

	prev, prevNumeric := ToFloat(in.Previous)
	hasPrev := in.HasPrevious && prevNumeric

	if gt := in.Attrs.Gt; gt != nil && cur > *gt && (!hasPrev || prev <= *gt) {
		return true
	}
	if lt := in.Attrs.Lt; lt != nil && cur < *lt && (!hasPrev || prev >= *lt) {
		return true
	}
	if step := in.Attrs.Step; step != nil {
		last, ok := ToFloat(in.LastReported)
		if !ok || math.Abs(cur-last) >= *step {
			return true
		}
	}
	return false
}

// ToFloat converts any Go numeric value, or a json.Number, to float64.
// Booleans, strings and containers are not numeric.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Equal compares two resource values. Numbers compare by value across
// types, so a CBOR uint64 equals the same JSON float64.
func Equal(a, b any) bool {
	fa, okA := ToFloat(a)
	fb, okB := ToFloat(b)
	if okA && okB {
		return fa == fb
	}
	if okA != okB {
		return false
	}
	return reflect.DeepEqual(a, b)
}
