// Package codec encodes LwMQN payloads. Devices and the shepherd agree on
// one codec per deployment: JSON (the default) or CBOR for constrained links.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// ErrUnknownCodec is returned by ByName for an unsupported codec name.
var ErrUnknownCodec = errors.New("codec: unknown codec")

// Codec marshals wire messages.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// ByName returns the codec selected by shepherd.codec.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "cbor":
		return CBOR{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// JSON is the default codec.
type JSON struct{}

// Name implements Codec.
func (JSON) Name() string { return "json" }

// Marshal implements Codec.
func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal implements Codec.
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
	// cborRaw keeps map keys as sent, for payloads with integer keys.
	cborRaw cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeUnix,
	}
	cborEnc, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Untyped maps decode with string keys so values can be re-encoded as
	// JSON for the HTTP API and event stream.
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
		DefaultMapType:    reflect.TypeOf(map[string]any(nil)),
	}
	cborDec, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}

	decOpts.DefaultMapType = nil
	cborRaw, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// CBOR encodes payloads as RFC 8949 CBOR. Struct fields use their json tags.
type CBOR struct{}

// Name implements Codec.
func (CBOR) Name() string { return "cbor" }

// Marshal implements Codec.
func (CBOR) Marshal(v any) ([]byte, error) { return cborEnc.Marshal(v) }

// Unmarshal implements Codec. Constrained devices often key maps by
// resource id as a CBOR integer; such keys are decoded as their decimal
// string so they match the JSON form.
func (CBOR) Unmarshal(data []byte, v any) error {
	err := cborDec.Unmarshal(data, v)
	if err == nil {
		return nil
	}

	var raw any
	if cborRaw.Unmarshal(data, &raw) != nil {
		return err
	}
	norm, changed := stringKeys(raw)
	if !changed {
		return err
	}
	if p, ok := v.(*any); ok {
		*p = norm
		return nil
	}
	again, encErr := cborEnc.Marshal(norm)
	if encErr != nil {
		return err
	}
	return cborDec.Unmarshal(again, v)
}

// stringKeys rewrites every map in x to map[string]any. It reports whether
// any non-string key was found.
func stringKeys(x any) (any, bool) {
	switch t := x.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		changed := false
		for k, val := range t {
			ks, ok := k.(string)
			if !ok {
				ks = fmt.Sprint(k)
				changed = true
			}
			nv, c := stringKeys(val)
			out[ks] = nv
			changed = changed || c
		}
		return out, changed
	case map[string]any:
		changed := false
		for k, val := range t {
			nv, c := stringKeys(val)
			t[k] = nv
			changed = changed || c
		}
		return t, changed
	case []any:
		changed := false
		for i, val := range t {
			nv, c := stringKeys(val)
			t[i] = nv
			changed = changed || c
		}
		return t, changed
	default:
		return x, false
	}
}
