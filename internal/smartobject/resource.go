// Package smartobject is the device-side resource tree of an LwMQN node.
//
// A Store holds objects, their instances and resources. Each resource is
// one of three kinds:
//
//	Static      a plain value, readable and writable
//	Dynamic     read and (optionally) write callbacks
//	Executable  a callback run by the execute command
//
// The shepherd never sees a Store; nodes built on it answer its requests.
package smartobject

import (
	"fmt"

	"github.com/lwmqn/shepherd-sub001/internal/protocol"
)

// Kind tells how a resource is accessed.
type Kind int

// Resource kinds.
const (
	KindStatic Kind = iota + 1
	KindDynamic
	KindExecutable
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindStatic:
		return "static"
	case KindDynamic:
		return "dynamic"
	case KindExecutable:
		return "executable"
	default:
		return "unknown"
	}
}

// ReadFunc produces a dynamic resource's current value.
type ReadFunc func() (any, error)

// WriteFunc accepts a new value for a dynamic resource.
type WriteFunc func(value any) error

// ExecFunc runs an executable resource.
type ExecFunc func(args []any) error

// Resource is one leaf of the tree. Build it with Static, Dynamic or
// Executable.
type Resource struct {
	kind  Kind
	value any
	read  ReadFunc
	write WriteFunc
	exec  ExecFunc
}

// Static returns a resource holding v.
func Static(v any) Resource {
	return Resource{kind: KindStatic, value: v}
}

// Dynamic returns a resource backed by callbacks. A nil write makes it
// read-only.
func Dynamic(read ReadFunc, write WriteFunc) Resource {
	return Resource{kind: KindDynamic, read: read, write: write}
}

// Executable returns a resource that can only be executed.
func Executable(fn ExecFunc) Resource {
	return Resource{kind: KindExecutable, exec: fn}
}

// Kind returns the resource kind.
func (r *Resource) Kind() Kind { return r.kind }

// Readable reports whether Read can succeed.
func (r *Resource) Readable() bool {
	return r.kind == KindStatic || (r.kind == KindDynamic && r.read != nil)
}

func (r *Resource) get() (any, error) {
	switch r.kind {
	case KindStatic:
		return r.value, nil
	case KindDynamic:
		if r.read == nil {
			return nil, ErrNotReadable
		}
		return r.read()
	default:
		return nil, ErrNotReadable
	}
}

func (r *Resource) set(v any) error {
	switch r.kind {
	case KindStatic:
		r.value = v
		return nil
	case KindDynamic:
		if r.write == nil {
			return ErrNotWritable
		}
		return r.write(v)
	default:
		return ErrNotWritable
	}
}

func (r *Resource) run(args []any) error {
	if r.kind != KindExecutable || r.exec == nil {
		return ErrNotExecutable
	}
	return r.exec(args)
}

// Errors returned by Store operations.
var (
	ErrNotFound      = fmt.Errorf("smartobject: %w", protocol.ErrNotFound)
	ErrNotReadable   = fmt.Errorf("smartobject: resource not readable: %w", protocol.ErrMethodNotAllowed)
	ErrNotWritable   = fmt.Errorf("smartobject: resource not writable: %w", protocol.ErrMethodNotAllowed)
	ErrNotExecutable = fmt.Errorf("smartobject: resource not executable: %w", protocol.ErrMethodNotAllowed)
	ErrBadValue      = fmt.Errorf("smartobject: bad value: %w", protocol.ErrBadRequest)
)
