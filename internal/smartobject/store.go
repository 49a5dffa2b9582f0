package smartobject

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/lwmqn/shepherd-sub001/internal/protocol"
)

type instance map[int]*Resource

// Store is a node's object tree.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Callbacks run with the store locked and must not call back into it.
type Store struct {
	mu      sync.Mutex
	objects map[int]map[int]instance
	attrs   map[string]protocol.Attributes
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		objects: make(map[int]map[int]instance),
		attrs:   make(map[string]protocol.Attributes),
	}
}

// Set installs r at /oid/iid/rid, creating the object and instance as needed.
func (s *Store) Set(oid, iid, rid int, r Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[oid]
	if !ok {
		obj = make(map[int]instance)
		s.objects[oid] = obj
	}
	inst, ok := obj[iid]
	if !ok {
		inst = make(instance)
		obj[iid] = inst
	}
	res := r
	inst[rid] = &res
}

// Remove deletes whatever path names.
func (s *Store) Remove(path protocol.Path) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case path.HasResource():
		if inst, ok := s.objects[path.ObjectID][path.InstanceID]; ok {
			delete(inst, path.ResourceID)
		}
	case path.HasInstance():
		delete(s.objects[path.ObjectID], path.InstanceID)
	default:
		delete(s.objects, path.ObjectID)
	}
}

// ObjectList returns the register/update objList.
func (s *Store) ObjectList() protocol.WireObjectList {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := make(protocol.WireObjectList, len(s.objects))
	for oid, obj := range s.objects {
		w[strconv.Itoa(oid)] = sortedKeys(obj)
	}
	return w
}

// Read returns a resource value, an instance as {"rid": value}, or an
// object as {"iid": {"rid": value}}. Unreadable resources are left out of
// instance and object reads.
func (s *Store) Read(path protocol.Path) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if path.HasResource() {
		r, err := s.resource(path)
		if err != nil {
			return nil, err
		}
		return r.get()
	}
	if path.HasInstance() {
		inst, err := s.instance(path)
		if err != nil {
			return nil, err
		}
		return readInstance(inst)
	}

	obj, ok := s.objects[path.ObjectID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	out := make(map[string]any, len(obj))
	for iid, inst := range obj {
		values, err := readInstance(inst)
		if err != nil {
			return nil, err
		}
		out[strconv.Itoa(iid)] = values
	}
	return out, nil
}

func readInstance(inst instance) (map[string]any, error) {
	out := make(map[string]any, len(inst))
	for rid, r := range inst {
		if !r.Readable() {
			continue
		}
		v, err := r.get()
		if err != nil {
			return nil, err
		}
		out[strconv.Itoa(rid)] = v
	}
	return out, nil
}

// Write sets a resource, or several resources of an instance when path
// names an instance and value is a {"rid": value} map.
func (s *Store) Write(path protocol.Path, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if path.HasResource() {
		r, err := s.resource(path)
		if err != nil {
			return err
		}
		return r.set(value)
	}
	if !path.HasInstance() {
		return fmt.Errorf("%w: cannot write object %s", ErrBadValue, path)
	}

	inst, err := s.instance(path)
	if err != nil {
		return err
	}
	values, ok := value.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: instance write needs a map", ErrBadValue)
	}
	for key, v := range values {
		rid, err := strconv.Atoi(key)
		if err != nil {
			return fmt.Errorf("%w: resource key %q", ErrBadValue, key)
		}
		r, ok := inst[rid]
		if !ok {
			return fmt.Errorf("%w: %s/%d", ErrNotFound, path, rid)
		}
		if err := r.set(v); err != nil {
			return err
		}
	}
	return nil
}

// Execute runs an executable resource.
func (s *Store) Execute(path protocol.Path, args []any) error {
	if !path.HasResource() {
		return fmt.Errorf("%w: execute needs a resource path", ErrBadValue)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.resource(path)
	if err != nil {
		return err
	}
	return r.run(args)
}

// WriteAttrs stores reporting attributes for path. Cancel-only or empty
// sets remove the entry.
func (s *Store) WriteAttrs(path protocol.Path, attrs protocol.Attributes) error {
	if err := attrs.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.exists(path); err != nil {
		return err
	}
	stripped := attrs.Clone()
	stripped.Cancel = false
	if stripped.IsZero() {
		delete(s.attrs, path.String())
		return nil
	}
	s.attrs[path.String()] = stripped
	return nil
}

// Attributes returns the attributes written at exactly path.
func (s *Store) Attributes(path protocol.Path) protocol.Attributes {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attrs[path.String()].Clone()
}

// Discover describes path: its attributes and, for objects and instances,
// the resource ids below it as {"iid": [rid, ...]}.
func (s *Store) Discover(path protocol.Path) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.exists(path); err != nil {
		return nil, err
	}

	out := map[string]any{"attrs": s.attrs[path.String()].Clone()}
	if path.HasResource() {
		return out, nil
	}
	list := make(map[string][]int)
	for iid, inst := range s.objects[path.ObjectID] {
		if path.HasInstance() && iid != path.InstanceID {
			continue
		}
		list[strconv.Itoa(iid)] = sortedKeys(inst)
	}
	out["resrcList"] = list
	return out, nil
}

func (s *Store) exists(path protocol.Path) error {
	switch {
	case path.HasResource():
		_, err := s.resource(path)
		return err
	case path.HasInstance():
		_, err := s.instance(path)
		return err
	default:
		if _, ok := s.objects[path.ObjectID]; !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil
	}
}

func (s *Store) instance(path protocol.Path) (instance, error) {
	inst, ok := s.objects[path.ObjectID][path.InstanceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, protocol.InstancePath(path.ObjectID, path.InstanceID))
	}
	return inst, nil
}

func (s *Store) resource(path protocol.Path) (*Resource, error) {
	inst, err := s.instance(path)
	if err != nil {
		return nil, err
	}
	r, ok := inst[path.ResourceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return r, nil
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
