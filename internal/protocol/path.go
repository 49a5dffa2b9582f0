package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// NoID marks an absent instance or resource id in a Path.
const NoID = -1

// maxID is the largest object, instance or resource id on the wire.
const maxID = 65535

// Path addresses an object, an object instance, or a single resource.
type Path struct {
	ObjectID   int `json:"oid"`
	InstanceID int `json:"iid"`
	ResourceID int `json:"rid"`
}

// ObjectPath returns the path of a whole object.
func ObjectPath(oid int) Path {
	return Path{ObjectID: oid, InstanceID: NoID, ResourceID: NoID}
}

// InstancePath returns the path of an object instance.
func InstancePath(oid, iid int) Path {
	return Path{ObjectID: oid, InstanceID: iid, ResourceID: NoID}
}

// ResourcePath returns the path of a single resource.
func ResourcePath(oid, iid, rid int) Path {
	return Path{ObjectID: oid, InstanceID: iid, ResourceID: rid}
}

// HasInstance reports whether the path names an instance.
func (p Path) HasInstance() bool { return p.InstanceID != NoID }

// HasResource reports whether the path names a resource.
func (p Path) HasResource() bool { return p.InstanceID != NoID && p.ResourceID != NoID }

// Valid reports whether every present id is in range and no resource is
// given without an instance.
func (p Path) Valid() bool {
	if p.ObjectID < 0 || p.ObjectID > maxID {
		return false
	}
	if p.InstanceID == NoID {
		return p.ResourceID == NoID
	}
	if p.InstanceID < 0 || p.InstanceID > maxID {
		return false
	}
	return p.ResourceID == NoID || (p.ResourceID >= 0 && p.ResourceID <= maxID)
}

// Parent returns the enclosing scope: resource to instance, instance to object.
// An object path is its own parent.
func (p Path) Parent() Path {
	switch {
	case p.HasResource():
		return InstancePath(p.ObjectID, p.InstanceID)
	case p.HasInstance():
		return ObjectPath(p.ObjectID)
	default:
		return p
	}
}

// Scopes returns the path followed by each enclosing scope, most specific first.
func (p Path) Scopes() []Path {
	scopes := []Path{p}
	for cur := p; cur.HasInstance(); {
		cur = cur.Parent()
		scopes = append(scopes, cur)
	}
	return scopes
}

// String renders the path as "/oid[/iid[/rid]]".
func (p Path) String() string {
	switch {
	case p.HasResource():
		return fmt.Sprintf("/%d/%d/%d", p.ObjectID, p.InstanceID, p.ResourceID)
	case p.HasInstance():
		return fmt.Sprintf("/%d/%d", p.ObjectID, p.InstanceID)
	default:
		return fmt.Sprintf("/%d", p.ObjectID)
	}
}

// ParsePath parses "/3303/0/5700", "3303/0" or "/3303".
func ParsePath(s string) (Path, error) {
	trimmed := strings.Trim(s, "/")
	if trimmed == "" {
		return Path{}, fmt.Errorf("%w: empty path", ErrBadRequest)
	}

	parts := strings.Split(trimmed, "/")
	if len(parts) > 3 {
		return Path{}, fmt.Errorf("%w: path %q has more than three segments", ErrBadRequest, s)
	}

	ids := [3]int{NoID, NoID, NoID}
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > maxID {
			return Path{}, fmt.Errorf("%w: invalid path segment %q in %q", ErrBadRequest, part, s)
		}
		ids[i] = n
	}
	return Path{ObjectID: ids[0], InstanceID: ids[1], ResourceID: ids[2]}, nil
}
