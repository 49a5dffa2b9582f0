package protocol

import (
	"fmt"
	"sort"
	"strconv"
)

// ObjectEntry lists the instances of one object a device exposes.
type ObjectEntry struct {
	ObjectID    int   `json:"oid"`
	InstanceIDs []int `json:"iids"`
}

// ObjectList is sorted by object id with sorted, unique instance ids.
type ObjectList []ObjectEntry

// WireObjectList is the on-the-wire objList form: {"3303": [0, 1]}.
type WireObjectList map[string][]int

// ObjectListFromWire converts and normalises a wire objList.
func ObjectListFromWire(w WireObjectList) (ObjectList, error) {
	list := make(ObjectList, 0, len(w))
	for key, iids := range w {
		oid, err := strconv.Atoi(key)
		if err != nil || oid < 0 || oid > maxID {
			return nil, errorf(ErrBadRequest, "invalid object id %q in objList", key)
		}
		seen := make(map[int]bool, len(iids))
		entry := ObjectEntry{ObjectID: oid, InstanceIDs: make([]int, 0, len(iids))}
		for _, iid := range iids {
			if iid < 0 || iid > maxID {
				return nil, errorf(ErrBadRequest, "invalid instance id %d for object %d", iid, oid)
			}
			if !seen[iid] {
				seen[iid] = true
				entry.InstanceIDs = append(entry.InstanceIDs, iid)
			}
		}
		sort.Ints(entry.InstanceIDs)
		list = append(list, entry)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ObjectID < list[j].ObjectID })
	return list, nil
}

// Wire converts the list back to its wire form.
func (l ObjectList) Wire() WireObjectList {
	w := make(WireObjectList, len(l))
	for _, e := range l {
		w[strconv.Itoa(e.ObjectID)] = append([]int(nil), e.InstanceIDs...)
	}
	return w
}

// Clone returns a deep copy.
func (l ObjectList) Clone() ObjectList {
	if l == nil {
		return nil
	}
	out := make(ObjectList, len(l))
	for i, e := range l {
		out[i] = ObjectEntry{ObjectID: e.ObjectID, InstanceIDs: append([]int(nil), e.InstanceIDs...)}
	}
	return out
}

// Equal reports whether both lists hold the same objects and instances.
func (l ObjectList) Equal(other ObjectList) bool {
	if len(l) != len(other) {
		return false
	}
	for i := range l {
		if l[i].ObjectID != other[i].ObjectID || len(l[i].InstanceIDs) != len(other[i].InstanceIDs) {
			return false
		}
		for j := range l[i].InstanceIDs {
			if l[i].InstanceIDs[j] != other[i].InstanceIDs[j] {
				return false
			}
		}
	}
	return true
}

// Contains reports whether the path's object, and instance if given, is listed.
func (l ObjectList) Contains(p Path) bool {
	for _, e := range l {
		if e.ObjectID != p.ObjectID {
			continue
		}
		if !p.HasInstance() {
			return true
		}
		for _, iid := range e.InstanceIDs {
			if iid == p.InstanceID {
				return true
			}
		}
		return false
	}
	return false
}

// =============================================================================
// Device to shepherd
// =============================================================================

// RegisterMessage arrives on "register".
type RegisterMessage struct {
	ClientID string         `json:"clientId"`
	Lifetime int            `json:"lifetime,omitempty"`
	Version  string         `json:"version,omitempty"`
	ObjList  WireObjectList `json:"objList"`
	IP       string         `json:"ip,omitempty"`
}

// DeregisterMessage arrives on "deregister".
type DeregisterMessage struct {
	ClientID string `json:"clientId"`
}

// UpdateMessage arrives on "update". Absent fields are left unchanged.
type UpdateMessage struct {
	ClientID string         `json:"clientId"`
	Lifetime *int           `json:"lifetime,omitempty"`
	Version  *string        `json:"version,omitempty"`
	ObjList  WireObjectList `json:"objList,omitempty"`
	IP       *string        `json:"ip,omitempty"`
}

// NotifyMessage arrives on "notify". RID is omitted for instance-level
// notifications whose value is a map of resource id to value.
type NotifyMessage struct {
	ClientID string `json:"clientId"`
	ObjID    *int   `json:"objId"`
	InstID   *int   `json:"instId"`
	RID      *int   `json:"rId,omitempty"`
	Value    any    `json:"value"`
}

// Path returns the notified path, or an error if objId or instId is missing.
func (m NotifyMessage) Path() (Path, error) {
	if m.ObjID == nil || m.InstID == nil {
		return Path{}, errorf(ErrBadRequest, "notify needs objId and instId")
	}
	p := InstancePath(*m.ObjID, *m.InstID)
	if m.RID != nil {
		p.ResourceID = *m.RID
	}
	if !p.Valid() {
		return Path{}, errorf(ErrBadRequest, "invalid notify path %s", p)
	}
	return p, nil
}

// ResponseMessage arrives on "response" and answers a RequestMessage.
type ResponseMessage struct {
	TransID  *int   `json:"transId"`
	ClientID string `json:"clientId"`
	Status   Status `json:"status"`
	Data     any    `json:"data,omitempty"`
}

// PingMessage arrives on "ping".
type PingMessage struct {
	ClientID string `json:"clientId"`
}

// =============================================================================
// Shepherd to device
// =============================================================================

// RequestMessage is published on "request/<clientId>".
type RequestMessage struct {
	TransID int     `json:"transId"`
	CmdID   Command `json:"cmdId"`
	OID     int     `json:"oid"`
	IID     *int    `json:"iid,omitempty"`
	RID     *int    `json:"rid,omitempty"`
	Data    any     `json:"data,omitempty"`
}

// NewRequestMessage builds a request addressed at path.
func NewRequestMessage(transID int, cmd Command, path Path, data any) RequestMessage {
	msg := RequestMessage{TransID: transID, CmdID: cmd, OID: path.ObjectID, Data: data}
	if path.HasInstance() {
		iid := path.InstanceID
		msg.IID = &iid
	}
	if path.HasResource() {
		rid := path.ResourceID
		msg.RID = &rid
	}
	return msg
}

// Path returns the addressed path.
func (m RequestMessage) Path() Path {
	p := ObjectPath(m.OID)
	if m.IID != nil {
		p.InstanceID = *m.IID
		if m.RID != nil {
			p.ResourceID = *m.RID
		}
	}
	return p
}

// StatusMessage is the acknowledgement published on "<verb>/response/<clientId>".
type StatusMessage struct {
	Status Status `json:"status"`
}

// String is used in debug logs.
func (m RequestMessage) String() string {
	return fmt.Sprintf("%s %s (trans %d)", m.CmdID, m.Path(), m.TransID)
}
