package registry

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lwmqn/shepherd-sub001/internal/protocol"
	"github.com/lwmqn/shepherd-sub001/internal/reporting"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Registry.
type Options struct {
	// AllowRenew lets an online device register again silently.
	// When false the second registration fails with ErrRenewConflict.
	AllowRenew bool

	// DefaultLifetime is used when a registration carries no lifetime.
	DefaultLifetime int

	// DefaultAttributes are the device-wide reporting attributes.
	DefaultAttributes protocol.Attributes

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Registry is the authoritative map of registered devices.
//
// All public methods are thread-safe.
type Registry struct {
	mu      sync.RWMutex // guards entries
	entries map[string]*entry

	writer   *writeBehind
	opts     Options
	now      func() time.Time
	logger   Logger
	loggerMu sync.RWMutex
}

// entry serialises all mutations of one client id. rec is replaced
// wholesale and never modified after it is stored.
type entry struct {
	mu      sync.Mutex
	rec     atomic.Pointer[Device]
	removed bool // set under mu once the entry has left the map
}

// New creates a Registry. repo may be nil for a purely in-memory registry.
func New(repo Repository, opts Options) *Registry {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	r := &Registry{
		entries: make(map[string]*entry),
		opts:    opts,
		now:     now,
		logger:  noopLogger{},
	}
	if repo != nil {
		r.writer = newWriteBehind(repo, r.getLogger)
	}
	return r
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

func (r *Registry) getLogger() Logger {
	r.loggerMu.RLock()
	defer r.loggerMu.RUnlock()
	return r.logger
}

// Load hydrates the registry from the repository. Loaded devices start
// offline with lastSeen set to now, giving each one a full lifetime to
// check in again. Devices already in memory are left alone.
func (r *Registry) Load(ctx context.Context) error {
	if r.writer == nil {
		return nil
	}
	devices, err := r.writer.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	now := r.now().UTC()
	loaded := 0

	r.mu.Lock()
	for _, d := range devices {
		if _, exists := r.entries[d.ClientID]; exists {
			continue
		}
		d.Status = StatusOffline
		d.LastSeen = now
		e := &entry{}
		e.rec.Store(d)
		r.entries[d.ClientID] = e
		loaded++
	}
	r.mu.Unlock()

	r.getLogger().Info("device records loaded", "count", loaded)
	return nil
}

// Close flushes pending writes and stops the background writer.
func (r *Registry) Close(ctx context.Context) error {
	if r.writer == nil {
		return nil
	}
	return r.writer.Close(ctx)
}

// Flush blocks until every write queued so far has reached the repository.
func (r *Registry) Flush(ctx context.Context) error {
	if r.writer == nil {
		return nil
	}
	return r.writer.Flush(ctx)
}

// =============================================================================
// Locking
// =============================================================================

// acquire returns the locked entry for clientID. With create set a missing
// entry is added (holding no record yet). Returns nil if the client is
// unknown and create is false. The caller must unlock e.mu.
func (r *Registry) acquire(clientID string, create bool) *entry {
	for {
		r.mu.RLock()
		e, ok := r.entries[clientID]
		r.mu.RUnlock()

		if !ok {
			if !create {
				return nil
			}
			r.mu.Lock()
			if e, ok = r.entries[clientID]; !ok {
				e = &entry{}
				r.entries[clientID] = e
			}
			r.mu.Unlock()
		}

		e.mu.Lock()
		if !e.removed {
			return e
		}
		// Removed while we waited; look again.
		e.mu.Unlock()
	}
}

// drop removes e from the map. Caller holds e.mu.
func (r *Registry) drop(clientID string, e *entry) {
	e.removed = true
	r.mu.Lock()
	if r.entries[clientID] == e {
		delete(r.entries, clientID)
	}
	r.mu.Unlock()
}

// mutate applies fn to a copy of clientID's record and publishes the result.
func (r *Registry) mutate(clientID string, fn func(d *Device) error) (old, updated *Device, err error) {
	e := r.acquire(clientID, false)
	if e == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, clientID)
	}
	defer e.mu.Unlock()

	cur := e.rec.Load()
	if cur == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, clientID)
	}

	next := cur.DeepCopy()
	if err := fn(next); err != nil {
		return nil, nil, err
	}
	e.rec.Store(next)
	r.persist(next)

	return cur.DeepCopy(), next.DeepCopy(), nil
}

func (r *Registry) persist(d *Device) {
	if r.writer != nil {
		r.writer.save(d)
	}
}

func (r *Registry) unpersist(clientID string) {
	if r.writer != nil {
		r.writer.remove(clientID)
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Register creates or renews the record for clientID.
//
// Concurrent registrations for the same client are serialised: the second
// only starts once the first's record is visible.
func (r *Registry) Register(_ context.Context, clientID string, meta Metadata) (Outcome, *Device, error) {
	if clientID == "" {
		return 0, nil, ErrInvalidClientID
	}

	lifetime := meta.Lifetime
	if lifetime <= 0 {
		lifetime = r.opts.DefaultLifetime
	}

	e := r.acquire(clientID, true)
	defer e.mu.Unlock()

	now := r.now().UTC()
	cur := e.rec.Load()

	if cur == nil {
		d := &Device{
			ClientID:   clientID,
			Lifetime:   lifetime,
			Version:    meta.Version,
			IP:         meta.IP,
			Status:     StatusOnline,
			ObjectList: meta.ObjectList.Clone(),
			JoinedAt:   now,
			LastSeen:   now,
		}
		e.rec.Store(d)
		r.persist(d)

		r.getLogger().Info("device registered", "client_id", clientID, "lifetime", lifetime)
		return OutcomeCreated, d.DeepCopy(), nil
	}

	if !r.opts.AllowRenew && cur.Status == StatusOnline {
		return 0, nil, fmt.Errorf("%w: %s", ErrRenewConflict, clientID)
	}

	next := cur.DeepCopy()
	next.Lifetime = lifetime
	next.Version = meta.Version
	next.IP = meta.IP
	next.ObjectList = meta.ObjectList.Clone()
	next.Status = StatusOnline
	next.LastSeen = now
	pruneResources(next)

	e.rec.Store(next)
	r.persist(next)

	r.getLogger().Debug("device registration renewed", "client_id", clientID)
	return OutcomeRenewed, next.DeepCopy(), nil
}

// Deregister removes clientID's record and returns it.
// An unknown client yields ErrDeviceNotFound and changes nothing.
func (r *Registry) Deregister(_ context.Context, clientID string) (*Device, error) {
	e := r.acquire(clientID, false)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, clientID)
	}
	defer e.mu.Unlock()

	cur := e.rec.Load()
	r.drop(clientID, e)
	if cur == nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, clientID)
	}
	r.unpersist(clientID)

	r.getLogger().Info("device deregistered", "client_id", clientID)
	return cur.DeepCopy(), nil
}

// UpdateRecord merges the present fields of u into clientID's record,
// marks it online and refreshes lastSeen. It returns the record before and
// after the merge.
func (r *Registry) UpdateRecord(_ context.Context, clientID string, u Update) (old, updated *Device, err error) {
	if u.Lifetime != nil && *u.Lifetime < 0 {
		return nil, nil, fmt.Errorf("%w: negative lifetime", protocol.ErrBadRequest)
	}

	return r.mutate(clientID, func(d *Device) error {
		if u.Lifetime != nil {
			d.Lifetime = *u.Lifetime
		}
		if u.Version != nil {
			d.Version = *u.Version
		}
		if u.IP != nil {
			d.IP = *u.IP
		}
		if u.ObjectList != nil {
			d.ObjectList = u.ObjectList.Clone()
			pruneResources(d)
		}
		d.Status = StatusOnline
		d.LastSeen = r.now().UTC()
		return nil
	})
}

// Touch refreshes lastSeen and marks the device online.
func (r *Registry) Touch(_ context.Context, clientID string) (*Device, error) {
	_, d, err := r.mutate(clientID, func(d *Device) error {
		d.LastSeen = r.now().UTC()
		d.Status = StatusOnline
		return nil
	})
	return d, err
}

// SetStatus changes a device's status.
func (r *Registry) SetStatus(_ context.Context, clientID string, status Status) (*Device, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", protocol.ErrBadRequest, status)
	}
	_, d, err := r.mutate(clientID, func(d *Device) error {
		d.Status = status
		return nil
	})
	return d, err
}

// ExpireStale removes every record with lastSeen + lifetime before now and
// returns the removed records. Safe to run concurrently with registrations:
// a device that renews while the sweep runs is re-checked under its lock.
func (r *Registry) ExpireStale(_ context.Context, now time.Time) []*Device {
	r.mu.RLock()
	var candidates []string
	for id, e := range r.entries {
		if d := e.rec.Load(); d != nil && d.Expired(now) {
			candidates = append(candidates, id)
		}
	}
	r.mu.RUnlock()

	sort.Strings(candidates)

	var expired []*Device
	for _, id := range candidates {
		e := r.acquire(id, false)
		if e == nil {
			continue
		}
		if d := e.rec.Load(); d != nil && d.Expired(now) {
			r.drop(id, e)
			r.unpersist(id)
			expired = append(expired, d.DeepCopy())
		}
		e.mu.Unlock()
	}

	if len(expired) > 0 {
		r.getLogger().Info("expired stale devices", "count", len(expired))
	}
	return expired
}

// =============================================================================
// Resources
// =============================================================================

// ApplyNotify writes value into clientID's resource tree and runs the
// reporting evaluator for each written resource.
//
// path must name at least an instance the device lists. For a resource
// path value is the resource value; for an instance path it is a map of
// resource id to value.
func (r *Registry) ApplyNotify(_ context.Context, clientID string, path protocol.Path, value any) (NotifyResult, error) {
	result := NotifyResult{Path: path}

	_, _, err := r.mutate(clientID, func(d *Device) error {
		values, err := resourceValues(d, path, value)
		if err != nil {
			return err
		}

		now := r.now().UTC()
		ensureResources(d)
		for _, rv := range values {
			key := rv.path.String()
			res, had := d.Resources[key]

			fire := reporting.Evaluate(reporting.Input{
				Attrs:        r.attributesFor(d, rv.path),
				Previous:     res.Value,
				HasPrevious:  had,
				Current:      rv.value,
				LastReported: res.LastReported,
				HasReported:  res.HasReported,
				LastReportAt: res.LastReportAt,
				Now:          now,
			})

			res.Value = rv.value
			res.UpdatedAt = now
			if fire {
				res.HasReported = true
				res.LastReported = deepCopyValue(rv.value)
				res.LastReportAt = now
				result.Reported = true
			}
			d.Resources[key] = res

			result.Changes = append(result.Changes, ResourceChange{
				Path:     rv.path,
				Value:    deepCopyValue(rv.value),
				Reported: fire,
			})
		}
		d.LastSeen = now
		return nil
	})
	if err != nil {
		return NotifyResult{}, err
	}
	return result, nil
}

// ApplyRead stores the data of a successful read without touching the
// reporting state. Object-level data is a map of instance id to a map of
// resource id to value.
func (r *Registry) ApplyRead(_ context.Context, clientID string, path protocol.Path, data any) error {
	_, _, err := r.mutate(clientID, func(d *Device) error {
		var values []pathValue
		if path.HasInstance() {
			var err error
			if values, err = resourceValues(d, path, data); err != nil {
				return err
			}
		} else {
			if !d.ObjectList.Contains(path) {
				return fmt.Errorf("%w: %s not exposed by %s", ErrInvalidPath, path, clientID)
			}
			instances, ok := asMap(data)
			if !ok {
				return fmt.Errorf("%w: object read of %s is not a map", ErrInvalidValue, path)
			}
			for iidKey, inst := range instances {
				iid, err := strconv.Atoi(iidKey)
				if err != nil {
					return fmt.Errorf("%w: instance key %q", ErrInvalidValue, iidKey)
				}
				vs, err := resourceValues(d, protocol.InstancePath(path.ObjectID, iid), inst)
				if err != nil {
					return err
				}
				values = append(values, vs...)
			}
		}

		now := r.now().UTC()
		ensureResources(d)
		for _, rv := range values {
			key := rv.path.String()
			res := d.Resources[key]
			res.Value = rv.value
			res.UpdatedAt = now
			d.Resources[key] = res
		}
		return nil
	})
	return err
}

// SetAttributes stores reporting attributes at the scope named by path.
// An empty attribute set removes the scope's entry.
func (r *Registry) SetAttributes(_ context.Context, clientID string, path protocol.Path, attrs protocol.Attributes) error {
	if err := attrs.Validate(); err != nil {
		return err
	}
	_, _, err := r.mutate(clientID, func(d *Device) error {
		if !path.Valid() || !d.ObjectList.Contains(path) {
			return fmt.Errorf("%w: %s not exposed by %s", ErrInvalidPath, path, clientID)
		}
		if attrs.IsZero() {
			delete(d.Attributes, path.String())
			return nil
		}
		if d.Attributes == nil {
			d.Attributes = make(map[string]protocol.Attributes)
		}
		d.Attributes[path.String()] = attrs.Clone()
		return nil
	})
	return err
}

// ClearCancel drops the cancel flag stored at exactly path, so reporting
// resumes once the path is observed again.
func (r *Registry) ClearCancel(_ context.Context, clientID string, path protocol.Path) error {
	_, _, err := r.mutate(clientID, func(d *Device) error {
		a, ok := d.Attributes[path.String()]
		if !ok || !a.Cancel {
			return nil
		}
		a = a.Clone()
		a.Cancel = false
		if a.IsZero() {
			delete(d.Attributes, path.String())
		} else {
			d.Attributes[path.String()] = a
		}
		return nil
	})
	return err
}

// Attributes returns the attribute set in force for path: the most
// specific of resource, instance and object scope, else the device default.
func (r *Registry) Attributes(clientID string, path protocol.Path) (protocol.Attributes, error) {
	d, ok := r.snapshot(clientID)
	if !ok {
		return protocol.Attributes{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, clientID)
	}
	return r.attributesFor(d, path).Clone(), nil
}

func (r *Registry) attributesFor(d *Device, path protocol.Path) protocol.Attributes {
	for _, scope := range path.Scopes() {
		if a, ok := d.Attributes[scope.String()]; ok {
			return a
		}
	}
	return r.opts.DefaultAttributes
}

// =============================================================================
// Queries
// =============================================================================

// Find returns a copy of clientID's record.
func (r *Registry) Find(clientID string) (*Device, bool) {
	d, ok := r.snapshot(clientID)
	if !ok {
		return nil, false
	}
	return d.DeepCopy(), true
}

// snapshot returns the published record without copying. Never modify it.
func (r *Registry) snapshot(clientID string) (*Device, bool) {
	r.mu.RLock()
	e, ok := r.entries[clientID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	d := e.rec.Load()
	return d, d != nil
}

// List returns copies of every record, sorted by client id.
func (r *Registry) List() []*Device {
	r.mu.RLock()
	devices := make([]*Device, 0, len(r.entries))
	for _, e := range r.entries {
		if d := e.rec.Load(); d != nil {
			devices = append(devices, d)
		}
	}
	r.mu.RUnlock()

	sort.Slice(devices, func(i, j int) bool { return devices[i].ClientID < devices[j].ClientID })
	for i, d := range devices {
		devices[i] = d.DeepCopy()
	}
	return devices
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.rec.Load() != nil {
			n++
		}
	}
	return n
}

// =============================================================================
// Helpers
// =============================================================================

type pathValue struct {
	path  protocol.Path
	value any
}

// resourceValues flattens value at an instance or resource path into
// per-resource writes, checking the path against the device's object list.
func resourceValues(d *Device, path protocol.Path, value any) ([]pathValue, error) {
	if !path.Valid() || !path.HasInstance() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPath, path)
	}
	if !d.ObjectList.Contains(path) {
		return nil, fmt.Errorf("%w: %s not exposed by %s", ErrInvalidPath, path, d.ClientID)
	}
	if path.HasResource() {
		return []pathValue{{path: path, value: deepCopyValue(value)}}, nil
	}

	m, ok := asMap(value)
	if !ok {
		return nil, fmt.Errorf("%w: instance value for %s must be a map of resource ids", ErrInvalidValue, path)
	}

	keys := make([]int, 0, len(m))
	byID := make(map[int]any, len(m))
	for k, v := range m {
		rid, err := strconv.Atoi(k)
		if err != nil || rid < 0 {
			return nil, fmt.Errorf("%w: resource key %q", ErrInvalidValue, k)
		}
		keys = append(keys, rid)
		byID[rid] = v
	}
	sort.Ints(keys)

	values := make([]pathValue, 0, len(keys))
	for _, rid := range keys {
		values = append(values, pathValue{
			path:  protocol.ResourcePath(path.ObjectID, path.InstanceID, rid),
			value: deepCopyValue(byID[rid]),
		})
	}
	return values, nil
}

// asMap accepts the map shapes decoders produce for untyped objects.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func ensureResources(d *Device) {
	if d.Resources == nil {
		d.Resources = make(map[string]Resource)
	}
}

// pruneResources drops resource values and attributes for instances the
// object list no longer contains.
func pruneResources(d *Device) {
	for key := range d.Resources {
		p, err := protocol.ParsePath(key)
		if err != nil || !d.ObjectList.Contains(p) {
			delete(d.Resources, key)
		}
	}
	for key := range d.Attributes {
		p, err := protocol.ParsePath(key)
		if err != nil || !d.ObjectList.Contains(p) {
			delete(d.Attributes, key)
		}
	}
}
