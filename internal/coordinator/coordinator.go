// Package coordinator pairs outbound device requests with their responses.
//
// Issue allocates a transaction id, records a pending entry and publishes
// the request. The entry settles exactly once, by whichever of these gets to
// remove it from the pending table first:
//   - Resolve, when the device answers
//   - TimeoutSweep, when the deadline passes
//   - Cancel, CancelDevice, CancelDeviceBefore, CancelAll or Close
//   - a failed publish
//
// Responses for unknown or already settled transactions are dropped. After
// Close, Issue refuses new requests with ErrClosed.
package coordinator

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/lwmqn/shepherd-sub001/internal/protocol"
	"github.com/lwmqn/shepherd-sub001/internal/transaction"
)

// DefaultTimeout applies when neither the request nor Options set one.
const DefaultTimeout = 10 * time.Second

// Sender publishes a request to a device.
type Sender interface {
	SendRequest(clientID string, msg protocol.RequestMessage) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(clientID string, msg protocol.RequestMessage) error

// SendRequest implements Sender.
func (f SenderFunc) SendRequest(clientID string, msg protocol.RequestMessage) error {
	return f(clientID, msg)
}

// Logger defines the logging interface used by the Coordinator.
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

// Options configures a Coordinator.
type Options struct {
	// Window is the per-device transaction id space.
	Window int

	// Timeout is the default request deadline.
	Timeout time.Duration

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Observation records an accepted observe on one path.
type Observation struct {
	ClientID string        `json:"clientId"`
	Path     protocol.Path `json:"path"`
	TransID  int           `json:"transId"`
	Since    time.Time     `json:"since"`

	seq uint64
}

type key struct {
	clientID string
	transID  int
}

// Coordinator owns the pending request table.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Publishing and settlement happen outside the table lock.
type Coordinator struct {
	mu           sync.Mutex
	pending      map[key]*Handle
	observations map[string]map[string]Observation // clientID -> path
	tracker      *transaction.Tracker
	seq          uint64 // issue order, see Mark
	closed       bool

	sender  Sender
	timeout time.Duration
	now     func() time.Time

	logger   Logger
	loggerMu sync.RWMutex
}

// New creates a Coordinator that publishes through sender.
func New(sender Sender, opts Options) *Coordinator {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		pending:      make(map[key]*Handle),
		observations: make(map[string]map[string]Observation),
		tracker:      transaction.New(opts.Window),
		sender:       sender,
		timeout:      timeout,
		now:          now,
		logger:       noopLogger{},
	}
}

// SetLogger sets the logger for the coordinator.
func (c *Coordinator) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Coordinator) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// Issue publishes req and returns its handle without waiting for an answer.
//
// A publish failure is not returned here: the handle settles at once with
// ErrSendFailed. Issue itself fails for an invalid request, when the device
// has no free transaction id, or after Close.
func (c *Coordinator) Issue(req Request) (*Handle, error) {
	if req.ClientID == "" {
		return nil, fmt.Errorf("%w: empty client id", ErrInvalidRequest)
	}
	if !req.Command.Valid() {
		return nil, fmt.Errorf("%w: unknown command %d", ErrInvalidRequest, req.Command)
	}
	if !req.Path.Valid() {
		return nil, fmt.Errorf("%w: path %s", ErrInvalidRequest, req.Path)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	id, err := c.tracker.Allocate(req.ClientID)
	if err != nil {
		inFlight := c.tracker.Pending(req.ClientID)
		c.mu.Unlock()
		c.getLogger().Error("transaction ids exhausted",
			"client_id", req.ClientID,
			"in_flight", inFlight,
			"window", c.tracker.Window(),
		)
		return nil, err
	}
	h := &Handle{
		coord:    c,
		req:      req,
		transID:  id,
		deadline: c.now().Add(timeout),
		done:     make(chan struct{}),
	}
	c.seq++
	h.seq = c.seq
	c.pending[key{req.ClientID, id}] = h
	c.mu.Unlock()

	msg := protocol.NewRequestMessage(id, req.Command, req.Path, req.Data)
	if err := c.sender.SendRequest(req.ClientID, msg); err != nil {
		if c.take(req.ClientID, id) != nil {
			c.getLogger().Warn("request publish failed",
				"client_id", req.ClientID,
				"trans_id", id,
				"error", err,
			)
			h.settle(Result{}, fmt.Errorf("%w: %w", ErrSendFailed, err))
		}
		return h, nil
	}

	c.getLogger().Debug("request issued", "client_id", req.ClientID, "request", msg.String())
	return h, nil
}

// take removes and returns the pending entry, releasing its id.
// It is the only way an entry leaves the table.
func (c *Coordinator) take(clientID string, transID int) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.takeLocked(key{clientID, transID})
}

func (c *Coordinator) takeLocked(k key) *Handle {
	h, ok := c.pending[k]
	if !ok {
		return nil
	}
	delete(c.pending, k)
	c.tracker.Release(k.clientID, k.transID)
	return h
}

// Response is a device's answer to a request.
type Response struct {
	ClientID string
	TransID  int
	Status   protocol.Status
	Data     any
}

// Resolve settles the pending request resp answers. It returns false, and
// does nothing, when no such request is pending.
//
// Statuses below 400 settle successfully. Anything else settles with a
// *protocol.StatusError. A successful observe starts an Observation.
//
// apply, if non-nil, runs for successful responses after the entry has
// left the table and before the handle settles, so state it writes is
// visible to whoever waits on the handle.
func (c *Coordinator) Resolve(resp Response, apply func(h *Handle, res Result)) bool {
	c.mu.Lock()
	h := c.takeLocked(key{resp.ClientID, resp.TransID})
	if h == nil {
		c.mu.Unlock()
		return false
	}
	ok := resp.Status.IsSuccess()
	if ok && h.req.Command == protocol.CmdObserve {
		c.observeLocked(h)
	}
	c.mu.Unlock()

	res := Result{Status: resp.Status, Data: resp.Data}
	if !ok {
		h.settle(res, &protocol.StatusError{Status: resp.Status, Data: resp.Data})
		return true
	}
	if apply != nil {
		apply(h, res)
	}
	h.settle(res, nil)
	return true
}

// TimeoutSweep settles every request whose deadline is not after now and
// returns how many it settled.
func (c *Coordinator) TimeoutSweep(now time.Time) int {
	c.mu.Lock()
	var expired []*Handle
	for k, h := range c.pending {
		if !h.deadline.After(now) {
			expired = append(expired, c.takeLocked(k))
		}
	}
	c.mu.Unlock()

	for _, h := range expired {
		h.settle(Result{Status: protocol.StatusTimeout}, ErrRequestTimeout)
	}
	if len(expired) > 0 {
		c.getLogger().Debug("requests timed out", "count", len(expired))
	}
	return len(expired)
}

// Cancel settles one pending request with ErrRequestCancelled.
func (c *Coordinator) Cancel(clientID string, transID int) bool {
	h := c.take(clientID, transID)
	if h == nil {
		return false
	}
	h.settle(Result{}, ErrRequestCancelled)
	return true
}

// CancelDevice cancels every pending request of clientID and drops its
// observations. It returns the number of requests cancelled.
func (c *Coordinator) CancelDevice(clientID string) int {
	return c.CancelDeviceBefore(clientID, math.MaxUint64)
}

// Mark returns the current position in the issue order. Requests issued
// after the call compare greater than the mark.
func (c *Coordinator) Mark() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// CancelDeviceBefore cancels the pending requests and drops the
// observations of clientID that were issued at or before mark. Anything
// issued later, e.g. after the device registered again, is left alone.
// The device's id space is forgotten only when nothing remains pending.
func (c *Coordinator) CancelDeviceBefore(clientID string, mark uint64) int {
	c.mu.Lock()
	var cancelled []*Handle
	for k, h := range c.pending {
		if k.clientID == clientID && h.seq <= mark {
			cancelled = append(cancelled, c.takeLocked(k))
		}
	}
	if obs, ok := c.observations[clientID]; ok {
		for p, o := range obs {
			if o.seq <= mark {
				delete(obs, p)
			}
		}
		if len(obs) == 0 {
			delete(c.observations, clientID)
		}
	}
	if c.tracker.Pending(clientID) == 0 {
		c.tracker.Forget(clientID)
	}
	c.mu.Unlock()

	for _, h := range cancelled {
		h.settle(Result{}, ErrRequestCancelled)
	}
	return len(cancelled)
}

// CancelAll cancels every pending request and forgets all observations.
func (c *Coordinator) CancelAll() int {
	c.mu.Lock()
	cancelled := make([]*Handle, 0, len(c.pending))
	for k := range c.pending {
		cancelled = append(cancelled, c.takeLocked(k))
	}
	c.observations = make(map[string]map[string]Observation)
	c.mu.Unlock()

	for _, h := range cancelled {
		h.settle(Result{}, ErrRequestCancelled)
	}
	return len(cancelled)
}

// Close cancels every pending request and makes Issue fail with ErrClosed
// from then on. It returns the number of requests cancelled.
func (c *Coordinator) Close() int {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.CancelAll()
}

// Pending returns the number of unsettled requests for clientID, or for
// every device when clientID is empty.
func (c *Coordinator) Pending(clientID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if clientID == "" {
		return len(c.pending)
	}
	n := 0
	for k := range c.pending {
		if k.clientID == clientID {
			n++
		}
	}
	return n
}

// =============================================================================
// Observations
// =============================================================================

func (c *Coordinator) observeLocked(h *Handle) {
	obs, ok := c.observations[h.req.ClientID]
	if !ok {
		obs = make(map[string]Observation)
		c.observations[h.req.ClientID] = obs
	}
	obs[h.req.Path.String()] = Observation{
		ClientID: h.req.ClientID,
		Path:     h.req.Path,
		TransID:  h.transID,
		Since:    c.now().UTC(),
		seq:      h.seq,
	}
}

// Observations returns clientID's active observations sorted by path.
func (c *Coordinator) Observations(clientID string) []Observation {
	c.mu.Lock()
	defer c.mu.Unlock()

	obs := c.observations[clientID]
	out := make([]Observation, 0, len(obs))
	for _, o := range obs {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path.String() < out[j].Path.String() })
	return out
}

// Observing reports whether path on clientID is observed.
func (c *Coordinator) Observing(clientID string, path protocol.Path) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.observations[clientID][path.String()]
	return ok
}

// RemoveObservation drops the observation of path and cancels any observe
// request on that path still waiting for an answer. It reports whether
// anything was removed.
func (c *Coordinator) RemoveObservation(clientID string, path protocol.Path) bool {
	c.mu.Lock()
	removed := false
	if obs, ok := c.observations[clientID]; ok {
		if _, ok := obs[path.String()]; ok {
			delete(obs, path.String())
			removed = true
		}
		if len(obs) == 0 {
			delete(c.observations, clientID)
		}
	}

	var cancelled []*Handle
	for k, h := range c.pending {
		if k.clientID == clientID && h.req.Command == protocol.CmdObserve && h.req.Path == path {
			cancelled = append(cancelled, c.takeLocked(k))
		}
	}
	c.mu.Unlock()

	for _, h := range cancelled {
		h.settle(Result{}, ErrRequestCancelled)
	}
	return removed || len(cancelled) > 0
}
