// Package transaction allocates the correlation ids that pair an outbound
// request with the device's response.
//
// Each device has its own cyclic id space [0, window). Allocation continues
// from where the previous one stopped, wraps at the window, and skips every
// id still held by an unresolved request, so an id is never handed out twice
// while pending.
package transaction

import (
	"fmt"
	"sync"

	"github.com/lwmqn/shepherd-sub001/internal/protocol"
)

// DefaultWindow is the id space size when none is configured.
const DefaultWindow = 1 << 16

// ErrExhausted is returned when every id in a device's window is in use.
var ErrExhausted = fmt.Errorf("transaction: %w", protocol.ErrTransactionIDsExhausted)

// Tracker hands out per-device transaction ids.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Tracker struct {
	mu      sync.Mutex
	window  int
	devices map[string]*space
}

type space struct {
	next  int
	inUse map[int]struct{}
}

// New creates a Tracker with the given window size. Values outside
// [1, DefaultWindow] fall back to DefaultWindow.
func New(window int) *Tracker {
	if window < 1 || window > DefaultWindow {
		window = DefaultWindow
	}
	return &Tracker{
		window:  window,
		devices: make(map[string]*space),
	}
}

// Window returns the size of each device's id space.
func (t *Tracker) Window() int {
	return t.window
}

// Allocate returns an id not currently held for clientID.
func (t *Tracker) Allocate(clientID string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.devices[clientID]
	if !ok {
		s = &space{inUse: make(map[int]struct{})}
		t.devices[clientID] = s
	}
	if len(s.inUse) >= t.window {
		return 0, fmt.Errorf("%w: %d ids pending for %s", ErrExhausted, len(s.inUse), clientID)
	}

	id := s.next
	for {
		if _, busy := s.inUse[id]; !busy {
			break
		}
		id = (id + 1) % t.window
	}
	s.inUse[id] = struct{}{}
	s.next = (id + 1) % t.window
	return id, nil
}

// Release returns id to clientID's pool. It reports whether the id was held.
func (t *Tracker) Release(clientID string, id int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.devices[clientID]
	if !ok {
		return false
	}
	if _, held := s.inUse[id]; !held {
		return false
	}
	// The cursor stays where it is so a released id is not reused straight away.
	delete(s.inUse, id)
	return true
}

// InUse reports whether id is currently held for clientID.
func (t *Tracker) InUse(clientID string, id int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.devices[clientID]
	if !ok {
		return false
	}
	_, held := s.inUse[id]
	return held
}

// Pending returns how many ids clientID currently holds.
func (t *Tracker) Pending(clientID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.devices[clientID]; ok {
		return len(s.inUse)
	}
	return 0
}

// Forget drops clientID's id space entirely, e.g. after it deregisters.
func (t *Tracker) Forget(clientID string) {
	t.mu.Lock()
	delete(t.devices, clientID)
	t.mu.Unlock()
}
