// Package events delivers shepherd lifecycle events to subscribers.
//
// Emit never blocks the caller: events are appended to an unbounded queue
// and a single dispatcher goroutine hands each one to every subscriber in
// registration order. A subscriber that panics is logged and skipped; the
// remaining subscribers still see the event.
package events

import (
	"sync"
	"time"

	"github.com/lwmqn/shepherd-sub001/internal/registry"
)

// Kind identifies a lifecycle event.
type Kind string

// Event kinds.
const (
	KindReady        Kind = "ready"
	KindRegistered   Kind = "registered"
	KindDeregistered Kind = "deregistered"
	KindUpdated      Kind = "updated"
	KindNotified     Kind = "notified"
	KindExpired      Kind = "expired"
	KindError        Kind = "error"
)

// Kinds lists every event kind.
var Kinds = []Kind{KindReady, KindRegistered, KindDeregistered, KindUpdated, KindNotified, KindExpired, KindError}

// Event is one lifecycle notification. Which fields are set depends on Kind.
type Event struct {
	Kind     Kind      `json:"kind"`
	ClientID string    `json:"clientId,omitempty"`
	Time     time.Time `json:"time"`

	// Device is the record after the change (registered, updated,
	// notified) or the record removed (deregistered, expired).
	Device *registry.Device `json:"device,omitempty"`

	// Diff holds the changed fields of an update.
	Diff map[string]any `json:"diff,omitempty"`

	// Removed marks a deregistration made by an operator rather than the device.
	Removed bool `json:"removed,omitempty"`

	// Notify describes the resources written by a notification.
	Notify *registry.NotifyResult `json:"notify,omitempty"`

	// Err is set for KindError.
	Err error `json:"-"`
}

// Handler receives events.
type Handler func(Event)

// Logger defines the logging interface used by the Bus.
type Logger interface {
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Error(string, ...any) {}

type subscriber struct {
	id uint64
	fn Handler
}

// Bus is an ordered, non-blocking event dispatcher.
type Bus struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool

	subsMu sync.RWMutex
	subs   []subscriber
	nextID uint64

	logger Logger
	now    func() time.Time
	done   chan struct{}
}

// NewBus creates a Bus and starts its dispatcher.
func NewBus() *Bus {
	b := &Bus{
		logger: noopLogger{},
		now:    time.Now,
		done:   make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	go b.dispatch()
	return b
}

// SetLogger sets the logger used to report subscriber panics.
func (b *Bus) SetLogger(logger Logger) {
	b.subsMu.Lock()
	b.logger = logger
	b.subsMu.Unlock()
}

// Subscribe registers fn and returns a function that removes it.
// Handlers run on the dispatcher goroutine and must not block for long.
func (b *Bus) Subscribe(fn Handler) (unsubscribe func()) {
	b.subsMu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	b.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.subsMu.Lock()
			defer b.subsMu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit queues ev for delivery. Events emitted after Close are dropped.
func (b *Bus) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = b.now().UTC()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()
	b.cond.Signal()
}

// Close delivers every queued event and stops the dispatcher.
func (b *Bus) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		b.cond.Broadcast()
	}
	b.mu.Unlock()
	<-b.done
}

// Pending returns the number of queued, undelivered events.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		batch := b.queue
		b.queue = nil
		b.mu.Unlock()

		for _, ev := range batch {
			b.deliver(ev)
		}
	}
}

func (b *Bus) deliver(ev Event) {
	b.subsMu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	logger := b.logger
	b.subsMu.RUnlock()

	for _, s := range subs {
		b.call(logger, s.fn, ev)
	}
}

func (b *Bus) call(logger Logger, fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler panic recovered",
				"kind", string(ev.Kind),
				"client_id", ev.ClientID,
				"panic", r,
			)
		}
	}()
	fn(ev)
}
