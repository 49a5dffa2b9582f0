package registry

import (
	"context"
	"errors"
	"sync"
	"time"
)

// writeTimeout bounds each repository call made by the background writer.
const writeTimeout = 5 * time.Second

// ErrWriterClosed is returned by Flush after Close.
var ErrWriterClosed = errors.New("registry: writer closed")

// writeBehind persists registry records off the hot path. Writes for the
// same client coalesce: only the latest record (or a delete) is kept.
// The repository is always called without any registry lock held.
type writeBehind struct {
	repo   Repository
	logger func() Logger

	mu      sync.Mutex
	pending map[string]*Device // nil value means delete
	order   []string

	wake    chan struct{}
	flushes chan chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newWriteBehind(repo Repository, logger func() Logger) *writeBehind {
	w := &writeBehind{
		repo:    repo,
		logger:  logger,
		pending: make(map[string]*Device),
		wake:    make(chan struct{}, 1),
		flushes: make(chan chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// save queues d. d must not be modified afterwards.
func (w *writeBehind) save(d *Device) {
	w.enqueue(d.ClientID, d)
}

func (w *writeBehind) remove(clientID string) {
	w.enqueue(clientID, nil)
}

func (w *writeBehind) enqueue(clientID string, d *Device) {
	w.mu.Lock()
	if _, queued := w.pending[clientID]; !queued {
		w.order = append(w.order, clientID)
	}
	w.pending[clientID] = d
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Flush blocks until everything queued before the call has been written.
func (w *writeBehind) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case w.flushes <- ack:
	case <-w.done:
		return ErrWriterClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close writes whatever is still queued and stops the writer.
func (w *writeBehind) Close(ctx context.Context) error {
	w.once.Do(func() { close(w.stop) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *writeBehind) run() {
	defer close(w.done)
	for {
		select {
		case <-w.wake:
			w.drain()
		case ack := <-w.flushes:
			w.drain()
			close(ack)
		case <-w.stop:
			w.drain()
			return
		}
	}
}

// drain writes every queued record in arrival order.
func (w *writeBehind) drain() {
	w.mu.Lock()
	batch := w.pending
	order := w.order
	w.pending = make(map[string]*Device)
	w.order = nil
	w.mu.Unlock()

	for _, id := range order {
		d := batch[id]
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		var err error
		if d == nil {
			err = w.repo.Delete(ctx, id)
			if errors.Is(err, ErrDeviceNotFound) {
				err = nil
			}
		} else {
			err = w.repo.Save(ctx, d)
		}
		cancel()

		if err != nil {
			w.logger().Error("persisting device record failed",
				"client_id", id,
				"delete", d == nil,
				"error", err,
			)
		}
	}
}
