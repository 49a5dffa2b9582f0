package coordinator

import (
	"context"
	"time"

	"github.com/lwmqn/shepherd-sub001/internal/protocol"
)

// Request describes one outbound command.
type Request struct {
	ClientID string
	Command  protocol.Command
	Path     protocol.Path
	Data     any

	// Timeout overrides the coordinator default when positive.
	Timeout time.Duration
}

// Result is what a device answered.
type Result struct {
	Status protocol.Status `json:"status"`
	Data   any             `json:"data,omitempty"`
}

// Handle tracks one issued request until it settles.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Handle struct {
	coord    *Coordinator
	req      Request
	transID  int
	seq      uint64
	deadline time.Time

	done   chan struct{}
	result Result
	err    error
}

// TransID returns the transaction id the request was published with.
func (h *Handle) TransID() int { return h.transID }

// Request returns the request this handle tracks.
func (h *Handle) Request() Request { return h.req }

// Deadline returns when the request times out.
func (h *Handle) Deadline() time.Time { return h.deadline }

// Done is closed once the handle settles.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the outcome, or ErrPending if the handle has not settled.
func (h *Handle) Result() (Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	default:
		return Result{}, ErrPending
	}
}

// Wait blocks until the handle settles or ctx ends. When ctx ends first
// the request is cancelled, freeing its transaction id.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		h.coord.Cancel(h.req.ClientID, h.transID)
		<-h.done
	}
	return h.result, h.err
}

// settle must only be called by whoever removed h from the pending table.
func (h *Handle) settle(res Result, err error) {
	h.result = res
	h.err = err
	close(h.done)
}
