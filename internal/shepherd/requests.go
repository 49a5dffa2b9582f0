package shepherd

import (
	"context"
	"fmt"
	"time"

	"github.com/lwmqn/shepherd-sub001/internal/coordinator"
	"github.com/lwmqn/shepherd-sub001/internal/protocol"
	"github.com/lwmqn/shepherd-sub001/internal/registry"
)

// Request issues req and returns its handle without waiting. Unknown
// devices yield registry.ErrDeviceNotFound; devices that are not online
// yield ErrDeviceOffline. After Stop every request fails with
// coordinator.ErrClosed.
func (s *Shepherd) Request(req coordinator.Request) (*coordinator.Handle, error) {
	dev, ok := s.registry.Find(req.ClientID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrDeviceNotFound, req.ClientID)
	}
	if dev.Status == registry.StatusOffline {
		return nil, fmt.Errorf("%w: %s", ErrDeviceOffline, req.ClientID)
	}
	return s.coord.Issue(req)
}

// do issues req and waits for it to settle.
func (s *Shepherd) do(ctx context.Context, req coordinator.Request) (coordinator.Result, error) {
	h, err := s.Request(req)
	if err != nil {
		return coordinator.Result{}, err
	}
	return h.Wait(ctx)
}

// Read returns the value at path: a resource value, an instance map or an
// object map. A successful read is also stored in the registry.
func (s *Shepherd) Read(ctx context.Context, clientID string, path protocol.Path) (any, error) {
	res, err := s.do(ctx, coordinator.Request{ClientID: clientID, Command: protocol.CmdRead, Path: path})
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// Write sets the value at path.
func (s *Shepherd) Write(ctx context.Context, clientID string, path protocol.Path, value any) error {
	_, err := s.do(ctx, coordinator.Request{ClientID: clientID, Command: protocol.CmdWrite, Path: path, Data: value})
	return err
}

// Discover returns the device's description of path.
func (s *Shepherd) Discover(ctx context.Context, clientID string, path protocol.Path) (any, error) {
	res, err := s.do(ctx, coordinator.Request{ClientID: clientID, Command: protocol.CmdDiscover, Path: path})
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// WriteAttrs sets the reporting attributes of path, on the device and,
// once it accepts them, in the registry.
func (s *Shepherd) WriteAttrs(ctx context.Context, clientID string, path protocol.Path, attrs protocol.Attributes) error {
	if err := attrs.Validate(); err != nil {
		return err
	}
	_, err := s.do(ctx, coordinator.Request{ClientID: clientID, Command: protocol.CmdWriteAttrs, Path: path, Data: attrs})
	return err
}

// Execute runs the executable resource at path with args.
func (s *Shepherd) Execute(ctx context.Context, clientID string, path protocol.Path, args []any) error {
	if args == nil {
		args = []any{}
	}
	_, err := s.do(ctx, coordinator.Request{ClientID: clientID, Command: protocol.CmdExecute, Path: path, Data: args})
	return err
}

// Observe asks the device to report path and returns its current value.
// The observation is recorded once the device accepts.
func (s *Shepherd) Observe(ctx context.Context, clientID string, path protocol.Path) (any, error) {
	res, err := s.do(ctx, coordinator.Request{ClientID: clientID, Command: protocol.CmdObserve, Path: path})
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// CancelObserve tells the device to stop reporting path and drops the
// observation. The observation is dropped even if the device refuses.
func (s *Shepherd) CancelObserve(ctx context.Context, clientID string, path protocol.Path) error {
	_, err := s.do(ctx, coordinator.Request{
		ClientID: clientID,
		Command:  protocol.CmdWriteAttrs,
		Path:     path,
		Data:     protocol.Attributes{Cancel: true},
	})
	s.coord.RemoveObservation(clientID, path)
	return err
}

// RequestWithTimeout is Request with an explicit deadline, for callers
// such as the HTTP API that take one per call.
func (s *Shepherd) RequestWithTimeout(ctx context.Context, req coordinator.Request, timeout time.Duration) (coordinator.Result, error) {
	req.Timeout = timeout
	return s.do(ctx, req)
}
