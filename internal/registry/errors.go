package registry

import (
	"fmt"

	"github.com/lwmqn/shepherd-sub001/internal/protocol"
)

// Domain errors for the registry package. Each wraps a protocol sentinel,
// so errors.Is(err, protocol.ErrNotFound) also matches ErrDeviceNotFound.
var (
	// ErrDeviceNotFound is returned when a client id is not registered.
	ErrDeviceNotFound = fmt.Errorf("registry: device %w", protocol.ErrNotFound)

	// ErrRenewConflict is returned when renewing an online device while
	// silent renewal is disabled.
	ErrRenewConflict = fmt.Errorf("registry: device already online: %w", protocol.ErrConflict)

	// ErrInvalidPath is returned when a path is malformed or names an
	// object or instance the device does not expose.
	ErrInvalidPath = fmt.Errorf("registry: invalid path: %w", protocol.ErrBadRequest)

	// ErrInvalidClientID is returned for an empty client id.
	ErrInvalidClientID = fmt.Errorf("registry: invalid client id: %w", protocol.ErrBadRequest)

	// ErrInvalidValue is returned when a value does not fit the path,
	// such as a scalar for an instance-level notification.
	ErrInvalidValue = fmt.Errorf("registry: invalid value: %w", protocol.ErrBadRequest)
)
