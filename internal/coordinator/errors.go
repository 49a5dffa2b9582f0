package coordinator

import (
	"errors"
	"fmt"

	"github.com/lwmqn/shepherd-sub001/internal/protocol"
)

// Domain errors for the coordinator package.
var (
	// ErrRequestTimeout settles a request whose deadline passed.
	ErrRequestTimeout = fmt.Errorf("coordinator: request %w", protocol.ErrTimeout)

	// ErrRequestCancelled settles a request that was cancelled.
	ErrRequestCancelled = fmt.Errorf("coordinator: request %w", protocol.ErrCancelled)

	// ErrSendFailed settles a request that could not be published.
	ErrSendFailed = fmt.Errorf("coordinator: send failed: %w", protocol.ErrTransport)

	// ErrClosed is returned by Issue once the coordinator is closed.
	ErrClosed = fmt.Errorf("coordinator: closed: %w", protocol.ErrTransport)

	// ErrInvalidRequest is returned by Issue for a malformed request.
	ErrInvalidRequest = fmt.Errorf("coordinator: invalid request: %w", protocol.ErrBadRequest)

	// ErrPending is returned by Handle.Result before the handle settles.
	ErrPending = errors.New("coordinator: request still pending")
)
