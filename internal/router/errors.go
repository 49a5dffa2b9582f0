package router

import (
	"errors"
	"fmt"

	"github.com/lwmqn/shepherd-sub001/internal/protocol"
)

// Domain errors for the router package.
var (
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("router: already started")

	// ErrQueueFull is raised as an error event when a shard queue cannot
	// take another message and the message is dropped.
	ErrQueueFull = errors.New("router: shard queue full")

	// ErrClientMismatch is returned when a per-client topic and its
	// payload name different client ids.
	ErrClientMismatch = fmt.Errorf("router: topic and payload client ids differ: %w", protocol.ErrBadRequest)

	// ErrMissingClientID is returned when neither topic nor payload names
	// a client.
	ErrMissingClientID = fmt.Errorf("router: no client id: %w", protocol.ErrBadRequest)

	// ErrJoinClosed is returned when a new device registers while join is closed.
	ErrJoinClosed = fmt.Errorf("router: join closed: %w", protocol.ErrMethodNotAllowed)
)
