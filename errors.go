package redisipc

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is the reason carried by a rejected Response whose bounded
	// wait expired before a reply arrived.
	ErrTimeout = errors.New("redisipc: request timed out")

	// ErrNotConnected is returned when an operation requires a connected
	// coordinator.
	ErrNotConnected = errors.New("redisipc: not connected")
)

// ConfigError reports an invalid configuration or a misuse of the lifecycle
// API: missing callbacks at connect time, a double connect, a dispatcher
// started while no worker is available, or a send addressed to the sender's
// own group.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("redisipc: configuration: %s", e.Reason)
}

// ConnectionError wraps a Redis transport failure that is not covered by the
// command façade's benign-error suppression.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("redisipc: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
