package session

import (
	"errors"
	"fmt"
)

// ErrNotAuthenticated is returned by operations that need a directory client
// before authenticate has bound one.
var ErrNotAuthenticated = errors.New("not authenticated")

// ErrNoBridge is returned by operations that need an active codespace bridge.
var ErrNoBridge = errors.New("not connected to a codespace")

// ErrClosed is returned once a session has entered its terminal state.
var ErrClosed = errors.New("session closed")

// DirectoryError wraps a failed codespace directory call. When one occurs
// during connect, the bridge is not attempted.
type DirectoryError struct {
	Op  string
	Err error
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("directory %s: %v", e.Op, e.Err)
}

func (e *DirectoryError) Unwrap() error { return e.Err }

// BridgeError wraps a failure while opening the tunnel or shell. Partially
// acquired resources are rolled back before it is reported.
type BridgeError struct {
	Step string
	Err  error
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("bridge %s: %v", e.Step, e.Err)
}

func (e *BridgeError) Unwrap() error { return e.Err }
