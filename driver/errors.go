package driver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ConnectError marks a failure to establish or use a transport-level
// connection. The translation boundary wraps raw driver failures into this
// kind exactly once; an error that already carries it passes through
// untouched.
type ConnectError struct {
	Addr string
	Op   string
	Err  error
}

// Error renders the failure with its operation and target address.
func (e *ConnectError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("redis connection failure: %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("redis connection failure: %s: %v", e.Op, e.Err)
}

// Unwrap exposes the native driver failure.
func (e *ConnectError) Unwrap() error { return e.Err }

// TimeoutError marks an attempt that exceeded its time budget. Callers rely
// on the distinction from ConnectError to decide whether retrying is safe.
type TimeoutError struct {
	Op    string
	After time.Duration
	Err   error
}

// Error renders the failure with the exceeded budget when known.
func (e *TimeoutError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("redis timeout: %s after %s: %v", e.Op, e.After, e.Err)
	}
	return fmt.Sprintf("redis timeout: %s: %v", e.Op, e.Err)
}

// Unwrap exposes the native driver failure.
func (e *TimeoutError) Unwrap() error { return e.Err }

// Timeout marks the error as a timeout for net.Error-style checks.
func (e *TimeoutError) Timeout() bool { return true }

// Temporary completes the net.Error surface.
func (e *TimeoutError) Temporary() bool { return true }

// Translate normalizes an arbitrary driver failure into the library's error
// taxonomy. Timeouts keep their own kind; everything else becomes a
// connection failure with the original error as cause. Errors that already
// carry a taxonomy kind are returned unchanged.
func Translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var connErr *ConnectError
	if errors.As(err, &connErr) {
		return err
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Op: op, Err: err}
	}
	return &ConnectError{Op: op, Err: err}
}

// IsConnectError reports whether err carries the connection-failure kind.
func IsConnectError(err error) bool {
	var connErr *ConnectError
	return errors.As(err, &connErr)
}

// IsTimeout reports whether err carries the timeout kind.
func IsTimeout(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}
