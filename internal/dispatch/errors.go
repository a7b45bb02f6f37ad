package dispatch

import (
	"errors"
	"fmt"

	"tpserve/pkg/types"
)

// ErrClosed is returned by Query once the client has been closed.
var ErrClosed = errors.New("dispatch: client closed")

// NotReadyError is returned when a query targets a replica that is not Live.
type NotReadyError struct {
	Tag      string
	Replica  int
	Liveness types.Liveness
}

func (e *NotReadyError) Error() string {
	if e.Replica < 0 {
		return fmt.Sprintf("deployment %q has no live replica", e.Tag)
	}
	return fmt.Sprintf("deployment %q replica %d is %s, not live", e.Tag, e.Replica, e.Liveness)
}

// IsNotReady reports whether err is (or wraps) a *NotReadyError.
func IsNotReady(err error) bool {
	var nr *NotReadyError
	return errors.As(err, &nr)
}

// DispatchError is returned when the awaited shard call fails or its reply
// cannot be decoded.
type DispatchError struct {
	Tag      string
	Replica  int
	Shard    int
	Endpoint types.Endpoint
	Cause    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("deployment %q replica %d shard %d (%s): %v", e.Tag, e.Replica, e.Shard, e.Endpoint, e.Cause)
}

func (e *DispatchError) Unwrap() error { return e.Cause }

// IsDispatch reports whether err is (or wraps) a *DispatchError.
func IsDispatch(err error) bool {
	var de *DispatchError
	return errors.As(err, &de)
}

// RemoteError is a non-2xx reply from a shard worker.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("worker returned %d: %s", e.Status, e.Message)
}
