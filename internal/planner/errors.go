package planner

import (
	"errors"
	"fmt"
)

// PlacementError reports an explicitly requested host that the catalog does
// not contain.
type PlacementError struct {
	Host   string
	Reason string
}

func (e *PlacementError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("placement: host %s %s", e.Host, e.Reason)
	}
	return fmt.Sprintf("placement: host %s was not found in the resource catalog", e.Host)
}

// CapacityError reports an explicitly requested host with fewer slots than
// one replica needs.
type CapacityError struct {
	Host      string
	Required  int
	Available int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity: host %s has %d slot(s), but %d slot(s) are required (short by %d)",
		e.Host, e.Available, e.Required, e.Required-e.Available)
}

// InsufficientCapacityError reports that first-fit planning ran out of hosts
// before placing every requested replica.
type InsufficientCapacityError struct {
	Requested int
	Allocated int
	// TensorParallel is the slot count each replica needed.
	TensorParallel int
}

func (e *InsufficientCapacityError) Error() string {
	return fmt.Sprintf("capacity: not enough slots for %d replica(s) of %d slot(s) each, only %d replica(s) can be deployed",
		e.Requested, e.TensorParallel, e.Allocated)
}

// PortRangeError reports a port block that would run past the TCP port space.
type PortRangeError struct {
	Host    string
	Replica int
	Port    int
}

func (e *PortRangeError) Error() string {
	return fmt.Sprintf("ports: replica %d on host %s needs port %d, beyond 65535", e.Replica, e.Host, e.Port)
}

// IsPlacement reports whether err is (or wraps) a *PlacementError.
func IsPlacement(err error) bool {
	var pe *PlacementError
	return errors.As(err, &pe)
}

// IsCapacity reports whether err is a capacity shortfall of either kind.
func IsCapacity(err error) bool {
	var ce *CapacityError
	var ie *InsufficientCapacityError
	return errors.As(err, &ce) || errors.As(err, &ie)
}

// IsInsufficientCapacity reports whether err is (or wraps) an *InsufficientCapacityError.
func IsInsufficientCapacity(err error) bool {
	var ie *InsufficientCapacityError
	return errors.As(err, &ie)
}
