package supervisor

import (
	"errors"
	"fmt"
)

// StartupFailure reports that a replica died before becoming live.
// Shard is -1 when the failure is not attributable to one shard
// (e.g. the caller cancelled the wait).
type StartupFailure struct {
	Tag          string
	ReplicaIndex int
	Shard        int
	Cause        error
}

func (e *StartupFailure) Error() string {
	if e.Shard >= 0 {
		return fmt.Sprintf("deployment %q replica %d: shard %d failed to start: %v", e.Tag, e.ReplicaIndex, e.Shard, e.Cause)
	}
	return fmt.Sprintf("deployment %q replica %d failed to start: %v", e.Tag, e.ReplicaIndex, e.Cause)
}

func (e *StartupFailure) Unwrap() error { return e.Cause }

// IsStartupFailure reports whether err is (or wraps) a *StartupFailure.
func IsStartupFailure(err error) bool {
	var sf *StartupFailure
	return errors.As(err, &sf)
}

// errExitedBeforeReady is the cause recorded when a shard exits cleanly
// before its port became reachable.
var errExitedBeforeReady = errors.New("worker exited before ready")
