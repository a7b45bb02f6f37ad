package supervisor

import (
	"sync"
	"sync/atomic"
	"time"

	"tpserve/pkg/types"
)

// Handle is the runtime view of one replica. Only the supervisor changes
// its liveness; dispatchers read it.
type Handle struct {
	tag       string
	index     int
	endpoints []types.Endpoint
	state     atomic.Int32

	mu     sync.Mutex
	err    error
	shards []*shard
	// closed when the handle leaves Starting
	settled  chan struct{}
	once     sync.Once
	released atomic.Bool
	// set for replicas started by another process
	attached bool
}

// shard is one launched worker process and its exit status.
type shard struct {
	rank int
	proc Process
	done chan struct{}
	err  error
}

func newHandle(tag string, index int, r types.Replica) *Handle {
	h := &Handle{tag: tag, index: index, endpoints: r.Endpoints(), settled: make(chan struct{})}
	h.state.Store(int32(types.Starting))
	return h
}

// Tag returns the deployment the replica belongs to.
func (h *Handle) Tag() string { return h.tag }

// Index returns the replica's position in the descriptor.
func (h *Handle) Index() int { return h.index }

// Endpoints returns the shard endpoints in rank order.
func (h *Handle) Endpoints() []types.Endpoint {
	out := make([]types.Endpoint, len(h.endpoints))
	copy(out, h.endpoints)
	return out
}

// Attached reports whether the replica was attached to rather than
// launched, in which case Stop does not terminate its processes.
func (h *Handle) Attached() bool { return h.attached }

// Liveness returns the current state.
func (h *Handle) Liveness() types.Liveness { return types.Liveness(h.state.Load()) }

// Err returns why the replica is dead, or nil.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Settled is closed once the replica has left Starting.
func (h *Handle) Settled() <-chan struct{} { return h.settled }

// Pids returns the process ids of launched shards; 0 where unknown.
func (h *Handle) Pids() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int, len(h.shards))
	for i, s := range h.shards {
		out[i] = s.proc.Pid()
	}
	return out
}

func (h *Handle) markLive() bool {
	h.mu.Lock()
	ok := h.state.CompareAndSwap(int32(types.Starting), int32(types.Live))
	h.mu.Unlock()
	if !ok {
		return false
	}
	h.once.Do(func() { close(h.settled) })
	return true
}

// markDead moves the handle to Dead from any other state and returns the
// state it left. Dead is terminal; the first recorded cause wins.
func (h *Handle) markDead(cause error) (types.Liveness, bool) {
	h.mu.Lock()
	prev := types.Liveness(h.state.Load())
	if prev == types.Dead {
		h.mu.Unlock()
		return prev, false
	}
	h.err = cause
	h.state.Store(int32(types.Dead))
	h.mu.Unlock()
	h.once.Do(func() { close(h.settled) })
	return prev, true
}

func (h *Handle) addShard(s *shard) {
	h.mu.Lock()
	h.shards = append(h.shards, s)
	h.mu.Unlock()
}

func (h *Handle) snapshotShards() []*shard {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*shard, len(h.shards))
	copy(out, h.shards)
	return out
}

// waitDone reports whether the shard exited within d.
func (s *shard) waitDone(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.done:
		return true
	case <-t.C:
		return false
	}
}

func (s *shard) exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
