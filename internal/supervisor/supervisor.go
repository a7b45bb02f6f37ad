// Package supervisor launches the shard workers of each replica and tracks
// replica liveness.
//
// A replica starts in Starting. The supervisor polls every shard port at a
// fixed interval until all of them accept a TCP connection (Live) or any
// shard process exits (Dead). There is no internal timeout: the wait ends
// when the replica settles or the caller's context is cancelled. Dead is
// terminal and nothing is restarted.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"tpserve/internal/worker"
	"tpserve/pkg/types"
)

const (
	DefaultPollInterval = 4 * time.Second
	DefaultStopGrace    = 2 * time.Second
	defaultDialTimeout  = time.Second
)

// ErrStopped is the cause recorded on replicas torn down by Stop.
var ErrStopped = errors.New("replica stopped")

// Options configures a Supervisor.
type Options struct {
	Launcher Launcher
	// Fixed delay between readiness probes.
	PollInterval time.Duration
	// Per-endpoint TCP dial timeout used by probes.
	DialTimeout time.Duration
	// How long Stop waits after SIGTERM before killing.
	StopGrace time.Duration
	Logger    zerolog.Logger
	Publisher EventPublisher
}

// Supervisor launches and stops replicas. It holds no per-deployment state;
// everything about a replica lives in its Handle.
type Supervisor struct {
	launcher Launcher
	poll     time.Duration
	dial     time.Duration
	grace    time.Duration
	log      zerolog.Logger
	pub      EventPublisher
}

// New returns a Supervisor with defaults applied to zero options.
func New(opts Options) *Supervisor {
	s := &Supervisor{
		launcher: opts.Launcher,
		poll:     opts.PollInterval,
		dial:     opts.DialTimeout,
		grace:    opts.StopGrace,
		log:      opts.Logger,
		pub:      opts.Publisher,
	}
	if s.poll <= 0 {
		s.poll = DefaultPollInterval
	}
	if s.dial <= 0 {
		s.dial = defaultDialTimeout
	}
	if s.grace <= 0 {
		s.grace = DefaultStopGrace
	}
	if s.pub == nil {
		s.pub = noopPublisher{}
	}
	return s
}

// LaunchAll launches every replica of d concurrently and waits for each to
// settle. All handles are returned, dead ones included; the error combines
// the StartupFailure of every replica that died.
func (s *Supervisor) LaunchAll(ctx context.Context, d types.Descriptor) ([]*Handle, error) {
	handles := make([]*Handle, len(d.Replicas))
	errs := make([]error, len(d.Replicas))
	var wg sync.WaitGroup
	for i := range d.Replicas {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = s.Launch(ctx, d, i)
		}(i)
	}
	wg.Wait()
	return handles, multierr.Combine(errs...)
}

// Launch starts the shards of replica index of d and blocks until the
// replica is Live or Dead. On Dead the returned error is a *StartupFailure
// and every shard that was started has been stopped.
func (s *Supervisor) Launch(ctx context.Context, d types.Descriptor, index int) (*Handle, error) {
	if s.launcher == nil {
		return nil, fmt.Errorf("supervisor: no launcher configured")
	}
	if index < 0 || index >= len(d.Replicas) {
		return nil, fmt.Errorf("supervisor: replica %d out of range for %q", index, d.Tag)
	}
	r := d.Replicas[index]
	h := newHandle(d.Tag, index, r)
	replicasByState.WithLabelValues(d.Tag, types.Starting.String()).Inc()
	log := s.log.With().Str("tag", d.Tag).Int("replica", index).Logger()
	started := time.Now()

	n := len(r.Ports.ShardPorts)
	exits := make(chan *shard, n)
	for rank := 0; rank < n; rank++ {
		spec := worker.Spec{
			Tag:           d.Tag,
			Task:          d.Task,
			Model:         d.Model,
			ModelLocation: d.ModelLocation,
			Dtype:         d.Dtype,
			Replica:       index,
			Rank:          rank,
			Assignment:    r.Assignment,
			Ports:         r.Ports,
			Options:       d.Options,
		}
		proc, err := s.launcher.Launch(ctx, spec)
		if err != nil {
			return h, s.fail(h, rank, err)
		}
		sh := &shard{rank: rank, proc: proc, done: make(chan struct{})}
		h.addShard(sh)
		log.Info().Int("rank", rank).Int("pid", proc.Pid()).Int("port", spec.Port()).Msg("spawn_start")
		s.pub.Publish(Event{Name: "spawn_start", Tag: d.Tag, Replica: index, Fields: map[string]any{
			"rank": rank, "pid": proc.Pid(), "host": r.Ports.Host, "port": spec.Port(),
		}})
		// Early-exit watcher: every process reports its exit exactly once.
		go func() {
			sh.err = proc.Wait()
			close(sh.done)
			exits <- sh
		}()
	}

	endpoints := h.Endpoints()
	ready := make([]bool, len(endpoints))
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return h, s.fail(h, -1, ctx.Err())
		case sh := <-exits:
			return h, s.fail(h, sh.rank, exitCause(sh.err))
		default:
		}
		if s.probe(ctx, endpoints, ready) {
			// A shard that exited while we probed still fails the replica.
			select {
			case sh := <-exits:
				return h, s.fail(h, sh.rank, exitCause(sh.err))
			default:
			}
			if h.markLive() {
				transition(d.Tag, types.Starting, types.Live)
				startupSeconds.WithLabelValues(d.Tag).Observe(time.Since(started).Seconds())
				log.Info().Dur("elapsed", time.Since(started)).Msg("spawn_ready")
				s.pub.Publish(Event{Name: "spawn_ready", Tag: d.Tag, Replica: index, Fields: map[string]any{
					"endpoints": len(endpoints),
				}})
			}
			go s.watch(h, exits, n)
			return h, nil
		}
		log.Debug().Msg("waiting for shard ports")
		select {
		case <-ctx.Done():
			return h, s.fail(h, -1, ctx.Err())
		case sh := <-exits:
			return h, s.fail(h, sh.rank, exitCause(sh.err))
		case <-ticker.C:
		}
	}
}

// Attach builds a handle for a replica started by another process. The
// shard ports are probed once: all reachable means Live, anything else Dead.
func (s *Supervisor) Attach(ctx context.Context, d types.Descriptor, index int) (*Handle, error) {
	if index < 0 || index >= len(d.Replicas) {
		return nil, fmt.Errorf("supervisor: replica %d out of range for %q", index, d.Tag)
	}
	h := newHandle(d.Tag, index, d.Replicas[index])
	h.attached = true
	replicasByState.WithLabelValues(d.Tag, types.Starting.String()).Inc()
	endpoints := h.Endpoints()
	ready := make([]bool, len(endpoints))
	if s.probe(ctx, endpoints, ready) {
		h.markLive()
		transition(d.Tag, types.Starting, types.Live)
		s.log.Info().Str("tag", d.Tag).Int("replica", index).Msg("replica_attached")
		return h, nil
	}
	for rank, ok := range ready {
		if !ok {
			cause := fmt.Errorf("shard endpoint %s not reachable", endpoints[rank])
			if ctx.Err() != nil {
				cause = ctx.Err()
			}
			sf := &StartupFailure{Tag: d.Tag, ReplicaIndex: index, Shard: rank, Cause: cause}
			if prev, ok := h.markDead(sf); ok {
				transition(d.Tag, prev, types.Dead)
			}
			s.log.Warn().Str("tag", d.Tag).Int("replica", index).Int("shard", rank).Msg("replica_unreachable")
			return h, sf
		}
	}
	return h, nil
}

// Stop terminates every shard of h (SIGTERM, then kill after the grace
// period) and marks the replica Dead. It is safe to call more than once.
func (s *Supervisor) Stop(h *Handle) error {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return nil
	}
	prev, changed := h.markDead(ErrStopped)
	if changed {
		forget(h.tag, prev)
	} else {
		forget(h.tag, types.Dead)
	}
	err := s.stopShards(h)
	s.log.Info().Str("tag", h.tag).Int("replica", h.index).Msg("spawn_stop")
	s.pub.Publish(Event{Name: "spawn_stop", Tag: h.tag, Replica: h.index})
	return err
}

func (s *Supervisor) stopShards(h *Handle) error {
	shards := h.snapshotShards()
	var err error
	for _, sh := range shards {
		if sh.exited() {
			continue
		}
		if e := sh.proc.Terminate(); e != nil && !errors.Is(e, os.ErrProcessDone) {
			err = multierr.Append(err, fmt.Errorf("terminate shard %d: %w", sh.rank, e))
		}
	}
	deadline := time.Now().Add(s.grace)
	for _, sh := range shards {
		if sh.waitDone(time.Until(deadline)) {
			continue
		}
		if e := sh.proc.Kill(); e != nil && !errors.Is(e, os.ErrProcessDone) {
			err = multierr.Append(err, fmt.Errorf("kill shard %d: %w", sh.rank, e))
			continue
		}
		<-sh.done
	}
	return err
}

func (s *Supervisor) fail(h *Handle, rank int, cause error) error {
	sf := &StartupFailure{Tag: h.tag, ReplicaIndex: h.index, Shard: rank, Cause: cause}
	if prev, ok := h.markDead(sf); ok {
		transition(h.tag, prev, types.Dead)
	}
	startupFailuresTotal.WithLabelValues(h.tag).Inc()
	s.log.Error().Err(cause).Str("tag", h.tag).Int("replica", h.index).Int("shard", rank).Msg("spawn_exit")
	s.pub.Publish(Event{Name: "spawn_exit", Tag: h.tag, Replica: h.index, Fields: map[string]any{
		"shard": rank, "error": cause.Error(),
	}})
	if err := s.stopShards(h); err != nil {
		s.log.Warn().Err(err).Str("tag", h.tag).Int("replica", h.index).Msg("stop after failure")
	}
	return sf
}

// watch marks a live replica Dead when any of its shards exits.
func (s *Supervisor) watch(h *Handle, exits <-chan *shard, n int) {
	for i := 0; i < n; i++ {
		sh := <-exits
		prev, ok := h.markDead(fmt.Errorf("shard %d exited: %v", sh.rank, sh.err))
		if !ok {
			continue
		}
		transition(h.tag, prev, types.Dead)
		s.log.Warn().Str("tag", h.tag).Int("replica", h.index).Int("shard", sh.rank).Msg("replica_exit")
		s.pub.Publish(Event{Name: "replica_exit", Tag: h.tag, Replica: h.index, Fields: map[string]any{"shard": sh.rank}})
	}
}

// probe dials every endpoint not yet known to be ready and reports whether
// all of them are.
func (s *Supervisor) probe(ctx context.Context, endpoints []types.Endpoint, ready []bool) bool {
	d := net.Dialer{Timeout: s.dial}
	all := true
	for i, ep := range endpoints {
		if ready[i] {
			continue
		}
		conn, err := d.DialContext(ctx, "tcp", ep.Addr())
		if err != nil {
			all = false
			continue
		}
		_ = conn.Close()
		ready[i] = true
	}
	return all
}

func exitCause(err error) error {
	if err == nil {
		return errExitedBeforeReady
	}
	return err
}
