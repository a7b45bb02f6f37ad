package supervisor

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/multierr"

	"tpserve/internal/worker"
	"tpserve/pkg/types"
)

type fakeProcess struct {
	pid        int
	exit       chan error
	once       sync.Once
	ignoreTerm bool
	terminated atomic.Bool
	killed     atomic.Bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exit: make(chan error, 1)}
}

func (p *fakeProcess) finish(err error) { p.once.Do(func() { p.exit <- err }) }
func (p *fakeProcess) Wait() error      { return <-p.exit }
func (p *fakeProcess) Pid() int         { return p.pid }

func (p *fakeProcess) Terminate() error {
	p.terminated.Store(true)
	if !p.ignoreTerm {
		p.finish(nil)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.finish(errors.New("signal: killed"))
	return nil
}

type fakeLauncher struct {
	mu    sync.Mutex
	specs []worker.Spec
	procs []*fakeProcess
	// optional hook deciding the outcome of each launch
	hook func(spec worker.Spec, p *fakeProcess) error
}

func (l *fakeLauncher) Launch(_ context.Context, spec worker.Spec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := newFakeProcess(1000 + len(l.procs))
	if l.hook != nil {
		if err := l.hook(spec, p); err != nil {
			return nil, err
		}
	}
	l.specs = append(l.specs, spec)
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) launched() []*fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeProcess(nil), l.procs...)
}

// listen opens n loopback listeners and returns their ports.
func listen(t *testing.T, n int) []int {
	t.Helper()
	ports := make([]int, n)
	for i := range ports {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		t.Cleanup(func() { ln.Close() })
		ports[i] = ln.Addr().(*net.TCPAddr).Port
	}
	return ports
}

// closedPorts returns n ports nothing listens on.
func closedPorts(t *testing.T, n int) []int {
	t.Helper()
	ports := make([]int, n)
	for i := range ports {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		ports[i] = ln.Addr().(*net.TCPAddr).Port
		ln.Close()
	}
	return ports
}

func descriptorFor(tag string, portsPerReplica ...[]int) types.Descriptor {
	d := types.Descriptor{Tag: tag, Task: types.TextGeneration, Model: "gpt2", ModelLocation: "/m", Dtype: "fp16"}
	for i, ports := range portsPerReplica {
		slots := make([]int, len(ports))
		for j := range slots {
			slots[j] = j
		}
		d.TensorParallel = len(ports)
		d.Replicas = append(d.Replicas, types.Replica{
			Assignment: types.ShardAssignment{Host: "127.0.0.1", Slots: slots},
			Ports:      types.PortBlock{Host: "127.0.0.1", ShardPorts: ports, CoordinationPort: 29500 + 100*i},
		})
	}
	return d
}

func newTestSupervisor(l Launcher, pub EventPublisher) *Supervisor {
	return New(Options{
		Launcher:     l,
		PollInterval: 10 * time.Millisecond,
		DialTimeout:  200 * time.Millisecond,
		StopGrace:    100 * time.Millisecond,
		Logger:       zerolog.Nop(),
		Publisher:    pub,
	})
}

func TestLaunch_LiveThenStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l := &fakeLauncher{}
	pub := NewMemoryPublisher()
	s := newTestSupervisor(l, pub)
	d := descriptorFor("live-then-stop", listen(t, 2))

	h, err := s.Launch(context.Background(), d, 0)
	require.NoError(t, err)
	assert.Equal(t, types.Live, h.Liveness())
	assert.Equal(t, []string{"spawn_start", "spawn_start", "spawn_ready"}, pub.Names())
	assert.Equal(t, []int{1000, 1001}, h.Pids())
	assert.Equal(t, 1.0, testutil.ToFloat64(replicasByState.WithLabelValues("live-then-stop", "live")))

	require.Len(t, l.specs, 2)
	assert.Equal(t, 1, l.specs[1].Rank)
	assert.Equal(t, d.Replicas[0].Ports.ShardPorts[1], l.specs[1].Port())

	require.NoError(t, s.Stop(h))
	assert.Equal(t, types.Dead, h.Liveness())
	assert.ErrorIs(t, h.Err(), ErrStopped)
	for _, p := range l.launched() {
		assert.True(t, p.terminated.Load())
		assert.False(t, p.killed.Load())
	}
	assert.Equal(t, 0.0, testutil.ToFloat64(replicasByState.WithLabelValues("live-then-stop", "live")))
	// second stop is a no-op
	require.NoError(t, s.Stop(h))
}

func TestLaunch_ShardExitBeforeReadyIsDead(t *testing.T) {
	l := &fakeLauncher{hook: func(spec worker.Spec, p *fakeProcess) error {
		if spec.Rank == 1 {
			p.finish(errors.New("exit status 1"))
		}
		return nil
	}}
	pub := NewMemoryPublisher()
	s := newTestSupervisor(l, pub)
	// shard 0 is reachable, shard 1 never is
	ports := append(listen(t, 1), closedPorts(t, 1)...)
	d := descriptorFor("early-exit", ports)

	h, err := s.Launch(context.Background(), d, 0)
	var sf *StartupFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, 0, sf.ReplicaIndex)
	assert.Equal(t, 1, sf.Shard)
	assert.Contains(t, sf.Error(), "exit status 1")
	assert.Equal(t, types.Dead, h.Liveness())
	assert.NotContains(t, pub.Names(), "spawn_ready")
	assert.Contains(t, pub.Names(), "spawn_exit")
	// the surviving shard is torn down
	assert.True(t, l.launched()[0].terminated.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(startupFailuresTotal.WithLabelValues("early-exit")))
}

func TestLaunch_CleanExitBeforeReady(t *testing.T) {
	l := &fakeLauncher{hook: func(_ worker.Spec, p *fakeProcess) error {
		p.finish(nil)
		return nil
	}}
	s := newTestSupervisor(l, nil)
	h, err := s.Launch(context.Background(), descriptorFor("clean-exit", closedPorts(t, 1)), 0)
	require.True(t, IsStartupFailure(err))
	assert.ErrorIs(t, err, errExitedBeforeReady)
	assert.Equal(t, types.Dead, h.Liveness())
}

func TestLaunch_CancelledWait(t *testing.T) {
	l := &fakeLauncher{}
	s := newTestSupervisor(l, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	h, err := s.Launch(ctx, descriptorFor("cancelled", closedPorts(t, 2)), 0)
	require.ErrorIs(t, err, context.Canceled)
	var sf *StartupFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, -1, sf.Shard)
	assert.Equal(t, types.Dead, h.Liveness())
	for _, p := range l.launched() {
		assert.True(t, p.terminated.Load())
	}
}

func TestLaunch_LauncherErrorStopsStartedShards(t *testing.T) {
	boom := errors.New("no such binary")
	l := &fakeLauncher{hook: func(spec worker.Spec, _ *fakeProcess) error {
		if spec.Rank == 1 {
			return boom
		}
		return nil
	}}
	s := newTestSupervisor(l, nil)
	h, err := s.Launch(context.Background(), descriptorFor("launch-error", closedPorts(t, 2)), 0)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, types.Dead, h.Liveness())
	require.Len(t, l.launched(), 1)
	assert.True(t, l.launched()[0].terminated.Load())
}

func TestLaunch_ExitAfterLiveMarksDead(t *testing.T) {
	l := &fakeLauncher{}
	pub := NewMemoryPublisher()
	s := newTestSupervisor(l, pub)
	h, err := s.Launch(context.Background(), descriptorFor("exit-after-live", listen(t, 2)), 0)
	require.NoError(t, err)
	require.Equal(t, types.Live, h.Liveness())

	l.launched()[1].finish(errors.New("signal: segmentation fault"))
	require.Eventually(t, func() bool { return h.Liveness() == types.Dead }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, h.Err().Error(), "shard 1 exited")
	require.Eventually(t, func() bool {
		for _, n := range pub.Names() {
			if n == "replica_exit" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(h))
}

func TestStop_KillsAfterGrace(t *testing.T) {
	l := &fakeLauncher{hook: func(_ worker.Spec, p *fakeProcess) error {
		p.ignoreTerm = true
		return nil
	}}
	s := newTestSupervisor(l, nil)
	h, err := s.Launch(context.Background(), descriptorFor("stubborn", listen(t, 1)), 0)
	require.NoError(t, err)
	require.NoError(t, s.Stop(h))
	p := l.launched()[0]
	assert.True(t, p.terminated.Load())
	assert.True(t, p.killed.Load())
}

func TestLaunchAll_CombinesFailures(t *testing.T) {
	d := descriptorFor("launch-all", listen(t, 2), closedPorts(t, 2))
	dead := d.Replicas[1].Ports.ShardPorts[0]
	l := &fakeLauncher{hook: func(spec worker.Spec, p *fakeProcess) error {
		if spec.Port() == dead {
			p.finish(errors.New("exit status 2"))
		}
		return nil
	}}
	s := newTestSupervisor(l, nil)
	handles, err := s.LaunchAll(context.Background(), d)
	require.Len(t, handles, 2)
	assert.Equal(t, types.Live, handles[0].Liveness())
	assert.Equal(t, types.Dead, handles[1].Liveness())
	errs := multierr.Errors(err)
	require.Len(t, errs, 1)
	var sf *StartupFailure
	require.ErrorAs(t, errs[0], &sf)
	assert.Equal(t, 1, sf.ReplicaIndex)
	for _, h := range handles {
		require.NoError(t, s.Stop(h))
	}
}

func TestAttach(t *testing.T) {
	s := newTestSupervisor(&fakeLauncher{}, nil)
	d := descriptorFor("attach", listen(t, 2), append(listen(t, 1), closedPorts(t, 1)...))

	h, err := s.Attach(context.Background(), d, 0)
	require.NoError(t, err)
	assert.Equal(t, types.Live, h.Liveness())
	assert.True(t, h.Attached())
	assert.Empty(t, h.Pids())

	h, err = s.Attach(context.Background(), d, 1)
	var sf *StartupFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, 1, sf.Shard)
	assert.Equal(t, types.Dead, h.Liveness())

	_, err = s.Attach(context.Background(), d, 2)
	require.Error(t, err)
}

func TestHandle_SettledAndTerminalDead(t *testing.T) {
	h := newHandle("t", 0, types.Replica{Ports: types.PortBlock{Host: "h", ShardPorts: []int{1}}})
	assert.Equal(t, types.Starting, h.Liveness())
	select {
	case <-h.Settled():
		t.Fatal("settled too early")
	default:
	}
	prev, ok := h.markDead(errors.New("first"))
	assert.True(t, ok)
	assert.Equal(t, types.Starting, prev)
	_, ok = h.markDead(errors.New("second"))
	assert.False(t, ok)
	assert.False(t, h.markLive(), "dead is terminal")
	assert.EqualError(t, h.Err(), "first")
	<-h.Settled()
	eps := h.Endpoints()
	eps[0].Port = 99
	assert.Equal(t, 1, h.Endpoints()[0].Port)
}
