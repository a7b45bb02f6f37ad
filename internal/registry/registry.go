// Package registry holds the deployments active in this process.
//
// A Registry is created once with New and torn down with Close. It ties
// the other components together: Deploy plans a configuration, persists the
// descriptor and launches the replicas; Query routes a request to a Live
// replica of a tag; Undeploy stops the replicas and removes the descriptor.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"tpserve/internal/config"
	"tpserve/internal/descriptor"
	"tpserve/internal/dispatch"
	"tpserve/internal/supervisor"
	"tpserve/pkg/types"
)

// ErrClosed is returned by operations on a closed Registry.
var ErrClosed = errors.New("registry: closed")

// ActiveError is returned by Deploy and Attach when the tag is already
// active in this registry, and by Deploy when the tag is already stored
// (possibly running under another process).
type ActiveError struct {
	Tag    string
	Stored bool
}

func (e *ActiveError) Error() string {
	if e.Stored {
		return fmt.Sprintf("deployment %q is already deployed, undeploy it first", e.Tag)
	}
	return fmt.Sprintf("deployment %q is already active", e.Tag)
}

// IsActive reports whether err is an *ActiveError.
func IsActive(err error) bool {
	var ae *ActiveError
	return errors.As(err, &ae)
}

// TaskMismatchError is returned when a request does not match the task a
// deployment serves.
type TaskMismatchError struct {
	Tag  string
	Want types.TaskKind
	Got  types.TaskKind
}

func (e *TaskMismatchError) Error() string {
	return fmt.Sprintf("deployment %q serves %s, got a %s request", e.Tag, e.Want, e.Got)
}

// IsTaskMismatch reports whether err is a *TaskMismatchError.
func IsTaskMismatch(err error) bool {
	var te *TaskMismatchError
	return errors.As(err, &te)
}

// Options configures a Registry. Store, Supervisor and Client are required.
type Options struct {
	Store      *descriptor.Store
	Supervisor *supervisor.Supervisor
	Client     *dispatch.Client
	Logger     zerolog.Logger
}

type deployment struct {
	desc    types.Descriptor
	handles []*supervisor.Handle
	next    atomic.Uint64
}

// pick returns the next Live replica in round-robin order.
func (d *deployment) pick() (*supervisor.Handle, bool) {
	n := len(d.handles)
	if n == 0 {
		return nil, false
	}
	start := int(d.next.Add(1)-1) % n
	for i := 0; i < n; i++ {
		h := d.handles[(start+i)%n]
		if h != nil && h.Liveness() == types.Live {
			return h, true
		}
	}
	return nil, false
}

// Registry is the set of active deployments, keyed by tag.
type Registry struct {
	store  *descriptor.Store
	sup    *supervisor.Supervisor
	client *dispatch.Client
	log    zerolog.Logger

	mu     sync.RWMutex
	active map[string]*deployment
	closed bool
}

// New returns an empty Registry.
func New(opts Options) (*Registry, error) {
	if opts.Store == nil || opts.Supervisor == nil || opts.Client == nil {
		return nil, errors.New("registry: store, supervisor and client are required")
	}
	return &Registry{
		store:  opts.Store,
		sup:    opts.Supervisor,
		client: opts.Client,
		log:    opts.Logger,
		active: map[string]*deployment{},
	}, nil
}

// reserve claims tag so concurrent Deploy/Attach calls cannot race on it.
func (r *Registry) reserve(tag string) (*deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if _, ok := r.active[tag]; ok {
		return nil, &ActiveError{Tag: tag}
	}
	d := &deployment{}
	r.active[tag] = d
	return d, nil
}

func (r *Registry) release(tag string) {
	r.mu.Lock()
	delete(r.active, tag)
	r.mu.Unlock()
}

// Deploy plans cfg (which must be resolved) against its catalog, persists
// the descriptor and launches every replica. Ports held by other stored
// deployments are never reused.
//
// A tag that is already stored is refused with an *ActiveError; its
// workers may still be serving. If any replica fails to start, every
// replica is stopped, the descriptor written by this call is removed and
// the combined startup failures are returned.
func (r *Registry) Deploy(ctx context.Context, cfg config.Config) (types.Descriptor, error) {
	dep, err := r.reserve(cfg.Tag)
	if err != nil {
		return types.Descriptor{}, err
	}
	desc, err := r.compose(cfg)
	if err != nil {
		r.release(cfg.Tag)
		return types.Descriptor{}, err
	}
	if err := r.store.Create(desc); err != nil {
		r.release(cfg.Tag)
		if descriptor.IsExists(err) {
			return types.Descriptor{}, &ActiveError{Tag: cfg.Tag, Stored: true}
		}
		return types.Descriptor{}, err
	}
	log := r.log.With().Str("tag", desc.Tag).Logger()
	log.Info().Int("replicas", len(desc.Replicas)).Int("tp", desc.TensorParallel).Msg("deploy_start")

	handles, err := r.sup.LaunchAll(ctx, desc)
	if err != nil {
		for _, h := range handles {
			if serr := r.sup.Stop(h); serr != nil {
				err = multierr.Append(err, serr)
			}
		}
		if derr := r.store.Delete(desc.Tag); derr != nil && !descriptor.IsNotFound(derr) {
			err = multierr.Append(err, derr)
		}
		r.release(cfg.Tag)
		log.Error().Err(err).Msg("deploy_failed")
		return desc, err
	}

	r.mu.Lock()
	dep.desc = desc
	dep.handles = handles
	r.mu.Unlock()
	log.Info().Msg("deploy_ready")
	return desc, nil
}

func (r *Registry) compose(cfg config.Config) (types.Descriptor, error) {
	if cfg.Deployment == nil {
		return descriptor.Compose(cfg, nil, nil)
	}
	c, err := cfg.Catalog()
	if err != nil {
		return types.Descriptor{}, err
	}
	reserved, err := r.store.Reservations(cfg.Tag)
	if err != nil {
		return types.Descriptor{}, err
	}
	return descriptor.Compose(cfg, c, reserved)
}

// Attach registers a deployment that was launched by another process from
// its stored descriptor. Every replica is probed once; unreachable ones are
// registered as Dead and reported in the returned error.
func (r *Registry) Attach(ctx context.Context, tag string) (types.Descriptor, error) {
	dep, err := r.reserve(tag)
	if err != nil {
		return types.Descriptor{}, err
	}
	desc, err := r.store.Load(tag)
	if err != nil {
		r.release(tag)
		return types.Descriptor{}, err
	}
	handles := make([]*supervisor.Handle, len(desc.Replicas))
	var errs error
	for i := range desc.Replicas {
		h, err := r.sup.Attach(ctx, desc, i)
		handles[i] = h
		errs = multierr.Append(errs, err)
	}
	r.mu.Lock()
	dep.desc = desc
	dep.handles = handles
	r.mu.Unlock()
	r.log.Info().Str("tag", tag).Int("replicas", len(handles)).Msg("deployment_attached")
	return desc, errs
}

func (r *Registry) get(tag string) (*deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	d, ok := r.active[tag]
	if !ok || d.desc.Tag == "" {
		return nil, &descriptor.NotFoundError{Tag: tag}
	}
	return d, nil
}

// Descriptor returns the descriptor of an active deployment.
func (r *Registry) Descriptor(tag string) (types.Descriptor, error) {
	d, err := r.get(tag)
	if err != nil {
		return types.Descriptor{}, err
	}
	return d.desc, nil
}

// Query dispatches req to a Live replica of tag and returns the reply of
// its shard 0. Replicas are chosen round-robin. A tag with no Live replica
// (including an empty deployment) yields a *dispatch.NotReadyError.
func (r *Registry) Query(ctx context.Context, tag string, req types.Request) (types.QueryResponse, error) {
	d, err := r.get(tag)
	if err != nil {
		return types.QueryResponse{}, err
	}
	if d.desc.Task != req.Task() {
		if d.desc.Empty() {
			return types.QueryResponse{}, &dispatch.NotReadyError{Tag: tag, Replica: -1, Liveness: types.Starting}
		}
		return types.QueryResponse{}, &TaskMismatchError{Tag: tag, Want: d.desc.Task, Got: req.Task()}
	}
	h, ok := d.pick()
	if !ok {
		return types.QueryResponse{}, &dispatch.NotReadyError{Tag: tag, Replica: -1, Liveness: types.Dead}
	}
	resp, err := r.client.Query(ctx, h, req)
	if err != nil {
		return types.QueryResponse{}, err
	}
	return types.QueryResponse{Tag: tag, Task: d.desc.Task, Replica: h.Index(), Response: resp}, nil
}

// Status reports every active deployment, ordered by tag.
func (r *Registry) Status() []types.DeploymentStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.DeploymentStatus, 0, len(r.active))
	for _, d := range r.active {
		if d.desc.Tag == "" {
			continue
		}
		st := types.DeploymentStatus{
			Tag:      d.desc.Tag,
			Task:     d.desc.Task,
			Model:    d.desc.Model,
			Replicas: make([]types.ReplicaStatus, 0, len(d.handles)),
		}
		for i, h := range d.handles {
			rs := types.ReplicaStatus{Index: i, Liveness: types.Dead, Endpoints: d.desc.Replicas[i].Endpoints()}
			if h != nil {
				rs.Liveness = h.Liveness()
				if err := h.Err(); err != nil {
					rs.Error = err.Error()
				}
			}
			st.Replicas = append(st.Replicas, rs)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

// Ready reports whether at least one active deployment has a Live replica.
func (r *Registry) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.active {
		for _, h := range d.handles {
			if h != nil && h.Liveness() == types.Live {
				return true
			}
		}
	}
	return false
}

// Undeploy stops every replica of tag and removes its descriptor. Attached
// replicas are asked to shut down over their shard endpoints. A tag that is
// stored but not active in this registry is only removed from the store.
func (r *Registry) Undeploy(ctx context.Context, tag string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	d, ok := r.active[tag]
	if ok && d.desc.Tag == "" {
		// Deploy or Attach still in progress.
		r.mu.Unlock()
		return &ActiveError{Tag: tag}
	}
	delete(r.active, tag)
	r.mu.Unlock()

	var err error
	if ok {
		err = multierr.Append(r.shutdownAttached(ctx, d), r.stopAll(d))
	}
	if derr := r.store.Delete(tag); derr != nil {
		if !descriptor.IsNotFound(derr) || !ok {
			err = multierr.Append(err, derr)
		}
	}
	if err == nil {
		r.log.Info().Str("tag", tag).Msg("undeployed")
	}
	return err
}

// shutdownAttached asks the shards of attached Live replicas to exit; their
// processes belong to whoever launched them.
func (r *Registry) shutdownAttached(ctx context.Context, d *deployment) error {
	var err error
	for _, h := range d.handles {
		if h != nil && h.Attached() && h.Liveness() == types.Live {
			err = multierr.Append(err, r.client.Shutdown(ctx, h))
		}
	}
	return err
}

func (r *Registry) stopAll(d *deployment) error {
	var err error
	for _, h := range d.handles {
		err = multierr.Append(err, r.sup.Stop(h))
	}
	return err
}

// Close stops every replica launched or attached through r and waits for
// background shard calls. Descriptors stay in the store. Close is
// idempotent.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	active := r.active
	r.active = map[string]*deployment{}
	r.mu.Unlock()

	var err error
	for _, d := range active {
		err = multierr.Append(err, r.stopAll(d))
	}
	r.client.Close()
	return err
}
