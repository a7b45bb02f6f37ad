// Package descriptor builds, validates and persists deployment descriptors.
//
// A descriptor is assembled once by the deploying process and is read-only
// afterwards. Its JSON form is stable: the same logical descriptor always
// encodes to the same bytes.
package descriptor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"tpserve/internal/catalog"
	"tpserve/internal/config"
	"tpserve/internal/planner"
	"tpserve/pkg/types"
)

// ValidationError reports why a descriptor could not be constructed.
type ValidationError struct {
	Tag   string
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("descriptor %q: %s: %s", e.Tag, e.Field, e.Msg)
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// requiredOptions lists the option keys each task needs from the opaque
// worker configuration.
var requiredOptions = [types.NumTaskKinds][]string{
	types.TextGeneration: {"max_tokens"},
	types.Conversational: {"max_tokens"},
}

// New validates d and returns a canonical deep copy of it: options are
// normalized through their JSON form and empty collections take a single
// representation, so the result survives Marshal/Unmarshal unchanged.
func New(d types.Descriptor) (types.Descriptor, error) {
	out, err := canonical(d)
	if err != nil {
		return types.Descriptor{}, err
	}
	if err := Validate(out); err != nil {
		return types.Descriptor{}, err
	}
	return out, nil
}

// Validate checks the structural rules of a descriptor.
func Validate(d types.Descriptor) error {
	fail := func(field, format string, args ...any) error {
		return &ValidationError{Tag: d.Tag, Field: field, Msg: fmt.Sprintf(format, args...)}
	}
	if strings.TrimSpace(d.Tag) == "" {
		return fail("tag", "is required")
	}
	if d.Task == types.TaskNone {
		if len(d.Replicas) > 0 {
			return fail("task", "replicas given without a task")
		}
		return nil
	}
	if !d.Task.Valid() {
		return fail("task", "unknown task kind %d", int(d.Task))
	}
	if len(d.Replicas) == 0 {
		return fail("replicas", "%s deployment has no replicas", d.Task)
	}
	if d.Model == "" {
		return fail("model", "is required")
	}
	if d.ModelLocation == "" {
		return fail("model_location", "is required")
	}
	if d.Dtype == "" {
		return fail("dtype", "is required")
	}
	for _, k := range requiredOptions[d.Task] {
		if _, ok := d.Options[k]; !ok {
			return fail("options", "%s requires option %q", d.Task, k)
		}
	}
	for i, r := range d.Replicas {
		a, p := r.Assignment, r.Ports
		if a.Host != p.Host {
			return fail("replicas", "replica %d: assignment on %q but ports on %q", i, a.Host, p.Host)
		}
		if len(p.ShardPorts) != len(a.Slots) {
			return fail("replicas", "replica %d: %d shard port(s) for %d slot(s)", i, len(p.ShardPorts), len(a.Slots))
		}
		if d.TensorParallel > 0 && len(a.Slots) != d.TensorParallel {
			return fail("replicas", "replica %d: %d slot(s), tensor parallel degree is %d", i, len(a.Slots), d.TensorParallel)
		}
	}
	return nil
}

// Pair zips a placement with its port blocks into replicas.
func Pair(p planner.Placement, blocks []types.PortBlock) ([]types.Replica, error) {
	if len(p) != len(blocks) {
		return nil, fmt.Errorf("descriptor: %d assignment(s) but %d port block(s)", len(p), len(blocks))
	}
	out := make([]types.Replica, len(p))
	for i := range p {
		out[i] = types.Replica{Assignment: p[i], Ports: blocks[i]}
	}
	return out, nil
}

// Compose plans a resolved configuration onto c and returns the descriptor
// to persist. Ports already held on a host (including by other deployments)
// must be present in reserved; the new ports are added to it.
func Compose(cfg config.Config, c *catalog.Catalog, reserved planner.Reservations) (types.Descriptor, error) {
	d := types.Descriptor{Tag: cfg.Tag, LoadBalancerPort: cfg.PortNumber}
	dep := cfg.Deployment
	if dep == nil {
		return New(d)
	}
	placement, err := planner.Plan(c, dep.TensorParallel, dep.ReplicaNum, dep.GPUIndexMap)
	if err != nil {
		return types.Descriptor{}, err
	}
	blocks, err := planner.AllocatePorts(placement, planner.PortOptions{
		BasePort:             cfg.PortNumber,
		CoordinationBasePort: cfg.CoordPort,
		TensorParallel:       dep.TensorParallel,
	}, reserved)
	if err != nil {
		return types.Descriptor{}, err
	}
	replicas, err := Pair(placement, blocks)
	if err != nil {
		return types.Descriptor{}, err
	}
	d.Task = dep.TaskKind()
	d.Model = dep.Model
	d.ModelLocation = dep.ModelPath
	d.Dtype = dep.Dtype
	d.TensorParallel = dep.TensorParallel
	d.Replicas = replicas
	d.Options = dep.Options()
	return New(d)
}

// Marshal encodes d in its stable, indented form.
func Marshal(d types.Descriptor) ([]byte, error) {
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Unmarshal decodes a descriptor written by Marshal. Numbers inside
// Options decode as json.Number so they re-encode byte-for-byte.
func Unmarshal(b []byte) (types.Descriptor, error) {
	var d types.Descriptor
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&d); err != nil {
		return types.Descriptor{}, fmt.Errorf("decode descriptor: %w", err)
	}
	if d.Replicas == nil {
		d.Replicas = []types.Replica{}
	}
	return d, nil
}

func canonical(d types.Descriptor) (types.Descriptor, error) {
	out := d
	out.Replicas = make([]types.Replica, len(d.Replicas))
	for i, r := range d.Replicas {
		out.Replicas[i] = types.Replica{
			Assignment: types.ShardAssignment{Host: r.Assignment.Host, Slots: append([]int(nil), r.Assignment.Slots...)},
			Ports: types.PortBlock{
				Host:             r.Ports.Host,
				ShardPorts:       append([]int(nil), r.Ports.ShardPorts...),
				CoordinationPort: r.Ports.CoordinationPort,
			},
		}
	}
	out.Options = nil
	if len(d.Options) > 0 {
		b, err := json.Marshal(d.Options)
		if err != nil {
			return types.Descriptor{}, &ValidationError{Tag: d.Tag, Field: "options", Msg: err.Error()}
		}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&out.Options); err != nil {
			return types.Descriptor{}, &ValidationError{Tag: d.Tag, Field: "options", Msg: err.Error()}
		}
	}
	return out, nil
}
