package planner

import (
	"fmt"
	"sort"

	"tpserve/pkg/types"
)

const (
	maxPort = 65535
	// coordinationStride separates the rendezvous ports of consecutive
	// replicas; it bounds a replica to 100 shards.
	coordinationStride = 100
)

// Reservations records the ports already taken on each host. It is threaded
// through allocation in replica order and mutated in place.
type Reservations map[string]map[int]struct{}

// Reserve marks ports as taken on host.
func (r Reservations) Reserve(host string, ports ...int) {
	set := r[host]
	if set == nil {
		set = make(map[int]struct{}, len(ports))
		r[host] = set
	}
	for _, p := range ports {
		set[p] = struct{}{}
	}
}

// Reserved reports whether port is taken on host.
func (r Reservations) Reserved(host string, port int) bool {
	_, ok := r[host][port]
	return ok
}

// Max returns the highest reserved port on host.
func (r Reservations) Max(host string) (int, bool) {
	set := r[host]
	if len(set) == 0 {
		return 0, false
	}
	m := 0
	for p := range set {
		if p > m {
			m = p
		}
	}
	return m, true
}

// Ports returns the reserved ports of host in ascending order.
func (r Reservations) Ports(host string) []int {
	out := make([]int, 0, len(r[host]))
	for p := range r[host] {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// ReserveDescriptor marks every shard port of d as taken.
func (r Reservations) ReserveDescriptor(d types.Descriptor) {
	for _, rep := range d.Replicas {
		r.Reserve(rep.Ports.Host, rep.Ports.ShardPorts...)
	}
}

// PortOptions parameterizes AllocatePorts.
type PortOptions struct {
	// BasePort is kept free for the load balancer; shard ports start above it.
	BasePort int
	// CoordinationBasePort is the rendezvous port of replica 0.
	CoordinationBasePort int
	TensorParallel       int
}

// AllocatePorts assigns one PortBlock per replica of p, in order.
//
// Replica i starts at BasePort + i*tp + 1. If any port of that block is
// already reserved on the replica's host, the block moves to one past the
// highest reserved port there. The chosen block is then reserved in
// reserved. The coordination port is CoordinationBasePort + i*100.
func AllocatePorts(p Placement, opts PortOptions, reserved Reservations) ([]types.PortBlock, error) {
	tp := opts.TensorParallel
	if tp <= 0 {
		return nil, fmt.Errorf("ports: tensor parallel degree must be > 0, got %d", tp)
	}
	if opts.BasePort <= 0 || opts.BasePort > maxPort {
		return nil, fmt.Errorf("ports: base port %d out of range", opts.BasePort)
	}
	if reserved == nil {
		return nil, fmt.Errorf("ports: nil reservations")
	}
	blocks := make([]types.PortBlock, 0, len(p))
	for i, a := range p {
		start := opts.BasePort + i*tp + 1
		if blockTaken(reserved, a.Host, start, tp) {
			top, _ := reserved.Max(a.Host)
			start = top + 1
		}
		if last := start + tp - 1; last > maxPort {
			return nil, &PortRangeError{Host: a.Host, Replica: i, Port: last}
		}
		coord := opts.CoordinationBasePort + i*coordinationStride
		if coord > maxPort {
			return nil, &PortRangeError{Host: a.Host, Replica: i, Port: coord}
		}
		ports := make([]int, tp)
		for j := range ports {
			ports[j] = start + j
		}
		reserved.Reserve(a.Host, ports...)
		blocks = append(blocks, types.PortBlock{
			Host:             a.Host,
			ShardPorts:       ports,
			CoordinationPort: coord,
		})
	}
	return blocks, nil
}

func blockTaken(r Reservations, host string, start, n int) bool {
	for p := start; p < start+n; p++ {
		if r.Reserved(host, p) {
			return true
		}
	}
	return false
}
