// Package planner turns a resource catalog into a replica placement and
// assigns every replica a collision-free block of ports.
//
// Planning is a single-threaded, deterministic pass: the same catalog order
// and parameters always yield the same placement and the same ports.
package planner

import (
	"fmt"

	"tpserve/internal/catalog"
	"tpserve/pkg/types"
)

// Placement is the ordered list of shard assignments, one per replica.
type Placement []types.ShardAssignment

// Plan places replicaCount replicas of tensorParallel shards each onto the
// catalog.
//
// When explicit is non-empty it is an ordered host -> slot-indices mapping
// and is emitted as-is, one replica per entry, after checking that every
// host exists, has at least tensorParallel slots and owns every listed slot
// index. replicaCount is not
// compared with len(explicit) in that mode.
//
// Otherwise hosts are filled first-fit in catalog order, carving slot
// windows [k*tp, (k+1)*tp) per host. Hosts smaller than one replica are
// skipped rather than rejected.
func Plan(c *catalog.Catalog, tensorParallel, replicaCount int, explicit []types.ShardAssignment) (Placement, error) {
	if c == nil || c.Len() == 0 {
		return nil, fmt.Errorf("plan: empty resource catalog")
	}
	if tensorParallel <= 0 {
		return nil, fmt.Errorf("plan: tensor parallel degree must be > 0, got %d", tensorParallel)
	}
	if replicaCount <= 0 {
		return nil, fmt.Errorf("plan: replica count must be > 0, got %d", replicaCount)
	}
	if len(explicit) > 0 {
		return planExplicit(c, tensorParallel, explicit)
	}
	return planFirstFit(c, tensorParallel, replicaCount)
}

func planExplicit(c *catalog.Catalog, tp int, explicit []types.ShardAssignment) (Placement, error) {
	seen := make(map[string]struct{}, len(explicit))
	for _, a := range explicit {
		if _, dup := seen[a.Host]; dup {
			return nil, &PlacementError{Host: a.Host, Reason: "is listed more than once in the explicit placement"}
		}
		seen[a.Host] = struct{}{}
		slots, ok := c.Slots(a.Host)
		if !ok {
			return nil, &PlacementError{Host: a.Host}
		}
		if slots < tp {
			return nil, &CapacityError{Host: a.Host, Required: tp, Available: slots}
		}
		for _, s := range a.Slots {
			if s < 0 || s >= slots {
				return nil, &PlacementError{Host: a.Host, Reason: fmt.Sprintf("has no slot %d (catalog lists %d)", s, slots)}
			}
		}
	}
	out := make(Placement, 0, len(explicit))
	for _, a := range explicit {
		out = append(out, types.ShardAssignment{
			Host:  a.Host,
			Slots: append([]int(nil), a.Slots...),
		})
	}
	return out, nil
}

func planFirstFit(c *catalog.Catalog, tp, replicas int) (Placement, error) {
	out := make(Placement, 0, replicas)
	for _, h := range c.Hosts() {
		if len(out) >= replicas {
			break
		}
		for k := 0; (k+1)*tp <= h.Slots && len(out) < replicas; k++ {
			slots := make([]int, tp)
			for j := range slots {
				slots[j] = k*tp + j
			}
			out = append(out, types.ShardAssignment{Host: h.Name, Slots: slots})
		}
	}
	if len(out) < replicas {
		return nil, &InsufficientCapacityError{Requested: replicas, Allocated: len(out), TensorParallel: tp}
	}
	return out, nil
}
