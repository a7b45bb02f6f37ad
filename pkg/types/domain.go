package types

import (
	"fmt"
	"net"
	"strconv"
)

// ShardAssignment pins one replica to a host and the accelerator slots its
// shards run on. len(Slots) equals the tensor-parallel degree.
type ShardAssignment struct {
	// Host identifier as it appears in the resource catalog.
	// example: worker-0
	Host string `json:"host" yaml:"host"`
	// Accelerator slot indices, one per shard, in shard-rank order.
	// example: [0,1]
	Slots []int `json:"slots" yaml:"slots"`
}

// PortBlock holds the network ports of one replica.
type PortBlock struct {
	// example: worker-0
	Host string `json:"host" yaml:"host"`
	// One listen port per shard, contiguous, in shard-rank order.
	// example: [50051,50052]
	ShardPorts []int `json:"shard_ports" yaml:"shard_ports"`
	// Rendezvous port used by the shards to form their process group.
	// example: 29500
	CoordinationPort int `json:"coordination_port" yaml:"coordination_port"`
}

// Replica pairs a placement with its ports.
type Replica struct {
	Assignment ShardAssignment `json:"assignment" yaml:"assignment"`
	Ports      PortBlock       `json:"ports" yaml:"ports"`
}

// Endpoints returns the shard endpoints of the replica in rank order.
func (r Replica) Endpoints() []Endpoint {
	out := make([]Endpoint, len(r.Ports.ShardPorts))
	for i, p := range r.Ports.ShardPorts {
		out[i] = Endpoint{Host: r.Ports.Host, Port: p}
	}
	return out
}

// Descriptor is the durable record of one deployment. It is what the
// supervisor launches from and what a dispatcher routes by.
type Descriptor struct {
	// Logical name the deployment is published and addressed under.
	// example: gpt2-deployment
	Tag string `json:"tag"`
	// Task served by every replica. Zero for an empty (tag-only) deployment.
	// example: text-generation
	Task TaskKind `json:"task,omitempty"`
	// Model name or hub identifier.
	// example: gpt2
	Model string `json:"model,omitempty"`
	// Where workers load the model from.
	// example: /tmp/tpserve-models
	ModelLocation string `json:"model_location,omitempty"`
	// Inference precision handed to workers.
	// example: fp16
	Dtype string `json:"dtype,omitempty"`
	// Tensor-parallel degree of every replica.
	// example: 2
	TensorParallel int `json:"tensor_parallel,omitempty"`
	// Port reserved for the load balancer / gateway listener.
	// example: 50050
	LoadBalancerPort int `json:"load_balancer_port,omitempty"`
	// Replicas in placement order.
	Replicas []Replica `json:"replicas"`
	// Opaque worker configuration. Keys are serialized in sorted order.
	Options map[string]any `json:"options,omitempty"`
}

// Empty reports whether d is a tag-only placeholder deployment.
func (d Descriptor) Empty() bool { return d.Task == TaskNone && len(d.Replicas) == 0 }

// Endpoint is a TCP host:port a shard listens on.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Addr returns the dialable host:port form.
func (e Endpoint) Addr() string { return net.JoinHostPort(e.Host, strconv.Itoa(e.Port)) }

func (e Endpoint) String() string { return e.Addr() }

// Liveness is the lifecycle state of a running replica.
type Liveness int32

const (
	Starting Liveness = iota
	Live
	Dead
)

func (l Liveness) String() string {
	switch l {
	case Starting:
		return "starting"
	case Live:
		return "live"
	case Dead:
		return "dead"
	default:
		return fmt.Sprintf("liveness(%d)", int32(l))
	}
}

// MarshalText renders the liveness as its lowercase name.
func (l Liveness) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// UnmarshalText parses a name produced by MarshalText.
func (l *Liveness) UnmarshalText(b []byte) error {
	for _, v := range []Liveness{Starting, Live, Dead} {
		if v.String() == string(b) {
			*l = v
			return nil
		}
	}
	return fmt.Errorf("unknown liveness %q", b)
}
