package worker

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"tpserve/pkg/types"
)

// Flag names shared by the launcher and cmd/tpworker.
const (
	FlagTag        = "tag"
	FlagTask       = "task"
	FlagModel      = "model"
	FlagModelPath  = "model-path"
	FlagHost       = "host"
	FlagPort       = "port"
	FlagRank       = "rank"
	FlagWorldSize  = "world-size"
	FlagCoordPort  = "coord-port"
	FlagDtype      = "dtype"
	FlagConfig     = "config"
	FlagReplica    = "replica"
	FlagSlot       = "slot"
	EnvVisibleDevs = "CUDA_VISIBLE_DEVICES"
	EnvHFToken     = "HF_TOKEN"
)

// Spec is everything one shard process is told at launch.
type Spec struct {
	Tag           string
	Task          types.TaskKind
	Model         string
	ModelLocation string
	Dtype         string
	Replica       int
	Rank          int
	Assignment    types.ShardAssignment
	Ports         types.PortBlock
	Options       map[string]any
}

// WorldSize is the number of shards in the replica.
func (s Spec) WorldSize() int { return len(s.Ports.ShardPorts) }

// Port is the listen port of this shard.
func (s Spec) Port() int { return s.Ports.ShardPorts[s.Rank] }

// Slot is the accelerator index this shard is pinned to.
func (s Spec) Slot() int { return s.Assignment.Slots[s.Rank] }

// VisibleDevices renders the replica's slots for CUDA_VISIBLE_DEVICES.
// Every shard sees all slots of its replica and selects its own by rank.
func (s Spec) VisibleDevices() string {
	parts := make([]string, len(s.Assignment.Slots))
	for i, slot := range s.Assignment.Slots {
		parts[i] = strconv.Itoa(slot)
	}
	return strings.Join(parts, ",")
}

// Args returns the command-line flags for the shard process.
func (s Spec) Args() ([]string, error) {
	if s.Rank < 0 || s.Rank >= s.WorldSize() || s.Rank >= len(s.Assignment.Slots) {
		return nil, fmt.Errorf("worker: rank %d out of range for %d shard(s)", s.Rank, s.WorldSize())
	}
	cfg, err := EncodeOptions(s.Options)
	if err != nil {
		return nil, err
	}
	flag := func(name string) string { return "--" + name }
	return []string{
		flag(FlagTag), s.Tag,
		flag(FlagTask), s.Task.String(),
		flag(FlagModel), s.Model,
		flag(FlagModelPath), s.ModelLocation,
		flag(FlagHost), s.Ports.Host,
		flag(FlagPort), strconv.Itoa(s.Port()),
		flag(FlagReplica), strconv.Itoa(s.Replica),
		flag(FlagRank), strconv.Itoa(s.Rank),
		flag(FlagWorldSize), strconv.Itoa(s.WorldSize()),
		flag(FlagSlot), strconv.Itoa(s.Slot()),
		flag(FlagCoordPort), strconv.Itoa(s.Ports.CoordinationPort),
		flag(FlagDtype), s.Dtype,
		flag(FlagConfig), cfg,
	}, nil
}

// EncodeOptions serializes worker options as URL-safe base64 JSON so they
// survive a trip through a remote shell untouched.
func EncodeOptions(opts map[string]any) (string, error) {
	if opts == nil {
		opts = map[string]any{}
	}
	b, err := json.Marshal(opts)
	if err != nil {
		return "", fmt.Errorf("worker: encode options: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// DecodeOptions reverses EncodeOptions.
func DecodeOptions(s string) (map[string]any, error) {
	out := map[string]any{}
	if s == "" {
		return out, nil
	}
	b, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("worker: decode options: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("worker: decode options: %w", err)
	}
	return out, nil
}
