package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"tpserve/pkg/types"
)

// Deployment describes one model deployment: what to serve, how it is
// sharded, and the worker options it runs with.
type Deployment struct {
	Name      string `json:"deployment_name" yaml:"deployment_name" toml:"deployment_name"`
	Task      string `json:"task" yaml:"task" toml:"task"`
	Model     string `json:"model" yaml:"model" toml:"model"`
	ModelPath string `json:"model_path" yaml:"model_path" toml:"model_path"`

	TensorParallel int `json:"tensor_parallel" yaml:"tensor_parallel" toml:"tensor_parallel"`
	ReplicaNum     int `json:"replica_num" yaml:"replica_num" toml:"replica_num"`
	// Explicit host -> GPU indices placement. Order is significant.
	GPUIndexMap GPUIndexMap `json:"GPU_index_map" yaml:"GPU_index_map" toml:"GPU_index_map"`
	// Ranks to deploy; defaults to [0, tensor_parallel).
	DeployRank []int `json:"deploy_rank" yaml:"deploy_rank" toml:"deploy_rank"`

	Dtype          string         `json:"dtype" yaml:"dtype" toml:"dtype"`
	MaxTokens      int            `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	CheckpointDict map[string]any `json:"checkpoint_dict" yaml:"checkpoint_dict" toml:"checkpoint_dict"`

	EnableDeepSpeed         *bool          `json:"enable_deepspeed" yaml:"enable_deepspeed" toml:"enable_deepspeed"`
	EnableZero              bool           `json:"enable_zero" yaml:"enable_zero" toml:"enable_zero"`
	DSConfig                map[string]any `json:"ds_config" yaml:"ds_config" toml:"ds_config"`
	MetaTensor              bool           `json:"meta_tensor" yaml:"meta_tensor" toml:"meta_tensor"`
	LoadWithSysMem          bool           `json:"load_with_sys_mem" yaml:"load_with_sys_mem" toml:"load_with_sys_mem"`
	EnableCUDAGraph         bool           `json:"enable_cuda_graph" yaml:"enable_cuda_graph" toml:"enable_cuda_graph"`
	ReplaceWithKernelInject *bool          `json:"replace_with_kernel_inject" yaml:"replace_with_kernel_inject" toml:"replace_with_kernel_inject"`
	TrustRemoteCode         bool           `json:"trust_remote_code" yaml:"trust_remote_code" toml:"trust_remote_code"`
	// Passed to workers through the environment, never persisted.
	HFAuthToken string `json:"hf_auth_token" yaml:"hf_auth_token" toml:"hf_auth_token"`
}

// Resolve applies defaults and runs the validation pipeline. The receiver
// is not modified.
func (d Deployment) Resolve() (Deployment, error) {
	out := d.withDefaults()
	if err := Validate(out); err != nil {
		return d, err
	}
	return out, nil
}

func (d Deployment) withDefaults() Deployment {
	out := d
	if out.ModelPath == "" {
		out.ModelPath = DefaultModelPath
	}
	if out.TensorParallel == 0 {
		out.TensorParallel = 1
	}
	if out.ReplicaNum == 0 {
		out.ReplicaNum = 1
	}
	if out.Dtype == "" {
		out.Dtype = "fp32"
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = 1024
	}
	if out.DeployRank == nil && out.TensorParallel > 0 {
		out.DeployRank = make([]int, out.TensorParallel)
		for i := range out.DeployRank {
			out.DeployRank[i] = i
		}
	} else {
		out.DeployRank = append([]int(nil), out.DeployRank...)
	}
	if out.EnableDeepSpeed == nil {
		out.EnableDeepSpeed = boolPtr(!out.EnableZero)
	}
	if out.ReplaceWithKernelInject == nil {
		out.ReplaceWithKernelInject = boolPtr(true)
	}
	if out.DSConfig == nil {
		out.DSConfig = map[string]any{}
	}
	out.GPUIndexMap = out.GPUIndexMap.clone()
	return out
}

// TaskKind returns the parsed task. Only meaningful after Resolve.
func (d Deployment) TaskKind() types.TaskKind {
	k, _ := types.ParseTaskKind(d.Task)
	return k
}

// Options is the opaque worker configuration persisted with the descriptor.
func (d Deployment) Options() map[string]any {
	opts := map[string]any{
		"deployment_name":            d.Name,
		"max_tokens":                 d.MaxTokens,
		"deploy_rank":                d.DeployRank,
		"enable_deepspeed":           d.EnableDeepSpeed != nil && *d.EnableDeepSpeed,
		"enable_zero":                d.EnableZero,
		"ds_config":                  d.DSConfig,
		"meta_tensor":                d.MetaTensor,
		"load_with_sys_mem":          d.LoadWithSysMem,
		"enable_cuda_graph":          d.EnableCUDAGraph,
		"replace_with_kernel_inject": d.ReplaceWithKernelInject == nil || *d.ReplaceWithKernelInject,
		"trust_remote_code":          d.TrustRemoteCode,
	}
	if d.CheckpointDict != nil {
		opts["checkpoint_dict"] = d.CheckpointDict
	}
	return opts
}

func boolPtr(b bool) *bool { return &b }

// GPUIndexMap is an ordered host -> slot indices mapping. It decodes from a
// YAML or JSON object (keeping key order) or from a list of
// {host, slots} entries, which is the only form TOML can express in order.
type GPUIndexMap []types.ShardAssignment

func (m GPUIndexMap) clone() GPUIndexMap {
	if m == nil {
		return nil
	}
	out := make(GPUIndexMap, len(m))
	for i, a := range m {
		out[i] = types.ShardAssignment{Host: a.Host, Slots: append([]int(nil), a.Slots...)}
	}
	return out
}

func (m *GPUIndexMap) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.SequenceNode:
		var list []types.ShardAssignment
		if err := n.Decode(&list); err != nil {
			return err
		}
		*m = list
		return nil
	case yaml.MappingNode:
		out := make(GPUIndexMap, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			var host string
			if err := n.Content[i].Decode(&host); err != nil {
				return err
			}
			var slots []int
			if err := n.Content[i+1].Decode(&slots); err != nil {
				return fmt.Errorf("GPU_index_map[%s]: %w", host, err)
			}
			out = append(out, types.ShardAssignment{Host: host, Slots: slots})
		}
		*m = out
		return nil
	default:
		return fmt.Errorf("GPU_index_map: expected mapping or list at line %d", n.Line)
	}
}

func (m *GPUIndexMap) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*m = nil
		return nil
	}
	if b[0] == '[' {
		var list []types.ShardAssignment
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		*m = list
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	if _, err := dec.Token(); err != nil {
		return err
	}
	var out GPUIndexMap
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		host, ok := tok.(string)
		if !ok {
			return fmt.Errorf("GPU_index_map: unexpected key %v", tok)
		}
		var slots []int
		if err := dec.Decode(&slots); err != nil {
			return fmt.Errorf("GPU_index_map[%s]: %w", host, err)
		}
		out = append(out, types.ShardAssignment{Host: host, Slots: slots})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*m = out
	return nil
}

// MarshalJSON writes the map as an ordered list so it round-trips.
func (m GPUIndexMap) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	return json.Marshal([]types.ShardAssignment(m))
}

// Hosts returns the mapped host names in order.
func (m GPUIndexMap) Hosts() []string {
	out := make([]string, len(m))
	for i, a := range m {
		out[i] = a.Host
	}
	return out
}

// sortedKeys is used for stable error messages over map-typed options.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
