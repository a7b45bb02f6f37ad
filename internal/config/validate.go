package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"tpserve/pkg/types"
)

// RuleError names the first validation rule a configuration violated.
type RuleError struct {
	Rule string
	Msg  string
}

func (e *RuleError) Error() string { return fmt.Sprintf("config rule %s: %s", e.Rule, e.Msg) }

// IsRuleError reports whether err is (or wraps) a *RuleError.
func IsRuleError(err error) bool {
	var re *RuleError
	return errors.As(err, &re)
}

type rule struct {
	name  string
	check func(Deployment) string
}

// maxShardsPerReplica follows from the 100-port coordination stride.
const maxShardsPerReplica = 100

var (
	deploymentNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_./-]*$`)
	validDtypes      = map[string]bool{"fp32": true, "fp16": true, "bf16": true, "int8": true}
	checkpointKeys   = []string{"checkpoints", "parallelization", "version", "type"}
)

// pipeline is evaluated in order; the first failing rule is reported.
var pipeline = []rule{
	{"deployment_name", func(d Deployment) string {
		if d.Name == "" {
			return "is required"
		}
		if !deploymentNameRe.MatchString(d.Name) {
			return fmt.Sprintf("%q may only contain a-z, A-Z, 0-9, '_', '.', '/' and '-'", d.Name)
		}
		return ""
	}},
	{"task", func(d Deployment) string {
		if d.Task == "" {
			return "is required"
		}
		if _, err := types.ParseTaskKind(d.Task); err != nil {
			return err.Error()
		}
		return ""
	}},
	{"model", func(d Deployment) string {
		if strings.TrimSpace(d.Model) == "" {
			return "is required"
		}
		return ""
	}},
	{"tensor_parallel", func(d Deployment) string {
		if d.TensorParallel < 1 || d.TensorParallel > maxShardsPerReplica {
			return fmt.Sprintf("must be between 1 and %d, got %d", maxShardsPerReplica, d.TensorParallel)
		}
		return ""
	}},
	{"replica_num", func(d Deployment) string {
		if d.ReplicaNum < 1 {
			return fmt.Sprintf("must be > 0, got %d", d.ReplicaNum)
		}
		return ""
	}},
	{"deploy_rank", func(d Deployment) string {
		if len(d.DeployRank) != d.TensorParallel {
			return fmt.Sprintf("%d rank(s) provided in deploy_rank does not align with tensor_parallel size of %d",
				len(d.DeployRank), d.TensorParallel)
		}
		return ""
	}},
	{"dtype", func(d Deployment) string {
		if !validDtypes[d.Dtype] {
			return fmt.Sprintf("unsupported dtype %q (want fp32, fp16, bf16 or int8)", d.Dtype)
		}
		return ""
	}},
	{"max_tokens", func(d Deployment) string {
		if d.MaxTokens < 1 {
			return fmt.Sprintf("must be > 0, got %d", d.MaxTokens)
		}
		return ""
	}},
	{"checkpoint_dict", func(d Deployment) string {
		if d.CheckpointDict == nil {
			return ""
		}
		if v, ok := d.CheckpointDict["base_dir"]; ok && v != "" && v != nil {
			return "please unset 'base_dir', it is set from the deployment model_path"
		}
		for _, k := range checkpointKeys {
			if v, ok := d.CheckpointDict[k]; !ok || v == nil || v == "" {
				return fmt.Sprintf("missing key=%s (have %v)", k, sortedKeys(d.CheckpointDict))
			}
		}
		return ""
	}},
	{"zero_or_meta", func(d Deployment) string {
		if d.EnableZero && d.MetaTensor {
			return "ZeRO-Inference does not support meta tensors"
		}
		return ""
	}},
	{"bloom_model", func(d Deployment) string {
		if !strings.Contains(d.Model, "bigscience/bloom") {
			return ""
		}
		if d.Dtype != "fp16" && d.Dtype != "int8" {
			return "bloom models only support fp16/int8"
		}
		if d.EnableCUDAGraph {
			return "bloom models do not support CUDA graph"
		}
		return ""
	}},
	{"meta_tensor_or_sys_mem", func(d Deployment) string {
		if d.MetaTensor && d.LoadWithSysMem {
			return "meta_tensor and load_with_sys_mem cannot be active at the same time"
		}
		return ""
	}},
	{"zero_dtype", func(d Deployment) string {
		if !d.EnableZero {
			return ""
		}
		if fp16Enabled(d.DSConfig) {
			if d.Dtype != "fp16" {
				return "ZeRO fp16 enabled, dtype must be fp16"
			}
		} else if d.Dtype != "fp32" {
			return "ZeRO fp16 disabled, dtype must be fp32"
		}
		return ""
	}},
	{"deepspeed_or_zero", func(d Deployment) string {
		if d.EnableDeepSpeed != nil && *d.EnableDeepSpeed && d.EnableZero {
			return "DeepSpeed and ZeRO cannot both be enabled, select only one"
		}
		return ""
	}},
	{"GPU_index_map", func(d Deployment) string {
		for _, a := range d.GPUIndexMap {
			if a.Host == "" {
				return "empty host name"
			}
			if len(a.Slots) != d.TensorParallel {
				return fmt.Sprintf("host %s lists %d slot(s), tensor_parallel is %d", a.Host, len(a.Slots), d.TensorParallel)
			}
			for _, s := range a.Slots {
				if s < 0 {
					return fmt.Sprintf("host %s has negative slot index %d", a.Host, s)
				}
			}
		}
		return ""
	}},
}

// Validate runs the rule pipeline over d and returns the first violation.
func Validate(d Deployment) error {
	for _, r := range pipeline {
		if msg := r.check(d); msg != "" {
			return &RuleError{Rule: r.name, Msg: msg}
		}
	}
	return nil
}

func fp16Enabled(ds map[string]any) bool {
	fp16, ok := ds["fp16"].(map[string]any)
	if !ok {
		return false
	}
	enabled, _ := fp16["enabled"].(bool)
	return enabled
}
