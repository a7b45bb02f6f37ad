package config

import (
	"os"
	"path/filepath"
	"testing"

	"tpserve/pkg/types"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

const yamlCfg = `
deployment_tag: multi
hosts:
  - {name: master, slots: 4}
port_number: 51000
deployment:
  deployment_name: bloom560m
  task: text-generation
  model: bigscience/bloom-560m
  tensor_parallel: 2
  dtype: fp16
  GPU_index_map:
    worker-b: [2, 3]
    worker-a: [0, 1]
`

func TestLoadYAML(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "cfg.yaml", yamlCfg)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Tag != "multi" || cfg.PortNumber != 51000 || len(cfg.Hosts) != 1 || cfg.Hosts[0].Slots != 4 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	d := cfg.Deployment
	if d == nil || d.Name != "bloom560m" || d.TensorParallel != 2 || d.Dtype != "fp16" {
		t.Fatalf("unexpected deployment: %+v", d)
	}
	// mapping order must survive decoding
	if got := d.GPUIndexMap.Hosts(); len(got) != 2 || got[0] != "worker-b" || got[1] != "worker-a" {
		t.Fatalf("GPU_index_map order lost: %v", got)
	}
	if s := d.GPUIndexMap[0].Slots; len(s) != 2 || s[0] != 2 {
		t.Fatalf("unexpected slots: %v", s)
	}
}

func TestLoadJSON(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "cfg.json", `{
		"hostfile": "/etc/hostfile",
		"deployment": {
			"deployment_name": "qa",
			"task": "question-answering",
			"model": "deepset/roberta-large-squad2",
			"GPU_index_map": {"z-host": [1], "a-host": [0]}
		}
	}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Hostfile != "/etc/hostfile" || cfg.Deployment.Task != "question-answering" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if got := cfg.Deployment.GPUIndexMap.Hosts(); got[0] != "z-host" || got[1] != "a-host" {
		t.Fatalf("GPU_index_map order lost: %v", got)
	}
}

func TestLoadTOML(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "cfg.toml", `
deployment_tag = "conv"
port_number = 52000
poll_interval = "250ms"

[[hosts]]
name = "h1"
slots = 2

[deployment]
deployment_name = "dialogpt"
task = "conversational"
model = "microsoft/DialoGPT-large"

[[deployment.GPU_index_map]]
host = "h1"
slots = [1]
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Tag != "conv" || cfg.PortNumber != 52000 || cfg.PollInterval != "250ms" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.Deployment.GPUIndexMap) != 1 || cfg.Deployment.GPUIndexMap[0].Host != "h1" {
		t.Fatalf("unexpected GPU_index_map: %+v", cfg.Deployment.GPUIndexMap)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	if _, err := Load(writeTempFile(t, d, "cfg.txt", "not supported")); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
	if _, err := Load("/definitely/not/a/real/file-12345.yaml"); err == nil {
		t.Fatalf("expected error for nonexistent file")
	}
	if _, err := Load(writeTempFile(t, d, "bad.yaml", "port_number: 1\n: broken\n")); err == nil {
		t.Fatalf("expected YAML unmarshal error")
	}
	if _, err := Load(writeTempFile(t, d, "bad.json", `{ "port_number": }`)); err == nil {
		t.Fatalf("expected JSON unmarshal error")
	}
	if _, err := Load(writeTempFile(t, d, "bad.toml", "port_number=\nhostfile\n")); err == nil {
		t.Fatalf("expected TOML unmarshal error")
	}
}

func TestResolve_Defaults(t *testing.T) {
	cfg, err := Config{Deployment: &Deployment{Name: "gpt2", Task: "text-generation", Model: "gpt2"}}.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Tag != "gpt2" {
		t.Fatalf("tag should default to deployment name, got %q", cfg.Tag)
	}
	if cfg.PortNumber != DefaultPortNumber || cfg.CoordPort != DefaultCoordPort || cfg.GatewayAddr != ":50050" {
		t.Fatalf("unexpected port defaults: %+v", cfg)
	}
	if cfg.Hostfile != DefaultHostfile || cfg.Poll() != DefaultPollInterval {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	d := cfg.Deployment
	if d.TensorParallel != 1 || d.ReplicaNum != 1 || d.Dtype != "fp32" || d.MaxTokens != 1024 {
		t.Fatalf("unexpected deployment defaults: %+v", d)
	}
	if len(d.DeployRank) != 1 || d.DeployRank[0] != 0 {
		t.Fatalf("deploy_rank default: %v", d.DeployRank)
	}
	if d.TaskKind() != types.TextGeneration {
		t.Fatalf("task kind: %v", d.TaskKind())
	}
}

func TestResolve_EmptyDeploymentNeedsTag(t *testing.T) {
	if _, err := (Config{}).Resolve(); !IsRuleError(err) {
		t.Fatalf("expected rule error, got %v", err)
	}
	cfg, err := Config{Tag: "placeholder"}.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Deployment != nil {
		t.Fatalf("expected no deployment")
	}
}

func TestResolve_DoesNotMutateInput(t *testing.T) {
	in := Config{Deployment: &Deployment{Name: "gpt2", Task: "text-generation", Model: "gpt2"}}
	if _, err := in.Resolve(); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if in.PortNumber != 0 || in.Deployment.TensorParallel != 0 || in.Deployment.DeployRank != nil {
		t.Fatalf("input mutated: %+v %+v", in, in.Deployment)
	}
}

func TestResolve_RejectsBadPorts(t *testing.T) {
	base := Deployment{Name: "gpt2", Task: "text-generation", Model: "gpt2"}
	for _, cfg := range []Config{
		{PortNumber: 70000, Deployment: &base},
		{CoordPort: -1, Deployment: &base},
		{PollInterval: "soon", Deployment: &base},
	} {
		if _, err := cfg.Resolve(); !IsRuleError(err) {
			t.Fatalf("expected rule error for %+v, got %v", cfg, err)
		}
	}
}

func TestResolveRuntime_NoDeploymentBlock(t *testing.T) {
	cfg, err := Config{CacheDir: "/var/lib/tpserve"}.ResolveRuntime()
	if err != nil {
		t.Fatalf("resolve runtime: %v", err)
	}
	if cfg.CacheDir != "/var/lib/tpserve" || cfg.PortNumber != DefaultPortNumber || cfg.Poll() != DefaultPollInterval {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if _, err := (Config{PollInterval: "soon"}).ResolveRuntime(); err == nil {
		t.Fatalf("expected poll_interval error")
	}
}
