package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"tpserve/internal/catalog"
	"tpserve/internal/common/fsutil"
)

// Defaults applied by Resolve when the corresponding Config fields are unset.
const (
	DefaultPortNumber   = 50050
	DefaultCoordPort    = 29500
	DefaultCacheDir     = "~/.cache/tpserve"
	DefaultHostfile     = "/job/hostfile"
	DefaultPollInterval = 4 * time.Second
	DefaultWorkerBin    = "tpworker"
	DefaultModelPath    = "/tmp/tpserve-models"
)

// Config is the deploy file: where the cluster is, which ports to start
// from, and the model deployment to place on it. Zero values mean
// "unspecified" and are replaced by Resolve.
type Config struct {
	// Tag the deployment is published under; defaults to the deployment name.
	Tag string `json:"deployment_tag" yaml:"deployment_tag" toml:"deployment_tag"`
	// DeepSpeed-style hostfile; ignored when Hosts is set.
	Hostfile string `json:"hostfile" yaml:"hostfile" toml:"hostfile"`
	// Inline host inventory, in placement order.
	Hosts []catalog.Host `json:"hosts" yaml:"hosts" toml:"hosts"`
	// Load balancer port; shard ports are allocated above it.
	PortNumber int `json:"port_number" yaml:"port_number" toml:"port_number"`
	// Rendezvous port of replica 0; replica i uses CoordPort + 100*i.
	CoordPort int `json:"torch_dist_port" yaml:"torch_dist_port" toml:"torch_dist_port"`
	// Directory holding one sub-directory per deployment tag.
	CacheDir string `json:"cache_dir" yaml:"cache_dir" toml:"cache_dir"`
	// Worker launch settings.
	WorkerBin   string   `json:"worker_bin" yaml:"worker_bin" toml:"worker_bin"`
	WorkerArgs  []string `json:"worker_args" yaml:"worker_args" toml:"worker_args"`
	RemoteShell []string `json:"remote_shell" yaml:"remote_shell" toml:"remote_shell"`
	// Readiness poll interval, e.g. "4s".
	PollInterval string `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`
	// Gateway listen address; defaults to :PortNumber.
	GatewayAddr string `json:"gateway_addr" yaml:"gateway_addr" toml:"gateway_addr"`
	// Deployment to place. Nil means an empty, tag-only deployment.
	Deployment *Deployment `json:"deployment" yaml:"deployment" toml:"deployment"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	p, err := fsutil.ExpandHome(path)
	if err != nil {
		return cfg, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(p)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", p, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", p, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", p, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Resolve fills defaults and validates the file, including the deployment
// block. It returns a new value; cfg is left untouched.
func (cfg Config) Resolve() (Config, error) {
	out, err := cfg.ResolveRuntime()
	if err != nil {
		return cfg, err
	}
	if out.Deployment == nil {
		if strings.TrimSpace(out.Tag) == "" {
			return cfg, &RuleError{Rule: "deployment_tag", Msg: "must be set for an empty deployment"}
		}
		return out, nil
	}
	dep, err := out.Deployment.Resolve()
	if err != nil {
		return cfg, err
	}
	out.Deployment = &dep
	if out.Tag == "" {
		out.Tag = dep.Name
	}
	return out, nil
}

// ResolveRuntime is Resolve without the deployment block: it is enough for
// commands that only work with stored deployments.
func (cfg Config) ResolveRuntime() (Config, error) {
	out := cfg
	if out.PortNumber == 0 {
		out.PortNumber = DefaultPortNumber
	}
	if out.CoordPort == 0 {
		out.CoordPort = DefaultCoordPort
	}
	if out.CacheDir == "" {
		out.CacheDir = DefaultCacheDir
	}
	if out.WorkerBin == "" {
		out.WorkerBin = DefaultWorkerBin
	}
	if out.Hostfile == "" && len(out.Hosts) == 0 {
		out.Hostfile = DefaultHostfile
	}
	if out.PollInterval == "" {
		out.PollInterval = DefaultPollInterval.String()
	}
	if out.GatewayAddr == "" {
		out.GatewayAddr = fmt.Sprintf(":%d", out.PortNumber)
	}
	if out.PortNumber < 1 || out.PortNumber > 65535 {
		return cfg, &RuleError{Rule: "port_number", Msg: fmt.Sprintf("must be between 1 and 65535, got %d", out.PortNumber)}
	}
	if out.CoordPort < 1 || out.CoordPort > 65535 {
		return cfg, &RuleError{Rule: "torch_dist_port", Msg: fmt.Sprintf("must be between 1 and 65535, got %d", out.CoordPort)}
	}
	if d, err := time.ParseDuration(out.PollInterval); err != nil || d <= 0 {
		return cfg, &RuleError{Rule: "poll_interval", Msg: fmt.Sprintf("invalid duration %q", out.PollInterval)}
	}
	dir, err := fsutil.ExpandHome(out.CacheDir)
	if err != nil {
		return cfg, err
	}
	out.CacheDir = dir
	if out.Hosts != nil {
		out.Hosts = append([]catalog.Host(nil), out.Hosts...)
	}
	return out, nil
}

// Poll returns the parsed readiness poll interval.
func (cfg Config) Poll() time.Duration {
	d, err := time.ParseDuration(cfg.PollInterval)
	if err != nil || d <= 0 {
		return DefaultPollInterval
	}
	return d
}

// Catalog builds the resource catalog from the inline hosts or the hostfile.
func (cfg Config) Catalog() (*catalog.Catalog, error) {
	if len(cfg.Hosts) > 0 {
		return catalog.New(cfg.Hosts...)
	}
	return catalog.LoadHostfile(cfg.Hostfile)
}
