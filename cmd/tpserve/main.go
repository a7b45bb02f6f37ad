// Command tpserve plans, launches and serves tensor-parallel model
// deployments.
//
//	tpserve plan     -c deploy.yaml         print the descriptor a deploy would write
//	tpserve deploy   -c deploy.yaml         launch the workers and serve the gateway
//	tpserve serve                           attach to stored deployments and serve the gateway
//	tpserve query    TAG --data '{...}'     send one query
//	tpserve status                          probe every stored deployment
//	tpserve undeploy TAG                    stop the workers and remove the descriptor
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tpserve/internal/common/logging"
	"tpserve/internal/config"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	stateDir   string
	logLevel   string
	logFormat  string

	log zerolog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tpserve:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{log: zerolog.Nop()}
	root := &cobra.Command{
		Use:           "tpserve",
		Short:         "Deploy and query tensor-parallel model replicas",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.New(cmd.ErrOrStderr(), o.logLevel, o.logFormat)
			if err != nil {
				return err
			}
			o.log = log
			return nil
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&o.configPath, "config", "c", "", "Deploy file (.yaml, .yml, .toml or .json)")
	pf.StringVar(&o.stateDir, "state-dir", "", "Directory holding deployment descriptors (overrides cache_dir)")
	pf.StringVar(&o.logLevel, "log-level", logging.Env(logging.EnvLevel, "info"), "Log level: debug|info|warn|error (defaults "+logging.EnvLevel+" or info)")
	pf.StringVar(&o.logFormat, "log-format", logging.Env(logging.EnvFormat, logging.FormatConsole), "Log format: console|json")

	root.AddCommand(
		newPlanCmd(o),
		newDeployCmd(o),
		newServeCmd(o),
		newQueryCmd(o),
		newStatusCmd(o),
		newUndeployCmd(o),
	)
	return root
}

// deployOverrides are the flags that override values of the deploy file.
type deployOverrides struct {
	tag      string
	hostfile string
	port     int
}

func (d *deployOverrides) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&d.tag, "tag", "", "Deployment tag (overrides deployment_tag)")
	cmd.Flags().StringVar(&d.hostfile, "hostfile", "", "Hostfile (overrides hostfile and inline hosts)")
	cmd.Flags().IntVar(&d.port, "port", 0, "Base port (overrides port_number)")
}

// deployConfig loads and resolves the deploy file, which is required.
func (o *rootOptions) deployConfig(over deployOverrides) (config.Config, error) {
	if o.configPath == "" {
		return config.Config{}, fmt.Errorf("a deploy file is required (--config)")
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if over.tag != "" {
		cfg.Tag = over.tag
	}
	if over.hostfile != "" {
		cfg.Hostfile = over.hostfile
		cfg.Hosts = nil
	}
	if over.port != 0 {
		cfg.PortNumber = over.port
	}
	if o.stateDir != "" {
		cfg.CacheDir = o.stateDir
	}
	return cfg.Resolve()
}

// runtimeConfig loads the deploy file when one is given; commands that
// only work with stored deployments run without it.
func (o *rootOptions) runtimeConfig() (config.Config, error) {
	var cfg config.Config
	if o.configPath != "" {
		c, err := config.Load(o.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = c
	}
	if o.stateDir != "" {
		cfg.CacheDir = o.stateDir
	}
	return cfg.ResolveRuntime()
}
