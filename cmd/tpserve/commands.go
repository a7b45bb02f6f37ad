package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"tpserve/internal/config"
	"tpserve/internal/descriptor"
	"tpserve/pkg/types"
)

func newPlanCmd(o *rootOptions) *cobra.Command {
	var over deployOverrides
	cmd := &cobra.Command{
		Use:     "plan",
		Short:   "Print the descriptor a deploy would write, without launching anything",
		Example: "  tpserve plan -c deploy.yaml",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.deployConfig(over)
			if err != nil {
				return err
			}
			desc, err := plan(cfg, descriptor.NewStore(cfg.CacheDir, o.log))
			if err != nil {
				return err
			}
			b, err := descriptor.Marshal(desc)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return err
		},
	}
	over.register(cmd)
	return cmd
}

// plan composes the descriptor for cfg against the ports already held by
// other stored deployments.
func plan(cfg config.Config, store *descriptor.Store) (types.Descriptor, error) {
	if cfg.Deployment == nil {
		return descriptor.Compose(cfg, nil, nil)
	}
	c, err := cfg.Catalog()
	if err != nil {
		return types.Descriptor{}, err
	}
	reserved, err := store.Reservations(cfg.Tag)
	if err != nil {
		return types.Descriptor{}, err
	}
	return descriptor.Compose(cfg, c, reserved)
}

func newDeployCmd(o *rootOptions) *cobra.Command {
	var (
		over   deployOverrides
		gw     gatewayOptions
		detach bool
	)
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Launch every replica of the deploy file and serve the gateway",
		Long: "Plans the deployment, writes its descriptor and launches every shard worker.\n" +
			"Without --detach the gateway is served until interrupted, then the workers are stopped.\n" +
			"With --detach the command returns once every replica is live and the workers keep running.",
		Example: "  tpserve deploy -c deploy.yaml\n  tpserve deploy -c deploy.yaml --detach",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.deployConfig(over)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, o.log, detach)
			if err != nil {
				return err
			}
			desc, err := a.reg.Deploy(cmd.Context(), cfg)
			if err != nil {
				_ = a.reg.Close()
				return err
			}
			if detach {
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "deployed %s: %d replica(s), descriptor %s\n", desc.Tag, len(desc.Replicas), a.store.Path(desc.Tag))
				return err
			}
			serveErr := a.serveGateway(cmd.Context(), gw)
			if err := a.reg.Close(); err != nil {
				o.log.Warn().Err(err).Msg("stop workers")
			}
			return serveErr
		},
	}
	over.register(cmd)
	gw.register(cmd)
	cmd.Flags().BoolVar(&detach, "detach", false, "Return once the replicas are live and leave the workers running")
	return cmd
}

func newServeCmd(o *rootOptions) *cobra.Command {
	var gw gatewayOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Attach to every stored deployment and serve the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.runtimeConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, o.log, false)
			if err != nil {
				return err
			}
			// attached workers belong to whoever launched them; Close leaves them running
			defer a.reg.Close()
			if err := a.attachAll(cmd.Context()); err != nil {
				return err
			}
			return a.serveGateway(cmd.Context(), gw)
		},
	}
	gw.register(cmd)
	return cmd
}

func newQueryCmd(o *rootOptions) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:     "query TAG",
		Short:   "Send one query to a stored deployment",
		Example: "  tpserve query gpt2-deployment --data '{\"query\":[\"DeepSpeed is\"]}'\n  echo '{\"query\":\"a [MASK]\"}' | tpserve query bert --data -",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tag := args[0]
			body := []byte(data)
			if data == "-" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				body = b
			}
			cfg, err := o.runtimeConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, o.log, false)
			if err != nil {
				return err
			}
			defer a.reg.Close()
			if err := a.attach(cmd.Context(), tag); err != nil {
				return err
			}
			desc, err := a.reg.Descriptor(tag)
			if err != nil {
				return err
			}
			req, err := types.DecodeRequest(desc.Task, body)
			if err != nil {
				return err
			}
			resp, err := a.reg.Query(cmd.Context(), tag, req)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "Request body as JSON; - reads stdin")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func newStatusCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Probe every stored deployment and print its replicas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.runtimeConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, o.log, false)
			if err != nil {
				return err
			}
			defer a.reg.Close()
			if err := a.attachAll(cmd.Context()); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), types.DeploymentsResponse{Deployments: a.reg.Status()})
		},
	}
}

func newUndeployCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "undeploy TAG",
		Short: "Stop every worker of a deployment and remove its descriptor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tag := args[0]
			cfg, err := o.runtimeConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, o.log, false)
			if err != nil {
				return err
			}
			defer a.reg.Close()
			if err := a.attach(cmd.Context(), tag); err != nil {
				return err
			}
			if err := a.reg.Undeploy(cmd.Context(), tag); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "undeployed %s\n", tag)
			return err
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
