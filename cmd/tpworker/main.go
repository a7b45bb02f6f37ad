// Command tpworker runs one shard of a tensor-parallel replica. It is the
// process the supervisor launches; with the echo backend it serves every
// task without loading a model.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tpserve/internal/common/logging"
	"tpserve/internal/worker"
	"tpserve/pkg/types"
)

type options struct {
	tag       string
	task      string
	model     string
	modelPath string
	host      string
	port      int
	replica   int
	rank      int
	worldSize int
	slot      int
	coordPort int
	dtype     string
	config    string
	delay     time.Duration
	logLevel  string
	logFormat string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tpworker:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command { return newRootCmdWith(&options{}) }

// newRootCmdWith binds the command's flags to o.
func newRootCmdWith(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tpworker",
		Short:         "Serve one shard of a tensor-parallel replica",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := o.spec(os.Getenv(worker.EnvVisibleDevs))
			if err != nil {
				return err
			}
			log, err := logging.New(os.Stderr, o.logLevel, o.logFormat)
			if err != nil {
				return err
			}
			log = log.With().Str("tag", spec.Tag).Int("replica", spec.Replica).Int("rank", spec.Rank).Logger()
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			srv := worker.NewServer(spec, worker.EchoBackend{Model: spec.Model, Delay: o.delay}, log)
			err = srv.ListenAndServe(ctx)
			log.Info().Err(err).Msg("worker exiting")
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.tag, worker.FlagTag, "", "Deployment tag")
	f.StringVar(&o.task, worker.FlagTask, "", "Task kind, e.g. text-generation")
	f.StringVar(&o.model, worker.FlagModel, "", "Model name")
	f.StringVar(&o.modelPath, worker.FlagModelPath, "", "Model location")
	f.StringVar(&o.host, worker.FlagHost, "127.0.0.1", "Listen host")
	f.IntVar(&o.port, worker.FlagPort, 0, "Listen port of this shard")
	f.IntVar(&o.replica, worker.FlagReplica, 0, "Replica index")
	f.IntVar(&o.rank, worker.FlagRank, 0, "Shard rank within the replica")
	f.IntVar(&o.worldSize, worker.FlagWorldSize, 1, "Number of shards in the replica")
	f.IntVar(&o.slot, worker.FlagSlot, 0, "Accelerator slot of this shard")
	f.IntVar(&o.coordPort, worker.FlagCoordPort, 0, "Coordination (rendezvous) port of the replica")
	f.StringVar(&o.dtype, worker.FlagDtype, "", "Data type, e.g. fp16")
	f.StringVar(&o.config, worker.FlagConfig, "", "Base64 JSON model options")
	f.DurationVar(&o.delay, "delay", 0, "Simulated inference latency of the echo backend")
	f.StringVar(&o.logLevel, "log-level", logging.Env(logging.EnvLevel, "info"), "Log level: debug|info|warn|error")
	f.StringVar(&o.logFormat, "log-format", logging.Env(logging.EnvFormat, logging.FormatConsole), "Log format: console|json")
	return cmd
}

// spec rebuilds the launch spec from flags. Shard ports of a replica are
// contiguous, so the replica's port block is derived from port and rank.
// devices is the CUDA_VISIBLE_DEVICES value set by the launcher.
func (o *options) spec(devices string) (worker.Spec, error) {
	task, err := types.ParseTaskKind(o.task)
	if err != nil {
		return worker.Spec{}, err
	}
	if o.worldSize < 1 {
		return worker.Spec{}, fmt.Errorf("--%s must be positive, got %d", worker.FlagWorldSize, o.worldSize)
	}
	if o.rank < 0 || o.rank >= o.worldSize {
		return worker.Spec{}, fmt.Errorf("--%s %d out of range for world size %d", worker.FlagRank, o.rank, o.worldSize)
	}
	if o.port-o.rank < 1 || o.port > 65535 {
		return worker.Spec{}, fmt.Errorf("--%s %d is not a valid shard port", worker.FlagPort, o.port)
	}
	opts, err := worker.DecodeOptions(o.config)
	if err != nil {
		return worker.Spec{}, err
	}
	ports := make([]int, o.worldSize)
	for i := range ports {
		ports[i] = o.port - o.rank + i
	}
	slots := parseSlots(devices, o.worldSize)
	slots[o.rank] = o.slot
	return worker.Spec{
		Tag:           o.tag,
		Task:          task,
		Model:         o.model,
		ModelLocation: o.modelPath,
		Dtype:         o.dtype,
		Replica:       o.replica,
		Rank:          o.rank,
		Assignment:    types.ShardAssignment{Host: o.host, Slots: slots},
		Ports:         types.PortBlock{Host: o.host, ShardPorts: ports, CoordinationPort: o.coordPort},
		Options:       opts,
	}, nil
}

// parseSlots reads n slot indices from a comma-separated device list.
// Missing or malformed entries are left as zero.
func parseSlots(devices string, n int) []int {
	slots := make([]int, n)
	for i, part := range strings.Split(devices, ",") {
		if i >= n {
			break
		}
		if v, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			slots[i] = v
		}
	}
	return slots
}
