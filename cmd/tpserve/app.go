package main

import (
	"context"
	"path/filepath"

	"github.com/rs/zerolog"

	"tpserve/internal/config"
	"tpserve/internal/descriptor"
	"tpserve/internal/dispatch"
	"tpserve/internal/registry"
	"tpserve/internal/supervisor"
	"tpserve/internal/worker"
)

// app is the component graph one command runs against.
type app struct {
	cfg   config.Config
	store *descriptor.Store
	reg   *registry.Registry
	log   zerolog.Logger
}

// newApp wires store, launcher, supervisor, dispatch client and registry
// for cfg. With detach set, workers log to files under the state
// directory and keep running after this process exits.
func newApp(cfg config.Config, log zerolog.Logger, detach bool) (*app, error) {
	launcher := &supervisor.ExecLauncher{
		Bin:         cfg.WorkerBin,
		ExtraArgs:   cfg.WorkerArgs,
		RemoteShell: cfg.RemoteShell,
		Logger:      log,
	}
	if cfg.Deployment != nil && cfg.Deployment.HFAuthToken != "" {
		launcher.Env = append(launcher.Env, worker.EnvHFToken+"="+cfg.Deployment.HFAuthToken)
	}
	if detach {
		launcher.LogDir = filepath.Join(cfg.CacheDir, ".logs")
	}
	store := descriptor.NewStore(cfg.CacheDir, log)
	reg, err := registry.New(registry.Options{
		Store: store,
		Supervisor: supervisor.New(supervisor.Options{
			Launcher:     launcher,
			PollInterval: cfg.Poll(),
			Logger:       log,
		}),
		Client: dispatch.New(dispatch.Options{Logger: log}),
		Logger: log,
	})
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, store: store, reg: reg, log: log}, nil
}

// attachAll registers every stored deployment. Replicas that do not answer
// are registered as Dead and only logged.
func (a *app) attachAll(ctx context.Context) error {
	descs, err := a.store.List()
	if err != nil {
		return err
	}
	for _, d := range descs {
		if _, err := a.reg.Attach(ctx, d.Tag); err != nil {
			a.log.Warn().Err(err).Str("tag", d.Tag).Msg("attach incomplete")
		}
	}
	return nil
}

// attach registers one stored deployment, tolerating unreachable replicas.
func (a *app) attach(ctx context.Context, tag string) error {
	_, err := a.reg.Attach(ctx, tag)
	if descriptor.IsNotFound(err) {
		return err
	}
	if err != nil {
		a.log.Warn().Err(err).Str("tag", tag).Msg("attach incomplete")
	}
	return nil
}
