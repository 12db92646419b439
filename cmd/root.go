// Package cmd wires configuration, adapters and the manager together for the
// sqdbsync subcommands.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dmitri-anishchuk/sq-dbsync/pkg/adapter"
	"github.com/dmitri-anishchuk/sq-dbsync/pkg/config"
	"github.com/dmitri-anishchuk/sq-dbsync/pkg/manager"
	"github.com/dmitri-anishchuk/sq-dbsync/pkg/pipeline"
	"github.com/dmitri-anishchuk/sq-dbsync/pkg/plan"
	"github.com/dmitri-anishchuk/sq-dbsync/pkg/registry"
)

// Run executes one subcommand: batch, refresh, incremental, or run (the
// long-running daemon mode).
func Run(logger *zap.Logger, args []string) error {
	command := "run"
	if len(args) > 0 {
		command = args[0]
	}

	e, err := config.LoadEnv()
	if err != nil {
		return err
	}
	cfg, err := config.Load(e.ConfigPath)
	if err != nil {
		return err
	}

	scratch := pipeline.ScratchDir()
	if err = pipeline.EnsureScratchDir(scratch); err != nil {
		return err
	}
	pipeline.CleanStale(scratch, 24*time.Hour, logger)

	target, err := adapter.New(withLogger(cfg.Target.Options(), logger))
	if err != nil {
		return err
	}
	defer func() { _ = target.Close() }()

	reg := registry.New(target.DB(), registryFlavor(cfg.Target.Engine))

	sources, closers, err := buildSources(cfg, logger)
	defer func() {
		for _, closeFn := range closers {
			closeFn()
		}
	}()
	if err != nil {
		return err
	}

	mgr := manager.New(manager.Config{
		Target:     target,
		Registry:   reg,
		Logger:     logger,
		Clock:      nil, // system clock
		ScratchDir: scratch,
		ChunkRows:  e.ChunkRows,
		Cadence:    e.Cadence,
	}, sources...)

	ctx := context.Background()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)
	go func() {
		sig := <-stop
		logger.Info("stopping after in-flight work", zap.String("signal", sig.String()))
		mgr.Stop()
	}()

	switch command {
	case "batch":
		return mgr.BatchNonActive(ctx)
	case "refresh":
		return mgr.RefreshRecent(ctx)
	case "incremental":
		return mgr.Incremental(ctx)
	case "run":
		return mgr.Run(ctx, e.BatchSchedule, e.RefreshSchedule)
	default:
		return adapter.ConfigErrorf(nil, "unknown command %q", command)
	}
}

func withLogger(opts adapter.Options, logger *zap.Logger) adapter.Options {
	opts.Logger = logger
	return opts
}

func registryFlavor(engine string) string {
	if engine == "mysql" {
		return "mysql"
	}
	return "postgres"
}

// buildSources opens every configured source, its optional tunnel, and a
// provider combining its plan literals with any all_tables enumeration.
func buildSources(cfg *config.File, logger *zap.Logger) ([]manager.Source, []func(), error) {
	grouped := cfg.PlansBySource()
	allTables := make(map[string]config.AllTables, len(cfg.AllTables))
	for _, a := range cfg.AllTables {
		allTables[a.Source] = a
	}

	ids := make([]string, 0, len(cfg.Sources))
	for id := range cfg.Sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var sources []manager.Source
	var closers []func()
	for _, id := range ids {
		conn := cfg.Sources[id]
		closeTunnel, err := conn.OpenTunnel(logger)
		if err != nil {
			return sources, closers, err
		}
		closers = append(closers, closeTunnel)

		src, err := adapter.New(withLogger(conn.Options(), logger))
		if err != nil {
			return sources, closers, err
		}
		closers = append(closers, func() { _ = src.Close() })

		providers := []plan.Provider{plan.NewStatic(grouped[id]...)}
		if a, ok := allTables[id]; ok {
			providers = append(providers, plan.NewAllTables(src, id, a.TimestampColumn, a.Exclude))
		}
		sources = append(sources, manager.Source{
			ID:       id,
			Adapter:  src,
			Provider: plan.Combine(providers...),
		})
	}
	return sources, closers, nil
}
