package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/plapperkasten/internal/api"
	"github.com/mattjoyce/plapperkasten/internal/config"
	"github.com/mattjoyce/plapperkasten/internal/eventmap"
	"github.com/mattjoyce/plapperkasten/internal/external"
	"github.com/mattjoyce/plapperkasten/internal/feed"
	"github.com/mattjoyce/plapperkasten/internal/lock"
	"github.com/mattjoyce/plapperkasten/internal/log"
	"github.com/mattjoyce/plapperkasten/internal/metrics"
	"github.com/mattjoyce/plapperkasten/internal/plugin"
	"github.com/mattjoyce/plapperkasten/internal/supervisor"
)

const feedCapacity = 256

func newRunCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSupervisor(ctx, cfg)
		},
	}
}

func supervisorOptions(cfg *config.Config) supervisor.Options {
	return supervisor.Options{
		Passthrough:   cfg.GetListStr("core.events.passthrough", nil),
		PollInterval:  cfg.GetDuration("core.system.poll_interval", supervisor.DefaultPollInterval),
		QueueSize:     cfg.GetInt("core.system.queue_size", supervisor.DefaultQueueSize),
		MainQueueSize: cfg.GetInt("core.system.main_queue_size", supervisor.DefaultMainQueueSize),
		ShutdownDelay: cfg.GetInt("core.system.shutdown_time", supervisor.DefaultShutdownDelay),
		Debug:         cfg.GetBool("core.system.debug", false),
	}
}

// runSupervisor wires the event map, plugins, API and supervisor, and blocks
// until the supervisor has stopped.
func runSupervisor(ctx context.Context, cfg *config.Config) error {
	logger := log.WithComponent("main")
	logger.Info("plapperkasten starting", "version", version, "sources", cfg.Sources())

	pidPath := cfg.UserPath(cfg.GetStr("core.paths.pidfile", "plapperkasten.pid"))
	pidLock, err := lock.Acquire(pidPath)
	if err != nil {
		return fmt.Errorf("acquire pid lock %s: %w", pidPath, err)
	}
	defer func() { _ = pidLock.Release() }()
	logger.Debug("acquired PID lock", "path", pidPath)

	em, err := eventmap.FromConfig(cfg)
	if err != nil {
		return err
	}
	logger.Info("event map loaded", "keys", em.Len(), "path", em.UserPath())

	hub := feed.NewHub(feedCapacity)
	m := metrics.New()
	collector := log.StartCollector(0)
	defer collector.Stop()

	opts := supervisorOptions(cfg)
	opts.Collector = collector
	opts.Metrics = m
	opts.Feed = hub
	sup, err := supervisor.New(em, opts)
	if err != nil {
		return err
	}
	if err := addPlugins(sup, cfg, logger); err != nil {
		return err
	}

	aux, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.GetBool("core.mapping.watch", true) {
		go func() {
			if err := em.Watch(aux, eventmap.DefaultDebounce); err != nil {
				logger.Warn("event map watcher stopped", "error", err)
			}
		}()
	}

	if cfg.GetBool("core.api.enabled", false) {
		srv := api.New(api.Config{
			Listen: cfg.GetStr("core.api.listen", "127.0.0.1:7420"),
			Token:  cfg.GetStr("core.api.token", ""),
		}, sup, em, hub, m, log.WithComponent("api"))
		go func() {
			if err := srv.Start(aux); err != nil {
				logger.Error("API server failed", "error", err)
			}
		}()
	}

	err = sup.Run(ctx)
	cancel()
	if err != nil {
		return err
	}
	logger.Info("plapperkasten stopped", "shutdown", sup.ShutdownRequested())
	return nil
}

// addPlugins loads every built-in and external plugin that is not
// blacklisted. A plugin that fails to initialise is logged and skipped.
func addPlugins(sup *supervisor.Supervisor, cfg *config.Config, logger *slog.Logger) error {
	blacklist := cfg.GetListStr("core.plugins.blacklist", nil)
	builtins := plugin.Names()

	for _, name := range builtins {
		if slices.Contains(blacklist, name) {
			logger.Info("plugin blacklisted", "plugin", name)
			continue
		}
		factory, _ := plugin.Lookup(name)
		if err := sup.AddPlugin(name, factory(), cfg); err != nil {
			logger.Error("could not load plugin", "plugin", name, "error", err)
		}
	}

	registry, err := plugin.Discover(cfg.PluginRoots(), log.WithComponent("discovery"))
	if err != nil {
		return fmt.Errorf("discover plugins: %w", err)
	}
	for _, name := range registry.Names() {
		if slices.Contains(blacklist, name) {
			logger.Info("plugin blacklisted", "plugin", name)
			continue
		}
		if slices.Contains(builtins, name) {
			logger.Warn("external plugin shadows a built-in, skipped", "plugin", name)
			continue
		}
		ext, _ := registry.Get(name)
		if err := sup.AddPlugin(name, external.New(ext), cfg); err != nil {
			logger.Error("could not load plugin", "plugin", name, "error", err)
		}
	}
	return nil
}
