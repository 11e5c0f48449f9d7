package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/urfave/cli"

	"corci.pub/agent/internal/builder"
	"corci.pub/agent/internal/events"
	"corci.pub/agent/internal/transport"
	"corci.pub/agent/internal/workfolder"
)

// Version of the agent being run
const Version = "v0.1.0"

func newApp(ctx context.Context, options ...func(*Config)) (app *cli.App) {
	app = cli.NewApp()
	app.Name = "corci-agent"
	app.Usage = "remote build agent"
	app.Description = "Executes builds hired by a corci coordinator and streams the artifacts back"
	app.Version = Version
	app.Flags = flags()
	app.Action = cli.ActionFunc(func(c *cli.Context) error {
		agentCfg, err := agentConfig(c)
		if err != nil {
			return err
		}
		return run(ctx, append(options, ConfigureAgent(agentCfg))...)
	})
	return
}

func flags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "YAML configuration file, flags take precedence"},
		cli.StringFlag{Name: "host", Value: builder.DefaultHost, Usage: "coordinator host"},
		cli.IntFlag{Name: "port", Value: builder.DefaultPort, Usage: "coordinator port"},
		cli.StringFlag{Name: "protocol", Value: builder.DefaultProtocol, Usage: "coordinator protocol (http, https, ws, wss)"},
		cli.StringFlag{Name: "location", Value: builder.DefaultLocation, Usage: "workfolder holding one workspace per build"},
		cli.StringFlag{Name: "name", Usage: "agent name shown by the coordinator, generated if empty"},
		cli.StringFlag{Name: "platform", Value: builder.DefaultPlatform, Usage: "platform built by this agent"},
		cli.IntFlag{Name: "keep", Usage: "number of workspaces to keep, 0 keeps all of them"},
		cli.StringFlag{Name: "executor", Value: builder.ExecutorLocal, Usage: "where toolchain commands run (local, docker)"},
		cli.StringFlag{Name: "docker-image", Usage: "toolchain image used by the docker executor"},
		cli.DurationFlag{Name: "task-ttl", Usage: "fail builds still running after this long, 0 disables it"},
		cli.IntFlag{Name: "max-builds", Usage: "maximum number of concurrent builds, 0 is unlimited"},
		cli.StringFlag{Name: "build-mode", Value: builder.DefaultBuildMode, Usage: "toolchain build mode used when a build does not request one"},
	}
}

// agentConfig reads the config file, if any, and applies the flags set on the command line.
func agentConfig(c *cli.Context) (*builder.Config, error) {
	cfg := builder.DefaultConfig()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = builder.ParseConfig(path); err != nil {
			return nil, err
		}
	}

	// Flags set on the command line override the file. Without a file the flag defaults apply.
	override := func(name string) bool {
		return c.IsSet(name) || c.String("config") == ""
	}
	if override("host") {
		cfg.Host = c.String("host")
	}
	if override("port") {
		cfg.Port = c.Int("port")
	}
	if override("protocol") {
		cfg.Protocol = c.String("protocol")
	}
	if override("location") {
		cfg.Location = c.String("location")
	}
	if override("name") {
		cfg.Name = c.String("name")
	}
	if override("platform") {
		cfg.Platform = c.String("platform")
	}
	if override("keep") {
		cfg.Keep = c.Int("keep")
	}
	if override("executor") {
		cfg.Executor = c.String("executor")
	}
	if override("docker-image") {
		cfg.DockerImage = c.String("docker-image")
	}
	if override("task-ttl") {
		cfg.TaskTTL = c.Duration("task-ttl")
	}
	if override("max-builds") {
		cfg.MaxBuilds = c.Int("max-builds")
	}
	if override("build-mode") {
		cfg.BuildMode = c.String("build-mode")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, options ...func(*Config)) error {
	// Initialize Config
	cfg := &Config{agent: builder.DefaultConfig(), shutdownTimeout: EnvShutdownTimeout.Default}
	for _, opt := range options {
		opt(cfg)
	}

	id := builder.NewIdentity(cfg.agent.Platform, cfg.agent.Name)
	configureLogging(id.AID)

	root, err := workfolder.Ensure(cfg.agent.Location)
	if err != nil {
		return err
	}
	exec, err := cfg.NewExecutor()
	if err != nil {
		return err
	}

	// Lifecycle events feed the metrics and the optional log topic. They keep flowing while
	// live builds stop after ctx is cancelled.
	bus := events.NewBus(context.WithoutCancel(ctx))
	subscribeMetrics(bus)

	sink, err := cfg.OpenLogSink(ctx, id.AID)
	if err != nil {
		bus.Close()
		return err
	}
	if sink != nil {
		sink.Attach(bus)
	}
	defer closeEvents(bus, sink)

	session := transport.New(cfg.agent.URL(), transport.WithOnReconnecting(observeReconnect))
	agent := builder.NewAgent(id, root, session,
		append(cfg.AgentOptions(), builder.WithExecutor(exec), builder.WithEvents(bus))...,
	)

	if cfg.agent.Keep > 0 && cfg.cleanupSchedule != "" {
		if err := agent.Cleaner().Schedule(ctx, cfg.cleanupSchedule); err != nil {
			return err
		}
	}

	if cfg.IsMetricsEnabled() {
		srv := newMetricsServer(cfg.metricsAddr, agent)
		go func() {
			slog.Info("starting metrics http server", "metrics_addr", cfg.metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics http server stopped", "error", err)
			}
		}()
		defer srv.Close()
	}

	slog.Info("agent starting",
		"aid", id.AID,
		"name", id.Name,
		"platform", id.Platform,
		"coordinator", session.URL(),
		"workfolder", root,
		"executor", cfg.agent.Executor,
	)

	if cfg.IsTestRunAndExitEnabled() {
		return nil
	}

	err = session.Run(ctx, agent)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
	defer cancel()
	if serr := agent.Shutdown(shutdownCtx); serr != nil {
		slog.Warn("builds did not stop in time", "error", serr)
	}

	if errors.Is(err, context.Canceled) {
		slog.Info("agent stopped")
		return nil
	}
	return err
}

// closeEvents drains the bus before shutting down the log sink it feeds.
func closeEvents(bus *events.Bus, sink *events.LogSink) {
	if err := bus.Close(); err != nil {
		slog.Warn("failed to close event bus", "error", err)
	}
	if sink == nil {
		return
	}
	if err := sink.Close(context.Background()); err != nil {
		slog.Warn("failed to close log topic", "error", err)
	}
}
