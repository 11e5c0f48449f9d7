package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"corci.pub/agent/internal/builder"
	"corci.pub/agent/internal/builder/executor"
	"corci.pub/agent/internal/events"
)

var (
	// EnvEnableTestRunAndExit will start the application, but exit immediately after.
	// EnvDebugLogging will emit verbose debug logs to help troubleshoot builds.
	// EnvJSONLogging will emit logs in JSON format for easier parsing by log aggregators.
	// EnvLogAgentID will include the agent id in log messages.
	EnvEnableTestRunAndExit = EnvBool{"ENABLE_TEST_RUN_AND_EXIT"}
	EnvDebugLogging         = EnvBool{"ENABLE_DEBUG_LOGGING"}
	EnvJSONLogging          = EnvBool{"ENABLE_JSON_LOGGING"}
	EnvLogAgentID           = EnvBool{"ENABLE_AGENT_ID_LOGGING"}

	// EnvEnableMetrics enables the /metrics and /status endpoints. They are unauthenticated.
	// EnvHTTPMetricsListenAddr sets the address (ip:port) for the HTTP metrics server to bind to.
	EnvEnableMetrics         = EnvBool{"ENABLE_METRICS"}
	EnvHTTPMetricsListenAddr = EnvString{"HTTP_METRICS_LISTEN_ADDR", "127.0.0.1:8080"}

	// EnvLogTopicURL is a pubsub topic (e.g. "mem://corci-logs") receiving every build log line.
	// Empty disables it.
	EnvLogTopicURL = EnvString{"LOG_TOPIC_URL", ""}

	// EnvCleanupSchedule is the cron spec of the periodic workfolder cleanup. It only applies
	// when a keep limit is configured.
	EnvCleanupSchedule = EnvString{"WORKFOLDER_CLEANUP_SCHEDULE", "@hourly"}

	// EnvShutdownTimeout bounds how long live builds get to stop on exit.
	EnvShutdownTimeout = EnvDuration{"SHUTDOWN_TIMEOUT", 10 * time.Second}
)

// Config holds information that controls the behaviour of the agent.
type Config struct {
	agent *builder.Config

	metricsAddr     string
	logTopicURL     string
	cleanupSchedule string
	shutdownTimeout time.Duration
}

// IsMetricsEnabled returns true if the /metrics http endpoint has been enabled.
func (cfg *Config) IsMetricsEnabled() bool {
	return cfg.metricsAddr != ""
}

// IsTestRunAndExitEnabled returns true if a value for the "ENABLE_TEST_RUN_AND_EXIT" environment variable is set.
func (cfg *Config) IsTestRunAndExitEnabled() bool {
	return EnvEnableTestRunAndExit.IsSet()
}

// NewExecutor returns the command runner selected by the agent configuration.
func (cfg *Config) NewExecutor() (executor.Executor, error) {
	switch cfg.agent.Executor {
	case builder.ExecutorDocker:
		exec, err := executor.NewDockerExecutorFromEnv(cfg.agent.DockerImage)
		if err != nil {
			return nil, fmt.Errorf("failed to create docker executor: %w", err)
		}
		return exec, nil
	default:
		return executor.NewLocalExecutor(), nil
	}
}

// OpenLogSink opens the configured log topic. It returns nil when none is configured.
func (cfg *Config) OpenLogSink(ctx context.Context, aid string) (*events.LogSink, error) {
	if cfg.logTopicURL == "" {
		return nil, nil
	}
	return events.OpenLogSink(ctx, cfg.logTopicURL, aid)
}

// AgentOptions translates the agent configuration into builder options.
func (cfg *Config) AgentOptions() []builder.Option {
	return []builder.Option{
		builder.WithKeep(cfg.agent.Keep),
		builder.WithMaxBuilds(cfg.agent.MaxBuilds),
		builder.WithTaskTTL(cfg.agent.TaskTTL),
		builder.WithBuildMode(cfg.agent.BuildMode),
	}
}

// ConfigureAgent sets the agent configuration parsed from flags and the config file.
func ConfigureAgent(agentCfg *builder.Config) func(*Config) {
	return func(cfg *Config) {
		cfg.agent = agentCfg
	}
}

// ConfigureMetricsFromEnv enables the metrics server if ENABLE_METRICS is set.
func ConfigureMetricsFromEnv() func(*Config) {
	return func(cfg *Config) {
		if EnvEnableMetrics.IsUnset() {
			return
		}
		cfg.metricsAddr = EnvHTTPMetricsListenAddr.String()
	}
}

// ConfigureLogSinkFromEnv sets the pubsub topic receiving build logs.
func ConfigureLogSinkFromEnv() func(*Config) {
	return func(cfg *Config) {
		cfg.logTopicURL = EnvLogTopicURL.String()
		if cfg.logTopicURL == "" {
			slog.Debug("log topic is not configured, build logs stay local")
		}
	}
}

// ConfigureCleanupFromEnv sets the workfolder cleanup schedule.
func ConfigureCleanupFromEnv() func(*Config) {
	return func(cfg *Config) {
		cfg.cleanupSchedule = EnvCleanupSchedule.String()
	}
}

// ConfigureShutdownFromEnv sets how long live builds get to stop on exit.
func ConfigureShutdownFromEnv() func(*Config) {
	return func(cfg *Config) {
		cfg.shutdownTimeout = EnvShutdownTimeout.Duration()
	}
}
