package builder

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"corci.pub/agent/internal/builder/capability"
)

// Config defaults.
const (
	DefaultHost     = "localhost"
	DefaultPort     = 8000
	DefaultProtocol = "http"
	DefaultLocation = "builds"
	DefaultPlatform = "android"
)

// Executor kinds.
const (
	ExecutorLocal  = "local"
	ExecutorDocker = "docker"
)

// Config represents the YAML configuration of an agent.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Protocol string `yaml:"protocol"`

	// Location is the workfolder holding one workspace per build.
	Location string `yaml:"location"`
	Name     string `yaml:"name"`
	Platform string `yaml:"platform"`

	// Keep is the number of workspaces retained by cleanup. Zero keeps all of them.
	Keep int `yaml:"keep"`

	Executor    string        `yaml:"executor"`
	DockerImage string        `yaml:"docker_image"`
	TaskTTL     time.Duration `yaml:"task_ttl"`
	MaxBuilds   int           `yaml:"max_builds"`
	BuildMode   string        `yaml:"build_mode"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		Host:      DefaultHost,
		Port:      DefaultPort,
		Protocol:  DefaultProtocol,
		Location:  DefaultLocation,
		Platform:  DefaultPlatform,
		Executor:  ExecutorLocal,
		BuildMode: DefaultBuildMode,
	}
}

// ParseConfig reads and parses an agent YAML configuration file.
func ParseConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	return ParseConfigBytes(data)
}

// ParseConfigBytes parses agent YAML configuration from bytes. Unset fields keep their defaults.
func ParseConfigBytes(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for values the agent cannot run with.
func (cfg *Config) Validate() error {
	if cfg.Host == "" {
		return fmt.Errorf("config must specify a coordinator host")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port %d", cfg.Port)
	}
	switch cfg.Protocol {
	case "http", "https", "ws", "wss":
		// valid
	default:
		return fmt.Errorf("unsupported protocol %q, must be one of: http, https, ws, wss", cfg.Protocol)
	}
	if cfg.Location == "" {
		return fmt.Errorf("config must specify a workfolder location")
	}
	if !slices.Contains(capability.CordovaPlatforms, cfg.Platform) {
		return fmt.Errorf("unsupported platform %q, must be one of: %v", cfg.Platform, capability.CordovaPlatforms)
	}
	if cfg.Keep < 0 {
		return fmt.Errorf("keep must be greater than or equal to 0, got: %d", cfg.Keep)
	}
	switch cfg.Executor {
	case ExecutorLocal:
	case ExecutorDocker:
		if cfg.DockerImage == "" {
			return fmt.Errorf("the docker executor requires a docker_image")
		}
	default:
		return fmt.Errorf("unsupported executor %q, must be one of: local, docker", cfg.Executor)
	}
	if cfg.TaskTTL < 0 {
		return fmt.Errorf("task_ttl must not be negative, got: %s", cfg.TaskTTL)
	}
	if cfg.MaxBuilds < 0 {
		return fmt.Errorf("max_builds must be greater than or equal to 0, got: %d", cfg.MaxBuilds)
	}
	return nil
}

// URL returns the websocket address of the coordinator. Port 80 is left implicit.
func (cfg *Config) URL() string {
	scheme := "ws"
	if cfg.Protocol == "https" || cfg.Protocol == "wss" {
		scheme = "wss"
	}
	host := cfg.Host
	if cfg.Port != 80 {
		host = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	}
	u := url.URL{Scheme: scheme, Host: host, Path: "/agent"}
	return u.String()
}
