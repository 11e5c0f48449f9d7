package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// EnvBool is a toggle configured through an environment variable.
// Any non-empty value enables it, conventionally VAR=1. It defaults to false.
type EnvBool struct {
	Key string
}

func (env EnvBool) String() string {
	return fmt.Sprintf("%t", env.Bool())
}

// Bool reports whether the variable holds a non-empty value.
func (env EnvBool) Bool() bool {
	return os.Getenv(env.Key) != ""
}

// IsSet returns true if the toggle is enabled.
func (env EnvBool) IsSet() bool {
	return env.Bool()
}

// IsUnset returns true if the toggle is disabled.
func (env EnvBool) IsUnset() bool {
	return !env.Bool()
}

// EnvString is a string configured through an environment variable.
type EnvString struct {
	Key     string
	Default string
}

// String returns the variable value, or Default when it is empty.
func (env EnvString) String() string {
	if val := os.Getenv(env.Key); val != "" {
		return val
	}
	slog.Debug("missing configuration, using default value", "env_var", env.Key, "type", "string", "default", env.Default)
	return env.Default
}

// EnvInteger is an integer configured through an environment variable.
type EnvInteger struct {
	Key     string
	Default int
}

// Int parses the variable value, or returns Default when it is empty.
// An unparsable value is fatal.
func (env EnvInteger) Int() int {
	envVar := os.Getenv(env.Key)
	if envVar == "" {
		slog.Debug("missing configuration, using default value", "env_var", env.Key, "type", "int", "default", env.Default)
		return env.Default
	}
	val, err := strconv.Atoi(envVar)
	if err != nil {
		log.Fatalf("[FATAL] invalid integer value (%q) provided for %s: %v", envVar, env.Key, err)
	}
	return val
}

// EnvDuration is a duration such as "30s" configured through an environment variable.
type EnvDuration struct {
	Key     string
	Default time.Duration
}

// Duration parses the variable value, or returns Default when it is empty.
// An unparsable value is fatal.
func (env EnvDuration) Duration() time.Duration {
	envVar := os.Getenv(env.Key)
	if envVar == "" {
		return env.Default
	}
	val, err := time.ParseDuration(envVar)
	if err != nil {
		log.Fatalf("[FATAL] invalid duration value (%q) provided for %s: %v", envVar, env.Key, err)
	}
	return val
}
