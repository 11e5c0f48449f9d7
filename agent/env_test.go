package main

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvBool(t *testing.T) {
	tests := []struct {
		name      string
		env       EnvBool
		osValue   string
		wantValue bool
	}{
		{
			name:      "Set",
			env:       EnvBool{"TEST_ENV_BOOL"},
			osValue:   "1",
			wantValue: true,
		},
		{
			name:      "AnyValue",
			env:       EnvBool{"TEST_ENV_BOOL"},
			osValue:   "false",
			wantValue: true,
		},
		{
			name:      "Unset",
			env:       EnvBool{"TEST_ENV_BOOL"},
			osValue:   "",
			wantValue: false,
		},
	}

	// Run Tests
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.env.Key, tc.osValue)

			assert.Equal(t, tc.wantValue, tc.env.Bool())
			assert.Equal(t, tc.wantValue, tc.env.IsSet())
			assert.Equal(t, !tc.wantValue, tc.env.IsUnset())
			assert.Equal(t, fmt.Sprintf("%t", tc.wantValue), tc.env.String())
		})
	}
}

func TestEnvString(t *testing.T) {
	tests := []struct {
		name      string
		env       EnvString
		osValue   string
		wantValue string
	}{
		{
			name:      "Set",
			env:       EnvString{"TEST_ENV_STRING", ""},
			osValue:   "mem://logs",
			wantValue: "mem://logs",
		},
		{
			name:      "Unset",
			env:       EnvString{"TEST_ENV_STRING", ""},
			osValue:   "",
			wantValue: "",
		},
		{
			name:      "Default",
			env:       EnvString{"TEST_ENV_STRING", "@hourly"},
			osValue:   "",
			wantValue: "@hourly",
		},
	}

	// Run Tests
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.env.Key, tc.osValue)
			assert.Equal(t, tc.wantValue, tc.env.String())
		})
	}
}

func TestEnvInteger(t *testing.T) {
	tests := []struct {
		name      string
		env       EnvInteger
		osValue   string
		wantValue int
	}{
		{
			name:      "Set",
			env:       EnvInteger{"TEST_ENV_INT", 0},
			osValue:   "123",
			wantValue: 123,
		},
		{
			name:      "Default",
			env:       EnvInteger{"TEST_ENV_INT", 5},
			osValue:   "",
			wantValue: 5,
		},
	}

	// Run Tests
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.env.Key, tc.osValue)
			assert.Equal(t, tc.wantValue, tc.env.Int())
		})
	}
}

func TestEnvDuration(t *testing.T) {
	env := EnvDuration{"TEST_ENV_DURATION", 10 * time.Second}

	t.Setenv(env.Key, "")
	assert.Equal(t, 10*time.Second, env.Duration())

	t.Setenv(env.Key, "1m30s")
	assert.Equal(t, 90*time.Second, env.Duration())
}
