package main

import (
	"os"
	"testing"
)

// TestMainFunc runs main after configuring the application to immediately exit.
// This validates our default configurations are successful.
func TestMainFunc(t *testing.T) {
	t.Setenv(EnvEnableTestRunAndExit.Key, "1")
	args := os.Args
	defer func() { os.Args = args }()

	os.Args = []string{"corci-agent", "--location", t.TempDir()}
	main()
}
