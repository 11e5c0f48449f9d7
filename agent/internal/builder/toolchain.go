package builder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hashicorp/go-multierror"

	"corci.pub/agent/internal/builder/executor"
)

// AllowedExitCodes are the toolchain exit codes that do not fail a build.
//
// Exit code 1 is a Cordova quirk: some successful builds report it. It only passes when nothing
// was written to stderr. Keep this list specific to the toolchain.
var AllowedExitCodes = []int{0, 1}

// DefaultBuildMode is the build flavour requested from the toolchain.
const DefaultBuildMode = "release"

// Toolchain describes the external build tool driven by the build sequence.
type Toolchain struct {
	// Binary is the toolchain executable.
	Binary string

	// TargetsDir is the workspace directory holding one subdirectory per added target.
	TargetsDir string

	// HookScripts are globs, relative to the workspace, of toolchain hook scripts deleted
	// before the build.
	HookScripts []string

	// Artifacts maps a platform to the globs of its build outputs, relative to the workspace.
	Artifacts map[string][]string

	// AllowedExitCodes overrides the package level allow-list when non-nil.
	AllowedExitCodes []int
}

// Cordova returns the Apache Cordova toolchain.
func Cordova() *Toolchain {
	return &Toolchain{
		Binary:      "cordova",
		TargetsDir:  "platforms",
		HookScripts: []string{"hooks"},
		Artifacts: map[string][]string{
			"android": {"platforms/android/**/*.apk", "platforms/android/**/*.aab"},
			"ios":     {"platforms/ios/**/*.ipa"},
			"wp8":     {"platforms/wp8/**/*.xap"},
			"browser": {"platforms/browser/**/*.zip"},
		},
	}
}

func (tc *Toolchain) allowed() []int {
	if tc.AllowedExitCodes != nil {
		return tc.AllowedExitCodes
	}
	return AllowedExitCodes
}

// TargetDir returns the directory whose presence means the target was added.
func (tc *Toolchain) TargetDir(workspace, platform string) string {
	return filepath.Join(workspace, tc.TargetsDir, platform)
}

// AddTargetCommand returns the command adding a platform target to the project.
func (tc *Toolchain) AddTargetCommand(workspace, platform string) executor.Command {
	return executor.Command{Name: tc.Binary, Args: []string{"platform", "add", platform}, Dir: workspace}
}

// BuildCommand returns the command building a platform target in the given mode.
func (tc *Toolchain) BuildCommand(workspace, platform, mode string) executor.Command {
	if mode == "" {
		mode = DefaultBuildMode
	}
	return executor.Command{Name: tc.Binary, Args: []string{"build", platform, "--" + mode}, Dir: workspace}
}

// Check applies the failure policy to a finished toolchain invocation: any stderr output or an
// exit code outside the allow-list fails it.
func (tc *Toolchain) Check(cmd executor.Command, res *executor.Result) error {
	stderr := strings.TrimSpace(string(res.Stderr))
	if stderr == "" && slices.Contains(tc.allowed(), res.ExitCode) {
		return nil
	}
	return &ToolchainError{Command: cmd.String(), ExitCode: res.ExitCode, Stderr: stderr}
}

// Run executes a toolchain command and applies Check.
func (tc *Toolchain) Run(ctx context.Context, exec executor.Executor, cmd executor.Command) (*executor.Result, error) {
	res, err := exec.Run(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to run %q: %w", cmd.String(), err)
	}
	return res, tc.Check(cmd, res)
}

// EnsureTarget adds the platform target unless its directory already exists.
// It reports whether the add command ran.
func (tc *Toolchain) EnsureTarget(ctx context.Context, exec executor.Executor, workspace, platform string) (bool, error) {
	info, err := os.Stat(tc.TargetDir(workspace, platform))
	if err == nil && info.IsDir() {
		return false, nil
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("failed to inspect target directory: %w", err)
	}
	if _, err := tc.Run(ctx, exec, tc.AddTargetCommand(workspace, platform)); err != nil {
		return true, err
	}
	return true, nil
}

// DeleteHookScripts removes the toolchain hook scripts of a workspace and returns the removed
// paths, relative to the workspace.
func (tc *Toolchain) DeleteHookScripts(workspace string) ([]string, error) {
	var removed []string
	var result *multierror.Error
	for _, pattern := range tc.HookScripts {
		matches, err := doublestar.Glob(os.DirFS(workspace), pattern)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("invalid hook glob %q: %w", pattern, err))
			continue
		}
		for _, match := range matches {
			if err := os.RemoveAll(filepath.Join(workspace, filepath.FromSlash(match))); err != nil {
				result = multierror.Append(result, err)
				continue
			}
			removed = append(removed, match)
		}
	}
	return removed, result.ErrorOrNil()
}

// ArtifactPatterns returns the default output globs of a platform.
func (tc *Toolchain) ArtifactPatterns(platform string) []string {
	return tc.Artifacts[platform]
}
