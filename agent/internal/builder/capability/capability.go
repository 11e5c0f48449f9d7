// Package capability holds the platform specific customisations of the build sequence.
//
// A Provider is a set of optional hooks the build sequence calls at fixed points. A nil hook
// is a no-op. Providers are looked up by platform name in a Registry.
package capability

import (
	"context"

	"corci.pub/agent/internal/builder/executor"
)

// Workspace is the view of a build a hook operates on.
type Workspace struct {
	BID      string
	Platform string

	// Dir is the absolute path of the build workspace.
	Dir string

	// Conf holds the per-build settings sent with the hire message.
	Conf map[string]string

	// Exec runs external commands on behalf of the hook.
	Exec executor.Executor

	// Logf appends a line to the build log.
	Logf func(format string, args ...any)
}

// Log writes a line to the build log, if the workspace has one.
func (ws *Workspace) Log(format string, args ...any) {
	if ws.Logf != nil {
		ws.Logf(format, args...)
	}
}

// Setting returns the per-build setting key, preferring a platform specific value
// stored under "<platform><key>".
func (ws *Workspace) Setting(key string) string {
	if v := ws.Conf[ws.Platform+key]; v != "" {
		return v
	}
	return ws.Conf[key]
}

// Hook is a customisation point of the build sequence.
type Hook func(ctx context.Context, ws *Workspace) error

// Run invokes the hook, treating a nil hook as success.
func (h Hook) Run(ctx context.Context, ws *Workspace) error {
	if h == nil {
		return nil
	}
	return h(ctx, ws)
}

// Provider is a platform capability.
type Provider struct {
	Name string

	// OnInit runs right after the inputs were extracted.
	OnInit Hook

	// OnFilesDone runs after the platform target exists in the workspace.
	OnFilesDone Hook

	// PreBuild runs right before the toolchain build command.
	PreBuild Hook

	// OnBuildDone runs after a successful toolchain build.
	OnBuildDone Hook

	// Artifacts returns the glob patterns, relative to the workspace, of the files to serve.
	// When nil the toolchain defaults for the platform are used.
	Artifacts func(ws *Workspace) []string
}
