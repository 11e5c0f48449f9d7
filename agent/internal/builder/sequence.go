package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hashicorp/go-multierror"

	"corci.pub/agent/internal/builder/archive"
	"corci.pub/agent/internal/builder/capability"
)

// Policy decides what a failing phase does to the build.
type Policy int

const (
	// Fatal phases fail the build.
	Fatal Policy = iota
	// Tolerated phases log their failure and the sequence continues.
	Tolerated
)

func (p Policy) String() string {
	if p == Tolerated {
		return "tolerated"
	}
	return "fatal"
}

// phase is one step of the build sequence.
type phase struct {
	name   string
	policy Policy
	run    func(ctx context.Context, b *buildRun) error
}

// buildRun carries the state of one execution of the build sequence.
type buildRun struct {
	agent     *Agent
	task      *Task
	provider  *capability.Provider
	ws        *capability.Workspace
	tolerated *multierror.Error
	artifacts []Artifact
}

// buildPhases is the ordered build sequence.
var buildPhases = []phase{
	{name: "ensure workspace", policy: Fatal, run: ensureWorkspace},
	{name: "extract inputs", policy: Fatal, run: extractInputs},
	{name: "OnInit", policy: Fatal, run: runHook("OnInit", func(p *capability.Provider) capability.Hook { return p.OnInit })},
	{name: "ensure target", policy: Fatal, run: ensureTarget},
	{name: "OnFilesDone", policy: Tolerated, run: runHook("OnFilesDone", func(p *capability.Provider) capability.Hook { return p.OnFilesDone })},
	{name: "delete hook scripts", policy: Tolerated, run: deleteHookScripts},
	{name: "PreBuild", policy: Fatal, run: runHook("PreBuild", func(p *capability.Provider) capability.Hook { return p.PreBuild })},
	{name: "build", policy: Fatal, run: runBuild},
	{name: "OnBuildDone", policy: Tolerated, run: runHook("OnBuildDone", func(p *capability.Provider) capability.Hook { return p.OnBuildDone })},
	{name: "collect artifacts", policy: Fatal, run: collectArtifacts},
}

// runSequence executes the build sequence of t and returns its artifacts. Cancellation is
// checked before every phase and reported as ErrCancelled.
func (a *Agent) runSequence(ctx context.Context, t *Task) ([]Artifact, error) {
	provider, err := a.providers.Lookup(t.Platform)
	if err != nil {
		return nil, err
	}
	b := &buildRun{
		agent:    a,
		task:     t,
		provider: provider,
		ws: &capability.Workspace{
			BID:      t.BID,
			Platform: t.Platform,
			Dir:      t.Workspace,
			Conf:     t.Conf,
			Exec:     a.exec,
			Logf:     t.Logf,
		},
	}

	for i, p := range buildPhases {
		if ctx.Err() != nil || t.Cancelled() {
			t.Logf("stopping before %s", p.name)
			return nil, ErrCancelled
		}
		t.Logf("[%d/%d] %s", i+1, len(buildPhases), p.name)

		err := p.run(ctx, b)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		if p.policy == Tolerated {
			t.Warnf("%s failed, continuing: %v", p.name, err)
			b.tolerated = multierror.Append(b.tolerated, err)
			continue
		}
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	return b.artifacts, nil
}

func ensureWorkspace(ctx context.Context, b *buildRun) error {
	return os.MkdirAll(b.task.Workspace, 0o755)
}

func extractInputs(ctx context.Context, b *buildRun) error {
	for _, file := range b.task.Files() {
		name := filepath.Base(file)
		b.task.Logf("extracting %s", name)
		if err := archive.Extract(ctx, file, b.task.Workspace); err != nil {
			return &ExtractionError{File: name, Err: err}
		}
	}
	return nil
}

func runHook(name string, pick func(*capability.Provider) capability.Hook) func(context.Context, *buildRun) error {
	return func(ctx context.Context, b *buildRun) error {
		hook := pick(b.provider)
		if hook == nil {
			return nil
		}
		if err := hook.Run(ctx, b.ws); err != nil {
			return &HookError{Hook: name, Err: err}
		}
		return nil
	}
}

func ensureTarget(ctx context.Context, b *buildRun) error {
	tc := b.agent.toolchain
	added, err := tc.EnsureTarget(ctx, b.agent.exec, b.task.Workspace, b.task.Platform)
	if err != nil {
		return err
	}
	if added {
		b.task.Logf("added %s target", b.task.Platform)
	} else {
		b.task.Logf("%s target already present", b.task.Platform)
	}
	return nil
}

func deleteHookScripts(ctx context.Context, b *buildRun) error {
	removed, err := b.agent.toolchain.DeleteHookScripts(b.task.Workspace)
	if len(removed) > 0 {
		b.task.Logf("deleted hook scripts: %s", strings.Join(removed, ", "))
	}
	return err
}

func runBuild(ctx context.Context, b *buildRun) error {
	mode := b.ws.Setting("buildmode")
	if mode == "" {
		mode = b.agent.buildMode
	}
	cmd := b.agent.toolchain.BuildCommand(b.task.Workspace, b.task.Platform, mode)
	b.task.Logf("running %s", cmd.String())

	res, err := b.agent.toolchain.Run(ctx, b.agent.exec, cmd)
	if res != nil {
		if out := strings.TrimSpace(string(res.Stdout)); out != "" {
			b.task.Logf("%s", out)
		}
		if res.ExitCode != 0 && err == nil {
			b.task.Warnf("%s exited with code %d, accepted by exit code policy", cmd.Name, res.ExitCode)
		}
	}
	return err
}

func collectArtifacts(ctx context.Context, b *buildRun) error {
	t := b.task
	patterns := b.agent.toolchain.ArtifactPatterns(t.Platform)
	if b.provider.Artifacts != nil {
		patterns = b.provider.Artifacts(b.ws)
	}

	fsys := os.DirFS(t.Workspace)
	seen := make(map[string]struct{})
	var artifacts []Artifact
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return fmt.Errorf("invalid artifact glob %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			t.Warnf("no artifact matches %s", pattern)
			continue
		}
		for _, match := range matches {
			if _, ok := seen[match]; ok {
				continue
			}
			seen[match] = struct{}{}
			path := filepath.Join(t.Workspace, filepath.FromSlash(match))
			artifacts = append(artifacts, Artifact{Path: path, Name: artifactName(t.Conf["name"], path)})
		}
	}

	if b.tolerated != nil {
		t.Warnf("build finished with %d tolerated error(s)", len(b.tolerated.Errors))
	}
	t.Logf("collected %d artifact(s)", len(artifacts))

	logPath, err := t.flushLog()
	if err != nil {
		return err
	}
	b.artifacts = append(artifacts, Artifact{Path: logPath, Name: filepath.Base(logPath)})
	return nil
}

// renamedExtensions are the artifact types served under the build's configured name.
var renamedExtensions = map[string]struct{}{".apk": {}, ".aab": {}, ".ipa": {}, ".xap": {}}

// artifactName returns the name an artifact is served under: "<name><ext>" for application
// packages when the build carries a name, the file name otherwise.
func artifactName(name, path string) string {
	base := filepath.Base(path)
	if name == "" {
		return base
	}
	ext := strings.ToLower(filepath.Ext(base))
	if _, ok := renamedExtensions[ext]; !ok {
		return base
	}
	return name + ext
}

// isStopped reports whether err only reflects a stopped build.
func isStopped(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
