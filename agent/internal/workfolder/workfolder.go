// Package workfolder manages the agent's root directory of build workspaces.
package workfolder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
)

var (
	MetricCleanupErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corci_agent_workfolder_cleanup_errors_total",
			Help: "The total number of workspaces that could not be removed during workfolder cleanup",
		},
	)
)

func init() {
	prometheus.MustRegister(MetricCleanupErrors)
}

// Ensure creates the workfolder root if needed and returns its absolute path.
func Ensure(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workfolder %q: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workfolder %q: %w", abs, err)
	}
	return abs, nil
}

// Cleaner keeps only the most recently modified workspaces of a workfolder.
type Cleaner struct {
	Root string

	// Keep is the number of workspaces to retain. Zero disables cleanup.
	Keep int

	// InUse returns the names of workspaces that must never be removed.
	InUse func() []string

	mu sync.Mutex
}

type workspaceDir struct {
	name    string
	modTime int64
}

// Clean removes the oldest workspaces beyond Keep. Workspaces reported by InUse and hidden
// entries are skipped and do not count against Keep. All removal errors are returned together.
func (c *Cleaner) Clean(ctx context.Context) error {
	if c == nil || c.Keep <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.Root)
	if err != nil {
		return fmt.Errorf("failed to list workfolder %q: %w", c.Root, err)
	}

	inUse := make(map[string]struct{})
	if c.InUse != nil {
		for _, name := range c.InUse() {
			inUse[name] = struct{}{}
		}
	}

	var candidates []workspaceDir
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if _, ok := inUse[name]; ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, workspaceDir{name: name, modTime: info.ModTime().UnixNano()})
	}
	if len(candidates) <= c.Keep {
		return nil
	}

	// Newest first.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].modTime == candidates[j].modTime {
			return candidates[i].name > candidates[j].name
		}
		return candidates[i].modTime > candidates[j].modTime
	})

	var result *multierror.Error
	for _, dir := range candidates[c.Keep:] {
		path := filepath.Join(c.Root, dir.name)
		slog.DebugContext(ctx, "removing old workspace", "path", path)
		if err := os.RemoveAll(path); err != nil {
			MetricCleanupErrors.Inc()
			result = multierror.Append(result, fmt.Errorf("failed to remove %q: %w", path, err))
		}
	}
	return result.ErrorOrNil()
}

// Schedule runs Clean on the given cron spec until ctx is done.
// Standard five field specs and descriptors such as "@hourly" are accepted.
func (c *Cleaner) Schedule(ctx context.Context, spec string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	scheduler := cron.New(cron.WithParser(parser))

	_, err := scheduler.AddFunc(spec, func() {
		if err := c.Clean(ctx); err != nil {
			slog.WarnContext(ctx, "workfolder cleanup failed", "root", c.Root, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", spec, err)
	}

	scheduler.Start()
	go func() {
		<-ctx.Done()
		<-scheduler.Stop().Done()
	}()
	return nil
}
