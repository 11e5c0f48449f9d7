package capability

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// CordovaPlatforms are the platforms the default registry builds with Cordova.
var CordovaPlatforms = []string{"android", "ios", "wp8", "browser"}

// ConfigXML is the Cordova project descriptor at the workspace root.
const ConfigXML = "config.xml"

var widgetIDPattern = regexp.MustCompile(`<widget id=("|').*?("|')`)

// bundleIDPattern matches reverse-domain identifiers.
var bundleIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)*$`)

// ErrInvalidBundleID is returned for a bundle id that is not a reverse-domain identifier.
var ErrInvalidBundleID = errors.New("invalid bundle id")

// Cordova returns the provider for Cordova projects.
func Cordova() *Provider {
	return &Provider{
		Name:        "cordova",
		OnFilesDone: RewriteBundleID,
	}
}

// RewriteBundleID replaces the widget id in config.xml with the "bundleid" build setting.
// It does nothing when the build carries no bundle id.
func RewriteBundleID(ctx context.Context, ws *Workspace) error {
	bundleID := ws.Setting("bundleid")
	if bundleID == "" {
		return nil
	}
	if !bundleIDPattern.MatchString(bundleID) {
		return fmt.Errorf("%w: %q", ErrInvalidBundleID, bundleID)
	}
	ws.Log("changing bundleid to %s in %s", bundleID, ConfigXML)

	path := filepath.Join(ws.Dir, ConfigXML)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading %s: %w", ConfigXML, err)
	}

	replacement := []byte(fmt.Sprintf(`<widget id="%s"`, bundleID))
	data = widgetIDPattern.ReplaceAllLiteral(data, replacement)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("error writing bundleid %s into %s: %w", bundleID, ConfigXML, err)
	}
	return nil
}
