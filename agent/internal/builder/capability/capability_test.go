package capability_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corci.pub/agent/internal/builder/capability"
)

func TestHookRun(t *testing.T) {
	var nilHook capability.Hook
	assert.NoError(t, nilHook.Run(context.Background(), &capability.Workspace{}))

	wantErr := errors.New("hook failed")
	hook := capability.Hook(func(ctx context.Context, ws *capability.Workspace) error { return wantErr })
	assert.ErrorIs(t, hook.Run(context.Background(), &capability.Workspace{}), wantErr)
}

func TestWorkspaceSetting(t *testing.T) {
	ws := &capability.Workspace{
		Platform: "ios",
		Conf: map[string]string{
			"bundleid":    "pub.corci.generic",
			"iosbundleid": "pub.corci.ios",
			"buildmode":   "debug",
		},
	}
	assert.Equal(t, "pub.corci.ios", ws.Setting("bundleid"))
	assert.Equal(t, "debug", ws.Setting("buildmode"))
	assert.Equal(t, "", ws.Setting("name"))

	ws.Platform = "android"
	assert.Equal(t, "pub.corci.generic", ws.Setting("bundleid"))
}

func TestRegistry(t *testing.T) {
	r := capability.NewDefaultRegistry()
	assert.Equal(t, []string{"android", "browser", "ios", "wp8"}, r.Platforms())

	p, err := r.Lookup("android")
	require.NoError(t, err)
	assert.Equal(t, "cordova", p.Name)
	assert.NotNil(t, p.OnFilesDone)
	assert.Nil(t, p.OnInit)

	_, err = r.Lookup("symbian")
	assert.Error(t, err)

	custom := &capability.Provider{Name: "custom"}
	r.Register("android", custom)
	p, err = r.Lookup("android")
	require.NoError(t, err)
	assert.Same(t, custom, p)
}

func TestRewriteBundleID(t *testing.T) {
	const configXML = `<?xml version='1.0' encoding='utf-8'?>
<widget id='pub.corci.old' version="1.0.0" xmlns="http://www.w3.org/ns/widgets">
    <name>Sample</name>
</widget>
`
	tests := []struct {
		name     string
		platform string
		conf     map[string]string
		wantID   string
	}{
		{name: "NoBundleID", platform: "android", conf: nil, wantID: `<widget id='pub.corci.old'`},
		{name: "Generic", platform: "android", conf: map[string]string{"bundleid": "pub.corci.new"}, wantID: `<widget id="pub.corci.new"`},
		{
			name:     "PlatformSpecific",
			platform: "ios",
			conf:     map[string]string{"bundleid": "pub.corci.new", "iosbundleid": "pub.corci.ios"},
			wantID:   `<widget id="pub.corci.ios"`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, capability.ConfigXML)
			require.NoError(t, os.WriteFile(path, []byte(configXML), 0o644))

			var logs []string
			ws := &capability.Workspace{
				BID:      "b1",
				Platform: tc.platform,
				Dir:      dir,
				Conf:     tc.conf,
				Logf:     func(format string, args ...any) { logs = append(logs, format) },
			}
			require.NoError(t, capability.RewriteBundleID(context.Background(), ws))

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Contains(t, string(data), tc.wantID)
			assert.Contains(t, string(data), `version="1.0.0"`)
			assert.Equal(t, tc.conf != nil, len(logs) > 0)
		})
	}

	t.Run("MissingConfig", func(t *testing.T) {
		ws := &capability.Workspace{Platform: "android", Dir: t.TempDir(), Conf: map[string]string{"bundleid": "x"}}
		assert.Error(t, capability.RewriteBundleID(context.Background(), ws))
	})

	t.Run("InvalidBundleID", func(t *testing.T) {
		for _, id := range []string{
			`pub.corci" xmlns:evil="x`,
			`pub.corci' foo='bar`,
			`pub.corci<plugin/>`,
			`pub.corci&amp;`,
			`pub..corci`,
		} {
			dir := t.TempDir()
			path := filepath.Join(dir, capability.ConfigXML)
			require.NoError(t, os.WriteFile(path, []byte(configXML), 0o644))

			ws := &capability.Workspace{Platform: "android", Dir: dir, Conf: map[string]string{"bundleid": id}}
			err := capability.RewriteBundleID(context.Background(), ws)
			assert.ErrorIs(t, err, capability.ErrInvalidBundleID, id)

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, configXML, string(data))
		}
	})
}
