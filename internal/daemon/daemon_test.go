package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw-ai/goclaw/internal/config"
)

func testPaths(t *testing.T) config.Paths {
	t.Helper()
	home := t.TempDir()
	paths := config.Paths{
		Home:       home,
		ConfigFile: filepath.Join(home, "config.yaml"),
		IdentityDB: filepath.Join(home, "identity.db"),
		HooksDir:   filepath.Join(home, "hooks"),
		Logs:       filepath.Join(home, "logs"),
	}
	require.NoError(t, os.MkdirAll(paths.Logs, 0o700))
	return paths
}

func TestNewWiresBuiltinHooksInOrder(t *testing.T) {
	paths := testPaths(t)
	store := config.NewStore(paths.ConfigFile, config.Default())

	d, err := New(Options{Store: store, Paths: paths})
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, []string{"metrics", "audit"}, d.registry.Observers())
	assert.NotNil(t, d.Identity())
}

func TestNewSkipsDisabledHooks(t *testing.T) {
	paths := testPaths(t)
	snap := config.Default()
	snap.Hooks.Metrics = false
	snap.Hooks.Audit = false
	store := config.NewStore(paths.ConfigFile, snap)

	d, err := New(Options{Store: store, Paths: paths})
	require.NoError(t, err)
	defer d.Close()

	assert.Empty(t, d.registry.Observers())
}

func TestNewRegistersScriptHooksAfterBuiltins(t *testing.T) {
	paths := testPaths(t)
	require.NoError(t, os.MkdirAll(paths.HooksDir, 0o700))
	script := `
exports.name = "notify";
exports.events = ["connection"];
exports.handle = function (event) { return {}; };
`
	require.NoError(t, os.WriteFile(filepath.Join(paths.HooksDir, "notify.js"), []byte(script), 0o600))

	store := config.NewStore(paths.ConfigFile, config.Default())
	d, err := New(Options{Store: store, Paths: paths})
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, []string{"metrics", "audit", "notify"}, d.registry.Observers())
}

func TestReloadRejectsInvalidFileAndKeepsServing(t *testing.T) {
	paths := testPaths(t)
	store := config.NewStore(paths.ConfigFile, config.Default())

	d, err := New(Options{Store: store, Paths: paths})
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, os.WriteFile(paths.ConfigFile, []byte("listen: not-an-address\n"), 0o600))
	before := store.Current()
	d.Reload()
	assert.Same(t, before, store.Current())
}

func TestSandboxDeniesGatewayHome(t *testing.T) {
	paths := testPaths(t)
	policy := defaultSandbox(paths)
	assert.Contains(t, policy.DenyPaths, paths.IdentityDB)
	assert.Contains(t, policy.DenyPaths, paths.Home)
}
