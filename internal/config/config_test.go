package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultValidates(t *testing.T) {
	assert.NoError(t, Validate(Default()))
}

func TestParseFileMissingReturnsDefaults(t *testing.T) {
	snap, err := ParseFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), snap)
}

func TestParseAppliesDefaults(t *testing.T) {
	snap, err := Parse([]byte("listen: \"127.0.0.1:9100\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9100", snap.Listen)
	assert.Equal(t, 3600, snap.Csrf.TTLSecs)
	assert.Equal(t, 0.7, snap.Safety.Sensitivity)
	assert.Equal(t, 120, snap.Auth.ChallengeTTLSecs)
}

func TestParseKeepsToggleDefaultsWhenOmitted(t *testing.T) {
	snap, err := Parse([]byte("safety:\n  sensitivity: 0.9\n"))
	require.NoError(t, err)
	assert.True(t, snap.Safety.SSRFEnabled)
	assert.True(t, snap.Hooks.Metrics)
	assert.True(t, snap.Hooks.Audit)
	assert.Equal(t, 0.9, snap.Safety.Sensitivity)
}

func TestParseHonorsExplicitFalse(t *testing.T) {
	snap, err := Parse([]byte("safety:\n  ssrf_enabled: false\nhooks:\n  metrics: false\n"))
	require.NoError(t, err)
	assert.False(t, snap.Safety.SSRFEnabled)
	assert.False(t, snap.Hooks.Metrics)
	assert.True(t, snap.Hooks.Audit)
}

func TestValidateCollectsAllProblems(t *testing.T) {
	snap := Default()
	snap.Listen = "not-an-addr"
	snap.Auth.Method = "voice"
	snap.Safety.InjectionAction = "explode"
	snap.Safety.Sensitivity = 3.0
	snap.Safety.DenyCIDRs = []string{"10.0.0.0/33"}

	err := Validate(snap)
	require.Error(t, err)
	cfgErr, ok := err.(*ConfigError)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(cfgErr.Problems), 5)
}

func TestValidateTLSPairing(t *testing.T) {
	snap := Default()
	snap.TLS.CertFile = "/tmp/cert.pem"
	err := Validate(snap)
	require.Error(t, err)
}

func TestReloadInvalidLeavesCurrentUntouched(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "listen: \"127.0.0.1:9200\"\nsafety:\n  sensitivity: 0.4\n")

	store, err := Open(path)
	require.NoError(t, err)
	before := store.Current()
	assert.Equal(t, 0.4, before.Safety.Sensitivity)

	writeConfig(t, dir, "listen: \"127.0.0.1:9200\"\nsafety:\n  sensitivity: 42\n")
	_, err = store.Reload()
	require.Error(t, err)

	after := store.Current()
	assert.Same(t, before, after)
	assert.Equal(t, 0.4, after.Safety.Sensitivity)
}

func TestReloadValidSwapsEveryChangedField(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "listen: \"127.0.0.1:9300\"\n")

	store, err := Open(path)
	require.NoError(t, err)

	writeConfig(t, dir, `listen: "127.0.0.1:9301"
safety:
  injection_action: sanitize
  sensitivity: 0.9
csrf:
  ttl_secs: 600
`)
	summary, err := store.Reload()
	require.NoError(t, err)

	cur := store.Current()
	assert.Equal(t, "127.0.0.1:9301", cur.Listen)
	assert.Equal(t, "sanitize", cur.Safety.InjectionAction)
	assert.Equal(t, 0.9, cur.Safety.Sensitivity)
	assert.Equal(t, 600, cur.Csrf.TTLSecs)

	fields := make(map[string]FieldChange)
	for _, c := range summary.Changed {
		fields[c.Field] = c
	}
	assert.Contains(t, fields, "listen")
	assert.Contains(t, fields, "safety.injection_action")
	assert.Contains(t, fields, "safety.sensitivity")
	assert.Contains(t, fields, "csrf.ttl_secs")
	assert.Equal(t, "127.0.0.1:9300", fields["listen"].Old)
	assert.Equal(t, "127.0.0.1:9301", fields["listen"].New)

	assert.Equal(t, []string{"listen"}, summary.RestartRequired)
}

func TestReplaceValidatesBeforeSwap(t *testing.T) {
	store := NewStore("", Default())

	bad := Default()
	bad.Csrf.TTLSecs = -1
	_, err := store.Replace(bad)
	require.Error(t, err)
	assert.Equal(t, Default().Csrf.TTLSecs, store.Current().Csrf.TTLSecs)

	good := Default()
	good.Safety.AllowPrivateIPs = true
	summary, err := store.Replace(good)
	require.NoError(t, err)
	assert.True(t, store.Current().Safety.AllowPrivateIPs)
	assert.Empty(t, summary.RestartRequired)
}

func TestDiffIgnoresEqualSnapshots(t *testing.T) {
	summary := Diff(Default(), Default())
	assert.Empty(t, summary.Changed)
	assert.Empty(t, summary.RestartRequired)
}
