package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	var p = filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(contents), 0644))
	return p
}

// TestLoadMergeAndCLIOverride reproduces spec.md's literal configuration
// scenario: config_b.json overrides config_a.json's location and drops its
// connection target, then CLI flags override location, target, timeout and
// identification.
func TestLoadMergeAndCLIOverride(t *testing.T) {
	var dir = t.TempDir()
	var fileA = writeFile(t, dir, "config_a.json", `{
		"yogi": {
			"location": "/Test",
			"connection": { "target": "localhost:12345" }
		}
	}`)
	var fileB = writeFile(t, dir, "config_b.json", `{
		"yogi": {
			"location": "/Pudding",
			"connection": { "target": null }
		}
	}`)

	var cfg, err = Load([]string{fileA, fileB}, nil)
	require.NoError(t, err)
	require.Equal(t, "/Pudding", cfg.Yogi.Location)
	require.Equal(t, "", cfg.Yogi.Connection.Target)

	cfg, err = Load([]string{fileA, fileB}, []string{
		"--location=/Home",
		"--connection_target=my-host:1234",
		"--connection_timeout=0.555",
		"-i", "Dude",
	})
	require.NoError(t, err)
	require.Equal(t, "/Home", cfg.Yogi.Location)
	require.Equal(t, "my-host:1234", cfg.Yogi.Connection.Target)
	require.Equal(t, 0.555, cfg.Yogi.Connection.Timeout)
	require.Equal(t, "555ms", cfg.ConnectionTimeout().String())
	require.Equal(t, "Dude", cfg.Yogi.Connection.Identification)

	var p, locErr = cfg.Location()
	require.NoError(t, locErr)
	require.Equal(t, "/Home", p.String())
}

func TestLoadGlobPattern(t *testing.T) {
	var dir = t.TempDir()
	writeFile(t, dir, "10-base.json", `{"yogi": {"location": "/A"}}`)
	writeFile(t, dir, "20-override.json", `{"yogi": {"location": "/B"}}`)

	var cfg, err = Load([]string{filepath.Join(dir, "*.json")}, nil)
	require.NoError(t, err)
	require.Equal(t, "/B", cfg.Yogi.Location)
}

func TestLoadMissingPatternErrors(t *testing.T) {
	var _, err = Load([]string{filepath.Join(t.TempDir(), "nope-*.json")}, nil)
	require.Error(t, err)
}

func TestLoadNoFilesDefaultsToRoot(t *testing.T) {
	var cfg, err = Load(nil, nil)
	require.NoError(t, err)
	var p, locErr = cfg.Location()
	require.NoError(t, locErr)
	require.True(t, p.IsRoot())
}

func TestLoadInlineJSONOverlay(t *testing.T) {
	var dir = t.TempDir()
	var fileA = writeFile(t, dir, "config.json", `{"yogi": {"location": "/Test"}}`)

	var cfg, err = Load([]string{fileA}, []string{`--json={"yogi": {"location": "/Override"}}`})
	require.NoError(t, err)
	require.Equal(t, "/Override", cfg.Yogi.Location)
}

func TestSessionAndConnectionListenOverlay(t *testing.T) {
	var dir = t.TempDir()
	var fileA = writeFile(t, dir, "config.json", `{"session": {"listen": ":9999"}}`)

	var cfg, err = Load([]string{fileA}, []string{
		"--connection_listen=0.0.0.0:10000",
		"--session_listen=0.0.0.0:10001",
	})
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:10000", cfg.Yogi.Connection.Listen)
	require.Equal(t, "0.0.0.0:10001", cfg.Session.Listen)
}

func TestConnectionTimeoutNegativeMeansInfinite(t *testing.T) {
	var cfg Config
	cfg.Yogi.Connection.Timeout = -1
	require.Equal(t, int64(0), int64(cfg.ConnectionTimeout()))
}
