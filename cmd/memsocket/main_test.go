package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/memsocket/internal/config"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memsocket.yaml")
	body := "role: client\nsocket: /run/display.sock\nstats_interval: 30s\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func load(t *testing.T, args ...string) config.Config {
	t.Helper()
	fs := flag.NewFlagSet("memsocket", flag.ContinueOnError)
	cfg, err := parseFlags(fs, args).load()
	require.NoError(t, err)
	return cfg
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	path := writeConfig(t)

	cfg := load(t, "-config", path)
	assert.Equal(t, config.RoleClient, cfg.Role)
	assert.Equal(t, 30*time.Second, cfg.StatsInterval)

	cfg = load(t, "-config", path, "-role", "server", "-instance", "2", "-stats", "5s")
	assert.Equal(t, config.RoleServer, cfg.Role)
	assert.Equal(t, 2, cfg.Instance)
	assert.Equal(t, "/run/display.sock", cfg.SocketPath)
	assert.Equal(t, 5*time.Second, cfg.StatsInterval)
}

func TestStatsZeroDisablesReport(t *testing.T) {
	cfg := load(t, "-config", writeConfig(t), "-stats", "0")
	assert.Zero(t, cfg.StatsInterval)
}

func TestDefaultsWithoutFlags(t *testing.T) {
	cfg := load(t)
	assert.Equal(t, config.Default(), cfg)
}
