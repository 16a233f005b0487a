package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memsocket.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
role: client
socket: /run/user/1000/wayland-0
vm_count: 3
ack_timeout: 500ms
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, RoleClient, cfg.Role)
	assert.Equal(t, "/run/user/1000/wayland-0", cfg.SocketPath)
	assert.Equal(t, 3, cfg.VMCount)
	assert.Equal(t, 500*time.Millisecond, cfg.AckTimeout)

	// Untouched fields keep their defaults.
	assert.Equal(t, Default().MaxClients, cfg.MaxClients)
	assert.Equal(t, Default().DevicePath, cfg.DevicePath)
	assert.NoError(t, cfg.Validate())
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("vm_count: [1"), 0o600))
	_, err := Load(path)
	require.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.Role = RoleServer
	valid.SocketPath = "/tmp/memsocket.sock"
	valid.Instance = 4
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown role", func(c *Config) { c.Role = "host" }},
		{"empty socket", func(c *Config) { c.SocketPath = "" }},
		{"long socket", func(c *Config) { c.SocketPath = "/" + strings.Repeat("s", maxSocketPath) }},
		{"empty device", func(c *Config) { c.DevicePath = "" }},
		{"zero vm count", func(c *Config) { c.VMCount = 0 }},
		{"instance out of range", func(c *Config) { c.Instance = c.VMCount }},
		{"negative instance", func(c *Config) { c.Instance = -1 }},
		{"zero clients", func(c *Config) { c.MaxClients = 0 }},
		{"zero ack timeout", func(c *Config) { c.AckTimeout = 0 }},
		{"negative stats interval", func(c *Config) { c.StatsInterval = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errdefs.IsInvalidArgument(err))
		})
	}
}

func TestValidateClientIgnoresInstance(t *testing.T) {
	cfg := Default()
	cfg.Role = RoleClient
	cfg.SocketPath = "/tmp/display.sock"
	cfg.Instance = 99
	assert.NoError(t, cfg.Validate())
}

func TestDefaultDevice(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "/dev/ivshmem", cfg.DevicePath)
	assert.Equal(t, DefaultStatsInterval, cfg.StatsInterval)
}
