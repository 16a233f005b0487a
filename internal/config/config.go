// Package config holds the runtime configuration of a memsocket process.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/containerd/errdefs"
	"gopkg.in/yaml.v3"

	"github.com/1ureka/memsocket/internal/protocol"
	"github.com/1ureka/memsocket/internal/shm"
)

// Role selects which side of the shared-memory link this process plays.
type Role string

const (
	// RoleServer listens on the local socket and accepts connections.
	RoleServer Role = "server"
	// RoleClient dials the local socket for every CONNECT it receives.
	RoleClient Role = "client"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleServer || r == RoleClient
}

// Default intervals.
const (
	DefaultAckTimeout    = 3 * time.Second
	DefaultStatsInterval = 10 * time.Second
)

// maxSocketPath is the usable length of sockaddr_un.sun_path.
const maxSocketPath = 107

// Config stores every parameter of a run, from flags or a YAML file.
type Config struct {
	Role          Role          `yaml:"role"`
	SocketPath    string        `yaml:"socket"`     // Server: listen path. Client: dial path.
	Instance      int           `yaml:"instance"`   // Server only: which mailbox pair to serve.
	DevicePath    string        `yaml:"device"`
	VMCount       int           `yaml:"vm_count"`
	MaxClients    int           `yaml:"max_clients"` // per instance
	AckTimeout    time.Duration `yaml:"ack_timeout"`
	StatsInterval time.Duration `yaml:"stats_interval"` // 0 disables the reporter
}

// Default returns a Config with every optional field set.
func Default() Config {
	return Config{
		DevicePath:    shm.DefaultDevicePath,
		VMCount:       protocol.DefaultVMCount,
		MaxClients:    protocol.DefaultClients,
		AckTimeout:    DefaultAckTimeout,
		StatsInterval: DefaultStatsInterval,
	}
}

// Load reads a YAML file on top of Default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that cfg describes a runnable process.
func (c Config) Validate() error {
	switch {
	case !c.Role.Valid():
		return fmt.Errorf("%w: role must be %q or %q, got %q", errdefs.ErrInvalidArgument, RoleServer, RoleClient, c.Role)
	case c.SocketPath == "":
		return fmt.Errorf("%w: socket path not specified", errdefs.ErrInvalidArgument)
	case len(c.SocketPath) > maxSocketPath:
		return fmt.Errorf("%w: socket path longer than %d bytes", errdefs.ErrInvalidArgument, maxSocketPath)
	case c.DevicePath == "":
		return fmt.Errorf("%w: device path not specified", errdefs.ErrInvalidArgument)
	case c.VMCount <= 0 || c.VMCount > protocol.MaxInstances:
		return fmt.Errorf("%w: vm count %d out of range", errdefs.ErrInvalidArgument, c.VMCount)
	case c.MaxClients <= 0:
		return fmt.Errorf("%w: max clients must be positive", errdefs.ErrInvalidArgument)
	case c.AckTimeout <= 0:
		return fmt.Errorf("%w: ack timeout must be positive", errdefs.ErrInvalidArgument)
	case c.StatsInterval < 0:
		return fmt.Errorf("%w: negative stats interval", errdefs.ErrInvalidArgument)
	}
	if c.Role == RoleServer && (c.Instance < 0 || c.Instance >= c.VMCount) {
		return fmt.Errorf("%w: instance %d not in [0, %d)", errdefs.ErrInvalidArgument, c.Instance, c.VMCount)
	}
	return nil
}
