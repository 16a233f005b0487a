// memsocket: CLI entry point.
//
// This tool forwards Unix socket connections between two virtual machines
// over an ivshmem shared-memory device. The server side listens on a local
// socket; the client side dials a local socket (e.g. a Wayland display) for
// every connection the server accepts.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -socket, -instance) and an optional YAML file (-config).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/memsocket/internal/app"
	"github.com/1ureka/memsocket/internal/config"
	"github.com/1ureka/memsocket/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := parseFlags(flag.CommandLine, os.Args[1:])

	if opts.debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("memsocket v%s", version))
	pterm.Println()

	cfg, err := opts.load()
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if cfg.Role == "" {
		// No role anywhere → interactive mode.
		askConfig(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.StartStatsReporter(ctx, cfg.StatsInterval)
	open := app.DeviceOpener(cfg.DevicePath)

	switch cfg.Role {
	case config.RoleServer:
		err = app.RunServer(ctx, cfg, open)
	case config.RoleClient:
		err = app.RunClient(ctx, cfg, open)
	}
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("shared memory link closed")
}

// ---------------------------------------------------------------------------
// Flags
// ---------------------------------------------------------------------------

// options holds the command line. set records the flags given explicitly,
// which take precedence over the configuration file.
type options struct {
	role       string
	socket     string
	instance   int
	device     string
	configPath string
	stats      time.Duration
	debug      bool
	set        map[string]bool
}

// parseFlags parses args into options. fs is expected to exit on error.
func parseFlags(fs *flag.FlagSet, args []string) *options {
	o := &options{set: make(map[string]bool)}
	fs.StringVar(&o.role, "role", "", "Role: server or client")
	fs.StringVar(&o.socket, "socket", "", "Socket to listen on (server) or to dial (client)")
	fs.IntVar(&o.instance, "instance", 0, "Instance number served (server only)")
	fs.StringVar(&o.device, "device", "", "Shared memory device path")
	fs.StringVar(&o.configPath, "config", "", "YAML configuration file")
	fs.DurationVar(&o.stats, "stats", 0, "Traffic report interval, 0 disables the report (default from config)")
	fs.BoolVar(&o.debug, "debug", false, "Enable debug logging")
	fs.Parse(args)
	fs.Visit(func(f *flag.Flag) { o.set[f.Name] = true })
	return o
}

// load reads the configuration file, if any, and applies explicit flags on
// top of it.
func (o *options) load() (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return cfg, err
		}
	}
	if o.set["role"] {
		cfg.Role = config.Role(o.role)
	}
	if o.set["socket"] {
		cfg.SocketPath = o.socket
	}
	if o.set["instance"] {
		cfg.Instance = o.instance
	}
	if o.set["device"] {
		cfg.DevicePath = o.device
	}
	if o.set["stats"] {
		cfg.StatsInterval = o.stats
	}
	return cfg, nil
}

// ---------------------------------------------------------------------------
// Interactive prompts
// ---------------------------------------------------------------------------

// askConfig fills the role-specific fields from interactive prompts.
func askConfig(cfg *config.Config) {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Server: listen for local applications", "Client: dial the local display"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(choice, "Server") {
		cfg.Role = config.RoleServer
		if cfg.SocketPath == "" {
			cfg.SocketPath = askText("Socket path to listen on")
		}
		cfg.Instance = askInstance(cfg.VMCount)
	} else {
		cfg.Role = config.RoleClient
		if cfg.SocketPath == "" {
			cfg.SocketPath = askText("Socket path to dial (e.g. /run/user/1000/wayland-0)")
		}
	}
}

// askText prompts until a non-empty answer is entered.
func askText(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		if s := strings.TrimSpace(raw); s != "" {
			pterm.Println()
			return s
		}

		util.LogWarning("invalid input: value must not be empty")
		pterm.Println()
	}
}

// askInstance prompts for an instance number until a valid one is entered.
func askInstance(vmCount int) int {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(fmt.Sprintf("Instance number (0 ~ %d)", vmCount-1)).
			Show()

		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err == nil && n >= 0 && n < vmCount {
			pterm.Println()
			return n
		}

		util.LogWarning("invalid instance number: must be 0 ~ %d", vmCount-1)
		pterm.Println()
	}
}
