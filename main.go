package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/kvmesh/kvmesh/pkg/config"
	"github.com/kvmesh/kvmesh/pkg/crypto"
	"github.com/kvmesh/kvmesh/pkg/daemon"
	kvotel "github.com/kvmesh/kvmesh/pkg/otel"
	"github.com/kvmesh/kvmesh/pkg/service"
	"github.com/kvmesh/kvmesh/pkg/trust"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// repeatableFlag collects a flag passed multiple times on one command
// line (e.g. "--dial a --dial b") into an ordered slice.
type repeatableFlag []string

func (f *repeatableFlag) String() string { return strings.Join(*f, ",") }
func (f *repeatableFlag) Set(v string) error {
	*f = append(*f, v)
	return nil
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			fmt.Println("kvmesh " + version)
			return
		case "start":
			startCmd()
			return
		case "install":
			installCmd()
			return
		case "uninstall":
			uninstallCmd()
			return
		case "status":
			statusCmd()
			return
		case "whitelist":
			whitelistCmd()
			return
		}
	}
	printUsage()
	os.Exit(1)
}

func printUsage() {
	fmt.Println(`kvmesh - decentralized, trust-gated key-value store

SUBCOMMANDS:
  start [--port N] [--dial MULTIADDR ...] [--data-dir PATH] [--config FILE] [--log-level LEVEL]
                                 Run the daemon in the foreground
  install [--binary PATH] [--data-dir PATH] [--port N]
                                 Install and start the systemd service
  uninstall                      Stop and remove the systemd service
  status                         Show the systemd service status
  whitelist add <peer_id> [name]
  whitelist add-key <peer_id> <public-key>
  whitelist remove <peer_id>
  whitelist list
  whitelist check <peer_id>
  version                        Show version information

Once running, the daemon also accepts line-delimited commands on
stdin: add, get, delete, list, status, announce-key, request-keys,
request-whitelist, recommend-peer, cleanup, reload-cache, whitelist.`)
}

func startCmd() {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	dataDir := fs.String("data-dir", "/var/lib/kvmesh", "Path to the data directory")
	port := fs.Uint("port", 0, "Listen port (0 = auto-select)")
	configPath := fs.String("config", "", "Path to config.toml (defaults to <data-dir>/config.toml)")
	logLevel := fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	var dial repeatableFlag
	fs.Var(&dial, "dial", "Additional bootstrap peer multiaddr to dial on startup (repeatable)")
	fs.Parse(os.Args[2:])

	if *configPath == "" {
		*configPath = *dataDir + "/config.toml"
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg.DataDir = *dataDir
	if *port != 0 {
		cfg.Port = uint16(*port)
	}
	cfg.BootstrapPeers = append(cfg.BootstrapPeers, dial...)

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create data directory: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	shutdownTelemetry, err := kvotel.Init(ctx, "kvmesh", version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to initialize telemetry: %v\n", err)
	}
	defer shutdownTelemetry(ctx)

	logger := daemon.ConfigureLogging(*logLevel)

	d, err := daemon.Open(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open daemon: %v\n", err)
		os.Exit(1)
	}

	listenAddr := fmt.Sprintf(":%d", cfg.Port)
	if err := d.Run(listenAddr); err != nil {
		fmt.Fprintf(os.Stderr, "daemon error: %v\n", err)
		os.Exit(1)
	}
}

func installCmd() {
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	binaryPath := fs.String("binary", "", "Path to the kvmesh binary (auto-detected if empty)")
	dataDir := fs.String("data-dir", "/var/lib/kvmesh", "Path to the data directory")
	port := fs.Uint("port", 0, "Listen port (0 = auto-select)")
	fs.Parse(os.Args[2:])

	cfg := service.UnitConfig{
		BinaryPath: *binaryPath,
		DataDir:    *dataDir,
		Port:       uint16(*port),
	}

	fmt.Println("installing kvmesh systemd service...")
	if err := service.Install(cfg, ""); err != nil {
		fmt.Fprintf(os.Stderr, "failed to install service: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("service installed and started. check status with: kvmesh status")
}

func uninstallCmd() {
	fmt.Println("removing kvmesh systemd service...")
	if err := service.Uninstall(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to uninstall service: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("service removed.")
}

func statusCmd() {
	status, err := service.Status()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to query service status: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("service status:", status)
}

// whitelistCmd offers the whitelist subcommands without a running
// daemon, operating directly on the trust database at <data-dir>/store.db.
func whitelistCmd() {
	fs := flag.NewFlagSet("whitelist", flag.ExitOnError)
	dataDir := fs.String("data-dir", "/var/lib/kvmesh", "Path to the data directory")
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: kvmesh whitelist add|add-key|remove|list|check ...")
		os.Exit(1)
	}
	sub := os.Args[2]
	fs.Parse(os.Args[3:])
	rest := fs.Args()

	trustDB, err := trust.Open(*dataDir + "/store.db")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open trust database: %v\n", err)
		os.Exit(1)
	}
	defer trustDB.Close()

	ctx := context.Background()
	switch sub {
	case "add":
		if len(rest) < 1 {
			fmt.Fprintln(os.Stderr, "usage: kvmesh whitelist add <peer_id> [name]")
			os.Exit(1)
		}
		name := ""
		if len(rest) > 1 {
			name = rest[1]
		}
		if err := trustDB.Add(ctx, rest[0], name, nil, nil); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("added", rest[0])

	case "add-key":
		if len(rest) < 2 {
			fmt.Fprintln(os.Stderr, "usage: kvmesh whitelist add-key <peer_id> <public-key>")
			os.Exit(1)
		}
		pub, err := crypto.DecodePublicKey([]byte(rest[1]))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if err := trustDB.SetPublicKey(ctx, rest[0], pub); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("attached key to", rest[0])

	case "remove":
		if len(rest) < 1 {
			fmt.Fprintln(os.Stderr, "usage: kvmesh whitelist remove <peer_id>")
			os.Exit(1)
		}
		if err := trustDB.Remove(ctx, rest[0]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("removed", rest[0])

	case "list":
		for _, e := range trustDB.List() {
			known := "no-key"
			if len(e.PublicKey) > 0 {
				known = "has-key"
			}
			fmt.Printf("%s\t%s\t%s\trecs=%d\n", e.PeerID, e.Name, known, e.RecommendationCount)
		}

	case "check":
		if len(rest) < 1 {
			fmt.Fprintln(os.Stderr, "usage: kvmesh whitelist check <peer_id>")
			os.Exit(1)
		}
		fmt.Println(strconv.FormatBool(trustDB.IsAdmitted(rest[0])))

	default:
		fmt.Fprintf(os.Stderr, "unknown whitelist subcommand: %s\n", sub)
		os.Exit(1)
	}
}
