package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/debug"

	"github.com/mattjoyce/sidecar/internal/config"
	"github.com/mattjoyce/sidecar/internal/log"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}
	os.Exit(run(os.Args[1], os.Args[2:]))
}

func run(cmd string, args []string) int {
	switch cmd {
	case "start":
		return runStart(args)
	case "provision":
		return runProvision(args)
	case "sync":
		return runSync(args)
	case "shim":
		return runShim(args)
	case "doctor":
		return runDoctor(args)
	case "status":
		return runStatus(args)
	case "version":
		fmt.Printf("sidecar version %s\n", buildVersion())
		return 0
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `sidecar - provision and supervise the local backend

Usage:
  sidecar <command> [flags]

Commands:
  start       Provision if needed, then run the backend in the foreground
  provision   Create or repair the backend environment without starting it
  sync        Copy bundled asset directories into the data root
  shim        Write the command-line launcher for the backend CLI
  doctor      Check the resource layout and environment
  status      Show whether a backend is running and recent history
  version     Show version information
  help        Show this help message

Common flags:
  --config PATH   Configuration file (default: $SIDECAR_CONFIG, then
                  <user config dir>/sidecar/config.yaml, then ./sidecar.yaml)

Use 'sidecar <command> --help' for command-specific flags.
`)
}

// buildVersion is the version the binary provisions when the config does
// not override it.
func buildVersion() string {
	if version != "" && version != "0.1.0-dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return version
}

func effectiveVersion(cfg *config.Config) string {
	if cfg.App.Version != "" {
		return cfg.App.Version
	}
	return buildVersion()
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	return fs, configPath
}

// loadConfig resolves the config path, loads it and configures logging.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Setup(cfg.App.LogLevel, cfg.App.LogFormat)
	if configPath != "" {
		log.Debug("configuration loaded", "config", configPath)
	}
	return cfg, nil
}
