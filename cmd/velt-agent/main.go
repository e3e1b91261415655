package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/veltworks/velt-agent/internal/agent"
	"github.com/veltworks/velt-agent/internal/config"
	"github.com/veltworks/velt-agent/internal/modelroute"
	"github.com/veltworks/velt-agent/internal/toolserver"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "detect":
		detectCmd(os.Args[2:])
	case "version":
		fmt.Printf("velt-agent %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `velt-agent

Usage:
  velt-agent run [flags]
  velt-agent detect [flags]
  velt-agent version

Commands:
  run       Run the local agent backend using the local config file.
  detect    Probe for a provider CLI binary and print what was found.
  version   Print build information.

`)
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	cfg, err := config.LoadOrDefault(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	toolserver.ClientVersion = Version

	a, err := agent.New(agent.Options{
		Config:    cfg,
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init agent: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "agent exited with error: %v\n", err)
		os.Exit(1)
	}
}

func detectCmd(args []string) {
	fs := flag.NewFlagSet("detect", flag.ExitOnError)
	provider := fs.String("provider", "anthropic", "Provider id to probe (anthropic|openai|google)")
	cliPath := fs.String("path", "", "Explicit CLI binary path (skips detection)")
	asJSON := fs.Bool("json", false, "Print the result as JSON")
	_ = fs.Parse(args)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	info, err := modelroute.DetectCLI(context.Background(), log, *provider, *cliPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "detect failed: %v\n", err)
		os.Exit(2)
	}

	if *asJSON {
		out := map[string]any{
			"provider":  *provider,
			"available": info.Available,
			"path":      info.Path,
			"version":   info.Version,
			"detail":    info.Detail,
		}
		_ = json.NewEncoder(os.Stdout).Encode(out)
	} else if info.Available {
		fmt.Printf("%s: %s (version %s)\n", *provider, info.Path, info.Version)
	} else {
		fmt.Printf("%s: not found (%s)\n", *provider, info.Detail)
	}
	if !info.Available {
		os.Exit(1)
	}
}
