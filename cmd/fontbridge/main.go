package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/fontbridge/internal/api"
	"github.com/mattjoyce/fontbridge/internal/auth"
	"github.com/mattjoyce/fontbridge/internal/config"
	"github.com/mattjoyce/fontbridge/internal/lock"
	"github.com/mattjoyce/fontbridge/internal/log"
	"github.com/mattjoyce/fontbridge/internal/mcpserver"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	_ = godotenv.Load()
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "serve":
		return runServe(args)
	case "exec":
		return runExec(args)
	case "catalog":
		return runCatalogNoun(args)
	case "doctor":
		return runDoctor(args)
	case "monitor":
		return runMonitor(args)
	case "config":
		return runConfigNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: fontbridge version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("fontbridge %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`fontbridge - run catalog operations inside FontLab

Usage:
  fontbridge <command> [flags]

Commands:
  serve               Serve the HTTP API and/or MCP over stdio
  exec <operation>    Run one operation and print its result
  catalog list        List catalog operations
  catalog show <op>   Show an operation's parameters and schema
  doctor              Validate configuration and the host install
  monitor             Watch live executions on a running bridge
  config lock         Authorize the current config file (write .checksums)
  config show         Print the effective config with secrets masked
  version             Show version information
  help                Show this help message

Common flags:
  --config PATH       Config file or directory (default: discovered)
  --json              Machine-readable output (catalog, doctor, version)
`)
}

// loadConfig loads path, or the discovered config, or defaults.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	mcpMode := fs.Bool("mcp", false, "Serve MCP over stdio")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	serveMCP := *mcpMode || cfg.MCP.Enabled

	if serveMCP {
		log.SetupTo(os.Stderr, cfg.Service.LogLevel, cfg.Service.LogFormat)
	} else {
		log.SetupTo(os.Stdout, cfg.Service.LogLevel, cfg.Service.LogFormat)
	}
	logger := log.WithComponent("main")

	if !serveMCP && !cfg.API.Enabled {
		logger.Error("nothing to serve: enable api in config or pass --mcp")
		return 1
	}

	instance, err := lock.Acquire(cfg.Service.LockFile)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			logger.Error("another fontbridge instance is running", "lock_file", cfg.Service.LockFile, "error", err)
		} else {
			logger.Error("failed to acquire instance lock", "lock_file", cfg.Service.LockFile, "error", err)
		}
		return 1
	}
	defer instance.Release()

	rt, err := buildRuntime(cfg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	logger.Info("fontbridge starting",
		"version", version,
		"host", rt.host,
		"operations", rt.bridge.Catalog().Len(),
		"catalog", rt.bridge.Catalog().Fingerprint(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt.sweep(ctx, cfg.Bridge.StaleSessionAge)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.runJanitor(gctx, cfg.Bridge.StaleSessionAge)
		return nil
	})

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
		}
		apiServer := api.New(api.Config{
			Listen:          cfg.API.Listen,
			APIKey:          cfg.API.Auth.APIKey,
			Tokens:          tokens,
			MaxRequestBytes: cfg.Bridge.MaxRequestBytes,
			Version:         version,
		}, rt.bridge, rt.metrics, log.WithComponent("api"))
		g.Go(func() error {
			if err := apiServer.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if serveMCP {
		mcpSrv := mcpserver.New(rt.bridge, version, log.WithComponent("mcp"))
		g.Go(func() error {
			err := mcpSrv.Serve(gctx, os.Stdin, os.Stdout, os.Stderr)
			// The client closing stdin ends the session and the process.
			stop()
			return err
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}
	logger.Info("fontbridge stopped")
	return 0
}
