package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/fontbridge/internal/catalog"
	"github.com/mattjoyce/fontbridge/internal/config"
	"github.com/mattjoyce/fontbridge/internal/doctor"
	"github.com/mattjoyce/fontbridge/internal/lock"
	"github.com/mattjoyce/fontbridge/internal/log"
	"github.com/mattjoyce/fontbridge/internal/tui"
)

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// runExec runs a single operation and prints its Result as JSON.
func runExec(args []string) int {
	if len(args) == 0 || hasHelpFlag(args) {
		fmt.Fprintln(os.Stderr, "Usage: fontbridge exec <operation> [--params JSON] [--timeout DURATION] [--config PATH]")
		if len(args) == 0 {
			return 1
		}
		return 0
	}

	var operation string
	if !strings.HasPrefix(args[0], "-") {
		operation, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet("exec", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	params := fs.String("params", "", "Operation parameters as a JSON object")
	timeout := fs.Duration("timeout", 0, "Execution timeout (default: bridge.default_timeout)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if operation == "" && fs.NArg() > 0 {
		operation = fs.Arg(0)
	}
	if operation == "" {
		fmt.Fprintln(os.Stderr, "Error: operation name is required")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	// stdout carries only the result.
	log.SetupTo(os.Stderr, cfg.Service.LogLevel, cfg.Service.LogFormat)

	instance, err := lock.Acquire(cfg.Service.LockFile)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			fmt.Fprintf(os.Stderr, "Another fontbridge instance is running (lock: %s)\n", cfg.Service.LockFile)
		} else {
			fmt.Fprintf(os.Stderr, "Failed to acquire instance lock: %v\n", err)
		}
		return 1
	}
	defer instance.Release()

	rt, err := buildRuntime(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Startup failed: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res := rt.bridge.ExecuteJSON(ctx, operation, []byte(*params), *timeout)
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render result: %v\n", err)
		return 1
	}
	fmt.Println(string(out))
	if !res.Success {
		return 1
	}
	return 0
}

func printCatalogNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: fontbridge catalog <action> [--json]")
	fmt.Fprintln(w, "Actions: list, show <operation>")
}

func runCatalogNoun(args []string) int {
	if len(args) < 1 {
		printCatalogNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printCatalogNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		return runCatalogList(actionArgs)
	case "show":
		return runCatalogShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown catalog action: %s\n", action)
		printCatalogNounHelp(os.Stderr)
		return 1
	}
}

// catalogListing is the --json form of catalog list.
type catalogListing struct {
	Fingerprint string               `json:"fingerprint"`
	Operations  []*catalog.Operation `json:"operations"`
}

func runCatalogList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	reg, err := catalog.Builtin()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Catalog error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, err := json.MarshalIndent(catalogListing{
			Fingerprint: reg.Fingerprint(),
			Operations:  reg.All(),
		}, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Print(renderCatalog(reg, tui.NewDefaultTheme()))
	return 0
}

// operationDetail is the --json form of catalog show.
type operationDetail struct {
	*catalog.Operation
	InputSchema map[string]any `json:"input_schema"`
}

func runCatalogShow(args []string) int {
	var name string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		name, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if name == "" && fs.NArg() > 0 {
		name = fs.Arg(0)
	}
	if name == "" {
		fmt.Fprintln(os.Stderr, "Usage: fontbridge catalog show <operation> [--json]")
		return 1
	}

	reg, err := catalog.Builtin()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Catalog error: %v\n", err)
		return 1
	}
	op, ok := reg.Get(name)
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown operation: %s\n", name)
		return 1
	}

	if *jsonOut {
		data, err := json.MarshalIndent(operationDetail{Operation: op, InputSchema: op.InputSchema()}, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Print(renderOperation(op, tui.NewDefaultTheme()))
	return 0
}

// runDoctor validates the config and host install. Exit codes: 0 valid,
// 1 errors, 2 warnings under --strict.
func runDoctor(args []string) int {
	var configPath string
	var strict, jsonOut bool
	var format string

	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jsonOut {
		format = "json"
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}
	log.SetupTo(os.Stderr, "error", cfg.Service.LogFormat)

	reg, err := catalog.Builtin()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Catalog error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg, reg).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: fontbridge config <action>")
	fmt.Fprintln(w, "Actions: lock, show")
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "lock":
		return runConfigLock(actionArgs)
	case "show":
		return runConfigShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		printConfigNounHelp(os.Stderr)
		return 1
	}
}

// runConfigLock writes .checksums next to the config so later loads can
// detect unauthorized edits.
func runConfigLock(args []string) int {
	var configPath string
	var verbose, verboseShort bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		configPath = discovered
	}

	report, err := config.Lock(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	if verbose || verboseShort {
		fmt.Printf("Processing directory: %s\n", report.ConfigDir)
		for _, file := range report.Files {
			if file.Exists {
				fmt.Printf("  HASH %s: %s\n", file.Filename, file.Hash)
			} else {
				fmt.Printf("  SKIP %s: not found\n", file.Filename)
			}
		}
	}
	fmt.Printf("Wrote %s\n", report.ChecksumPath)
	return 0
}

// runConfigShow prints the effective configuration with secrets masked.
func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	shown := *cfg
	shown.API.Auth.APIKey = mask(cfg.API.Auth.APIKey)
	shown.API.Auth.Tokens = make([]config.APIToken, len(cfg.API.Auth.Tokens))
	for i, tok := range cfg.API.Auth.Tokens {
		shown.API.Auth.Tokens[i] = config.APIToken{Token: mask(tok.Token), Scopes: tok.Scopes}
	}

	data, err := yaml.Marshal(&shown)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Format error: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}

// runMonitor attaches the terminal monitor to a running bridge's HTTP API.
func runMonitor(args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	apiURL := fs.String("api-url", "", "Bridge API base URL (default: from api.listen)")
	token := fs.String("token", os.Getenv("FONTBRIDGE_TOKEN"), "Bearer token with operations:ro scope")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	url := *apiURL
	bearer := *token
	if url == "" || bearer == "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
		if url == "" {
			url = "http://" + cfg.API.Listen
		}
		if bearer == "" {
			bearer = cfg.API.Auth.APIKey
		}
	}
	if bearer == "" {
		fmt.Fprintln(os.Stderr, "Error: --token (or FONTBRIDGE_TOKEN) is required")
		return 1
	}

	if err := tui.Run(url, bearer); err != nil {
		fmt.Fprintf(os.Stderr, "Monitor error: %v\n", err)
		return 1
	}
	return 0
}
