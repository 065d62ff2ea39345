package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up inside a config directory.
const FileName = "config.yaml"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults and validates configuration from a
// file, or from config.yaml inside a directory. When the directory holds a
// .checksums manifest the file must match it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, FileName)
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but %s not found: %s", FileName, absPath)
		}
	}

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads configPath, or returns validated defaults when
// configPath is empty and no config is discovered.
func LoadOrDefault(configPath string) (*Config, error) {
	if configPath == "" {
		found, err := DiscoverConfigPath()
		if err != nil {
			cfg := Defaults()
			if err := validate(cfg); err != nil {
				return nil, fmt.Errorf("invalid default configuration: %w", err)
			}
			return cfg, nil
		}
		configPath = found
	}
	return Load(configPath)
}

// DiscoverConfigPath finds the config by checking standard locations.
// Priority order: $FONTBRIDGE_CONFIG, ~/.config/fontbridge, /etc/fontbridge, ./config.yaml
func DiscoverConfigPath() (string, error) {
	if p := os.Getenv("FONTBRIDGE_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "fontbridge", FileName)
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	systemConfig := filepath.Join("/etc/fontbridge", FileName)
	if _, err := os.Stat(systemConfig); err == nil {
		return systemConfig, nil
	}

	if _, err := os.Stat(FileName); err == nil {
		return FileName, nil
	}

	return "", fmt.Errorf("no config found (checked: $FONTBRIDGE_CONFIG, ~/.config/fontbridge, /etc/fontbridge, ./config.yaml)")
}

// loadConfigFile loads and parses a single config file.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(interpolated))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// verifyConfigHash checks path against the .checksums manifest in its
// directory. A missing manifest skips verification.
func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	checksums, err := LoadChecksums(dir)
	if err != nil {
		return nil
	}

	basename := filepath.Base(path)
	expectedHash, ok := checksums.Hashes[basename]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
			"Run: fontbridge config lock --config %s", basename, dir, path)
	}
	if err := VerifyFileHash(path, expectedHash); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"This indicates tampering or unauthorized modification.\n"+
			"If you edited this file intentionally, run: fontbridge config lock --config %s", path, err, path)
	}
	return nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.LockFile == "" {
		cfg.Service.LockFile = defaults.Service.LockFile
	}

	if cfg.Host.NamePattern == "" {
		cfg.Host.NamePattern = defaults.Host.NamePattern
	}

	b, d := &cfg.Bridge, defaults.Bridge
	if b.MaxConcurrent == 0 {
		b.MaxConcurrent = d.MaxConcurrent
	}
	if b.DefaultTimeout == 0 {
		b.DefaultTimeout = d.DefaultTimeout
	}
	if b.MaxTimeout == 0 {
		b.MaxTimeout = d.MaxTimeout
	}
	if b.InterruptGrace == 0 {
		b.InterruptGrace = d.InterruptGrace
	}
	if b.TerminateGrace == 0 {
		b.TerminateGrace = d.TerminateGrace
	}
	if b.MaxRequestBytes == 0 {
		b.MaxRequestBytes = d.MaxRequestBytes
	}
	if b.MaxResultBytes == 0 {
		b.MaxResultBytes = d.MaxResultBytes
	}
	if b.TempRoot == "" {
		b.TempRoot = d.TempRoot
	}
	if b.StaleSessionAge == 0 {
		b.StaleSessionAge = d.StaleSessionAge
	}

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place; validation rejects it where it matters.
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	switch cfg.Service.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if err := unresolved("host.executable", cfg.Host.Executable); err != nil {
		return err
	}
	if _, err := regexp.Compile(cfg.Host.NamePattern); err != nil {
		return fmt.Errorf("host.name_pattern is not a valid regular expression: %w", err)
	}

	b := cfg.Bridge
	if b.MaxConcurrent < 1 {
		return fmt.Errorf("bridge.max_concurrent must be at least 1")
	}
	for name, d := range map[string]time.Duration{
		"bridge.default_timeout": b.DefaultTimeout,
		"bridge.max_timeout":     b.MaxTimeout,
		"bridge.interrupt_grace": b.InterruptGrace,
		"bridge.terminate_grace": b.TerminateGrace,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if b.DefaultTimeout > b.MaxTimeout {
		return fmt.Errorf("bridge.default_timeout (%s) exceeds bridge.max_timeout (%s)", b.DefaultTimeout, b.MaxTimeout)
	}
	if b.QueueWaitCeiling < 0 {
		return fmt.Errorf("bridge.queue_wait_ceiling must not be negative")
	}
	if b.MaxRequestBytes <= 0 || b.MaxResultBytes <= 0 {
		return fmt.Errorf("bridge.max_request_bytes and bridge.max_result_bytes must be positive")
	}
	if b.StaleSessionAge < 0 {
		return fmt.Errorf("bridge.stale_session_age must not be negative")
	}
	if b.StaleSessionAge > 0 && b.StaleSessionAge <= b.SessionLifetime() {
		return fmt.Errorf("bridge.stale_session_age (%s) must exceed max_timeout plus both grace periods (%s)",
			b.StaleSessionAge, b.SessionLifetime())
	}
	if err := unresolved("bridge.temp_root", b.TempRoot); err != nil {
		return err
	}
	if err := unresolved("paths.export_root", cfg.Paths.ExportRoot); err != nil {
		return err
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the API is enabled")
		}
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			return fmt.Errorf("api.auth: api_key or tokens required when the API is enabled")
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if err := unresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes is required", i)
			}
		}
	}

	return nil
}

// unresolved rejects a value still carrying a ${VAR} placeholder.
func unresolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}
