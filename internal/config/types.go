package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config represents the complete fontbridge configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Host    HostConfig    `yaml:"host"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Paths   PathsConfig   `yaml:"paths"`
	API     APIConfig     `yaml:"api,omitempty"`
	MCP     MCPConfig     `yaml:"mcp,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// LockFile holds the PID of the running bridge. One bridge drives one
	// editor instance.
	LockFile string `yaml:"lock_file"`
}

// HostConfig describes the host application executable.
type HostConfig struct {
	// Executable is the host binary. Empty means search the well-known
	// install locations.
	Executable  string   `yaml:"executable"`
	NamePattern string   `yaml:"name_pattern"`
	EnvPassthru []string `yaml:"env_passthrough,omitempty"`
}

// BridgeConfig bounds request execution.
type BridgeConfig struct {
	MaxConcurrent    int           `yaml:"max_concurrent"`
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	MaxTimeout       time.Duration `yaml:"max_timeout"`
	InterruptGrace   time.Duration `yaml:"interrupt_grace"`
	TerminateGrace   time.Duration `yaml:"terminate_grace"`
	QueueWaitCeiling time.Duration `yaml:"queue_wait_ceiling"`
	MaxRequestBytes  int64         `yaml:"max_request_bytes"`
	MaxResultBytes   int64         `yaml:"max_result_bytes"`
	TempRoot         string        `yaml:"temp_root"`
	StaleSessionAge  time.Duration `yaml:"stale_session_age"`
}

// SessionLifetime is the longest a sandbox session can stay in use: the
// timeout ceiling plus both grace periods of the kill ladder.
func (b BridgeConfig) SessionLifetime() time.Duration {
	return b.MaxTimeout + b.InterruptGrace + b.TerminateGrace
}

// PathsConfig restricts filesystem parameters.
type PathsConfig struct {
	// ExportRoot, when set, is the only tree export paths may point into.
	ExportRoot string `yaml:"export_root"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the single bearer token with full access.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// MCPConfig enables the MCP stdio transport.
type MCPConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Defaults returns a Config with the documented defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "fontbridge",
			LogLevel:  "info",
			LogFormat: "json",
			LockFile:  filepath.Join(os.TempDir(), "fontbridge.lock"),
		},
		Host: HostConfig{
			NamePattern: `(?i)^fontlab`,
		},
		Bridge: BridgeConfig{
			MaxConcurrent:    3,
			DefaultTimeout:   5 * time.Second,
			MaxTimeout:       10 * time.Second,
			InterruptGrace:   2 * time.Second,
			TerminateGrace:   time.Second,
			QueueWaitCeiling: 0,
			MaxRequestBytes:  1 << 20,
			MaxResultBytes:   4 << 20,
			TempRoot:         filepath.Join(os.TempDir(), "fontbridge"),
			StaleSessionAge:  time.Hour,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8765",
		},
	}
}
