// Package doctor validates fontbridge configuration and the local host setup.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/fontbridge/internal/auth"
	"github.com/mattjoyce/fontbridge/internal/catalog"
	"github.com/mattjoyce/fontbridge/internal/config"
	"github.com/mattjoyce/fontbridge/internal/hostproc"
	"github.com/mattjoyce/fontbridge/internal/lock"
	"github.com/mattjoyce/fontbridge/internal/sandbox"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid      bool    `json:"valid"`
	Host       string  `json:"host,omitempty"`
	Operations int     `json:"operations"`
	Catalog    string  `json:"catalog_fingerprint,omitempty"`
	Errors     []Issue `json:"errors,omitempty"`
	Warnings   []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against the operation catalog and the
// local machine.
type Doctor struct {
	cfg        *config.Config
	registry   *catalog.Registry
	candidates []string
}

// New creates a Doctor from a loaded config and operation catalog.
func New(cfg *config.Config, registry *catalog.Registry) *Doctor {
	return &Doctor{cfg: cfg, registry: registry, candidates: hostproc.DefaultCandidates}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateHost(r)
	d.validateTempRoot(r)
	d.validateExportRoot(r)
	d.validateCatalog(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.warnTimeouts(r)
	d.warnMissingEnvVars(r)
	d.warnDeprecatedSyntax(r)
	d.warnRunningInstance(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateHost checks the host executable resolves and matches the
// configured name pattern.
func (d *Doctor) validateHost(r *Result) {
	path := d.cfg.Host.Executable
	if path == "" {
		found, ok := hostproc.FindExecutable(d.candidates)
		if !ok {
			d.addError(r, "host", "host.executable",
				"not configured and no FontLab install found in the default locations")
			return
		}
		path = found
	}

	resolved, err := hostproc.ResolveExecutable(path, d.cfg.Host.NamePattern)
	if err != nil {
		d.addError(r, "host", "host.executable", err.Error())
		return
	}
	r.Host = resolved
}

// validateTempRoot checks that sandbox directories can be created.
func (d *Doctor) validateTempRoot(r *Result) {
	root := d.cfg.Bridge.TempRoot
	if err := sandbox.CheckLocalFilesystem(root); err != nil {
		d.addWarning(r, "temp_root", "bridge.temp_root", err.Error())
	}
	info, err := os.Lstat(root)
	switch {
	case errors.Is(err, os.ErrNotExist):
		parent := filepath.Dir(root)
		if pinfo, perr := os.Stat(parent); perr != nil || !pinfo.IsDir() {
			d.addError(r, "temp_root", "bridge.temp_root",
				fmt.Sprintf("parent directory %s does not exist", parent))
		}
		return
	case err != nil:
		d.addError(r, "temp_root", "bridge.temp_root", err.Error())
		return
	}

	if info.Mode()&os.ModeSymlink != 0 {
		d.addError(r, "temp_root", "bridge.temp_root", "must not be a symbolic link")
		return
	}
	if !info.IsDir() {
		d.addError(r, "temp_root", "bridge.temp_root", "is not a directory")
		return
	}
	if info.Mode().Perm()&0o077 != 0 {
		d.addWarning(r, "temp_root", "bridge.temp_root",
			fmt.Sprintf("permissions %04o allow other users to read session scripts", info.Mode().Perm()))
	}

	tmp, err := os.CreateTemp(root, ".doctor-*")
	if err != nil {
		d.addError(r, "temp_root", "bridge.temp_root", "is not writable")
		return
	}
	_ = tmp.Close()
	_ = os.Remove(tmp.Name())
}

func (d *Doctor) validateExportRoot(r *Result) {
	root := d.cfg.Paths.ExportRoot
	if root == "" {
		d.addWarning(r, "export_root", "paths.export_root",
			"not set; export operations may write anywhere the host can")
		return
	}
	info, err := os.Lstat(root)
	if err != nil {
		d.addError(r, "export_root", "paths.export_root", "does not exist")
		return
	}
	if info.Mode()&os.ModeSymlink != 0 {
		d.addError(r, "export_root", "paths.export_root", "must not be a symbolic link")
		return
	}
	if !info.IsDir() {
		d.addError(r, "export_root", "paths.export_root", "is not a directory")
	}
}

func (d *Doctor) validateCatalog(r *Result) {
	if d.registry == nil {
		d.addError(r, "catalog", "", "operation catalog not loaded")
		return
	}
	r.Operations = d.registry.Len()
	r.Catalog = d.registry.Fingerprint()
	if r.Operations == 0 {
		d.addError(r, "catalog", "", "operation catalog is empty")
	}
}

// validateAPIConfig checks API settings when the API is enabled.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "API enabled but listen address is empty")
	} else if host, _, err := net.SplitHostPort(d.cfg.API.Listen); err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address: %v", err))
	} else if !isLoopback(host) {
		d.addWarning(r, "api", "api.listen",
			fmt.Sprintf("listening on %q exposes host control beyond this machine", d.cfg.API.Listen))
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addError(r, "api", "api.auth", "API enabled but no api_key or tokens configured")
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// validateTokenScopes checks that every scope is one the bridge understands.
func (d *Doctor) validateTokenScopes(r *Result) {
	known := map[string]bool{
		auth.ScopeAll:            true,
		auth.ScopeOperationsRead: true,
		auth.ScopeOperationsRW:   true,
	}
	for i, token := range d.cfg.API.Auth.Tokens {
		field := fmt.Sprintf("api.auth.tokens[%d]", i)
		if len(token.Scopes) == 0 {
			d.addWarning(r, "token_scopes", field, "token has no scopes and can only reach /healthz")
		}
		for _, scope := range token.Scopes {
			if !known[strings.TrimSpace(scope)] {
				d.addError(r, "token_scopes", field, fmt.Sprintf("unknown scope %q", scope))
			}
		}
	}
}

// warnTimeouts flags settings that keep the editor busy for long stretches.
func (d *Doctor) warnTimeouts(r *Result) {
	b := d.cfg.Bridge
	if b.MaxTimeout > 10*time.Minute {
		d.addWarning(r, "bridge", "bridge.max_timeout",
			fmt.Sprintf("%s lets one request hold an execution slot for a long time", b.MaxTimeout))
	}
	if b.MaxConcurrent > 8 {
		d.addWarning(r, "bridge", "bridge.max_concurrent",
			fmt.Sprintf("%d concurrent host processes may exhaust memory", b.MaxConcurrent))
	}
	if b.QueueWaitCeiling == 0 {
		d.addWarning(r, "bridge", "bridge.queue_wait_ceiling",
			"not set; queued requests wait until their caller gives up")
	}
}

// warnMissingEnvVars warns about empty credentials and passthrough
// variables that are not set.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		if token.Token == "" {
			d.addWarning(r, "env_vars", fmt.Sprintf("api.auth.tokens[%d].token", i),
				"token value is empty (possibly unresolved environment variable)")
		}
	}
	for _, name := range d.cfg.Host.EnvPassthru {
		if _, ok := os.LookupEnv(name); !ok {
			d.addWarning(r, "env_vars", "host.env_passthrough",
				fmt.Sprintf("environment variable %s not set", name))
		}
	}
}

// warnDeprecatedSyntax warns about legacy config patterns.
func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	} else if d.cfg.API.Auth.APIKey != "" {
		d.addWarning(r, "deprecated", "api.auth.api_key",
			"api_key grants every scope; prefer scoped tokens")
	}
}

// warnRunningInstance reports a bridge already holding the lock file.
func (d *Doctor) warnRunningInstance(r *Result) {
	path := d.cfg.Service.LockFile
	if path == "" {
		return
	}
	l, err := lock.Acquire(path)
	if err == nil {
		_ = l.Release()
		return
	}
	if errors.Is(err, lock.ErrLocked) {
		msg := "another fontbridge instance holds the lock"
		if pid, ok := lock.HolderPID(path); ok {
			msg = fmt.Sprintf("another fontbridge instance (pid %d) holds the lock", pid)
		}
		d.addWarning(r, "instance", "service.lock_file", msg)
		return
	}
	d.addWarning(r, "instance", "service.lock_file", err.Error())
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		writeSummary(&b, r)
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	writeSummary(&b, r)
	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

func writeSummary(b *strings.Builder, r *Result) {
	if r.Host != "" {
		fmt.Fprintf(b, "  host:    %s\n", r.Host)
	}
	if r.Catalog != "" {
		fmt.Fprintf(b, "  catalog: %d operations (%s)\n", r.Operations, shortFingerprint(r.Catalog))
	}
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
