package main

import (
	"context"
	"fmt"
	"time"

	"github.com/mattjoyce/fontbridge/internal/bridge"
	"github.com/mattjoyce/fontbridge/internal/catalog"
	"github.com/mattjoyce/fontbridge/internal/config"
	"github.com/mattjoyce/fontbridge/internal/gate"
	"github.com/mattjoyce/fontbridge/internal/hostproc"
	"github.com/mattjoyce/fontbridge/internal/log"
	"github.com/mattjoyce/fontbridge/internal/metrics"
	"github.com/mattjoyce/fontbridge/internal/sandbox"
	"github.com/mattjoyce/fontbridge/internal/sanitize"
	"github.com/mattjoyce/fontbridge/internal/validate"
)

// runtime is the wired bridge plus the pieces the serve loop drives directly.
type runtime struct {
	host      string
	bridge    *bridge.Bridge
	metrics   *metrics.Collector
	sandboxes sandbox.Manager
}

// resolveHost returns the configured executable or the first well-known
// install location, validated against the name pattern.
func resolveHost(cfg *config.Config) (string, error) {
	path := cfg.Host.Executable
	if path == "" {
		found, ok := hostproc.FindExecutable(hostproc.DefaultCandidates)
		if !ok {
			return "", fmt.Errorf("host executable not configured and not found in default locations")
		}
		path = found
	}
	return hostproc.ResolveExecutable(path, cfg.Host.NamePattern)
}

func buildRuntime(cfg *config.Config) (*runtime, error) {
	registry, err := catalog.Builtin()
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	host, err := resolveHost(cfg)
	if err != nil {
		return nil, err
	}

	if err := sandbox.CheckLocalFilesystem(cfg.Bridge.TempRoot); err != nil {
		log.WithComponent("sandbox").Warn("sandbox root may be unreliable", "error", err)
	}
	sandboxes, err := sandbox.NewFSManager(cfg.Bridge.TempRoot)
	if err != nil {
		return nil, fmt.Errorf("sandbox root: %w", err)
	}

	collector := metrics.New()

	executor := hostproc.New(hostproc.Config{
		Executable:     host,
		DefaultTimeout: cfg.Bridge.DefaultTimeout,
		MaxTimeout:     cfg.Bridge.MaxTimeout,
		InterruptGrace: cfg.Bridge.InterruptGrace,
		TerminateGrace: cfg.Bridge.TerminateGrace,
		EnvPassthrough: cfg.Host.EnvPassthru,
	}, hostproc.ExecLauncher{})

	b, err := bridge.New(bridge.Config{
		MaxRequestBytes: cfg.Bridge.MaxRequestBytes,
		MaxResultBytes:  cfg.Bridge.MaxResultBytes,
	}, bridge.Deps{
		Catalog:   registry,
		Validator: validate.New(validate.Options{ExportRoot: cfg.Paths.ExportRoot}),
		Executor:  executor,
		Sandboxes: sandboxes,
		Gate:      gate.New(cfg.Bridge.MaxConcurrent, cfg.Bridge.QueueWaitCeiling),
		Sanitizer: sanitize.New(log.WithComponent("sanitize")),
		Metrics:   collector,
	})
	if err != nil {
		return nil, err
	}

	return &runtime{
		host:      host,
		bridge:    b,
		metrics:   collector,
		sandboxes: sandboxes,
	}, nil
}

// sweep removes session directories left behind by an earlier run.
func (rt *runtime) sweep(ctx context.Context, olderThan time.Duration) {
	report, err := rt.sandboxes.Cleanup(ctx, olderThan)
	if err != nil {
		log.WithComponent("sandbox").Warn("session cleanup failed", "error", err)
		return
	}
	rt.metrics.AddCleaned(report.DeletedDirs)
	if report.DeletedDirs > 0 {
		log.WithComponent("sandbox").Info("removed stale sessions", "count", report.DeletedDirs)
	}
}

// runJanitor sweeps every olderThan until ctx ends. A zero age disables it.
func (rt *runtime) runJanitor(ctx context.Context, olderThan time.Duration) {
	if olderThan <= 0 {
		return
	}
	ticker := time.NewTicker(olderThan)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.sweep(ctx, olderThan)
		}
	}
}
