// Package hostproc runs the host application on a synthesized script and
// guarantees the process is gone when Run returns.
//
// A run that outlives its deadline, or whose caller goes away, is stopped
// by an escalation ladder: SIGINT, then SIGTERM, then SIGKILL, each after a
// grace interval. Signals target the host's process group.
package hostproc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/mattjoyce/fontbridge/internal/log"
)

const (
	// maxOutputBytes caps the stdout and stderr captured from the host.
	maxOutputBytes = 64 * 1024

	DefaultTimeout        = 5 * time.Second
	DefaultMaxTimeout     = 10 * time.Second
	DefaultInterruptGrace = 2 * time.Second
	DefaultTerminateGrace = time.Second

	minTimeout = time.Millisecond
)

var (
	// ErrTimeout means the host outlived its deadline and was stopped.
	ErrTimeout = errors.New("host timed out")
	// ErrCanceled means the caller went away and the host was stopped.
	ErrCanceled = errors.New("host run canceled")
)

// LaunchError reports a host that could not be started.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string { return "launch host: " + e.Err.Error() }
func (e *LaunchError) Unwrap() error { return e.Err }

// Config controls how the host is run.
type Config struct {
	Executable     string
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	InterruptGrace time.Duration
	TerminateGrace time.Duration
	// EnvPassthrough names variables copied from the bridge's environment.
	EnvPassthrough []string
}

func (c *Config) applyDefaults() {
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = DefaultMaxTimeout
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.DefaultTimeout > c.MaxTimeout {
		c.DefaultTimeout = c.MaxTimeout
	}
	if c.InterruptGrace <= 0 {
		c.InterruptGrace = DefaultInterruptGrace
	}
	if c.TerminateGrace <= 0 {
		c.TerminateGrace = DefaultTerminateGrace
	}
}

// Invocation is one host run.
type Invocation struct {
	ScriptPath string
	ResultPath string
	// Dir is the working directory and the host's TMPDIR.
	Dir string
	// OnState, when set, is called on every state transition.
	OnState func(State)
	Logger  *slog.Logger
}

// RawOutput is what is known about a finished run.
type RawOutput struct {
	// ExitCode is recorded but not authoritative: the result file is.
	ExitCode   int
	Stdout     string
	Stderr     string
	Duration   time.Duration
	Escalated  bool
	FinalState State
}

type waitResult struct {
	code int
	err  error
	// groupKilled is set when the ladder already sent SIGKILL to the group.
	groupKilled bool
}

// Executor runs the host.
type Executor struct {
	cfg      Config
	launcher Launcher
	logger   *slog.Logger
}

// New creates an Executor. A nil launcher uses ExecLauncher.
func New(cfg Config, launcher Launcher) *Executor {
	cfg.applyDefaults()
	if launcher == nil {
		launcher = ExecLauncher{}
	}
	return &Executor{
		cfg:      cfg,
		launcher: launcher,
		logger:   log.WithComponent("hostproc"),
	}
}

// ClampTimeout maps a requested timeout onto [1ms, MaxTimeout]; zero or
// negative selects the default.
func (e *Executor) ClampTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return e.cfg.DefaultTimeout
	case d < minTimeout:
		return minTimeout
	case d > e.cfg.MaxTimeout:
		return e.cfg.MaxTimeout
	}
	return d
}

// MaxTimeout returns the timeout ceiling.
func (e *Executor) MaxTimeout() time.Duration { return e.cfg.MaxTimeout }

// Command returns the host command line for inv. The result path is always
// the final argument.
func (e *Executor) Command(inv Invocation) []string {
	return []string{e.cfg.Executable, "-script", inv.ScriptPath, "-output", inv.ResultPath}
}

// Run starts the host on inv and waits for it to exit, stopping it when the
// timeout elapses or ctx ends. The process has always been reaped when Run
// returns, whatever the error.
func (e *Executor) Run(ctx context.Context, inv Invocation, timeout time.Duration) (*RawOutput, error) {
	timeout = e.ClampTimeout(timeout)
	logger := inv.Logger
	if logger == nil {
		logger = e.logger
	}
	transition := func(s State) {
		if inv.OnState != nil {
			inv.OnState(s)
		}
	}

	argv := e.Command(inv)
	var stdout, stderr bytes.Buffer
	cmd := Command{
		Path:   argv[0],
		Args:   argv[1:],
		Env:    e.environ(inv.Dir),
		Dir:    inv.Dir,
		Stdout: &limitedWriter{w: &stdout, remaining: maxOutputBytes},
		Stderr: &limitedWriter{w: &stderr, remaining: maxOutputBytes},
	}

	if err := ctx.Err(); err != nil {
		return nil, ErrCanceled
	}

	transition(StateLaunching)
	logger.Debug("launching host", "timeout", timeout)

	start := time.Now()
	proc, err := e.launcher.Launch(cmd)
	if err != nil {
		return nil, &LaunchError{Err: err}
	}
	transition(StateRunning)

	waitErr := make(chan waitResult, 1)
	go func() {
		code, err := proc.Wait()
		waitErr <- waitResult{code: code, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	out := &RawOutput{}
	var cause error
	var res waitResult

	select {
	case res = <-waitErr:
	case <-timer.C:
		cause = ErrTimeout
		log.Security().Warn("host exceeded timeout", "pid", proc.Pid(), "timeout", timeout)
	case <-ctx.Done():
		cause = ErrCanceled
		logger.Info("caller canceled host run", "pid", proc.Pid())
	}

	if cause != nil {
		out.Escalated = true
		res = e.escalate(proc, waitErr, transition, logger)
	}
	if !res.groupKilled {
		// Descendants left in the group must not outlive the run.
		if err := proc.Signal(syscall.SIGKILL); err != nil {
			logger.Warn("failed to clear host process group", "pid", proc.Pid(), "error", err)
		}
	}

	transition(StateReaped)
	out.FinalState = StateReaped
	out.ExitCode = res.code
	out.Duration = time.Since(start)
	out.Stdout = stdout.String()
	out.Stderr = stderr.String()

	logger.Debug("host reaped",
		"exit_code", out.ExitCode,
		"duration", out.Duration,
		"escalated", out.Escalated,
		"stdout_bytes", len(out.Stdout),
		"stderr_bytes", len(out.Stderr),
	)

	if cause != nil {
		return out, cause
	}
	if res.err != nil {
		return out, res.err
	}
	return out, nil
}

// escalate walks the termination ladder until the host exits. The final
// rung sends SIGKILL and blocks until the process is reaped.
func (e *Executor) escalate(
	proc Process,
	waitErr <-chan waitResult,
	transition func(State),
	logger *slog.Logger,
) waitResult {
	graces := map[State]time.Duration{
		StateInterrupting: e.cfg.InterruptGrace,
		StateTerminating:  e.cfg.TerminateGrace,
	}

	for _, step := range ladder {
		select {
		case res := <-waitErr:
			return res
		default:
		}

		transition(step.state)
		grace := graces[step.state]
		log.Security().Warn("escalating host termination",
			"pid", proc.Pid(),
			"state", step.state.String(),
			"signal", step.signal.String(),
			"grace", grace,
		)
		if err := proc.Signal(step.signal); err != nil {
			logger.Error("failed to signal host", "signal", step.signal.String(), "error", err)
		}

		if step.state == StateKilling {
			res := <-waitErr
			res.groupKilled = true
			return res
		}

		timer := time.NewTimer(grace)
		select {
		case res := <-waitErr:
			timer.Stop()
			logger.Info("host exited during escalation", "state", step.state.String())
			return res
		case <-timer.C:
		}
	}
	return <-waitErr
}

// environ builds the host environment from a minimal base plus the
// configured pass-through names. Nothing else is inherited.
func (e *Executor) environ(dir string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"LANG=en_US.UTF-8",
	}
	if home, err := os.UserHomeDir(); err == nil {
		env = append(env, "HOME="+home)
	}
	if dir != "" {
		env = append(env, "TMPDIR="+dir)
	}
	for _, name := range e.cfg.EnvPassthrough {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	return env
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is discarded, not reported as an error.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.remaining <= 0 {
		return n, nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
