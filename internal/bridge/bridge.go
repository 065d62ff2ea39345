// Package bridge is the single entry point for running catalog operations
// on the host. A request flows through validation, literal encoding and
// script synthesis (all pure), then takes an execution slot, a private
// sandbox and a host process, and ends as a sanitized protocol.Result.
//
// Execute never returns a Go error: every outcome, including internal
// failures, is a Result with a category.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/fontbridge/internal/catalog"
	"github.com/mattjoyce/fontbridge/internal/gate"
	"github.com/mattjoyce/fontbridge/internal/hostproc"
	"github.com/mattjoyce/fontbridge/internal/literal"
	"github.com/mattjoyce/fontbridge/internal/log"
	"github.com/mattjoyce/fontbridge/internal/metrics"
	"github.com/mattjoyce/fontbridge/internal/protocol"
	"github.com/mattjoyce/fontbridge/internal/sandbox"
	"github.com/mattjoyce/fontbridge/internal/sanitize"
	"github.com/mattjoyce/fontbridge/internal/script"
	"github.com/mattjoyce/fontbridge/internal/validate"
)

const (
	DefaultMaxRequestBytes = 1 << 20
	DefaultMaxResultBytes  = 4 << 20
)

// Config holds request-level limits.
type Config struct {
	MaxRequestBytes int64
	MaxResultBytes  int64
}

// Deps are the collaborators a Bridge drives. Metrics and Sanitizer may be
// nil.
type Deps struct {
	Catalog   *catalog.Registry
	Validator *validate.Validator
	Executor  *hostproc.Executor
	Sandboxes sandbox.Manager
	Gate      *gate.Gate
	Sanitizer *sanitize.Sanitizer
	Metrics   *metrics.Collector
}

// Bridge executes catalog operations. It is safe for concurrent use.
type Bridge struct {
	cfg       Config
	catalog   *catalog.Registry
	validator *validate.Validator
	executor  *hostproc.Executor
	sandboxes sandbox.Manager
	gate      *gate.Gate
	sanitizer *sanitize.Sanitizer
	metrics   *metrics.Collector
	logger    *slog.Logger
}

// New creates a Bridge.
func New(cfg Config, deps Deps) (*Bridge, error) {
	switch {
	case deps.Catalog == nil:
		return nil, errors.New("bridge: catalog is required")
	case deps.Validator == nil:
		return nil, errors.New("bridge: validator is required")
	case deps.Executor == nil:
		return nil, errors.New("bridge: executor is required")
	case deps.Sandboxes == nil:
		return nil, errors.New("bridge: sandbox manager is required")
	case deps.Gate == nil:
		return nil, errors.New("bridge: gate is required")
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = DefaultMaxRequestBytes
	}
	if cfg.MaxResultBytes <= 0 {
		cfg.MaxResultBytes = DefaultMaxResultBytes
	}
	if deps.Sanitizer == nil {
		deps.Sanitizer = sanitize.New(nil)
	}

	deps.Gate.Observe(deps.Metrics.SetSlots)
	deps.Metrics.SetCapacity(deps.Gate.Capacity())

	return &Bridge{
		cfg:       cfg,
		catalog:   deps.Catalog,
		validator: deps.Validator,
		executor:  deps.Executor,
		sandboxes: deps.Sandboxes,
		gate:      deps.Gate,
		sanitizer: deps.Sanitizer,
		metrics:   deps.Metrics,
		logger:    log.WithComponent("bridge"),
	}, nil
}

// Catalog returns the operation registry.
func (b *Bridge) Catalog() *catalog.Registry { return b.catalog }

// Gate returns the execution gate.
func (b *Bridge) Gate() *gate.Gate { return b.gate }

// MaxTimeout returns the host timeout ceiling.
func (b *Bridge) MaxTimeout() time.Duration { return b.executor.MaxTimeout() }

// ExecuteJSON decodes rawParams (a JSON object, or empty) and executes
// operation. Oversized payloads are rejected before decoding.
func (b *Bridge) ExecuteJSON(ctx context.Context, operation string, rawParams []byte, timeout time.Duration) protocol.Result {
	if res, ok := b.checkSize(operation, int64(len(rawParams))); !ok {
		return res
	}

	params, err := decodeParams(rawParams)
	if err != nil {
		return b.finish(operation, time.Now(), b.sanitizer.Error(err))
	}
	return b.run(ctx, operation, params, timeout)
}

// checkSize rejects a request whose encoded parameters exceed the ceiling.
func (b *Bridge) checkSize(operation string, n int64) (protocol.Result, bool) {
	if n <= b.cfg.MaxRequestBytes {
		return protocol.Result{}, true
	}
	log.Security().Warn("oversized request rejected",
		"operation", safeOperation(operation),
		"bytes", n,
		"limit", b.cfg.MaxRequestBytes,
	)
	return b.finish(operation, time.Now(), b.sanitizer.Error(&validate.Error{
		Field:      "params",
		Constraint: fmt.Sprintf("request exceeds maximum size of %d bytes", b.cfg.MaxRequestBytes),
	})), false
}

// encodedSize is the length of params as compact JSON without HTML escaping.
func encodedSize(params map[string]any) (int64, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(params); err != nil {
		return 0, err
	}
	return int64(buf.Len() - 1), nil
}

// decodeParams parses a JSON object, keeping numbers exact.
func decodeParams(raw []byte) (map[string]any, error) {
	params := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return params, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&params); err != nil {
		return nil, &validate.Error{Field: "params", Constraint: "must be a JSON object"}
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, &validate.Error{Field: "params", Constraint: "must be a single JSON object"}
	}
	return params, nil
}

// Execute runs operation with params under timeout (zero selects the
// default; larger values are clamped to the ceiling).
//
// The execution slot and the sandbox are released in deferred calls that
// do not depend on ctx, so they run even when the caller goes away.
func (b *Bridge) Execute(ctx context.Context, operation string, params map[string]any, timeout time.Duration) protocol.Result {
	n, err := encodedSize(params)
	if err != nil {
		return b.finish(operation, time.Now(), b.sanitizer.Error(&validate.Error{
			Field:      "params",
			Constraint: "must be JSON values",
		}))
	}
	if res, ok := b.checkSize(operation, n); !ok {
		return res
	}
	return b.run(ctx, operation, params, timeout)
}

// run executes a request whose size has already been checked.
func (b *Bridge) run(ctx context.Context, operation string, params map[string]any, timeout time.Duration) protocol.Result {
	start := time.Now()
	requestID := uuid.NewString()
	logger := log.WithRequest(requestID).With(
		slog.String("component", "bridge"),
		slog.String("operation", safeOperation(operation)),
	)
	transition := func(s State) {
		if s.Terminal() {
			logger.Debug("request finished", "state", string(s), "duration", time.Since(start))
			return
		}
		logger.Debug("request state", "state", string(s))
	}

	transition(StateReceived)

	op, ok := b.catalog.Get(operation)
	if !ok {
		log.Security().Warn("unknown operation requested", "request_id", requestID, "operation", safeOperation(operation))
		transition(StateFailed)
		return b.finish(operation, start, b.sanitizer.Error(&validate.Error{
			Field:      "operation",
			Constraint: "unknown operation",
		}))
	}

	transition(StateValidating)
	set, err := b.validator.Params(op.Params, params)
	if err != nil {
		ve, _ := validate.AsError(err)
		log.Security().Warn("parameter rejected",
			"request_id", requestID,
			"operation", op.Name,
			"field", ve.Field,
			"constraint", ve.Constraint,
		)
		transition(StateFailed)
		return b.finish(op.Name, start, b.sanitizer.Error(err))
	}

	transition(StateEncoding)
	lits, err := literal.EncodeSet(set)
	if err != nil {
		transition(StateFailed)
		return b.finish(op.Name, start, b.sanitizer.Error(err))
	}

	transition(StateSynthesizing)
	prog, err := script.Synthesize(op.Name, op.Template, lits)
	if err != nil {
		transition(StateFailed)
		return b.finish(op.Name, start, b.sanitizer.Error(fmt.Errorf("synthesize %s: %w", op.Name, err)))
	}
	logger.Debug("script synthesized", "digest", prog.Digest, "bytes", len(prog.Source))

	transition(StateQueuedForSlot)
	release, err := b.gate.Acquire(ctx)
	if err != nil {
		if errors.Is(err, gate.ErrResourceExhausted) {
			logger.Warn("no execution slot", "in_use", b.gate.InUse(), "capacity", b.gate.Capacity())
		}
		transition(StateFailed)
		return b.finish(op.Name, start, b.sanitizer.Error(err))
	}
	defer release()

	sess, err := b.sandboxes.Create(ctx)
	if err != nil {
		transition(StateFailed)
		return b.finish(op.Name, start, b.sanitizer.Error(fmt.Errorf("create sandbox: %w", err)))
	}
	defer sess.Close()
	logger = logger.With(slog.String("session_id", sess.ID))

	if err := sess.WriteScript([]byte(prog.Source)); err != nil {
		transition(StateFailed)
		return b.finish(op.Name, start, b.sanitizer.Error(fmt.Errorf("stage script: %w", err)))
	}
	transition(StateSandboxed)

	transition(StateExecuting)
	out, runErr := b.executor.Run(ctx, hostproc.Invocation{
		ScriptPath: sess.ScriptPath,
		ResultPath: sess.ResultPath,
		Dir:        sess.Dir,
		Logger:     logger,
		OnState: func(s hostproc.State) {
			if s.Escalating() {
				if s == hostproc.StateInterrupting {
					transition(StateEscalatingKill)
				}
				b.metrics.ObserveEscalation(s.String())
			}
		},
	}, timeout)
	if out != nil {
		transition(StateReaped)
		logger.Info("host finished",
			"exit_code", out.ExitCode,
			"duration", out.Duration,
			"escalated", out.Escalated,
		)
		if out.Stderr != "" {
			logger.Debug("host stderr", "stderr", out.Stderr)
		}
	}
	if runErr != nil {
		transition(StateFailed)
		return b.finish(op.Name, start, b.sanitizer.Error(runErr))
	}

	transition(StateSanitizing)
	res := b.collect(sess, logger)
	if res.Success {
		transition(StateDone)
	} else {
		transition(StateFailed)
	}
	return b.finish(op.Name, start, res)
}

// collect reads and interprets the host's result file. Missing, oversized
// or malformed output is a NoResultError.
func (b *Bridge) collect(sess *sandbox.Session, logger *slog.Logger) protocol.Result {
	data, err := sess.ReadResult(b.cfg.MaxResultBytes)
	if err != nil {
		if errors.Is(err, sandbox.ErrUnsafeResult) {
			log.Security().Error("host result path is not a regular file", "session_id", sess.ID)
		}
		logger.Warn("host result unavailable", "error", err)
		return b.sanitizer.Failure(protocol.CategoryNoResult, sanitize.MsgNoResult)
	}

	env, raw, err := protocol.DecodeEnvelopeLenient(data)
	if err != nil {
		logger.Warn("host result malformed", "error", err, "bytes", len(raw))
		return b.sanitizer.Failure(protocol.CategoryNoResult, sanitize.MsgNoResult)
	}
	if env.Succeeded() {
		return b.sanitizer.Success(env.Data, env.Message)
	}
	return b.sanitizer.HostFailure(env)
}

func (b *Bridge) finish(operation string, start time.Time, res protocol.Result) protocol.Result {
	outcome := metrics.OutcomeSuccess
	if !res.Success {
		outcome = string(res.Category)
	}
	if _, ok := b.catalog.Get(operation); !ok {
		operation = "unknown"
	}
	b.metrics.ObserveExecution(operation, outcome, time.Since(start))
	return res
}

// safeOperation renders a caller-chosen operation name for logs.
func safeOperation(name string) string {
	if len(name) > 64 || !catalog.ValidName(name) {
		return "<invalid name>"
	}
	return name
}
