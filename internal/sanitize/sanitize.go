// Package sanitize turns every outcome of a bridge request into a
// caller-facing protocol.Result. Caller-visible messages are redacted;
// full detail goes to the log.
package sanitize

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/mattjoyce/fontbridge/internal/gate"
	"github.com/mattjoyce/fontbridge/internal/hostproc"
	"github.com/mattjoyce/fontbridge/internal/literal"
	"github.com/mattjoyce/fontbridge/internal/log"
	"github.com/mattjoyce/fontbridge/internal/protocol"
	"github.com/mattjoyce/fontbridge/internal/sandbox"
	"github.com/mattjoyce/fontbridge/internal/validate"
)

// Fixed caller-facing messages.
const (
	MsgNoResult          = "host produced no result"
	MsgTimeout           = "operation timed out"
	MsgCanceled          = "operation canceled"
	MsgLaunch            = "host application could not be started"
	MsgResourceExhausted = "too many concurrent operations, try again later"
	MsgUnencodable       = "parameter could not be encoded"
)

// Sanitizer builds Results. It is safe for concurrent use.
type Sanitizer struct {
	logger *slog.Logger
}

// New creates a Sanitizer logging to logger, or to the component logger
// when logger is nil.
func New(logger *slog.Logger) *Sanitizer {
	if logger == nil {
		logger = log.WithComponent("sanitize")
	}
	return &Sanitizer{logger: logger}
}

// Success wraps host data.
func (s *Sanitizer) Success(data json.RawMessage, message string) protocol.Result {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return protocol.Result{Success: true, Data: data, Message: message}
}

// HostFailure converts a failed host envelope. Host-reported categories are
// kept; anything else becomes OperationError.
func (s *Sanitizer) HostFailure(env *protocol.Envelope) protocol.Result {
	category := env.Category
	if !protocol.IsHostCategory(category) {
		category = protocol.CategoryOperation
	}
	s.logger.Error("host reported failure",
		"category", string(category),
		"error", env.Error,
		"traceback", env.Traceback,
	)
	return protocol.Result{
		Success:  false,
		Error:    Redact(env.Error),
		Category: category,
	}
}

// Failure builds a failed Result from a category and raw detail.
func (s *Sanitizer) Failure(category protocol.Category, detail string) protocol.Result {
	s.logger.Error("request failed", "category", string(category), "error", detail)
	return protocol.Result{
		Success:  false,
		Error:    Redact(detail),
		Category: category,
	}
}

// Error classifies err and builds the matching failed Result.
func (s *Sanitizer) Error(err error) protocol.Result {
	category, msg := Classify(err)
	s.logger.Error("request failed", "category", string(category), "error", err)
	return protocol.Result{
		Success:  false,
		Error:    Redact(msg),
		Category: category,
	}
}

// Classify maps an error from any bridge stage to its category and the
// message a caller may see, before redaction.
func Classify(err error) (protocol.Category, string) {
	if ve, ok := validate.AsError(err); ok {
		return protocol.CategoryValidation, ve.Error()
	}
	var le *hostproc.LaunchError
	switch {
	case errors.Is(err, literal.ErrUnencodable):
		return protocol.CategoryValidation, MsgUnencodable
	case errors.Is(err, gate.ErrResourceExhausted):
		return protocol.CategoryResourceExhausted, MsgResourceExhausted
	case errors.Is(err, hostproc.ErrTimeout):
		return protocol.CategoryTimeout, MsgTimeout
	case errors.Is(err, hostproc.ErrCanceled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return protocol.CategoryCanceled, MsgCanceled
	case errors.As(err, &le):
		return protocol.CategoryProcess, MsgLaunch
	case errors.Is(err, sandbox.ErrNoResult),
		errors.Is(err, sandbox.ErrResultTooLarge),
		errors.Is(err, sandbox.ErrUnsafeResult):
		return protocol.CategoryNoResult, MsgNoResult
	}
	return protocol.CategoryOperation, err.Error()
}
