package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/fontbridge/internal/auth"
	"github.com/mattjoyce/fontbridge/internal/protocol"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	g := s.exec.Gate()
	reg := s.exec.Catalog()
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:             "ok",
		Version:            s.config.Version,
		UptimeSeconds:      int64(time.Since(s.startedAt).Seconds()),
		SlotsInUse:         g.InUse(),
		SlotCapacity:       g.Capacity(),
		QueueWaitCeilingMS: g.WaitCeiling().Milliseconds(),
		Operations:         reg.Len(),
		Catalog:            reg.Fingerprint(),
	})
}

// handleListOperations handles GET /v1/operations.
func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	ops := s.exec.Catalog().All()
	resp := OperationListResponse{Operations: make([]OperationSummary, 0, len(ops))}
	for _, op := range ops {
		resp.Operations = append(resp.Operations, OperationSummary{
			Name:        op.Name,
			Kind:        op.Kind,
			Description: op.Description,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetOperation handles GET /v1/operations/{name}.
func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, ok := s.exec.Catalog().Get(chi.URLParam(r, "name"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	respondJSON(w, http.StatusOK, OperationDetailResponse{
		Name:          op.Name,
		Kind:          op.Kind,
		Description:   op.Description,
		RequiredScope: auth.RequiredScope(op.IsWrite()),
		InputSchema:   op.InputSchema(),
	})
}

// handleExecute handles POST /v1/operations/{name}. The body is the JSON
// parameter object; ?timeout= takes a Go duration or a number of seconds.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	// Unknown names fall through to the bridge, which reports them as a
	// validation failure; reading the catalog needs only the read scope.
	required := auth.ScopeOperationsRead
	if op, ok := s.exec.Catalog().Get(name); ok {
		required = auth.RequiredScope(op.IsWrite())
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	if !auth.HasAnyScope(principal, required) {
		s.writeError(w, http.StatusForbidden, "insufficient scope")
		return
	}

	timeout, err := parseTimeout(r.URL.Query().Get("timeout"))
	if err != nil {
		s.writeResult(w, protocol.Result{
			Category: protocol.CategoryValidation,
			Error:    "validation error: timeout: " + err.Error(),
		})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			w.Header().Set("Connection", "close")
			s.respondResult(w, http.StatusRequestEntityTooLarge, protocol.Result{
				Category: protocol.CategoryValidation,
				Error:    fmt.Sprintf("validation error: params: request exceeds maximum size of %d bytes", s.config.MaxRequestBytes),
			})
			return
		}
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	start := time.Now()
	res := s.exec.ExecuteJSON(r.Context(), name, body, timeout)

	s.events.Publish("operation.completed", ExecutionEvent{
		RequestID:  middleware.GetReqID(r.Context()),
		Operation:  publicName(s, name),
		Success:    res.Success,
		Category:   string(res.Category),
		DurationMS: time.Since(start).Milliseconds(),
		At:         time.Now().UTC().Format(time.RFC3339Nano),
	})

	s.writeResult(w, res)
}

// publicName returns name when it is a catalog operation.
func publicName(s *Server, name string) string {
	if _, ok := s.exec.Catalog().Get(name); ok {
		return name
	}
	return "unknown"
}

func parseTimeout(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		if d < 0 {
			return 0, errors.New("must not be negative")
		}
		return d, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs < 0 || secs > 86400 {
		return 0, errors.New("must be a duration such as 5s or a number of seconds")
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// statusFor maps a Result category to an HTTP status. The body is always
// the Result itself.
func statusFor(res protocol.Result) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.Category {
	case protocol.CategoryValidation:
		return http.StatusBadRequest
	case protocol.CategoryNotFound:
		return http.StatusNotFound
	case protocol.CategoryNoActiveContext:
		return http.StatusConflict
	case protocol.CategoryCapability:
		return http.StatusNotImplemented
	case protocol.CategoryResourceExhausted:
		return http.StatusServiceUnavailable
	case protocol.CategoryTimeout:
		return http.StatusGatewayTimeout
	case protocol.CategoryProcess, protocol.CategoryNoResult:
		return http.StatusBadGateway
	case protocol.CategoryCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusUnprocessableEntity
	}
}

func (s *Server) writeResult(w http.ResponseWriter, res protocol.Result) {
	if res.Category == protocol.CategoryResourceExhausted {
		w.Header().Set("Retry-After", "1")
	}
	s.respondResult(w, statusFor(res), res)
}

// respondResult writes res with statusCode.
func (s *Server) respondResult(w http.ResponseWriter, statusCode int, res protocol.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := protocol.EncodeResult(w, &res); err != nil {
		s.logger.Error("failed to write result", "error", err)
	}
}

// respondJSON writes data as a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
