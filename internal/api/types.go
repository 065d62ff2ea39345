package api

import (
	"github.com/mattjoyce/fontbridge/internal/catalog"
)

// ErrorResponse is returned for transport-level errors (auth, routing).
// Operation failures are returned as protocol.Result.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status             string `json:"status"`
	Version            string `json:"version,omitempty"`
	UptimeSeconds      int64  `json:"uptime_seconds"`
	SlotsInUse         int    `json:"slots_in_use"`
	SlotCapacity       int    `json:"slot_capacity"`
	QueueWaitCeilingMS int64  `json:"queue_wait_ceiling_ms"`
	Operations         int    `json:"operations"`
	Catalog            string `json:"catalog_fingerprint"`
}

// OperationSummary is one entry of GET /v1/operations.
type OperationSummary struct {
	Name        string       `json:"name"`
	Kind        catalog.Kind `json:"kind"`
	Description string       `json:"description"`
}

// OperationListResponse is returned by GET /v1/operations.
type OperationListResponse struct {
	Operations []OperationSummary `json:"operations"`
}

// OperationDetailResponse is returned by GET /v1/operations/{name}.
type OperationDetailResponse struct {
	Name          string         `json:"name"`
	Kind          catalog.Kind   `json:"kind"`
	Description   string         `json:"description"`
	RequiredScope string         `json:"required_scope"`
	InputSchema   map[string]any `json:"input_schema"`
}

// ExecutionEvent is published on /v1/events when a request finishes. It
// carries no parameter values.
type ExecutionEvent struct {
	RequestID  string `json:"request_id,omitempty"`
	Operation  string `json:"operation"`
	Success    bool   `json:"success"`
	Category   string `json:"category,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	At         string `json:"at"`
}
