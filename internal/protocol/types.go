package protocol

import "encoding/json"

// Category classifies a failed Result.
type Category string

const (
	CategoryValidation        Category = "ValidationError"
	CategoryNoActiveContext   Category = "NoActiveContextError"
	CategoryTimeout           Category = "TimeoutError"
	CategoryProcess           Category = "ProcessError"
	CategoryResourceExhausted Category = "ResourceExhaustedError"
	CategoryCapability        Category = "CapabilityUnavailableError"
	CategoryNotFound          Category = "NotFoundError"
	CategoryOperation         Category = "OperationError"
	CategoryNoResult          Category = "NoResultError"
	CategoryCanceled          Category = "CanceledError"
)

// hostCategories are the categories a host script may report itself.
var hostCategories = map[Category]struct{}{
	CategoryNoActiveContext: {},
	CategoryCapability:      {},
	CategoryNotFound:        {},
	CategoryOperation:       {},
}

// IsHostCategory reports whether c may appear in a host envelope.
func IsHostCategory(c Category) bool {
	_, ok := hostCategories[c]
	return ok
}

// Result is what a caller receives for every request. A failed Result never
// carries a filesystem path, stack frame or source line number.
type Result struct {
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data,omitempty"`
	Message  string          `json:"message,omitempty"`
	Error    string          `json:"error,omitempty"`
	Category Category        `json:"category,omitempty"`
}

// Envelope is the JSON object a host script writes to its result file.
type Envelope struct {
	Success   *bool           `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
	Category  Category        `json:"category,omitempty"`
	Traceback string          `json:"traceback,omitempty"`
}

// Succeeded reports whether the host marked the run successful.
func (e *Envelope) Succeeded() bool {
	return e.Success != nil && *e.Success
}
