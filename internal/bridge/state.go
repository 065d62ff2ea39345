package bridge

// State is a step of the request lifecycle. Every transition is logged with
// the request ID.
type State string

const (
	StateReceived       State = "RECEIVED"
	StateValidating     State = "VALIDATING"
	StateEncoding       State = "ENCODING"
	StateSynthesizing   State = "SYNTHESIZING"
	StateQueuedForSlot  State = "QUEUED_FOR_SLOT"
	StateSandboxed      State = "SANDBOXED"
	StateExecuting      State = "EXECUTING"
	StateEscalatingKill State = "ESCALATING_KILL"
	StateReaped         State = "REAPED"
	StateSanitizing     State = "SANITIZING"
	StateDone           State = "DONE"
	StateFailed         State = "FAILED"
)

// Terminal reports whether s ends a request.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}
