package hostproc

import "syscall"

// State is a step of a host process lifecycle.
type State int

const (
	StateLaunching State = iota
	StateRunning
	StateInterrupting
	StateTerminating
	StateKilling
	StateReaped
)

func (s State) String() string {
	switch s {
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateInterrupting:
		return "interrupting"
	case StateTerminating:
		return "terminating"
	case StateKilling:
		return "killing"
	case StateReaped:
		return "reaped"
	default:
		return "unknown"
	}
}

// Escalating reports whether s is one of the termination steps.
func (s State) Escalating() bool {
	return s == StateInterrupting || s == StateTerminating || s == StateKilling
}

// escalationStep is one rung of the termination ladder.
type escalationStep struct {
	state  State
	signal syscall.Signal
}

// ladder is the fixed termination order: ask to stop, demand to stop, kill.
var ladder = []escalationStep{
	{StateInterrupting, syscall.SIGINT},
	{StateTerminating, syscall.SIGTERM},
	{StateKilling, syscall.SIGKILL},
}
