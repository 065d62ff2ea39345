package hostproc

import (
	"io"
	"syscall"
)

//go:generate mockgen -destination=mocks/mock_process.go -package=mocks github.com/mattjoyce/fontbridge/internal/hostproc Launcher,Process

// Command is a fully resolved host invocation.
type Command struct {
	Path   string
	Args   []string
	Env    []string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

// Process is a started host process running in its own process group.
type Process interface {
	// Pid returns the process ID, which is also its process group ID.
	Pid() int
	// Signal delivers sig to the whole process group.
	Signal(sig syscall.Signal) error
	// Wait blocks until the process has exited and been reaped. A non-zero
	// exit status is reported through exitCode, not err.
	Wait() (exitCode int, err error)
}

// Launcher starts host processes.
type Launcher interface {
	Launch(cmd Command) (Process, error)
}
