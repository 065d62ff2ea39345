package sandbox

import (
	"context"
	"errors"
	"time"
)

const (
	scriptName = "script.py"
	resultName = "result.json"
)

var (
	// ErrNoResult means the host never wrote its result file.
	ErrNoResult = errors.New("result file not present")
	// ErrResultTooLarge means the result file exceeds the read cap.
	ErrResultTooLarge = errors.New("result file exceeds size limit")
	// ErrUnsafeResult means the result path is not a regular file.
	ErrUnsafeResult = errors.New("result path is not a regular file")
	// ErrScriptWritten means the session's script was already written.
	ErrScriptWritten = errors.New("script already written")
)

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
}

// Manager governs per-request session directories.
type Manager interface {
	// Create allocates a fresh private session directory.
	Create(ctx context.Context) (*Session, error)

	// Cleanup removes session directories older than olderThan, left behind
	// by a bridge that did not shut down cleanly.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
