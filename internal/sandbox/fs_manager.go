// Package sandbox manages the private directories through which scripts are
// handed to the host and results are read back.
//
// Each request gets <root>/<uuid> with mode 0700. The script is created
// exclusively with mode 0600 and written once. The result path is reserved
// but never pre-created, and is read without following symbolic links.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/fontbridge/internal/log"
)

// fsManager manages session directories on local disk.
type fsManager struct {
	root string
	now  func() time.Time
}

var _ Manager = (*fsManager)(nil)

// NewFSManager creates a filesystem-backed session manager rooted at root.
// The root is created with mode 0700 when missing and must not be a
// symbolic link.
func NewFSManager(root string) (*fsManager, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("sandbox root directory is empty")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}

	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	info, err := os.Lstat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat sandbox root: %w", err)
	}
	if info.Mode()&os.ModeSymlink != 0 || !info.IsDir() {
		return nil, fmt.Errorf("sandbox root %s is not a plain directory", abs)
	}

	return &fsManager{root: abs, now: time.Now}, nil
}

// Root returns the absolute sandbox root.
func (m *fsManager) Root() string { return m.root }

// Create allocates <root>/<uuid>, mode 0700.
func (m *fsManager) Create(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	dir := filepath.Join(m.root, id)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	// Mkdir is subject to umask.
	if err := os.Chmod(dir, 0o700); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("restrict session directory: %w", err)
	}

	return &Session{
		ID:         id,
		Dir:        dir,
		ScriptPath: filepath.Join(dir, scriptName),
		ResultPath: filepath.Join(dir, resultName),
	}, nil
}

// Cleanup removes session directories older than olderThan based on
// modification time. Only entries named like a session are touched.
func (m *fsManager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.root)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read sandbox root: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := CleanupReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() {
			continue
		}
		if _, err := uuid.Parse(entry.Name()); err != nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read session entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(m.root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return report, fmt.Errorf("remove session %q: %w", entry.Name(), err)
		}
		report.DeletedDirs++
	}

	return report, nil
}

// Session is one request's private directory.
type Session struct {
	ID         string
	Dir        string
	ScriptPath string
	ResultPath string

	mu      sync.Mutex
	written bool
	closed  sync.Once
}

// WriteScript creates the script file exclusively with mode 0600 and writes
// src. A session accepts exactly one script.
func (s *Session) WriteScript(src []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.written {
		return ErrScriptWritten
	}
	s.written = true

	f, err := os.OpenFile(s.ScriptPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY|syscall.O_NOFOLLOW, 0o600)
	if err != nil {
		return fmt.Errorf("create script: %w", err)
	}
	if _, err := f.Write(src); err != nil {
		_ = f.Close()
		return fmt.Errorf("write script: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close script: %w", err)
	}
	return nil
}

// ReadResult reads the host's result file. It refuses symbolic links and
// anything but a regular file, and reads at most maxBytes.
func (s *Session) ReadResult(maxBytes int64) ([]byte, error) {
	info, err := os.Lstat(s.ResultPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoResult
		}
		return nil, fmt.Errorf("stat result: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, ErrUnsafeResult
	}

	f, err := os.OpenFile(s.ResultPath, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		return nil, fmt.Errorf("open result: %w", err)
	}
	defer f.Close()

	// Re-check on the open descriptor: the path may have been swapped.
	if st, err := f.Stat(); err != nil || !st.Mode().IsRegular() {
		return nil, ErrUnsafeResult
	}

	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, ErrResultTooLarge
	}
	return data, nil
}

// Close removes the session directory tree. It runs at most once; failures
// are logged to the security channel and not returned.
func (s *Session) Close() {
	s.closed.Do(func() {
		if err := os.RemoveAll(s.Dir); err != nil {
			log.Security().Error("sandbox teardown failed",
				"session_id", s.ID,
				"dir", s.Dir,
				"error", err.Error(),
			)
			return
		}
		log.WithComponent("sandbox").Debug("sandbox removed", "session_id", s.ID)
	})
}
