package hostproc

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mattjoyce/fontbridge/internal/log"
)

// DefaultNamePattern is the allow-listed host executable name.
const DefaultNamePattern = `(?i)^fontlab`

// DefaultCandidates are well-known host install locations, tried in order
// when no executable is configured.
var DefaultCandidates = []string{
	"/Applications/FontLab 8.app/Contents/MacOS/FontLab 8",
	"/Applications/FontLab 8.app/Contents/MacOS/FontLab",
	"/Applications/FontLab 7.app/Contents/MacOS/FontLab",
	"/usr/local/bin/fontlab",
}

// FindExecutable returns the first candidate that exists.
func FindExecutable(candidates []string) (string, bool) {
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, true
		}
	}
	return "", false
}

// ResolveExecutable validates the host executable and returns its resolved
// absolute path. It must exist, be a regular file with an execute bit, and
// its resolved base name must match pattern.
func ResolveExecutable(path, pattern string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("host executable path is empty")
	}
	if pattern == "" {
		pattern = DefaultNamePattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid host name pattern: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve host executable: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		log.Security().Error("host executable not found", "path", abs)
		return "", fmt.Errorf("host executable not found: %s", abs)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("stat host executable: %w", err)
	}
	if !info.Mode().IsRegular() {
		log.Security().Error("host executable is not a regular file", "path", resolved)
		return "", fmt.Errorf("host executable is not a regular file: %s", resolved)
	}
	if info.Mode().Perm()&0o111 == 0 {
		log.Security().Error("host executable is not executable", "path", resolved)
		return "", fmt.Errorf("host executable is not executable: %s", resolved)
	}
	if name := filepath.Base(resolved); !re.MatchString(name) {
		log.Security().Error("host executable name rejected", "name", name, "pattern", pattern)
		return "", fmt.Errorf("host executable name %q does not match %s", name, pattern)
	}

	log.Security().Info("host executable validated", "path", resolved)
	return resolved, nil
}
