package validate

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// DefaultExportExtensions are the font formats export paths may end in.
var DefaultExportExtensions = []string{".otf", ".ttf", ".woff", ".woff2", ".ufo"}

// checkPath resolves raw to an absolute path and enforces the export policy:
// no ".." segments, no symlinked ancestor, an allow-listed extension, an
// existing parent directory and, when configured, containment in ExportRoot.
func (v *Validator) checkPath(s Spec, raw, field string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fail(field, "must not be empty")
	}
	if len(raw) > s.LengthLimit() {
		return "", fail(field, "exceeds maximum length %d", s.LengthLimit())
	}
	for _, r := range raw {
		if r < 0x20 || r == 0x7f {
			return "", fail(field, "contains a disallowed character (%s)", describeRune(r))
		}
	}

	for _, seg := range strings.FieldsFunc(raw, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return "", fail(field, "must not contain parent directory segments")
		}
	}

	expanded := raw
	if expanded == "~" || strings.HasPrefix(expanded, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fail(field, "cannot resolve home directory")
		}
		expanded = filepath.Join(home, strings.TrimPrefix(expanded, "~"))
	}

	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fail(field, "cannot be resolved to an absolute path")
	}

	exts := s.Extensions
	if len(exts) == 0 {
		exts = DefaultExportExtensions
	}
	ext := strings.ToLower(filepath.Ext(abs))
	allowed := false
	for _, e := range exts {
		if ext == strings.ToLower(e) {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", fail(field, "extension must be one of %s", strings.Join(exts, ", "))
	}

	if v.opts.ExportRoot != "" {
		root, err := filepath.Abs(v.opts.ExportRoot)
		if err != nil {
			return "", fail(field, "export root cannot be resolved")
		}
		rel, err := filepath.Rel(root, abs)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fail(field, "must be inside the allowed export directory")
		}
	}

	if err := checkAncestors(abs, field); err != nil {
		return "", err
	}
	return abs, nil
}

// checkAncestors walks from the filesystem root to the leaf, rejecting any
// ancestor that is a symlink or missing, and a leaf that is a symlink.
func checkAncestors(abs, field string) error {
	parent := filepath.Dir(abs)
	vol := filepath.VolumeName(parent)
	rest := strings.TrimPrefix(parent, vol)

	current := vol + string(filepath.Separator)
	for _, seg := range strings.Split(rest, string(filepath.Separator)) {
		if seg == "" {
			continue
		}
		current = filepath.Join(current, seg)
		info, err := os.Lstat(current)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fail(field, "parent directory does not exist")
			}
			return fail(field, "parent directory cannot be inspected")
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fail(field, "must not traverse a symbolic link")
		}
		if !info.IsDir() {
			return fail(field, "parent path is not a directory")
		}
	}

	info, err := os.Lstat(abs)
	switch {
	case err == nil && info.Mode()&os.ModeSymlink != 0:
		return fail(field, "must not be a symbolic link")
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return fail(field, "cannot be inspected")
	}
	return nil
}
