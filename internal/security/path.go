package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

const maxSessionIDLength = 128

// ValidateSessionID validates that a caller-supplied session id is safe to
// use as a working-state directory name and database key.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if len(id) > maxSessionIDLength {
		return fmt.Errorf("session id too long: %d characters", len(id))
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return fmt.Errorf("session id contains invalid character %q", r)
		}
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("session id contains directory traversal: %s", id)
	}
	return nil
}

// ValidateEntryName validates a file name from a credential blob before it
// is written into a working-state directory.
func ValidateEntryName(name string) error {
	if name == "" {
		return fmt.Errorf("entry name cannot be empty")
	}
	if name != filepath.Base(name) {
		return fmt.Errorf("entry name contains path separators: %s", name)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("invalid entry name: %s", name)
	}
	return nil
}

// ValidateFilePath validates that a configured file path doesn't contain
// directory traversal attempts.
func ValidateFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("file path cannot be empty")
	}
	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("path contains directory traversal: %s", path)
	}
	return nil
}
