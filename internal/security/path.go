package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateFilePath rejects empty paths, NUL bytes and directory traversal.
func ValidateFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("file path cannot be empty")
	}
	if strings.ContainsRune(path, '\x00') {
		return fmt.Errorf("file path contains NUL byte")
	}

	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("path contains directory traversal: %s", path)
		}
	}

	return nil
}

// SessionStorePath returns the per-user crypto store path inside baseDir.
// The user id is reduced to a safe file name so it can never escape baseDir.
func SessionStorePath(baseDir, userID string) (string, error) {
	if err := ValidateFilePath(baseDir); err != nil {
		return "", err
	}

	var b strings.Builder
	for _, r := range userID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("user id %q yields an empty session file name", userID)
	}

	return filepath.Join(baseDir, b.String()+".db"), nil
}
