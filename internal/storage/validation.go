package storage

import (
	"fmt"
	"unicode/utf8"
)

const (
	// MaxNameLen is the maximum allowed database or table name length in bytes.
	MaxNameLen = 64
)

// ValidateName checks a database or table name: 1 to MaxNameLen bytes of
// letters, digits and underscores.
func ValidateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%w: %s name cannot be empty", ErrInvalidName, kind)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: %s name must be valid UTF-8", ErrInvalidName, kind)
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("%w: %s name exceeds maximum length of %d bytes", ErrInvalidName, kind, MaxNameLen)
	}
	for _, r := range name {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return fmt.Errorf("%w: %s name `%s` invalid (Use A-Z, a-z, 0-9 and _ only)", ErrInvalidName, kind, name)
	}
	return nil
}
