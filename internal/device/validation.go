package device

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/nerrad567/gray-logic-persistence/internal/persistence"
)

// MaxNameLength is the maximum length of a device or group name in characters.
const MaxNameLength = 100

// ValidateKind checks that kind is a device kind.
func ValidateKind(kind persistence.Kind) error {
	if !IsDeviceKind(kind) {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	return nil
}

// ValidateName checks that a name is non-blank and at most MaxNameLength characters.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidName)
	}
	if n := utf8.RuneCountInString(name); n > MaxNameLength {
		return fmt.Errorf("%w: %d characters exceeds maximum %d", ErrInvalidName, n, MaxNameLength)
	}
	return nil
}
