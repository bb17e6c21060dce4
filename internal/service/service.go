// Package service implements the application logic between the HTTP
// handlers and the store.
package service

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/docker/docker/pkg/namesgenerator"
)

// ErrNotFound indicates the requested resource does not exist or is not
// visible to the caller. Ownership misses surface as ErrNotFound rather
// than a permission error so callers cannot tell which projects exist.
var ErrNotFound = errors.New("not found")

// maxValueLength is the longest accepted message content, in characters
// rather than bytes so multi-byte input is not penalized.
const maxValueLength = 10000

// ValidationError describes a rejected request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// validateValue checks message content bounds.
func validateValue(value string) error {
	if len(value) == 0 {
		return &ValidationError{Field: "value", Message: "Value is required."}
	}
	if utf8.RuneCountInString(value) > maxValueLength {
		return &ValidationError{Field: "value", Message: "Value is too long."}
	}
	return nil
}

// generateProjectName returns a random two-word kebab-case name.
func generateProjectName() string {
	return strings.ReplaceAll(namesgenerator.GetRandomName(0), "_", "-")
}
