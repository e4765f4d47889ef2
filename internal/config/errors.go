package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConfiguration marks every invalid or missing configuration value.
// Match it with errors.Is; the concrete error is usually *ValidationErrors.
var ErrConfiguration = errors.New("configuration error")

// ValidationError represents a single configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// Is reports ErrConfiguration as the error kind.
func (e *ValidationError) Is(target error) bool {
	return target == ErrConfiguration
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Is reports ErrConfiguration as the error kind.
func (e *ValidationErrors) Is(target error) bool {
	return target == ErrConfiguration
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Err returns e when it holds errors, nil otherwise.
func (e *ValidationErrors) Err() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

// Fields lists the offending field names in the order they were added.
func (e *ValidationErrors) Fields() []string {
	fields := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		fields = append(fields, err.Field)
	}
	return fields
}
