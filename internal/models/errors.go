package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrJobBusy            = errors.New("job is still being generated")
	ErrJobNotFinished     = errors.New("job has not completed")
	ErrEditLimitReached   = errors.New("edit limit reached for this job")
	ErrExportNotAllowed   = errors.New("export not allowed")
	ErrIncompleteSnapshot = errors.New("job settings snapshot is incomplete")
)

// ValidationError is returned for malformed or incomplete requests. No job is
// created when it is returned.
type ValidationError struct {
	Fields  []string
	Message string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, strings.Join(e.Fields, ", "))
}

// NewMissingFieldsError builds a ValidationError for absent required fields.
func NewMissingFieldsError(fields []string) *ValidationError {
	return &ValidationError{Fields: fields, Message: "missing required fields"}
}

// QuotaExceededError carries the numbers needed to explain the rejection.
type QuotaExceededError struct {
	Plan  Plan
	Limit int
	Used  int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("monthly video limit reached for %s plan: %d of %d used", e.Plan, e.Used, e.Limit)
}
