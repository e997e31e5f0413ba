package outbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for the outbox service layer.
var (
	ErrNotFound     = errors.New("outbox entry not found")
	ErrNotEditable  = errors.New("outbox entry is no longer editable")
	ErrBoostAlive   = errors.New("a capacity boost is already active")
	ErrProjectNotFound = errors.New("project not found")
)

// ValidationError is a synchronous request-shape rejection. FieldPath points
// at the offending field (dot notation) for the API's SCHEMA_ERROR details.
type ValidationError struct {
	FieldPath string
	Message   string
}

func (e *ValidationError) Error() string {
	if e.FieldPath == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.FieldPath, e.Message)
}

func invalid(fieldPath, message string) *ValidationError {
	return &ValidationError{FieldPath: fieldPath, Message: message}
}
