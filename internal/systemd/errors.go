package systemd

import (
	"errors"
	"fmt"
)

// Error represents a failed operation on one unit.
type Error struct {
	Operation string // The operation that failed (start, stop, restart, etc.)
	UnitName  string // The name of the unit
	UnitKind  string // The kind of the unit (service, socket, target)
	Cause     error  // The underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s failed for %s (%s): %v", e.Operation, e.UnitName, e.UnitKind, e.Cause)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given details.
func NewError(operation, unitName, unitKind string, cause error) *Error {
	return &Error{
		Operation: operation,
		UnitName:  unitName,
		UnitKind:  unitKind,
		Cause:     cause,
	}
}

// UnitNotFoundError represents an error when a unit cannot be found.
type UnitNotFoundError struct {
	UnitName string
}

// Error implements the error interface.
func (e *UnitNotFoundError) Error() string {
	return fmt.Sprintf("unit %s not found", e.UnitName)
}

// NewUnitNotFoundError creates a new UnitNotFoundError.
func NewUnitNotFoundError(unitName string) *UnitNotFoundError {
	return &UnitNotFoundError{UnitName: unitName}
}

// IsError checks if err is or wraps an Error.
func IsError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// IsUnitNotFoundError checks if err is or wraps a UnitNotFoundError.
func IsUnitNotFoundError(err error) bool {
	var e *UnitNotFoundError
	return errors.As(err, &e)
}

// ErrorFlags accumulates the failure categories of one invocation.
type ErrorFlags int

// Failure categories.
const (
	FlagNotOK     ErrorFlags = 1
	FlagNotActive ErrorFlags = 2
	FlagNotFound  ErrorFlags = 4
)

// Has reports whether all bits of f are set.
func (e ErrorFlags) Has(f ErrorFlags) bool {
	return e&f == f
}

// ExitCode maps the flags to the process exit status: 0 without flags,
// 4 when a unit was not found, 3 when a queried unit is not active and 1
// for any other failure.
func (e ErrorFlags) ExitCode() int {
	switch {
	case e == 0:
		return 0
	case e.Has(FlagNotFound):
		return 4
	case e.Has(FlagNotActive):
		return 3
	default:
		return 1
	}
}
