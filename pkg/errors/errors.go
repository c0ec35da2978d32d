// Package errors provides error wrapping utilities and the error taxonomy
// used to map flash failures onto process exit codes.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Process exit codes.
const (
	ExitSuccess         = 0
	ExitGeneralError    = 1
	ExitValidationError = 2
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// ValidationError is a pre-flight failure caused by user input (no destinations,
// duplicate destinations, missing privileges). It is never retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Validation creates a ValidationError from a format string.
func Validation(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// DeviceError is a failure scoped to a single destination device.
type DeviceError struct {
	Device string
	// Code is an optional short machine-readable code (e.g. "EIO", "ENOSPC").
	Code string
	Err  error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("device %s failed", e.Device)
	}
	return fmt.Sprintf("device %s: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// ForDevice attaches a device to err. An error that already carries the same
// device is returned unchanged.
func ForDevice(device string, err error) *DeviceError {
	var de *DeviceError
	if stderrors.As(err, &de) && de.Device == device {
		return de
	}
	return &DeviceError{Device: device, Err: err}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return stderrors.As(err, &ve)
}

// ExitCode maps an error returned by a command onto a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case IsValidation(err):
		return ExitValidationError
	default:
		return ExitGeneralError
	}
}

// Is and As re-export the standard library helpers so callers importing this
// package do not need a second errors import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func New(text string) error { return stderrors.New(text) }
