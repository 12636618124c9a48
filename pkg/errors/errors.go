package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Standard error types that can be used throughout the application
var (
	// Standard error sentinel values
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInternalError      = errors.New("internal error")
	ErrTimeout            = errors.New("operation timed out")
	ErrUnavailable        = errors.New("service unavailable")
	ErrAlreadyExists      = errors.New("resource already exists")
	ErrResourceExhausted  = errors.New("resource exhausted")
	ErrFailedPrecondition = errors.New("failed precondition")
	ErrCanceled           = errors.New("operation canceled")

	// Domain-specific error sentinel values
	ErrMalformedPacket  = errors.New("malformed RTP packet")
	ErrCallNotFound     = errors.New("call not found")
	ErrCallEnded        = errors.New("call already ended")
	ErrAdapterClosed    = errors.New("ASR adapter closed")
	ErrStreamFailure    = errors.New("ASR stream failure")
	ErrSynthesisFailed  = errors.New("speech synthesis failed")
	ErrFlowNotFound     = errors.New("flow definition not found")
	ErrInvalidFlow      = errors.New("invalid flow definition")
	ErrControlPlaneDown = errors.New("control plane unavailable")
	ErrNoPortsAvailable = errors.New("no ports available in retry range")
	ErrQueueFull        = errors.New("queue full")
	ErrNotConnected     = errors.New("not connected")
)

// Error represents a structured error with caller location and context fields
type Error struct {
	// original is the underlying error
	original error

	// message is the error message
	message string

	// fields contains contextual information
	fields map[string]interface{}

	// file and line record where the error was created
	file string
	line int
}

// New creates a new structured error with the given message
func New(message string, fields ...map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(1)

	var fieldMap map[string]interface{}
	if len(fields) > 0 && fields[0] != nil {
		fieldMap = fields[0]
	} else {
		fieldMap = make(map[string]interface{})
	}

	return &Error{
		original: errors.New(message),
		message:  message,
		fields:   fieldMap,
		file:     file,
		line:     line,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}

	_, file, line, _ := runtime.Caller(1)

	var fieldMap map[string]interface{}
	if len(fields) > 0 && fields[0] != nil {
		fieldMap = fields[0]
	} else {
		fieldMap = make(map[string]interface{})
	}

	return &Error{
		original: err,
		message:  message,
		fields:   fieldMap,
		file:     file,
		line:     line,
	}
}

// WithField adds a single field to the error context
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}

	result := &Error{
		original: e.original,
		message:  e.message,
		fields:   make(map[string]interface{}, len(e.fields)+1),
		file:     e.file,
		line:     e.line,
	}
	for k, v := range e.fields {
		result.fields[k] = v
	}
	result.fields[key] = value

	return result
}

// WithFields adds multiple fields to the error context
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e == nil {
		return nil
	}

	result := &Error{
		original: e.original,
		message:  e.message,
		fields:   make(map[string]interface{}, len(e.fields)+len(fields)),
		file:     e.file,
		line:     e.line,
	}
	for k, v := range e.fields {
		result.fields[k] = v
	}
	for k, v := range fields {
		result.fields[k] = v
	}

	return result
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil || e.original == nil {
		return ""
	}

	if e.message == "" {
		return e.original.Error()
	}

	return fmt.Sprintf("%s: %v", e.message, e.original)
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.original
}

// Location returns the file:line where the error was created
func (e *Error) Location() string {
	if e == nil {
		return ""
	}

	parts := strings.Split(e.file, "/")
	filename := parts[len(parts)-1]

	return fmt.Sprintf("%s:%d", filename, e.line)
}

// GetFields returns the error's context fields
func (e *Error) GetFields() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.fields
}

// Is reports whether any error in err's tree matches target
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}

	if errors.Is(e.original, target) {
		return true
	}

	return e == target
}

// Is is a convenience wrapper around the standard library's errors.Is
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is a convenience wrapper around the standard library's errors.As
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
