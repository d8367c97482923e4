package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Sentinel values shared by store adapters and the pipeline.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrInternalError = errors.New("internal error")
	ErrTimeout       = errors.New("operation timed out")
	ErrUnavailable   = errors.New("service unavailable")
	ErrQueueFull     = errors.New("queue full")

	// Domain-specific sentinels
	ErrConversationNotFound = errors.New("conversation not found")
	ErrInvalidSnapshot      = errors.New("invalid metric snapshot")
	ErrStoreFailure         = errors.New("store operation failed")
	ErrBroadcastFailure     = errors.New("broadcast failed")
)

// Error is a structured error carrying context fields, an optional code and
// the location it was created at.
type Error struct {
	original error
	message  string
	fields   map[string]interface{}
	file     string
	line     int

	// Code is an optional machine readable category
	Code string
}

func newAt(skip int, original error, message, code string, fields []map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(skip + 1)

	fieldMap := make(map[string]interface{})
	if len(fields) > 0 && fields[0] != nil {
		for k, v := range fields[0] {
			fieldMap[k] = v
		}
	}

	return &Error{
		original: original,
		message:  message,
		fields:   fieldMap,
		file:     file,
		line:     line,
		Code:     code,
	}
}

// New creates a new structured error with the given message
func New(message string, fields ...map[string]interface{}) *Error {
	return newAt(1, errors.New(message), message, "", fields)
}

// Wrap wraps an existing error with additional context. Wrap returns nil for
// a nil error, so callers must check err before returning the result as an
// error interface.
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}
	return newAt(1, err, message, "", fields)
}

// Wrapf is Wrap with a formatted message
func Wrapf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return newAt(1, err, fmt.Sprintf(format, args...), "", nil)
}

func (e *Error) clone(extra int) *Error {
	result := &Error{
		original: e.original,
		message:  e.message,
		fields:   make(map[string]interface{}, len(e.fields)+extra),
		file:     e.file,
		line:     e.line,
		Code:     e.Code,
	}
	for k, v := range e.fields {
		result.fields[k] = v
	}
	return result
}

// WithField returns a copy of the error with one more context field
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(1)
	result.fields[key] = value
	return result
}

// WithFields returns a copy of the error with the given context fields added
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(len(fields))
	for k, v := range fields {
		result.fields[k] = v
	}
	return result
}

// WithCode returns a copy of the error with the given code
func (e *Error) WithCode(code string) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(0)
	result.Code = code
	return result
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil || e.original == nil {
		return ""
	}
	if e.message == "" || e.message == e.original.Error() {
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

// Location returns file:line where the error was created
func (e *Error) Location() string {
	if e == nil {
		return ""
	}
	parts := strings.Split(e.file, "/")
	return fmt.Sprintf("%s:%d", parts[len(parts)-1], e.line)
}

// GetFields returns the error's context fields
func (e *Error) GetFields() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.fields
}

// GetCode returns the error's code
func (e *Error) GetCode() string {
	if e == nil {
		return ""
	}
	return e.Code
}

// Is reports whether the wrapped chain matches target.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	if errors.Is(e.original, target) {
		return true
	}
	return e == target
}

// AsJSON returns the error in a JSON friendly map
func (e *Error) AsJSON() map[string]interface{} {
	if e == nil {
		return nil
	}

	result := map[string]interface{}{
		"message":  e.Error(),
		"location": e.Location(),
	}
	if e.Code != "" {
		result["code"] = e.Code
	}
	if len(e.fields) > 0 {
		result["context"] = e.fields
	}
	return result
}

// NewNotFound creates an ErrNotFound error
func NewNotFound(message string, fields ...map[string]interface{}) *Error {
	return newAt(1, ErrNotFound, message, "NOT_FOUND", fields)
}

// NewInvalidInput creates an ErrInvalidInput error
func NewInvalidInput(message string, fields ...map[string]interface{}) *Error {
	return newAt(1, ErrInvalidInput, message, "INVALID_INPUT", fields)
}

// NewUnavailable creates an ErrUnavailable error
func NewUnavailable(message string, fields ...map[string]interface{}) *Error {
	return newAt(1, ErrUnavailable, message, "UNAVAILABLE", fields)
}

// NewConversationNotFound creates an error for a missing conversation. It
// matches both ErrConversationNotFound and ErrNotFound.
func NewConversationNotFound(conversationID string) *Error {
	return newAt(1, fmt.Errorf("%w: %w", ErrConversationNotFound, ErrNotFound),
		"conversation "+conversationID, "CONVERSATION_NOT_FOUND",
		[]map[string]interface{}{{"conversation_id": conversationID}})
}

// NewInvalidSnapshot creates an ErrInvalidSnapshot error
func NewInvalidSnapshot(details string, fields ...map[string]interface{}) *Error {
	return newAt(1, ErrInvalidSnapshot, details, "INVALID_SNAPSHOT", fields)
}

// NewStoreFailure wraps a storage driver error
func NewStoreFailure(err error, operation string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}
	return newAt(1, fmt.Errorf("%w: %w", ErrStoreFailure, err), operation, "STORE_FAILURE", fields)
}

// Is is errors.Is
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is errors.As
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Join is errors.Join
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// GetErrorCode extracts the error code from a structured error
func GetErrorCode(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetCode()
	}
	return ""
}

// GetErrorFields extracts context fields from a structured error
func GetErrorFields(err error) map[string]interface{} {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetFields()
	}
	return nil
}
