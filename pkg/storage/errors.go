package storage

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Error codes reported by remote storage operations
const (
	ErrCodeNoSession           = "NO_SESSION"            // No logged-in session on the remote store
	ErrCodeNoPeerConnection    = "NO_PEER_CONNECTION"    // The node cannot reach the network
	ErrCodeIllegalFileLocation = "ILLEGAL_FILE_LOCATION" // Path outside the synchronized root or of the wrong kind
	ErrCodeInvalidProcessState = "INVALID_PROCESS_STATE" // Operation not valid for the current remote state
	ErrCodeProcessExecution    = "PROCESS_EXECUTION"     // The remote operation failed while running
)

// Sentinels for errors.Is comparisons against a StorageError.
var (
	ErrNoSession           = &StorageError{Code: ErrCodeNoSession, Message: "no session"}
	ErrNoPeerConnection    = &StorageError{Code: ErrCodeNoPeerConnection, Message: "no peer connection"}
	ErrIllegalFileLocation = &StorageError{Code: ErrCodeIllegalFileLocation, Message: "illegal file location"}
	ErrInvalidProcessState = &StorageError{Code: ErrCodeInvalidProcessState, Message: "invalid process state"}
	ErrProcessExecution    = &StorageError{Code: ErrCodeProcessExecution, Message: "process execution failed"}
)

// StorageError represents errors from remote storage operations
type StorageError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Op      string `json:"op,omitempty"`
	Path    string `json:"path,omitempty"`
	Cause   error  `json:"-"`
}

func (e *StorageError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is matches any StorageError carrying the same code.
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewStorageError creates a storage error for an operation on path.
func NewStorageError(code, op, path string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: messageFor(code),
		Op:      op,
		Path:    path,
		Cause:   cause,
	}
}

func messageFor(code string) string {
	switch code {
	case ErrCodeNoSession:
		return ErrNoSession.Message
	case ErrCodeNoPeerConnection:
		return ErrNoPeerConnection.Message
	case ErrCodeIllegalFileLocation:
		return ErrIllegalFileLocation.Message
	case ErrCodeInvalidProcessState:
		return ErrInvalidProcessState.Message
	default:
		return ErrProcessExecution.Message
	}
}

// CodeOf returns the storage error code carried by err, or "" if none.
func CodeOf(err error) string {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsTransient reports whether err is a session or connectivity failure that
// is worth retrying.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case ErrCodeNoSession, ErrCodeNoPeerConnection, ErrCodeProcessExecution:
		return true
	}
	return false
}

// ClassifyError maps a raw backend error onto the storage taxonomy.
func ClassifyError(err error, op, path string) error {
	if err == nil {
		return nil
	}

	var se *StorageError
	if errors.As(err, &se) {
		return err
	}

	switch {
	case isConnectionError(err):
		return NewStorageError(ErrCodeNoPeerConnection, op, path, err)
	case isNotFoundError(err):
		return NewStorageError(ErrCodeIllegalFileLocation, op, path, err)
	default:
		return NewStorageError(ErrCodeProcessExecution, op, path, err)
	}
}

func isConnectionError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "dial") ||
		strings.Contains(errStr, "unreachable") ||
		strings.Contains(errStr, "timeout")
}

func isNotFoundError(err error) bool {
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "not found") ||
		strings.Contains(errStr, "no such") ||
		strings.Contains(errStr, "does not exist")
}
