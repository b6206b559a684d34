package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorCode classifies failures for callers and metrics labels.
type ErrorCode string

const (
	CodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeConflict         ErrorCode = "CONFLICT"
	CodeUnavailable      ErrorCode = "UNAVAILABLE"
	CodeUnauthenticated  ErrorCode = "UNAUTHENTICATED"
	CodeDeadlineExceeded ErrorCode = "DEADLINE_EXCEEDED"
	CodeRemote           ErrorCode = "REMOTE"
	CodeInternal         ErrorCode = "INTERNAL"
)

// Error is the structured error carried across component boundaries.
type Error struct {
	Code    ErrorCode
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op == "" {
		if msg == "" {
			return string(e.Code)
		}
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	if msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// E builds a structured error.
func E(code ErrorCode, op, msg string, cause error) *Error {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &Error{Code: code, Op: op, Message: msg, Cause: cause}
}

// Wrap attaches an op and code to an error, preserving an existing *Error.
func Wrap(code ErrorCode, op string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		if existing.Op != "" || op == "" {
			return existing
		}
		return &Error{Code: existing.Code, Op: op, Message: existing.Message, Cause: existing.Cause}
	}
	return E(code, op, "", err)
}

// NameConflictError reports that a gateway name is already used in a scope.
// It carries the id of the gateway holding the name.
type NameConflictError struct {
	Scope         string
	Name          string
	ConflictingID string
}

func (e *NameConflictError) Error() string {
	return fmt.Sprintf("gateway name %q already exists in scope %q (id %s)", e.Name, e.Scope, e.ConflictingID)
}

// ConnectionError reports that a probe or forward could not reach the host,
// distinguishing connectivity, timeout, auth, and protocol failures.
type ConnectionError struct {
	URL   string
	Kind  FailureKind
	Cause error
}

func (e *ConnectionError) Error() string {
	switch e.Kind {
	case FailureAuth:
		return fmt.Sprintf("gateway %s rejected credentials", e.URL)
	case FailureTimeout:
		return fmt.Sprintf("gateway %s did not respond in time", e.URL)
	case FailureProtocol:
		return fmt.Sprintf("gateway %s returned an unexpected response", e.URL)
	default:
		return fmt.Sprintf("gateway %s is unreachable", e.URL)
	}
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// RemoteError carries a JSON-RPC error returned by the remote gateway.
type RemoteError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RemoteError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message)
}

// NotFoundError reports an unknown or excluded gateway id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("gateway %s not found", e.ID)
}

// CodeFrom extracts an ErrorCode from any error in the chain.
func CodeFrom(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Code != "" {
		return domainErr.Code
	}
	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		return CodeNotFound
	}
	var conflict *NameConflictError
	if errors.As(err, &conflict) {
		return CodeConflict
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return CodeRemote
	}
	var conn *ConnectionError
	if errors.As(err, &conn) {
		switch conn.Kind {
		case FailureAuth:
			return CodeUnauthenticated
		case FailureTimeout:
			return CodeDeadlineExceeded
		default:
			return CodeUnavailable
		}
	}
	return CodeInternal
}
