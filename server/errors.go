package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/IMQS/recordsearch/searchkey"
	"github.com/google/uuid"
)

type ErrorKind int

const (
	KindValidation ErrorKind = iota + 1
	KindForbidden
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindForbidden:
		return "forbidden"
	case KindInternal:
		return "internal"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

const (
	CodeUnknownDatafield = "unknown_datafield"
	CodeInvalidTerm      = "invalid_term"
	CodeForbidden        = "forbidden"
	CodeInternal         = "internal"
	CodeUnknownUser      = "unknown_user"
)

// Error is the failure type of every engine operation.
// Message is safe to return to a client. For internal errors it never contains query text;
// the detail lives in Err, and is logged together with Source and Incident.
type Error struct {
	Kind     ErrorKind
	Code     string
	Message  string
	Source   string // Constant tag identifying the call site of an internal error
	Incident string // Unique id of an internal error, handed to the client so that the log entry can be found
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func validationError(code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

func forbiddenError(format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Code: CodeForbidden, Message: fmt.Sprintf(format, args...)}
}

func internalError(source string, err error) *Error {
	return &Error{
		Kind:     KindInternal,
		Code:     CodeInternal,
		Message:  "Internal error",
		Source:   source,
		Incident: uuid.NewString(),
		Err:      err,
	}
}

// classifyError turns any error that reaches the request boundary into an *Error
func classifyError(source string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	var keyErr *searchkey.Error
	if errors.As(err, &keyErr) {
		return &Error{Kind: KindValidation, Code: keyErr.Code, Message: keyErr.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		ie := internalError(source, err)
		ie.Message = "Search timed out"
		return ie
	}
	return internalError(source, err)
}

// logError writes internal errors to the error log. Validation and permission failures are
// the caller's problem, and only appear at debug level.
func (e *Engine) logError(op string, err *Error) {
	if err.Kind == KindInternal {
		e.ErrorLog.Errorf("%v failed. Incident %v, source %v: %v", op, err.Incident, err.Source, err.Err)
	} else {
		e.ErrorLog.Debugf("%v rejected (%v): %v", op, err.Kind, err.Message)
	}
}
