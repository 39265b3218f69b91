package ctlerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a control-plane failure. Codes are stable and safe to expose on the wire.
type Code string

const (
	CodeNotFound        Code = "not_found"
	CodeConflict        Code = "conflict"
	CodeAlreadyActive   Code = "already_active"
	CodeAlreadyInactive Code = "already_inactive"
	CodeStillActive     Code = "still_active"
	CodeInvalidArgument Code = "invalid_argument"
	CodeNotSupported    Code = "not_supported"
	CodeUnauthenticated Code = "unauthenticated"
	CodeForbidden       Code = "forbidden"
	CodeInternal        Code = "internal"
)

// Sentinels usable with errors.Is. Any *Error matches the sentinel carrying the same code.
var (
	ErrNotFound        = &Error{Code: CodeNotFound}
	ErrConflict        = &Error{Code: CodeConflict}
	ErrAlreadyActive   = &Error{Code: CodeAlreadyActive}
	ErrAlreadyInactive = &Error{Code: CodeAlreadyInactive}
	ErrStillActive     = &Error{Code: CodeStillActive}
	ErrInvalidArgument = &Error{Code: CodeInvalidArgument}
	ErrNotSupported    = &Error{Code: CodeNotSupported}
	ErrForbidden       = &Error{Code: CodeForbidden}
	ErrInternal        = &Error{Code: CodeInternal}
)

// Error is a coded control-plane error.
type Error struct {
	Code   Code
	Op     string // operation, e.g. "activate"
	Target string // callsign, destination, method name
	Err    error  // underlying cause, if any
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Target != "" {
		msg += fmt.Sprintf(" (%s)", e.Target)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New builds a coded error for op on target.
func New(code Code, op, target string) error {
	return &Error{Code: code, Op: op, Target: target}
}

// Wrap attaches code and context to cause. A nil cause yields nil.
func Wrap(code Code, op, target string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Target: target, Err: cause}
}

// CodeOf extracts the code from err. Uncoded errors are Internal; nil yields "".
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Numeric wire codes, one per Code. Values follow the JSON-RPC server-error range.
var wireCodes = map[Code]int{
	CodeNotFound:        -32001,
	CodeConflict:        -32002,
	CodeAlreadyActive:   -32003,
	CodeAlreadyInactive: -32004,
	CodeStillActive:     -32005,
	CodeUnauthenticated: -32006,
	CodeForbidden:       -32007,
	CodeInvalidArgument: -32602,
	CodeNotSupported:    -32601,
	CodeInternal:        -32603,
}

// WireCode returns the numeric code for err used in JSON-RPC responses.
func WireCode(err error) int {
	if c, ok := wireCodes[CodeOf(err)]; ok {
		return c
	}
	return wireCodes[CodeInternal]
}

// HTTPStatus maps err to an HTTP status for the REST surface.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case "":
		return http.StatusOK
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeAlreadyActive, CodeAlreadyInactive, CodeStillActive:
		return http.StatusConflict
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNotSupported:
		return http.StatusNotImplemented
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
