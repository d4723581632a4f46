// Package apperr defines the error kinds shared by the sync, mirror and
// booking services, and the stable codes callers branch on.
package apperr

import (
	"errors"
	"fmt"
)

// Kind groups errors by how callers are expected to react.
type Kind string

const (
	KindConfiguration  Kind = "configuration"
	KindAuthentication Kind = "authentication"
	KindTransient      Kind = "transient"
	KindValidation     Kind = "validation"
	KindConflict       Kind = "conflict"
	KindDataIntegrity  Kind = "data_integrity"
	KindNotFound       Kind = "not_found"
)

// Stable codes.
const (
	CodeSlotTaken           = "slot_taken"
	CodeOutsideAvailability = "outside_availability"
	CodeNoCalendar          = "no_calendar"
	CodeOwnerNotFound       = "owner_not_found"
	CodeInvalidDuration     = "invalid_duration"
	CodeOffGrid             = "off_grid"
	CodeInvalidClient       = "invalid_client"
	CodeInvalidRange        = "invalid_range"
	CodeReconnectRequired   = "reconnect_required"
	CodeInvalidDay          = "invalid_day"
	CodeInvalidWindow       = "invalid_window"
	CodeDuplicateDay        = "duplicate_day"
	CodeMissingCredentials  = "missing_credentials"
	CodeProviderUnavailable = "provider_unavailable"
	CodeRemoteNotFound      = "remote_not_found"
	CodeDuplicateMapping    = "duplicate_mapping"
)

// Error is a classified failure. Reason is safe to show to an end user.
type Error struct {
	Kind   Kind
	Code   string
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Reason
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, and by code when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return t.Kind != "" || t.Code != ""
}

// Sentinels for errors.Is.
var (
	ErrConfiguration  = &Error{Kind: KindConfiguration}
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrTransient      = &Error{Kind: KindTransient}
	ErrValidation     = &Error{Kind: KindValidation}
	ErrConflict       = &Error{Kind: KindConflict}
	ErrDataIntegrity  = &Error{Kind: KindDataIntegrity}
	ErrNotFound       = &Error{Kind: KindNotFound}
)

// New builds a classified error.
func New(kind Kind, code, reason string) *Error {
	return &Error{Kind: kind, Code: code, Reason: reason}
}

// Wrap classifies err under op.
func Wrap(kind Kind, code, op string, err error) *Error {
	return &Error{Kind: kind, Code: code, Op: op, Err: err}
}

// Validation returns a validation error with a formatted reason.
func Validation(code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Configuration returns a configuration error with a formatted reason.
func Configuration(format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Code: CodeMissingCredentials, Reason: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return errors.Is(err, &Error{Kind: kind})
}
