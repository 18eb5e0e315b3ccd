package status

import (
	"errors"
	"fmt"
)

const (
	// Parse indicates a malformed feed document
	Parse Type = 1

	// NoUpdate indicates that no feed item passed the eligibility checks
	NoUpdate Type = 2

	// Network indicates a transport level failure: timeouts, refused connections and HTTP errors
	Network Type = 3

	// Signature indicates that an artifact did not match its recorded signature
	Signature Type = 4

	// Extraction indicates an unpack failure or a truncated artifact
	Extraction Type = 5

	// WritePermission indicates that the host bundle location is not writable
	WritePermission Type = 6

	// Busy indicates that another pipeline or cycle is already active
	Busy Type = 7

	// Disconnected indicates that the installer connection dropped while a call was pending
	Disconnected Type = 8

	// Installation indicates a failure while replacing the host bundle
	Installation Type = 9

	// Relaunch indicates that the host could not be started again after the install
	Relaunch Type = 10

	// TemporaryDirectory indicates that the scratch location could not be created
	TemporaryDirectory Type = 11

	// InvalidState indicates an operation issued for an unknown identifier or out of pipeline order
	InvalidState Type = 12
)

// Type is a type of the Error
type Type int32

var typeNames = map[Type]string{
	Parse:              "parse",
	NoUpdate:           "no_update",
	Network:            "network",
	Signature:          "signature",
	Extraction:         "extraction",
	WritePermission:    "write_permission",
	Busy:               "busy",
	Disconnected:       "disconnected",
	Installation:       "installation",
	Relaunch:           "relaunch",
	TemporaryDirectory: "temporary_directory",
	InvalidState:       "invalid_state",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int32(t))
}

// Error is an update pipeline error
type Error struct {
	ErrorType Type
	Message   string
	Cause     error
}

// Type returns the Type of the error
func (e *Error) Type() Type {
	return e.ErrorType
}

// Error is an error string
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same type, so errors.Is(err, status.New(status.Busy)) works
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.ErrorType == e.ErrorType
}

// New returns an Error of the given type carrying its type name as the message
func New(errorType Type) error {
	return &Error{ErrorType: errorType, Message: errorType.String()}
}

// Errorf returns Error(ErrorType, fmt.Sprintf(format, a...)).
func Errorf(errorType Type, format string, a ...interface{}) error {
	return &Error{
		ErrorType: errorType,
		Message:   fmt.Sprintf(format, a...),
	}
}

// Wrap returns an Error of the given type with cause attached. A nil cause yields nil.
func Wrap(errorType Type, cause error, format string, a ...interface{}) error {
	if cause == nil {
		return nil
	}
	return &Error{
		ErrorType: errorType,
		Message:   fmt.Sprintf(format, a...),
		Cause:     cause,
	}
}

// FromError returns Error, true if the provided error is of type of Error. nil, false otherwise
func FromError(err error) (s *Error, ok bool) {
	if err == nil {
		return nil, true
	}
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// TypeOf returns the Type of err, or 0 when err does not carry one
func TypeOf(err error) Type {
	if e, ok := FromError(err); ok && e != nil {
		return e.ErrorType
	}
	return 0
}

// HasType reports whether err carries the given type anywhere in its chain
func HasType(err error, t Type) bool {
	return TypeOf(err) == t
}
