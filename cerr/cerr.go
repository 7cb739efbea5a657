// Package cerr defines the closed set of error kinds used across the
// validator core.
package cerr

import "fmt"

// Kind is a closed error classification. New kinds require a code change,
// not a string literal at the call site.
type Kind string

const (
	ConsensusTimeout       Kind = "ConsensusTimeout"
	InsufficientValidators Kind = "InsufficientValidators"
	InsufficientShares     Kind = "InsufficientShares"
	InvalidSignature       Kind = "InvalidSignature"
	InvalidQuorumCert      Kind = "InvalidQuorumCert"
	NetworkPartition       Kind = "NetworkPartition"
	VdfComputation         Kind = "VdfComputation"
	Storage                Kind = "Storage"
	Configuration          Kind = "Configuration"
	RateLimit              Kind = "RateLimit"
	Auth                   Kind = "Auth"
	NotFound               Kind = "NotFound"
	PreconditionFailed     Kind = "PreconditionFailed"
)

// Error is the concrete error type carried through the system. Code
// identifies the kind for programmatic handling; Msg is the human detail.
type Error struct {
	Code Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New constructs an *Error with the given kind and message.
func New(code Kind, msg string) error {
	return &Error{Code: code, Msg: msg}
}

// Newf constructs an *Error with a formatted message.
func Newf(code Kind, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates an existing error with a kind and message, keeping the
// original error reachable via errors.Unwrap.
func Wrap(code Kind, msg string, err error) error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// Code extracts the Kind from err, returning false if err is not a *Error.
func Code(err error) (Kind, bool) {
	var e *Error
	if asError(err, &e) {
		return e.Code, true
	}
	return "", false
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, code Kind) bool {
	k, ok := Code(err)
	return ok && k == code
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
