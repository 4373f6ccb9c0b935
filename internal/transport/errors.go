package transport

import (
	"errors"
	"fmt"
)

// Code classifies transport failures.
type Code string

const (
	CodeNoSuchRemoteStream Code = "NO_SUCH_REMOTE_STREAM"
	CodeNotAllowed         Code = "NOT_ALLOWED" // autoplay policy: needs a user gesture
	CodeAborted            Code = "ABORTED"     // superseded play request
	CodePeerConnection     Code = "PEER_CONNECTION"
	CodeTimeout            Code = "TIMEOUT"
	CodeNotJoined          Code = "NOT_JOINED"
	CodeClosed             Code = "CLOSED"
	CodeUnknown            Code = "UNKNOWN"
)

// Sentinel errors for errors.Is. They match any *Error with the same code.
var (
	ErrNoSuchRemoteStream = &Error{Code: CodeNoSuchRemoteStream}
	ErrNotAllowed         = &Error{Code: CodeNotAllowed}
	ErrAborted            = &Error{Code: CodeAborted}
	ErrPeerConnection     = &Error{Code: CodePeerConnection}
	ErrTimeout            = &Error{Code: CodeTimeout}
	ErrNotJoined          = &Error{Code: CodeNotJoined}
	ErrClosed             = &Error{Code: CodeClosed}
)

// Error is the one error shape adapters hand to the core.
type Error struct {
	Op      string // e.g. "subscribe", "play"
	Code    Code
	Message string
	Cause   error
}

// NewError builds an *Error without a cause.
func NewError(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Message: msg}
}

// Wrap normalizes err into an *Error. An existing *Error keeps its code and
// gains op if it had none.
func Wrap(op string, code Code, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		if te.Op != "" {
			return te
		}
		cp := *te
		cp.Op = op
		return &cp
	}
	return &Error{Op: op, Code: code, Message: err.Error(), Cause: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op == "" {
		return fmt.Sprintf("%s [%s]", msg, e.Code)
	}
	return fmt.Sprintf("%s: %s [%s]", e.Op, msg, e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on code so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code of err, CodeUnknown for foreign errors and "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeUnknown
}
