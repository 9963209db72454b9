// Package ipcerr is the error vocabulary shared by the client engine and the worker loop.
//
// A Code travels on the wire as a plain string and is compared as a typed value in Go.
// Decoding is case-insensitive and never fails: anything unrecognized becomes Internal.
package ipcerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Code is one of the canonical error kinds.
type Code string

const (
	ProcessDied      Code = "ProcessDied"      // transport ended unexpectedly
	DeadlineExceeded Code = "DeadlineExceeded" // call exceeded its deadline
	WriteFailed      Code = "WriteFailed"      // request could not be sent
	Protocol         Code = "Protocol"         // framing or decoding violation
	BadParams        Code = "BadParams"        // handler rejected parameters
	NoSuchMethod     Code = "NoSuchMethod"     // unknown method name
	Internal         Code = "Internal"         // unclassified handler failure

	// ProcessStart is reported by the client when the worker cannot be spawned.
	// It never appears on the wire.
	ProcessStart Code = "ProcessStart"
)

// codeTable maps every accepted spelling (lower-cased) to its canonical code.
// The E_* forms are what older workers put on the wire.
var codeTable = map[string]Code{
	"processdied":         ProcessDied,
	"e_process_died":      ProcessDied,
	"deadlineexceeded":    DeadlineExceeded,
	"e_deadline_exceeded": DeadlineExceeded,
	"writefailed":         WriteFailed,
	"write failed":        WriteFailed,
	"e_write_failed":      WriteFailed,
	"protocol":            Protocol,
	"e_protocol":          Protocol,
	"badparams":           BadParams,
	"e_bad_params":        BadParams,
	"nosuchmethod":        NoSuchMethod,
	"e_no_such_method":    NoSuchMethod,
	"internal":            Internal,
	"e_internal":          Internal,
	"processstart":        ProcessStart,
}

// ParseCode canonicalizes a wire code. Unknown or empty input yields Internal.
func ParseCode(s string) Code {
	if c, ok := codeTable[strings.ToLower(strings.TrimSpace(s))]; ok {
		return c
	}
	return Internal
}

func (c Code) String() string { return string(c) }

// ErrClosed is the cause reported by calls made after the client was closed.
var ErrClosed = errors.New("client is closed")

// Error is a failure with a canonical code. Message is never empty once built by New.
type Error struct {
	Code    Code
	Message string
	Data    json.RawMessage
	Cause   error
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error, substituting a fallback message describing the code when msg is blank.
func New(code Code, msg string, cause error) *Error {
	if strings.TrimSpace(msg) == "" {
		if cause != nil {
			msg = SafeMessage(cause)
		} else {
			msg = fallbackMessage(code)
		}
	}
	return &Error{Code: code, Message: msg, Cause: cause}
}

func fallbackMessage(code Code) string {
	switch code {
	case ProcessDied:
		return "worker process died"
	case DeadlineExceeded:
		return "call timed out"
	case WriteFailed:
		return "write failed"
	case Protocol:
		return "protocol violation"
	case BadParams:
		return "bad params"
	case NoSuchMethod:
		return "no such method"
	case ProcessStart:
		return "failed to start process"
	default:
		return "internal error"
	}
}

func ProcessDiedf(cause error, format string, args ...any) *Error {
	return New(ProcessDied, fmt.Sprintf(format, args...), cause)
}

func DeadlineExceededf(cause error, format string, args ...any) *Error {
	return New(DeadlineExceeded, fmt.Sprintf(format, args...), cause)
}

func WriteFailedErr(cause error) *Error {
	return New(WriteFailed, "write failed", cause)
}

func Protocolf(cause error, format string, args ...any) *Error {
	return New(Protocol, fmt.Sprintf(format, args...), cause)
}

func Internalf(cause error, format string, args ...any) *Error {
	return New(Internal, fmt.Sprintf(format, args...), cause)
}

func ProcessStartErr(cause error) *Error {
	return New(ProcessStart, "failed to start process", cause)
}

// CodeOf extracts the code of the first *Error in err's chain.
// A nil error has no code; any other error is Internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// SafeMessage returns err's message, or its dynamic type name when the message is blank.
func SafeMessage(err error) string {
	if err == nil {
		return "<nil>"
	}
	if m := err.Error(); strings.TrimSpace(m) != "" {
		return m
	}
	return fmt.Sprintf("%T", err)
}
