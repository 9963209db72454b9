package ipcerr

import (
	"encoding/json"
	"errors"
	"strings"
)

// ParamError is what a handler returns when it rejects its parameters.
// A message starting with "NoSuchMethod" (or the older "E_NO_SUCH_METHOD") marks the
// method itself as unknown.
type ParamError struct {
	Msg   string
	Cause error
}

func (e *ParamError) Error() string {
	if e.Msg == "" && e.Cause != nil {
		return e.Cause.Error()
	}
	return e.Msg
}

func (e *ParamError) Unwrap() error {
	return e.Cause
}

// InvalidParams reports a parameter-validation failure.
func InvalidParams(msg string) error {
	return &ParamError{Msg: msg}
}

// WrapParams reports a parameter-validation failure caused by err, e.g. a decode error.
func WrapParams(err error) error {
	return &ParamError{Cause: err}
}

// UnknownMethod reports that no handler exists for method.
func UnknownMethod(method string) error {
	return &ParamError{Msg: string(NoSuchMethod) + ": " + method}
}

func hasNoSuchMethodTag(msg string) bool {
	m := strings.ToLower(strings.TrimSpace(msg))
	return strings.HasPrefix(m, "nosuchmethod") || strings.HasPrefix(m, "e_no_such_method")
}

// Classify maps a handler failure onto a wire code. It only reports a specific code when
// the handler signaled one; everything else is Internal.
func Classify(err error) Code {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	var pe *ParamError
	if errors.As(err, &pe) {
		if hasNoSuchMethodTag(pe.Error()) {
			return NoSuchMethod
		}
		return BadParams
	}

	return Internal
}

// Payload renders a handler failure as the fields of a wire error payload.
// The message is never empty.
func Payload(err error) (code Code, msg string, data json.RawMessage) {
	code = Classify(err)
	var e *Error
	if errors.As(err, &e) {
		msg, data = e.Message, e.Data
	}
	if strings.TrimSpace(msg) == "" {
		msg = SafeMessage(err)
	}
	return code, msg, data
}

// FromPayload rebuilds a client-side error from a received error payload.
func FromPayload(code, msg string, data json.RawMessage) *Error {
	e := New(ParseCode(code), msg, nil)
	e.Data = data
	return e
}
