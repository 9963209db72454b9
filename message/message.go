// Package message defines the wire envelope exchanged between a parent process and its worker.
//
// Message is the "envelope" for every call. It is serialized by the codec layer as one
// JSON object per line and written to the worker's stdin (requests) or stdout (responses).
//
//	Request:  {"v":1,"id":"...","method":"ping","params":{...}}
//	Response: {"v":1,"id":"...","result":...}
//	      or  {"v":1,"id":"...","error":{"code":"BadParams","message":"..."}}
package message

import "encoding/json"

// Version is the protocol version stamped on every message.
const Version = 1

// ShutdownMethod is reserved: a worker receiving it exits immediately and sends no response.
const ShutdownMethod = "__shutdown__"

// Message carries a single request or response.
//
//   - On request:  Method is set, Params holds the raw JSON parameters (may be absent).
//   - On response: exactly one of Result or Error is set, or neither for a void result.
//
// Every field except V and ID is omitted from the line when empty.
type Message struct {
	V      int             `json:"v"`
	ID     string          `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the error payload of a failed response.
type ErrorObject struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewRequest builds a request envelope. params is already serialized (nil for none).
func NewRequest(id, method string, params json.RawMessage) *Message {
	return &Message{V: Version, ID: id, Method: method, Params: params}
}

// NewResponse builds an empty response that answers req, echoing its id and version.
func NewResponse(req *Message) *Message {
	v := req.V
	if v == 0 {
		v = Version
	}
	return &Message{V: v, ID: req.ID}
}

// IsRequest reports whether m names a method.
func (m *Message) IsRequest() bool {
	return m.Method != ""
}

// IsShutdown reports whether m is the reserved shutdown signal.
func (m *Message) IsShutdown() bool {
	return m.Method == ShutdownMethod
}
