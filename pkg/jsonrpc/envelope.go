// jsonrpc/envelope.go
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Version is the only protocol version spoken on the relay socket.
const Version = "2.0"

// ErrInvalidFrame is returned by Decode for text that is not a JSON-RPC 2.0
// request or response.
var ErrInvalidFrame = errors.New("jsonrpc: invalid frame")

// Standard error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ID identifies a request. IDs are unique for the lifetime of a client and are
// never reused, even across reconnects.
type ID int64

func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }

// Error is a JSON-RPC error object. A relay error response surfaces to callers
// as *Error.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Request is an outbound call or a server-initiated notification such as
// irn_subscription.
type Request struct {
	ID      ID              `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request with the same ID.
type Response struct {
	ID      ID              `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewRequest marshals params and builds a request. Pass nil for methods
// without params.
func NewRequest(id ID, method string, params interface{}) (*Request, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params for %s: %w", method, err)
		}
		raw = b
	}
	return &Request{ID: id, JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResult builds a successful response.
func NewResult(id ID, result interface{}) (*Response, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result for request %s: %w", id, err)
	}
	return &Response{ID: id, JSONRPC: Version, Result: b}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id ID, code int, message string) *Response {
	return &Response{ID: id, JSONRPC: Version, Error: &Error{Code: code, Message: message}}
}

// DecodeParams unmarshals the request params into v (must be a pointer).
func (r *Request) DecodeParams(v interface{}) error {
	if len(r.Params) == 0 || bytes.Equal(r.Params, []byte("null")) {
		return nil
	}
	return json.Unmarshal(r.Params, v)
}

// DecodeResult unmarshals the result into v. An error response is returned as
// its *Error.
func (r *Response) DecodeResult(v interface{}) error {
	if r.Error != nil {
		return r.Error
	}
	if len(r.Result) == 0 {
		return nil
	}
	return json.Unmarshal(r.Result, v)
}

// Frame is the decoded form of one inbound text message. Exactly one of
// Request and Response is set.
type Frame struct {
	Request  *Request
	Response *Response
}

// IsRequest reports whether the frame carries a server-initiated request.
func (f *Frame) IsRequest() bool { return f.Request != nil }

type wireFrame struct {
	ID      *ID             `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// Decode parses one text frame. Anything that is not a well-formed request or
// response with an id yields ErrInvalidFrame.
func Decode(data []byte) (*Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if w.JSONRPC != Version {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrInvalidFrame, w.JSONRPC)
	}
	if w.ID == nil {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidFrame)
	}
	hasOutcome := len(w.Result) > 0 || w.Error != nil
	switch {
	case w.Method != "" && hasOutcome:
		return nil, fmt.Errorf("%w: frame %s is both request and response", ErrInvalidFrame, *w.ID)
	case w.Method != "":
		return &Frame{Request: &Request{ID: *w.ID, JSONRPC: w.JSONRPC, Method: w.Method, Params: w.Params}}, nil
	case hasOutcome:
		return &Frame{Response: &Response{ID: *w.ID, JSONRPC: w.JSONRPC, Result: w.Result, Error: w.Error}}, nil
	default:
		return nil, fmt.Errorf("%w: frame %s has neither method nor result", ErrInvalidFrame, *w.ID)
	}
}
