package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// JSON-RPC 2.0 error codes MCP servers answer with.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a JSON-RPC 2.0 call sent to a remote tool server.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest builds a call; nil params are left off the wire.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
}

// Notification is a call that expects no answer, such as
// notifications/initialized.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification builds a notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: "2.0", Method: method, Params: params}
}

// Response answers a Request. A well-formed response sets exactly one
// of Result and Error.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// errEmptyResult is returned for a response with neither result nor
// error.
var errEmptyResult = errors.New("response has neither result nor error")

// decode returns the server's error or unmarshals the result into out.
func (r *Response) decode(method string, out any) error {
	if r.Error != nil {
		return r.Error
	}
	if len(r.Result) == 0 {
		return errEmptyResult
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return fmt.Errorf("unmarshal %s result: %w", method, err)
	}
	return nil
}

// RPCError is the error object of a failed call. Servers often put a
// human-readable reason in Data.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if s, ok := e.Data.(string); ok && s != "" {
		return fmt.Sprintf("jsonrpc error %d: %s (%s)", e.Code, e.Message, s)
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// IsMethodNotFound reports whether err is a server saying it does not
// implement the called method.
func IsMethodNotFound(err error) bool {
	var rpc *RPCError
	return errors.As(err, &rpc) && rpc.Code == CodeMethodNotFound
}
