package acp

import (
	"encoding/json"

	"github.com/m4xw311/acpc/errors"
)

// Subprotocol is the WebSocket subprotocol token identifying the ACP
// dialect spoken over the connection.
const Subprotocol = "acp.jsonrpc.v1"

// JSON-RPC 2.0 error codes used on this connection.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	// CodeAccessDenied answers fs requests for paths the configuration
	// hides or marks read-only.
	CodeAccessDenied = -32000
)

// Request is an outbound JSON-RPC 2.0 request. A nil ID makes it a
// notification.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is an outbound JSON-RPC 2.0 response, used to answer
// server-initiated requests (permission prompts, fs requests). ID echoes
// the remote's original request id.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// NewRequest builds a request envelope for the given method.
func NewRequest(id any, method string, params any) Request {
	return Request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
}

// NewNotification builds a request envelope without an id.
func NewNotification(method string, params any) Request {
	return Request{JSONRPC: "2.0", Method: method, Params: params}
}

// EncodeFrame serializes an outbound message as a single JSON document.
func EncodeFrame(obj any) ([]byte, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to serialize JSON-RPC message")
	}
	return data, nil
}

// Message is one decoded inbound frame. Requests, notifications and
// responses all land in the same envelope; Classify sorts them out.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`

	// Some agents put the session id at the top level instead of inside
	// params; kept as a routing fallback.
	SessionID string `json:"sessionId,omitempty"`
}

// DecodeFrame parses one inbound text frame. The caller drops the frame on
// error; malformed input never reaches the router.
func DecodeFrame(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errors.Wrapf(err, "malformed frame")
	}
	return &msg, nil
}

// HasResult reports whether the message carries a non-null result payload.
func (m *Message) HasResult() bool {
	return len(m.Result) > 0 && string(m.Result) != "null"
}
