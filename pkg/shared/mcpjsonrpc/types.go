package mcpjsonrpc

import "encoding/json"

// Based on JSON-RPC 2.0 Specification: https://www.jsonrpc.org/specification

// Request represents a JSON-RPC request object.
type Request struct {
	Version string      `json:"jsonrpc"`          // MUST be "2.0"
	Method  string      `json:"method"`           // Method to be invoked
	Params  interface{} `json:"params,omitempty"` // Parameters (structured value or array)
	ID      interface{} `json:"id,omitempty"`     // Request identifier (string, number, or null)
}

// Response represents a JSON-RPC response object.
type Response struct {
	Version string      `json:"jsonrpc"`          // MUST be "2.0"
	Result  interface{} `json:"result,omitempty"` // Required on success
	Error   *Error      `json:"error,omitempty"`  // Required on error
	ID      interface{} `json:"id"`               // Must match request ID (or null if could not be determined)
}

// Error represents a JSON-RPC error object.
type Error struct {
	Code    int         `json:"code"`           // Error code
	Message string      `json:"message"`        // Error message
	Data    interface{} `json:"data,omitempty"` // Additional data about the error
}

// Error codes (subset, based on JSON-RPC spec and potential application errors)
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	// -32000 to -32099: Server error (implementation-defined)
	CodeServerErrorSessionNotFound = -32000
)

// NewErrorResponse builds an error response carrying the given request ID.
func NewErrorResponse(id interface{}, code int, message string) Response {
	return Response{
		Version: "2.0",
		Error:   &Error{Code: code, Message: message},
		ID:      id,
	}
}

// Peek extracts the method and request ID from a raw message without fully
// decoding the params. A message with no ID is a notification.
func Peek(raw []byte) (method string, id interface{}, ok bool) {
	var probe struct {
		Method string      `json:"method"`
		ID     interface{} `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", nil, false
	}
	return probe.Method, probe.ID, true
}
