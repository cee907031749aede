package usecase

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// Stable error codes returned in structured tool results. Nothing below the
// invocation boundary throws past it: every failure mode becomes one of
// these payloads so an automated caller always receives a well-formed
// response.
const (
	CodeMissingKey     = "MISSING_KEY"
	CodeInvalidInput   = "INVALID_INPUT"
	CodeMissingService = "ERR_MISSING_SERVICE"
	CodeQueryFailed    = "QUERY_FAILED"
	CodeGetFailed      = "GET_FAILED"
	CodeCreateFailed   = "CREATE_FAILED"
	CodeUpdateFailed   = "UPDATE_FAILED"
	CodeDeleteFailed   = "DELETE_FAILED"
	CodeCallFailed     = "CALL_FAILED"
	CodeTimeout        = "TIMEOUT"
	CodeNoFields       = "NO_FIELDS"
)

type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// errorResult renders a structured, caller-visible error payload.
func errorResult(code, message string, details any) *mcp.CallToolResult {
	body, err := json.Marshal(errorPayload{Error: code, Message: message, Details: details})
	if err != nil {
		body = []byte(fmt.Sprintf(`{"error":%q,"message":%q}`, code, message))
	}
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{mcp.NewTextContent(string(body))},
	}
}

// jsonResult renders a successful payload as a JSON text content block.
func jsonResult(v any) *mcp.CallToolResult {
	body, err := json.Marshal(v)
	if err != nil {
		return errorResult(CodeInvalidInput, fmt.Sprintf("failed to encode result: %v", err), nil)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(body))},
	}
}

// infoResult is a plain informational outcome, used for declined or
// cancelled elicitations. Not an error.
func infoResult(message string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(message)},
	}
}
