package usecase

import (
	"context"
	"fmt"
	"time"

	"dsmcp/internal/domain"

	"github.com/mark3labs/mcp-go/mcp"
)

// Elicitor runs one interactive round-trip with the caller. The server
// implementation blocks until the client responds (or the configured
// timeout, when set, expires).
type Elicitor interface {
	Elicit(ctx context.Context, message string, requestedSchema map[string]any) (action string, content map[string]any, err error)
}

// Elicitation actions, mirroring the protocol vocabulary.
const (
	elicitAccept  = "accept"
	elicitDecline = "decline"
	elicitCancel  = "cancel"
)

type serverElicitor struct {
	srv     MCPServerAdapter
	timeout time.Duration
}

// NewElicitor wraps the MCP server's elicitation support. timeout of zero
// means an abandoned elicitation blocks the invocation indefinitely.
func NewElicitor(srv MCPServerAdapter, timeout time.Duration) Elicitor {
	return &serverElicitor{srv: srv, timeout: timeout}
}

func (e *serverElicitor) Elicit(ctx context.Context, message string, requestedSchema map[string]any) (string, map[string]any, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	req := mcp.ElicitationRequest{}
	req.Params.Message = message
	req.Params.RequestedSchema = requestedSchema
	result, err := e.srv.RequestElicitation(ctx, req)
	if err != nil {
		return "", nil, err
	}
	content, _ := result.Content.(map[string]any)
	return string(result.Action), content, nil
}

// runElicitation executes the declared elicitation steps strictly in order,
// blocking each step on the prior step's acceptance. It returns extra input
// collected from "input" steps, or a short-circuit result when the caller
// declined or cancelled (not an error).
func runElicitation(ctx context.Context, elicitor Elicitor, tool *domain.ToolAnnotation, inputSchema domain.SchemaProps) (map[string]any, *mcp.CallToolResult, error) {
	collected := map[string]any{}
	for _, step := range tool.Elicit {
		var message string
		var schema map[string]any
		switch step {
		case domain.ElicitInput:
			message = fmt.Sprintf("Provide input for %s", tool.Name)
			schema = inputSchema.JSONSchema()
		case domain.ElicitConfirm:
			message = fmt.Sprintf("Confirm execution of %s", tool.Name)
			schema = map[string]any{
				"type": "object",
				"properties": map[string]any{
					"confirm": map[string]any{"type": "boolean", "description": "Set to true to proceed."},
				},
				"required": []string{"confirm"},
			}
		}
		action, content, err := elicitor.Elicit(ctx, message, schema)
		if err != nil {
			return nil, nil, err
		}
		switch action {
		case elicitAccept:
			if step == domain.ElicitConfirm {
				if confirmed, _ := content["confirm"].(bool); !confirmed {
					return nil, infoResult(fmt.Sprintf("%s was not confirmed; nothing was executed.", tool.Name)), nil
				}
			} else {
				for k, v := range content {
					collected[k] = v
				}
			}
		case elicitDecline:
			return nil, infoResult(fmt.Sprintf("Caller declined %s; nothing was executed.", tool.Name)), nil
		default: // cancel or unknown
			return nil, infoResult(fmt.Sprintf("Caller cancelled %s; nothing was executed.", tool.Name)), nil
		}
	}
	return collected, nil, nil
}
