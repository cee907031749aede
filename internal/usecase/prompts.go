package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"dsmcp/internal/domain"

	"github.com/mark3labs/mcp-go/mcp"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// registerPrompts exposes each template of a prompt annotation as an MCP
// prompt. Returns the number of prompts registered.
func (r *Registrar) registerPrompts(srv MCPServerAdapter, ann *domain.PromptAnnotation) int {
	count := 0
	for i := range ann.Templates {
		tmpl := ann.Templates[i]

		opts := []mcp.PromptOption{mcp.WithPromptDescription(tmpl.Description)}
		for _, input := range tmpl.Inputs {
			opts = append(opts, mcp.WithArgument(input.Key,
				mcp.ArgumentDescription(fmt.Sprintf("Value for {{%s}} (%s).", input.Key, domain.ShortName(input.Type))),
				mcp.RequiredArgument()))
		}
		prompt := mcp.NewPrompt(tmpl.Name, opts...)

		srv.AddPrompt(prompt, func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
			rendered, err := renderTemplate(tmpl.Template, req.Params.Arguments, r.opts.PromptStrict)
			if err != nil {
				return nil, err
			}
			role := mcp.RoleUser
			if tmpl.Role == "assistant" {
				role = mcp.RoleAssistant
			}
			return &mcp.GetPromptResult{
				Description: tmpl.Description,
				Messages: []mcp.PromptMessage{
					{Role: role, Content: mcp.NewTextContent(rendered)},
				},
			}, nil
		})
		r.logger.Debug("Registered prompt.", slog.String("prompt", tmpl.Name), slog.String("service", ann.ServiceName))
		count++
	}
	return count
}

// renderTemplate substitutes {{variable}} placeholders with the supplied
// arguments. In strict mode an unresolved placeholder is an error; otherwise
// it is left verbatim so the client can see what was expected.
func renderTemplate(template string, args map[string]string, strict bool) (string, error) {
	var unresolved []string
	rendered := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		if v, ok := args[key]; ok {
			return v
		}
		unresolved = append(unresolved, key)
		return match
	})
	if strict && len(unresolved) > 0 {
		sort.Strings(unresolved)
		return "", fmt.Errorf("unresolved prompt variable(s): %s", strings.Join(unresolved, ", "))
	}
	return rendered, nil
}
