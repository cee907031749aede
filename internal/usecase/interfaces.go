package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"dsmcp/internal/adapter/outbound/query"
	"dsmcp/internal/domain"

	"github.com/mark3labs/mcp-go/mcp"
	mcpGoServer "github.com/mark3labs/mcp-go/server"
)

// Standard errors returned by use cases and adapters.
var (
	ErrServiceNotFound = errors.New("backing service not found")
	ErrEntityNotFound  = errors.New("entity not found")
)

// --- Backing-store access ---

// StoreTx is an explicit transaction over one service's entities. Writes
// become visible on Commit; Rollback discards them. A transaction is scoped
// to a single tool invocation and never shared.
type StoreTx interface {
	Insert(ctx context.Context, entity string, data map[string]any) (map[string]any, error)
	Update(ctx context.Context, entity string, keys, data map[string]any) (map[string]any, error)
	Delete(ctx context.Context, entity string, keys map[string]any) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// OperationHandler executes one declared service operation (function or
// action) against the backing store. Stores dispatch Call to registered
// handlers by the operation's local name.
type OperationHandler func(ctx context.Context, user domain.Identity, params map[string]any) (any, error)

// ServiceExecutor is the executable handle for one logical service. Every
// call runs under an explicit caller identity; the store is the sole source
// of truth and a failed call surfaces immediately (no retries).
type ServiceExecutor interface {
	Query(ctx context.Context, user domain.Identity, q *query.Compiled) (*query.Result, error)
	Read(ctx context.Context, user domain.Identity, entity string, keys map[string]any) (map[string]any, error)
	Begin(ctx context.Context, user domain.Identity) (StoreTx, error)
	// Call invokes a declared service operation (function or action).
	Call(ctx context.Context, user domain.Identity, operation string, params map[string]any) (any, error)
}

// ServiceResolver resolves logical service names to executors. Known lists
// the currently served names, returned to callers on resolution failures to
// aid automated self-correction.
type ServiceResolver interface {
	Resolve(service string) (ServiceExecutor, bool)
	Known() []string
}

// --- MCP server abstraction ---

// MCPServerAdapter is the slice of the MCP server library the registration
// use cases need. *server.MCPServer satisfies it.
type MCPServerAdapter interface {
	AddTool(tool mcp.Tool, handler mcpGoServer.ToolHandlerFunc)
	AddResourceTemplate(template mcp.ResourceTemplate, handler mcpGoServer.ResourceTemplateHandlerFunc)
	AddPrompt(prompt mcp.Prompt, handler mcpGoServer.PromptHandlerFunc)
	RequestElicitation(ctx context.Context, request mcp.ElicitationRequest) (*mcp.ElicitationResult, error)
}

// --- Runtime context ---

// RuntimeContext bundles the collaborators the parser, validators and
// generators read. It is passed explicitly instead of living in ambient
// global state.
type RuntimeContext struct {
	Model    *domain.Model
	Services ServiceResolver
	Logger   *slog.Logger
}

// Options is the registration behavior derived from configuration.
type Options struct {
	// AuthEnabled gates access evaluation; when false every caller is
	// privileged.
	AuthEnabled bool
	// WrapEntities enables wrapper-tool generation for resources that do
	// not carry their own wrap configuration.
	WrapEntities bool
	// DefaultWrapModes is the server-wide wrapper mode set.
	DefaultWrapModes []string
	// PromptStrict fails prompt rendering on unresolved placeholders
	// instead of leaving them verbatim.
	PromptStrict bool
	// ElicitTimeout bounds each elicitation round-trip; zero means no
	// timeout.
	ElicitTimeout time.Duration
}

// --- Caller identity plumbing ---

type contextKey int

const identityContextKey contextKey = iota

// WithIdentity attaches the caller identity to the context.
func WithIdentity(ctx context.Context, user domain.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, user)
}

// IdentityFrom extracts the caller identity, defaulting to the privileged
// identity when none was attached (auth disabled).
func IdentityFrom(ctx context.Context) domain.Identity {
	if user, ok := ctx.Value(identityContextKey).(domain.Identity); ok && user != nil {
		return user
	}
	return domain.PrivilegedUser{}
}
