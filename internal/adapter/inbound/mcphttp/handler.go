// Package mcphttp serves the MCP protocol over streamable HTTP. A POST of
// "initialize" without a session header creates a session; subsequent
// messages route to that session's dedicated server via the Mcp-Session-Id
// header. DELETE ends the session; closing the connection does not.
package mcphttp

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"dsmcp/internal/domain"
	"dsmcp/internal/usecase"
	"dsmcp/pkg/shared/mcpjsonrpc"

	mcpGoServer "github.com/mark3labs/mcp-go/server"
)

const (
	sessionHeader  = "Mcp-Session-Id"
	maxRequestSize = 4 << 20
)

// ServerConfig carries the per-session server identity and advertised
// capabilities.
type ServerConfig struct {
	Name         string
	Version      string
	Instructions string

	ResourcesListChanged bool
	ResourcesSubscribe   bool
	ToolsListChanged     bool
	PromptsListChanged   bool
}

// Handler is the streamable-HTTP inbound adapter.
type Handler struct {
	logger      *slog.Logger
	registrar   *usecase.Registrar
	annotations map[string]*domain.Annotation
	sessions    *SessionManager
	cfg         ServerConfig
	authEnabled bool
}

func NewHandler(
	registrar *usecase.Registrar,
	annotations map[string]*domain.Annotation,
	sessions *SessionManager,
	cfg ServerConfig,
	authEnabled bool,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		logger:      logger.With(slog.String("component", "mcp_http_handler")),
		registrar:   registrar,
		annotations: annotations,
		sessions:    sessions,
		cfg:         cfg,
		authEnabled: authEnabled,
	}
}

// Routes wires the protocol endpoint and the liveness probe.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/mcp", h)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, h.sessions.Len())
	})
	return mux
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, nil, mcpjsonrpc.CodeParseError, "unreadable request body")
		return
	}
	method, id, ok := mcpjsonrpc.Peek(raw)
	if !ok {
		h.writeError(w, http.StatusBadRequest, nil, mcpjsonrpc.CodeParseError, "malformed JSON-RPC message")
		return
	}

	var sess *Session
	if sid := r.Header.Get(sessionHeader); sid != "" {
		sess, ok = h.sessions.Get(sid)
		if !ok {
			h.writeError(w, http.StatusNotFound, id, mcpjsonrpc.CodeServerErrorSessionNotFound,
				fmt.Sprintf("session %s not found", sid))
			return
		}
	} else {
		if method != "initialize" {
			h.writeError(w, http.StatusBadRequest, id, mcpjsonrpc.CodeInvalidRequest,
				"missing Mcp-Session-Id header; send initialize first")
			return
		}
		user := h.identity(r)
		sess = h.sessions.Create(h.newSessionServer(user), user)
	}

	ctx := usecase.WithIdentity(r.Context(), sess.User)
	response := sess.srv.HandleMessage(ctx, json.RawMessage(raw))

	w.Header().Set(sessionHeader, sess.ID)
	if response == nil {
		// Notification: nothing to send back.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to write response.", slog.Any("error", err))
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sid := r.Header.Get(sessionHeader)
	if sid == "" {
		http.Error(w, "missing Mcp-Session-Id header", http.StatusBadRequest)
		return
	}
	if !h.sessions.Delete(sid) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// newSessionServer builds the dedicated server for one session and registers
// the surface the user is allowed to see.
func (h *Handler) newSessionServer(user domain.Identity) *mcpGoServer.MCPServer {
	srv := mcpGoServer.NewMCPServer(
		h.cfg.Name,
		h.cfg.Version,
		mcpGoServer.WithInstructions(h.cfg.Instructions),
		mcpGoServer.WithResourceCapabilities(h.cfg.ResourcesSubscribe, h.cfg.ResourcesListChanged),
		mcpGoServer.WithToolCapabilities(h.cfg.ToolsListChanged),
		mcpGoServer.WithPromptCapabilities(h.cfg.PromptsListChanged),
		mcpGoServer.WithElicitation(),
	)
	h.registrar.RegisterAll(srv, h.annotations, user)
	return srv
}

// identity derives the caller identity from the request. With auth disabled
// every caller is privileged. With inherited auth the identity comes from
// the forwarding proxy's X-MCP-User / X-MCP-Roles headers; an authenticated
// user implicitly carries the authenticated-user pseudo role.
func (h *Handler) identity(r *http.Request) domain.Identity {
	if !h.authEnabled {
		return domain.PrivilegedUser{}
	}
	name := r.Header.Get("X-MCP-User")
	if name == "" {
		return &domain.User{ID: "anonymous"}
	}
	roles := []string{"authenticated-user"}
	for _, role := range strings.Split(r.Header.Get("X-MCP-Roles"), ",") {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}
	return &domain.User{ID: name, Roles: roles}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, id interface{}, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(mcpjsonrpc.NewErrorResponse(id, code, message)); err != nil {
		h.logger.Error("Failed to write error response.", slog.Any("error", err))
	}
}
