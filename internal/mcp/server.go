// ABOUTME: MCP Streamable HTTP endpoint that exposes the fleet's builtin tools to external agents.
// ABOUTME: JSON-RPC 2.0 over POST with Mcp-Session-Id sessions; calls pass the same policy gate as the engine.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-fleet/internal/auth"
	"github.com/2389/coven-fleet/internal/invoke"
	"github.com/2389/coven-fleet/internal/tools"
)

var supportedProtocolVersions = map[string]bool{
	"2025-03-26": true,
	"2025-06-18": true,
	"2025-11-25": true,
}

const latestProtocolVersion = "2025-11-25"

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// Standard JSON-RPC error codes
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

type session struct {
	id              string
	protocolVersion string
	owner           string // auth subject at initialize, checked on DELETE
	createdAt       time.Time
}

type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*session)}
}

func (s *sessionStore) create(version, owner string) *session {
	sess := &session{
		id:              uuid.NewString(),
		protocolVersion: version,
		owner:           owner,
		createdAt:       time.Now(),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

func (s *sessionStore) get(id string) (*session, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	return sess, ok
}

func (s *sessionStore) delete(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *sessionStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Config holds configuration for the MCP server.
type Config struct {
	Catalog *tools.Catalog
	Invoker invoke.Invoker
	Gate    invoke.Gate // optional
	Name    string      // serverInfo.name
	Version string      // serverInfo.version
	Logger  *slog.Logger
}

// Server serves the builtin tools of a Catalog. Remote tools are not
// relayed: external agents should talk to the tool-execution core directly.
type Server struct {
	catalog  *tools.Catalog
	invoker  invoke.Invoker
	gate     invoke.Gate
	name     string
	version  string
	logger   *slog.Logger
	sessions *sessionStore
}

// NewServer creates a new MCP server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if cfg.Invoker == nil {
		return nil, errors.New("invoker is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "coven-fleet"
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	return &Server{
		catalog:  cfg.Catalog,
		invoker:  cfg.Invoker,
		gate:     cfg.Gate,
		name:     name,
		version:  version,
		logger:   logger.With("component", "mcp"),
		sessions: newSessionStore(),
	}, nil
}

// ServeHTTP handles POST (messages) and DELETE (session end). Server-initiated
// streams are not offered, so GET is refused.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	return s.sessions.len()
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get("Mcp-Session-Id")
	if id == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}
	sess, ok := s.sessions.get(id)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if sess.owner != "" && sess.owner != auth.SubjectFrom(r.Context()) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	s.sessions.delete(id)
	s.logger.Info("MCP session terminated", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.sendError(w, nil, JSONRPCParseError, "failed to read request body")
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.sendError(w, nil, JSONRPCInvalidRequest, "request body too large")
		return
	}

	var req tools.JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendError(w, nil, JSONRPCParseError, "invalid JSON")
		return
	}
	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, JSONRPCInvalidRequest, "invalid JSON-RPC version")
		return
	}

	isInitialize := req.Method == "initialize"
	isNotification := len(req.ID) == 0 || string(req.ID) == "null"

	if !isInitialize {
		if v := r.Header.Get("Mcp-Protocol-Version"); v != "" && !supportedProtocolVersions[v] {
			http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
			return
		}
		id := r.Header.Get("Mcp-Session-Id")
		if id == "" {
			http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
			return
		}
		if _, ok := s.sessions.get(id); !ok {
			// expired or unknown; the client must initialize again
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
	}

	if isNotification {
		s.logger.Debug("accepted MCP notification", "method", req.Method)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "initialize":
		s.handleInitialize(w, r, req)
	case "ping":
		s.sendResult(w, req.ID, map[string]any{})
	case "tools/list":
		s.handleToolsList(w, req)
	case "tools/call":
		s.handleToolsCall(w, r, req)
	default:
		s.sendError(w, req.ID, JSONRPCMethodNotFound, "method not found")
	}
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, req tools.JSONRPCRequest) {
	version := latestProtocolVersion
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if len(req.Params) > 0 && json.Unmarshal(req.Params, &params) == nil && supportedProtocolVersions[params.ProtocolVersion] {
		version = params.ProtocolVersion
	}

	sess := s.sessions.create(version, auth.SubjectFrom(r.Context()))
	s.logger.Info("MCP session created", "session_id", sess.id, "protocol_version", version)

	w.Header().Set("Mcp-Session-Id", sess.id)
	s.sendResult(w, req.ID, map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    s.name,
			"version": s.version,
		},
	})
}

func (s *Server) handleToolsList(w http.ResponseWriter, req tools.JSONRPCRequest) {
	result := tools.MCPListToolsResult{Tools: []tools.MCPToolInfo{}}
	for _, t := range s.catalog.List() {
		if t.Source != tools.SourceBuiltin {
			continue
		}
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		result.Tools = append(result.Tools, tools.MCPToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}

	s.logger.Debug("tools/list", "count", len(result.Tools))
	s.sendResult(w, req.ID, result)
}

func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req tools.JSONRPCRequest) {
	var params tools.MCPCallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendError(w, req.ID, JSONRPCInvalidParams, "invalid params")
			return
		}
	}
	if params.Name == "" {
		s.sendError(w, req.ID, JSONRPCInvalidParams, "tool name is required")
		return
	}
	if s.catalog.Builtin(params.Name) == nil {
		s.sendError(w, req.ID, JSONRPCInvalidParams, "tool not found")
		return
	}
	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}

	ctx := r.Context()
	if s.gate != nil {
		d, err := s.gate.Evaluate(ctx, params.Name, params.Arguments)
		if err != nil {
			s.logger.Warn("policy evaluation failed", "tool_name", params.Name, "error", err)
			s.sendError(w, req.ID, JSONRPCInternalError, "policy evaluation failed")
			return
		}
		if !d.Allowed() {
			text := "blocked by policy"
			if d.Reason != "" {
				text += ": " + d.Reason
			}
			s.sendResult(w, req.ID, tools.MCPCallToolResult{
				Content: []tools.MCPContent{{Type: "text", Text: text}},
				IsError: true,
			})
			return
		}
	}

	s.logger.Debug("tools/call", "tool_name", params.Name, "subject", auth.SubjectFrom(ctx))

	out, err := s.invoker.Invoke(ctx, params.Name, params.Arguments)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			s.sendError(w, req.ID, JSONRPCInternalError, "request cancelled")
			return
		}
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "tool execution timed out"
		}
		s.logger.Warn("tool execution failed", "tool_name", params.Name, "error", err)
		s.sendResult(w, req.ID, tools.MCPCallToolResult{
			Content: []tools.MCPContent{{Type: "text", Text: msg}},
			IsError: true,
		})
		return
	}

	text := strings.TrimSpace(string(out))
	if text == "" {
		text = "null"
	}
	s.sendResult(w, req.ID, tools.MCPCallToolResult{
		Content: []tools.MCPContent{{Type: "text", Text: text}},
	})
}

func (s *Server) sendResult(w http.ResponseWriter, id json.RawMessage, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.logger.Warn("failed to encode JSON-RPC result", "error", err)
		s.sendError(w, id, JSONRPCInternalError, "failed to encode result")
		return
	}
	s.write(w, tools.JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: raw})
}

func (s *Server) sendError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	s.write(w, tools.JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &tools.JSONRPCError{Code: code, Message: message},
	})
}

func (s *Server) write(w http.ResponseWriter, resp tools.JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}
