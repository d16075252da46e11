// ABOUTME: MCP JSON-RPC 2.0 client for the fleet's tool-execution endpoint.
// ABOUTME: Implements tools/list for the catalog and tools/call for invocation.

package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
)

// ErrToolFailed marks an application-level error: the call reached the tool
// and the tool reported failure.
var ErrToolFailed = errors.New("tool reported failure")

// maxResponseBytes bounds a single JSON-RPC response body.
const maxResponseBytes = 8 << 20

// JSON-RPC 2.0 wire types, shared by the client here and the server in
// internal/mcp. IDs and results stay raw so either side can echo them
// without caring whether the peer used strings or numbers.

// JSONRPCRequest represents a JSON-RPC 2.0 request. A missing or null ID
// makes it a notification.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError is a protocol-level failure returned by the endpoint.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// MCPToolInfo describes a tool in a tools/list response.
type MCPToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// MCPListToolsResult is the result of tools/list.
type MCPListToolsResult struct {
	Tools []MCPToolInfo `json:"tools"`
}

// MCPCallToolParams are the params of tools/call.
type MCPCallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// MCPCallToolResult is the result of tools/call.
type MCPCallToolResult struct {
	Content []MCPContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

// MCPContent is one content block of a tool result.
type MCPContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// MCPClient talks to one MCP endpoint over HTTP POST.
type MCPClient struct {
	endpoint string
	token    string
	http     *http.Client
	logger   *slog.Logger
	nextID   atomic.Int64
}

// MCPClientConfig configures an MCPClient.
type MCPClientConfig struct {
	Endpoint   string
	Token      string // optional bearer token
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewMCPClient creates a client for the given endpoint.
func NewMCPClient(cfg MCPClientConfig) *MCPClient {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPClient{
		endpoint: cfg.Endpoint,
		token:    cfg.Token,
		http:     hc,
		logger:   logger.With("component", "mcp"),
	}
}

// ListTools calls tools/list.
func (c *MCPClient) ListTools(ctx context.Context) ([]MCPToolInfo, error) {
	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var res MCPListToolsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decoding tools/list result: %w", err)
	}
	return res.Tools, nil
}

// CallTool calls tools/call and returns the result payload verbatim.
// A result flagged isError yields an error wrapping ErrToolFailed.
func (c *MCPClient) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := c.call(ctx, "tools/call", MCPCallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}

	var res MCPCallToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decoding tools/call result: %w", err)
	}
	if res.IsError {
		return nil, fmt.Errorf("%w: %s", ErrToolFailed, contentText(res.Content))
	}
	return raw, nil
}

func (c *MCPClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      json.RawMessage(strconv.FormatInt(c.nextID.Add(1), 10)),
		Method:  method,
	}
	if params != nil {
		p, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding %s params: %w", method, err)
		}
		req.Params = p
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.logger.Debug("→ mcp request", "method", method, "id", string(req.ID))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", method, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s: endpoint returned HTTP %d", method, resp.StatusCode)
	}

	var rpcResp JSONRPCResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	c.logger.Debug("← mcp response", "method", method, "id", string(req.ID), "bytes", len(rpcResp.Result))
	return rpcResp.Result, nil
}

func contentText(content []MCPContent) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		if c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	if len(parts) == 0 {
		return "no error detail"
	}
	return strings.Join(parts, "\n")
}
