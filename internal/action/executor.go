// Package action executes side-effecting actions (email, notes, CRM updates)
// requested by the LLM through tool calls.
//
// Actions live on external MCP servers reached over streamable HTTP using the
// official MCP Go SDK. The Executor imports each server's tool catalogue at
// connect time, offers the definitions to the LLM, and routes tool calls back
// to the owning server — bounded by a per-call timeout and per-user rate
// limits.
package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/AroonSharma/woic-agent-server-sub000/internal/config"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/types"
)

// Result is the outcome of one action execution, mirrored onto the
// action.executed client frame.
type Result struct {
	Action  string         `json:"action"`
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// toolEntry maps a discovered tool to its owning server.
type toolEntry struct {
	def        types.ToolDefinition
	serverName string
}

// serverConn holds a live session to one external MCP server.
type serverConn struct {
	session *mcpsdk.ClientSession
}

// Executor connects to the configured MCP servers and executes tool calls
// against them. Safe for concurrent use.
type Executor struct {
	cfg     config.ActionsConfig
	client  *mcpsdk.Client
	limiter *RateLimiter
	timeout time.Duration

	mu      sync.RWMutex
	servers map[string]serverConn
	tools   map[string]toolEntry
}

// NewExecutor creates an Executor for the configured servers. No connections
// are opened until Connect is called.
func NewExecutor(cfg config.ActionsConfig) *Executor {
	timeout := cfg.ExecTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Executor{
		cfg:    cfg,
		client: mcpsdk.NewClient(&mcpsdk.Implementation{Name: "woic-agent-server", Version: "1.0.0"}, nil),
		limiter: NewRateLimiter(RateLimits{
			PerMinute: cfg.RatePerMinute,
			PerHour:   cfg.RatePerHour,
			PerDay:    cfg.RatePerDay,
		}),
		timeout: timeout,
		servers: make(map[string]serverConn),
		tools:   make(map[string]toolEntry),
	}
}

// Connect dials every configured MCP server and imports its tool catalogue.
// A tool name registered by two servers resolves to the later server in the
// configuration order.
func (e *Executor) Connect(ctx context.Context) error {
	for _, srv := range e.cfg.MCPServers {
		transport := &mcpsdk.StreamableClientTransport{
			Endpoint:   srv.URL,
			HTTPClient: authHTTPClient(srv.Token),
		}
		session, err := e.client.Connect(ctx, transport, nil)
		if err != nil {
			return fmt.Errorf("action: connect to server %q: %w", srv.Name, err)
		}

		var discovered []mcpsdk.Tool
		for tool, err := range session.Tools(ctx, nil) {
			if err != nil {
				_ = session.Close()
				return fmt.Errorf("action: list tools for server %q: %w", srv.Name, err)
			}
			discovered = append(discovered, *tool)
		}

		e.mu.Lock()
		if old, ok := e.servers[srv.Name]; ok {
			_ = old.session.Close()
			for name, t := range e.tools {
				if t.serverName == srv.Name {
					delete(e.tools, name)
				}
			}
		}
		e.servers[srv.Name] = serverConn{session: session}
		for _, tool := range discovered {
			e.tools[tool.Name] = toolEntry{
				def: types.ToolDefinition{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  schemaToMap(tool.InputSchema),
				},
				serverName: srv.Name,
			}
		}
		e.mu.Unlock()
	}
	return nil
}

// Definitions returns the tool definitions offered to the LLM.
func (e *Executor) Definitions() []types.ToolDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.ToolDefinition, 0, len(e.tools))
	for _, t := range e.tools {
		out = append(out, t.def)
	}
	return out
}

// Execute runs one tool call on behalf of userID. Rate limits are checked
// before anything reaches the server; a refused call returns a
// *RateLimitError. The call is bounded by the configured execution timeout.
func (e *Executor) Execute(ctx context.Context, userID string, call types.ToolCall) (*Result, error) {
	e.mu.RLock()
	entry, ok := e.tools[call.Name]
	conn, connOK := e.servers[entry.serverName]
	e.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("action: tool %q not found", call.Name)
	}
	if !connOK {
		return nil, fmt.Errorf("action: server %q not connected for tool %q", entry.serverName, call.Name)
	}

	if err := e.limiter.Allow(userID, call.Name); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var argsMap map[string]any
	if call.Arguments != "" && call.Arguments != "{}" {
		if err := json.Unmarshal([]byte(call.Arguments), &argsMap); err != nil {
			return nil, fmt.Errorf("action: invalid args JSON for tool %q: %w", call.Name, err)
		}
	}

	callResult, err := conn.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      call.Name,
		Arguments: argsMap,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("action: tool %q timed out after %s", call.Name, e.timeout)
		}
		return nil, fmt.Errorf("action: call to tool %q failed: %w", call.Name, err)
	}

	var sb strings.Builder
	for _, c := range callResult.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return buildResult(call.Name, sb.String(), !callResult.IsError), nil
}

// Close shuts down all server sessions.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for name, conn := range e.servers {
		if err := conn.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("action: close server %q: %w", name, err))
		}
		delete(e.servers, name)
	}
	return errors.Join(errs...)
}

// buildResult packs the tool's text output into a Result. Output that parses
// as a JSON object additionally populates Data so clients can render
// structured results.
func buildResult(action, content string, success bool) *Result {
	r := &Result{Action: action, Success: success, Message: content}
	var data map[string]any
	if err := json.Unmarshal([]byte(content), &data); err == nil {
		r.Data = data
	}
	return r
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// headerTransport injects a bearer token into every request.
type headerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(clone)
}

// authHTTPClient returns an HTTP client carrying the server token, or nil for
// the SDK default when no token is configured.
func authHTTPClient(token string) *http.Client {
	if token == "" {
		return nil
	}
	return &http.Client{Transport: &headerTransport{token: token, base: http.DefaultTransport}}
}
