// Package plugins exposes the tools of external MCP servers as agents.
package plugins

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/ensemble/internal/agents"
	"github.com/rendis/ensemble/internal/logging"
	"github.com/rendis/ensemble/pkg/schema"
)

// ServerConfig describes an MCP server launched as a subprocess.
type ServerConfig struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// Client is the subset of the mcp-go client the manager drives.
type Client interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Registrar receives the agents discovered on a server.
type Registrar interface {
	Register(agent agents.Agent) error
}

// Manager owns the connections to attached servers.
type Manager struct {
	registry Registrar
	logger   *slog.Logger
	version  string

	mu      sync.Mutex
	clients map[string]Client
}

// NewManager creates a Manager that registers tools into registry.
func NewManager(registry Registrar, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		registry: registry,
		logger:   logger,
		version:  "1.0.0",
		clients:  make(map[string]Client),
	}
}

// Launch starts cfg.Command and attaches it under cfg.Name.
func (m *Manager) Launch(ctx context.Context, cfg ServerConfig) (int, error) {
	if cfg.Name == "" || cfg.Command == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "agent server needs a name and a command")
	}
	c, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeAgentExecution, "start agent server %q", cfg.Name).WithCause(err)
	}
	n, err := m.Attach(ctx, cfg.Name, c)
	if err != nil {
		_ = c.Close()
		return 0, err
	}
	return n, nil
}

// Attach performs the initialize handshake on c, lists its tools and
// registers each one as the agent "<name>.<tool>". It returns the number of
// agents registered.
func (m *Manager) Attach(ctx context.Context, name string, c Client) (int, error) {
	if strings.Contains(name, ".") {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "agent server name %q must not contain '.'", name)
	}
	m.mu.Lock()
	_, exists := m.clients[name]
	m.mu.Unlock()
	if exists {
		return 0, schema.NewErrorf(schema.ErrCodeConflict, "agent server %q already attached", name)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "ensemble", Version: m.version}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeAgentExecution, "initialize agent server %q", name).WithCause(err)
	}

	list, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeAgentExecution, "list tools of %q", name).WithCause(err)
	}

	n := 0
	for _, tool := range list.Tools {
		agent := &toolAgent{
			name:   name + "." + tool.Name,
			tool:   tool,
			schema: inputSchema(tool),
			client: c,
		}
		if err := m.registry.Register(agent); err != nil {
			return n, err
		}
		n++
	}

	m.mu.Lock()
	m.clients[name] = c
	m.mu.Unlock()

	m.logger.Info("agent server attached", slog.String("server", name), slog.Int("tools", n))
	return n, nil
}

// Servers returns the attached server names, sorted.
func (m *Manager) Servers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every attached client.
func (m *Manager) Close() error {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]Client)
	m.mu.Unlock()

	var lastErr error
	for name, c := range clients {
		if err := c.Close(); err != nil {
			m.logger.Warn("close agent server", slog.String("server", name), slog.String("error", err.Error()))
			lastErr = err
		}
	}
	return lastErr
}

// inputSchema extracts the wire form of the tool's input schema, which
// honors RawInputSchema when the server set one.
func inputSchema(tool mcp.Tool) json.RawMessage {
	raw, err := json.Marshal(tool)
	if err != nil {
		return nil
	}
	var wire struct {
		InputSchema json.RawMessage `json:"inputSchema"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil
	}
	return wire.InputSchema
}

type toolAgent struct {
	name   string
	tool   mcp.Tool
	schema json.RawMessage
	client Client
}

func (a *toolAgent) Name() string { return a.name }

func (a *toolAgent) Describe() agents.Descriptor {
	return agents.Descriptor{
		Name:        a.name,
		Description: a.tool.Description,
		InputSchema: a.schema,
	}
}

func (a *toolAgent) Run(ctx context.Context, input map[string]any) (any, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = a.tool.Name
	req.Params.Arguments = input

	res, err := a.client.CallTool(ctx, req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAgentExecution, "%s: call failed: %v", a.name, err).WithCause(err)
	}
	text := contentText(res.Content)
	if res.IsError {
		return nil, schema.NewErrorf(schema.ErrCodeAgentExecution, "%s: %s", a.name, text).
			WithDetails(map[string]any{"retryable": false})
	}
	if res.StructuredContent != nil {
		return res.StructuredContent, nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err == nil {
		return decoded, nil
	}
	return text, nil
}

func contentText(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		if s := mcp.GetTextFromContent(c); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

