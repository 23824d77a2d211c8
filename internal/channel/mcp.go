package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"novabot/internal/agent"
	"novabot/internal/domain"
	"novabot/internal/tool"
)

var _ domain.Channel = (*MCPServer)(nil)

// MCPServer exposes the tool catalog to MCP clients over stdio. Every call
// runs as one fixed identity.
type MCPServer struct {
	server   *server.MCPServer
	registry *tool.Registry
	filter   *agent.ToolFilter
	identity domain.Invocation
	logger   *slog.Logger
}

type MCPConfig struct {
	Name      string
	Version   string
	Registry  *tool.Registry
	Filter    *agent.ToolFilter // nil exposes every tool
	UserID    string
	TenantID  string
	CompanyID string
	Logger    *slog.Logger
}

func NewMCPServer(cfg MCPConfig) (*MCPServer, error) {
	if cfg.Name == "" {
		cfg.Name = "novabot"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &MCPServer{
		server: server.NewMCPServer(cfg.Name, cfg.Version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
		registry: cfg.Registry,
		filter:   cfg.Filter,
		identity: domain.Invocation{
			UserID:    cfg.UserID,
			TenantID:  cfg.TenantID,
			CompanyID: cfg.CompanyID,
		},
		logger: cfg.Logger,
	}

	for _, def := range m.Tools() {
		schema, err := json.Marshal(def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", def.Name, err)
		}
		m.server.AddTool(mcp.NewToolWithRawSchema(def.Name, def.Description, schema), m.handler(def.Name))
	}
	return m, nil
}

func (m *MCPServer) Name() string { return "mcp" }

// Tools returns the definitions exposed to clients.
func (m *MCPServer) Tools() []domain.ToolDefinition {
	return m.filter.FilterDefinitions(m.registry.Definitions())
}

// Start serves MCP on the process's stdin and stdout.
func (m *MCPServer) Start(ctx context.Context) error {
	return m.Serve(ctx, os.Stdin, os.Stdout)
}

// Serve speaks MCP over the given streams until ctx is cancelled or in closes.
func (m *MCPServer) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	m.logger.Info("MCP server started", "tools", len(m.Tools()))
	return server.NewStdioServer(m.server).Listen(ctx, in, out)
}

func (m *MCPServer) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		inv := m.identity
		inv.Args = req.GetArguments()
		if inv.Args == nil {
			inv.Args = make(map[string]any)
		}

		res := m.registry.Execute(ctx, name, inv)
		if !res.Success {
			m.logger.Warn("mcp tool failed", "tool", name, "error", res.Error)
			return mcp.NewToolResultError(res.Error), nil
		}

		body, err := json.Marshal(res.Data)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}
