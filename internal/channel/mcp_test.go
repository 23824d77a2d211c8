package channel

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"novabot/internal/agent"
	"novabot/internal/domain"
	"novabot/internal/tool"
)

// echoTool returns its arguments and the caller identity.
type echoTool struct {
	name string
	fail bool
}

func (e *echoTool) Name() string                  { return e.name }
func (e *echoTool) Description() string           { return "echo " + e.name }
func (e *echoTool) Capability() domain.Capability { return domain.CapDataQuery }
func (e *echoTool) Parameters() map[string]any {
	return tool.ToolParameters(map[string]tool.Param{"text": {Type: "string"}}, nil)
}

func (e *echoTool) Execute(ctx context.Context, inv domain.Invocation) (domain.ExecResult, error) {
	if e.fail {
		return domain.ExecResult{}, errors.New("backend down")
	}
	return domain.OK(map[string]any{"text": inv.Args["text"], "user": inv.UserID}), nil
}

func testMCP(t *testing.T, filter *agent.ToolFilter) *MCPServer {
	t.Helper()
	reg := tool.NewRegistry(testLogger())
	reg.MustRegister(&echoTool{name: "echo"}, &echoTool{name: "broken", fail: true}, &echoTool{name: "hidden"})
	m, err := NewMCPServer(MCPConfig{
		Version:  "test",
		Registry: reg,
		Filter:   filter,
		UserID:   "mcp-user",
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("NewMCPServer: %v", err)
	}
	return m
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("expected one content item, got %d", len(res.Content))
	}
	switch c := res.Content[0].(type) {
	case mcp.TextContent:
		return c.Text
	case *mcp.TextContent:
		return c.Text
	default:
		t.Fatalf("expected text content, got %T", res.Content[0])
		return ""
	}
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func TestMCP_ToolsRespectFilter(t *testing.T) {
	m := testMCP(t, agent.NewToolFilter(nil, []string{"hidden"}))
	tools := m.Tools()
	if len(tools) != 2 {
		t.Fatalf("expected 2 exposed tools, got %d", len(tools))
	}
	for _, d := range tools {
		if d.Name == "hidden" {
			t.Fatal("expected denied tool to be hidden")
		}
	}
}

func TestMCP_HandlerSuccess(t *testing.T) {
	m := testMCP(t, nil)
	res, err := m.handler("echo")(context.Background(), callRequest("echo", map[string]any{"text": "hi"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsError {
		t.Fatal("expected success result")
	}
	if got := resultText(t, res); got != `{"text":"hi","user":"mcp-user"}` {
		t.Fatalf("unexpected result text: %s", got)
	}
}

func TestMCP_HandlerFailure(t *testing.T) {
	m := testMCP(t, nil)
	res, err := m.handler("broken")(context.Background(), callRequest("broken", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected error result")
	}
	if got := resultText(t, res); got != "backend down" {
		t.Fatalf("expected executor message, got %q", got)
	}
}
